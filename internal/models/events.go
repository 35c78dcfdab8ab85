package models

// ProgressEvent 每个页面完成后发出的进度事件
type ProgressEvent struct {
	JobID           string  `json:"job_id"`
	ProcessedCount  int     `json:"processed_count"`
	TotalCount      int     `json:"total_count"`
	CurrentURL      string  `json:"current_url"`
	ProgressPercent float64 `json:"progress_percent"`
}

// StatusEvent 任务生命周期通知
type StatusEvent struct {
	JobID   string          `json:"job_id"`
	Status  CrawlStatus     `json:"status"`
	Message string          `json:"message,omitempty"`
	Stats   CrawlStatistics `json:"stats"`
}

// ProgressSink 进度事件接收方(命令行进度条、日志等)
// 调度循环在单个goroutine中同步调用,实现不应长时间阻塞
type ProgressSink interface {
	OnProgress(ProgressEvent)
	OnStatus(StatusEvent)
}

// NopSink 丢弃所有事件
type NopSink struct{}

func (NopSink) OnProgress(ProgressEvent) {}
func (NopSink) OnStatus(StatusEvent)     {}

// MultiSink 把事件依次转发给多个接收方
type MultiSink []ProgressSink

func (m MultiSink) OnProgress(e ProgressEvent) {
	for _, s := range m {
		s.OnProgress(e)
	}
}

func (m MultiSink) OnStatus(e StatusEvent) {
	for _, s := range m {
		s.OnStatus(e)
	}
}
