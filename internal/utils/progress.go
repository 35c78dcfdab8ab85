package utils

import (
	"sync"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarSink 把抓取进度渲染为命令行进度条
// 已知页面总数会随链接发现增长,进度条上限随之调整
type ProgressBarSink struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
	max int
}

// NewProgressBarSink 创建进度条接收方
func NewProgressBarSink(description string) *ProgressBarSink {
	return &ProgressBarSink{bar: NewProgressBar(1, description), max: 1}
}

// OnProgress 更新进度
func (s *ProgressBarSink) OnProgress(e models.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.TotalCount > s.max {
		s.max = e.TotalCount
		s.bar.ChangeMax(s.max)
	}
	_ = s.bar.Set(e.ProcessedCount)
}

// OnStatus 任务结束时收尾进度条
func (s *ProgressBarSink) OnStatus(e models.StatusEvent) {
	switch e.Status {
	case models.CrawlStatusCompleted, models.CrawlStatusCancelled, models.CrawlStatusError:
		s.mu.Lock()
		_ = s.bar.Finish()
		s.mu.Unlock()
	}
}

// LogSink 把进度和状态写入日志
type LogSink struct{}

// OnProgress 每个页面完成后记录一条调试日志
func (LogSink) OnProgress(e models.ProgressEvent) {
	Debugf("进度 %d/%d (%.1f%%) %s", e.ProcessedCount, e.TotalCount, e.ProgressPercent, e.CurrentURL)
}

// OnStatus 记录任务状态变化
func (LogSink) OnStatus(e models.StatusEvent) {
	switch e.Status {
	case models.CrawlStatusStarted:
		Infof("🚀 开始抓取: %s", e.Message)
	case models.CrawlStatusCompleted:
		Infof("✅ 抓取完成: 成功 %d, 部分 %d, 失败 %d, 跳过 %d",
			e.Stats.Succeeded, e.Stats.Partial, e.Stats.Errors, e.Stats.Skipped)
	case models.CrawlStatusCancelled:
		Warnf("⚠️  抓取已取消: 已完成 %d 个页面", e.Stats.Processed)
	case models.CrawlStatusError:
		Errorf("❌ 抓取失败: %s", e.Message)
	}
}
