package crawlers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
)

// PageConverter 把一个URL转换成页面结果
type PageConverter interface {
	Convert(ctx context.Context, url string, depth int) *models.PageResult
}

// OrchestratorConfig 站点抓取配置
type OrchestratorConfig struct {
	MaxDepth        int
	MaxPages        int
	ConcurrentLimit int
	AllowedDomains  []string // 入口源之外允许跟随的域名
	Sink            models.ProgressSink
	// OnPage 在调度循环中对每个完成的页面调用一次,可修改结果(例如写盘失败时标记为失败)
	OnPage func(*models.PageResult)
}

// CrawlResult 一次站点抓取的最终结果
type CrawlResult struct {
	JobID     string
	RootURL   string
	Status    models.CrawlStatus
	Pages     []*models.PageResult // 按调度序号排序
	Stats     models.CrawlStatistics
	StartTime time.Time
	EndTime   time.Time
}

// Orchestrator 广度优先、有界的站点抓取
type Orchestrator struct {
	converter PageConverter
	cfg       OrchestratorConfig
}

// NewOrchestrator 创建调度器
func NewOrchestrator(converter PageConverter, cfg OrchestratorConfig) *Orchestrator {
	if cfg.ConcurrentLimit < 1 {
		cfg.ConcurrentLimit = 1
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	if cfg.Sink == nil {
		cfg.Sink = models.NopSink{}
	}
	return &Orchestrator{converter: converter, cfg: cfg}
}

type pageDone struct {
	item   models.URLItem
	result *models.PageResult
}

// Crawl 从 rootURL 开始抓取,直到队列为空、达到页面上限或 ctx 被取消
// ctx 取消后不再调度新页面,已在执行的页面会完成并计入结果
// 只有入口URL无效时返回错误
func (o *Orchestrator) Crawl(ctx context.Context, rootURL string) (*CrawlResult, error) {
	job, err := NewCrawlJob(rootURL, o.cfg.MaxDepth, o.cfg.MaxPages, o.cfg.AllowedDomains)
	if err != nil {
		return nil, fmt.Errorf("入口URL无效: %w", err)
	}

	sink := o.cfg.Sink
	sink.OnStatus(models.StatusEvent{
		JobID:   job.ID,
		Status:  models.CrawlStatusStarted,
		Message: job.RootURL,
		Stats:   job.Snapshot(),
	})

	// 已调度的页面不随调用方取消而中断
	runCtx := context.WithoutCancel(ctx)
	done := make(chan pageDone)
	inFlight := 0
	cancelled := false

	for {
		for !cancelled && inFlight < o.cfg.ConcurrentLimit && job.CanSchedule() {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			item, ok := job.Next()
			if !ok {
				break
			}
			inFlight++
			go func(item models.URLItem) {
				done <- pageDone{item: item, result: o.converter.Convert(runCtx, item.URL, item.Depth)}
			}(item)
		}
		if !cancelled && ctx.Err() != nil {
			cancelled = true
		}
		if inFlight == 0 {
			break
		}

		cancelCh := ctx.Done()
		if cancelled {
			cancelCh = nil
		}
		select {
		case d := <-done:
			inFlight--
			o.complete(job, d)
		case <-cancelCh:
			cancelled = true
			utils.Warnf("⚠️  收到取消请求,等待 %d 个进行中的页面完成", inFlight)
		}
	}

	return o.finish(job, cancelled), nil
}

// complete 记录页面结果,按需加入新发现的链接,并发出进度事件
func (o *Orchestrator) complete(job *CrawlJob, d pageDone) {
	res := d.result
	if res == nil {
		res = &models.PageResult{URL: d.item.URL}
		res.MarkFailed("转换器未返回结果")
	}
	res.Sequence = d.item.Sequence
	res.Depth = d.item.Depth
	if res.URL == "" {
		res.URL = d.item.URL
	}

	if o.cfg.OnPage != nil {
		o.cfg.OnPage(res)
	}
	job.Record(res)

	if res.Outcome != models.OutcomeFailed && d.item.Depth < o.cfg.MaxDepth {
		job.Enqueue(res.Links, d.item.Depth+1, d.item.URL)
	}

	stats := job.Snapshot()
	o.cfg.Sink.OnProgress(models.ProgressEvent{
		JobID:           job.ID,
		ProcessedCount:  stats.Processed,
		TotalCount:      stats.Total,
		CurrentURL:      res.URL,
		ProgressPercent: stats.Percent(),
	})
}

func (o *Orchestrator) finish(job *CrawlJob, cancelled bool) *CrawlResult {
	stats := job.Snapshot()
	status := models.CrawlStatusCompleted
	message := fmt.Sprintf("共处理 %d 个页面", stats.Processed)
	switch {
	case cancelled:
		status = models.CrawlStatusCancelled
	case stats.Processed > 0 && stats.Succeeded+stats.Partial == 0:
		status = models.CrawlStatusError
		message = "所有页面均转换失败"
	}

	pages := job.Results()
	sort.Slice(pages, func(a, b int) bool { return pages[a].Sequence < pages[b].Sequence })

	o.cfg.Sink.OnStatus(models.StatusEvent{
		JobID:   job.ID,
		Status:  status,
		Message: message,
		Stats:   stats,
	})

	return &CrawlResult{
		JobID:     job.ID,
		RootURL:   job.RootURL,
		Status:    status,
		Pages:     pages,
		Stats:     stats,
		StartTime: job.StartTime,
		EndTime:   time.Now(),
	}
}
