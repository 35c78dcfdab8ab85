package core

import (
	"context"
	"fmt"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/crawlers"
	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/monitoring"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
)

// PageOutput 单页转换的输出
type PageOutput struct {
	Dir        string
	IndexPath  string
	ReportPath string
	Page       *models.PageResult
}

// SiteOutput 站点抓取的输出
type SiteOutput struct {
	Dir        string
	IndexPath  string
	ReportPath string
	Result     *crawlers.CrawlResult
}

// Converter 主协调器: 按配置组装会话池、获取器、提取器、调度器和流水线
// 每次 ConvertPage/CrawlSite 使用独立的浏览器实例,结束时全部释放
type Converter struct {
	cfg       *Config
	headers   models.HeaderProvider
	metrics   *monitoring.Metrics
	assembler *Assembler
	sink      models.ProgressSink

	openDriver func() (crawlers.Driver, error)
}

// NewConverter 创建协调器,metrics 可以为 nil
func NewConverter(cfg *Config, headers models.HeaderProvider, metrics *monitoring.Metrics) *Converter {
	c := &Converter{
		cfg:       cfg,
		headers:   headers,
		metrics:   metrics,
		assembler: NewAssembler(cfg.Output.BaseDir),
		sink:      models.NopSink{},
	}
	c.openDriver = c.defaultDriver
	return c
}

// SetProgressSink 设置站点抓取的进度接收者
func (c *Converter) SetProgressSink(sink models.ProgressSink) {
	if sink == nil {
		sink = models.NopSink{}
	}
	c.sink = sink
}

func (c *Converter) defaultDriver() (crawlers.Driver, error) {
	if c.cfg.Crawl.Mode == models.ModeStatic {
		return crawlers.NewStaticDriver(c.headers), nil
	}
	return crawlers.NewRodDriver(c.cfg.Crawl.Headless, c.headers)
}

// stack 一次运行使用的组件
type stack struct {
	driver   crawlers.Driver
	monitor  *crawlers.ResourceMonitor
	pool     *crawlers.SessionPool
	pipeline *crawlers.Pipeline
}

// newStack 组装流水线,图片下载到 outputDir/assets
func (c *Converter) newStack(outputDir string) (*stack, error) {
	crawl := c.cfg.Crawl

	driver, err := c.openDriver()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	s := &stack{driver: driver}
	if crawl.Mode == models.ModeDynamic {
		s.monitor = crawlers.NewResourceMonitor(c.cfg.ResourceMonitorConfig())
		s.monitor.StartMonitoring(time.Second)
	}

	s.pool = crawlers.NewSessionPool(driver, crawlers.SessionPoolConfig{
		MaxSessions:    crawl.MaxSessions,
		AcquireTimeout: crawl.AcquireTimeout,
		Monitor:        s.monitor,
		Metrics:        c.metrics,
	})

	fetcher := crawlers.NewFetcher(crawlers.FetchOptions{
		Timeouts: crawlers.NavigationTimeouts{
			Connect:  crawl.ConnectTimeout,
			Socket:   crawl.SocketTimeout,
			Response: crawl.ResponseTimeout,
		},
		HandleDynamicContent: crawl.HandleDynamicContent && crawl.Mode == models.ModeDynamic,
		WaitForContent:       crawl.WaitForContent,
		MaxWaitTime:          crawl.MaxWaitTime,
	})

	governor := crawlers.NewGovernor(crawlers.GovernorConfig{
		ConcurrentLimit:     crawl.ConcurrentLimit,
		WaitBetweenRequests: crawl.WaitBetweenRequests,
		Jitter:              crawl.Jitter,
		MaxAttempts:         crawl.MaxAttempts,
		Backoff:             crawlers.BackoffPolicy{Base: crawl.RetryBaseDelay, Max: crawl.RetryMaxDelay},
		Metrics:             c.metrics,
	})

	var assets crawlers.AssetDownloader
	if crawl.IncludeImages {
		assets = crawlers.NewCollyAssetDownloader(outputDir, c.headers, c.metrics)
	}

	s.pipeline = crawlers.NewPipeline(crawlers.PipelineConfig{
		Pool:          s.pool,
		Fetcher:       fetcher,
		Extractor:     crawlers.NewExtractor(crawlers.ExtractorConfig{MinContentLength: crawl.MinContentLength, AllowedDomains: crawl.AllowedDomains}),
		Governor:      governor,
		Assets:        assets,
		Builder:       crawlers.NewMarkdownBuilder(crawl.IncludeMeta),
		IncludeImages: crawl.IncludeImages,
		Metrics:       c.metrics,
	})
	return s, nil
}

func (s *stack) close() {
	if err := s.pool.Shutdown(); err != nil {
		utils.Warnf("关闭会话池失败: %v", err)
	}
	if err := s.driver.Close(); err != nil {
		utils.Warnf("关闭浏览器失败: %v", err)
	}
	if s.monitor != nil {
		s.monitor.StopMonitoring()
	}
}

// ConvertPage 转换单个页面,输出到 <base>/<标题slug>/
// 页面失败不返回错误,失败原因写入 index.md 和报告;只有组件初始化或写盘失败时返回错误
func (c *Converter) ConvertPage(ctx context.Context, rawURL string) (*PageOutput, error) {
	if err := models.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	start := time.Now()
	utils.Infof("🚀 开始转换页面: %s", rawURL)

	writer, err := c.assembler.NewPageWriter()
	if err != nil {
		return nil, err
	}
	defer writer.Discard()

	s, err := c.newStack(writer.StagingDir())
	if err != nil {
		return nil, err
	}
	defer s.close()

	page := s.pipeline.Convert(ctx, rawURL, 0)
	page.Sequence = 1

	dir, err := writer.Commit(page)
	if err != nil {
		return nil, err
	}
	out := &PageOutput{Dir: dir, IndexPath: dir + "/" + IndexFileName, Page: page}

	stats := models.CrawlStatistics{Processed: 1, Total: 1, CurrentURL: rawURL, Elapsed: time.Since(start), Retries: page.RetryCount}
	status := models.CrawlStatusCompleted
	switch page.Outcome {
	case models.OutcomeSuccess:
		stats.Succeeded = 1
	case models.OutcomePartial:
		stats.Partial = 1
	default:
		stats.Errors = 1
		status = models.CrawlStatusError
	}

	report := models.NewCrawlReport(models.NewID(), rawURL, utils.HostDirName(rawURL), c.cfg.Crawl, status, stats, []*models.PageResult{page})
	report.StartTime = start
	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(start).Seconds()
	if out.ReportPath, err = utils.NewReporter(dir).GenerateReport(report); err != nil {
		utils.Warnf("生成报告失败: %v", err)
	}

	switch page.Outcome {
	case models.OutcomeFailed:
		utils.Errorf("❌ 页面转换失败: %s", page.Error)
	case models.OutcomePartial:
		utils.Warnf("⚠️  页面部分成功: %s", page.Error)
	default:
		utils.Infof("✅ 页面转换完成: %s", out.IndexPath)
	}
	return out, nil
}

// CrawlSite 从 rootURL 开始抓取整站,输出到 <base>/<域名>_<日期>/
// ctx 取消后已完成的页面仍会写入索引
func (c *Converter) CrawlSite(ctx context.Context, rootURL string) (*SiteOutput, error) {
	if err := models.ValidateURL(rootURL); err != nil {
		return nil, err
	}
	crawl := c.cfg.Crawl

	utils.Infof("🚀 开始站点抓取")
	utils.Infof("入口URL: %s", rootURL)
	utils.Infof("获取模式: %s", crawl.Mode)
	utils.Infof("最大深度: %d, 最大页面数: %d, 并发上限: %d", crawl.MaxDepth, crawl.MaxPages, crawl.ConcurrentLimit)

	writer, err := c.assembler.NewSiteWriter(rootURL, time.Now())
	if err != nil {
		return nil, err
	}
	utils.Infof("输出目录: %s", writer.Dir())

	s, err := c.newStack(writer.Dir())
	if err != nil {
		return nil, err
	}
	defer s.close()

	orch := crawlers.NewOrchestrator(s.pipeline, crawlers.OrchestratorConfig{
		MaxDepth:        crawl.MaxDepth,
		MaxPages:        crawl.MaxPages,
		ConcurrentLimit: crawl.ConcurrentLimit,
		AllowedDomains:  crawl.AllowedDomains,
		Sink:            c.sink,
		OnPage: func(p *models.PageResult) {
			// 写盘失败时页面已被标记为失败,随后计入统计
			if err := writer.WritePage(p); err != nil {
				utils.Debugf("页面 %d 改记为失败: %v", p.Sequence, err)
			}
		},
	})

	result, err := orch.Crawl(ctx, rootURL)
	if err != nil {
		return nil, err
	}

	indexPath, reportPath, err := writer.Finalize(result, crawl)
	if err != nil {
		return nil, fmt.Errorf("写入索引失败: %w", err)
	}

	out := &SiteOutput{Dir: writer.Dir(), IndexPath: indexPath, ReportPath: reportPath, Result: result}
	printSiteSummary(out)
	return out, nil
}

func printSiteSummary(out *SiteOutput) {
	s := out.Result.Stats
	utils.Info("==================================================")
	utils.Infof("📊 站点抓取摘要 (%s)", out.Result.Status)
	utils.Info("==================================================")
	utils.Infof("尝试: %d", s.Processed)
	utils.Infof("✅ 成功: %d", s.Succeeded)
	utils.Infof("⚠️  部分成功: %d", s.Partial)
	utils.Infof("❌ 失败: %d", s.Errors)
	utils.Infof("⏭️  跳过: %d", s.Skipped)
	utils.Infof("🔁 重试: %d", s.Retries)
	utils.Infof("⏱️  总耗时: %.2f秒", out.Result.EndTime.Sub(out.Result.StartTime).Seconds())
	utils.Infof("📁 索引: %s", out.IndexPath)
	utils.Info("==================================================")
}
