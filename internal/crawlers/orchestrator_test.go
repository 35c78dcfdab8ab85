package crawlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
)

// fakeConverter 按预设的链接图返回结果,并记录每个URL的转换次数
type fakeConverter struct {
	mu     sync.Mutex
	links  map[string][]string
	fail   map[string]bool
	delay  time.Duration
	calls  map[string]int
	active int
	peak   int
}

func newFakeConverter() *fakeConverter {
	return &fakeConverter{
		links: make(map[string][]string),
		fail:  make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (c *fakeConverter) Convert(ctx context.Context, url string, depth int) *models.PageResult {
	c.mu.Lock()
	c.calls[url]++
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
	links := c.links[url]
	failed := c.fail[url]
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	c.active--
	c.mu.Unlock()

	res := &models.PageResult{URL: url, Depth: depth, Title: url, Links: links, Outcome: models.OutcomeSuccess}
	if failed {
		res.MarkFailed("HTTP 500")
	}
	return res
}

func (c *fakeConverter) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func pageURL(i int) string {
	return fmt.Sprintf("https://example.com/p%d", i)
}

// recordingSink 记录进度和状态事件
type recordingSink struct {
	mu       sync.Mutex
	progress []models.ProgressEvent
	statuses []models.CrawlStatus
}

func (s *recordingSink) OnProgress(e models.ProgressEvent) {
	s.mu.Lock()
	s.progress = append(s.progress, e)
	s.mu.Unlock()
}

func (s *recordingSink) OnStatus(e models.StatusEvent) {
	s.mu.Lock()
	s.statuses = append(s.statuses, e.Status)
	s.mu.Unlock()
}

func TestOrchestrator_MaxDepthZero(t *testing.T) {
	initTestLogger(t)

	conv := newFakeConverter()
	root := "https://example.com/"
	for i := 1; i <= 10; i++ {
		conv.links[root] = append(conv.links[root], pageURL(i))
	}

	orch := NewOrchestrator(conv, OrchestratorConfig{MaxDepth: 0, MaxPages: 100, ConcurrentLimit: 4})
	result, err := orch.Crawl(context.Background(), root)
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	if len(result.Pages) != 1 {
		t.Fatalf("页面数 = %d, 期望 1", len(result.Pages))
	}
	if conv.totalCalls() != 1 {
		t.Errorf("转换次数 = %d, 期望 1", conv.totalCalls())
	}
	if result.Status != models.CrawlStatusCompleted {
		t.Errorf("Status = %s, 期望 completed", result.Status)
	}
	if result.Stats.Skipped != 0 {
		t.Errorf("Skipped = %d, 超过深度的链接不应入队", result.Stats.Skipped)
	}
}

func TestOrchestrator_DepthLimit(t *testing.T) {
	initTestLogger(t)

	// root → p1 → p2 → p3
	conv := newFakeConverter()
	conv.links["https://example.com/"] = []string{pageURL(1)}
	conv.links[pageURL(1)] = []string{pageURL(2)}
	conv.links[pageURL(2)] = []string{pageURL(3)}

	orch := NewOrchestrator(conv, OrchestratorConfig{MaxDepth: 2, MaxPages: 100, ConcurrentLimit: 2})
	result, err := orch.Crawl(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	if len(result.Pages) != 3 {
		t.Fatalf("页面数 = %d, 期望 3", len(result.Pages))
	}
	if conv.calls[pageURL(3)] != 0 {
		t.Error("深度3的页面不应被调度")
	}
	for i, p := range result.Pages {
		if p.Sequence != i+1 || p.Depth != i {
			t.Errorf("第%d页 Sequence=%d Depth=%d", i, p.Sequence, p.Depth)
		}
	}
}

func TestOrchestrator_MaxPages(t *testing.T) {
	initTestLogger(t)

	conv := newFakeConverter()
	root := "https://example.com/"
	for i := 1; i <= 30; i++ {
		conv.links[root] = append(conv.links[root], pageURL(i))
	}

	sink := &recordingSink{}
	orch := NewOrchestrator(conv, OrchestratorConfig{MaxDepth: 3, MaxPages: 5, ConcurrentLimit: 3, Sink: sink})
	result, err := orch.Crawl(context.Background(), root)
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	if result.Stats.Processed != 5 || len(result.Pages) != 5 {
		t.Errorf("Processed = %d, Pages = %d, 期望 5", result.Stats.Processed, len(result.Pages))
	}
	if conv.totalCalls() != 5 {
		t.Errorf("转换次数 = %d, 期望 5", conv.totalCalls())
	}
	if result.Stats.Skipped != 26 {
		t.Errorf("Skipped = %d, 期望 26", result.Stats.Skipped)
	}
	if len(sink.progress) != 5 {
		t.Errorf("进度事件 = %d, 期望 5", len(sink.progress))
	}
	for _, e := range sink.progress {
		if e.TotalCount > 5 || e.ProcessedCount > e.TotalCount {
			t.Errorf("进度事件越界: %+v", e)
		}
	}
	if last := sink.progress[len(sink.progress)-1]; last.ProgressPercent != 100 {
		t.Errorf("最后进度 = %.1f%%, 期望 100%%", last.ProgressPercent)
	}
	if len(sink.statuses) != 2 || sink.statuses[0] != models.CrawlStatusStarted || sink.statuses[1] != models.CrawlStatusCompleted {
		t.Errorf("状态事件 = %v", sink.statuses)
	}
}

func TestOrchestrator_NoDuplicateFetches(t *testing.T) {
	initTestLogger(t)

	// 每个页面链接到所有其他页面(含带片段的变体)
	conv := newFakeConverter()
	urls := []string{"https://example.com/"}
	for i := 1; i <= 6; i++ {
		urls = append(urls, pageURL(i))
	}
	for _, u := range urls {
		for _, v := range urls {
			conv.links[u] = append(conv.links[u], v, v+"#top")
		}
	}

	orch := NewOrchestrator(conv, OrchestratorConfig{MaxDepth: 5, MaxPages: 100, ConcurrentLimit: 4})
	result, err := orch.Crawl(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	if len(result.Pages) != len(urls) {
		t.Errorf("页面数 = %d, 期望 %d", len(result.Pages), len(urls))
	}
	for u, n := range conv.calls {
		if n != 1 {
			t.Errorf("%s 被转换 %d 次", u, n)
		}
	}
}

func linkPage(links ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><article><p>")
	b.WriteString(strings.Repeat("这是一段足够长的正文内容。", 20))
	b.WriteString("</p>")
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, l, l)
	}
	b.WriteString("</article></body></html>")
	return b.String()
}

func TestOrchestrator_RedirectStaysInScope(t *testing.T) {
	initTestLogger(t)

	driver := newFakeDriver()
	driver.pages["https://example.com/"] = linkPage("/go")
	// /go 重定向到其他站点,该站点的链接相对最终URL同源
	driver.redirects["https://example.com/go"] = "https://other.test/landing"
	driver.pages["https://other.test/landing"] = linkPage("/secret", "https://docs.allowed.test/guide")
	driver.pages["https://docs.allowed.test/guide"] = linkPage()

	pool := NewSessionPool(driver, SessionPoolConfig{MaxSessions: 2, AcquireTimeout: 5 * time.Second})
	defer pool.Shutdown()
	allowed := []string{"allowed.test"}
	p := NewPipeline(PipelineConfig{
		Pool:      pool,
		Fetcher:   NewFetcher(FetchOptions{}),
		Extractor: NewExtractor(ExtractorConfig{MinContentLength: 100, AllowedDomains: allowed}),
		Governor:  NewGovernor(testGovernorConfig()),
		Builder:   NewMarkdownBuilder(false),
	})

	orch := NewOrchestrator(p, OrchestratorConfig{MaxDepth: 3, MaxPages: 100, ConcurrentLimit: 2, AllowedDomains: allowed})
	result, err := orch.Crawl(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	if n := driver.callCount("https://other.test/secret"); n != 0 {
		t.Errorf("不应抓取入口源之外的页面, 导航 %d 次", n)
	}
	if n := driver.callCount("https://docs.allowed.test/guide"); n != 1 {
		t.Errorf("允许的域名应被抓取一次, 导航 %d 次", n)
	}
	if len(result.Pages) != 3 {
		t.Errorf("页面数 = %d, 期望 3", len(result.Pages))
	}
}

func TestCrawlJob_EnqueueScope(t *testing.T) {
	job, err := NewCrawlJob("https://example.com/docs", 3, 100, []string{"cdn.example.org"})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	tests := []struct {
		name string
		link string
		want int
	}{
		{"同源", "https://example.com/a", 1},
		{"默认端口视为同源", "https://example.com:443/b", 1},
		{"协议不同", "http://example.com/c", 0},
		{"其他主机", "https://other.test/d", 0},
		{"允许的域名", "https://cdn.example.org/e", 1},
		{"允许域名的子域名", "https://img.cdn.example.org/f", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := job.Enqueue([]string{tt.link}, 1, job.RootURL); got != tt.want {
				t.Errorf("Enqueue(%s) = %d, 期望 %d", tt.link, got, tt.want)
			}
		})
	}
}

func TestOrchestrator_Cancellation(t *testing.T) {
	initTestLogger(t)

	conv := newFakeConverter()
	root := "https://example.com/"
	for i := 1; i <= 19; i++ {
		conv.links[root] = append(conv.links[root], pageURL(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed := 0
	sink := &recordingSink{}
	orch := NewOrchestrator(conv, OrchestratorConfig{
		MaxDepth:        1,
		MaxPages:        100,
		ConcurrentLimit: 1,
		Sink:            sink,
		OnPage: func(*models.PageResult) {
			completed++
			if completed == 5 {
				cancel()
			}
		},
	})

	result, err := orch.Crawl(ctx, root)
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	if result.Status != models.CrawlStatusCancelled {
		t.Errorf("Status = %s, 期望 cancelled", result.Status)
	}
	if len(result.Pages) != 5 {
		t.Errorf("页面数 = %d, 期望 5", len(result.Pages))
	}
	if conv.totalCalls() != 5 {
		t.Errorf("取消后仍调度了新页面: 转换次数 = %d", conv.totalCalls())
	}
	if result.Stats.Skipped != 15 {
		t.Errorf("Skipped = %d, 期望 15", result.Stats.Skipped)
	}
	if last := sink.statuses[len(sink.statuses)-1]; last != models.CrawlStatusCancelled {
		t.Errorf("最后状态事件 = %s", last)
	}
}

func TestOrchestrator_InFlightFinishAfterCancel(t *testing.T) {
	initTestLogger(t)

	conv := newFakeConverter()
	conv.delay = 30 * time.Millisecond
	root := "https://example.com/"
	for i := 1; i <= 10; i++ {
		conv.links[root] = append(conv.links[root], pageURL(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed := 0
	orch := NewOrchestrator(conv, OrchestratorConfig{
		MaxDepth:        1,
		MaxPages:        100,
		ConcurrentLimit: 3,
		OnPage: func(*models.PageResult) {
			completed++
			if completed == 2 {
				cancel()
			}
		},
	})

	result, err := orch.Crawl(ctx, root)
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	// 根页面之后同时调度了3个页面,其中一个完成时取消,另外两个应继续完成并计入结果
	if calls := conv.totalCalls(); calls != 4 {
		t.Errorf("转换次数 = %d, 期望 4", calls)
	}
	if len(result.Pages) != 4 {
		t.Errorf("页面数 = %d, 期望 4", len(result.Pages))
	}
	if result.Status != models.CrawlStatusCancelled {
		t.Errorf("Status = %s", result.Status)
	}
}

func TestOrchestrator_ConcurrencyAndFailures(t *testing.T) {
	initTestLogger(t)

	conv := newFakeConverter()
	conv.delay = 5 * time.Millisecond
	root := "https://example.com/"
	for i := 1; i <= 12; i++ {
		conv.links[root] = append(conv.links[root], pageURL(i))
		if i%4 == 0 {
			conv.fail[pageURL(i)] = true
		}
	}

	orch := NewOrchestrator(conv, OrchestratorConfig{MaxDepth: 1, MaxPages: 100, ConcurrentLimit: 3})
	result, err := orch.Crawl(context.Background(), root)
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	if conv.peak > 3 {
		t.Errorf("并发峰值 = %d, 期望 <= 3", conv.peak)
	}
	if result.Stats.Errors != 3 || result.Stats.Succeeded != 10 {
		t.Errorf("Stats = %+v, 期望 Errors=3 Succeeded=10", result.Stats)
	}
	if result.Status != models.CrawlStatusCompleted {
		t.Errorf("部分失败不影响整体完成, Status = %s", result.Status)
	}
}

func TestOrchestrator_AllFailed(t *testing.T) {
	initTestLogger(t)

	conv := newFakeConverter()
	conv.fail["https://example.com/"] = true

	result, err := NewOrchestrator(conv, OrchestratorConfig{MaxDepth: 1, MaxPages: 10, ConcurrentLimit: 1}).
		Crawl(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}
	if result.Status != models.CrawlStatusError {
		t.Errorf("Status = %s, 期望 error", result.Status)
	}
	if len(result.Pages) != 1 || result.Pages[0].Outcome != models.OutcomeFailed {
		t.Errorf("失败页面应出现在结果中: %+v", result.Pages)
	}
}

func TestOrchestrator_InvalidRoot(t *testing.T) {
	initTestLogger(t)

	orch := NewOrchestrator(newFakeConverter(), OrchestratorConfig{MaxPages: 1})
	for _, root := range []string{"", "ftp://example.com", "not a url"} {
		if _, err := orch.Crawl(context.Background(), root); err == nil {
			t.Errorf("入口 %q 应返回错误", root)
		}
	}
}
