package crawlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
)

const articleHTML = `<html><head><title>%TITLE%</title></head><body>
<nav><a href="/other">其他页面</a></nav>
<article>
<h2>小节</h2>
<p>这是一段足够长的正文内容,用来确保正文区域超过质量阈值。This paragraph carries enough text to pass the content quality threshold easily.</p>
%IMG%
</article>
</body></html>`

func articlePage(title, img string) string {
	return strings.NewReplacer("%TITLE%", title, "%IMG%", img).Replace(articleHTML)
}

// fakeAssets 按URL返回预设路径或错误
type fakeAssets struct {
	paths map[string]string
	errs  map[string]error
	panic bool
}

func (a *fakeAssets) Download(ctx context.Context, url string) (string, error) {
	if a.panic {
		panic("下载器内部错误")
	}
	if err := a.errs[url]; err != nil {
		return "", err
	}
	return a.paths[url], nil
}

func newTestPipeline(driver Driver, assets AssetDownloader) (*Pipeline, *SessionPool) {
	pool := NewSessionPool(driver, SessionPoolConfig{MaxSessions: 2, AcquireTimeout: 5 * time.Second})
	return NewPipeline(PipelineConfig{
		Pool:          pool,
		Fetcher:       NewFetcher(FetchOptions{}),
		Extractor:     NewExtractor(ExtractorConfig{MinContentLength: 100}),
		Governor:      NewGovernor(testGovernorConfig()),
		Assets:        assets,
		Builder:       NewMarkdownBuilder(true),
		IncludeImages: assets != nil,
	}), pool
}

func TestPipeline_RetryThenSuccess(t *testing.T) {
	initTestLogger(t)

	const url = "https://example.com/slow"
	driver := newFakeDriver()
	driver.pages[url] = articlePage("慢页面", "")
	driver.gotoErrs[url] = []error{context.DeadlineExceeded, context.DeadlineExceeded}

	p, pool := newTestPipeline(driver, nil)
	defer pool.Shutdown()

	result := p.Convert(context.Background(), url, 0)

	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s (%s), 期望 success", result.Outcome, result.Error)
	}
	if result.RetryCount != 2 {
		t.Errorf("RetryCount = %d, 期望 2", result.RetryCount)
	}
	if driver.callCount(url) != 3 {
		t.Errorf("导航次数 = %d, 期望 3", driver.callCount(url))
	}
	// 超时后的会话不再复用
	if stats := pool.Stats(); stats.Disposed != 2 || stats.Leased != 0 {
		t.Errorf("Stats = %+v, 期望 Disposed=2 Leased=0", stats)
	}
	if !strings.Contains(result.Markdown, "# 慢页面") {
		t.Errorf("Markdown 缺少标题:\n%s", result.Markdown)
	}
}

func TestPipeline_DomainSpacingAtNavigation(t *testing.T) {
	initTestLogger(t)

	const wait = 100 * time.Millisecond
	driver := newFakeDriver()
	urls := []string{
		"https://example.com/p1", "https://example.com/p2",
		"https://example.com/p3", "https://example.com/p4",
	}
	for _, u := range urls {
		driver.pages[u] = articlePage(u, "")
	}
	// 前两次导航较慢,后两个页面排队等待会话
	driver.delays[urls[0]] = 500 * time.Millisecond
	driver.delays[urls[1]] = 400 * time.Millisecond

	cfg := testGovernorConfig()
	cfg.WaitBetweenRequests = wait
	pool := NewSessionPool(driver, SessionPoolConfig{MaxSessions: 2, AcquireTimeout: 5 * time.Second})
	defer pool.Shutdown()
	p := NewPipeline(PipelineConfig{
		Pool:      pool,
		Fetcher:   NewFetcher(FetchOptions{}),
		Extractor: NewExtractor(ExtractorConfig{MinContentLength: 100}),
		Governor:  NewGovernor(cfg),
		Builder:   NewMarkdownBuilder(false),
	})

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if res := p.Convert(context.Background(), u, 0); res.Outcome != models.OutcomeSuccess {
				t.Errorf("%s: Outcome = %s (%s)", u, res.Outcome, res.Error)
			}
		}(u)
	}
	wg.Wait()

	times := driver.navigationTimes()
	if len(times) != len(urls) {
		t.Fatalf("导航次数 = %d, 期望 %d", len(times), len(urls))
	}
	sort.Slice(times, func(a, b int) bool { return times[a].Before(times[b]) })
	tolerance := 10 * time.Millisecond
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < wait-tolerance {
			t.Errorf("同域第 %d 和 %d 次导航间隔 %v, 期望 >= %v", i, i+1, gap, wait)
		}
	}
}

func TestPipeline_Failures(t *testing.T) {
	initTestLogger(t)

	t.Run("404不重试并记录为失败", func(t *testing.T) {
		const url = "https://example.com/missing"
		driver := newFakeDriver()
		driver.status[url] = 404

		p, pool := newTestPipeline(driver, nil)
		defer pool.Shutdown()

		result := p.Convert(context.Background(), url, 1)
		if result.Outcome != models.OutcomeFailed || result.Error != "HTTP 404" {
			t.Errorf("Outcome = %s, Error = %q", result.Outcome, result.Error)
		}
		if result.RetryCount != 0 || result.StatusCode != 404 || result.Depth != 1 {
			t.Errorf("RetryCount = %d, StatusCode = %d, Depth = %d", result.RetryCount, result.StatusCode, result.Depth)
		}
		if result.Markdown != "" {
			t.Error("失败页面不应有 Markdown")
		}
	})

	t.Run("会话创建失败记录为失败", func(t *testing.T) {
		driver := newFakeDriver()
		driver.setNewPageErr(errors.New("找不到浏览器"))

		p, pool := newTestPipeline(driver, nil)
		defer pool.Shutdown()

		result := p.Convert(context.Background(), "https://example.com/", 0)
		if result.Outcome != models.OutcomeFailed {
			t.Fatalf("Outcome = %s, 期望 failed", result.Outcome)
		}
		if result.Error != models.ErrorReason(&models.PoolCreationError{}) {
			t.Errorf("Error = %q", result.Error)
		}
	})

	t.Run("panic被恢复为失败页面", func(t *testing.T) {
		const url = "https://example.com/panic"
		driver := newFakeDriver()
		driver.pages[url] = articlePage("P", `<img src="/x.png">`)

		p, pool := newTestPipeline(driver, &fakeAssets{panic: true})
		defer pool.Shutdown()

		result := p.Convert(context.Background(), url, 0)
		if result.Outcome != models.OutcomeFailed || !strings.Contains(result.Error, "内部错误") {
			t.Errorf("Outcome = %s, Error = %q", result.Outcome, result.Error)
		}
	})
}

func TestPipeline_PartialResults(t *testing.T) {
	initTestLogger(t)

	t.Run("空正文输出说明而不是空文件", func(t *testing.T) {
		const url = "https://example.com/empty"
		driver := newFakeDriver()
		driver.pages[url] = "<html><head><title>空</title></head><body></body></html>"

		p, pool := newTestPipeline(driver, nil)
		defer pool.Shutdown()

		result := p.Convert(context.Background(), url, 0)
		if result.Outcome != models.OutcomePartial || !result.Empty {
			t.Errorf("Outcome = %s, Empty = %v", result.Outcome, result.Empty)
		}
		if !strings.Contains(result.Markdown, EmptyContentNote) {
			t.Errorf("Markdown 缺少空内容说明:\n%s", result.Markdown)
		}
	})

	t.Run("图片下载失败为部分成功", func(t *testing.T) {
		const url = "https://example.com/img"
		driver := newFakeDriver()
		driver.pages[url] = articlePage("图", `<img src="/ok.png" alt="ok"><img src="/bad.png">`)
		assets := &fakeAssets{
			paths: map[string]string{"https://example.com/ok.png": "assets/0123456789ab.png"},
			errs:  map[string]error{"https://example.com/bad.png": errors.New("HTTP 404")},
		}

		p, pool := newTestPipeline(driver, assets)
		defer pool.Shutdown()

		result := p.Convert(context.Background(), url, 0)
		if result.Outcome != models.OutcomePartial {
			t.Fatalf("Outcome = %s, 期望 partial", result.Outcome)
		}
		if len(result.Images) != 2 || result.Images[0].LocalPath == "" || result.Images[1].Error == "" {
			t.Errorf("Images = %+v", result.Images)
		}
		if !strings.Contains(result.Markdown, "![ok](assets/0123456789ab.png)") {
			t.Errorf("图片引用未改写为本地路径:\n%s", result.Markdown)
		}
		if !strings.Contains(result.Markdown, "https://example.com/bad.png") {
			t.Errorf("下载失败的图片应保留原始地址:\n%s", result.Markdown)
		}
	})
}

// 两个页面引用同一张图片,磁盘上只有一个文件,两个页面都引用它
func TestPipeline_SharedAssetDownloadedOnce(t *testing.T) {
	initTestLogger(t)

	png := []byte("\x89PNG\r\n\x1a\n fake image body")
	var imageHits int32

	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articlePage("页面A", `<img src="/img/logo.png" alt="logo">`)))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articlePage("页面B", `<img src="img/logo.png" alt="logo">`)))
	})
	mux.HandleFunc("/img/logo.png", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&imageHits, 1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	outDir := t.TempDir()
	assets := NewCollyAssetDownloader(outDir, nil, nil)
	p, pool := newTestPipeline(NewStaticDriver(nil), assets)
	defer pool.Shutdown()

	a := p.Convert(context.Background(), server.URL+"/a", 0)
	b := p.Convert(context.Background(), server.URL+"/b", 0)

	for _, r := range []*models.PageResult{a, b} {
		if r.Outcome != models.OutcomeSuccess {
			t.Fatalf("%s Outcome = %s (%s)", r.URL, r.Outcome, r.Error)
		}
	}

	files, err := os.ReadDir(filepath.Join(outDir, AssetsDirName))
	if err != nil {
		t.Fatalf("读取图片目录失败: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("图片文件数 = %d, 期望 1", len(files))
	}
	if hits := atomic.LoadInt32(&imageHits); hits != 1 {
		t.Errorf("图片请求次数 = %d, 期望 1", hits)
	}

	local := AssetsDirName + "/" + files[0].Name()
	if !strings.HasSuffix(local, ".png") {
		t.Errorf("文件名 %s 应保留 .png 后缀", local)
	}
	for _, r := range []*models.PageResult{a, b} {
		if !strings.Contains(r.Markdown, "("+local+")") {
			t.Errorf("%s 的 Markdown 未引用 %s:\n%s", r.URL, local, r.Markdown)
		}
	}

	data, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(local)))
	if err != nil || string(data) != string(png) {
		t.Errorf("图片内容不一致: %v", err)
	}
}

func TestCollyAssetDownloader(t *testing.T) {
	initTestLogger(t)

	body := []byte("same bytes")
	mux := http.NewServeMux()
	mux.HandleFunc("/one.jpg", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(body) })
	mux.HandleFunc("/two", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/gone.png", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	server := httptest.NewServer(mux)
	defer server.Close()

	outDir := t.TempDir()
	d := NewCollyAssetDownloader(outDir, nil, nil)

	t.Run("相同内容按哈希去重", func(t *testing.T) {
		p1, err := d.Download(context.Background(), server.URL+"/one.jpg")
		if err != nil {
			t.Fatalf("下载失败: %v", err)
		}
		p2, err := d.Download(context.Background(), server.URL+"/two")
		if err != nil {
			t.Fatalf("下载失败: %v", err)
		}
		if p1 != p2 {
			t.Errorf("相同内容应复用同一文件: %s != %s", p1, p2)
		}
		files, _ := os.ReadDir(filepath.Join(outDir, AssetsDirName))
		if len(files) != 1 {
			t.Errorf("文件数 = %d, 期望 1", len(files))
		}
	})

	t.Run("非2xx返回错误", func(t *testing.T) {
		if _, err := d.Download(context.Background(), server.URL+"/gone.png"); err == nil {
			t.Error("404 应返回错误")
		}
	})
}

func TestCollyAssetDownloader_ConcurrentSameURL(t *testing.T) {
	initTestLogger(t)

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(5 * time.Millisecond)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n0000"))
	}))
	defer server.Close()

	d := NewCollyAssetDownloader(t.TempDir(), nil, nil)
	url := server.URL + "/logo.png"

	// 错开启动时间,覆盖"上一次下载刚结束"的窗口
	var wg sync.WaitGroup
	paths := make([]string, 40)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i%8) * time.Millisecond)
			p, err := d.Download(context.Background(), url)
			if err != nil {
				t.Errorf("下载失败: %v", err)
				return
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("同一URL被请求 %d 次, 期望 1", n)
	}
	for _, p := range paths {
		if p != paths[0] {
			t.Errorf("路径不一致: %s != %s", p, paths[0])
		}
	}
}

func TestAssetExt(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		contentType string
		want        string
	}{
		{"URL后缀优先", "https://e.com/a/B.PNG?x=1", "image/jpeg", ".png"},
		{"无后缀按类型推断jpeg", "https://e.com/img", "image/jpeg", ".jpg"},
		{"svg", "https://e.com/icon", "image/svg+xml", ".svg"},
		{"非图片后缀忽略", "https://e.com/img.php", "image/png", ".png"},
		{"无法推断", "https://e.com/blob", "", ".bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := assetExt(tt.url, tt.contentType); got != tt.want {
				t.Errorf("assetExt() = %q, 期望 %q", got, tt.want)
			}
		})
	}
}
