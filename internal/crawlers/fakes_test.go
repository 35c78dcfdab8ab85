package crawlers

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/utils"
)

// fakeDriver 内存中的页面驱动,按URL返回预设的HTML、状态码和错误
type fakeDriver struct {
	mu         sync.Mutex
	pages      map[string]string
	status     map[string]int
	gotoErrs   map[string][]error // 按顺序消费,用完后正常返回
	redirects  map[string]string  // 导航后的最终URL,页面内容按最终URL查找
	delays     map[string]time.Duration
	gotoTimes  []time.Time
	newPageErr error
	calls      map[string]int
	created    int
	closed     int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		pages:    make(map[string]string),
		status:   make(map[string]int),
		gotoErrs:  make(map[string][]error),
		redirects: make(map[string]string),
		delays:    make(map[string]time.Duration),
		calls:     make(map[string]int),
	}
}

func (d *fakeDriver) NewPage(ctx context.Context) (Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.newPageErr != nil {
		return nil, d.newPageErr
	}
	d.created++
	return &fakePage{driver: d}, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) setNewPageErr(err error) {
	d.mu.Lock()
	d.newPageErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) callCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[url]
}

type fakePage struct {
	driver *fakeDriver
	html   string
	resets int
}

func (p *fakePage) Goto(ctx context.Context, url string, timeouts NavigationTimeouts) (*NavigationResponse, error) {
	d := p.driver
	d.mu.Lock()
	d.calls[url]++
	d.gotoTimes = append(d.gotoTimes, time.Now())
	delay := d.delays[url]
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if errs := d.gotoErrs[url]; len(errs) > 0 {
		d.gotoErrs[url] = errs[1:]
		return nil, errs[0]
	}
	final := url
	if to, ok := d.redirects[url]; ok {
		final = to
	}
	status, ok := d.status[final]
	if !ok {
		status = 200
	}
	p.html = d.pages[final]
	return &NavigationResponse{Status: status, URL: final}, nil
}

func (d *fakeDriver) navigationTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Time, len(d.gotoTimes))
	copy(out, d.gotoTimes)
	return out
}

func (p *fakePage) Content(ctx context.Context) (string, error) {
	return p.html, nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	return errors.New("元素不存在")
}

func (p *fakePage) Reset(ctx context.Context) error {
	p.resets++
	p.html = ""
	return nil
}

func (p *fakePage) Close() error {
	p.driver.mu.Lock()
	p.driver.closed++
	p.driver.mu.Unlock()
	return nil
}

// initTestLogger 把日志写到临时目录,避免污染控制台
func initTestLogger(t *testing.T) {
	t.Helper()
	cfg := utils.DefaultLogConfig()
	cfg.LogDir = t.TempDir()
	cfg.Level = "error"
	cfg.Compress = false
	cfg.Console = io.Discard
	if err := utils.InitLogger(cfg); err != nil {
		t.Fatalf("初始化日志失败: %v", err)
	}
}
