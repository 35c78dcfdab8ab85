package crawlers

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/rs/zerolog/log"
)

// StatusOutcome 导航结果分类
type StatusOutcome string

const (
	StatusSuccess      StatusOutcome = "success"
	StatusClientError  StatusOutcome = "client_error"
	StatusServerError  StatusOutcome = "server_error"
	StatusTimeout      StatusOutcome = "timeout"
	StatusNetworkError StatusOutcome = "network_error"
)

// loadingSelector 仍在加载的页面通常带有这些元素
const loadingSelector = `.loading, .spinner, [aria-busy="true"], .skeleton`

const maxOverlayClicks = 3

// overlaySelectors 常见Cookie同意/弹窗的"接受"按钮
var overlaySelectors = []string{
	"#onetrust-accept-btn-handler",
	".cc-allow",
	".cc-accept",
	"#didomi-notice-agree-button",
	"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
	"button[aria-label='Accept all']",
	"button[aria-label='Accept cookies']",
	".cookie-consent-accept",
	".js-accept-cookies",
	"[data-testid='cookie-policy-dialog-accept-button']",
}

// FetchOptions 获取选项
type FetchOptions struct {
	Timeouts             NavigationTimeouts
	HandleDynamicContent bool
	WaitForContent       bool
	MaxWaitTime          time.Duration
	PollInterval         time.Duration
}

// FetchResult 获取结果
type FetchResult struct {
	HTML       string
	FinalURL   string
	StatusCode int
	Outcome    StatusOutcome
	Duration   time.Duration
}

// Fetcher 在租出的会话上导航并抓取HTML
type Fetcher struct {
	opts FetchOptions
}

// NewFetcher 创建获取器
func NewFetcher(opts FetchOptions) *Fetcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Timeouts == (NavigationTimeouts{}) {
		opts.Timeouts = DefaultNavigationTimeouts()
	}
	return &Fetcher{opts: opts}
}

// Fetch 导航 → 关闭弹窗 → 等待内容就绪 → 抓取HTML
// 返回的错误为 FetchTimeoutError、FetchNetworkError 或 FetchHTTPError;失败时 result 仍带有分类
func (f *Fetcher) Fetch(ctx context.Context, session *BrowserSession, url string) (*FetchResult, error) {
	start := time.Now()
	page := session.Page()
	result := &FetchResult{FinalURL: url}

	resp, err := page.Goto(ctx, url, f.opts.Timeouts)
	if err != nil {
		err = classifyNavigationError(url, err)
		result.Outcome = outcomeForError(err)
		result.Duration = time.Since(start)
		return result, err
	}

	result.StatusCode = resp.Status
	if resp.URL != "" {
		result.FinalURL = resp.URL
	}
	if resp.Status < 200 || resp.Status > 299 {
		result.Outcome = StatusClientError
		if resp.Status >= 500 {
			result.Outcome = StatusServerError
		}
		result.Duration = time.Since(start)
		return result, &models.FetchHTTPError{URL: url, Code: resp.Status}
	}

	if f.opts.HandleDynamicContent {
		f.dismissOverlays(ctx, page)
	}

	var html string
	if f.opts.HandleDynamicContent && f.opts.WaitForContent {
		html, err = f.waitForContent(ctx, page)
	} else {
		html, err = page.Content(ctx)
	}
	if err != nil {
		err = classifyNavigationError(url, err)
		result.Outcome = outcomeForError(err)
		result.Duration = time.Since(start)
		return result, err
	}

	result.HTML = html
	result.Outcome = StatusSuccess
	result.Duration = time.Since(start)
	return result, nil
}

// dismissOverlays 尽力点击同意按钮,失败不影响获取
func (f *Fetcher) dismissOverlays(ctx context.Context, page Page) {
	clicks := 0
	for _, sel := range overlaySelectors {
		if clicks >= maxOverlayClicks || ctx.Err() != nil {
			return
		}
		clickCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := page.Click(clickCtx, sel)
		cancel()
		if err == nil {
			clicks++
			log.Debug().Str("selector", sel).Msg("已关闭弹窗")
		}
	}
}

// waitForContent 轮询DOM,直到没有加载指示元素且长度在两次轮询间不变
// 超过 MaxWaitTime 时返回最后一次抓到的内容
func (f *Fetcher) waitForContent(ctx context.Context, page Page) (string, error) {
	deadline := time.Now().Add(f.opts.MaxWaitTime)
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	lastLen := -1
	var html string
	for {
		current, err := page.Content(ctx)
		if err != nil {
			if html != "" {
				return html, nil
			}
			return "", err
		}
		html = current

		if len(html) == lastLen && !hasLoadingIndicator(html) {
			return html, nil
		}
		lastLen = len(html)

		if !time.Now().Before(deadline) {
			log.Debug().Dur("waited", f.opts.MaxWaitTime).Msg("等待内容就绪超时,使用当前内容")
			return html, nil
		}

		select {
		case <-ctx.Done():
			return html, nil
		case <-ticker.C:
		}
	}
}

func hasLoadingIndicator(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return doc.Find(loadingSelector).Length() > 0
}

func outcomeForError(err error) StatusOutcome {
	if errors.Is(err, models.ErrFetchTimeout) {
		return StatusTimeout
	}
	return StatusNetworkError
}

// errnoCodes 系统调用错误到错误码
var errnoCodes = map[syscall.Errno]string{
	syscall.ECONNREFUSED: "ECONNREFUSED",
	syscall.ECONNRESET:   "ECONNRESET",
	syscall.EADDRINUSE:   "EADDRINUSE",
	syscall.EPIPE:        "EPIPE",
	syscall.ENETUNREACH:  "ENETUNREACH",
	syscall.EHOSTUNREACH: "ENETUNREACH",
	syscall.ETIMEDOUT:    "ETIMEDOUT",
}

// classifyNavigationError 把驱动错误归类为超时或网络错误
func classifyNavigationError(url string, err error) error {
	if errors.Is(err, models.ErrFetchTimeout) || errors.Is(err, models.ErrFetchNetwork) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &models.FetchTimeoutError{URL: url, Phase: "navigation", Cause: err}
	}

	var navErr *NavigationError
	if errors.As(err, &navErr) {
		if navErr.Code == "ETIMEDOUT" {
			return &models.FetchTimeoutError{URL: url, Phase: "connect", Cause: err}
		}
		return &models.FetchNetworkError{URL: url, Code: navErr.Code, Cause: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		code := "ENOTFOUND"
		if dnsErr.IsTemporary {
			code = "EAI_AGAIN"
		}
		return &models.FetchNetworkError{URL: url, Code: code, Cause: err}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if code, ok := errnoCodes[errno]; ok {
			if code == "ETIMEDOUT" {
				return &models.FetchTimeoutError{URL: url, Phase: "socket", Cause: err}
			}
			return &models.FetchNetworkError{URL: url, Code: code, Cause: err}
		}
	}

	return &models.FetchNetworkError{URL: url, Code: "EFETCH", Cause: err}
}
