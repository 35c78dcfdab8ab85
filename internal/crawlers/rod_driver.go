package crawlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// resetPageJS 清理 localStorage、sessionStorage 和可见Cookie
const resetPageJS = `() => {
	try { localStorage.clear(); } catch (e) {}
	try { sessionStorage.clear(); } catch (e) {}
	try {
		document.cookie.split(";").forEach(function (c) {
			var name = c.split("=")[0].trim();
			if (name) {
				document.cookie = name + "=;expires=Thu, 01 Jan 1970 00:00:00 UTC;path=/";
			}
		});
	} catch (e) {}
	return true;
}`

// chromeNetErrors Chrome net::ERR_* 到错误码的映射
var chromeNetErrors = []struct {
	reason string
	code   string
}{
	{"ERR_NAME_NOT_RESOLVED", "ENOTFOUND"},
	{"ERR_NAME_RESOLUTION_FAILED", "EAI_AGAIN"},
	{"ERR_CONNECTION_REFUSED", "ECONNREFUSED"},
	{"ERR_CONNECTION_RESET", "ECONNRESET"},
	{"ERR_EMPTY_RESPONSE", "ECONNRESET"},
	{"ERR_CONNECTION_CLOSED", "ECONNRESET"},
	{"ERR_CONNECTION_TIMED_OUT", "ETIMEDOUT"},
	{"ERR_TIMED_OUT", "ETIMEDOUT"},
	{"ERR_ADDRESS_UNREACHABLE", "ENETUNREACH"},
	{"ERR_INTERNET_DISCONNECTED", "ENETUNREACH"},
	{"ERR_ADDRESS_IN_USE", "EADDRINUSE"},
}

// RodDriver 基于 go-rod 的无头浏览器驱动
type RodDriver struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	headers  models.HeaderProvider
}

// NewRodDriver 启动浏览器并连接
// 浏览器忽略证书错误,以便访问自签名或过期证书的站点
func NewRodDriver(headless bool, headers models.HeaderProvider) (*RodDriver, error) {
	l := launcher.New().Headless(headless).Set("ignore-certificate-errors")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	utils.Debugf("浏览器已启动: %s", controlURL)
	return &RodDriver{browser: browser, launcher: l, headers: headers}, nil
}

// NewPage 创建标签页并应用请求头部
func (d *RodDriver) NewPage(ctx context.Context) (Page, error) {
	page, err := d.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("创建标签页失败(浏览器可能已崩溃): %w", err)
	}
	page = page.Context(context.Background())

	if d.headers != nil {
		headers, err := d.headers.GetHeaders()
		if err != nil {
			_ = page.Close()
			return nil, err
		}
		if err := applyPageHeaders(page, headers); err != nil {
			_ = page.Close()
			return nil, err
		}
	}
	return &rodPage{page: page}, nil
}

func applyPageHeaders(page *rod.Page, headers http.Header) error {
	if ua := headers.Get("User-Agent"); ua != "" {
		override := &proto.NetworkSetUserAgentOverride{
			UserAgent:      ua,
			AcceptLanguage: headers.Get("Accept-Language"),
		}
		if err := page.SetUserAgent(override); err != nil {
			return fmt.Errorf("设置User-Agent失败: %w", err)
		}
	}

	// 浏览器自行协商编码
	pairs := make([]string, 0, len(headers)*2)
	for name, values := range headers {
		if len(values) == 0 || name == "User-Agent" || name == "Accept-Encoding" {
			continue
		}
		pairs = append(pairs, name, values[0])
	}
	if len(pairs) == 0 {
		return nil
	}
	if _, err := page.SetExtraHeaders(pairs); err != nil {
		return fmt.Errorf("设置请求头部失败: %w", err)
	}
	return nil
}

// Close 关闭浏览器进程
func (d *RodDriver) Close() error {
	err := d.browser.Close()
	d.launcher.Kill()
	utils.Debugf("浏览器已关闭")
	return err
}

type rodPage struct {
	page *rod.Page
}

// Goto 导航 → 等待load;状态码取主框架文档响应
func (p *rodPage) Goto(ctx context.Context, url string, timeouts NavigationTimeouts) (*NavigationResponse, error) {
	navCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		status int
	)
	wait := p.page.Context(navCtx).EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.FrameID != p.page.FrameID {
			return false
		}
		mu.Lock()
		status = e.Response.Status
		mu.Unlock()
		return true
	})
	go wait()

	nav := p.page.Context(ctx).Timeout(timeouts.Connect + timeouts.Response)
	if err := nav.Navigate(url); err != nil {
		return nil, translateRodError(err)
	}
	nav.CancelTimeout()

	if err := p.page.Context(ctx).Timeout(timeouts.Socket).WaitLoad(); err != nil {
		return nil, translateRodError(err)
	}

	final := url
	if info, err := p.page.Info(); err == nil && info.URL != "" {
		final = info.URL
	}

	mu.Lock()
	code := status
	mu.Unlock()
	if code == 0 {
		code = http.StatusOK
	}
	return &NavigationResponse{Status: code, URL: final}, nil
}

func translateRodError(err error) error {
	var navErr *rod.NavigationError
	if !errors.As(err, &navErr) {
		return err
	}
	for _, m := range chromeNetErrors {
		if strings.Contains(navErr.Reason, m.reason) {
			return &NavigationError{Code: m.code, Reason: navErr.Reason}
		}
	}
	return &NavigationError{Code: "ENAVIGATION", Reason: navErr.Reason}
}

func (p *rodPage) Content(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	page := p.page.Context(ctx)
	has, el, err := page.Has(selector)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("元素不存在: %s", selector)
	}
	visible, err := el.Visible()
	if err != nil {
		return err
	}
	if !visible {
		return fmt.Errorf("元素不可见: %s", selector)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Reset 清理页面存储,失败时会话应被销毁
func (p *rodPage) Reset(ctx context.Context) error {
	if _, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{JS: resetPageJS}); err != nil {
		return fmt.Errorf("清理标签页状态失败: %w", err)
	}
	return nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
