package crawlers

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
)

// ErrClickUnsupported 静态页面不支持交互
var ErrClickUnsupported = errors.New("静态模式不支持点击")

const maxRedirects = 10

// StaticDriver 基于 colly 的HTTP驱动,不执行JavaScript
type StaticDriver struct {
	headers models.HeaderProvider
}

// NewStaticDriver 创建静态驱动
func NewStaticDriver(headers models.HeaderProvider) *StaticDriver {
	return &StaticDriver{headers: headers}
}

// NewPage 静态页面只是一个带状态的 collector
func (d *StaticDriver) NewPage(ctx context.Context) (Page, error) {
	var headers http.Header
	if d.headers != nil {
		h, err := d.headers.GetHeaders()
		if err != nil {
			return nil, err
		}
		headers = h
	}
	return &staticPage{headers: headers}, nil
}

func (d *StaticDriver) Close() error { return nil }

type staticPage struct {
	headers http.Header
	html    string
}

func newPageCollector(timeouts NavigationTimeouts) *colly.Collector {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeouts.Connect}).DialContext,
		TLSHandshakeTimeout:   timeouts.Connect,
		ResponseHeaderTimeout: timeouts.Response,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // 与浏览器模式一致,接受自签名证书
		},
	})
	c.SetRequestTimeout(timeouts.Total())
	return c
}

func (p *staticPage) Goto(ctx context.Context, url string, timeouts NavigationTimeouts) (*NavigationResponse, error) {
	c := newPageCollector(timeouts)
	c.Context = ctx

	final := url
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("重定向次数过多 (%d)", len(via))
		}
		final = req.URL.String()
		return nil
	})

	var (
		resp   *NavigationResponse
		body   string
		reqErr error
	)
	c.OnResponse(func(r *colly.Response) {
		decoded, err := decodeBody(r.Headers.Get("Content-Encoding"), r.Body)
		if err != nil {
			utils.Warnf("解压响应失败 [%s]: %v", url, err)
			decoded = r.Body
		}
		body = string(decoded)
		resp = &NavigationResponse{Status: r.StatusCode, URL: final}
	})
	c.OnError(func(r *colly.Response, err error) {
		reqErr = err
	})

	if err := c.Request(http.MethodGet, url, nil, nil, p.headers.Clone()); err != nil && reqErr == nil {
		reqErr = err
	}
	if resp == nil {
		if reqErr == nil {
			reqErr = fmt.Errorf("未收到响应: %s", url)
		}
		return nil, reqErr
	}

	p.html = body
	return resp, nil
}

func (p *staticPage) Content(ctx context.Context) (string, error) {
	return p.html, nil
}

func (p *staticPage) Click(ctx context.Context, selector string) error {
	return ErrClickUnsupported
}

// Reset 丢弃上一个页面的内容
func (p *staticPage) Reset(ctx context.Context) error {
	p.html = ""
	return nil
}

func (p *staticPage) Close() error {
	p.html = ""
	return nil
}

// decodeBody 按 Content-Encoding 解压响应体
// colly 已处理 gzip,这里只在仍带 gzip 魔数时再解一次
func decodeBody(contentEncoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip", "x-gzip":
		if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
			return body, nil
		}
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		out, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("deflate读取失败: %w", err)
		}
		return out, nil

	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("brotli读取失败: %w", err)
		}
		return out, nil

	case "", "identity":
		return body, nil

	default:
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return body, nil
	}
}
