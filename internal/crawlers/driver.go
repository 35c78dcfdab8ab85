package crawlers

import (
	"context"
	"fmt"
	"time"
)

// Driver 页面驱动
// 会话池和获取器只依赖这组窄接口,不关心底层是浏览器还是HTTP客户端
type Driver interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page 一个可导航的页面句柄
type Page interface {
	// Goto 导航到 url,返回最终文档的状态码和重定向后的URL
	Goto(ctx context.Context, url string, timeouts NavigationTimeouts) (*NavigationResponse, error)
	// Content 返回当前DOM序列化后的HTML
	Content(ctx context.Context) (string, error)
	// Click 点击第一个匹配选择器的可见元素
	Click(ctx context.Context, selector string) error
	Close() error
}

// Resetter 可在归还会话前清理存储和Cookie的页面
type Resetter interface {
	Reset(ctx context.Context) error
}

// NavigationTimeouts 导航的分段超时
type NavigationTimeouts struct {
	Connect  time.Duration // 建立连接
	Socket   time.Duration // 响应体读取/页面加载
	Response time.Duration // 等待响应头
}

// DefaultNavigationTimeouts 5s/30s/30s
func DefaultNavigationTimeouts() NavigationTimeouts {
	return NavigationTimeouts{
		Connect:  5 * time.Second,
		Socket:   30 * time.Second,
		Response: 30 * time.Second,
	}
}

// Total 三段超时之和
func (t NavigationTimeouts) Total() time.Duration {
	return t.Connect + t.Socket + t.Response
}

// NavigationResponse 导航结果
type NavigationResponse struct {
	Status int
	URL    string
}

// NavigationError 驱动层报告的导航失败
// Code 为 ECONNREFUSED、ENOTFOUND 这类错误码
type NavigationError struct {
	Code   string
	Reason string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("导航失败 %s: %s", e.Code, e.Reason)
}
