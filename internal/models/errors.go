package models

import (
	"errors"
	"fmt"
	"time"
)

// 哨兵错误,配合 errors.Is 使用
var (
	ErrPoolExhausted    = errors.New("会话池已耗尽")
	ErrPoolShuttingDown = errors.New("会话池正在关闭")
	ErrPoolCreation     = errors.New("创建浏览器会话失败")
	ErrFetchTimeout     = errors.New("页面获取超时")
	ErrFetchNetwork     = errors.New("页面获取网络错误")
	ErrFetchHTTP        = errors.New("页面返回错误状态码")
	ErrRetryExhausted   = errors.New("重试次数已耗尽")
	ErrAssemblerWrite   = errors.New("写入输出失败")
)

// PoolExhaustedError 在获取超时内没有可用会话
type PoolExhaustedError struct {
	Waited time.Duration
	Max    int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("等待 %v 后仍无可用会话 (上限 %d)", e.Waited, e.Max)
}

func (e *PoolExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// PoolCreationError 会话创建多次失败
type PoolCreationError struct {
	Attempts int
	Cause    error
}

func (e *PoolCreationError) Error() string {
	return fmt.Sprintf("创建浏览器会话失败(已尝试%d次): %v", e.Attempts, e.Cause)
}

func (e *PoolCreationError) Is(target error) bool { return target == ErrPoolCreation }
func (e *PoolCreationError) Unwrap() error        { return e.Cause }

// FetchTimeoutError 导航或读取超时
type FetchTimeoutError struct {
	URL   string
	Phase string // connect / response / socket
	Cause error
}

func (e *FetchTimeoutError) Error() string {
	return fmt.Sprintf("获取超时 [%s] (%s): %v", e.URL, e.Phase, e.Cause)
}

func (e *FetchTimeoutError) Is(target error) bool { return target == ErrFetchTimeout }
func (e *FetchTimeoutError) Unwrap() error        { return e.Cause }

// FetchNetworkError DNS/连接类错误
// Code 使用 ECONNREFUSED、ENOTFOUND 这类错误码
type FetchNetworkError struct {
	URL   string
	Code  string
	Cause error
}

func (e *FetchNetworkError) Error() string {
	return fmt.Sprintf("网络错误 [%s] %s: %v", e.URL, e.Code, e.Cause)
}

func (e *FetchNetworkError) Is(target error) bool { return target == ErrFetchNetwork }
func (e *FetchNetworkError) Unwrap() error        { return e.Cause }

// FetchHTTPError 非2xx的最终响应
type FetchHTTPError struct {
	URL  string
	Code int
}

func (e *FetchHTTPError) Error() string {
	return fmt.Sprintf("HTTP %d [%s]", e.Code, e.URL)
}

func (e *FetchHTTPError) Is(target error) bool { return target == ErrFetchHTTP }

// RetryExhaustedError 请求以Exhausted状态结束
type RetryExhaustedError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("请求失败 [%s] (共尝试%d次): %v", e.URL, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }
func (e *RetryExhaustedError) Unwrap() error        { return e.Last }

// AssemblerWriteError 单个页面写盘失败
type AssemblerWriteError struct {
	Path  string
	Cause error
}

func (e *AssemblerWriteError) Error() string {
	return fmt.Sprintf("写入文件失败 [%s]: %v", e.Path, e.Cause)
}

func (e *AssemblerWriteError) Is(target error) bool { return target == ErrAssemblerWrite }
func (e *AssemblerWriteError) Unwrap() error        { return e.Cause }

// ErrorReason 返回写入索引和报告的简短原因
func ErrorReason(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *FetchHTTPError
	var netErr *FetchNetworkError
	switch {
	case errors.As(err, &httpErr):
		return fmt.Sprintf("HTTP %d", httpErr.Code)
	case errors.As(err, &netErr):
		return "网络错误 " + netErr.Code
	case errors.Is(err, ErrFetchTimeout):
		return "获取超时"
	case errors.Is(err, ErrPoolExhausted):
		return "无可用浏览器会话"
	case errors.Is(err, ErrPoolCreation):
		return "浏览器会话创建失败"
	case errors.Is(err, ErrPoolShuttingDown):
		return "会话池已关闭"
	case errors.Is(err, ErrAssemblerWrite):
		return "disk write error"
	}
	return err.Error()
}
