package crawlers

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
)

// RequestState 请求状态
//
//	Pending → InFlight → Succeeded
//	                   → Retrying → InFlight ...
//	                   → Exhausted
type RequestState string

const (
	StatePending   RequestState = "pending"
	StateInFlight  RequestState = "in_flight"
	StateRetrying  RequestState = "retrying"
	StateSucceeded RequestState = "succeeded"
	StateExhausted RequestState = "exhausted"
)

// retryableStatus 可重试的HTTP状态码
var retryableStatus = map[int]bool{
	408: true, 413: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
	520: true, 521: true, 522: true, 523: true, 524: true,
}

// retryableCodes 可重试的网络错误码
var retryableCodes = map[string]bool{
	"ETIMEDOUT":    true,
	"ECONNRESET":   true,
	"EADDRINUSE":   true,
	"ECONNREFUSED": true,
	"EPIPE":        true,
	"ENOTFOUND":    true,
	"ENETUNREACH":  true,
	"EAI_AGAIN":    true,
}

// BackoffPolicy 指数退避参数
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay 第 attempt 次失败后的等待时长: [0, min(Base·2^(attempt-1), Max)] 内均匀随机
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if b.Base <= 0 || attempt < 1 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return time.Duration(rand.Int63n(int64(d + 1)))
}

// RetryableRequest 一个带重试的请求
// 只由执行它的goroutine修改
type RetryableRequest struct {
	URL         string
	State       RequestState
	Attempts    int
	MaxAttempts int
	LastErr     error
	LastReason  string    // 最后一次失败的分类: 状态码或错误码
	NextAttempt time.Time // 退避结束时间
}

// NewRetryableRequest 创建请求,maxAttempts 含首次尝试
func NewRetryableRequest(url string, maxAttempts int) *RetryableRequest {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryableRequest{URL: url, State: StatePending, MaxAttempts: maxAttempts}
}

// Begin 开始一次尝试
func (r *RetryableRequest) Begin() error {
	if r.State != StatePending && r.State != StateRetrying {
		return fmt.Errorf("请求状态为 %s,不能开始新的尝试", r.State)
	}
	if r.Attempts >= r.MaxAttempts {
		return fmt.Errorf("已达到最大尝试次数 %d", r.MaxAttempts)
	}
	r.Attempts++
	r.State = StateInFlight
	return nil
}

// Succeed 标记成功
func (r *RetryableRequest) Succeed() {
	r.State = StateSucceeded
	r.LastErr = nil
}

// Fail 记录失败并决定下一状态
// 可重试且还有次数时进入 Retrying 并设置 NextAttempt,否则进入 Exhausted
func (r *RetryableRequest) Fail(err error, backoff BackoffPolicy) RequestState {
	r.LastErr = err
	retryable, reason := ClassifyError(err)
	r.LastReason = reason

	if !retryable || r.Attempts >= r.MaxAttempts {
		r.State = StateExhausted
		return r.State
	}
	r.State = StateRetrying
	r.NextAttempt = time.Now().Add(backoff.Delay(r.Attempts))
	return r.State
}

// RetryCount 已发生的重试次数
func (r *RetryableRequest) RetryCount() int {
	if r.Attempts == 0 {
		return 0
	}
	return r.Attempts - 1
}

// ClassifyError 判断错误是否可重试,并返回分类标签
func ClassifyError(err error) (bool, string) {
	var (
		httpErr    *models.FetchHTTPError
		netErr     *models.FetchNetworkError
		timeoutErr *models.FetchTimeoutError
	)
	switch {
	case err == nil:
		return false, ""
	case errors.As(err, &httpErr):
		return retryableStatus[httpErr.Code], fmt.Sprintf("HTTP %d", httpErr.Code)
	case errors.As(err, &timeoutErr):
		return true, "ETIMEDOUT"
	case errors.As(err, &netErr):
		return retryableCodes[netErr.Code], netErr.Code
	case errors.Is(err, models.ErrPoolExhausted):
		return true, "POOL_EXHAUSTED"
	case errors.Is(err, models.ErrPoolShuttingDown):
		return false, "POOL_SHUTDOWN"
	case errors.Is(err, models.ErrPoolCreation):
		return false, "POOL_CREATION"
	}
	return false, "UNKNOWN"
}
