package crawlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		reason    string
	}{
		{"404不可重试", &models.FetchHTTPError{Code: 404}, false, "HTTP 404"},
		{"503可重试", &models.FetchHTTPError{Code: 503}, true, "HTTP 503"},
		{"429可重试", &models.FetchHTTPError{Code: 429}, true, "HTTP 429"},
		{"522可重试", &models.FetchHTTPError{Code: 522}, true, "HTTP 522"},
		{"超时可重试", &models.FetchTimeoutError{Phase: "navigation"}, true, "ETIMEDOUT"},
		{"连接被拒可重试", &models.FetchNetworkError{Code: "ECONNREFUSED"}, true, "ECONNREFUSED"},
		{"DNS失败可重试", &models.FetchNetworkError{Code: "ENOTFOUND"}, true, "ENOTFOUND"},
		{"未知网络错误不可重试", &models.FetchNetworkError{Code: "EFETCH"}, false, "EFETCH"},
		{"会话池耗尽可重试", &models.PoolExhaustedError{Max: 1}, true, "POOL_EXHAUSTED"},
		{"会话池关闭不可重试", models.ErrPoolShuttingDown, false, "POOL_SHUTDOWN"},
		{"会话创建失败不可重试", &models.PoolCreationError{Attempts: 3}, false, "POOL_CREATION"},
		{"包装后的错误", fmt.Errorf("外层: %w", &models.FetchHTTPError{Code: 502}), true, "HTTP 502"},
		{"其他错误", errors.New("boom"), false, "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, reason := ClassifyError(tt.err)
			if retryable != tt.retryable || reason != tt.reason {
				t.Errorf("ClassifyError() = (%v, %q), 期望 (%v, %q)", retryable, reason, tt.retryable, tt.reason)
			}
		})
	}
}

func TestBackoffPolicy_Delay(t *testing.T) {
	b := BackoffPolicy{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond}

	bounds := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 300 * time.Millisecond,
		6: 300 * time.Millisecond,
	}
	for attempt, upper := range bounds {
		for i := 0; i < 50; i++ {
			if d := b.Delay(attempt); d < 0 || d > upper {
				t.Fatalf("Delay(%d) = %v, 期望在 [0, %v] 内", attempt, d, upper)
			}
		}
	}

	if d := (BackoffPolicy{}).Delay(3); d != 0 {
		t.Errorf("零值策略 Delay = %v, 期望 0", d)
	}
}

func TestRetryableRequest_StateMachine(t *testing.T) {
	backoff := BackoffPolicy{Base: time.Millisecond, Max: time.Millisecond}

	t.Run("成功路径", func(t *testing.T) {
		r := NewRetryableRequest("https://example.com", 3)
		if r.State != StatePending {
			t.Fatalf("初始状态 = %s", r.State)
		}
		if err := r.Begin(); err != nil {
			t.Fatalf("Begin 失败: %v", err)
		}
		if r.State != StateInFlight {
			t.Errorf("状态 = %s, 期望 in_flight", r.State)
		}
		r.Succeed()
		if r.State != StateSucceeded || r.RetryCount() != 0 {
			t.Errorf("状态 = %s, 重试 = %d", r.State, r.RetryCount())
		}
		if err := r.Begin(); err == nil {
			t.Error("成功后不应允许新的尝试")
		}
	})

	t.Run("可重试错误进入Retrying直到耗尽", func(t *testing.T) {
		r := NewRetryableRequest("https://example.com", 2)
		_ = r.Begin()
		if state := r.Fail(&models.FetchHTTPError{Code: 503}, backoff); state != StateRetrying {
			t.Fatalf("第1次失败后状态 = %s, 期望 retrying", state)
		}
		if r.NextAttempt.IsZero() {
			t.Error("Retrying 状态应设置 NextAttempt")
		}
		_ = r.Begin()
		if state := r.Fail(&models.FetchHTTPError{Code: 503}, backoff); state != StateExhausted {
			t.Fatalf("第2次失败后状态 = %s, 期望 exhausted", state)
		}
		if r.RetryCount() != 1 || r.LastReason != "HTTP 503" {
			t.Errorf("RetryCount = %d, LastReason = %q", r.RetryCount(), r.LastReason)
		}
	})

	t.Run("不可重试错误直接耗尽", func(t *testing.T) {
		r := NewRetryableRequest("https://example.com", 3)
		_ = r.Begin()
		if state := r.Fail(&models.FetchHTTPError{Code: 404}, backoff); state != StateExhausted {
			t.Fatalf("状态 = %s, 期望 exhausted", state)
		}
		if r.Attempts != 1 {
			t.Errorf("Attempts = %d, 期望 1", r.Attempts)
		}
	})
}

func testGovernorConfig() GovernorConfig {
	return GovernorConfig{
		ConcurrentLimit: 4,
		MaxAttempts:     3,
		Backoff:         BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func TestGovernor_RetryPolicy(t *testing.T) {
	initTestLogger(t)

	tests := []struct {
		name     string
		code     int
		attempts int
	}{
		{"404只尝试一次", 404, 1},
		{"503尝试到上限", 503, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGovernor(testGovernorConfig())
			calls := 0
			outcome := g.Execute(context.Background(), "https://example.com/page", func(ctx context.Context) error {
				calls++
				return &models.FetchHTTPError{URL: "https://example.com/page", Code: tt.code}
			})

			if calls != tt.attempts || outcome.Attempts() != tt.attempts {
				t.Errorf("调用 %d 次, Attempts = %d, 期望 %d", calls, outcome.Attempts(), tt.attempts)
			}
			if !errors.Is(outcome.Err, models.ErrRetryExhausted) {
				t.Fatalf("期望 ErrRetryExhausted, 实际: %v", outcome.Err)
			}
			var httpErr *models.FetchHTTPError
			if !errors.As(outcome.Err, &httpErr) || httpErr.Code != tt.code {
				t.Errorf("应保留原始错误, 实际: %v", outcome.Err)
			}
			if outcome.Request.State != StateExhausted {
				t.Errorf("状态 = %s, 期望 exhausted", outcome.Request.State)
			}
		})
	}

	t.Run("第三次成功", func(t *testing.T) {
		g := NewGovernor(testGovernorConfig())
		calls := 0
		outcome := g.Execute(context.Background(), "https://example.com/", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return &models.FetchTimeoutError{URL: "https://example.com/", Phase: "navigation"}
			}
			return nil
		})
		if outcome.Err != nil {
			t.Fatalf("期望成功, 实际: %v", outcome.Err)
		}
		if outcome.Request.RetryCount() != 2 {
			t.Errorf("RetryCount = %d, 期望 2", outcome.Request.RetryCount())
		}
	})
}

func TestGovernor_DomainSpacing(t *testing.T) {
	initTestLogger(t)

	const wait = 60 * time.Millisecond
	cfg := testGovernorConfig()
	cfg.WaitBetweenRequests = wait
	g := NewGovernor(cfg)

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("https://example.com/p%d", i)
			g.Execute(context.Background(), url, func(ctx context.Context) error {
				if err := g.Pace(ctx, url); err != nil {
					return err
				}
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()

	sort.Slice(starts, func(a, b int) bool { return starts[a].Before(starts[b]) })
	tolerance := 10 * time.Millisecond
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < wait-tolerance {
			t.Errorf("同域第 %d 和 %d 次请求间隔 %v, 期望 >= %v", i, i+1, gap, wait)
		}
	}
}

func TestGovernor_ConcurrencyCeiling(t *testing.T) {
	initTestLogger(t)

	cfg := testGovernorConfig()
	cfg.ConcurrentLimit = 2
	g := NewGovernor(cfg)

	var (
		current int32
		peak    int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 不同域名,不受同域间隔影响
			g.Execute(context.Background(), fmt.Sprintf("https://host%d.example.com/", i), func(ctx context.Context) error {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
		}(i)
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("并发峰值 = %d, 期望 <= 2", peak)
	}
}

func TestGovernor_CancelledContext(t *testing.T) {
	initTestLogger(t)

	g := NewGovernor(testGovernorConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	outcome := g.Execute(ctx, "https://example.com/", func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("上下文已取消时不应执行操作")
	}
	if !errors.Is(outcome.Err, context.Canceled) {
		t.Errorf("期望包含 context.Canceled, 实际: %v", outcome.Err)
	}
}
