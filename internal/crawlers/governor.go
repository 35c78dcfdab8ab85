package crawlers

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/monitoring"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// GovernorConfig 并发与重试配置
type GovernorConfig struct {
	ConcurrentLimit     int
	WaitBetweenRequests time.Duration // 同域请求最小间隔
	Jitter              time.Duration // 域名放行前附加的随机等待上限
	MaxAttempts         int
	Backoff             BackoffPolicy
	Metrics             *monitoring.Metrics
}

// Outcome 一次 Execute 的结果
// Err 为 nil 表示成功,否则为 *models.RetryExhaustedError
type Outcome struct {
	Request *RetryableRequest
	Err     error
}

// Attempts 实际尝试次数
func (o Outcome) Attempts() int {
	return o.Request.Attempts
}

// Governor 全局并发上限 + 每域名请求间隔 + 失败重试
// Execute 只负责槽位和重试;域名间隔由 op 在真正发出请求前调用 Pace 等待
type Governor struct {
	cfg GovernorConfig
	sem *semaphore.Weighted

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGovernor 创建调度器
func NewGovernor(cfg GovernorConfig) *Governor {
	if cfg.ConcurrentLimit < 1 {
		cfg.ConcurrentLimit = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Governor{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.ConcurrentLimit)),
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter 每个主机一个令牌桶,桶容量为1,保证相邻两次放行间隔不小于 WaitBetweenRequests
func (g *Governor) limiter(host string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.cfg.WaitBetweenRequests), 1)
		g.limiters[host] = l
	}
	return l
}

// Execute 持有一个全局槽位执行 op,按错误分类重试
// 不会 panic 或返回裸错误: 失败时 Outcome.Err 为 RetryExhaustedError,保留最后一次的原始错误
func (g *Governor) Execute(ctx context.Context, rawURL string, op func(ctx context.Context) error) Outcome {
	req := NewRetryableRequest(rawURL, g.cfg.MaxAttempts)

	for {
		if err := sleepUntil(ctx, req.NextAttempt); err != nil {
			return g.abort(req, err)
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return g.abort(req, err)
		}

		if err := req.Begin(); err != nil {
			g.sem.Release(1)
			return g.abort(req, err)
		}
		err := op(ctx)
		g.sem.Release(1)

		if err == nil {
			req.Succeed()
			return Outcome{Request: req}
		}

		if req.Fail(err, g.cfg.Backoff) == StateExhausted {
			return Outcome{Request: req, Err: &models.RetryExhaustedError{URL: rawURL, Attempts: req.Attempts, Last: err}}
		}

		g.cfg.Metrics.IncRetry(req.LastReason)
		log.Debug().
			Str("url", rawURL).
			Int("attempt", req.Attempts).
			Str("reason", req.LastReason).
			Time("next", req.NextAttempt).
			Msg("请求失败,等待重试")
	}
}

// Pace 等待 rawURL 所在域名的下一个放行时刻,返回后应立即发出请求
// 抖动在令牌桶之前,同域相邻两次放行的间隔仍不小于 WaitBetweenRequests
func (g *Governor) Pace(ctx context.Context, rawURL string) error {
	if g.cfg.Jitter > 0 {
		if err := sleepUntil(ctx, time.Now().Add(time.Duration(rand.Int63n(int64(g.cfg.Jitter))))); err != nil {
			return err
		}
	}
	return g.limiter(hostOf(rawURL)).Wait(ctx)
}

func (g *Governor) abort(req *RetryableRequest, err error) Outcome {
	last := req.LastErr
	if last == nil {
		last = err
	}
	req.LastErr = last
	req.State = StateExhausted
	return Outcome{Request: req, Err: &models.RetryExhaustedError{URL: req.URL, Attempts: req.Attempts, Last: last}}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
