package crawlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/monitoring"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	sessionCreateAttempts = 3
	sessionCreateBackoff  = 200 * time.Millisecond
	sessionResetTimeout   = 5 * time.Second
)

// SessionState 会话状态
type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionBusy     SessionState = "busy"
	SessionDisposed SessionState = "disposed"
)

// BrowserSession 租出的页面句柄
type BrowserSession struct {
	ID        string
	CreatedAt time.Time
	LastUsed  time.Time
	State     SessionState

	page Page
}

// Page 返回底层页面
func (s *BrowserSession) Page() Page {
	return s.page
}

// PoolStats 会话池快照
type PoolStats struct {
	Max      int
	Leased   int
	Idle     int
	Created  int
	Disposed int
}

// SessionPoolConfig 会话池配置
type SessionPoolConfig struct {
	MaxSessions    int
	AcquireTimeout time.Duration
	Monitor        *ResourceMonitor    // 可选,用于收紧上限
	Metrics        *monitoring.Metrics // 可选
}

// SessionPool 有界的页面会话池
// slots 的容量即上限,租出一个会话必须先拿到一个槽位
type SessionPool struct {
	driver  Driver
	max     int
	timeout time.Duration
	monitor *ResourceMonitor
	metrics *monitoring.Metrics

	slots chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	idle     []*BrowserSession
	leased   map[string]*BrowserSession
	closed   bool
	created  int
	disposed int
}

// NewSessionPool 创建会话池,会话在首次获取时才创建
func NewSessionPool(driver Driver, cfg SessionPoolConfig) *SessionPool {
	max := cfg.MaxSessions
	if max < 1 {
		max = 1
	}
	if cfg.Monitor != nil {
		if limit := cfg.Monitor.CalculateMaxSessions(); limit < max {
			log.Info().Msgf("可用资源有限,会话上限从 %d 调整为 %d", max, limit)
			max = limit
		}
	}
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &SessionPool{
		driver:  driver,
		max:     max,
		timeout: timeout,
		monitor: cfg.Monitor,
		metrics: cfg.Metrics,
		slots:   make(chan struct{}, max),
		done:    make(chan struct{}),
		leased:  make(map[string]*BrowserSession),
	}
}

// Max 有效上限
func (p *SessionPool) Max() int {
	return p.max
}

// Acquire 租出一个会话
// 优先复用空闲会话,否则创建新会话;超时返回 PoolExhaustedError,池关闭返回 ErrPoolShuttingDown
func (p *SessionPool) Acquire(ctx context.Context) (*BrowserSession, error) {
	start := time.Now()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-p.done:
		return nil, models.ErrPoolShuttingDown
	case <-timer.C:
		return nil, &models.PoolExhaustedError{Waited: time.Since(start), Max: p.max}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	session, err := p.lease(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return session, nil
}

// lease 在已持有槽位的前提下取出或创建会话
func (p *SessionPool) lease(ctx context.Context) (*BrowserSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, models.ErrPoolShuttingDown
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.markLeased(s)
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	if p.monitor != nil {
		if ok, reason := p.monitor.CheckResourceAvailability(); !ok {
			log.Warn().Msgf("资源紧张,仍为当前请求创建会话: %s", reason)
		}
	}

	page, err := p.createPage(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &BrowserSession{ID: uuid.NewString(), CreatedAt: now, LastUsed: now, page: page}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = page.Close()
		return nil, models.ErrPoolShuttingDown
	}
	p.created++
	p.markLeased(s)
	log.Debug().Str("session", s.ID).Msgf("创建新会话,当前租出: %d/%d", len(p.leased), p.max)
	return s, nil
}

func (p *SessionPool) createPage(ctx context.Context) (Page, error) {
	var lastErr error
	for attempt := 1; attempt <= sessionCreateAttempts; attempt++ {
		page, err := p.driver.NewPage(ctx)
		if err == nil {
			return page, nil
		}
		lastErr = err
		log.Warn().Err(err).Msgf("创建会话失败 (第%d次)", attempt)

		if attempt < sessionCreateAttempts {
			select {
			case <-time.After(sessionCreateBackoff * time.Duration(attempt)):
			case <-p.done:
				return nil, models.ErrPoolShuttingDown
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, &models.PoolCreationError{Attempts: sessionCreateAttempts, Cause: lastErr}
}

// markLeased 调用方需持有 mu
func (p *SessionPool) markLeased(s *BrowserSession) {
	s.State = SessionBusy
	s.LastUsed = time.Now()
	p.leased[s.ID] = s
	p.metrics.SetLeased(len(p.leased))
}

// Release 归还会话
// healthy 为 false 或清理失败时销毁会话,空出的槽位在下次获取时重新创建
func (p *SessionPool) Release(s *BrowserSession, healthy bool) {
	if s == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.leased[s.ID]; !ok {
		p.mu.Unlock()
		log.Warn().Str("session", s.ID).Msg("归还未租出的会话,已忽略")
		return
	}
	delete(p.leased, s.ID)
	p.metrics.SetLeased(len(p.leased))
	p.mu.Unlock()

	if healthy {
		if r, ok := s.page.(Resetter); ok {
			ctx, cancel := context.WithTimeout(context.Background(), sessionResetTimeout)
			if err := r.Reset(ctx); err != nil {
				log.Warn().Err(err).Str("session", s.ID).Msg("会话清理失败,将被销毁")
				healthy = false
			}
			cancel()
		}
	}

	p.mu.Lock()
	if healthy && !p.closed {
		s.State = SessionIdle
		s.LastUsed = time.Now()
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	} else {
		p.disposed++
		p.mu.Unlock()
		p.dispose(s)
	}

	<-p.slots
}

func (p *SessionPool) dispose(s *BrowserSession) {
	s.State = SessionDisposed
	if err := s.page.Close(); err != nil {
		log.Debug().Err(err).Str("session", s.ID).Msg("关闭会话失败")
	}
}

// Shutdown 销毁所有空闲会话,并使等待中的 Acquire 失败
// 租出中的会话在归还时销毁
func (p *SessionPool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	idle := p.idle
	p.idle = nil
	p.disposed += len(idle)
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		s.State = SessionDisposed
		if err := s.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭会话 %s 失败: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Stats 返回当前计数
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Max:      p.max,
		Leased:   len(p.leased),
		Idle:     len(p.idle),
		Created:  p.created,
		Disposed: p.disposed,
	}
}
