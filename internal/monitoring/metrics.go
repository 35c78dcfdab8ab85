// Package monitoring 提供 Prometheus 指标
package monitoring

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics 抓取过程的指标集合
// 所有方法对 nil 接收者安全,未启用指标时直接传 nil
type Metrics struct {
	registry *prometheus.Registry

	PagesTotal     *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
	FetchDuration  *prometheus.HistogramVec
	LeasedSessions prometheus.Gauge
	AssetsTotal    *prometheus.CounterVec
}

// NewMetrics 在独立的 Registry 上注册指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdcrawl_pages_total",
			Help: "Pages converted, by outcome.",
		}, []string{"outcome"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdcrawl_retries_total",
			Help: "Fetch retries, by failure reason.",
		}, []string{"reason"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdcrawl_fetch_duration_seconds",
			Help:    "Duration of page fetches.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}, []string{"domain"}),
		LeasedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mdcrawl_leased_sessions",
			Help: "Browser sessions currently leased.",
		}),
		AssetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdcrawl_assets_total",
			Help: "Asset downloads, by result (downloaded, reused, failed).",
		}, []string{"result"}),
	}
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve 在 addr 上暴露 /metrics,返回实际监听地址
// 关闭返回的 Server 即停止服务
func (m *Metrics) Serve(addr string) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("监听指标地址失败: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("指标服务异常退出")
		}
	}()
	return srv, ln.Addr().String(), nil
}

// IncPage 记录一个页面结果
func (m *Metrics) IncPage(outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
}

// IncRetry 记录一次重试
func (m *Metrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveFetch 记录一次获取耗时
func (m *Metrics) ObserveFetch(domain string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(domain).Observe(d.Seconds())
}

// SetLeased 更新已租出的会话数
func (m *Metrics) SetLeased(n int) {
	if m == nil {
		return
	}
	m.LeasedSessions.Set(float64(n))
}

// IncAsset 记录一次图片下载结果
func (m *Metrics) IncAsset(result string) {
	if m == nil {
		return
	}
	m.AssetsTotal.WithLabelValues(result).Inc()
}
