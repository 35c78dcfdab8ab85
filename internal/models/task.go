package models

import (
	"fmt"
	"time"
)

// CrawlStatus 抓取任务状态
type CrawlStatus string

const (
	CrawlStatusStarted   CrawlStatus = "started"   // 已开始
	CrawlStatusProgress  CrawlStatus = "progress"  // 进行中
	CrawlStatusCompleted CrawlStatus = "completed" // 已完成
	CrawlStatusCancelled CrawlStatus = "cancelled" // 已取消
	CrawlStatusError     CrawlStatus = "error"     // 出错
)

// CrawlMode 页面获取模式
type CrawlMode string

const (
	ModeDynamic CrawlMode = "dynamic" // 无头浏览器渲染
	ModeStatic  CrawlMode = "static"  // 纯HTTP获取
)

// CrawlConfig 抓取配置
// 时长字段支持 "500ms"、"45s" 这类写法
type CrawlConfig struct {
	Mode                 CrawlMode     `mapstructure:"mode" json:"mode"`                                     // 获取模式 (默认:dynamic)
	ConcurrentLimit      int           `mapstructure:"concurrent_limit" json:"concurrent_limit"`             // 全局并发上限 (默认:30)
	WaitBetweenRequests  time.Duration `mapstructure:"wait_between_requests" json:"wait_between_requests"`   // 同域请求最小间隔 (默认:500ms)
	Jitter               time.Duration `mapstructure:"jitter" json:"jitter"`                                 // 同域间隔附加的随机抖动上限 (默认:250ms)
	MaxDepth             int           `mapstructure:"max_depth" json:"max_depth"`                           // 最大发现深度 (默认:3)
	MaxPages             int           `mapstructure:"max_pages" json:"max_pages"`                           // 最大调度页面数 (默认:100)
	IncludeImages        bool          `mapstructure:"include_images" json:"include_images"`                 // 下载图片 (默认:true)
	IncludeMeta          bool          `mapstructure:"include_meta" json:"include_meta"`                     // 输出frontmatter (默认:true)
	HandleDynamicContent bool          `mapstructure:"handle_dynamic_content" json:"handle_dynamic_content"` // 处理动态内容 (默认:true)
	WaitForContent       bool          `mapstructure:"wait_for_content" json:"wait_for_content"`             // 等待内容就绪 (默认:true)
	MaxWaitTime          time.Duration `mapstructure:"max_wait_time" json:"max_wait_time"`                   // 内容等待上限 (默认:45s)
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`               // 连接超时 (默认:5s)
	SocketTimeout        time.Duration `mapstructure:"socket_timeout" json:"socket_timeout"`                 // 读取超时 (默认:30s)
	ResponseTimeout      time.Duration `mapstructure:"response_timeout" json:"response_timeout"`             // 响应超时 (默认:30s)
	MaxSessions          int           `mapstructure:"max_sessions" json:"max_sessions"`                     // 浏览器会话上限 (默认:4)
	AcquireTimeout       time.Duration `mapstructure:"acquire_timeout" json:"acquire_timeout"`               // 获取会话超时 (默认:30s)
	MaxAttempts          int           `mapstructure:"max_attempts" json:"max_attempts"`                     // 最大尝试次数,含首次 (默认:3)
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay" json:"retry_base_delay"`             // 退避基准时长 (默认:1s)
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay" json:"retry_max_delay"`               // 退避上限 (默认:30s)
	MinContentLength     int           `mapstructure:"min_content_length" json:"min_content_length"`         // 正文质量阈值(字符) (默认:100)
	AllowedDomains       []string      `mapstructure:"allowed_domains" json:"allowed_domains,omitempty"`     // 额外允许跟随的域名
	Headless             bool          `mapstructure:"headless" json:"headless"`                             // 无头模式 (默认:true)
}

// DefaultCrawlConfig 返回默认抓取配置
func DefaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		Mode:                 ModeDynamic,
		ConcurrentLimit:      30,
		WaitBetweenRequests:  500 * time.Millisecond,
		Jitter:               250 * time.Millisecond,
		MaxDepth:             3,
		MaxPages:             100,
		IncludeImages:        true,
		IncludeMeta:          true,
		HandleDynamicContent: true,
		WaitForContent:       true,
		MaxWaitTime:          45 * time.Second,
		ConnectTimeout:       5 * time.Second,
		SocketTimeout:        30 * time.Second,
		ResponseTimeout:      30 * time.Second,
		MaxSessions:          4,
		AcquireTimeout:       30 * time.Second,
		MaxAttempts:          3,
		RetryBaseDelay:       time.Second,
		RetryMaxDelay:        30 * time.Second,
		MinContentLength:     100,
		Headless:             true,
	}
}

// Validate 验证配置
func (c *CrawlConfig) Validate() error {
	if c.Mode != ModeDynamic && c.Mode != ModeStatic {
		return fmt.Errorf("无效的获取模式: %s (有效值: dynamic, static)", c.Mode)
	}
	if c.ConcurrentLimit < 1 || c.ConcurrentLimit > 200 {
		return fmt.Errorf("并发上限必须在1-200之间,当前值: %d", c.ConcurrentLimit)
	}
	if c.MaxDepth < 0 || c.MaxDepth > 10 {
		return fmt.Errorf("最大深度必须在0-10之间,当前值: %d", c.MaxDepth)
	}
	if c.MaxPages < 1 || c.MaxPages > 10000 {
		return fmt.Errorf("最大页面数必须在1-10000之间,当前值: %d", c.MaxPages)
	}
	if c.MaxSessions < 1 || c.MaxSessions > 32 {
		return fmt.Errorf("会话上限必须在1-32之间,当前值: %d", c.MaxSessions)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 10 {
		return fmt.Errorf("最大尝试次数必须在1-10之间,当前值: %d", c.MaxAttempts)
	}
	if c.MinContentLength < 0 {
		return fmt.Errorf("正文质量阈值不能为负数")
	}

	durations := map[string]time.Duration{
		"wait_between_requests": c.WaitBetweenRequests,
		"jitter":                c.Jitter,
		"max_wait_time":         c.MaxWaitTime,
		"retry_base_delay":      c.RetryBaseDelay,
		"retry_max_delay":       c.RetryMaxDelay,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s 不能为负数", name)
		}
	}

	positives := map[string]time.Duration{
		"connect_timeout":  c.ConnectTimeout,
		"socket_timeout":   c.SocketTimeout,
		"response_timeout": c.ResponseTimeout,
		"acquire_timeout":  c.AcquireTimeout,
	}
	for name, d := range positives {
		if d <= 0 {
			return fmt.Errorf("%s 必须大于0", name)
		}
	}
	return nil
}

// CrawlStatistics 抓取过程的运行统计
// 由调度循环在每个页面完成后更新,对外只读
type CrawlStatistics struct {
	Processed  int           `json:"processed"`   // 已完成页面数
	Total      int           `json:"total"`       // 当前已知页面总数
	CurrentURL string        `json:"current_url"` // 最近调度的URL
	Elapsed    time.Duration `json:"elapsed"`     // 已耗时
	Errors     int           `json:"errors"`      // 失败页面数
	Succeeded  int           `json:"succeeded"`   // 成功页面数
	Partial    int           `json:"partial"`     // 部分成功页面数
	Skipped    int           `json:"skipped"`     // 已发现但未调度的页面数
	Retries    int           `json:"retries"`     // 重试总次数
}

// Percent 返回完成百分比
func (s CrawlStatistics) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	p := float64(s.Processed) / float64(s.Total) * 100
	if p > 100 {
		p = 100
	}
	return p
}
