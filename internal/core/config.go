package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/RecoveryAshes/mdcrawl/internal/crawlers"
	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Crawl    models.CrawlConfig `mapstructure:"crawl"`
	Resource ResourceConfig     `mapstructure:"resource"`
	Logging  LoggingConfig      `mapstructure:"logging"`
	Output   OutputConfig       `mapstructure:"output"`
	Metrics  MetricsConfig      `mapstructure:"metrics"`
	Batch    BatchConfig        `mapstructure:"batch"`
}

// ResourceConfig 浏览器资源限制,单位MB
type ResourceConfig struct {
	SafetyReserveMemory int64 `mapstructure:"safety_reserve_memory"`
	SafetyThreshold     int64 `mapstructure:"safety_threshold"`
	CPULoadThreshold    int   `mapstructure:"cpu_load_threshold"`
	SessionMemoryUsage  int64 `mapstructure:"session_memory_usage"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// MetricsConfig 指标配置,Addr 为空时不启动指标服务
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// BatchConfig 批量模式配置
type BatchConfig struct {
	Delay           int  `mapstructure:"delay"` // 秒
	ContinueOnError bool `mapstructure:"continue_on_error"`
}

// flagKeys 命令行参数名 -> 配置键
var flagKeys = map[string]string{
	"mode":                   "crawl.mode",
	"concurrent-limit":       "crawl.concurrent_limit",
	"wait-between-requests":  "crawl.wait_between_requests",
	"jitter":                 "crawl.jitter",
	"max-depth":              "crawl.max_depth",
	"max-pages":              "crawl.max_pages",
	"include-images":         "crawl.include_images",
	"include-meta":           "crawl.include_meta",
	"handle-dynamic-content": "crawl.handle_dynamic_content",
	"wait-for-content":       "crawl.wait_for_content",
	"max-wait-time":          "crawl.max_wait_time",
	"connect-timeout":        "crawl.connect_timeout",
	"socket-timeout":         "crawl.socket_timeout",
	"response-timeout":       "crawl.response_timeout",
	"max-sessions":           "crawl.max_sessions",
	"acquire-timeout":        "crawl.acquire_timeout",
	"max-attempts":           "crawl.max_attempts",
	"retry-base-delay":       "crawl.retry_base_delay",
	"retry-max-delay":        "crawl.retry_max_delay",
	"min-content-length":     "crawl.min_content_length",
	"allowed-domains":        "crawl.allowed_domains",
	"headless":               "crawl.headless",
	"output":                 "output.base_dir",
	"log-level":              "logging.level",
	"metrics-addr":           "metrics.addr",
	"batch-delay":            "batch.delay",
	"continue-on-error":      "batch.continue_on_error",
}

// LoadConfig 加载配置文件
// 优先级: 命令行参数 > 环境变量(MDCRAWL_*) > 配置文件 > 默认值
// flags 可以为 nil,只有显式设置过的参数才会覆盖配置
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mdcrawl"))
		}
	}

	setDefaults(v)

	v.SetEnvPrefix("MDCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("绑定参数失败 [%s]: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := config.Crawl.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	d := models.DefaultCrawlConfig()

	v.SetDefault("crawl.mode", string(d.Mode))
	v.SetDefault("crawl.concurrent_limit", d.ConcurrentLimit)
	v.SetDefault("crawl.wait_between_requests", d.WaitBetweenRequests)
	v.SetDefault("crawl.jitter", d.Jitter)
	v.SetDefault("crawl.max_depth", d.MaxDepth)
	v.SetDefault("crawl.max_pages", d.MaxPages)
	v.SetDefault("crawl.include_images", d.IncludeImages)
	v.SetDefault("crawl.include_meta", d.IncludeMeta)
	v.SetDefault("crawl.handle_dynamic_content", d.HandleDynamicContent)
	v.SetDefault("crawl.wait_for_content", d.WaitForContent)
	v.SetDefault("crawl.max_wait_time", d.MaxWaitTime)
	v.SetDefault("crawl.connect_timeout", d.ConnectTimeout)
	v.SetDefault("crawl.socket_timeout", d.SocketTimeout)
	v.SetDefault("crawl.response_timeout", d.ResponseTimeout)
	v.SetDefault("crawl.max_sessions", d.MaxSessions)
	v.SetDefault("crawl.acquire_timeout", d.AcquireTimeout)
	v.SetDefault("crawl.max_attempts", d.MaxAttempts)
	v.SetDefault("crawl.retry_base_delay", d.RetryBaseDelay)
	v.SetDefault("crawl.retry_max_delay", d.RetryMaxDelay)
	v.SetDefault("crawl.min_content_length", d.MinContentLength)
	v.SetDefault("crawl.allowed_domains", []string{})
	v.SetDefault("crawl.headless", d.Headless)

	// 资源限制默认值(MB)
	v.SetDefault("resource.safety_reserve_memory", 1024)
	v.SetDefault("resource.safety_threshold", 500)
	v.SetDefault("resource.cpu_load_threshold", 80)
	v.SetDefault("resource.session_memory_usage", 100)

	// 日志配置默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	v.SetDefault("output.base_dir", "output")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("batch.delay", 0)
	v.SetDefault("batch.continue_on_error", true)
}

// LogConfig 转换为日志初始化参数
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// ResourceMonitorConfig 转换为资源监控器配置
func (c *Config) ResourceMonitorConfig() crawlers.ResourceMonitorConfig {
	const mb = 1024 * 1024
	rc := crawlers.DefaultResourceMonitorConfig()
	if c.Resource.SafetyReserveMemory > 0 {
		rc.SafetyReserveMemory = c.Resource.SafetyReserveMemory * mb
	}
	if c.Resource.SafetyThreshold > 0 {
		rc.SafetyThreshold = c.Resource.SafetyThreshold * mb
	}
	if c.Resource.CPULoadThreshold > 0 {
		rc.CPULoadThreshold = c.Resource.CPULoadThreshold
	}
	if c.Resource.SessionMemoryUsage > 0 {
		rc.SessionMemoryUsage = c.Resource.SessionMemoryUsage * mb
	}
	rc.MaxSessionsLimit = c.Crawl.MaxSessions
	return rc
}
