package main

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// ValidateFlags 验证命令行参数的格式
// 数值范围在配置合并后由 CrawlConfig.Validate 统一检查
func ValidateFlags(flags *pflag.FlagSet) error {
	if mode, err := flags.GetString("mode"); err == nil && flags.Changed("mode") {
		if mode != string(models.ModeDynamic) && mode != string(models.ModeStatic) {
			return fmt.Errorf("无效的获取模式: %s (有效值: dynamic, static)", mode)
		}
	}

	if level, err := flags.GetString("log-level"); err == nil && level != "" {
		if _, err := zerolog.ParseLevel(level); err != nil {
			return fmt.Errorf("无效的日志级别: %s", level)
		}
	}

	if addr, err := flags.GetString("metrics-addr"); err == nil && addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("无效的指标监听地址 %q: %w", addr, err)
		}
	}

	if hs, err := flags.GetStringSlice("header"); err == nil {
		if _, err := models.CliHeaders(hs).Parse(); err != nil {
			return fmt.Errorf("无效的HTTP头部: %w", err)
		}
	}

	if delay, err := flags.GetInt("batch-delay"); err == nil && (delay < 0 || delay > 3600) {
		return fmt.Errorf("批量间隔必须在0-3600秒之间,当前值: %d", delay)
	}

	return nil
}

// NormalizeURL 规范化命令行输入的URL,没有协议时默认使用https
func NormalizeURL(urlStr string) (string, error) {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return "", fmt.Errorf("URL不能为空")
	}
	if !strings.Contains(urlStr, "://") {
		urlStr = "https://" + urlStr
	}

	if _, err := url.Parse(urlStr); err != nil {
		return "", fmt.Errorf("无效的目标URL: %w", err)
	}
	if err := models.ValidateURL(urlStr); err != nil {
		return "", fmt.Errorf("无效的目标URL: %w", err)
	}
	return urlStr, nil
}
