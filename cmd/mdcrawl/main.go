package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RecoveryAshes/mdcrawl/internal/core"
	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/monitoring"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	configFile string

	// HTTP头部参数
	headers        []string
	headersFile    string
	validateConfig bool
)

// appConfig 在 PersistentPreRunE 中加载
var appConfig *core.Config

var rootCmd = &cobra.Command{
	Use:   "mdcrawl [url]",
	Short: "网页抓取并转换为Markdown",
	Long: `mdcrawl - 把网页或整个站点转换为Markdown

从入口URL开始按广度优先抓取同源页面,提取正文并转换为Markdown:
  • 无头浏览器渲染(dynamic)或纯HTTP获取(static)
  • 正文自动定位,图片下载到本地并去重
  • 每域名请求间隔与失败重试
  • 生成索引页和JSON抓取报告

示例:
  # 抓取整站,深度2,最多50页
  mdcrawl https://example.com/docs --max-depth 2 --max-pages 50

  # 只转换一个页面
  mdcrawl page https://example.com/post/1

  # 批量抓取
  mdcrawl batch urls.txt --batch-delay 5

  # 自定义请求头
  mdcrawl https://example.com -H "Cookie: session=abc"

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateFlags(cmd.Flags()); err != nil {
			return err
		}

		config, err := core.LoadConfig(configFile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		if err := utils.InitLogger(config.LogConfig()); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}
		appConfig = config
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateConfig {
			return runValidateHeaders()
		}
		if len(args) == 0 {
			return cmd.Help()
		}

		targetURL, err := NormalizeURL(args[0])
		if err != nil {
			return err
		}

		return withRuntime(func(ctx context.Context, conv *core.Converter) error {
			conv.SetProgressSink(models.MultiSink{utils.NewProgressBarSink("🌐 抓取中"), utils.LogSink{}})

			out, err := conv.CrawlSite(ctx, targetURL)
			if err != nil {
				return fmt.Errorf("抓取失败: %w", err)
			}
			if out.Result.Status == models.CrawlStatusError {
				utils.Warnf("⚠️  没有页面转换成功,详见 %s", out.ReportPath)
			}
			utils.Info("✨ 抓取任务完成!")
			return nil
		})
	},
}

var pageCmd = &cobra.Command{
	Use:   "page <url>",
	Short: "转换单个页面",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targetURL, err := NormalizeURL(args[0])
		if err != nil {
			return err
		}

		return withRuntime(func(ctx context.Context, conv *core.Converter) error {
			out, err := conv.ConvertPage(ctx, targetURL)
			if err != nil {
				return fmt.Errorf("转换失败: %w", err)
			}
			utils.Infof("📁 输出目录: %s", out.Dir)
			return nil
		})
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <url-file>",
	Short: "批量抓取文件中的站点(每行一个URL,# 开头为注释)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		urls, err := utils.ReadURLsFromFile(args[0])
		if err != nil {
			return fmt.Errorf("读取URL文件失败: %w", err)
		}

		return withRuntime(func(ctx context.Context, conv *core.Converter) error {
			conv.SetProgressSink(utils.LogSink{})
			batch := core.NewBatchCrawler(conv, appConfig.Batch.Delay, appConfig.Batch.ContinueOnError)
			summary := batch.CrawlBatch(ctx, urls)
			if summary.Cancelled {
				utils.Warn("⚠️  批量抓取被中断")
			}
			utils.Info("✨ 批量抓取任务完成!")
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mdcrawl %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// withRuntime 准备信号处理、请求头部和指标服务,然后执行 fn
// Ctrl+C 取消 ctx: 不再调度新页面,已完成的页面照常写入索引
func withRuntime(fn func(ctx context.Context, conv *core.Converter) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			utils.Warn("收到中断信号,等待进行中的页面完成...")
		case <-done:
		}
	}()

	headerManager, err := core.NewHeaderManager(headersFile, headers)
	if err != nil {
		return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	if _, err := headerManager.GetHeaders(); err != nil {
		return fmt.Errorf("加载HTTP头部失败: %w", err)
	}

	var metrics *monitoring.Metrics
	if appConfig.Metrics.Addr != "" {
		metrics = monitoring.NewMetrics()
		srv, addr, err := metrics.Serve(appConfig.Metrics.Addr)
		if err != nil {
			return err
		}
		defer srv.Close()
		utils.Infof("📈 指标服务: http://%s/metrics", addr)
	}

	return fn(ctx, core.NewConverter(appConfig, headerManager, metrics))
}

// runValidateHeaders 验证头部配置并打印脱敏后的结果
func runValidateHeaders() error {
	utils.Info("🔍 验证HTTP头部配置...")
	headerManager, err := core.NewHeaderManager(headersFile, headers)
	if err != nil {
		return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	safeHeaders, err := headerManager.GetSafeHeaders()
	if err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}

	utils.Info("✅ 配置验证通过!")
	utils.Infof("当前有效的HTTP头部 (%d个):", len(safeHeaders))
	for name, value := range safeHeaders {
		utils.Infof("  %s: %s", name, value)
	}
	return nil
}

func init() {
	d := models.DefaultCrawlConfig()
	pf := rootCmd.PersistentFlags()

	// 全局参数
	pf.StringVarP(&configFile, "config", "c", "", "配置文件路径")
	pf.String("log-level", "", "日志级别 (trace|debug|info|warn|error)")
	pf.String("metrics-addr", "", "Prometheus指标监听地址,例如 127.0.0.1:9090")
	pf.StringP("output", "o", "output", "输出目录")

	// HTTP头部参数
	pf.StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")
	pf.StringVar(&headersFile, "headers-file", "", "HTTP头部配置文件 (默认 configs/headers.yaml)")
	rootCmd.Flags().BoolVar(&validateConfig, "validate-config", false, "验证HTTP头部配置")

	// 抓取参数,只有显式指定时才覆盖配置文件
	pf.StringP("mode", "m", string(d.Mode), "获取模式 (dynamic|static)")
	pf.Int("concurrent-limit", d.ConcurrentLimit, "全局并发上限")
	pf.Duration("wait-between-requests", d.WaitBetweenRequests, "同域请求最小间隔")
	pf.Duration("jitter", d.Jitter, "同域间隔附加的随机抖动上限")
	pf.IntP("max-depth", "d", d.MaxDepth, "最大发现深度 (0-10)")
	pf.IntP("max-pages", "n", d.MaxPages, "最大页面数")
	pf.Bool("include-images", d.IncludeImages, "下载正文图片")
	pf.Bool("include-meta", d.IncludeMeta, "输出YAML frontmatter")
	pf.Bool("handle-dynamic-content", d.HandleDynamicContent, "关闭弹窗并等待动态内容")
	pf.Bool("wait-for-content", d.WaitForContent, "等待加载指示消失")
	pf.Duration("max-wait-time", d.MaxWaitTime, "内容等待上限")
	pf.Duration("connect-timeout", d.ConnectTimeout, "连接超时")
	pf.Duration("socket-timeout", d.SocketTimeout, "读取超时")
	pf.Duration("response-timeout", d.ResponseTimeout, "响应超时")
	pf.Int("max-sessions", d.MaxSessions, "浏览器会话上限")
	pf.Duration("acquire-timeout", d.AcquireTimeout, "等待空闲会话的超时")
	pf.Int("max-attempts", d.MaxAttempts, "每个页面的最大尝试次数")
	pf.Duration("retry-base-delay", d.RetryBaseDelay, "退避基准时长")
	pf.Duration("retry-max-delay", d.RetryMaxDelay, "退避上限")
	pf.Int("min-content-length", d.MinContentLength, "正文质量阈值(字符)")
	pf.StringSlice("allowed-domains", nil, "额外允许跟随的域名")
	pf.Bool("headless", d.Headless, "无头浏览器模式")

	// 批量处理参数
	batchCmd.Flags().Int("batch-delay", 0, "站点之间的间隔(秒)")
	batchCmd.Flags().Bool("continue-on-error", true, "遇到错误继续处理")

	rootCmd.AddCommand(pageCmd, batchCmd, doctorCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
