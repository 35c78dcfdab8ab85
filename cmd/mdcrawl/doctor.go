package main

import (
	"fmt"
	"runtime"

	"github.com/RecoveryAshes/mdcrawl/internal/crawlers"
	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "检查运行环境(浏览器、内存)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("==============================================")
		fmt.Println("  mdcrawl 环境检查")
		fmt.Println("==============================================")

		fmt.Printf("✅ Go版本: %s\n", runtime.Version())
		fmt.Printf("✅ 操作系统: %s/%s, CPU: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())

		monitor := crawlers.NewResourceMonitor(appConfig.ResourceMonitorConfig())
		status := monitor.GetMemoryStatus()
		fmt.Printf("✅ 系统内存: %.2f GB (压力: %s)\n", float64(status.TotalMemory)/(1<<30), status.MemoryPressure)
		fmt.Printf("✅ 建议会话上限: %d (配置: %d)\n", monitor.CalculateMaxSessions(), appConfig.Crawl.MaxSessions)

		if path, ok := launcher.LookPath(); ok {
			fmt.Printf("✅ 找到浏览器: %s\n", path)
		} else {
			fmt.Println("⚠️  未找到本地浏览器,首次运行时将自动下载 Chromium")
		}

		if appConfig.Crawl.Mode == models.ModeStatic {
			fmt.Println("✅ 当前为 static 模式,不需要浏览器")
			return nil
		}

		fmt.Println("正在启动浏览器...")
		driver, err := crawlers.NewRodDriver(true, nil)
		if err != nil {
			fmt.Println("❌ 浏览器无法启动,可改用 --mode static")
			return err
		}
		_ = driver.Close()
		fmt.Println("✅ 浏览器启动正常")
		fmt.Println("==============================================")
		return nil
	},
}
