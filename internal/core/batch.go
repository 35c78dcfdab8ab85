package core

import (
	"context"
	"fmt"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
)

// SiteCrawler 抓取一个站点
type SiteCrawler interface {
	CrawlSite(ctx context.Context, rootURL string) (*SiteOutput, error)
}

// BatchCrawler 依次抓取URL列表中的每个站点
type BatchCrawler struct {
	crawler       SiteCrawler
	batchDelay    time.Duration
	continueOnErr bool
}

// BatchResult 单个URL的抓取结果
type BatchResult struct {
	URL         string
	Success     bool
	Error       error
	Output      *SiteOutput
	ProcessedAt time.Time
	Duration    float64
}

// BatchSummary 批量抓取摘要
type BatchSummary struct {
	TotalURLs     int
	SuccessCount  int
	FailCount     int
	TotalPages    int
	FailedPages   int
	TotalDuration float64
	Cancelled     bool
	Results       []BatchResult
}

// NewBatchCrawler 创建批量抓取器,batchDelay 单位为秒
func NewBatchCrawler(crawler SiteCrawler, batchDelay int, continueOnErr bool) *BatchCrawler {
	return &BatchCrawler{
		crawler:       crawler,
		batchDelay:    time.Duration(batchDelay) * time.Second,
		continueOnErr: continueOnErr,
	}
}

// CrawlBatch 批量抓取URL列表
// 单个站点出错不会中断整体,除非 continueOnErr 为 false;ctx 取消后不再开始新的站点
func (bc *BatchCrawler) CrawlBatch(ctx context.Context, urls []string) *BatchSummary {
	utils.Infof("🚀 开始批量抓取: %d个URL", len(urls))

	summary := &BatchSummary{
		TotalURLs: len(urls),
		Results:   make([]BatchResult, 0, len(urls)),
	}
	startTime := time.Now()

	for i, targetURL := range urls {
		if ctx.Err() != nil {
			summary.Cancelled = true
			utils.Warn("批量抓取已取消")
			break
		}

		utils.Infof("==================== [%d/%d] ====================", i+1, len(urls))
		utils.Infof("目标URL: %s", targetURL)

		result := bc.crawlSingleURL(ctx, targetURL)
		summary.Results = append(summary.Results, result)

		if result.Output != nil {
			stats := result.Output.Result.Stats
			summary.TotalPages += stats.Processed
			summary.FailedPages += stats.Errors
		}

		if result.Success {
			summary.SuccessCount++
		} else {
			summary.FailCount++
			utils.Errorf("❌ 抓取失败: %v", result.Error)

			if !bc.continueOnErr {
				utils.Warn("批量抓取中止 (--continue-on-error=false)")
				break
			}
		}

		if i < len(urls)-1 && bc.batchDelay > 0 {
			utils.Debugf("等待 %.0f 秒后处理下一个URL...", bc.batchDelay.Seconds())
			select {
			case <-ctx.Done():
			case <-time.After(bc.batchDelay):
			}
		}
	}

	summary.TotalDuration = time.Since(startTime).Seconds()
	bc.printSummary(summary)
	return summary
}

// crawlSingleURL 抓取单个站点,一个页面都没有成功时视为失败
func (bc *BatchCrawler) crawlSingleURL(ctx context.Context, targetURL string) BatchResult {
	result := BatchResult{
		URL:         targetURL,
		ProcessedAt: time.Now(),
	}
	startTime := time.Now()

	out, err := bc.crawler.CrawlSite(ctx, targetURL)
	if err != nil {
		result.Error = fmt.Errorf("抓取失败: %w", err)
		result.Duration = time.Since(startTime).Seconds()
		return result
	}

	result.Output = out
	if out.Result.Status == models.CrawlStatusError {
		result.Error = fmt.Errorf("所有页面均失败")
	} else {
		result.Success = true
	}
	result.Duration = time.Since(startTime).Seconds()
	return result
}

// printSummary 打印批量抓取摘要
func (bc *BatchCrawler) printSummary(summary *BatchSummary) {
	utils.Info("==================================================")
	utils.Info("📊 批量抓取摘要")
	utils.Info("==================================================")
	utils.Infof("总URL数: %d", summary.TotalURLs)
	utils.Infof("✅ 成功: %d", summary.SuccessCount)
	utils.Infof("❌ 失败: %d", summary.FailCount)
	utils.Infof("📄 总页面数: %d (失败 %d)", summary.TotalPages, summary.FailedPages)
	utils.Infof("⏱️  总耗时: %.2f秒", summary.TotalDuration)
	utils.Info("==================================================")

	if summary.FailCount > 0 {
		utils.Warn("失败的URL:")
		for _, result := range summary.Results {
			if !result.Success {
				utils.Warnf("  - %s: %v", result.URL, result.Error)
			}
		}
	}
}
