package crawlers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/monitoring"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
	"github.com/rs/zerolog/log"
)

// Pipeline 单页转换: 租会话 → 获取 → 释放 → 提取 → 下载图片 → 组装 Markdown
// 获取阶段由 Governor 调度和重试,其余阶段不重试
type Pipeline struct {
	pool          *SessionPool
	fetcher       *Fetcher
	extractor     *Extractor
	governor      *Governor
	assets        AssetDownloader
	builder       *MarkdownBuilder
	includeImages bool
	metrics       *monitoring.Metrics
}

// PipelineConfig 流水线依赖
type PipelineConfig struct {
	Pool          *SessionPool
	Fetcher       *Fetcher
	Extractor     *Extractor
	Governor      *Governor
	Assets        AssetDownloader // IncludeImages 为 false 时可为 nil
	Builder       *MarkdownBuilder
	IncludeImages bool
	Metrics       *monitoring.Metrics
}

// NewPipeline 创建流水线
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		pool:          cfg.Pool,
		fetcher:       cfg.Fetcher,
		extractor:     cfg.Extractor,
		governor:      cfg.Governor,
		assets:        cfg.Assets,
		builder:       cfg.Builder,
		includeImages: cfg.IncludeImages && cfg.Assets != nil,
		metrics:       cfg.Metrics,
	}
}

// Convert 转换一个URL,总是返回非空结果
// 获取失败、会话池错误和内部 panic 都记录为 Failed,不向上抛出
func (p *Pipeline) Convert(ctx context.Context, rawURL string, depth int) (result *models.PageResult) {
	result = &models.PageResult{URL: rawURL, Depth: depth}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("url", rawURL).
				Str("stack", string(debug.Stack())).
				Msgf("页面转换发生panic: %v", r)
			result.Markdown = ""
			result.MarkFailed(fmt.Sprintf("内部错误: %v", r))
		}
		p.metrics.IncPage(string(result.Outcome))
	}()

	fetched, outcome := p.fetch(ctx, rawURL, result)
	result.RetryCount = outcome.Request.RetryCount()
	if outcome.Err != nil {
		result.MarkFailed(models.ErrorReason(outcome.Err))
		utils.Warnf("❌ 页面获取失败 [%s]: %v", rawURL, outcome.Err)
		return result
	}

	result.FinalURL = fetched.FinalURL
	result.StatusCode = fetched.StatusCode
	result.FetchDuration = fetched.Duration
	p.metrics.ObserveFetch(hostOf(fetched.FinalURL), fetched.Duration)

	content := p.extractor.Extract(fetched.HTML, fetched.FinalURL)
	result.Title = content.Title
	result.Links = content.Links
	result.Empty = content.Empty

	failedImages := p.downloadImages(ctx, content, result)

	markdown, err := p.builder.Build(content, rawURL, result.ImageMap())
	if err != nil {
		result.MarkFailed(err.Error())
		return result
	}
	result.Markdown = markdown

	switch {
	case content.Empty:
		result.Outcome = models.OutcomePartial
		result.Error = "未提取到正文"
	case failedImages > 0:
		result.Outcome = models.OutcomePartial
		result.Error = fmt.Sprintf("%d 张图片下载失败", failedImages)
	default:
		result.Outcome = models.OutcomeSuccess
	}

	log.Debug().
		Str("url", rawURL).
		Str("selector", content.Selector).
		Int("images", len(result.Images)).
		Int("links", len(result.Links)).
		Int("retries", result.RetryCount).
		Msg("页面转换完成")
	return result
}

// fetch 在 Governor 调度下租用会话并获取页面,每次尝试后立即归还会话
// 域名间隔在租到会话之后等待,保证间隔约束作用于真正的导航
func (p *Pipeline) fetch(ctx context.Context, rawURL string, result *models.PageResult) (*FetchResult, Outcome) {
	var fetched *FetchResult
	outcome := p.governor.Execute(ctx, rawURL, func(ctx context.Context) error {
		session, err := p.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		if err := p.governor.Pace(ctx, rawURL); err != nil {
			p.pool.Release(session, true)
			return err
		}
		res, err := p.fetcher.Fetch(ctx, session, rawURL)
		p.pool.Release(session, sessionHealthy(err))
		if err != nil {
			if res != nil && res.StatusCode != 0 {
				result.StatusCode = res.StatusCode
			}
			return err
		}
		fetched = res
		return nil
	})
	return fetched, outcome
}

// downloadImages 下载正文中的图片,返回失败数量
func (p *Pipeline) downloadImages(ctx context.Context, content *Content, result *models.PageResult) int {
	result.Images = make([]models.ImageRef, 0, len(content.Images))
	failed := 0
	for _, img := range content.Images {
		if p.includeImages {
			local, err := p.assets.Download(ctx, img.URL)
			if err != nil {
				img.Error = err.Error()
				failed++
				log.Debug().Str("image", img.URL).Err(err).Msg("图片下载失败")
			} else {
				img.LocalPath = local
			}
		}
		result.Images = append(result.Images, img)
	}
	return failed
}

// sessionHealthy 超时和网络错误后页面状态不可信,不再复用
func sessionHealthy(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, models.ErrFetchTimeout) && !errors.Is(err, models.ErrFetchNetwork)
}
