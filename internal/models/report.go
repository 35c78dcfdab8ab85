package models

import (
	"encoding/json"
	"time"
)

// CrawlReport 抓取报告,写入 crawl_report.json
type CrawlReport struct {
	// 任务信息
	JobID     string      `json:"job_id"`
	RootURL   string      `json:"root_url"`
	Domain    string      `json:"domain"`
	Mode      CrawlMode   `json:"mode"`
	Status    CrawlStatus `json:"status"`
	OutputDir string      `json:"output_dir"`

	// 时间信息
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration"` // 秒

	// 统计信息
	Stats CrawlStatistics `json:"stats"`

	// 页面列表
	Pages       []PageEntry       `json:"pages"`
	FailedPages []FailedPageEntry `json:"failed_pages"`

	// 配置快照
	Config CrawlConfig `json:"config"`
}

// PageEntry 成功或部分成功的页面
type PageEntry struct {
	Sequence   int         `json:"sequence"`
	URL        string      `json:"url"`
	FinalURL   string      `json:"final_url,omitempty"`
	Title      string      `json:"title"`
	File       string      `json:"file"`
	Outcome    PageOutcome `json:"outcome"`
	Depth      int         `json:"depth"`
	Images     int         `json:"images"`
	RetryCount int         `json:"retry_count"`
	FetchMs    int64       `json:"fetch_ms"`
	Note       string      `json:"note,omitempty"`
}

// FailedPageEntry 失败页面
type FailedPageEntry struct {
	Sequence int    `json:"sequence"`
	URL      string `json:"url"`
	File     string `json:"file,omitempty"`
	Reason   string `json:"reason"`
	Retries  int    `json:"retries"`
}

// NewCrawlReport 从页面结果构建报告
func NewCrawlReport(jobID, rootURL, domain string, cfg CrawlConfig, status CrawlStatus, stats CrawlStatistics, pages []*PageResult) *CrawlReport {
	report := &CrawlReport{
		JobID:       jobID,
		RootURL:     rootURL,
		Domain:      domain,
		Mode:        cfg.Mode,
		Status:      status,
		Stats:       stats,
		Config:      cfg,
		Pages:       make([]PageEntry, 0, len(pages)),
		FailedPages: make([]FailedPageEntry, 0),
	}
	for _, p := range pages {
		if p.Outcome == OutcomeFailed {
			report.FailedPages = append(report.FailedPages, FailedPageEntry{
				Sequence: p.Sequence,
				URL:      p.URL,
				File:     p.OutputFile,
				Reason:   p.Error,
				Retries:  p.RetryCount,
			})
			continue
		}
		report.Pages = append(report.Pages, PageEntry{
			Sequence:   p.Sequence,
			URL:        p.URL,
			FinalURL:   p.FinalURL,
			Title:      p.DisplayTitle(),
			File:       p.OutputFile,
			Outcome:    p.Outcome,
			Depth:      p.Depth,
			Images:     len(p.ImageMap()),
			RetryCount: p.RetryCount,
			FetchMs:    p.FetchDuration.Milliseconds(),
			Note:       p.Error,
		})
	}
	return report
}

// ToJSON 序列化为JSON
func (r *CrawlReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON 从JSON反序列化
func (r *CrawlReport) FromJSON(data []byte) error {
	return json.Unmarshal(data, r)
}
