package models

import "time"

// PageOutcome 单页转换结果
type PageOutcome string

const (
	OutcomeSuccess PageOutcome = "success" // 成功
	OutcomePartial PageOutcome = "partial" // 部分成功(正文为空或图片缺失)
	OutcomeFailed  PageOutcome = "failed"  // 失败
)

// ImageRef 页面中的图片引用
type ImageRef struct {
	URL       string `json:"url"`                  // 原始绝对URL
	Alt       string `json:"alt,omitempty"`        // 替代文本
	LocalPath string `json:"local_path,omitempty"` // 下载后的相对路径
	Error     string `json:"error,omitempty"`      // 下载失败原因
}

// PageResult 单个URL的转换结果
// 由产生它的抓取任务独占,写入输出后不再修改
type PageResult struct {
	Sequence      int           `json:"sequence"`              // 调度序号(从1开始)
	URL           string        `json:"url"`                   // 源URL
	FinalURL      string        `json:"final_url,omitempty"`   // 重定向后的URL
	Depth         int           `json:"depth"`                 // 发现深度
	StatusCode    int           `json:"status_code,omitempty"` // HTTP状态码
	Outcome       PageOutcome   `json:"outcome"`               // 结果
	Title         string        `json:"title,omitempty"`       // 页面标题
	Markdown      string        `json:"-"`                     // Markdown正文
	Images        []ImageRef    `json:"images,omitempty"`      // 图片引用
	Links         []string      `json:"links,omitempty"`       // 发现的站内链接
	Empty         bool          `json:"empty,omitempty"`       // 未提取到正文
	Error         string        `json:"error,omitempty"`       // 失败原因
	FetchDuration time.Duration `json:"fetch_duration"`        // 获取耗时
	RetryCount    int           `json:"retry_count"`           // 重试次数
	OutputFile    string        `json:"output_file,omitempty"` // 写入的文件(相对输出目录)
}

// ImageMap 返回 原始URL -> 本地路径 的映射(仅包含下载成功的图片)
func (p *PageResult) ImageMap() map[string]string {
	m := make(map[string]string, len(p.Images))
	for _, img := range p.Images {
		if img.LocalPath != "" {
			m[img.URL] = img.LocalPath
		}
	}
	return m
}

// DisplayTitle 返回用于展示的标题
func (p *PageResult) DisplayTitle() string {
	if p.Title != "" {
		return p.Title
	}
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}

// MarkFailed 将页面标记为失败
func (p *PageResult) MarkFailed(reason string) {
	p.Outcome = OutcomeFailed
	p.Error = reason
}
