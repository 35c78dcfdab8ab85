package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/crawlers"
	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
)

// IndexFileName 输出目录的入口文件
const IndexFileName = "index.md"

// Assembler 把页面结果写入输出目录
//
// 单页: <base>/<标题slug>/index.md + assets/
// 站点: <base>/<域名>_<日期>/index.md + page1.md, page2.md ... + assets/
type Assembler struct {
	baseDir string
}

// NewAssembler 创建输出组装器
func NewAssembler(baseDir string) *Assembler {
	return &Assembler{baseDir: baseDir}
}

// SiteWriter 一次站点抓取的输出目录
type SiteWriter struct {
	dir     string
	rootURL string
	domain  string
}

// NewSiteWriter 创建站点输出目录 <base>/<域名>_<YYYY-MM-DD>
func (a *Assembler) NewSiteWriter(rootURL string, start time.Time) (*SiteWriter, error) {
	domain := utils.HostDirName(rootURL)
	dir := filepath.Join(a.baseDir, fmt.Sprintf("%s_%s", domain, start.Format("2006-01-02")))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &models.AssemblerWriteError{Path: dir, Cause: err}
	}
	utils.Debugf("站点输出目录: %s", dir)
	return &SiteWriter{dir: dir, rootURL: rootURL, domain: domain}, nil
}

// Dir 站点输出目录,图片下载到其下的 assets/
func (w *SiteWriter) Dir() string {
	return w.dir
}

// WritePage 写入 page<序号>.md
// 失败页面不写文件;写盘失败时页面被标记为失败并返回 AssemblerWriteError
func (w *SiteWriter) WritePage(p *models.PageResult) error {
	if p.Outcome == models.OutcomeFailed {
		return nil
	}
	name := fmt.Sprintf("page%d.md", p.Sequence)
	if err := writeOutput(filepath.Join(w.dir, name), p.Markdown); err != nil {
		p.MarkFailed(models.ErrorReason(err))
		utils.Errorf("❌ 写入页面失败 [%s]: %v", p.URL, err)
		return err
	}
	p.OutputFile = name
	return nil
}

// Finalize 写入 index.md 和 crawl_report.json
func (w *SiteWriter) Finalize(result *crawlers.CrawlResult, cfg models.CrawlConfig) (indexPath, reportPath string, err error) {
	indexPath = filepath.Join(w.dir, IndexFileName)
	if err := writeOutput(indexPath, renderSiteIndex(w.domain, result)); err != nil {
		return "", "", err
	}

	report := models.NewCrawlReport(result.JobID, result.RootURL, w.domain, cfg, result.Status, result.Stats, result.Pages)
	report.StartTime = result.StartTime
	report.EndTime = result.EndTime
	report.Duration = result.EndTime.Sub(result.StartTime).Seconds()

	reportPath, err = utils.NewReporter(w.dir).GenerateReport(report)
	if err != nil {
		return indexPath, "", err
	}
	return indexPath, reportPath, nil
}

// PageWriter 单页输出
// 图片先下载到临时目录,提交时改名为按标题命名的目录
type PageWriter struct {
	baseDir string
	staging string
}

// NewPageWriter 在输出根目录下创建临时目录
func (a *Assembler) NewPageWriter() (*PageWriter, error) {
	if err := os.MkdirAll(a.baseDir, 0755); err != nil {
		return nil, &models.AssemblerWriteError{Path: a.baseDir, Cause: err}
	}
	staging, err := os.MkdirTemp(a.baseDir, ".mdcrawl-")
	if err != nil {
		return nil, &models.AssemblerWriteError{Path: a.baseDir, Cause: err}
	}
	return &PageWriter{baseDir: a.baseDir, staging: staging}, nil
}

// StagingDir 临时目录
func (w *PageWriter) StagingDir() string {
	return w.staging
}

// Commit 写入 index.md,把临时目录改名为 <标题slug>,返回最终目录
// 同名目录已存在时追加 -2、-3 ...
func (w *PageWriter) Commit(p *models.PageResult) (string, error) {
	content := p.Markdown
	if p.Outcome == models.OutcomeFailed {
		content = renderFailedPage(p)
	}
	if err := writeOutput(filepath.Join(w.staging, IndexFileName), content); err != nil {
		p.MarkFailed(models.ErrorReason(err))
		return "", err
	}

	dir, err := uniqueDir(w.baseDir, pageDirName(p))
	if err != nil {
		return "", err
	}
	if err := os.Rename(w.staging, dir); err != nil {
		return "", &models.AssemblerWriteError{Path: dir, Cause: err}
	}
	w.staging = ""
	p.OutputFile = IndexFileName
	return dir, nil
}

// Discard 删除未提交的临时目录
func (w *PageWriter) Discard() {
	if w.staging == "" {
		return
	}
	if err := os.RemoveAll(w.staging); err != nil {
		utils.Warnf("清理临时目录失败 [%s]: %v", w.staging, err)
	}
	w.staging = ""
}

func pageDirName(p *models.PageResult) string {
	if slug := utils.Slugify(p.Title); slug != "" {
		return slug
	}
	return utils.HostDirName(p.URL)
}

func uniqueDir(base, name string) (string, error) {
	candidate := filepath.Join(base, name)
	for i := 2; ; i++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", &models.AssemblerWriteError{Path: candidate, Cause: err}
		}
		candidate = filepath.Join(base, fmt.Sprintf("%s-%d", name, i))
	}
}

func writeOutput(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return &models.AssemblerWriteError{Path: path, Cause: err}
	}
	return nil
}

func renderFailedPage(p *models.PageResult) string {
	return fmt.Sprintf("# %s\n\n> ❌ 转换失败: %s\n", p.URL, p.Error)
}

// renderSiteIndex 站点索引: 摘要 + 按序号列出所有页面,失败页面只列原因
func renderSiteIndex(domain string, result *crawlers.CrawlResult) string {
	var b strings.Builder
	s := result.Stats

	fmt.Fprintf(&b, "# %s\n\n", domain)
	fmt.Fprintf(&b, "- 入口: <%s>\n", result.RootURL)
	fmt.Fprintf(&b, "- 状态: %s\n", result.Status)
	fmt.Fprintf(&b, "- 开始时间: %s\n", result.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "- 耗时: %.1f秒\n\n", result.EndTime.Sub(result.StartTime).Seconds())

	b.WriteString("## 摘要\n\n")
	b.WriteString("| 尝试 | 成功 | 部分成功 | 失败 | 跳过 |\n")
	b.WriteString("|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d |\n\n", s.Processed, s.Succeeded, s.Partial, s.Errors, s.Skipped)

	b.WriteString("## 页面\n\n")
	if len(result.Pages) == 0 {
		b.WriteString("_没有抓取到页面_\n")
	}
	for _, p := range result.Pages {
		switch p.Outcome {
		case models.OutcomeFailed:
			fmt.Fprintf(&b, "%d. ❌ <%s> 失败: %s\n", p.Sequence, p.URL, p.Error)
		case models.OutcomePartial:
			fmt.Fprintf(&b, "%d. [%s](%s) ⚠️ %s\n", p.Sequence, escapeLinkText(p.DisplayTitle()), p.OutputFile, p.Error)
		default:
			fmt.Fprintf(&b, "%d. [%s](%s)\n", p.Sequence, escapeLinkText(p.DisplayTitle()), p.OutputFile)
		}
	}
	return b.String()
}

var linkTextEscaper = strings.NewReplacer(`[`, `\[`, `]`, `\]`, "\n", " ")

func escapeLinkText(s string) string {
	return linkTextEscaper.Replace(s)
}
