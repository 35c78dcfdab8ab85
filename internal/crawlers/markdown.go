package crawlers

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"
)

// EmptyContentNote 未提取到正文时写入的说明
const EmptyContentNote = "> No content could be extracted from this page."

// frontmatter 页面元数据
type frontmatter struct {
	Title       string `yaml:"title"`
	Source      string `yaml:"source"`
	Canonical   string `yaml:"canonical,omitempty"`
	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`
	CapturedAt  string `yaml:"captured_at"`
}

// MarkdownBuilder 把提取结果组装成 Markdown 文档
type MarkdownBuilder struct {
	includeMeta bool
	now         func() time.Time
}

// NewMarkdownBuilder 创建组装器
func NewMarkdownBuilder(includeMeta bool) *MarkdownBuilder {
	return &MarkdownBuilder{includeMeta: includeMeta, now: time.Now}
}

// Build 生成文档: frontmatter(可选) → H1 标题 → 正文
// images 为 原始URL -> 本地相对路径,命中的图片引用会被改写
func (b *MarkdownBuilder) Build(c *Content, sourceURL string, images map[string]string) (string, error) {
	title := c.Title
	if title == "" {
		title = sourceURL
	}

	var out strings.Builder
	if b.includeMeta {
		meta, err := yaml.Marshal(frontmatter{
			Title:       title,
			Source:      sourceURL,
			Canonical:   c.CanonicalURL,
			Description: c.Description,
			Author:      c.Author,
			CapturedAt:  b.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return "", fmt.Errorf("生成frontmatter失败: %w", err)
		}
		out.WriteString("---\n")
		out.Write(meta)
		out.WriteString("---\n\n")
	}

	out.WriteString("# ")
	out.WriteString(title)
	out.WriteString("\n\n")

	if c.Empty {
		out.WriteString(EmptyContentNote)
		out.WriteString("\n")
		return out.String(), nil
	}

	body, err := b.convertBody(c, images)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(body) == "" {
		out.WriteString(EmptyContentNote)
		out.WriteString("\n")
		return out.String(), nil
	}
	out.WriteString(body)
	out.WriteString("\n")
	return out.String(), nil
}

// convertBody 改写图片和链接地址后转换为 Markdown
func (b *MarkdownBuilder) convertBody(c *Content, images map[string]string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(c.HTML))
	if err != nil {
		return "", fmt.Errorf("解析正文HTML失败: %w", err)
	}
	base, _ := url.Parse(c.BaseURL)

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		abs := imageSource(s, base)
		if abs == "" {
			return
		}
		if local, ok := images[abs]; ok {
			s.SetAttr("src", local)
		} else {
			s.SetAttr("src", abs)
		}
		s.RemoveAttr("data-src")
		s.RemoveAttr("srcset")
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if abs := resolveURL(base, s.AttrOr("href", "")); abs != "" {
			s.SetAttr("href", abs)
		}
	})

	rewritten, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("序列化正文HTML失败: %w", err)
	}

	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	body, err := conv.ConvertString(rewritten)
	if err != nil {
		return "", fmt.Errorf("转换Markdown失败: %w", err)
	}
	return strings.TrimSpace(body), nil
}
