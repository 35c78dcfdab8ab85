package crawlers

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"golang.org/x/net/html"
)

// contentRule 一条正文定位规则,按顺序尝试
type contentRule struct {
	name     string
	selector string
}

// contentRules 正文区域候选,越靠前优先级越高
var contentRules = []contentRule{
	{"main", "main"},
	{"article", "article"},
	{"role-main", `[role="main"]`},
	{"content", ".content"},
	{"content-id", "#content"},
	{"article-class", ".article"},
	{"post-content", ".post-content"},
	{"main-content", ".main-content"},
	{"markdown-body", ".markdown-body"},
	{"documentation", ".documentation"},
	{"docs-content", ".docs-content"},
	{"article-content", ".article-content"},
	{"post-body", ".post-body"},
	{"entry-content", ".entry-content"},
	{"blog-post", ".blog-post"},
	{"page-content", ".page-content"},
	{"generic-div", `div[class*="content"], div[class*="article"], div[class*="post"]`},
	{"layout-main", ".container main, .wrapper main, .layout main"},
	{"main-content-id", "#main-content"},
	{"primary", "#primary"},
}

// blockElements 文本提取时在这些元素前后换行
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"header": true, "footer": true, "aside": true, "nav": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "dl": true, "dt": true, "dd": true,
	"table": true, "tr": true, "pre": true, "blockquote": true,
	"figure": true, "figcaption": true, "br": true, "hr": true,
}

// Content 提取结果
type Content struct {
	Title        string
	Description  string
	Author       string
	CanonicalURL string
	BaseURL      string // 解析相对地址使用的基准(含 <base href>)
	Selector     string // 命中的规则名,body 表示回退
	HTML         string // 正文区域的HTML
	Text         string
	Images       []models.ImageRef
	Links        []string
	Empty        bool
}

// ExtractorConfig 提取器配置
type ExtractorConfig struct {
	MinContentLength int      // 文本长度需超过该值才算命中
	AllowedDomains   []string // 链接除同源外还允许的域名
}

// Extractor 正文提取器,无状态,可并发使用
type Extractor struct {
	minLength int
	allowed   []string
}

// NewExtractor 创建提取器
func NewExtractor(cfg ExtractorConfig) *Extractor {
	return &Extractor{minLength: cfg.MinContentLength, allowed: cfg.AllowedDomains}
}

// Extract 从HTML中定位正文并提取元数据、图片和链接
// 不返回错误: 无法解析或没有任何文本时 Empty 为 true
func (e *Extractor) Extract(rawHTML, pageURL string) *Content {
	content := &Content{CanonicalURL: pageURL}

	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		content.Empty = true
		return content
	}
	doc := goquery.NewDocumentFromNode(root)
	doc.Find("script, style, noscript, template").Remove()

	base, _ := url.Parse(pageURL)
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && base != nil {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	if base != nil {
		content.BaseURL = base.String()
	}
	e.extractMeta(doc, base, content)

	region, name, text := e.locateContent(doc)
	content.Selector = name
	content.Text = text
	if region == nil || text == "" {
		content.Empty = true
	} else {
		content.HTML, _ = goquery.OuterHtml(region)
		content.Images = extractImages(region, base)
	}

	content.Links = e.extractLinks(doc, base)
	return content
}

// locateContent 依次尝试规则,返回第一个文本长度超过阈值的元素,全部失败时回退到 body
func (e *Extractor) locateContent(doc *goquery.Document) (*goquery.Selection, string, string) {
	for _, rule := range contentRules {
		var (
			found *goquery.Selection
			text  string
		)
		doc.Find(rule.selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			t := sanitizeText(blockText(s))
			if utf8.RuneCountInString(t) > e.minLength {
				found, text = s, t
				return false
			}
			return true
		})
		if found != nil {
			return found, rule.name, text
		}
	}

	body := doc.Find("body").First()
	if body.Length() == 0 {
		return nil, "body", ""
	}
	return body, "body", sanitizeText(blockText(body))
}

func (e *Extractor) extractMeta(doc *goquery.Document, base *url.URL, c *Content) {
	c.Title = firstNonEmpty(
		doc.Find("title").First().Text(),
		metaContent(doc, `meta[property="og:title"]`),
	)
	c.Description = firstNonEmpty(
		metaContent(doc, `meta[name="description"]`),
		metaContent(doc, `meta[property="og:description"]`),
	)
	c.Author = firstNonEmpty(
		metaContent(doc, `meta[name="author"]`),
		metaContent(doc, `meta[property="article:author"]`),
	)

	canonical, _ := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	if canonical == "" {
		canonical = metaContent(doc, `meta[property="og:url"]`)
	}
	if abs := resolveURL(base, canonical); abs != "" {
		c.CanonicalURL = abs
	}
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.Join(strings.Fields(v), " "); v != "" {
			return v
		}
	}
	return ""
}

func extractImages(region *goquery.Selection, base *url.URL) []models.ImageRef {
	var images []models.ImageRef
	seen := make(map[string]bool)
	region.Find("img").Each(func(_ int, s *goquery.Selection) {
		abs := imageSource(s, base)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		images = append(images, models.ImageRef{URL: abs, Alt: strings.TrimSpace(s.AttrOr("alt", ""))})
	})
	return images
}

// imageSource 返回图片的绝对地址,懒加载图片取 data-src,内联 data: 图片返回空
func imageSource(s *goquery.Selection, base *url.URL) string {
	src := strings.TrimSpace(s.AttrOr("src", ""))
	if src == "" || strings.HasPrefix(src, "data:") {
		src = strings.TrimSpace(s.AttrOr("data-src", ""))
	}
	if src == "" || strings.HasPrefix(src, "data:") {
		return ""
	}
	return resolveURL(base, src)
}

// extractLinks 收集同源或允许域名下的 http(s) 链接,按文档顺序去重
func (e *Extractor) extractLinks(doc *goquery.Document, base *url.URL) []string {
	if base == nil {
		return nil
	}
	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		u := base.ResolveReference(ref)
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		if !models.SameOrigin(u, base) && !models.HostAllowed(u.Hostname(), e.allowed) {
			return
		}
		normalized, err := models.NormalizeURL(u.String())
		if err != nil || seen[normalized] {
			return
		}
		seen[normalized] = true
		links = append(links, normalized)
	})
	return links
}

func resolveURL(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base == nil {
		if !ref.IsAbs() {
			return ""
		}
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// blockText 提取文本,块级元素之间插入换行
func blockText(s *goquery.Selection) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if blockElements[n.Data] {
				b.WriteByte('\n')
				defer b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return b.String()
}

// sanitizeText 合并空白,统一换行,去掉空段落
func sanitizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
