package crawlers

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/monitoring"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
	"github.com/gocolly/colly/v2"
	"golang.org/x/sync/singleflight"
)

// AssetsDirName 图片目录名(相对输出目录)
const AssetsDirName = "assets"

const maxAssetSize = 20 << 20

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".svg": true, ".avif": true, ".bmp": true, ".ico": true,
}

// AssetDownloader 图片下载器
// 同一次运行内对同一URL幂等,返回相对输出目录的路径
type AssetDownloader interface {
	Download(ctx context.Context, url string) (string, error)
}

// CollyAssetDownloader 用 colly 下载图片,按URL和内容哈希去重
type CollyAssetDownloader struct {
	outputDir string
	headers   models.HeaderProvider
	metrics   *monitoring.Metrics
	base      *colly.Collector

	group  singleflight.Group
	mu     sync.Mutex
	byURL  map[string]string
	byHash map[string]string
}

// NewCollyAssetDownloader 创建下载器,文件写入 outputDir/assets
func NewCollyAssetDownloader(outputDir string, headers models.HeaderProvider, metrics *monitoring.Metrics) *CollyAssetDownloader {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(maxAssetSize),
	)
	c.WithTransport(&http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	})
	c.SetRequestTimeout(30 * time.Second)

	return &CollyAssetDownloader{
		outputDir: outputDir,
		headers:   headers,
		metrics:   metrics,
		base:      c,
		byURL:     make(map[string]string),
		byHash:    make(map[string]string),
	}
}

// Download 下载图片并返回 "assets/<hash><ext>"
func (d *CollyAssetDownloader) Download(ctx context.Context, rawURL string) (string, error) {
	if p, ok := d.cached(rawURL); ok {
		return p, nil
	}

	// 同一URL同时只有一个下载;上一次下载刚结束时在这里命中缓存
	v, err, _ := d.group.Do(rawURL, func() (interface{}, error) {
		if p, ok := d.cached(rawURL); ok {
			return p, nil
		}
		return d.fetch(ctx, rawURL)
	})
	if err != nil {
		d.metrics.IncAsset("failed")
		return "", err
	}
	return v.(string), nil
}

func (d *CollyAssetDownloader) cached(rawURL string) (string, bool) {
	d.mu.Lock()
	p, ok := d.byURL[rawURL]
	d.mu.Unlock()
	if ok {
		d.metrics.IncAsset("reused")
	}
	return p, ok
}

func (d *CollyAssetDownloader) fetch(ctx context.Context, rawURL string) (string, error) {
	var headers http.Header
	if d.headers != nil {
		h, err := d.headers.GetHeaders()
		if err != nil {
			return "", err
		}
		headers = h
		headers.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
	}

	c := d.base.Clone()
	c.Context = ctx

	var (
		body        []byte
		status      int
		contentType string
	)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		contentType = r.Headers.Get("Content-Type")
		decoded, err := decodeBody(r.Headers.Get("Content-Encoding"), r.Body)
		if err != nil {
			decoded = r.Body
		}
		body = decoded
	})

	if err := c.Request(http.MethodGet, rawURL, nil, nil, headers); err != nil && status == 0 {
		return "", fmt.Errorf("下载图片失败 [%s]: %w", rawURL, err)
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("下载图片失败 [%s]: HTTP %d", rawURL, status)
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.byHash[hash]; ok {
		d.byURL[rawURL] = p
		d.metrics.IncAsset("reused")
		return p, nil
	}

	name := hash[:12] + assetExt(rawURL, contentType)
	rel := path.Join(AssetsDirName, name)
	dst := filepath.Join(d.outputDir, AssetsDirName, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", &models.AssemblerWriteError{Path: dst, Cause: err}
	}
	if err := os.WriteFile(dst, body, 0644); err != nil {
		return "", &models.AssemblerWriteError{Path: dst, Cause: err}
	}

	d.byHash[hash] = rel
	d.byURL[rawURL] = rel
	d.metrics.IncAsset("downloaded")
	utils.Debugf("下载图片: %s -> %s", rawURL, rel)
	return rel, nil
}

// assetExt 优先取URL后缀,其次按 Content-Type 推断
func assetExt(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); imageExts[ext] {
			return ext
		}
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "image/jpeg":
			return ".jpg"
		case "image/svg+xml":
			return ".svg"
		}
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}
