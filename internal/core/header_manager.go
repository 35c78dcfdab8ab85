package core

import (
	"net/http"
	"sync"

	"github.com/RecoveryAshes/mdcrawl/internal/config"
	"github.com/RecoveryAshes/mdcrawl/internal/models"
	"github.com/RecoveryAshes/mdcrawl/internal/utils"
)

// DefaultUserAgent 默认User-Agent,模拟桌面Chrome
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/124.0.0.0 Safari/537.36"

// HeaderManager 合并 默认 < headers.yaml < 命令行 三层头部
// 实现 models.HeaderProvider,可被多个会话并发读取
type HeaderManager struct {
	defaults http.Header
	cli      http.Header

	validator    *utils.HeaderValidator
	redactor     *utils.HeaderRedactor
	configLoader *config.HeaderConfigLoader

	mu     sync.Mutex
	merged http.Header
	err    error
	loaded bool
}

// NewHeaderManager 创建头部管理器
// configFile 为空时使用 configs/headers.yaml;命令行头部格式错误时返回错误
func NewHeaderManager(configFile string, cliHeaders []string) (*HeaderManager, error) {
	cli, err := models.CliHeaders(cliHeaders).Parse()
	if err != nil {
		return nil, err
	}

	return &HeaderManager{
		defaults:     DefaultHeaders(),
		cli:          cli,
		validator:    utils.NewHeaderValidator(),
		redactor:     utils.NewHeaderRedactor(),
		configLoader: config.NewHeaderConfigLoader(configFile),
	}, nil
}

// DefaultHeaders 返回浏览器风格的默认头部
func DefaultHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", DefaultUserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

// GetHeaders 首次调用时加载并校验配置,之后返回缓存结果的副本
func (hm *HeaderManager) GetHeaders() (http.Header, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if !hm.loaded {
		hm.merged, hm.err = hm.load()
		hm.loaded = true
	}
	if hm.err != nil {
		return nil, hm.err
	}
	return hm.merged.Clone(), nil
}

func (hm *HeaderManager) load() (http.Header, error) {
	fileHeaders, err := hm.configLoader.LoadHeaders()
	if err != nil {
		utils.Errorf("加载HTTP头部配置失败: %v", err)
		return nil, err
	}

	layers := []struct {
		name    string
		headers http.Header
	}{
		{"默认", hm.defaults},
		{"配置文件", fileHeaders},
		{"命令行", hm.cli},
	}

	merged := make(http.Header)
	for _, layer := range layers {
		if err := hm.validator.Validate(layer.headers); err != nil {
			utils.Errorf("%s头部验证失败: %v", layer.name, err)
			return nil, err
		}
		for name, values := range layer.headers {
			merged[name] = values
		}
	}

	utils.Debugf("请求头部: %s", hm.redactor.RedactToString(merged))
	return merged, nil
}

// GetSafeHeaders 返回脱敏后的合并头部,用于日志和诊断
func (hm *HeaderManager) GetSafeHeaders() (map[string]string, error) {
	h, err := hm.GetHeaders()
	if err != nil {
		return nil, err
	}
	return hm.redactor.Redact(h), nil
}
