package utils

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
	"unicode"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
)

// ReadURLsFromFile 从文件中读取URL列表
func ReadURLsFromFile(filepath string) ([]string, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("打开URL文件失败: %w", err)
	}
	defer file.Close()

	urls := make([]string, 0)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// 跳过空行和注释行
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := models.ValidateURL(line); err != nil {
			Warnf("跳过无效URL (行 %d): %s - %v", lineNum, line, err)
			continue
		}

		urls = append(urls, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取URL文件失败: %w", err)
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("URL文件中没有有效的URL")
	}

	Infof("从文件加载了 %d 个URL", len(urls))
	return urls, nil
}

const maxSlugRunes = 80

// Slugify 把标题转换为安全的目录名
// 保留字母(含中日韩文字)和数字,其余字符折叠为 "-"
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	count := 0
	for _, r := range strings.ToLower(title) {
		if count >= maxSlugRunes {
			break
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
			count++
		case r == '_' && !lastDash:
			b.WriteRune(r)
			count++
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
				count++
			}
		}
	}
	return strings.Trim(b.String(), "-_")
}

// SanitizeFilename 清理文件名,去掉路径分隔符和上级目录引用
// 结果为空时返回 fallback
func SanitizeFilename(name, fallback string) string {
	name = strings.ReplaceAll(name, "..", "")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == 0:
			b.WriteByte('_')
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return fallback
	}
	return out
}

// HostDirName 返回主机名对应的目录名,端口中的冒号替换为下划线
func HostDirName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "site"
	}
	return SanitizeFilename(strings.ToLower(u.Host), "site")
}
