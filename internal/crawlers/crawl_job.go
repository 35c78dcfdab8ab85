package crawlers

import (
	"fmt"
	"net/url"
	"time"

	"github.com/RecoveryAshes/mdcrawl/internal/models"
)

// CrawlJob 一次站点抓取的簿记: 已访问集合、待抓取队列和结果
// 只由调度循环读写,不加锁
type CrawlJob struct {
	ID        string
	RootURL   string
	StartTime time.Time

	root     *url.URL
	allowed  []string
	maxDepth int
	maxPages int

	visited   map[string]bool
	queued    map[string]bool
	pending   []models.URLItem
	results   []*models.PageResult
	scheduled int
	stats     models.CrawlStatistics
}

// NewCrawlJob 创建任务并放入入口URL(深度0)
// 只有与入口同源或主机在 allowedDomains 中的链接才会入队
func NewCrawlJob(rootURL string, maxDepth, maxPages int, allowedDomains []string) (*CrawlJob, error) {
	if err := models.ValidateURL(rootURL); err != nil {
		return nil, err
	}
	root, err := models.NormalizeURL(rootURL)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(root)
	if err != nil {
		return nil, err
	}
	if maxPages < 1 {
		return nil, fmt.Errorf("最大页面数必须大于0,当前值: %d", maxPages)
	}

	job := &CrawlJob{
		ID:        models.NewID(),
		RootURL:   root,
		StartTime: time.Now(),
		root:      parsed,
		allowed:   allowedDomains,
		maxDepth:  maxDepth,
		maxPages:  maxPages,
		visited:   make(map[string]bool),
		queued:    make(map[string]bool),
	}
	job.queued[root] = true
	job.pending = append(job.pending, models.URLItem{URL: root, Depth: 0})
	return job, nil
}

// CanSchedule 还有待抓取URL且未达到页面上限
func (j *CrawlJob) CanSchedule() bool {
	return len(j.pending) > 0 && j.scheduled < j.maxPages
}

// Next 取出下一个未访问的URL,标记为已访问并分配调度序号
func (j *CrawlJob) Next() (models.URLItem, bool) {
	for j.CanSchedule() {
		item := j.pending[0]
		j.pending = j.pending[1:]
		if j.visited[item.URL] {
			continue
		}
		j.visited[item.URL] = true
		j.scheduled++
		item.Sequence = j.scheduled
		j.stats.CurrentURL = item.URL
		return item, true
	}
	return models.URLItem{}, false
}

// Enqueue 加入在 depth 深度发现的链接,返回实际加入的数量
// 超过最大深度、不在抓取范围内、已访问或已排队的链接被忽略
func (j *CrawlJob) Enqueue(links []string, depth int, source string) int {
	if depth > j.maxDepth {
		return 0
	}
	added := 0
	for _, link := range links {
		u, err := models.NormalizeURL(link)
		if err != nil || j.visited[u] || j.queued[u] || !j.inScope(u) {
			continue
		}
		j.queued[u] = true
		j.pending = append(j.pending, models.URLItem{URL: u, Depth: depth, SourceURL: source})
		added++
	}
	return added
}

// Record 记录一个完成的页面并更新统计
func (j *CrawlJob) Record(result *models.PageResult) {
	j.results = append(j.results, result)
	j.stats.Processed++
	j.stats.Retries += result.RetryCount
	switch result.Outcome {
	case models.OutcomeSuccess:
		j.stats.Succeeded++
	case models.OutcomePartial:
		j.stats.Partial++
	default:
		j.stats.Errors++
	}
}

// inScope 链接与入口同源,或主机在允许域名中
func (j *CrawlJob) inScope(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return models.SameOrigin(u, j.root) || models.HostAllowed(u.Hostname(), j.allowed)
}

// KnownTotal 当前已知的页面总数,不超过页面上限
func (j *CrawlJob) KnownTotal() int {
	total := j.scheduled + j.unvisitedPending()
	if total > j.maxPages {
		total = j.maxPages
	}
	return total
}

func (j *CrawlJob) unvisitedPending() int {
	n := 0
	for _, item := range j.pending {
		if !j.visited[item.URL] {
			n++
		}
	}
	return n
}

// Snapshot 统计快照
func (j *CrawlJob) Snapshot() models.CrawlStatistics {
	s := j.stats
	s.Total = j.KnownTotal()
	s.Skipped = j.unvisitedPending()
	s.Elapsed = time.Since(j.StartTime)
	return s
}

// Results 已完成页面,按完成顺序
func (j *CrawlJob) Results() []*models.PageResult {
	out := make([]*models.PageResult, len(j.results))
	copy(out, j.results)
	return out
}
