package models

// URLItem 待抓取队列中的一项
type URLItem struct {
	// URL 规范化后的URL
	URL string

	// Depth 发现深度
	//   - 0: 入口URL
	//   - 1: 从入口页面发现的链接
	//   - 以此类推
	Depth int

	// SourceURL 发现此URL的页面(入口为空)
	SourceURL string

	// Sequence 调度序号,出队时分配
	Sequence int
}
