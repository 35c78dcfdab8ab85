// Package crawlers 提供网页获取、正文提取和站点抓取功能
//
// # 概述
//
// crawlers包把一个URL或一个站点转换为Markdown页面。页面获取支持动态(go-rod)
// 和静态(Colly)两种驱动,上层组件只依赖 Driver/Page 接口。
//
// # 核心组件
//
// ## SessionPool (会话池)
//
// 管理浏览器页面会话的租借,任何时刻租出的会话数不超过上限。
// 上限取配置值与 ResourceMonitor 计算值中的较小者。
//
//	pool := NewSessionPool(driver, SessionPoolConfig{MaxSessions: 4, AcquireTimeout: 30 * time.Second})
//	defer pool.Shutdown()
//
//	session, err := pool.Acquire(ctx)
//	if err != nil { /* PoolExhaustedError / ErrPoolShuttingDown / PoolCreationError */ }
//	defer pool.Release(session, true)
//
// ## Fetcher (页面获取器)
//
// 在会话上导航,可选地关闭Cookie弹窗并等待动态内容就绪,返回HTML和状态分类。
//
// ## Extractor (正文提取器)
//
// 按固定顺序尝试选择器规则,第一个文本长度超过阈值的区域即为正文,全部失败时回退到 body。
// 同时提取标题、描述、作者、规范URL、图片和站内链接。
//
// ## Governor (调度器)
//
// 全局并发上限(semaphore)、每域名请求间隔(rate.Limiter)和按错误分类的指数退避重试。
// 域名间隔由 Pace 在租到会话之后、导航之前等待。
// 每个请求对应一个 RetryableRequest 状态机:
//
//	Pending → InFlight → Succeeded
//	                   → Retrying → InFlight ...
//	                   → Exhausted
//
// ## Pipeline (单页流水线)
//
//	租会话 → 获取 → 释放 → 提取 → 下载图片 → 组装Markdown
//
// ## Orchestrator (站点抓取)
//
// 广度优先、有界(MaxDepth/MaxPages)的抓取。CrawlJob 的已访问集合和待抓取队列
// 只由调度循环读写。取消后不再调度新页面,进行中的页面会完成并计入结果。
//
//	orch := NewOrchestrator(pipeline, OrchestratorConfig{MaxDepth: 3, MaxPages: 100, ConcurrentLimit: 30})
//	result, err := orch.Crawl(ctx, "https://example.com/docs")
//
// # 并发安全
//
//   - SessionPool: 槽位channel + sync.Mutex
//   - Governor: semaphore.Weighted + 每域名 rate.Limiter
//   - CollyAssetDownloader: singleflight + sync.Mutex
//   - ResourceMonitor: sync.RWMutex
//   - CrawlJob: 不加锁,只能由调度循环使用
package crawlers
