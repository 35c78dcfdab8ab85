package crawlers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const mb = 1024 * 1024

// ResourceMonitor 系统资源监控器
// 根据可用内存和CPU负载给出浏览器会话数上限
type ResourceMonitor struct {
	config ResourceMonitorConfig

	totalMemory uint64

	mu           sync.RWMutex
	lastMemStats runtime.MemStats
	lastCPUUsage float64

	cacheMu       sync.Mutex
	cachedMax     int
	lastCacheTime time.Time

	cancelFunc context.CancelFunc
}

// ResourceMonitorConfig 资源监控器配置
type ResourceMonitorConfig struct {
	SafetyReserveMemory int64 // 安全保留内存(字节)
	SafetyThreshold     int64 // 安全阈值(字节)
	CPULoadThreshold    int   // CPU负载阈值(%),>=200 时不检查CPU
	SessionMemoryUsage  int64 // 单个会话平均内存消耗(字节)
	MaxSessionsLimit    int   // 绝对上限
}

// DefaultResourceMonitorConfig 默认配置: 预留1GB,阈值500MB,每个会话按100MB估算
func DefaultResourceMonitorConfig() ResourceMonitorConfig {
	return ResourceMonitorConfig{
		SafetyReserveMemory: 1024 * mb,
		SafetyThreshold:     500 * mb,
		CPULoadThreshold:    80,
		SessionMemoryUsage:  100 * mb,
		MaxSessionsLimit:    32,
	}
}

// MemoryStatus 内存状态
type MemoryStatus struct {
	TotalMemory     uint64
	AllocatedMemory uint64
	AvailableMemory int64
	MemoryPressure  string // normal / warning / critical / emergency
}

// NewResourceMonitor 创建资源监控器
func NewResourceMonitor(config ResourceMonitorConfig) *ResourceMonitor {
	if config.SessionMemoryUsage <= 0 {
		config.SessionMemoryUsage = 100 * mb
	}
	if config.MaxSessionsLimit <= 0 {
		config.MaxSessionsLimit = 32
	}

	var totalMem uint64 = 4 * 1024 * mb
	if vmStat, err := mem.VirtualMemory(); err != nil {
		log.Warn().Err(err).Msg("获取系统内存失败,按4GB估算")
	} else {
		totalMem = vmStat.Total
	}
	log.Debug().Msgf("系统总内存: %.2f GB", float64(totalMem)/(1024*mb))

	rm := &ResourceMonitor{config: config, totalMemory: totalMem}
	runtime.ReadMemStats(&rm.lastMemStats)
	return rm
}

// StartMonitoring 启动后台采样,重复调用无效果
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.cancelFunc != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	go rm.monitoringLoop(ctx, interval)
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			usage := rm.sampleCPU()

			rm.mu.Lock()
			rm.lastMemStats = memStats
			rm.lastCPUUsage = usage
			rm.mu.Unlock()
		}
	}
}

func (rm *ResourceMonitor) sampleCPU() float64 {
	percentages, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(percentages) == 0 {
		log.Debug().Err(err).Msg("获取CPU使用率失败")
		return 0
	}
	return percentages[0]
}

// StopMonitoring 停止后台采样
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.cancelFunc = nil
	}
}

func (rm *ResourceMonitor) availableMemory() int64 {
	rm.mu.RLock()
	alloc := rm.lastMemStats.Alloc
	rm.mu.RUnlock()
	return int64(rm.totalMemory) - int64(alloc) - rm.config.SafetyReserveMemory
}

// CalculateMaxSessions 当前资源允许的会话数上限,结果缓存1秒,最少为1
func (rm *ResourceMonitor) CalculateMaxSessions() int {
	rm.cacheMu.Lock()
	defer rm.cacheMu.Unlock()
	if rm.cachedMax > 0 && time.Since(rm.lastCacheTime) < time.Second {
		return rm.cachedMax
	}

	byMemory := 1
	if available := rm.availableMemory(); available > rm.config.SafetyThreshold {
		byMemory = int((available - rm.config.SafetyThreshold) / rm.config.SessionMemoryUsage)
	}

	result := min(byMemory, runtime.NumCPU(), rm.config.MaxSessionsLimit)
	if result < 1 {
		result = 1
	}

	rm.cachedMax = result
	rm.lastCacheTime = time.Now()
	return result
}

// CheckResourceAvailability 检查是否还能创建新会话
func (rm *ResourceMonitor) CheckResourceAvailability() (bool, string) {
	available := rm.availableMemory()
	if available < rm.config.SafetyThreshold {
		return false, fmt.Sprintf("内存不足(当前%dMB)", available/mb)
	}

	if rm.config.CPULoadThreshold < 200 {
		rm.mu.RLock()
		usage := rm.lastCPUUsage
		rm.mu.RUnlock()
		if usage > float64(rm.config.CPULoadThreshold) {
			return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", usage)
		}
	}
	return true, ""
}

// GetMemoryStatus 返回内存状态
func (rm *ResourceMonitor) GetMemoryStatus() MemoryStatus {
	rm.mu.RLock()
	alloc := rm.lastMemStats.Alloc
	rm.mu.RUnlock()
	available := rm.availableMemory()

	var pressure string
	switch availableMB := available / mb; {
	case availableMB < 200:
		pressure = "emergency"
	case availableMB < 300:
		pressure = "critical"
	case availableMB < 500:
		pressure = "warning"
	default:
		pressure = "normal"
	}

	return MemoryStatus{
		TotalMemory:     rm.totalMemory,
		AllocatedMemory: alloc,
		AvailableMemory: available,
		MemoryPressure:  pressure,
	}
}
