package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SystemMonitor Go运行时指标采集器
// 周期性读取内存、Goroutine和GC统计并写入Prometheus指标
type SystemMonitor struct {
	heapAllocBytes  prometheus.Gauge
	heapSysBytes    prometheus.Gauge
	totalAllocBytes prometheus.Counter
	goroutineCount  prometheus.Gauge
	gcPauseSeconds  prometheus.Histogram
	gcRunsTotal     prometheus.Counter

	running  int32
	stopChan chan struct{}
	interval time.Duration
	logger   *zap.Logger

	// 上次采集的快照，用于计算增量
	lastStats runtime.MemStats
}

// SystemMonitorConfig 运行时监控配置
type SystemMonitorConfig struct {
	CollectInterval time.Duration
	Namespace       string
}

// DefaultSystemMonitorConfig 默认运行时监控配置
func DefaultSystemMonitorConfig() *SystemMonitorConfig {
	return &SystemMonitorConfig{
		CollectInterval: 15 * time.Second,
		Namespace:       "chatbi",
	}
}

// NewSystemMonitor 创建运行时监控器并把指标注册到指定registry
func NewSystemMonitor(config *SystemMonitorConfig, registerer prometheus.Registerer, logger *zap.Logger) *SystemMonitor {
	if config == nil {
		config = DefaultSystemMonitorConfig()
	}

	sm := &SystemMonitor{
		interval: config.CollectInterval,
		stopChan: make(chan struct{}),
		logger:   logger,
	}

	sm.heapAllocBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: "runtime",
		Name:      "heap_alloc_bytes",
		Help:      "当前堆内存使用量",
	})
	sm.heapSysBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: "runtime",
		Name:      "heap_sys_bytes",
		Help:      "从操作系统获得的内存量",
	})
	sm.totalAllocBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: "runtime",
		Name:      "total_alloc_bytes",
		Help:      "累计分配内存总量",
	})
	sm.goroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: "runtime",
		Name:      "goroutines",
		Help:      "当前Goroutine数量",
	})
	sm.gcPauseSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Subsystem: "runtime",
		Name:      "gc_pause_seconds",
		Help:      "GC暂停时间分布",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})
	sm.gcRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: "runtime",
		Name:      "gc_runs_total",
		Help:      "GC运行总次数",
	})

	registerer.MustRegister(
		sm.heapAllocBytes,
		sm.heapSysBytes,
		sm.totalAllocBytes,
		sm.goroutineCount,
		sm.gcPauseSeconds,
		sm.gcRunsTotal,
	)

	return sm
}

// Start 启动采集循环，重复调用无副作用
func (sm *SystemMonitor) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&sm.running, 0, 1) {
		return
	}

	sm.logger.Info("启动运行时指标采集", zap.Duration("interval", sm.interval))
	go sm.collectLoop(ctx)
}

// Stop 停止采集循环
func (sm *SystemMonitor) Stop() {
	if !atomic.CompareAndSwapInt32(&sm.running, 1, 0) {
		return
	}

	sm.logger.Info("停止运行时指标采集")
	select {
	case sm.stopChan <- struct{}{}:
	default:
	}
}

// IsRunning 采集循环是否在运行
func (sm *SystemMonitor) IsRunning() bool {
	return atomic.LoadInt32(&sm.running) == 1
}

func (sm *SystemMonitor) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	sm.collect()

	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&sm.running, 0)
			return
		case <-sm.stopChan:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	sm.heapAllocBytes.Set(float64(stats.Alloc))
	sm.heapSysBytes.Set(float64(stats.Sys))
	sm.goroutineCount.Set(float64(runtime.NumGoroutine()))

	if stats.TotalAlloc > sm.lastStats.TotalAlloc {
		sm.totalAllocBytes.Add(float64(stats.TotalAlloc - sm.lastStats.TotalAlloc))
	}

	if stats.NumGC > sm.lastStats.NumGC {
		sm.gcRunsTotal.Add(float64(stats.NumGC - sm.lastStats.NumGC))

		// 只观测最近一次暂停，环形缓冲区里更早的已无法归因到本轮
		pauseNs := stats.PauseNs[(stats.NumGC+255)%256]
		if pauseNs > 0 {
			sm.gcPauseSeconds.Observe(float64(pauseNs) / 1e9)
		}
	}

	sm.lastStats = stats

	sm.logger.Debug("采集运行时指标",
		zap.Uint64("heap_alloc_mb", stats.Alloc/1024/1024),
		zap.Int("goroutines", runtime.NumGoroutine()),
		zap.Uint32("gc_runs", stats.NumGC))
}

// SystemStats 运行时统计快照
type SystemStats struct {
	HeapAllocBytes  uint64    `json:"heap_alloc_bytes"`
	TotalAllocBytes uint64    `json:"total_alloc_bytes"`
	HeapSysBytes    uint64    `json:"heap_sys_bytes"`
	Goroutines      int       `json:"goroutines"`
	GCRuns          uint32    `json:"gc_runs"`
	LastGCTime      time.Time `json:"last_gc_time"`
	CollectedAt     time.Time `json:"collected_at"`
}

// GetCurrentStats 读取当前运行时统计
func (sm *SystemMonitor) GetCurrentStats() *SystemStats {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	return &SystemStats{
		HeapAllocBytes:  stats.Alloc,
		TotalAllocBytes: stats.TotalAlloc,
		HeapSysBytes:    stats.Sys,
		Goroutines:      runtime.NumGoroutine(),
		GCRuns:          stats.NumGC,
		LastGCTime:      time.Unix(0, int64(stats.LastGC)),
		CollectedAt:     time.Now(),
	}
}
