package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusMetrics Prometheus指标收集器
// 覆盖HTTP请求和查询管道的关键业务指标
type PrometheusMetrics struct {
	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 管道业务指标
	pipelineRequestsTotal *prometheus.CounterVec
	pipelineDuration      *prometheus.HistogramVec
	modelRoundTripsTotal  prometheus.Counter
	sqlRegenerationsTotal *prometheus.CounterVec
	blockedQueriesTotal   prometheus.Counter
	maskedCellsTotal      prometheus.Counter
	sqlExecutionDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
	logger   *zap.Logger
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Namespace string
	Subsystem string
}

// DefaultMetricsConfig 默认指标配置
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace: "chatbi",
		Subsystem: "api",
	}
}

// NewPrometheusMetrics 创建Prometheus指标收集器
// 使用独立registry，避免和默认registry里的其他指标互相污染
func NewPrometheusMetrics(config *MetricsConfig, logger *zap.Logger) *PrometheusMetrics {
	if config == nil {
		config = DefaultMetricsConfig()
	}

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	pm.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "http_requests_total",
			Help:      "HTTP请求总数",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	pm.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP请求处理耗时",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	pm.pipelineRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "pipeline_requests_total",
			Help:      "查询管道请求总数",
		},
		[]string{"status", "intent"},
	)

	pm.pipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "pipeline_duration_seconds",
			Help:      "查询管道端到端耗时",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	pm.modelRoundTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "model_roundtrips_total",
			Help:      "模型调用总次数",
		},
	)

	pm.sqlRegenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "sql_regenerations_total",
			Help:      "SQL重新生成次数，按失败类别统计",
		},
		[]string{"category"},
	)

	pm.blockedQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "blocked_queries_total",
			Help:      "被权限策略拦截的查询总数",
		},
	)

	pm.maskedCellsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "masked_cells_total",
			Help:      "结果中被打码的单元格总数",
		},
	)

	pm.sqlExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "sql_execution_duration_seconds",
			Help:      "目标库SQL执行耗时",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"status"},
	)

	pm.registry.MustRegister(
		pm.httpRequestsTotal,
		pm.httpRequestDuration,
		pm.pipelineRequestsTotal,
		pm.pipelineDuration,
		pm.modelRoundTripsTotal,
		pm.sqlRegenerationsTotal,
		pm.blockedQueriesTotal,
		pm.maskedCellsTotal,
		pm.sqlExecutionDuration,
	)

	return pm
}

// HTTPMetricsMiddleware HTTP请求指标中间件
func (pm *PrometheusMetrics) HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}

		pm.httpRequestsTotal.WithLabelValues(
			c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		pm.httpRequestDuration.WithLabelValues(
			c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// RecordPipeline 记录一次管道请求
func (pm *PrometheusMetrics) RecordPipeline(status, intent string, duration time.Duration) {
	pm.pipelineRequestsTotal.WithLabelValues(status, intent).Inc()
	pm.pipelineDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordModelRoundTrips 记录模型调用次数
func (pm *PrometheusMetrics) RecordModelRoundTrips(count int) {
	pm.modelRoundTripsTotal.Add(float64(count))
}

// RecordRegeneration 记录一次SQL重新生成
func (pm *PrometheusMetrics) RecordRegeneration(category string) {
	pm.sqlRegenerationsTotal.WithLabelValues(category).Inc()
}

// RecordBlockedQuery 记录一次权限拦截
func (pm *PrometheusMetrics) RecordBlockedQuery() {
	pm.blockedQueriesTotal.Inc()
}

// RecordMaskedCells 记录打码单元格数量
func (pm *PrometheusMetrics) RecordMaskedCells(count int) {
	if count > 0 {
		pm.maskedCellsTotal.Add(float64(count))
	}
}

// RecordSQLExecution 记录目标库SQL执行耗时
func (pm *PrometheusMetrics) RecordSQLExecution(status string, duration time.Duration) {
	pm.sqlExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Registry 暴露底层registry，供运行时监控等附加指标注册
func (pm *PrometheusMetrics) Registry() prometheus.Registerer {
	return pm.registry
}

// GetMetricsHandler 返回/metrics端点的处理器
func (pm *PrometheusMetrics) GetMetricsHandler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
