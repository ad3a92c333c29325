package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"chatbi-go/internal/metrics"
)

const (
	serviceName    = "chatbi-api"
	serviceVersion = "0.1.0"
)

// RouterConfig 路由配置
type RouterConfig struct {
	ChatHandler       *ChatHandler
	ConnectionHandler *ConnectionHandler
	AuthHandler       *AuthHandler
	AuthMiddleware    Authenticator
	Metrics           *metrics.PrometheusMetrics

	// ReadyCheck 就绪探测，通常是元数据库的Ping
	ReadyCheck func(ctx context.Context) error
}

// Authenticator JWT认证中间件接口
type Authenticator interface {
	JWTAuth() gin.HandlerFunc
}

// SetupRoutes 挂载全部API路由
// 全局中间件链由middleware.SetupMiddleware负责，这里只做路由编排
func SetupRoutes(r *gin.Engine, config *RouterConfig) {
	if config.Metrics != nil {
		r.Use(config.Metrics.HTTPMetricsMiddleware())
		r.GET("/metrics", config.Metrics.GetMetricsHandler())
	}

	v1 := r.Group("/api/v1")
	{
		if config.AuthHandler != nil {
			v1.POST("/auth/refresh", config.AuthHandler.RefreshToken)
		}

		protected := v1.Group("/")
		if config.AuthMiddleware != nil {
			protected.Use(config.AuthMiddleware.JWTAuth())
		}
		{
			protected.POST("/chat", config.ChatHandler.Chat)

			protected.GET("/sessions", config.ChatHandler.ListSessions)
			protected.GET("/sessions/:sessionId/messages", config.ChatHandler.ListSessionMessages)

			if config.ConnectionHandler != nil {
				protected.GET("/connections", config.ConnectionHandler.ListConnections)
				protected.GET("/connections/:id", config.ConnectionHandler.GetConnection)
				protected.POST("/connections/:id/test", config.ConnectionHandler.TestConnection)
			}
		}
	}

	setupSystemRoutes(r, config)
}

// setupSystemRoutes 健康检查与版本信息端点
func setupSystemRoutes(r *gin.Engine, config *RouterConfig) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   serviceName,
			"version":   serviceVersion,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		if config.ReadyCheck != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := config.ReadyCheck(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "not_ready",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": serviceName,
			"version": serviceVersion,
		})
	})
}

func init() {
	// 大整数走json.Number，避免连接ID在默认float64解码下丢精度
	binding.EnableDecoderUseNumber = true
}
