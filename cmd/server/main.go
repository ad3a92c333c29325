package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatbi-go/internal/ai"
	"chatbi-go/internal/auth"
	"chatbi-go/internal/config"
	"chatbi-go/internal/handler"
	"chatbi-go/internal/metrics"
	"chatbi-go/internal/middleware"
	"chatbi-go/internal/repository/postgres"
	"chatbi-go/internal/service"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	logger.Info("启动ChatBI服务",
		zap.String("version", "0.1.0"),
		zap.String("go_version", runtime.Version()))

	if err := config.LoadEnv(".env"); err != nil {
		logger.Warn("加载.env文件失败", zap.Error(err))
	}

	// 配置加载
	dbConfig := config.LoadDatabaseConfig()
	serverConfig := config.LoadServerConfig()
	securityConfig, err := config.LoadSecurityConfig()
	if err != nil {
		logger.Fatal("加载安全配置失败", zap.Error(err))
	}
	providerConfig, err := config.LoadProviderConfig()
	if err != nil {
		logger.Fatal("加载模型配置失败", zap.Error(err))
	}
	logger.Info("模型提供商就绪",
		zap.String("dialect", string(providerConfig.Dialect)),
		zap.String("model", providerConfig.Model))

	// 元数据库连接池
	poolConfig, err := dbConfig.PoolConfig(logger)
	if err != nil {
		logger.Fatal("构建连接池配置失败", zap.Error(err))
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Fatal("创建元数据库连接池失败", zap.Error(err))
	}
	defer pool.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Fatal("元数据库连接检查失败", zap.Error(err))
	}
	logger.Info("元数据库连接就绪", zap.String("host", dbConfig.Host))

	repo := postgres.NewPostgreSQLRepository(pool, logger)

	// JWT服务
	jwtConfig := auth.DefaultJWTConfig()
	jwtService, err := auth.NewJWTService(jwtConfig, logger)
	if err != nil {
		logger.Fatal("初始化JWT服务失败", zap.Error(err))
	}

	// 指标与运行时监控
	prometheusMetrics := metrics.NewPrometheusMetrics(nil, logger)
	systemMonitor := metrics.NewSystemMonitor(nil, prometheusMetrics.Registry(), logger)

	// 目标库连接管理与SQL执行
	connectionManager, err := service.NewConnectionManager(
		repo.Connection(), securityConfig.EncryptionKey, logger)
	if err != nil {
		logger.Fatal("初始化连接管理器失败", zap.Error(err))
	}
	defer connectionManager.Close()

	sqlExecutor := service.NewSQLExecutor(connectionManager, logger)

	// 查询管道组件
	providerClient := ai.NewProviderClient(logger)
	pipeline := service.NewChatPipeline(&service.ChatPipelineDeps{
		Classifier:   ai.NewIntentClassifier(),
		Composer:     ai.NewPromptComposer(logger),
		Introspector: service.NewSchemaIntrospector(sqlExecutor, repo.Connection(), repo.Schema(), logger),
		Whitelist:    service.NewFieldWhitelistBuilder(logger),
		Loop: service.NewSelfCorrectionLoop(
			providerClient, ai.NewResponseParser(), ai.NewSQLValidator(logger), sqlExecutor, logger),
		Postprocessor: service.NewResultPostProcessor(sqlExecutor, providerClient, logger),

		SessionRepo:    repo.Session(),
		MessageRepo:    repo.Message(),
		PermissionRepo: repo.Permission(),
		AuditRepo:      repo.Audit(),

		Provider: providerConfig,
		Metrics:  prometheusMetrics,
		Logger:   logger,
	})

	// HTTP层
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	middleware.SetupMiddleware(r, middleware.DefaultMiddlewareConfig(logger))

	handler.SetupRoutes(r, &handler.RouterConfig{
		ChatHandler:       handler.NewChatHandler(pipeline, repo.Session(), repo.Message(), logger),
		ConnectionHandler: handler.NewConnectionHandler(repo.Connection(), connectionManager, logger),
		AuthHandler:       handler.NewAuthHandler(jwtService, logger),
		AuthMiddleware:    middleware.NewAuthMiddleware(jwtService, logger),
		Metrics:           prometheusMetrics,
		ReadyCheck:        pool.Ping,
	})

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()
	systemMonitor.Start(monitorCtx)

	srv := &http.Server{
		Addr:           serverConfig.Addr,
		Handler:        r,
		ReadTimeout:    serverConfig.ReadTimeout,
		WriteTimeout:   serverConfig.WriteTimeout,
		IdleTimeout:    serverConfig.IdleTimeout,
		MaxHeaderBytes: serverConfig.MaxHeaderBytes,
	}

	go func() {
		logger.Info("HTTP服务启动",
			zap.String("addr", srv.Addr),
			zap.String("mode", gin.Mode()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP服务启动失败", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("开始关闭服务")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP服务强制关闭", zap.Error(err))
	} else {
		logger.Info("HTTP服务已停止")
	}

	systemMonitor.Stop()
	connectionManager.Close()
	pool.Close()

	logger.Info("ChatBI服务已退出")
}
