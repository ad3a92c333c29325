package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatbi-go/internal/middleware"
	"chatbi-go/internal/repository"
	"chatbi-go/internal/service"
)

// ConnectionHandler 数据库连接只读接口
// 前端用它解析databaseConnectionId，连接的增删改走运维通道不在此暴露
type ConnectionHandler struct {
	connectionRepo repository.ConnectionRepository
	manager        *service.ConnectionManager
	logger         *zap.Logger
}

// NewConnectionHandler 创建连接处理器
func NewConnectionHandler(
	connectionRepo repository.ConnectionRepository,
	manager *service.ConnectionManager,
	logger *zap.Logger,
) *ConnectionHandler {
	return &ConnectionHandler{
		connectionRepo: connectionRepo,
		manager:        manager,
		logger:         logger,
	}
}

// ListConnections 返回当前用户的数据库连接列表
func (h *ConnectionHandler) ListConnections(c *gin.Context) {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "UNAUTHORIZED",
			Message: "认证信息无效",
		})
		return
	}

	connections, err := h.connectionRepo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("查询连接列表失败",
			zap.Int64("user_id", userID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "查询连接列表失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"connections": connections})
}

// GetConnection 返回连接详情及其预配置查询工具
func (h *ConnectionHandler) GetConnection(c *gin.Context) {
	connection, ok := h.loadOwnedConnection(c)
	if !ok {
		return
	}

	tools, err := h.connectionRepo.ListTools(c.Request.Context(), connection.ID)
	if err != nil {
		h.logger.Warn("查询连接工具失败",
			zap.Int64("connection_id", connection.ID),
			zap.Error(err))
		tools = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"connection": connection,
		"tools":      tools,
	})
}

// TestConnection 对目标库做一次连通性探测
func (h *ConnectionHandler) TestConnection(c *gin.Context) {
	connection, ok := h.loadOwnedConnection(c)
	if !ok {
		return
	}

	start := time.Now()
	pool, err := h.manager.GetConnectionPool(c.Request.Context(), connection.ID)
	if err == nil {
		err = pool.Ping(c.Request.Context())
	}
	latency := time.Since(start)

	if err != nil {
		h.logger.Warn("连接测试失败",
			zap.Int64("connection_id", connection.ID),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"status":     "failed",
			"latency_ms": latency.Milliseconds(),
			"error":      err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"latency_ms": latency.Milliseconds(),
	})
}

// loadOwnedConnection 加载路径参数指定的连接并校验归属
// 校验失败时已写入响应，调用方直接返回即可
func (h *ConnectionHandler) loadOwnedConnection(c *gin.Context) (*repository.DatabaseConnection, bool) {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "UNAUTHORIZED",
			Message: "认证信息无效",
		})
		return nil, false
	}

	connectionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || connectionID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_CONNECTION_ID",
			Message: "连接ID无效",
		})
		return nil, false
	}

	connection, err := h.connectionRepo.GetByID(c.Request.Context(), connectionID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "CONNECTION_NOT_FOUND",
			Message: "数据库连接不存在",
		})
		return nil, false
	}

	role, _ := middleware.GetUserRoleFromContext(c)
	if connection.UserID != userID && role != repository.RoleAdmin {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Code:    "FORBIDDEN",
			Message: "无权访问该数据库连接",
		})
		return nil, false
	}

	return connection, true
}
