// 对话查询HTTP处理器
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatbi-go/internal/middleware"
	"chatbi-go/internal/repository"
	"chatbi-go/internal/service"
)

// 单次对话请求的处理上限，自修正循环最多两轮模型调用加SQL执行
const chatRequestTimeout = 120 * time.Second

// ErrorResponse 统一错误响应结构
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ChatService 对话管道接口
type ChatService interface {
	Handle(ctx context.Context, req *service.ChatRequest) *service.ChatResponse
}

// ChatHandler 对话查询处理器
// 把HTTP请求翻译成管道调用，身份信息一律取自认证中间件写入的上下文
type ChatHandler struct {
	pipeline    ChatService
	sessionRepo repository.SessionRepository
	messageRepo repository.MessageRepository
	logger      *zap.Logger
}

// NewChatHandler 创建对话处理器
func NewChatHandler(
	pipeline ChatService,
	sessionRepo repository.SessionRepository,
	messageRepo repository.MessageRepository,
	logger *zap.Logger,
) *ChatHandler {
	return &ChatHandler{
		pipeline:    pipeline,
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		logger:      logger,
	}
}

// Chat 处理一次自然语言查询对话
func (h *ChatHandler) Chat(c *gin.Context) {
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("对话请求参数无效",
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST",
			Message: "请求参数无效",
			Detail:  err.Error(),
		})
		return
	}

	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "UNAUTHORIZED",
			Message: "认证信息无效",
		})
		return
	}
	role, ok := middleware.GetUserRoleFromContext(c)
	if !ok {
		role = repository.RoleUser
	}

	// 身份只信任令牌，不接受请求体里的任何声明
	req.UserID = userID
	req.Role = role

	ctx, cancel := context.WithTimeout(c.Request.Context(), chatRequestTimeout)
	defer cancel()

	resp := h.pipeline.Handle(ctx, &req)
	c.JSON(http.StatusOK, resp)
}

// ListSessions 返回当前用户的会话列表
func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "UNAUTHORIZED",
			Message: "认证信息无效",
		})
		return
	}

	limit := queryInt(c, "limit", 20, 100)
	offset := queryInt(c, "offset", 0, 1<<30)

	sessions, err := h.sessionRepo.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("查询会话列表失败",
			zap.Int64("user_id", userID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "查询会话列表失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

// ListSessionMessages 返回指定会话的历史消息
// 只能查看自己的会话，管理员可以查看任意会话
func (h *ChatHandler) ListSessionMessages(c *gin.Context) {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "UNAUTHORIZED",
			Message: "认证信息无效",
		})
		return
	}

	sessionID := c.Param("sessionId")
	session, err := h.sessionRepo.GetBySessionID(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "SESSION_NOT_FOUND",
			Message: "会话不存在",
		})
		return
	}

	role, _ := middleware.GetUserRoleFromContext(c)
	if session.UserID != userID && role != repository.RoleAdmin {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Code:    "FORBIDDEN",
			Message: "无权访问该会话",
		})
		return
	}

	limit := queryInt(c, "limit", 50, 200)
	messages, err := h.messageRepo.ListBySession(c.Request.Context(), sessionID, limit)
	if err != nil {
		h.logger.Error("查询会话消息失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "查询会话消息失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

// queryInt 解析查询参数中的整数，越界时回退到默认值
func queryInt(c *gin.Context, key string, fallback, ceiling int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 || value > ceiling {
		return fallback
	}
	return value
}
