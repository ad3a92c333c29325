package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatbi-go/internal/auth"
)

// AuthHandler 令牌相关接口
// 用户注册登录由独立的账号服务负责，这里只提供令牌刷新
type AuthHandler struct {
	jwtService *auth.JWTService
	logger     *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(jwtService *auth.JWTService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		jwtService: jwtService,
		logger:     logger,
	}
}

// RefreshRequest 令牌刷新请求
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RefreshToken 用刷新令牌换取新的令牌对
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST",
			Message: "请求参数无效",
			Detail:  err.Error(),
		})
		return
	}

	pair, err := h.jwtService.RefreshTokenPair(req.RefreshToken)
	if err != nil {
		h.logger.Warn("令牌刷新失败",
			zap.String("remote_addr", c.ClientIP()),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "INVALID_REFRESH_TOKEN",
			Message: "刷新令牌无效或已过期",
		})
		return
	}

	c.JSON(http.StatusOK, pair)
}
