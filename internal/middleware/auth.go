package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatbi-go/internal/auth"
)

// AuthMiddleware JWT认证中间件
// 校验访问令牌并把用户身份放进请求上下文，供对话管道取用
type AuthMiddleware struct {
	jwtService *auth.JWTService
	logger     *zap.Logger
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(jwtService *auth.JWTService, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		logger:     logger,
	}
}

// JWTAuth 强制JWT认证
func (am *AuthMiddleware) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "MISSING_AUTH_HEADER",
				"message": "缺少授权头",
			})
			c.Abort()
			return
		}

		claims, err := am.jwtService.ValidateTokenFromRequest(authHeader)
		if err != nil {
			am.logger.Warn("JWT校验失败",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
				zap.String("remote_addr", c.ClientIP()))

			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_TOKEN",
				"message": "无效的访问令牌",
			})
			c.Abort()
			return
		}

		// 即将过期时提示客户端刷新
		if am.jwtService.IsTokenExpiringSoon(claims, 5*time.Minute) {
			c.Header("X-Token-Expiring", "true")
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("user_role", claims.Role)
		c.Next()
	}
}

// RequireRole 要求指定角色，admin放行一切
func RequireRole(requiredRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := GetUserRoleFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "MISSING_ROLE",
				"message": "用户角色信息缺失",
			})
			c.Abort()
			return
		}

		allowed := role == "admin"
		for _, required := range requiredRoles {
			if role == required {
				allowed = true
				break
			}
		}
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "INSUFFICIENT_PERMISSIONS",
				"message": "权限不足",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetUserIDFromContext 从Gin上下文获取用户ID
func GetUserIDFromContext(c *gin.Context) (int64, bool) {
	value, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := value.(int64)
	return id, ok
}

// GetUserRoleFromContext 从Gin上下文获取用户角色
func GetUserRoleFromContext(c *gin.Context) (string, bool) {
	value, exists := c.Get("user_role")
	if !exists {
		return "", false
	}
	role, ok := value.(string)
	return role, ok
}

// GetUsernameFromContext 从Gin上下文获取用户名
func GetUsernameFromContext(c *gin.Context) (string, bool) {
	value, exists := c.Get("username")
	if !exists {
		return "", false
	}
	name, ok := value.(string)
	return name, ok
}
