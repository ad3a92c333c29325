package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JWTService RS256签名的JWT服务
// 签发和校验访问令牌与刷新令牌，Claims中携带角色供访问策略使用
type JWTService struct {
	privateKey      *rsa.PrivateKey
	publicKey       *rsa.PublicKey
	issuer          string
	audience        string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	logger          *zap.Logger
}

// JWTConfig JWT配置
type JWTConfig struct {
	PrivateKeyPath   string
	PublicKeyPath    string
	Issuer           string
	Audience         string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	AutoGenerateKeys bool
}

// DefaultJWTConfig 默认JWT配置
func DefaultJWTConfig() *JWTConfig {
	return &JWTConfig{
		Issuer:           "chatbi-api",
		Audience:         "chatbi-users",
		AccessTokenTTL:   time.Hour,
		RefreshTokenTTL:  24 * time.Hour,
		AutoGenerateKeys: true,
	}
}

// CustomClaims 应用自定义Claims
// Role字段直接决定访问策略的编译结果
type CustomClaims struct {
	UserID    int64  `json:"uid"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	TokenType string `json:"token_type"` // access或refresh
	jwt.RegisteredClaims
}

// Validate 实现jwt.ClaimsValidator
func (c CustomClaims) Validate() error {
	if c.UserID <= 0 {
		return errors.New("用户ID无效")
	}
	if c.Username == "" {
		return errors.New("用户名不能为空")
	}
	if c.TokenType != "access" && c.TokenType != "refresh" {
		return errors.New("令牌类型无效")
	}
	return nil
}

// TokenPair 一对访问令牌和刷新令牌
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NewJWTService 创建JWT服务
func NewJWTService(config *JWTConfig, logger *zap.Logger) (*JWTService, error) {
	if config == nil {
		config = DefaultJWTConfig()
	}

	service := &JWTService{
		issuer:          config.Issuer,
		audience:        config.Audience,
		accessTokenTTL:  config.AccessTokenTTL,
		refreshTokenTTL: config.RefreshTokenTTL,
		logger:          logger,
	}
	if err := service.loadOrGenerateKeys(config); err != nil {
		return nil, fmt.Errorf("初始化JWT密钥失败: %w", err)
	}

	logger.Info("JWT服务初始化完成",
		zap.String("issuer", config.Issuer),
		zap.Duration("access_ttl", config.AccessTokenTTL),
		zap.Duration("refresh_ttl", config.RefreshTokenTTL))
	return service, nil
}

// GenerateTokenPair 为用户签发一对令牌
func (j *JWTService) GenerateTokenPair(userID int64, username, role string) (*TokenPair, error) {
	now := time.Now()

	accessToken, err := j.sign(userID, username, role, "access", now, j.accessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("签发访问令牌失败: %w", err)
	}
	refreshToken, err := j.sign(userID, username, role, "refresh", now, j.refreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("签发刷新令牌失败: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(j.accessTokenTTL.Seconds()),
		ExpiresAt:    now.Add(j.accessTokenTTL),
	}, nil
}

func (j *JWTService) sign(userID int64, username, role, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	claims := &CustomClaims{
		UserID:    userID,
		Username:  username,
		Role:      role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   fmt.Sprintf("user:%d", userID),
			Audience:  jwt.ClaimStrings{j.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(j.privateKey)
}

// ValidateToken 校验令牌并返回Claims
func (j *JWTService) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("不支持的签名算法: %v", token.Header["alg"])
		}
		return j.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("令牌校验失败: %w", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, errors.New("令牌无效")
	}
	return claims, nil
}

// ValidateAccessToken 校验访问令牌
func (j *JWTService) ValidateAccessToken(tokenString string) (*CustomClaims, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "access" {
		return nil, errors.New("不是访问令牌")
	}
	return claims, nil
}

// RefreshTokenPair 用刷新令牌换发新的令牌对
func (j *JWTService) RefreshTokenPair(refreshToken string) (*TokenPair, error) {
	claims, err := j.ValidateToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("刷新令牌无效: %w", err)
	}
	if claims.TokenType != "refresh" {
		return nil, errors.New("不是刷新令牌")
	}
	return j.GenerateTokenPair(claims.UserID, claims.Username, claims.Role)
}

// ValidateTokenFromRequest 从Authorization头校验访问令牌
func (j *JWTService) ValidateTokenFromRequest(authHeader string) (*CustomClaims, error) {
	tokenString, err := ExtractTokenFromHeader(authHeader)
	if err != nil {
		return nil, err
	}
	return j.ValidateAccessToken(tokenString)
}

// IsTokenExpiringSoon 令牌是否即将过期
func (j *JWTService) IsTokenExpiringSoon(claims *CustomClaims, threshold time.Duration) bool {
	expTime, err := claims.GetExpirationTime()
	if err != nil || expTime == nil {
		return false
	}
	return time.Until(expTime.Time) <= threshold
}

// ExtractTokenFromHeader 从Authorization头提取Bearer令牌
func ExtractTokenFromHeader(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("授权头格式无效")
	}
	token := authHeader[len(bearerPrefix):]
	if token == "" {
		return "", errors.New("令牌为空")
	}
	return token, nil
}

// loadOrGenerateKeys 从文件加载RSA密钥，失败时按配置自动生成
func (j *JWTService) loadOrGenerateKeys(config *JWTConfig) error {
	if config.PrivateKeyPath != "" && config.PublicKeyPath != "" {
		if err := j.loadKeysFromFile(config.PrivateKeyPath, config.PublicKeyPath); err == nil {
			j.logger.Info("已从文件加载RSA密钥",
				zap.String("private_key", config.PrivateKeyPath))
			return nil
		} else if !config.AutoGenerateKeys {
			return fmt.Errorf("加载密钥文件失败: %w", err)
		} else {
			j.logger.Warn("加载密钥文件失败，将自动生成新密钥", zap.Error(err))
		}
	}

	if !config.AutoGenerateKeys {
		return errors.New("未提供密钥且禁用了自动生成")
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("生成RSA密钥失败: %w", err)
	}
	j.privateKey = privateKey
	j.publicKey = &privateKey.PublicKey
	j.logger.Info("已生成新的RSA密钥对")
	return nil
}

func (j *JWTService) loadKeysFromFile(privateKeyPath, publicKeyPath string) error {
	privateKeyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return fmt.Errorf("读取私钥文件失败: %w", err)
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyData)
	if err != nil {
		return fmt.Errorf("解析私钥失败: %w", err)
	}

	publicKeyData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("读取公钥文件失败: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyData)
	if err != nil {
		return fmt.Errorf("解析公钥失败: %w", err)
	}

	j.privateKey = privateKey
	j.publicKey = publicKey
	return nil
}

// SaveKeysToFile 把当前密钥对保存为PEM文件
func (j *JWTService) SaveKeysToFile(privateKeyPath, publicKeyPath string) error {
	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(j.privateKey)
	if err != nil {
		return fmt.Errorf("编码私钥失败: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateKeyBytes})
	if err := os.WriteFile(privateKeyPath, privatePEM, 0600); err != nil {
		return fmt.Errorf("保存私钥失败: %w", err)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(j.publicKey)
	if err != nil {
		return fmt.Errorf("编码公钥失败: %w", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})
	if err := os.WriteFile(publicKeyPath, publicPEM, 0644); err != nil {
		return fmt.Errorf("保存公钥失败: %w", err)
	}
	return nil
}
