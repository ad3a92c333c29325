package config

import (
	"fmt"
	"time"

	"chatbi-go/internal/ai"
)

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Addr           string        `json:"addr"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	MaxHeaderBytes int           `json:"max_header_bytes"`
}

// LoadServerConfig 从环境变量加载HTTP服务配置
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:           envString("SERVER_ADDR", ":8080"),
		ReadTimeout:    envDuration("SERVER_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   envDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:    envDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: 1 << 20,
	}
}

// LoadProviderConfig 从环境变量加载模型提供商配置
// LLM_DIALECT选择协议方言，本地Ollama默认不需要密钥
func LoadProviderConfig() (*ai.ProviderConfig, error) {
	dialect := ai.ProviderDialect(envString("LLM_DIALECT", string(ai.DialectOllama)))

	provider := &ai.ProviderConfig{
		Dialect:     dialect,
		BaseURL:     envString("LLM_BASE_URL", ""),
		APIKey:      envString("LLM_API_KEY", ""),
		Model:       envString("LLM_MODEL", ""),
		MaxTokens:   envInt("LLM_MAX_TOKENS", 2048),
		Temperature: envFloat("LLM_TEMPERATURE", 0.1),
	}

	switch dialect {
	case ai.DialectOpenAI:
		if provider.BaseURL == "" {
			provider.BaseURL = "https://api.openai.com/v1"
		}
		if provider.Model == "" {
			provider.Model = "gpt-4o-mini"
		}
		if provider.APIKey == "" {
			return nil, fmt.Errorf("使用openai方言必须设置LLM_API_KEY")
		}
	case ai.DialectAnthropic:
		if provider.BaseURL == "" {
			provider.BaseURL = "https://api.anthropic.com"
		}
		if provider.Model == "" {
			provider.Model = "claude-sonnet-4-20250514"
		}
		if provider.APIKey == "" {
			return nil, fmt.Errorf("使用anthropic方言必须设置LLM_API_KEY")
		}
	case ai.DialectOllama:
		if provider.BaseURL == "" {
			provider.BaseURL = "http://localhost:11434"
		}
		if provider.Model == "" {
			provider.Model = "qwen2.5-coder:7b"
		}
		provider.Local = true
	default:
		return nil, fmt.Errorf("不支持的模型协议方言: %s", dialect)
	}

	return provider, nil
}

// SecurityConfig 安全相关配置
type SecurityConfig struct {
	EncryptionKey []byte `json:"-"` // 目标库密码的AES加密密钥
}

// LoadSecurityConfig 从环境变量加载安全配置
func LoadSecurityConfig() (*SecurityConfig, error) {
	key := envString("ENCRYPTION_KEY", "")
	if key == "" {
		return nil, fmt.Errorf("必须设置ENCRYPTION_KEY环境变量")
	}
	return &SecurityConfig{EncryptionKey: []byte(key)}, nil
}
