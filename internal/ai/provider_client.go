// 模型提供商HTTP客户端
// 直接按各家线上协议发请求，按固定顺序探测多种响应体结构
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProviderDialect 提供商协议方言
type ProviderDialect string

const (
	DialectOpenAI    ProviderDialect = "openai"    // OpenAI兼容协议
	DialectAnthropic ProviderDialect = "anthropic" // Anthropic协议
	DialectOllama    ProviderDialect = "ollama"    // Ollama本地协议
	DialectGateway   ProviderDialect = "gateway"   // 内部网关，OpenAI兼容但无认证
)

// ProviderConfig 模型提供商配置
type ProviderConfig struct {
	Dialect     ProviderDialect `json:"dialect"`     // 协议方言
	BaseURL     string          `json:"base_url"`    // API基础地址
	APIKey      string          `json:"api_key"`     // API密钥，本地提供商可为空
	Model       string          `json:"model"`       // 模型名称
	MaxTokens   int             `json:"max_tokens"`  // 最大生成token数
	Temperature float64         `json:"temperature"` // 温度参数
	Local       bool            `json:"local"`       // 是否本地部署，决定超时档位
}

// 超时档位：托管服务快速失败，本地推理给足时间
const (
	hostedTimeout = 20 * time.Second
	localTimeout  = 60 * time.Second
)

// ProviderClient 统一的聊天补全客户端
type ProviderClient struct {
	httpClient *http.Client
	logger     *zap.Logger

	// 响应体结构探测器，按固定顺序尝试，首个非空结果生效
	extractors []responseExtractor
}

// responseExtractor 从解码后的响应体中提取文本
type responseExtractor struct {
	name    string
	extract func(body map[string]any) string
}

// NewProviderClient 创建提供商客户端
func NewProviderClient(logger *zap.Logger) *ProviderClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProviderClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:     logger,
		extractors: defaultExtractors(),
	}
}

// defaultExtractors 四种已知响应体结构，顺序即优先级
func defaultExtractors() []responseExtractor {
	return []responseExtractor{
		{
			// OpenAI兼容：choices[0].message.content
			name: "openai_choices",
			extract: func(body map[string]any) string {
				choices, ok := body["choices"].([]any)
				if !ok || len(choices) == 0 {
					return ""
				}
				choice, ok := choices[0].(map[string]any)
				if !ok {
					return ""
				}
				message, ok := choice["message"].(map[string]any)
				if !ok {
					return ""
				}
				content, _ := message["content"].(string)
				return content
			},
		},
		{
			// Anthropic：content为字符串，或content[0].text
			name: "anthropic_content",
			extract: func(body map[string]any) string {
				switch content := body["content"].(type) {
				case string:
					return content
				case []any:
					if len(content) == 0 {
						return ""
					}
					block, ok := content[0].(map[string]any)
					if !ok {
						return ""
					}
					text, _ := block["text"].(string)
					return text
				default:
					return ""
				}
			},
		},
		{
			// Ollama chat：message.content
			name: "ollama_message",
			extract: func(body map[string]any) string {
				message, ok := body["message"].(map[string]any)
				if !ok {
					return ""
				}
				content, _ := message["content"].(string)
				return content
			},
		},
		{
			// Ollama generate：response
			name: "ollama_response",
			extract: func(body map[string]any) string {
				response, _ := body["response"].(string)
				return response
			},
		},
	}
}

// Complete 发起一次聊天补全请求，返回模型原始文本
func (c *ProviderClient) Complete(ctx context.Context, config *ProviderConfig, systemPrompt string, turns []ChatTurn) (string, error) {
	timeout := hostedTimeout
	if config.Local {
		timeout = localTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url, body, err := c.buildRequest(config, systemPrompt, turns)
	if err != nil {
		return "", fmt.Errorf("构建模型请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req, config)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.classifyTransportError(config, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Kind: ProviderNetworkError, Provider: string(config.Dialect), Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &ProviderError{
			Kind:     ProviderAuthFailed,
			Provider: string(config.Dialect),
			Err:      fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200)),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{
			Kind:     ProviderNetworkError,
			Provider: string(config.Dialect),
			Err:      fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200)),
		}
	}

	text, err := c.extractText(raw)
	if err != nil {
		return "", &ProviderError{Kind: ProviderBadResponse, Provider: string(config.Dialect), Err: err}
	}

	c.logger.Debug("模型调用完成",
		zap.String("dialect", string(config.Dialect)),
		zap.String("model", config.Model),
		zap.Duration("duration", time.Since(start)),
		zap.Int("response_bytes", len(raw)))

	return text, nil
}

// buildRequest 按方言构建请求地址与请求体
func (c *ProviderClient) buildRequest(config *ProviderConfig, systemPrompt string, turns []ChatTurn) (string, []byte, error) {
	base := strings.TrimRight(config.BaseURL, "/")

	switch config.Dialect {
	case DialectAnthropic:
		messages := make([]map[string]string, 0, len(turns))
		for _, turn := range turns {
			messages = append(messages, map[string]string{"role": turn.Role, "content": turn.Content})
		}
		body, err := json.Marshal(map[string]any{
			"model":      config.Model,
			"system":     systemPrompt,
			"messages":   messages,
			"max_tokens": config.MaxTokens,
		})
		return base + "/v1/messages", body, err

	case DialectOllama:
		messages := make([]map[string]string, 0, len(turns)+1)
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
		for _, turn := range turns {
			messages = append(messages, map[string]string{"role": turn.Role, "content": turn.Content})
		}
		body, err := json.Marshal(map[string]any{
			"model":    config.Model,
			"messages": messages,
			"stream":   false,
		})
		return base + "/api/chat", body, err

	default: // openai与gateway共用OpenAI兼容协议
		messages := make([]map[string]string, 0, len(turns)+1)
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
		for _, turn := range turns {
			messages = append(messages, map[string]string{"role": turn.Role, "content": turn.Content})
		}
		payload := map[string]any{
			"model":       config.Model,
			"messages":    messages,
			"temperature": config.Temperature,
		}
		if config.MaxTokens > 0 {
			payload["max_tokens"] = config.MaxTokens
		}
		body, err := json.Marshal(payload)
		return base + "/chat/completions", body, err
	}
}

// setAuthHeaders 按方言设置认证头
// openai用Bearer，anthropic用x-api-key加版本头，本地与网关不带认证
func (c *ProviderClient) setAuthHeaders(req *http.Request, config *ProviderConfig) {
	switch config.Dialect {
	case DialectOpenAI:
		if config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+config.APIKey)
		}
	case DialectAnthropic:
		req.Header.Set("x-api-key", config.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case DialectOllama, DialectGateway:
		// 无认证头
	}
}

// extractText 按固定顺序探测响应体结构，首个非空结果生效
func (c *ProviderClient) extractText(raw []byte) (string, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("响应不是合法JSON: %w", err)
	}

	for _, extractor := range c.extractors {
		if text := extractor.extract(body); strings.TrimSpace(text) != "" {
			return text, nil
		}
	}

	return "", fmt.Errorf("所有已知响应结构均未命中: %s", truncate(string(raw), 200))
}

// classifyTransportError 把传输层错误分类为可区分的错误种类
func (c *ProviderClient) classifyTransportError(config *ProviderConfig, err error) error {
	provider := string(config.Dialect)

	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: ProviderTimeout, Provider: provider, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Kind: ProviderTimeout, Provider: provider, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ProviderError{Kind: ProviderDNSFailure, Provider: provider, Err: err}
	}

	if strings.Contains(err.Error(), "connection refused") {
		return &ProviderError{Kind: ProviderConnRefused, Provider: provider, Err: err}
	}

	return &ProviderError{Kind: ProviderNetworkError, Provider: provider, Err: err}
}

// truncate 截断过长文本用于日志和错误信息
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
