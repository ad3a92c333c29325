// Package ai 模型提供商客户端测试
package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestProviderClient_OpenAIDialect 测试OpenAI兼容方言的请求与解析
func TestProviderClient_OpenAIDialect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		messages := payload["messages"].([]any)
		first := messages[0].(map[string]any)
		assert.Equal(t, "system", first["role"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "模型回复"}}]}`))
	}))
	defer server.Close()

	client := NewProviderClient(zap.NewNop())
	text, err := client.Complete(context.Background(), &ProviderConfig{
		Dialect: DialectOpenAI,
		BaseURL: server.URL,
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
	}, "系统提示词", []ChatTurn{{Role: "user", Content: "你好"}})

	require.NoError(t, err)
	assert.Equal(t, "模型回复", text)
}

// TestProviderClient_AnthropicDialect 测试Anthropic方言的认证头与响应结构
func TestProviderClient_AnthropicDialect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key-123", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "系统提示词", payload["system"])

		_, _ = w.Write([]byte(`{"content": [{"type": "text", "text": "来自anthropic"}]}`))
	}))
	defer server.Close()

	client := NewProviderClient(zap.NewNop())
	text, err := client.Complete(context.Background(), &ProviderConfig{
		Dialect:   DialectAnthropic,
		BaseURL:   server.URL,
		APIKey:    "key-123",
		Model:     "claude-sonnet",
		MaxTokens: 1024,
	}, "系统提示词", []ChatTurn{{Role: "user", Content: "你好"}})

	require.NoError(t, err)
	assert.Equal(t, "来自anthropic", text)
}

// TestProviderClient_OllamaDialect 本地方言：无认证头，response字段兜底
func TestProviderClient_OllamaDialect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("x-api-key"))

		_, _ = w.Write([]byte(`{"response": "本地模型输出"}`))
	}))
	defer server.Close()

	client := NewProviderClient(zap.NewNop())
	text, err := client.Complete(context.Background(), &ProviderConfig{
		Dialect: DialectOllama,
		BaseURL: server.URL,
		Model:   "qwen2.5",
		Local:   true,
	}, "系统提示词", []ChatTurn{{Role: "user", Content: "你好"}})

	require.NoError(t, err)
	assert.Equal(t, "本地模型输出", text)
}

// TestProviderClient_ExtractorOrder 多结构同时存在时按固定顺序取第一个非空
func TestProviderClient_ExtractorOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "openai优先"}}],
			"response": "兜底不应生效"
		}`))
	}))
	defer server.Close()

	client := NewProviderClient(zap.NewNop())
	text, err := client.Complete(context.Background(), &ProviderConfig{
		Dialect: DialectGateway,
		BaseURL: server.URL,
		Model:   "internal-model",
	}, "提示词", nil)

	require.NoError(t, err)
	assert.Equal(t, "openai优先", text)
}

// TestProviderClient_AuthFailure 401映射为认证失败分类
func TestProviderClient_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "invalid api key"}`))
	}))
	defer server.Close()

	client := NewProviderClient(zap.NewNop())
	_, err := client.Complete(context.Background(), &ProviderConfig{
		Dialect: DialectOpenAI,
		BaseURL: server.URL,
		APIKey:  "wrong",
		Model:   "gpt-4o-mini",
	}, "提示词", nil)

	require.Error(t, err)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ProviderAuthFailed, pe.Kind)
	assert.Contains(t, pe.Remediation(), "密钥")
}

// TestProviderClient_BadResponse 未知响应结构映射为bad_response
func TestProviderClient_BadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected": "shape"}`))
	}))
	defer server.Close()

	client := NewProviderClient(zap.NewNop())
	_, err := client.Complete(context.Background(), &ProviderConfig{
		Dialect: DialectOpenAI,
		BaseURL: server.URL,
		Model:   "gpt-4o-mini",
	}, "提示词", nil)

	require.Error(t, err)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ProviderBadResponse, pe.Kind)
}

// TestProviderClient_ConnRefused 连接失败映射为conn_refused
func TestProviderClient_ConnRefused(t *testing.T) {
	client := NewProviderClient(zap.NewNop())
	_, err := client.Complete(context.Background(), &ProviderConfig{
		Dialect: DialectOllama,
		BaseURL: "http://127.0.0.1:1", // 无服务监听的端口
		Model:   "qwen2.5",
	}, "提示词", nil)

	require.Error(t, err)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ProviderConnRefused, pe.Kind)
}
