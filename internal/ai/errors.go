package ai

import (
	"errors"
	"fmt"
)

// ProviderErrorKind 模型提供商错误分类
// 不同分类映射到不同的用户修复提示，绝不合并为笼统的"请求失败"
type ProviderErrorKind string

const (
	ProviderTimeout      ProviderErrorKind = "timeout"       // 请求超时
	ProviderAuthFailed   ProviderErrorKind = "auth_failed"   // 认证失败（401/403）
	ProviderDNSFailure   ProviderErrorKind = "dns_failure"   // 域名解析失败
	ProviderConnRefused  ProviderErrorKind = "conn_refused"  // 连接被拒绝
	ProviderNetworkError ProviderErrorKind = "network_error" // 其他网络错误
	ProviderBadResponse  ProviderErrorKind = "bad_response"  // 响应格式无法识别
)

// ProviderError 模型提供商调用错误
type ProviderError struct {
	Kind     ProviderErrorKind
	Provider string // 提供商方言：openai/anthropic/ollama/gateway
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("模型提供商[%s]调用失败(%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Remediation 针对错误分类的用户修复提示
func (e *ProviderError) Remediation() string {
	switch e.Kind {
	case ProviderTimeout:
		return "模型响应超时，请稍后重试或切换到更快的模型"
	case ProviderAuthFailed:
		return "模型API密钥无效或已过期，请检查模型配置中的密钥"
	case ProviderDNSFailure:
		return "无法解析模型服务地址，请检查API地址拼写和网络DNS配置"
	case ProviderConnRefused:
		return "模型服务拒绝连接，请确认服务已启动且端口正确"
	case ProviderNetworkError:
		return "连接模型服务时网络异常，请检查网络连通性"
	default:
		return "模型返回了无法识别的响应，请检查模型配置"
	}
}

// IsProviderTimeout 判断是否为提供商超时错误
func IsProviderTimeout(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ProviderTimeout
}

// AsProviderError 提取ProviderError
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}
