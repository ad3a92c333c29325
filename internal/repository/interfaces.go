// Package repository 数据访问层接口定义
// 核心管道只依赖这些接口，具体实现位于postgres子包
package repository

import (
	"context"
)

// SessionRepository 对话会话存储
type SessionRepository interface {
	Create(ctx context.Context, session *ChatSession) error
	GetBySessionID(ctx context.Context, sessionID string) (*ChatSession, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*ChatSession, error)
}

// MessageRepository 对话消息存储
// 核心管道写入消息元数据后立即返回，不等待持久化结果
type MessageRepository interface {
	Create(ctx context.Context, message *ChatMessage) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error)
}

// ConnectionRepository 数据库连接配置存储
type ConnectionRepository interface {
	GetByID(ctx context.Context, id int64) (*DatabaseConnection, error)
	ListByUser(ctx context.Context, userID int64) ([]*DatabaseConnection, error)
	ListTools(ctx context.Context, connectionID int64) ([]*QueryTool, error)
}

// SchemaRepository 表结构元数据缓存
// 只作为结构查询失败时的降级数据源
type SchemaRepository interface {
	ListByConnection(ctx context.Context, connectionID int64) ([]*SchemaMetadata, error)
	BatchReplace(ctx context.Context, connectionID int64, metadata []*SchemaMetadata) error
}

// PermissionRepository 访问规则存储
type PermissionRepository interface {
	ListRules(ctx context.Context, connectionID int64, role string) ([]*PermissionRule, error)
}

// AuditRepository 查询审计存储
type AuditRepository interface {
	Record(ctx context.Context, record *AuditRecord) error
}

// Repository 聚合所有Repository接口
// 便于依赖注入和单元测试Mock
type Repository interface {
	Session() SessionRepository
	Message() MessageRepository
	Connection() ConnectionRepository
	Schema() SchemaRepository
	Permission() PermissionRepository
	Audit() AuditRepository
}
