package repository

import (
	"encoding/json"
	"time"
)

// BaseModel 所有数据模型的基础结构
// 包含统一的基础字段：创建信息、更新信息、软删除标记
type BaseModel struct {
	ID         int64     `json:"id" db:"id"`                   // 主键ID，自增长整型
	CreateTime time.Time `json:"create_time" db:"create_time"` // 创建时间，UTC时区
	UpdateTime time.Time `json:"update_time" db:"update_time"` // 最后更新时间，UTC时区
	IsDeleted  bool      `json:"is_deleted" db:"is_deleted"`   // 软删除标记
}

// ChatSession 对话会话
// 一个会话对应一个用户在一个数据库连接上的连续对话
type ChatSession struct {
	BaseModel
	SessionID    string `json:"session_id" db:"session_id"`       // 会话UUID，对外暴露的标识
	UserID       int64  `json:"user_id" db:"user_id"`             // 所属用户ID
	ConnectionID int64  `json:"connection_id" db:"connection_id"` // 关联的数据库连接ID
	Title        string `json:"title" db:"title"`                 // 会话标题，取首条消息摘要
}

// ChatMessage 对话消息
// 核心管道只负责产出消息及其元数据，持久化不阻塞响应
type ChatMessage struct {
	BaseModel
	SessionID string          `json:"session_id" db:"session_id"` // 所属会话UUID
	Role      string          `json:"role" db:"role"`             // user/assistant
	Content   string          `json:"content" db:"content"`       // 消息正文
	Metadata  MessageMetadata `json:"metadata" db:"metadata"`     // 审计元数据，JSONB存储
}

// MessageMetadata 消息审计元数据
// 记录生成的SQL、查询结果快照与处理轨迹，用于审计和回放
type MessageMetadata struct {
	SQL         string          `json:"sql,omitempty"`          // 最终执行的SQL
	QueryResult json.RawMessage `json:"query_result,omitempty"` // 查询结果快照
	WorkProcess []string        `json:"work_process,omitempty"` // 处理进度轨迹
	Error       string          `json:"error,omitempty"`        // 失败时的错误信息
	Status      string          `json:"status,omitempty"`       // success/failed/blocked
}

// DatabaseConnection 数据库连接配置
// 支持多数据库连接管理，密码加密存储
type DatabaseConnection struct {
	BaseModel
	UserID            int64      `json:"user_id" db:"user_id"`             // 连接所属用户ID
	Name              string     `json:"name" db:"name"`                   // 连接名称
	Host              string     `json:"host" db:"host"`                   // 数据库主机地址
	Port              int32      `json:"port" db:"port"`                   // 数据库端口号
	DatabaseName      string     `json:"database_name" db:"database_name"` // 数据库名称
	Username          string     `json:"username" db:"username"`           // 数据库用户名
	PasswordEncrypted string     `json:"-" db:"password_encrypted"`        // 加密存储的密码，不返回给前端
	DBType            string     `json:"db_type" db:"db_type"`             // postgresql/mysql
	Status            string     `json:"status" db:"status"`               // active/inactive/error
	LastTested        *time.Time `json:"last_tested" db:"last_tested"`     // 最后测试连接时间
}

// QueryTool 连接上预配置的命名查询
// 其中类型为schema的工具是结构探测的唯一入口：没有它管道直接失败
type QueryTool struct {
	BaseModel
	ConnectionID int64  `json:"connection_id" db:"connection_id"` // 所属数据库连接ID
	Name         string `json:"name" db:"name"`                   // 工具名称，提示词中对模型可见
	Description  string `json:"description" db:"description"`     // 工具用途说明
	SQL          string `json:"sql" db:"sql"`                     // 预置SQL语句
	ToolType     string `json:"tool_type" db:"tool_type"`         // schema/query
}

// SchemaMetadata 数据库表结构元数据缓存
// 结构查询返回空结果时的降级数据源，不作为ground truth
type SchemaMetadata struct {
	BaseModel
	ConnectionID    int64   `json:"connection_id" db:"connection_id"`     // 关联的数据库连接ID
	TableName       string  `json:"table_name" db:"table_name"`           // 表名
	ColumnName      string  `json:"column_name" db:"column_name"`         // 列名
	DataType        string  `json:"data_type" db:"data_type"`             // 数据类型
	IsNullable      bool    `json:"is_nullable" db:"is_nullable"`         // 是否允许NULL
	IsPrimaryKey    bool    `json:"is_primary_key" db:"is_primary_key"`   // 是否主键
	IsForeignKey    bool    `json:"is_foreign_key" db:"is_foreign_key"`   // 是否外键
	ForeignTable    *string `json:"foreign_table" db:"foreign_table"`     // 外键引用表
	ForeignColumn   *string `json:"foreign_column" db:"foreign_column"`   // 外键引用列
	ColumnComment   *string `json:"column_comment" db:"column_comment"`   // 列注释
	OrdinalPosition int32   `json:"ordinal_position" db:"ordinal_position"`
}

// PermissionRule 表/列级访问规则
// Effect为deny时整表或整列从过滤后结构中剔除；MaskColumns的列在结果中打码
type PermissionRule struct {
	BaseModel
	ConnectionID int64    `json:"connection_id" db:"connection_id"` // 适用的数据库连接ID
	Role         string   `json:"role" db:"role"`                   // 适用角色
	TableName    string   `json:"table_name" db:"table_name"`       // 目标表，*表示全部
	Effect       string   `json:"effect" db:"effect"`               // allow/deny
	DenyColumns  []string `json:"deny_columns" db:"deny_columns"`   // 禁止访问的列
	MaskColumns  []string `json:"mask_columns" db:"mask_columns"`   // 需要打码输出的列
	RowFilter    string   `json:"row_filter" db:"row_filter"`       // 行级过滤谓词，注入WHERE
}

// AuditRecord 查询审计记录
// 每次执行、阻断或失败的SQL尝试都会落一条记录
type AuditRecord struct {
	BaseModel
	UserID       int64  `json:"user_id" db:"user_id"`             // 发起用户ID
	SessionID    string `json:"session_id" db:"session_id"`       // 所属会话
	ConnectionID int64  `json:"connection_id" db:"connection_id"` // 目标连接
	NaturalQuery string `json:"natural_query" db:"natural_query"` // 原始自然语言问题
	SQL          string `json:"sql" db:"sql"`                     // 尝试执行的SQL，可为空
	Status       string `json:"status" db:"status"`               // success/failed/blocked
	ErrorMessage string `json:"error_message" db:"error_message"` // 失败原因
	DurationMS   int32  `json:"duration_ms" db:"duration_ms"`     // 管道耗时
}

// 用户角色枚举
const (
	RoleUser  = "user"  // 普通用户：受三层访问策略约束
	RoleAdmin = "admin" // 管理员：绕过访问策略
)

// MessageRole 消息角色枚举
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// AuditStatus 审计状态枚举
const (
	AuditSuccess = "success"
	AuditFailed  = "failed"
	AuditBlocked = "blocked"
)

// ToolTypeSchema 结构查询工具类型
const (
	ToolTypeSchema = "schema"
	ToolTypeQuery  = "query"
)
