package service

import (
	"context"
	"fmt"
	"sync"

	"chatbi-go/internal/ai"
	"chatbi-go/internal/repository"
)

// fakeQueryRunner 按调用顺序返回预置结果的执行器替身
type fakeQueryRunner struct {
	mu       sync.Mutex
	script   []fakeExecution
	executed []string
}

type fakeExecution struct {
	result *QueryResult
	err    error
}

func (f *fakeQueryRunner) ExecuteQuery(_ context.Context, sql string, _ int64) (*QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.executed = append(f.executed, sql)
	if len(f.script) == 0 {
		return &QueryResult{Status: QueryStatusSuccess, Columns: []string{}, Rows: []map[string]any{}}, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	if next.err != nil {
		if next.result == nil {
			next.result = &QueryResult{Status: QueryStatusError, Error: next.err.Error()}
		}
		return next.result, next.err
	}
	return next.result, nil
}

// fakeCompletion 按调用顺序返回预置响应的模型替身
type fakeCompletion struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeCompletion) Complete(_ context.Context, _ *ai.ProviderConfig, systemPrompt string, _ []ai.ChatTurn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, systemPrompt)

	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return "", fmt.Errorf("没有预置第%d次响应", idx+1)
}

// fakeConnectionRepo 连接配置替身
type fakeConnectionRepo struct {
	connection *repository.DatabaseConnection
	tools      []*repository.QueryTool
	toolsErr   error
}

func (f *fakeConnectionRepo) GetByID(_ context.Context, id int64) (*repository.DatabaseConnection, error) {
	if f.connection == nil {
		return nil, repository.ErrNotFound
	}
	return f.connection, nil
}

func (f *fakeConnectionRepo) ListByUser(_ context.Context, _ int64) ([]*repository.DatabaseConnection, error) {
	return []*repository.DatabaseConnection{f.connection}, nil
}

func (f *fakeConnectionRepo) ListTools(_ context.Context, _ int64) ([]*repository.QueryTool, error) {
	return f.tools, f.toolsErr
}

// fakeSchemaRepo 元数据缓存替身
type fakeSchemaRepo struct {
	mu       sync.Mutex
	metadata []*repository.SchemaMetadata
	replaced [][]*repository.SchemaMetadata
}

func (f *fakeSchemaRepo) ListByConnection(_ context.Context, _ int64) ([]*repository.SchemaMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata, nil
}

func (f *fakeSchemaRepo) BatchReplace(_ context.Context, _ int64, metadata []*repository.SchemaMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, metadata)
	return nil
}

// fakeSessionRepo 会话存储替身
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions []*repository.ChatSession
}

func (f *fakeSessionRepo) Create(_ context.Context, session *repository.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
	return nil
}

func (f *fakeSessionRepo) GetBySessionID(_ context.Context, sessionID string) (*repository.ChatSession, error) {
	for _, s := range f.sessions {
		if s.SessionID == sessionID {
			return s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSessionRepo) ListByUser(_ context.Context, _ int64, _, _ int) ([]*repository.ChatSession, error) {
	return f.sessions, nil
}

// fakeMessageRepo 消息存储替身
type fakeMessageRepo struct {
	mu       sync.Mutex
	messages []*repository.ChatMessage
}

func (f *fakeMessageRepo) Create(_ context.Context, message *repository.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeMessageRepo) ListBySession(_ context.Context, _ string, _ int) ([]*repository.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

// fakePermissionRepo 权限规则替身
type fakePermissionRepo struct {
	rules []*repository.PermissionRule
}

func (f *fakePermissionRepo) ListRules(_ context.Context, _ int64, _ string) ([]*repository.PermissionRule, error) {
	return f.rules, nil
}

// fakeAuditRepo 审计存储替身
type fakeAuditRepo struct {
	mu      sync.Mutex
	records []*repository.AuditRecord
}

func (f *fakeAuditRepo) Record(_ context.Context, record *repository.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

// schemaToolResult 标准形态的结构查询结果
func schemaToolResult() *QueryResult {
	return &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"table_name", "column_name", "data_type", "column_comment"},
		RowCount: 5,
		Rows: []map[string]any{
			{"table_name": "customers", "column_name": "id", "data_type": "integer", "column_comment": "主键"},
			{"table_name": "customers", "column_name": "name", "data_type": "varchar", "column_comment": "客户名"},
			{"table_name": "customers", "column_name": "email", "data_type": "varchar", "column_comment": nil},
			{"table_name": "orders", "column_name": "id", "data_type": "integer", "column_comment": nil},
			{"table_name": "orders", "column_name": "amount", "data_type": "numeric", "column_comment": "金额"},
		},
	}
}
