package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatbi-go/internal/ai"
	"chatbi-go/internal/repository"
)

func correctionSchema() *ai.Schema {
	return &ai.Schema{
		Tables: []ai.Table{
			{Name: "customers", Columns: []ai.Column{
				{Name: "id"}, {Name: "name"}, {Name: "email"},
			}},
			{Name: "orders", Columns: []ai.Column{
				{Name: "id"}, {Name: "customer_id"}, {Name: "amount"},
			}},
		},
	}
}

func correctionWhitelist() ai.FieldWhitelist {
	return ai.FieldWhitelist{
		"customers": {"id", "name", "email"},
		"orders":    {"id", "customer_id", "amount"},
	}
}

func openPolicy() *AccessPolicy {
	return CompileAccessPolicy(nil, repository.RoleUser, zap.NewNop())
}

func newLoop(provider CompletionClient, executor QueryRunner) *SelfCorrectionLoop {
	return NewSelfCorrectionLoop(
		provider,
		ai.NewResponseParser(),
		ai.NewSQLValidator(zap.NewNop()),
		executor,
		zap.NewNop(),
	)
}

func correctionInput(policy *AccessPolicy) *CorrectionInput {
	return &CorrectionInput{
		ConnectionID: 1,
		Provider:     &ai.ProviderConfig{Dialect: ai.DialectOpenAI, Model: "gpt-4o-mini"},
		SystemPrompt: "系统提示词",
		Turns:        []ai.ChatTurn{{Role: "user", Content: "查询客户"}},
		Whitelist:    correctionWhitelist(),
		Schema:       correctionSchema(),
		Policy:       policy,
	}
}

func businessRows() *QueryResult {
	return &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"id", "name"},
		RowCount: 1,
		Rows:     []map[string]any{{"id": 1, "name": "张三"}},
	}
}

// TestSelfCorrectionLoop_HappyPath 首轮即成功
func TestSelfCorrectionLoop_HappyPath(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "客户列表", "sql": "SELECT id, name FROM customers"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{{result: businessRows()}}}
	loop := newLoop(provider, executor)

	outcome, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Attempts)
	assert.Empty(t, outcome.Retries)
	assert.Equal(t, "SELECT id, name FROM customers", outcome.FinalSQL)
	assert.Equal(t, int32(1), outcome.Result.RowCount)
}

// TestSelfCorrectionLoop_SchemaMismatchRetry 结构核对失败触发一次重新生成
func TestSelfCorrectionLoop_SchemaMismatchRetry(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "客户国家", "sql": "SELECT country FROM customers"}`,
		`{"explanation": "客户列表", "sql": "SELECT id, name FROM customers"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{{result: businessRows()}}}
	loop := newLoop(provider, executor)

	outcome, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 1, outcome.Retries[retrySchemaAdvice])
	assert.Equal(t, "SELECT id, name FROM customers", outcome.FinalSQL)
	// 第一轮没有送到数据库执行
	assert.Len(t, executor.executed, 1)
}

// TestSelfCorrectionLoop_ExecutionErrorRetry 数据库报未知列触发一次修正
func TestSelfCorrectionLoop_ExecutionErrorRetry(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "客户邮箱", "sql": "SELECT id, email FROM customers"}`,
		`{"explanation": "客户列表", "sql": "SELECT id, name FROM customers"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{
		{err: errors.New(`ERROR: column "email" does not exist (SQLSTATE 42703)`)},
		{result: businessRows()},
	}}
	loop := newLoop(provider, executor)

	outcome, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 1, outcome.Retries[retryExecution])
	assert.Equal(t, "SELECT id, name FROM customers", outcome.FinalSQL)
}

// TestSelfCorrectionLoop_RetryFailureKeepsFirstError 修正后再失败时报最初的错误并附字段提示
func TestSelfCorrectionLoop_RetryFailureKeepsFirstError(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "客户邮箱", "sql": "SELECT id, email FROM customers"}`,
		`{"explanation": "客户电话", "sql": "SELECT id, name FROM customers"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{
		{err: errors.New(`ERROR: column "email" does not exist (SQLSTATE 42703)`)},
		{err: errors.New(`ERROR: column "phone" does not exist (SQLSTATE 42703)`)},
	}}
	loop := newLoop(provider, executor)

	_, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.Error(t, err)

	assert.Contains(t, err.Error(), `column "email" does not exist`, "保留第一次的数据库错误")
	assert.NotContains(t, err.Error(), `column "phone"`)
	assert.Contains(t, err.Error(), "customers(id, name, email)")
	assert.Contains(t, err.Error(), "orders(id, customer_id, amount)")
}

// TestSelfCorrectionLoop_UnclassifiedExecutionErrorFailsFast 提不出标识符的错误不重试
func TestSelfCorrectionLoop_UnclassifiedExecutionErrorFailsFast(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "客户列表", "sql": "SELECT id, name FROM customers"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{
		{err: errors.New("connection reset by peer")},
	}}
	loop := newLoop(provider, executor)

	_, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls)
}

// TestSelfCorrectionLoop_JoinRetry 缺少JOIN触发一次重新生成
func TestSelfCorrectionLoop_JoinRetry(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "客户订单", "sql": "SELECT id, name FROM customers"}`,
		`{"explanation": "客户订单", "sql": "SELECT c.name, o.amount FROM customers c JOIN orders o ON c.id = o.customer_id"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{{result: businessRows()}}}
	loop := newLoop(provider, executor)

	input := correctionInput(openPolicy())
	input.NeedsJoin = true
	input.JoinTables = []string{"customers", "orders"}

	outcome, err := loop.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 1, outcome.Retries[retryJoin])
	assert.Contains(t, outcome.FinalSQL, "JOIN")
}

// TestSelfCorrectionLoop_PermissionBlockedNoRetry 权限拦截不触发重试
func TestSelfCorrectionLoop_PermissionBlockedNoRetry(t *testing.T) {
	rules := []*repository.PermissionRule{
		{TableName: "customers", DenyColumns: []string{"email"}},
	}
	policy := CompileAccessPolicy(rules, repository.RoleUser, zap.NewNop())

	provider := &fakeCompletion{responses: []string{
		`{"explanation": "客户邮箱", "sql": "SELECT id, email FROM customers"}`,
	}}
	executor := &fakeQueryRunner{}
	loop := newLoop(provider, executor)

	_, err := loop.Run(context.Background(), correctionInput(policy))
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, 1, provider.calls)
	assert.Empty(t, executor.executed, "越权SQL不会送到数据库")
}

// TestSelfCorrectionLoop_SchemaOnlySubflow 结构查询结果触发二次业务查询
func TestSelfCorrectionLoop_SchemaOnlySubflow(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "先看结构", "sql": "SELECT id, name FROM customers"}`,
		`{"explanation": "客户列表", "sql": "SELECT id, name FROM customers"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{
		{result: schemaToolResult()},
		{result: businessRows()},
	}}
	loop := newLoop(provider, executor)

	outcome, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 1, outcome.Retries[retrySchemaSubflow])
	assert.Equal(t, int32(1), outcome.Result.RowCount)
}

// TestSelfCorrectionLoop_SchemaOnlyTwiceFails 二次查询仍是结构结果时失败
func TestSelfCorrectionLoop_SchemaOnlyTwiceFails(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "先看结构", "sql": "SELECT id, name FROM customers"}`,
		`{"explanation": "还是结构", "sql": "SELECT id, name FROM customers"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{
		{result: schemaToolResult()},
		{result: schemaToolResult()},
	}}
	loop := newLoop(provider, executor)

	_, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatchingTable))
}

// TestSelfCorrectionLoop_NullSQLReturnsExplanation 模型明确无法回答时只返回解释
func TestSelfCorrectionLoop_NullSQLReturnsExplanation(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "白名单中没有地区字段，无法回答这个问题", "sql": null}`,
	}}
	executor := &fakeQueryRunner{}
	loop := newLoop(provider, executor)

	outcome, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.NoError(t, err)

	assert.Empty(t, outcome.FinalSQL)
	assert.Nil(t, outcome.Result)
	assert.Contains(t, outcome.Query.Explanation, "无法回答")
	assert.Empty(t, executor.executed)
}

// TestSelfCorrectionLoop_ValidationRetryExhausted 连续两次危险SQL后失败
func TestSelfCorrectionLoop_ValidationRetryExhausted(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "删库", "sql": "DELETE FROM customers"}`,
		`{"explanation": "再删", "sql": "DROP TABLE customers"}`,
	}}
	executor := &fakeQueryRunner{}
	loop := newLoop(provider, executor)

	_, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryExhausted))
	assert.Equal(t, 2, provider.calls)
	assert.Empty(t, executor.executed)
}

// TestSelfCorrectionLoop_ToolCall 模型调用预置工具时执行工具SQL
func TestSelfCorrectionLoop_ToolCall(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "使用预置的月度销售查询", "toolCall": "monthly_sales"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{{result: businessRows()}}}
	loop := newLoop(provider, executor)

	input := correctionInput(openPolicy())
	input.Tools = []*repository.QueryTool{
		{Name: "monthly_sales", SQL: "SELECT id, name FROM customers", ToolType: repository.ToolTypeQuery},
	}

	outcome, err := loop.Run(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, name FROM customers", outcome.FinalSQL)
	require.NotEmpty(t, executor.executed)
	assert.Equal(t, "SELECT id, name FROM customers", executor.executed[0])
}

// TestSelfCorrectionLoop_ExpandsSelectStar SELECT *在校验前被展开
func TestSelfCorrectionLoop_ExpandsSelectStar(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"explanation": "全部客户", "sql": "SELECT * FROM customers"}`,
	}}
	executor := &fakeQueryRunner{script: []fakeExecution{{result: businessRows()}}}
	loop := newLoop(provider, executor)

	outcome, err := loop.Run(context.Background(), correctionInput(openPolicy()))
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, name, email FROM customers", outcome.FinalSQL)
}
