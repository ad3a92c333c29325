package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatbi-go/internal/ai"
)

func enrichmentSchema() *ai.Schema {
	return &ai.Schema{
		Tables: []ai.Table{
			{Name: "orders", Columns: []ai.Column{
				{Name: "id", IsPrimaryKey: true},
				{Name: "customer_id", IsForeignKey: true, ForeignTable: "customers"},
				{Name: "amount"},
			}},
			{Name: "customers", Columns: []ai.Column{
				{Name: "id", IsPrimaryKey: true},
				{Name: "name"},
			}},
		},
	}
}

func orderRows() *QueryResult {
	return &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"id", "customer_id", "amount"},
		RowCount: 3,
		Rows: []map[string]any{
			{"id": 1, "customer_id": 10, "amount": 100},
			{"id": 2, "customer_id": 20, "amount": 200},
			{"id": 3, "customer_id": nil, "amount": 300},
		},
	}
}

// TestResultPostProcessor_EnrichByLookup JOIN改写失败时批量IN补名
func TestResultPostProcessor_EnrichByLookup(t *testing.T) {
	executor := &fakeQueryRunner{script: []fakeExecution{
		// JOIN改写重查失败
		{err: errors.New("syntax error at or near")},
		// 批量IN查找成功
		{result: &QueryResult{
			Status:   QueryStatusSuccess,
			Columns:  []string{"id", "name"},
			RowCount: 2,
			Rows: []map[string]any{
				{"id": 10, "name": "张三"},
				{"id": 20, "name": "李四"},
			},
		}},
	}}
	processor := NewResultPostProcessor(executor, nil, zap.NewNop())

	result := orderRows()
	processed := processor.Process(context.Background(), &PostProcessInput{
		ConnectionID: 1,
		Query:        &ai.GeneratedQuery{},
		Result:       result,
		Schema:       enrichmentSchema(),
		SQL:          "SELECT id, customer_id, amount FROM orders",
	})

	require.Contains(t, processed.Result.Columns, "customer_id_name")
	assert.Equal(t, "张三", result.Rows[0]["customer_id_name"])
	assert.Equal(t, "李四", result.Rows[1]["customer_id_name"])
	assert.Nil(t, result.Rows[2]["customer_id_name"], "NULL外键保持NULL")
	// 行序不变
	assert.Equal(t, 1, result.Rows[0]["id"])
	assert.Equal(t, 3, result.Rows[2]["id"])
}

// TestResultPostProcessor_LookupQuotesStringIDs 字符串外键值转义加引号后才进IN列表
func TestResultPostProcessor_LookupQuotesStringIDs(t *testing.T) {
	executor := &fakeQueryRunner{script: []fakeExecution{
		// JOIN改写重查失败
		{err: errors.New("syntax error at or near")},
		{result: &QueryResult{
			Status:   QueryStatusSuccess,
			Columns:  []string{"id", "name"},
			RowCount: 1,
			Rows:     []map[string]any{{"id": "a'b", "name": "张三"}},
		}},
	}}
	processor := NewResultPostProcessor(executor, nil, zap.NewNop())

	result := &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"id", "customer_id"},
		RowCount: 1,
		Rows:     []map[string]any{{"id": 1, "customer_id": "a'b"}},
	}
	processor.Process(context.Background(), &PostProcessInput{
		ConnectionID: 1,
		Query:        &ai.GeneratedQuery{},
		Result:       result,
		Schema:       enrichmentSchema(),
		SQL:          "SELECT id, customer_id FROM orders",
	})

	require.Len(t, executor.executed, 2)
	assert.Contains(t, executor.executed[1], "IN ('a''b')")
	assert.Equal(t, "张三", result.Rows[0]["customer_id_name"])
}

// TestResultPostProcessor_EnrichByJoin JOIN改写成功时整体替换结果
func TestResultPostProcessor_EnrichByJoin(t *testing.T) {
	joined := &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"id", "customer_id", "amount", "customer_id_name"},
		RowCount: 1,
		Rows:     []map[string]any{{"id": 1, "customer_id": 10, "amount": 100, "customer_id_name": "张三"}},
	}
	executor := &fakeQueryRunner{script: []fakeExecution{{result: joined}}}
	processor := NewResultPostProcessor(executor, nil, zap.NewNop())

	result := orderRows()
	processor.Process(context.Background(), &PostProcessInput{
		ConnectionID: 1,
		Query:        &ai.GeneratedQuery{},
		Result:       result,
		Schema:       enrichmentSchema(),
		SQL:          "SELECT id, customer_id, amount FROM orders",
	})

	assert.Contains(t, result.Columns, "customer_id_name")
	require.Len(t, executor.executed, 1)
	assert.Contains(t, executor.executed[0], "LEFT JOIN customers")
}

// TestResultPostProcessor_JoinAndLookupAgree JOIN改写与批量查找补出相同的行集
// 结构来自归一化推断而非手写外键标记，覆盖实时探测的主路径
func TestResultPostProcessor_JoinAndLookupAgree(t *testing.T) {
	schema := NormalizeSchemaRows(&QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"table_name", "column_name", "data_type"},
		RowCount: 5,
		Rows: []map[string]any{
			{"table_name": "customers", "column_name": "id", "data_type": "integer"},
			{"table_name": "customers", "column_name": "name", "data_type": "varchar"},
			{"table_name": "orders", "column_name": "id", "data_type": "integer"},
			{"table_name": "orders", "column_name": "customer_id", "data_type": "integer"},
			{"table_name": "orders", "column_name": "amount", "data_type": "numeric"},
		},
	})
	require.NotNil(t, schema.FindTable("orders"))

	// 路径一：JOIN改写成功
	joined := &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"id", "customer_id", "amount", "customer_id_name"},
		RowCount: 3,
		Rows: []map[string]any{
			{"id": 1, "customer_id": 10, "amount": 100, "customer_id_name": "张三"},
			{"id": 2, "customer_id": 20, "amount": 200, "customer_id_name": "李四"},
			{"id": 3, "customer_id": nil, "amount": 300, "customer_id_name": nil},
		},
	}
	joinResult := orderRows()
	NewResultPostProcessor(&fakeQueryRunner{script: []fakeExecution{{result: joined}}}, nil, zap.NewNop()).
		Process(context.Background(), &PostProcessInput{
			ConnectionID: 1,
			Query:        &ai.GeneratedQuery{},
			Result:       joinResult,
			Schema:       schema,
			SQL:          "SELECT id, customer_id, amount FROM orders",
		})

	// 路径二：JOIN改写失败，批量IN查找兜底
	lookupResult := orderRows()
	NewResultPostProcessor(&fakeQueryRunner{script: []fakeExecution{
		{err: errors.New("syntax error at or near")},
		{result: &QueryResult{
			Status:   QueryStatusSuccess,
			Columns:  []string{"id", "name"},
			RowCount: 2,
			Rows: []map[string]any{
				{"id": 10, "name": "张三"},
				{"id": 20, "name": "李四"},
			},
		}},
	}}, nil, zap.NewNop()).
		Process(context.Background(), &PostProcessInput{
			ConnectionID: 1,
			Query:        &ai.GeneratedQuery{},
			Result:       lookupResult,
			Schema:       schema,
			SQL:          "SELECT id, customer_id, amount FROM orders",
		})

	assert.Equal(t, joinResult.Columns, lookupResult.Columns)
	assert.Equal(t, joinResult.Rows, lookupResult.Rows)
}

// TestResultPostProcessor_StaticTranslation 模型不可用时退回静态词典
func TestResultPostProcessor_StaticTranslation(t *testing.T) {
	processor := NewResultPostProcessor(&fakeQueryRunner{}, nil, zap.NewNop())

	result := &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"name", "amount", "unknown_field"},
		RowCount: 1,
		Rows:     []map[string]any{{"name": "a", "amount": 1, "unknown_field": "x"}},
	}
	processed := processor.Process(context.Background(), &PostProcessInput{
		Query:  &ai.GeneratedQuery{},
		Result: result,
		SQL:    "SELECT name, amount, unknown_field FROM items",
	})

	assert.Equal(t, "名称", processed.ColumnLabels["name"])
	assert.Equal(t, "金额", processed.ColumnLabels["amount"])
	_, ok := processed.ColumnLabels["unknown_field"]
	assert.False(t, ok, "词典没有的列保留原名")
}

// TestResultPostProcessor_ModelTranslation 模型翻译优先于静态词典
func TestResultPostProcessor_ModelTranslation(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"name": "客户姓名", "amount": "订单金额"}`,
	}}
	processor := NewResultPostProcessor(&fakeQueryRunner{}, provider, zap.NewNop())

	result := &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"name", "amount"},
		RowCount: 1,
		Rows:     []map[string]any{{"name": "a", "amount": 1}},
	}
	processed := processor.Process(context.Background(), &PostProcessInput{
		Provider: &ai.ProviderConfig{Dialect: ai.DialectOpenAI},
		Query:    &ai.GeneratedQuery{},
		Result:   result,
		SQL:      "SELECT name, amount FROM items",
	})

	assert.Equal(t, "客户姓名", processed.ColumnLabels["name"])
	assert.Equal(t, "订单金额", processed.ColumnLabels["amount"])
}

// TestResultPostProcessor_VisualizationAxisCheck 轴列不存在时放弃图表
func TestResultPostProcessor_VisualizationAxisCheck(t *testing.T) {
	processor := NewResultPostProcessor(&fakeQueryRunner{}, nil, zap.NewNop())

	result := &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"region", "total"},
		RowCount: 1,
		Rows:     []map[string]any{{"region": "east", "total": 10}},
	}

	valid := processor.Process(context.Background(), &PostProcessInput{
		Query: &ai.GeneratedQuery{Visualization: &ai.Visualization{
			ChartType: "bar", XAxis: "region", YAxis: "total",
		}},
		Result: result,
		SQL:    "SELECT region, total FROM sales",
	})
	require.NotNil(t, valid.Visualization)
	assert.Equal(t, "bar", valid.Visualization.ChartType)

	invalid := processor.Process(context.Background(), &PostProcessInput{
		Query: &ai.GeneratedQuery{Visualization: &ai.Visualization{
			ChartType: "bar", XAxis: "不存在的列", YAxis: "total",
		}},
		Result: result,
		SQL:    "SELECT region, total FROM sales",
	})
	assert.Nil(t, invalid.Visualization)
}

// TestResultPostProcessor_TableCommandDropsVisualization 表格指令下即使模型给了图表也丢弃
func TestResultPostProcessor_TableCommandDropsVisualization(t *testing.T) {
	processor := NewResultPostProcessor(&fakeQueryRunner{}, nil, zap.NewNop())

	result := &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"region"},
		RowCount: 1,
		Rows:     []map[string]any{{"region": "east"}},
	}
	processed := processor.Process(context.Background(), &PostProcessInput{
		Query: &ai.GeneratedQuery{Visualization: &ai.Visualization{
			ChartType: "bar", XAxis: "region",
		}},
		Result:        result,
		SQL:           "SELECT region FROM sales",
		OutputCommand: ai.CommandTable,
	})

	assert.Nil(t, processed.Visualization)
}

// TestResultPostProcessor_ReportFanOut 报告请求并行产出归因分析和报告
func TestResultPostProcessor_ReportFanOut(t *testing.T) {
	provider := &fakeCompletion{responses: []string{
		`{"region": "地区"}`, // 列名翻译
		"归因分析内容",
		"报告内容",
	}}
	processor := NewResultPostProcessor(&fakeQueryRunner{}, provider, zap.NewNop())

	result := &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"region"},
		RowCount: 1,
		Rows:     []map[string]any{{"region": "east"}},
	}
	processed := processor.Process(context.Background(), &PostProcessInput{
		Provider:      &ai.ProviderConfig{Dialect: ai.DialectOpenAI},
		Question:      "各地区情况如何",
		Query:         &ai.GeneratedQuery{},
		Result:        result,
		SQL:           "SELECT region FROM sales",
		OutputCommand: ai.CommandReport,
	})

	assert.NotEmpty(t, processed.Attribution)
	assert.NotEmpty(t, processed.Report)
	assert.Equal(t, 3, provider.calls)
}

// TestResultPostProcessor_AnalysisFailureIsolated 单项分析失败不影响另一项
func TestResultPostProcessor_AnalysisFailureIsolated(t *testing.T) {
	provider := &fakeCompletion{
		responses: []string{`{}`, "", "报告内容"},
		errs:      []error{nil, errors.New("超时"), nil},
	}
	processor := NewResultPostProcessor(&fakeQueryRunner{}, provider, zap.NewNop())

	result := &QueryResult{
		Status:   QueryStatusSuccess,
		Columns:  []string{"region"},
		RowCount: 1,
		Rows:     []map[string]any{{"region": "east"}},
	}
	processed := processor.Process(context.Background(), &PostProcessInput{
		Provider:      &ai.ProviderConfig{Dialect: ai.DialectOpenAI},
		Query:         &ai.GeneratedQuery{},
		Result:        result,
		SQL:           "SELECT region FROM sales",
		OutputCommand: ai.CommandReport,
	})

	// 两个并行任务一个失败一个成功，成功的那个照常返回
	assert.True(t, processed.Attribution != "" || processed.Report != "")
	assert.False(t, processed.Attribution != "" && processed.Report != "")
}
