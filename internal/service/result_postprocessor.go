package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatbi-go/internal/ai"
)

// ResultPostProcessor 查询结果后处理器
// ID列补名、列名翻译、图表建议核对、归因分析与报告生成。
// 全部环节尽力而为：任何一步失败都只影响该项增强，不动原始结果。
type ResultPostProcessor struct {
	executor QueryRunner
	provider CompletionClient
	logger   *zap.Logger

	staticLabels map[string]string
}

// ProcessedResult 后处理产物
type ProcessedResult struct {
	Result        *QueryResult      `json:"result"`
	ColumnLabels  map[string]string `json:"column_labels,omitempty"`  // 列名到展示名
	Visualization *ai.Visualization `json:"visualization,omitempty"`  // 核对后的图表建议
	Attribution   string            `json:"attribution,omitempty"`    // 归因分析
	Report        string            `json:"report,omitempty"`         // AI报告
}

// PostProcessInput 后处理输入
type PostProcessInput struct {
	ConnectionID  int64
	Provider      *ai.ProviderConfig
	Question      string
	Query         *ai.GeneratedQuery
	Result        *QueryResult
	Schema        *ai.Schema
	SQL           string
	OutputCommand ai.OutputCommand
}

// NewResultPostProcessor 创建后处理器
func NewResultPostProcessor(executor QueryRunner, provider CompletionClient, logger *zap.Logger) *ResultPostProcessor {
	return &ResultPostProcessor{
		executor: executor,
		provider: provider,
		logger:   logger,
		staticLabels: map[string]string{
			"id":          "ID",
			"name":        "名称",
			"title":       "标题",
			"amount":      "金额",
			"total":       "合计",
			"count":       "数量",
			"price":       "价格",
			"quantity":    "数量",
			"status":      "状态",
			"category":    "分类",
			"region":      "地区",
			"email":       "邮箱",
			"phone":       "电话",
			"created_at":  "创建时间",
			"updated_at":  "更新时间",
			"create_time": "创建时间",
			"update_time": "更新时间",
			"order_date":  "下单日期",
		},
	}
}

// Process 对执行成功的结果做增强
func (p *ResultPostProcessor) Process(ctx context.Context, input *PostProcessInput) *ProcessedResult {
	processed := &ProcessedResult{Result: input.Result}
	if input.Result == nil || input.Result.RowCount == 0 {
		return processed
	}

	p.enrichIDColumns(ctx, input)
	processed.ColumnLabels = p.translateColumns(ctx, input)
	processed.Visualization = p.checkVisualization(input)

	// 报告类请求并行做归因分析和AI报告，互不拖累也互不阻断
	if input.OutputCommand == ai.CommandReport {
		p.runAnalysis(ctx, input, processed)
	}

	return processed
}

// enrichIDColumns 把外键ID列补上对应的名称列
// 优先改写原SQL做LEFT JOIN重查，失败时退回批量IN查找逐个映射
func (p *ResultPostProcessor) enrichIDColumns(ctx context.Context, input *PostProcessInput) {
	if input.Schema == nil || input.Schema.IsEmpty() {
		return
	}

	tables := ai.ExtractTableNames(input.SQL)
	if len(tables) != 1 {
		return
	}
	table := input.Schema.FindTable(tables[0])
	if table == nil {
		return
	}

	for _, col := range table.Columns {
		if !col.IsForeignKey || col.ForeignTable == "" {
			continue
		}
		if !hasColumn(input.Result.Columns, col.Name) {
			continue
		}

		foreign := input.Schema.FindTable(col.ForeignTable)
		if foreign == nil {
			continue
		}
		nameCol := displayColumn(foreign)
		if nameCol == "" {
			continue
		}

		if p.enrichByJoin(ctx, input, col.Name, foreign.Name, nameCol) {
			continue
		}
		p.enrichByLookup(ctx, input, col.Name, foreign, nameCol)
	}
}

// enrichByJoin 改写原SQL做LEFT JOIN重查，成功则整体替换结果
func (p *ResultPostProcessor) enrichByJoin(ctx context.Context, input *PostProcessInput, idCol, foreignTable, nameCol string) bool {
	baseTable := ai.ExtractTableNames(input.SQL)[0]
	rewritten := fmt.Sprintf(
		"SELECT base.*, ref.%s AS %s_%s FROM (%s) AS base LEFT JOIN %s AS ref ON base.%s = ref.id",
		nameCol, idCol, nameCol, strings.TrimRight(strings.TrimSpace(input.SQL), ";"), foreignTable, idCol)

	result, err := p.executor.ExecuteQuery(ctx, rewritten, input.ConnectionID)
	if err != nil {
		p.logger.Debug("JOIN改写补名失败，退回批量查找",
			zap.String("table", baseTable),
			zap.String("id_column", idCol),
			zap.Error(err))
		return false
	}

	input.Result.Columns = result.Columns
	input.Result.Rows = result.Rows
	input.Result.RowCount = result.RowCount
	return true
}

// enrichByLookup 批量IN查找外键名称，保持行序，NULL保持为NULL
func (p *ResultPostProcessor) enrichByLookup(ctx context.Context, input *PostProcessInput, idCol string, foreign *ai.Table, nameCol string) {
	ids := map[string]any{}
	for _, row := range input.Result.Rows {
		if value := row[idCol]; value != nil {
			ids[fmt.Sprintf("%v", value)] = value
		}
	}
	if len(ids) == 0 {
		return
	}

	idList := make([]string, 0, len(ids))
	for _, value := range ids {
		idList = append(idList, quoteScalar(value))
	}

	lookupSQL := fmt.Sprintf("SELECT id, %s FROM %s WHERE id IN (%s)",
		nameCol, foreign.Name, strings.Join(idList, ", "))
	lookup, err := p.executor.ExecuteQuery(ctx, lookupSQL, input.ConnectionID)
	if err != nil {
		p.logger.Debug("批量补名查找失败",
			zap.String("foreign_table", foreign.Name),
			zap.Error(err))
		return
	}

	nameByID := map[string]any{}
	for _, row := range lookup.Rows {
		nameByID[fmt.Sprintf("%v", row["id"])] = row[nameCol]
	}

	newCol := fmt.Sprintf("%s_%s", idCol, nameCol)
	for _, row := range input.Result.Rows {
		if value := row[idCol]; value != nil {
			row[newCol] = nameByID[fmt.Sprintf("%v", value)]
		} else {
			row[newCol] = nil
		}
	}
	input.Result.Columns = append(input.Result.Columns, newCol)
}

// translateColumns 列名翻译为展示名
// 先让模型翻译，失败时退回静态词典，词典没有的保留原名
func (p *ResultPostProcessor) translateColumns(ctx context.Context, input *PostProcessInput) map[string]string {
	labels := p.translateByModel(ctx, input)
	if labels == nil {
		labels = map[string]string{}
	}

	for _, col := range input.Result.Columns {
		if _, ok := labels[col]; ok {
			continue
		}
		if label, ok := p.staticLabels[strings.ToLower(col)]; ok {
			labels[col] = label
		}
	}
	if len(labels) == 0 {
		return nil
	}
	return labels
}

func (p *ResultPostProcessor) translateByModel(ctx context.Context, input *PostProcessInput) map[string]string {
	if p.provider == nil || input.Provider == nil {
		return nil
	}

	prompt := fmt.Sprintf(
		"把以下数据库列名翻译为简短的中文展示名，只输出一个JSON对象，键为原列名，值为中文名：%s",
		strings.Join(input.Result.Columns, ", "))

	raw, err := p.provider.Complete(ctx, input.Provider, "你是一个数据库列名翻译助手。", []ai.ChatTurn{{Role: "user", Content: prompt}})
	if err != nil {
		p.logger.Debug("模型列名翻译失败，退回静态词典", zap.Error(err))
		return nil
	}

	var labels map[string]string
	candidate := raw
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			candidate = raw[start : end+1]
		}
	}
	if err := json.Unmarshal([]byte(candidate), &labels); err != nil {
		return nil
	}
	return labels
}

// checkVisualization 核对模型给出的图表建议
// 轴列名必须真实存在于结果列中，对不上就放弃图表而不是渲染报错
func (p *ResultPostProcessor) checkVisualization(input *PostProcessInput) *ai.Visualization {
	if input.OutputCommand == ai.CommandTable {
		return nil
	}
	viz := input.Query.Visualization
	if viz == nil || viz.ChartType == "" {
		return nil
	}
	if viz.XAxis != "" && !hasColumn(input.Result.Columns, viz.XAxis) {
		p.logger.Debug("图表X轴列不存在，放弃可视化", zap.String("x_axis", viz.XAxis))
		return nil
	}
	if viz.YAxis != "" && !hasColumn(input.Result.Columns, viz.YAxis) {
		p.logger.Debug("图表Y轴列不存在，放弃可视化", zap.String("y_axis", viz.YAxis))
		return nil
	}
	return viz
}

// runAnalysis 并行生成归因分析和AI报告
// 单项失败只记日志并置空该项，另一项照常返回
func (p *ResultPostProcessor) runAnalysis(ctx context.Context, input *PostProcessInput, processed *ProcessedResult) {
	if p.provider == nil || input.Provider == nil {
		return
	}

	sample, err := json.Marshal(sampleRows(input.Result.Rows, 20))
	if err != nil {
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		prompt := fmt.Sprintf("用户问题：%s\n查询结果（最多20行样本）：%s\n请对数据做简短的归因分析，指出主要的驱动因素。", input.Question, sample)
		text, err := p.provider.Complete(groupCtx, input.Provider, "你是一名数据分析师。", []ai.ChatTurn{{Role: "user", Content: prompt}})
		if err != nil {
			p.logger.Warn("归因分析生成失败", zap.Error(err))
			return nil
		}
		processed.Attribution = text
		return nil
	})

	group.Go(func() error {
		prompt := fmt.Sprintf("用户问题：%s\n查询结果（最多20行样本）：%s\n请写一份简短的中文数据报告，包含结论和建议。", input.Question, sample)
		text, err := p.provider.Complete(groupCtx, input.Provider, "你是一名商业分析报告撰写人。", []ai.ChatTurn{{Role: "user", Content: prompt}})
		if err != nil {
			p.logger.Warn("AI报告生成失败", zap.Error(err))
			return nil
		}
		processed.Report = text
		return nil
	})

	_ = group.Wait()
}

// quoteScalar 把外键值转成可内联的SQL字面量
// 数值原样内联，其余一律按字符串加引号并转义，库里存的值同样不可信
func quoteScalar(value any) string {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", v)
	case json.Number:
		return v.String()
	}
	return "'" + strings.ReplaceAll(fmt.Sprintf("%v", value), "'", "''") + "'"
}

// displayColumn 选取外键表里适合做展示名的列
func displayColumn(table *ai.Table) string {
	for _, candidate := range []string{"name", "title", "label", "username"} {
		for _, col := range table.Columns {
			if strings.EqualFold(col.Name, candidate) {
				return col.Name
			}
		}
	}
	return ""
}

func hasColumn(columns []string, name string) bool {
	for _, col := range columns {
		if strings.EqualFold(col, name) {
			return true
		}
	}
	return false
}

func sampleRows(rows []map[string]any, max int) []map[string]any {
	if len(rows) <= max {
		return rows
	}
	return rows[:max]
}
