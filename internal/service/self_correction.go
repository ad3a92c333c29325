package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"chatbi-go/internal/ai"
	"chatbi-go/internal/repository"
)

// CompletionClient 聊天补全入口
type CompletionClient interface {
	Complete(ctx context.Context, config *ai.ProviderConfig, systemPrompt string, turns []ai.ChatTurn) (string, error)
}

// 失败类别，每个类别最多触发一次重新生成
const (
	retryValidation    = "validation"
	retrySchemaAdvice  = "schema_mismatch"
	retryJoin          = "join"
	retryExecution     = "execution_error"
	retrySchemaSubflow = "schema_only"
)

// 驱动错误中的未知标识符提取
var (
	unknownColumnRes = []*regexp.Regexp{
		regexp.MustCompile(`column "([^"]+)" does not exist`),
		regexp.MustCompile(`Unknown column '([^']+)'`),
	}
	unknownTableRes = []*regexp.Regexp{
		regexp.MustCompile(`relation "([^"]+)" does not exist`),
		regexp.MustCompile(`Table '[^']*\.([^']+)' doesn't exist`),
	}
)

// CorrectionInput 自修正循环的一次运行输入
type CorrectionInput struct {
	ConnectionID int64
	Provider     *ai.ProviderConfig
	SystemPrompt string
	Turns        []ai.ChatTurn
	Whitelist    ai.FieldWhitelist
	Schema       *ai.Schema
	Policy       *AccessPolicy
	Tools        []*repository.QueryTool
	NeedsJoin    bool
	JoinTables   []string
}

// CorrectionOutcome 自修正循环的最终产物
type CorrectionOutcome struct {
	Query       *ai.GeneratedQuery
	Result      *QueryResult
	FinalSQL    string
	Attempts    int               // 模型调用次数
	Retries     map[string]int    // 各类别触发的重新生成次数
	WorkProcess []string          // 处理轨迹
}

// SelfCorrectionLoop 有界自修正循环
// 生成、校验、执行的状态机。每个失败类别只允许一次重新生成，
// 把模型往返次数钉死在一个小常数上，绝不无限循环。
type SelfCorrectionLoop struct {
	provider  CompletionClient
	parser    *ai.ResponseParser
	validator *ai.SQLValidator
	executor  QueryRunner
	logger    *zap.Logger
}

// NewSelfCorrectionLoop 创建自修正循环
func NewSelfCorrectionLoop(
	provider CompletionClient,
	parser *ai.ResponseParser,
	validator *ai.SQLValidator,
	executor QueryRunner,
	logger *zap.Logger,
) *SelfCorrectionLoop {
	return &SelfCorrectionLoop{
		provider:  provider,
		parser:    parser,
		validator: validator,
		executor:  executor,
		logger:    logger,
	}
}

// Run 执行一轮完整的生成、校验、执行循环
func (l *SelfCorrectionLoop) Run(ctx context.Context, input *CorrectionInput) (*CorrectionOutcome, error) {
	outcome := &CorrectionOutcome{Retries: map[string]int{}}
	turns := append([]ai.ChatTurn(nil), input.Turns...)
	var firstExecErr error

	for {
		query, raw, err := l.generate(ctx, input, turns, outcome)
		if err != nil {
			return outcome, err
		}
		outcome.Query = query

		// 模型调用预置工具
		if query.ToolCall != "" {
			if tool := findTool(input.Tools, query.ToolCall); tool != nil {
				query.SQL = tool.SQL
				outcome.WorkProcess = append(outcome.WorkProcess,
					fmt.Sprintf("调用预置查询工具 %s", tool.Name))
			} else {
				query.ToolCall = ""
			}
		}

		// 模型明确表示无法回答
		if query.SQL == "" {
			return outcome, nil
		}

		sql := l.validator.ExpandSelectStar(query.SQL, input.Whitelist)

		// 安全校验
		if validation := l.validator.Validate(sql, false); !validation.Valid {
			feedback := fmt.Sprintf("你生成的SQL未通过校验: %s。请只生成一条白名单内的SELECT查询，重新输出完整JSON。", validation.Reason)
			if l.retryOnce(outcome, retryValidation) {
				turns = appendFeedback(turns, raw, feedback)
				outcome.WorkProcess = append(outcome.WorkProcess, "SQL校验未通过，正在修正")
				continue
			}
			return outcome, fmt.Errorf("%w: %s", ErrRetryExhausted, validation.Reason)
		}

		// 结构顾问核对
		if advice := l.validator.ValidateSchema(sql, input.Schema); !advice.Valid {
			if l.retryOnce(outcome, retrySchemaAdvice) {
				turns = appendFeedback(turns, raw, schemaAdviceFeedback(advice))
				outcome.WorkProcess = append(outcome.WorkProcess, "SQL引用了不存在的表或列，正在修正")
				continue
			}
			// 顾问信号用尽重试机会后放行，交给真实执行裁决
		}

		// JOIN要求评估
		if joinCheck := l.validator.AssessJoinRequirement(sql, input.NeedsJoin, input.JoinTables); joinCheck.ShouldRegenerate {
			if l.retryOnce(outcome, retryJoin) {
				turns = appendFeedback(turns, raw, joinFeedback(joinCheck, input.JoinTables))
				outcome.WorkProcess = append(outcome.WorkProcess, "查询缺少必要的表关联，正在修正")
				continue
			}
		}

		// 访问策略：行级过滤注入与越权硬拦截，权限错误不重试
		sql, err = input.Policy.ApplyToSQL(sql)
		if err != nil {
			return outcome, err
		}
		if err := input.Policy.EnforceColumnAccess(sql); err != nil {
			return outcome, err
		}

		outcome.FinalSQL = sql
		outcome.WorkProcess = append(outcome.WorkProcess, "正在执行查询")

		result, execErr := l.executor.ExecuteQuery(ctx, sql, input.ConnectionID)
		outcome.Result = result

		if execErr != nil {
			if firstExecErr == nil {
				firstExecErr = execErr
			}
			feedback, classified := executionFeedback(execErr.Error())
			if classified && l.retryOnce(outcome, retryExecution) {
				turns = appendFeedback(turns, raw, feedback)
				outcome.WorkProcess = append(outcome.WorkProcess, "查询执行失败，正在根据数据库反馈修正")
				continue
			}
			// 修正机会用尽时按最初的数据库错误报告，并附上可用字段提示
			if hint := whitelistHint(input.Whitelist); hint != "" {
				return outcome, fmt.Errorf("查询执行失败: %w。可用的表和字段: %s", firstExecErr, hint)
			}
			return outcome, fmt.Errorf("查询执行失败: %w", firstExecErr)
		}

		// 模型答了一条结构查询而不是业务查询：把结果当新结构再给它一次机会
		if LooksLikeSchemaResult(result) {
			if l.retryOnce(outcome, retrySchemaSubflow) {
				discovered := NormalizeSchemaRows(result)
				turns = appendFeedback(turns, raw, schemaOnlyFeedback(discovered))
				outcome.WorkProcess = append(outcome.WorkProcess, "获得了新的表结构，正在生成业务查询")
				continue
			}
			return outcome, ErrNoMatchingTable
		}

		outcome.WorkProcess = append(outcome.WorkProcess, "查询完成")
		return outcome, nil
	}
}

// generate 调用模型并解析响应
func (l *SelfCorrectionLoop) generate(ctx context.Context, input *CorrectionInput, turns []ai.ChatTurn, outcome *CorrectionOutcome) (*ai.GeneratedQuery, string, error) {
	outcome.Attempts++
	if outcome.Attempts == 1 {
		outcome.WorkProcess = append(outcome.WorkProcess, "正在生成SQL")
	}

	raw, err := l.provider.Complete(ctx, input.Provider, input.SystemPrompt, turns)
	if err != nil {
		return nil, "", fmt.Errorf("模型调用失败: %w", err)
	}

	query, err := l.parser.Parse(raw, input.Whitelist)
	if err != nil {
		return nil, "", fmt.Errorf("模型响应解析失败: %w", err)
	}

	l.logger.Debug("模型响应解析完成",
		zap.Int("attempt", outcome.Attempts),
		zap.Bool("has_sql", query.SQL != ""),
		zap.String("tool_call", query.ToolCall))

	return query, raw, nil
}

// retryOnce 每个失败类别只允许一次重新生成
func (l *SelfCorrectionLoop) retryOnce(outcome *CorrectionOutcome, category string) bool {
	if outcome.Retries[category] >= 1 {
		return false
	}
	outcome.Retries[category]++
	l.logger.Info("触发SQL重新生成",
		zap.String("category", category),
		zap.Int("attempt", outcome.Attempts))
	return true
}

// appendFeedback 把上一轮响应和修正指令追加到对话
func appendFeedback(turns []ai.ChatTurn, previousRaw, feedback string) []ai.ChatTurn {
	return append(turns,
		ai.ChatTurn{Role: "assistant", Content: previousRaw},
		ai.ChatTurn{Role: "user", Content: feedback},
	)
}

func schemaAdviceFeedback(advice *ai.SchemaValidation) string {
	var parts []string
	if len(advice.InvalidTables) > 0 {
		parts = append(parts, fmt.Sprintf("不存在的表: %s", strings.Join(advice.InvalidTables, ", ")))
	}
	if len(advice.InvalidColumns) > 0 {
		parts = append(parts, fmt.Sprintf("不存在的列: %s", strings.Join(advice.InvalidColumns, ", ")))
	}
	return fmt.Sprintf("你生成的SQL引用了数据库中不存在的对象（%s）。请只使用白名单中列出的表和列，重新输出完整JSON。",
		strings.Join(parts, "；"))
}

func joinFeedback(check *ai.JoinAssessment, tables []string) string {
	if check.Reason == ai.JoinReasonCommaJoin {
		return "你的SQL在FROM子句中使用了逗号分隔的多表写法。请改用显式JOIN语法并给出关联条件，重新输出完整JSON。"
	}
	return fmt.Sprintf("这个问题需要关联多张表（%s），但你的SQL只查询了单表。请使用显式JOIN把相关表关联起来，重新输出完整JSON。",
		strings.Join(tables, "、"))
}

// whitelistHint 把白名单渲染成一行提示，执行彻底失败时附在错误后
func whitelistHint(whitelist ai.FieldWhitelist) string {
	var parts []string
	for _, table := range whitelist.Tables() {
		parts = append(parts, fmt.Sprintf("%s(%s)", table, strings.Join(whitelist[table], ", ")))
	}
	return strings.Join(parts, "；")
}

// executionFeedback 把驱动错误翻译为修正指令
// 只有能提取出具体标识符的错误才值得重试，其他错误重试也不会变好
func executionFeedback(errText string) (string, bool) {
	for _, re := range unknownColumnRes {
		if m := re.FindStringSubmatch(errText); len(m) > 1 {
			return fmt.Sprintf("执行失败：列 %s 不存在。请从白名单中选择正确的列名，重新输出完整JSON。", m[1]), true
		}
	}
	for _, re := range unknownTableRes {
		if m := re.FindStringSubmatch(errText); len(m) > 1 {
			return fmt.Sprintf("执行失败：表 %s 不存在。请从白名单中选择正确的表名，重新输出完整JSON。", m[1]), true
		}
	}
	if strings.Contains(errText, "syntax error") {
		return fmt.Sprintf("执行失败：SQL语法错误（%s）。请修正语法后重新输出完整JSON。", errText), true
	}
	return "", false
}

// schemaOnlyFeedback 结构查询子流程的提示
func schemaOnlyFeedback(discovered *ai.Schema) string {
	var b strings.Builder
	b.WriteString("你刚才生成的是结构查询而不是业务查询。根据查询到的表结构：\n")
	for _, table := range discovered.Tables {
		var cols []string
		for _, col := range table.Columns {
			cols = append(cols, col.Name)
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", table.Name, strings.Join(cols, ", ")))
	}
	b.WriteString("请基于这些表生成回答用户问题的业务查询，重新输出完整JSON。")
	return b.String()
}

func findTool(tools []*repository.QueryTool, name string) *repository.QueryTool {
	for _, tool := range tools {
		if strings.EqualFold(tool.Name, name) {
			return tool
		}
	}
	return nil
}
