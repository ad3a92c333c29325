package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatbi-go/internal/ai"
	"chatbi-go/internal/metrics"
	"chatbi-go/internal/repository"
)

// ChatRequest 一次对话请求
type ChatRequest struct {
	Messages     []ai.ChatTurn `json:"messages" binding:"required,min=1"`
	ConnectionID int64         `json:"databaseConnectionId" binding:"required"`
	SessionID    string        `json:"sessionId"`
	UserID       int64         `json:"-"`
	Role         string        `json:"-"`
}

// ChatResponse 一次对话响应
type ChatResponse struct {
	Message       string            `json:"message"`
	SQL           string            `json:"sql,omitempty"`
	QueryResult   *QueryResult      `json:"queryResult,omitempty"`
	ColumnLabels  map[string]string `json:"columnLabels,omitempty"`
	Visualization *ai.Visualization `json:"visualization,omitempty"`
	Attribution   string            `json:"attributionAnalysis,omitempty"`
	Report        string            `json:"aiReport,omitempty"`
	Error         string            `json:"error,omitempty"`
	WorkProcess   []string          `json:"workProcess,omitempty"`
	SessionID     string            `json:"sessionId"`
}

// ChatPipeline 对话查询管道
// 意图分类、结构探测、白名单、权限过滤、提示词、自修正执行、结果后处理
// 的端到端编排。每次请求独立走完整管道，不在请求间共享可变状态。
type ChatPipeline struct {
	classifier    *ai.IntentClassifier
	composer      *ai.PromptComposer
	introspector  *SchemaIntrospector
	whitelist     *FieldWhitelistBuilder
	loop          *SelfCorrectionLoop
	postprocessor *ResultPostProcessor

	sessionRepo    repository.SessionRepository
	messageRepo    repository.MessageRepository
	permissionRepo repository.PermissionRepository
	auditRepo      repository.AuditRepository

	provider *ai.ProviderConfig
	metrics  *metrics.PrometheusMetrics
	logger   *zap.Logger
}

// ChatPipelineDeps 管道依赖集合
type ChatPipelineDeps struct {
	Classifier    *ai.IntentClassifier
	Composer      *ai.PromptComposer
	Introspector  *SchemaIntrospector
	Whitelist     *FieldWhitelistBuilder
	Loop          *SelfCorrectionLoop
	Postprocessor *ResultPostProcessor

	SessionRepo    repository.SessionRepository
	MessageRepo    repository.MessageRepository
	PermissionRepo repository.PermissionRepository
	AuditRepo      repository.AuditRepository

	Provider *ai.ProviderConfig
	Metrics  *metrics.PrometheusMetrics
	Logger   *zap.Logger
}

// NewChatPipeline 创建对话管道
func NewChatPipeline(deps *ChatPipelineDeps) *ChatPipeline {
	return &ChatPipeline{
		classifier:     deps.Classifier,
		composer:       deps.Composer,
		introspector:   deps.Introspector,
		whitelist:      deps.Whitelist,
		loop:           deps.Loop,
		postprocessor:  deps.Postprocessor,
		sessionRepo:    deps.SessionRepo,
		messageRepo:    deps.MessageRepo,
		permissionRepo: deps.PermissionRepo,
		auditRepo:      deps.AuditRepo,
		provider:       deps.Provider,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
	}
}

// 非查询意图的固定回复
const (
	featureListReply = "我可以帮你用自然语言查询业务数据：统计汇总、排名对比、趋势分析都可以。" +
		"直接描述你想看的数据即可，例如\"统计上个月各地区的销售额\"。" +
		"也可以要求用表格或图表展示，或者让我生成一份数据报告。"
	chitchatReply = "你好，我是数据查询助手。告诉我你想查什么数据，我来帮你生成并执行查询。"
)

// Handle 处理一次对话请求
func (p *ChatPipeline) Handle(ctx context.Context, req *ChatRequest) *ChatResponse {
	start := time.Now()
	question := lastUserMessage(req.Messages)
	sessionID := p.ensureSession(ctx, req, question)

	resp := &ChatResponse{SessionID: sessionID}

	intent := p.classifier.Classify(question)
	switch intent {
	case ai.IntentFeatureList:
		resp.Message = featureListReply
		p.metrics.RecordPipeline("success", string(intent), time.Since(start))
		return resp
	case ai.IntentNonQuery:
		resp.Message = chitchatReply
		p.metrics.RecordPipeline("success", string(intent), time.Since(start))
		return resp
	}

	result, err := p.runQuery(ctx, req, question, resp)
	status := "success"
	switch {
	case err == nil:
		// fallthrough到审计
	case IsPermissionDenied(err):
		status = "blocked"
		p.metrics.RecordBlockedQuery()
		resp.Error = err.Error()
		resp.Message = "这个查询涉及你没有权限访问的数据。"
	default:
		status = "failed"
		resp.Error = err.Error()
		resp.Message = userFacingError(err)
	}

	duration := time.Since(start)
	p.metrics.RecordPipeline(status, string(intent), duration)
	p.audit(ctx, req, question, resp.SQL, status, resp.Error, duration)
	p.persistMessages(req, question, resp, status)

	if err == nil && result != nil {
		p.logger.Info("对话查询完成",
			zap.String("session_id", sessionID),
			zap.Int64("connection_id", req.ConnectionID),
			zap.Int32("row_count", result.RowCount),
			zap.Duration("duration", duration))
	}
	return resp
}

// runQuery 查询意图的完整管道
func (p *ChatPipeline) runQuery(ctx context.Context, req *ChatRequest, question string, resp *ChatResponse) (*QueryResult, error) {
	outputCommand := p.classifier.DetectOutputCommand(question)

	// 结构探测，未配置结构工具直接失败
	introspection, err := p.introspector.Introspect(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	resp.WorkProcess = append(resp.WorkProcess, "已获取数据库结构")
	if introspection.Degraded {
		resp.WorkProcess = append(resp.WorkProcess, "数据库结构暂不可用，已降级处理")
	} else if introspection.FromCache {
		resp.WorkProcess = append(resp.WorkProcess, "使用缓存的数据库结构")
	}

	// 按角色编译访问策略
	rules, err := p.permissionRepo.ListRules(ctx, req.ConnectionID, req.Role)
	if err != nil {
		return nil, fmt.Errorf("加载权限规则失败: %w", err)
	}
	policy := CompileAccessPolicy(rules, req.Role, p.logger)
	filteredSchema := policy.FilterSchema(introspection.Schema)

	// 白名单构建与权限过滤，空白名单硬失败
	whitelist, err := p.whitelist.Build(req.ConnectionID, introspection.Raw, filteredSchema, introspection.ToolSQL)
	if err != nil {
		return nil, err
	}
	whitelist = policy.FilterWhitelist(whitelist)
	if len(whitelist) == 0 {
		return nil, &WhitelistEmptyError{ConnectionID: req.ConnectionID}
	}
	resp.WorkProcess = append(resp.WorkProcess, "已构建字段白名单")

	tools, err := p.introspector.ListQueryTools(ctx, req.ConnectionID)
	if err != nil {
		p.logger.Warn("加载查询工具失败", zap.Error(err))
	}

	loopValidator := p.loop.validator
	needsJoin, joinTables := loopValidator.DetectMultiTableNeed(question, filteredSchema)

	systemPrompt := p.composer.Compose(&ai.ComposeInput{
		DatabaseType:  "postgresql",
		Schema:        filteredSchema,
		Whitelist:     whitelist,
		Tools:         promptTools(tools),
		OutputCommand: outputCommand,
		NeedsJoin:     needsJoin,
		JoinTables:    joinTables,
	})

	outcome, err := p.loop.Run(ctx, &CorrectionInput{
		ConnectionID: req.ConnectionID,
		Provider:     p.provider,
		SystemPrompt: systemPrompt,
		Turns:        req.Messages,
		Whitelist:    whitelist,
		Schema:       filteredSchema,
		Policy:       policy,
		Tools:        tools,
		NeedsJoin:    needsJoin,
		JoinTables:   joinTables,
	})
	if outcome != nil {
		resp.WorkProcess = append(resp.WorkProcess, outcome.WorkProcess...)
		p.metrics.RecordModelRoundTrips(outcome.Attempts)
		for category, count := range outcome.Retries {
			for i := 0; i < count; i++ {
				p.metrics.RecordRegeneration(category)
			}
		}
	}
	if err != nil {
		if outcome != nil {
			resp.SQL = outcome.FinalSQL
		}
		return nil, err
	}

	// 模型明确表示无法回答，只有解释没有SQL
	if outcome.FinalSQL == "" {
		resp.Message = outcome.Query.Explanation
		return nil, nil
	}
	resp.SQL = outcome.FinalSQL

	// 执行后打码
	maskedCells := policy.ApplyMasking(outcome.Result, outcome.FinalSQL)
	p.metrics.RecordMaskedCells(maskedCells)
	p.metrics.RecordSQLExecution(outcome.Result.Status,
		time.Duration(outcome.Result.ExecutionTime)*time.Millisecond)

	// 结果增强
	processed := p.postprocessor.Process(ctx, &PostProcessInput{
		ConnectionID:  req.ConnectionID,
		Provider:      p.provider,
		Question:      question,
		Query:         outcome.Query,
		Result:        outcome.Result,
		Schema:        filteredSchema,
		SQL:           outcome.FinalSQL,
		OutputCommand: outputCommand,
	})

	resp.QueryResult = processed.Result
	resp.ColumnLabels = processed.ColumnLabels
	resp.Visualization = processed.Visualization
	resp.Attribution = processed.Attribution
	resp.Report = processed.Report
	resp.Message = outcome.Query.Explanation
	if resp.Message == "" {
		resp.Message = fmt.Sprintf("查询完成，共返回%d行数据。", processed.Result.RowCount)
	}
	return processed.Result, nil
}

// ensureSession 没有会话ID时创建新会话，创建失败不阻断对话
func (p *ChatPipeline) ensureSession(ctx context.Context, req *ChatRequest, question string) string {
	if req.SessionID != "" {
		return req.SessionID
	}

	sessionID := uuid.NewString()
	session := &repository.ChatSession{
		SessionID:    sessionID,
		UserID:       req.UserID,
		ConnectionID: req.ConnectionID,
		Title:        sessionTitle(question),
	}
	if err := p.sessionRepo.Create(ctx, session); err != nil {
		p.logger.Warn("创建会话失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	req.SessionID = sessionID
	return sessionID
}

// audit 落一条审计记录，失败只记日志
func (p *ChatPipeline) audit(ctx context.Context, req *ChatRequest, question, sql, status, errMsg string, duration time.Duration) {
	record := &repository.AuditRecord{
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		ConnectionID: req.ConnectionID,
		NaturalQuery: question,
		SQL:          sql,
		Status:       status,
		ErrorMessage: errMsg,
		DurationMS:   int32(duration.Milliseconds()),
	}
	if err := p.auditRepo.Record(ctx, record); err != nil {
		p.logger.Warn("写入审计记录失败", zap.Error(err))
	}
}

// persistMessages 异步持久化本轮对话，不阻塞响应返回
// status与审计记录用同一份裁决，消息元数据和审计不允许各说各话
func (p *ChatPipeline) persistMessages(req *ChatRequest, question string, resp *ChatResponse, status string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		userMsg := &repository.ChatMessage{
			SessionID: req.SessionID,
			Role:      repository.MessageRoleUser,
			Content:   question,
		}
		if err := p.messageRepo.Create(ctx, userMsg); err != nil {
			p.logger.Warn("持久化用户消息失败", zap.Error(err))
		}

		metadata := repository.MessageMetadata{
			SQL:         resp.SQL,
			WorkProcess: resp.WorkProcess,
			Error:       resp.Error,
			Status:      status,
		}
		if resp.QueryResult != nil {
			if snapshot, err := json.Marshal(resp.QueryResult); err == nil {
				metadata.QueryResult = snapshot
			}
		}
		assistantMsg := &repository.ChatMessage{
			SessionID: req.SessionID,
			Role:      repository.MessageRoleAssistant,
			Content:   resp.Message,
			Metadata:  metadata,
		}
		if err := p.messageRepo.Create(ctx, assistantMsg); err != nil {
			p.logger.Warn("持久化助手消息失败", zap.Error(err))
		}
	}()
}

func lastUserMessage(messages []ai.ChatTurn) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

func sessionTitle(question string) string {
	runes := []rune(strings.TrimSpace(question))
	if len(runes) > 30 {
		return string(runes[:30])
	}
	return string(runes)
}

// userFacingError 把内部错误翻译成用户可读的提示
func userFacingError(err error) string {
	switch {
	case IsWhitelistEmpty(err):
		return "没有可用的数据表信息，无法安全地生成查询，请联系管理员检查连接配置。"
	case errors.Is(err, ErrSchemaToolMissing):
		return "这个数据库连接还没有配置结构查询，请先在连接设置里配置。"
	case errors.Is(err, ErrNoMatchingTable):
		return "没有找到能回答这个问题的数据表，请换个问法试试。"
	default:
		if pe, ok := ai.AsProviderError(err); ok {
			return pe.Remediation()
		}
		return "查询处理失败，请稍后重试。"
	}
}

func promptTools(tools []*repository.QueryTool) []ai.PromptTool {
	var result []ai.PromptTool
	for _, tool := range tools {
		result = append(result, ai.PromptTool{Name: tool.Name, Description: tool.Description})
	}
	return result
}
