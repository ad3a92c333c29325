package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatbi-go/internal/ai"
	"chatbi-go/internal/repository"
)

// QueryRunner 目标库查询执行入口
type QueryRunner interface {
	ExecuteQuery(ctx context.Context, sql string, connectionID int64) (*QueryResult, error)
}

// SchemaIntrospector 数据库结构探测器
// 结构信息只来自连接上预配置的schema工具，未配置时直接失败而非猜测。
// 探测结果每次请求实时获取，落库的元数据只作为空结果时的降级数据源。
type SchemaIntrospector struct {
	executor       QueryRunner
	connectionRepo repository.ConnectionRepository
	schemaRepo     repository.SchemaRepository
	logger         *zap.Logger
}

// IntrospectionResult 结构探测结果
type IntrospectionResult struct {
	Schema    *ai.Schema   // 归一化后的结构
	Raw       *QueryResult // 结构查询原始结果，白名单构建用
	ToolSQL   string       // 结构查询语句
	Degraded  bool         // 实时探测与缓存均为空
	FromCache bool         // 来自缓存降级
}

// 结构查询结果中各语义字段可能的列名写法，全部小写比较
var (
	tableNameKeys  = []string{"table_name", "tablename", "table", "tbl_name", "表名"}
	columnNameKeys = []string{"column_name", "columnname", "column", "col_name", "字段名", "列名"}
	dataTypeKeys   = []string{"data_type", "column_type", "type", "数据类型", "类型"}
	commentKeys    = []string{"column_comment", "comment", "remarks", "description", "注释", "说明"}
	nullableKeys   = []string{"is_nullable", "nullable", "可空"}
	primaryKeyKeys = []string{"is_primary_key", "primary_key", "column_key", "主键"}
)

// NewSchemaIntrospector 创建结构探测器
func NewSchemaIntrospector(
	executor QueryRunner,
	connectionRepo repository.ConnectionRepository,
	schemaRepo repository.SchemaRepository,
	logger *zap.Logger,
) *SchemaIntrospector {
	return &SchemaIntrospector{
		executor:       executor,
		connectionRepo: connectionRepo,
		schemaRepo:     schemaRepo,
		logger:         logger,
	}
}

// Introspect 实时探测连接的数据库结构
func (s *SchemaIntrospector) Introspect(ctx context.Context, connectionID int64) (*IntrospectionResult, error) {
	tool, err := s.findSchemaTool(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	raw, err := s.executor.ExecuteQuery(ctx, tool.SQL, connectionID)
	if err != nil {
		return nil, fmt.Errorf("结构查询执行失败: %w", err)
	}

	if raw.RowCount > 0 {
		schema := NormalizeSchemaRows(raw)
		if !schema.IsEmpty() {
			s.refreshCache(ctx, connectionID, schema)
			return &IntrospectionResult{Schema: schema, Raw: raw, ToolSQL: tool.SQL}, nil
		}
	}

	// 实时探测为空，降级到缓存的元数据
	s.logger.Warn("结构查询返回空结果，降级到缓存元数据",
		zap.Int64("connection_id", connectionID))

	cached, err := s.buildFromCache(ctx, connectionID)
	if err != nil {
		s.logger.Warn("读取缓存元数据失败", zap.Error(err))
	}
	if cached != nil && !cached.IsEmpty() {
		return &IntrospectionResult{Schema: cached, Raw: raw, ToolSQL: tool.SQL, FromCache: true}, nil
	}

	// 彻底拿不到结构，带降级标记返回空结构，由上层决定是否继续
	return &IntrospectionResult{
		Schema:   &ai.Schema{},
		Raw:      raw,
		ToolSQL:  tool.SQL,
		Degraded: true,
	}, nil
}

// findSchemaTool 查找连接上配置的结构查询工具
func (s *SchemaIntrospector) findSchemaTool(ctx context.Context, connectionID int64) (*repository.QueryTool, error) {
	tools, err := s.connectionRepo.ListTools(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("查询连接工具配置失败: %w", err)
	}
	for _, tool := range tools {
		if tool.ToolType == repository.ToolTypeSchema {
			return tool, nil
		}
	}
	return nil, ErrSchemaToolMissing
}

// ListQueryTools 列出连接上的普通查询工具（不含schema工具）
func (s *SchemaIntrospector) ListQueryTools(ctx context.Context, connectionID int64) ([]*repository.QueryTool, error) {
	tools, err := s.connectionRepo.ListTools(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("查询连接工具配置失败: %w", err)
	}
	var queryTools []*repository.QueryTool
	for _, tool := range tools {
		if tool.ToolType == repository.ToolTypeQuery {
			queryTools = append(queryTools, tool)
		}
	}
	return queryTools, nil
}

// NormalizeSchemaRows 把任意列名风格的结构查询结果归一化为Schema
// 客户库的结构查询五花八门，按候选键逐个匹配而不约定固定格式
func NormalizeSchemaRows(raw *QueryResult) *ai.Schema {
	schema := &ai.Schema{}
	tableIndex := map[string]int{}

	for _, row := range raw.Rows {
		normalized := make(map[string]any, len(row))
		for key, value := range row {
			normalized[strings.ToLower(strings.TrimSpace(key))] = value
		}

		tableName := pickString(normalized, tableNameKeys)
		if tableName == "" {
			continue
		}

		idx, ok := tableIndex[strings.ToLower(tableName)]
		if !ok {
			schema.Tables = append(schema.Tables, ai.Table{Name: tableName})
			idx = len(schema.Tables) - 1
			tableIndex[strings.ToLower(tableName)] = idx
		}

		columnName := pickString(normalized, columnNameKeys)
		if columnName == "" {
			continue
		}

		schema.Tables[idx].Columns = append(schema.Tables[idx].Columns, ai.Column{
			Name:         columnName,
			Type:         pickString(normalized, dataTypeKeys),
			Description:  pickString(normalized, commentKeys),
			Nullable:     pickBool(normalized, nullableKeys),
			IsPrimaryKey: pickBool(normalized, primaryKeyKeys),
		})
	}

	// 结构查询通常不带外键信息，按列名约定补推
	schema.InferForeignKeys()
	return schema
}

// LooksLikeSchemaResult 判断查询结果是否像结构元数据而非业务数据
// 需要同时具备表名列，以及列名、类型、注释三者之一
func LooksLikeSchemaResult(result *QueryResult) bool {
	if result == nil || len(result.Columns) == 0 {
		return false
	}

	hasTableName := false
	hasColumnInfo := false
	for _, col := range result.Columns {
		lower := strings.ToLower(strings.TrimSpace(col))
		if containsKey(tableNameKeys, lower) {
			hasTableName = true
		}
		if containsKey(columnNameKeys, lower) || containsKey(dataTypeKeys, lower) || containsKey(commentKeys, lower) {
			hasColumnInfo = true
		}
	}
	return hasTableName && hasColumnInfo
}

// buildFromCache 从落库的元数据缓存重建Schema，含外键信息
func (s *SchemaIntrospector) buildFromCache(ctx context.Context, connectionID int64) (*ai.Schema, error) {
	metadata, err := s.schemaRepo.ListByConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	schema := &ai.Schema{}
	tableIndex := map[string]int{}
	for _, meta := range metadata {
		idx, ok := tableIndex[strings.ToLower(meta.TableName)]
		if !ok {
			schema.Tables = append(schema.Tables, ai.Table{Name: meta.TableName})
			idx = len(schema.Tables) - 1
			tableIndex[strings.ToLower(meta.TableName)] = idx
		}

		column := ai.Column{
			Name:         meta.ColumnName,
			Type:         meta.DataType,
			Nullable:     meta.IsNullable,
			IsPrimaryKey: meta.IsPrimaryKey,
			IsForeignKey: meta.IsForeignKey,
		}
		if meta.ForeignTable != nil {
			column.ForeignTable = *meta.ForeignTable
		}
		if meta.ColumnComment != nil {
			column.Description = *meta.ColumnComment
		}
		schema.Tables[idx].Columns = append(schema.Tables[idx].Columns, column)
	}
	return schema, nil
}

// refreshCache 把实时探测结果写回元数据缓存，失败只记日志不影响主流程
func (s *SchemaIntrospector) refreshCache(ctx context.Context, connectionID int64, schema *ai.Schema) {
	var batch []*repository.SchemaMetadata
	now := time.Now().UTC()

	for _, table := range schema.Tables {
		for i, col := range table.Columns {
			meta := &repository.SchemaMetadata{
				ConnectionID:    connectionID,
				TableName:       table.Name,
				ColumnName:      col.Name,
				DataType:        col.Type,
				IsNullable:      col.Nullable,
				IsPrimaryKey:    col.IsPrimaryKey,
				IsForeignKey:    col.IsForeignKey,
				OrdinalPosition: int32(i + 1),
			}
			meta.CreateTime = now
			meta.UpdateTime = now
			if col.ForeignTable != "" {
				foreign := col.ForeignTable
				meta.ForeignTable = &foreign
				foreignCol := "id"
				meta.ForeignColumn = &foreignCol
			}
			if col.Description != "" {
				comment := col.Description
				meta.ColumnComment = &comment
			}
			batch = append(batch, meta)
		}
	}
	if len(batch) == 0 {
		return
	}

	if err := s.schemaRepo.BatchReplace(ctx, connectionID, batch); err != nil {
		s.logger.Warn("刷新元数据缓存失败",
			zap.Int64("connection_id", connectionID),
			zap.Error(err))
	}
}

func pickString(row map[string]any, keys []string) string {
	for _, key := range keys {
		if value, ok := row[key]; ok {
			if text, ok := value.(string); ok {
				return strings.TrimSpace(text)
			}
			if value != nil {
				return strings.TrimSpace(fmt.Sprintf("%v", value))
			}
		}
	}
	return ""
}

func pickBool(row map[string]any, keys []string) bool {
	for _, key := range keys {
		value, ok := row[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case bool:
			return v
		case string:
			lower := strings.ToLower(strings.TrimSpace(v))
			return lower == "yes" || lower == "true" || lower == "1" || lower == "pri" || lower == "是"
		case int, int32, int64, float64:
			return fmt.Sprintf("%v", v) != "0"
		}
	}
	return false
}

func containsKey(keys []string, candidate string) bool {
	for _, key := range keys {
		if key == candidate {
			return true
		}
	}
	return false
}
