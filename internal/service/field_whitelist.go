package service

import (
	"strings"

	"go.uber.org/zap"

	"chatbi-go/internal/ai"
)

// FieldWhitelistBuilder 字段白名单构建器
// 按优先级取材：结构查询的真实结果行、归一化结构、最后是结果列名本身。
// 三条路都取不到字段时硬失败，空白名单等于没有约束。
type FieldWhitelistBuilder struct {
	logger *zap.Logger
}

// NewFieldWhitelistBuilder 创建白名单构建器
func NewFieldWhitelistBuilder(logger *zap.Logger) *FieldWhitelistBuilder {
	return &FieldWhitelistBuilder{logger: logger}
}

// Build 构建字段白名单
// raw为结构查询的原始结果，schema为归一化结构，sourceSQL为结构查询语句
func (b *FieldWhitelistBuilder) Build(connectionID int64, raw *QueryResult, schema *ai.Schema, sourceSQL string) (ai.FieldWhitelist, error) {
	whitelist := ai.FieldWhitelist{}

	// 1. 结构查询的真实结果行
	if raw != nil && len(raw.Rows) > 0 && LooksLikeSchemaResult(raw) {
		b.fromSchemaRows(whitelist, raw)
	}

	// 2. 归一化结构兜底
	if len(whitelist) == 0 && schema != nil {
		for _, table := range schema.Tables {
			for _, col := range table.Columns {
				whitelist[table.Name] = append(whitelist[table.Name], col.Name)
			}
		}
	}

	// 3. 结果行不是结构形态时，用查询自身的列名挂到FROM解析出的表上
	if len(whitelist) == 0 && raw != nil && len(raw.Columns) > 0 {
		if tables := ai.ExtractTableNames(sourceSQL); len(tables) > 0 {
			whitelist[tables[0]] = append([]string(nil), raw.Columns...)
			b.logger.Warn("白名单降级为查询结果列名",
				zap.Int64("connection_id", connectionID),
				zap.String("table", tables[0]))
		}
	}

	if len(whitelist) == 0 {
		return nil, &WhitelistEmptyError{ConnectionID: connectionID}
	}

	b.logger.Debug("字段白名单构建完成",
		zap.Int64("connection_id", connectionID),
		zap.Int("tables", len(whitelist)))
	return whitelist, nil
}

// fromSchemaRows 从结构形态的结果行按表聚合列名
func (b *FieldWhitelistBuilder) fromSchemaRows(whitelist ai.FieldWhitelist, raw *QueryResult) {
	for _, row := range raw.Rows {
		normalized := make(map[string]any, len(row))
		for key, value := range row {
			normalized[strings.ToLower(strings.TrimSpace(key))] = value
		}

		tableName := pickString(normalized, tableNameKeys)
		columnName := pickString(normalized, columnNameKeys)
		if tableName == "" || columnName == "" {
			continue
		}
		if !contains(whitelist[tableName], columnName) {
			whitelist[tableName] = append(whitelist[tableName], columnName)
		}
	}
}

func contains(list []string, item string) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, item) {
			return true
		}
	}
	return false
}
