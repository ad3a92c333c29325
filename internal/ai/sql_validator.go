package ai

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// SQLValidator SQL安全与结构校验器
// 拦截非查询语句，并在执行前对照结构做顾问式核对
type SQLValidator struct {
	logger           *zap.Logger
	dangerousParts   map[string]*regexp.Regexp
	schemaQueryParts map[string]*regexp.Regexp
}

// ValidationResult 安全校验结果
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// SchemaValidation 结构顾问校验结果
// Valid为false不直接拦截执行，只用于提前触发重新生成
type SchemaValidation struct {
	Valid          bool     `json:"valid"`
	InvalidTables  []string `json:"invalid_tables,omitempty"`
	InvalidColumns []string `json:"invalid_columns,omitempty"`
}

// JoinAssessment JOIN要求评估结果
type JoinAssessment struct {
	ShouldRegenerate bool   `json:"should_regenerate"`
	Reason           string `json:"reason,omitempty"`
}

// JOIN评估原因
const (
	JoinReasonSingleTable = "single_table_when_join_required"
	JoinReasonCommaJoin   = "comma_multi_table_without_join"
)

// NewSQLValidator 创建SQL校验器
func NewSQLValidator(logger *zap.Logger) *SQLValidator {
	return &SQLValidator{
		logger: logger,
		dangerousParts: map[string]*regexp.Regexp{
			"INSERT":   regexp.MustCompile(`(?i)\bINSERT\b`),
			"UPDATE":   regexp.MustCompile(`(?i)\bUPDATE\b`),
			"DELETE":   regexp.MustCompile(`(?i)\bDELETE\b`),
			"DROP":     regexp.MustCompile(`(?i)\bDROP\b`),
			"CREATE":   regexp.MustCompile(`(?i)\bCREATE\b`),
			"ALTER":    regexp.MustCompile(`(?i)\bALTER\b`),
			"TRUNCATE": regexp.MustCompile(`(?i)\bTRUNCATE\b`),
			"GRANT":    regexp.MustCompile(`(?i)\bGRANT\b`),
			"REVOKE":   regexp.MustCompile(`(?i)\bREVOKE\b`),
			"EXECUTE":  regexp.MustCompile(`(?i)\bEXECUTE\b`),
			"COPY":     regexp.MustCompile(`(?i)\bCOPY\b`),
		},
		schemaQueryParts: map[string]*regexp.Regexp{
			"INFORMATION_SCHEMA": regexp.MustCompile(`(?i)\binformation_schema\b`),
			"PG_CATALOG":         regexp.MustCompile(`(?i)\bpg_catalog\b`),
			"SHOW":               regexp.MustCompile(`(?i)^\s*SHOW\b`),
			"DESCRIBE":           regexp.MustCompile(`(?i)^\s*(?:DESCRIBE|DESC)\b`),
		},
	}
}

// Validate 安全校验
// allowSchemaQueries为true时放行结构自省类查询（information_schema/SHOW/DESCRIBE）
func (v *SQLValidator) Validate(sql string, allowSchemaQueries bool) *ValidationResult {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return &ValidationResult{Valid: false, Reason: "SQL语句为空"}
	}

	isSchemaQuery := false
	for name, re := range v.schemaQueryParts {
		if re.MatchString(trimmed) {
			if !allowSchemaQueries {
				v.logger.Warn("拦截结构自省查询",
					zap.String("pattern", name),
					zap.String("sql", truncate(trimmed, 200)))
				return &ValidationResult{
					Valid:  false,
					Reason: fmt.Sprintf("不允许的结构查询: %s", name),
				}
			}
			isSchemaQuery = true
		}
	}

	// SHOW/DESCRIBE为语句级自省，放行后不再要求SELECT开头
	if isSchemaQuery && !IsStatementType(trimmed, "SELECT") {
		return &ValidationResult{Valid: true}
	}

	if !IsStatementType(trimmed, "SELECT") && !IsStatementType(trimmed, "WITH") {
		return &ValidationResult{Valid: false, Reason: "仅允许SELECT查询"}
	}

	for name, re := range v.dangerousParts {
		if re.MatchString(trimmed) {
			v.logger.Warn("拦截危险SQL关键字",
				zap.String("keyword", name),
				zap.String("sql", truncate(trimmed, 200)))
			return &ValidationResult{
				Valid:  false,
				Reason: fmt.Sprintf("包含禁止的关键字: %s", name),
			}
		}
	}

	return &ValidationResult{Valid: true}
}

// ValidateSchema 对照数据库结构核对SQL引用的表和列
// 正则提取是近似的，结果仅作顾问信号，不作为硬拦截依据
func (v *SQLValidator) ValidateSchema(sql string, schema *Schema) *SchemaValidation {
	result := &SchemaValidation{Valid: true}
	if schema == nil || schema.IsEmpty() {
		return result
	}

	refs := ExtractTableRefs(sql)
	aliasToTable := map[string]string{}
	for _, ref := range refs {
		if schema.FindTable(ref.Name) == nil {
			result.InvalidTables = append(result.InvalidTables, ref.Name)
			continue
		}
		aliasToTable[strings.ToLower(ref.Name)] = ref.Name
		if ref.Alias != "" {
			aliasToTable[strings.ToLower(ref.Alias)] = ref.Name
		}
	}

	for _, col := range ExtractQualifiedColumns(sql) {
		tableName, known := aliasToTable[strings.ToLower(col.Qualifier)]
		if !known {
			// 未识别的限定符多半是子查询别名，不下结论
			continue
		}
		table := schema.FindTable(tableName)
		if table != nil && !table.HasColumn(col.Column) {
			result.InvalidColumns = append(result.InvalidColumns,
				fmt.Sprintf("%s.%s", tableName, col.Column))
		}
	}

	// 单表查询时裸列名也可核对
	if len(refs) == 1 {
		if table := schema.FindTable(refs[0].Name); table != nil {
			for _, colName := range ExtractSelectColumns(sql) {
				if !table.HasColumn(colName) {
					result.InvalidColumns = append(result.InvalidColumns,
						fmt.Sprintf("%s.%s", table.Name, colName))
				}
			}
		}
	}

	if len(result.InvalidTables) > 0 || len(result.InvalidColumns) > 0 {
		result.Valid = false
		v.logger.Info("SQL结构核对未通过",
			zap.Strings("invalid_tables", result.InvalidTables),
			zap.Strings("invalid_columns", result.InvalidColumns))
	}
	return result
}

// AssessJoinRequirement 评估多表需求是否被满足
// needsJoin由问题语义分析得出，detectedTables为语义分析识别的候选表
func (v *SQLValidator) AssessJoinRequirement(sql string, needsJoin bool, detectedTables []string) *JoinAssessment {
	if HasCommaJoin(sql) {
		return &JoinAssessment{
			ShouldRegenerate: true,
			Reason:           JoinReasonCommaJoin,
		}
	}
	if !needsJoin {
		return &JoinAssessment{}
	}
	if HasExplicitJoin(sql) {
		return &JoinAssessment{}
	}
	if len(ExtractTableNames(sql)) <= 1 && len(detectedTables) > 1 {
		return &JoinAssessment{
			ShouldRegenerate: true,
			Reason:           JoinReasonSingleTable,
		}
	}
	return &JoinAssessment{}
}

// DetectMultiTableNeed 从问题文本判断是否需要多表关联
// 命中两个以上表名或表注释关键词即认为需要JOIN
func (v *SQLValidator) DetectMultiTableNeed(question string, schema *Schema) (bool, []string) {
	if schema == nil || schema.IsEmpty() {
		return false, nil
	}

	lower := strings.ToLower(question)
	var matched []string
	for _, table := range schema.Tables {
		hit := strings.Contains(lower, strings.ToLower(table.Name)) ||
			strings.Contains(lower, strings.ToLower(singularize(table.Name)))
		if !hit && table.Comment != "" {
			hit = strings.Contains(lower, strings.ToLower(table.Comment))
		}
		if hit {
			matched = append(matched, table.Name)
		}
	}
	return len(matched) > 1, matched
}

// ExpandSelectStar 将SELECT *展开为白名单列
// 仅处理单表查询，展开失败时原样返回
func (v *SQLValidator) ExpandSelectStar(sql string, whitelist FieldWhitelist) string {
	if !HasSelectStar(sql) {
		return sql
	}
	tables := ExtractTableNames(sql)
	if len(tables) != 1 {
		return sql
	}
	var cols []string
	for table, list := range whitelist {
		if strings.EqualFold(table, tables[0]) {
			cols = list
			break
		}
	}
	if len(cols) == 0 {
		return sql
	}
	expanded := selectListRe.ReplaceAllString(sql,
		fmt.Sprintf("SELECT %s FROM", strings.Join(cols, ", ")))
	v.logger.Debug("展开SELECT *",
		zap.String("table", tables[0]),
		zap.Int("columns", len(cols)))
	return expanded
}

// singularize 朴素的英文复数还原，表名匹配用
func singularize(name string) string {
	switch {
	case strings.HasSuffix(name, "ies"):
		return name[:len(name)-3] + "y"
	case strings.HasSuffix(name, "ses"):
		return name[:len(name)-2]
	case strings.HasSuffix(name, "s") && !strings.HasSuffix(name, "ss"):
		return name[:len(name)-1]
	}
	return name
}
