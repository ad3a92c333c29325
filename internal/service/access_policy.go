package service

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"chatbi-go/internal/ai"
	"chatbi-go/internal/repository"
)

// MaskedValue 打码后的单元格值
const MaskedValue = "***"

// AccessPolicy 按角色编译后的访问策略
// 三层生效：提示词前过滤结构、执行前硬拦截越权列、执行后对敏感列打码。
// admin角色完全绕过。
type AccessPolicy struct {
	role  string
	admin bool

	deniedTables  map[string]bool            // 表级拒绝，key为小写表名
	deniedColumns map[string]map[string]bool // 列级拒绝，key为小写表名和列名
	maskedColumns map[string]map[string]bool // 输出打码列
	rowFilters    map[string]string          // 行级过滤谓词

	logger *zap.Logger
}

var whereClauseRe = regexp.MustCompile(`(?i)\bWHERE\b`)
var tailClauseRe = regexp.MustCompile(`(?i)\b(GROUP\s+BY|ORDER\s+BY|HAVING|LIMIT)\b`)

// CompileAccessPolicy 把权限规则编译为可执行的访问策略
func CompileAccessPolicy(rules []*repository.PermissionRule, role string, logger *zap.Logger) *AccessPolicy {
	policy := &AccessPolicy{
		role:          role,
		admin:         role == repository.RoleAdmin,
		deniedTables:  map[string]bool{},
		deniedColumns: map[string]map[string]bool{},
		maskedColumns: map[string]map[string]bool{},
		rowFilters:    map[string]string{},
		logger:        logger,
	}
	if policy.admin {
		return policy
	}

	for _, rule := range rules {
		table := strings.ToLower(rule.TableName)

		if rule.Effect == "deny" && len(rule.DenyColumns) == 0 {
			policy.deniedTables[table] = true
			continue
		}
		for _, col := range rule.DenyColumns {
			if policy.deniedColumns[table] == nil {
				policy.deniedColumns[table] = map[string]bool{}
			}
			policy.deniedColumns[table][strings.ToLower(col)] = true
		}
		for _, col := range rule.MaskColumns {
			if policy.maskedColumns[table] == nil {
				policy.maskedColumns[table] = map[string]bool{}
			}
			policy.maskedColumns[table][strings.ToLower(col)] = true
		}
		if rule.RowFilter != "" {
			policy.rowFilters[table] = rule.RowFilter
		}
	}
	return policy
}

// IsAdmin 是否为完全绕过策略的管理员角色
func (p *AccessPolicy) IsAdmin() bool {
	return p.admin
}

// FilterSchema 提示词组装前剔除无权访问的表和列
// 模型根本看不到的字段就不会被写进SQL
func (p *AccessPolicy) FilterSchema(schema *ai.Schema) *ai.Schema {
	if p.admin || schema == nil {
		return schema
	}

	filtered := &ai.Schema{}
	for _, table := range schema.Tables {
		tableKey := strings.ToLower(table.Name)
		if p.deniedTables[tableKey] || p.deniedTables["*"] {
			continue
		}

		kept := ai.Table{Name: table.Name, Comment: table.Comment}
		for _, col := range table.Columns {
			if p.isColumnDenied(tableKey, col.Name) {
				continue
			}
			kept.Columns = append(kept.Columns, col)
		}
		if len(kept.Columns) > 0 {
			filtered.Tables = append(filtered.Tables, kept)
		}
	}
	return filtered
}

// FilterWhitelist 过滤白名单，和FilterSchema同一套规则
func (p *AccessPolicy) FilterWhitelist(whitelist ai.FieldWhitelist) ai.FieldWhitelist {
	if p.admin {
		return whitelist
	}

	filtered := ai.FieldWhitelist{}
	for table, columns := range whitelist {
		tableKey := strings.ToLower(table)
		if p.deniedTables[tableKey] || p.deniedTables["*"] {
			continue
		}
		for _, col := range columns {
			if p.isColumnDenied(tableKey, col) {
				continue
			}
			filtered[table] = append(filtered[table], col)
		}
	}
	return filtered
}

// EnforceColumnAccess 执行前的硬拦截
// 结构过滤挡不住模型幻觉写出的越权引用，这里是送库前的最后一道关
func (p *AccessPolicy) EnforceColumnAccess(sql string) error {
	if p.admin {
		return nil
	}

	refs := ai.ExtractTableRefs(sql)
	aliasToTable := map[string]string{}
	for _, ref := range refs {
		tableKey := strings.ToLower(ref.Name)
		if p.deniedTables[tableKey] || p.deniedTables["*"] {
			return &SQLPermissionError{Role: p.role, Table: ref.Name}
		}
		aliasToTable[tableKey] = tableKey
		if ref.Alias != "" {
			aliasToTable[strings.ToLower(ref.Alias)] = tableKey
		}
	}

	blocked := map[string][]string{}
	for _, col := range ai.ExtractQualifiedColumns(sql) {
		tableKey, known := aliasToTable[strings.ToLower(col.Qualifier)]
		if !known {
			continue
		}
		if p.isColumnDenied(tableKey, col.Column) {
			blocked[tableKey] = append(blocked[tableKey], col.Column)
		}
	}

	// 单表查询时核对裸列名
	if len(refs) == 1 {
		tableKey := strings.ToLower(refs[0].Name)
		for _, col := range ai.ExtractSelectColumns(sql) {
			if p.isColumnDenied(tableKey, col) {
				blocked[tableKey] = append(blocked[tableKey], col)
			}
		}
	}

	for table, columns := range blocked {
		p.logger.Warn("拦截越权SQL",
			zap.String("role", p.role),
			zap.String("table", table),
			zap.Strings("columns", columns))
		return &SQLPermissionError{Role: p.role, Table: table, Columns: columns}
	}
	return nil
}

// ApplyToSQL 注入行级过滤谓词
// 表级拒绝在这里再查一次，返回权限错误而不是改写
func (p *AccessPolicy) ApplyToSQL(sql string) (string, error) {
	if p.admin {
		return sql, nil
	}

	tables := ai.ExtractTableNames(sql)
	for _, table := range tables {
		tableKey := strings.ToLower(table)
		if p.deniedTables[tableKey] || p.deniedTables["*"] {
			return "", &SQLPermissionError{Role: p.role, Table: table}
		}
	}

	// 行级过滤目前只注入单表查询，多表改写风险太高
	if len(tables) != 1 {
		return sql, nil
	}
	filter, ok := p.rowFilters[strings.ToLower(tables[0])]
	if !ok {
		return sql, nil
	}

	return injectRowFilter(sql, filter), nil
}

// ApplyMasking 对结果中的敏感列打码，NULL保持为NULL
// 返回打码的单元格数量
func (p *AccessPolicy) ApplyMasking(result *QueryResult, sql string) int {
	if p.admin || result == nil {
		return 0
	}

	sources := map[string]bool{}
	for _, table := range ai.ExtractTableNames(sql) {
		for col := range p.maskedColumns[strings.ToLower(table)] {
			sources[col] = true
		}
	}
	if len(sources) == 0 {
		return 0
	}

	// 别名和表达式挡不住打码：SELECT email AS e输出的e列同样敏感。
	// 输出名解析不出来时按选择列表的位置对齐结果列。
	masked := map[string]bool{}
	for col := range sources {
		masked[col] = true
	}
	for i, item := range ai.ExtractSelectItems(sql) {
		referenced := false
		for col := range sources {
			if ai.MentionsColumn(item.Expr, col) {
				referenced = true
				break
			}
		}
		if !referenced {
			continue
		}
		if item.Output != "" {
			masked[strings.ToLower(item.Output)] = true
		} else if i < len(result.Columns) {
			masked[strings.ToLower(result.Columns[i])] = true
		}
	}

	count := 0
	for _, row := range result.Rows {
		for col, value := range row {
			if !masked[strings.ToLower(col)] || value == nil {
				continue
			}
			row[col] = MaskedValue
			count++
		}
	}

	if count > 0 {
		p.logger.Info("结果列已打码",
			zap.String("role", p.role),
			zap.Int("cells", count))
	}
	return count
}

func (p *AccessPolicy) isColumnDenied(tableKey, column string) bool {
	colKey := strings.ToLower(column)
	if cols, ok := p.deniedColumns[tableKey]; ok && cols[colKey] {
		return true
	}
	if cols, ok := p.deniedColumns["*"]; ok && cols[colKey] {
		return true
	}
	return false
}

// injectRowFilter 把行级谓词并入WHERE子句
func injectRowFilter(sql, filter string) string {
	if loc := whereClauseRe.FindStringIndex(sql); loc != nil {
		return sql[:loc[1]] + fmt.Sprintf(" (%s) AND", filter) + sql[loc[1]:]
	}
	if loc := tailClauseRe.FindStringIndex(sql); loc != nil {
		return sql[:loc[0]] + fmt.Sprintf("WHERE %s ", filter) + sql[loc[0]:]
	}
	return fmt.Sprintf("%s WHERE %s", strings.TrimRight(strings.TrimSpace(sql), ";"), filter)
}
