package ai

import (
	"regexp"
	"strings"
)

// SQL文本的正则式内省
// 有意收窄为少数几个入口，未来换成真正的SQL解析器时调用方不感知。
// 正则是务实的近似：覆盖模型生成SQL的常见形态，不追求完备文法。

var (
	fromClauseRe = regexp.MustCompile(`(?is)\bFROM\s+(.+?)(?:\bWHERE\b|\bGROUP\s+BY\b|\bORDER\s+BY\b|\bHAVING\b|\bLIMIT\b|\bUNION\b|$)`)
	joinTableRe  = regexp.MustCompile(`(?i)\bJOIN\s+([a-zA-Z_][\w]*(?:\.[a-zA-Z_][\w]*)?)(?:\s+(?:AS\s+)?([a-zA-Z_][\w]*))?`)
	explicitJoin = regexp.MustCompile(`(?i)\bJOIN\b`)
	qualifiedCol = regexp.MustCompile(`\b([a-zA-Z_][\w]*)\.([a-zA-Z_][\w]*)\b`)
	selectListRe = regexp.MustCompile(`(?is)^\s*SELECT\s+(?:DISTINCT\s+)?(.+?)\bFROM\b`)
	identifierRe = regexp.MustCompile(`^[a-zA-Z_][\w]*(?:\.[a-zA-Z_][\w]*)?$`)
	asAliasRe    = regexp.MustCompile(`(?i)\s+AS\s+([a-zA-Z_][\w]*)\s*$`)
)

// sql关键字集合，别名解析时跳过
var sqlKeywords = map[string]bool{
	"ON": true, "USING": true, "WHERE": true, "INNER": true, "LEFT": true,
	"RIGHT": true, "FULL": true, "OUTER": true, "CROSS": true, "JOIN": true,
	"AS": true, "AND": true, "OR": true, "NOT": true, "GROUP": true,
	"ORDER": true, "BY": true, "LIMIT": true, "HAVING": true, "UNION": true,
}

// TableRef FROM/JOIN子句中的一个表引用
type TableRef struct {
	Name  string // 表名（去除schema前缀）
	Alias string // 别名，可为空
}

// ExtractTableRefs 提取SQL中引用的全部表及其别名
func ExtractTableRefs(sql string) []TableRef {
	var refs []TableRef
	seen := map[string]bool{}

	appendRef := func(name, alias string) {
		name = stripSchemaPrefix(name)
		if name == "" || seen[strings.ToLower(name)] {
			return
		}
		seen[strings.ToLower(name)] = true
		refs = append(refs, TableRef{Name: name, Alias: alias})
	}

	// FROM子句：可能是逗号分隔的多表
	if m := fromClauseRe.FindStringSubmatch(sql); len(m) > 1 {
		fromPart := m[1]
		// JOIN之后的内容由joinTableRe单独处理
		if idx := explicitJoin.FindStringIndex(fromPart); idx != nil {
			fromPart = fromPart[:idx[0]]
		}
		for _, piece := range strings.Split(fromPart, ",") {
			fields := strings.Fields(strings.TrimSpace(piece))
			if len(fields) == 0 || !isIdentifierLike(fields[0]) {
				continue
			}
			alias := ""
			if len(fields) > 1 {
				candidate := strings.TrimSpace(fields[1])
				if strings.EqualFold(candidate, "AS") && len(fields) > 2 {
					candidate = fields[2]
				}
				if isIdentifierLike(candidate) && !sqlKeywords[strings.ToUpper(candidate)] {
					alias = candidate
				}
			}
			appendRef(fields[0], alias)
		}
	}

	for _, m := range joinTableRe.FindAllStringSubmatch(sql, -1) {
		alias := ""
		if len(m) > 2 && !sqlKeywords[strings.ToUpper(m[2])] {
			alias = m[2]
		}
		appendRef(m[1], alias)
	}

	return refs
}

// ExtractTableNames 提取SQL引用的表名列表
func ExtractTableNames(sql string) []string {
	refs := ExtractTableRefs(sql)
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return names
}

// ColumnRef 限定列引用，如 c.name 或 customers.name
type ColumnRef struct {
	Qualifier string // 表名或别名
	Column    string // 列名
}

// ExtractQualifiedColumns 提取全部"限定符.列名"形式的引用
func ExtractQualifiedColumns(sql string) []ColumnRef {
	var cols []ColumnRef
	seen := map[string]bool{}

	for _, m := range qualifiedCol.FindAllStringSubmatch(sql, -1) {
		key := strings.ToLower(m[1] + "." + m[2])
		if seen[key] {
			continue
		}
		seen[key] = true
		cols = append(cols, ColumnRef{Qualifier: m[1], Column: m[2]})
	}
	return cols
}

// ExtractSelectColumns 提取SELECT列表中的裸列名
// 表达式、函数调用和带限定符的列不在此列（由ExtractQualifiedColumns覆盖）
func ExtractSelectColumns(sql string) []string {
	m := selectListRe.FindStringSubmatch(sql)
	if len(m) < 2 {
		return nil
	}

	var cols []string
	for _, piece := range splitTopLevel(m[1]) {
		piece = strings.TrimSpace(piece)
		// 去除列别名
		if fields := strings.Fields(piece); len(fields) > 0 {
			piece = fields[0]
		}
		if piece == "*" || strings.Contains(piece, "(") || strings.Contains(piece, ".") {
			continue
		}
		if isIdentifierLike(piece) {
			cols = append(cols, piece)
		}
	}
	return cols
}

// SelectItem SELECT列表中的一项
type SelectItem struct {
	Expr   string // 别名之前的表达式文本
	Output string // 结果集中的列名，无法判定时为空
}

// ExtractSelectItems 提取SELECT列表的各项及其输出列名
// 输出列名来自显式AS别名、隐式别名或裸列名本身
func ExtractSelectItems(sql string) []SelectItem {
	m := selectListRe.FindStringSubmatch(sql)
	if len(m) < 2 {
		return nil
	}

	var items []SelectItem
	for _, piece := range splitTopLevel(m[1]) {
		piece = strings.TrimSpace(piece)
		if piece == "" || piece == "*" {
			continue
		}

		expr, output := piece, ""
		if loc := asAliasRe.FindStringSubmatchIndex(piece); loc != nil {
			expr = strings.TrimSpace(piece[:loc[0]])
			output = piece[loc[2]:loc[3]]
		} else if fields := strings.Fields(piece); len(fields) > 1 {
			last := fields[len(fields)-1]
			if isIdentifierLike(last) && !strings.Contains(last, ".") &&
				!sqlKeywords[strings.ToUpper(last)] {
				expr = strings.TrimSpace(strings.TrimSuffix(piece, last))
				output = last
			}
		}

		if output == "" && isIdentifierLike(expr) {
			output = stripSchemaPrefix(expr)
		}
		items = append(items, SelectItem{Expr: expr, Output: output})
	}
	return items
}

// MentionsColumn 判断表达式里是否以完整单词出现了指定列名
func MentionsColumn(expr, column string) bool {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(column) + `\b`)
	return re.MatchString(expr)
}

// HasExplicitJoin 判断SQL是否使用了显式JOIN关键字
func HasExplicitJoin(sql string) bool {
	return explicitJoin.MatchString(sql)
}

// HasCommaJoin 判断FROM子句是否为逗号分隔的多表（经典笛卡尔积隐患）
func HasCommaJoin(sql string) bool {
	m := fromClauseRe.FindStringSubmatch(sql)
	if len(m) < 2 {
		return false
	}
	fromPart := m[1]
	if idx := explicitJoin.FindStringIndex(fromPart); idx != nil {
		fromPart = fromPart[:idx[0]]
	}
	// 括号内的逗号（子查询、函数参数）不算
	depth := 0
	for _, ch := range fromPart {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

// IsStatementType 判断SQL首关键字是否为指定语句类型
func IsStatementType(sql, statementType string) bool {
	trimmed := strings.TrimSpace(sql)
	return len(trimmed) >= len(statementType) &&
		strings.EqualFold(trimmed[:len(statementType)], statementType)
}

// HasSelectStar 判断是否为裸SELECT *查询
func HasSelectStar(sql string) bool {
	m := selectListRe.FindStringSubmatch(sql)
	if len(m) < 2 {
		return false
	}
	return strings.TrimSpace(m[1]) == "*"
}

// stripSchemaPrefix 去除schema.table形式的前缀
func stripSchemaPrefix(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// isIdentifierLike 判断是否像一个SQL标识符
func isIdentifierLike(s string) bool {
	return identifierRe.MatchString(s)
}

// splitTopLevel 在括号深度为0处按逗号切分
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, ch := range s {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
