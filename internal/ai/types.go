// Package ai 自然语言转SQL的生成、校验与提示词组装
package ai

import (
	"sort"
	"strings"
)

// Column 列定义
type Column struct {
	Name         string `json:"name"`           // 列名
	Type         string `json:"type"`           // 数据类型
	Nullable     bool   `json:"nullable"`       // 是否可为空
	IsPrimaryKey bool   `json:"is_primary_key"` // 是否主键
	IsForeignKey bool   `json:"is_foreign_key"` // 是否外键
	ForeignTable string `json:"foreign_table,omitempty"`  // 外键引用表
	Description  string `json:"description,omitempty"`    // 列注释
}

// Table 表定义
type Table struct {
	Name    string   `json:"name"`
	Comment string   `json:"comment,omitempty"`
	Columns []Column `json:"columns"`
}

// Schema 每次请求从实时探测重新推导的数据库结构
// 不作为持久化的ground truth：下游引用的每一列都必须出现在某个表的Columns中
type Schema struct {
	Tables []Table `json:"tables"`
}

// IsEmpty 判断结构是否为空
func (s *Schema) IsEmpty() bool {
	return s == nil || len(s.Tables) == 0
}

// FindTable 按名称查找表，忽略大小写
func (s *Schema) FindTable(name string) *Table {
	if s == nil {
		return nil
	}
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

// InferForeignKeys 按命名约定推断外键关系
// 形如xxx_id且非主键的列，若结构中存在名为xxx或其复数形式的表，
// 则标记为指向该表的外键。已带外键信息的列不覆盖。
func (s *Schema) InferForeignKeys() {
	if s.IsEmpty() {
		return
	}

	tableByBase := map[string]string{}
	for _, table := range s.Tables {
		lower := strings.ToLower(table.Name)
		tableByBase[lower] = table.Name
		if singular := singularize(lower); singular != lower {
			tableByBase[singular] = table.Name
		}
	}

	for ti := range s.Tables {
		for ci := range s.Tables[ti].Columns {
			col := &s.Tables[ti].Columns[ci]
			if col.IsForeignKey || col.IsPrimaryKey {
				continue
			}
			lower := strings.ToLower(col.Name)
			if !strings.HasSuffix(lower, "_id") {
				continue
			}
			base := strings.TrimSuffix(lower, "_id")
			if base == "" {
				continue
			}
			target, ok := tableByBase[base]
			if !ok || strings.EqualFold(target, s.Tables[ti].Name) {
				continue
			}
			col.IsForeignKey = true
			col.ForeignTable = target
		}
	}
}

// HasColumn 判断表中是否存在指定列，忽略大小写
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// FieldWhitelist 表到合法列名集合的映射
// 每次请求重新构建，是模型字段名的唯一可信来源
type FieldWhitelist map[string][]string

// Tables 返回排序后的表名列表
func (w FieldWhitelist) Tables() []string {
	tables := make([]string, 0, len(w))
	for table := range w {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// Allows 判断表的指定列是否在白名单内，忽略大小写
func (w FieldWhitelist) Allows(table, column string) bool {
	for name, columns := range w {
		if !strings.EqualFold(name, table) {
			continue
		}
		for _, c := range columns {
			if strings.EqualFold(c, column) {
				return true
			}
		}
	}
	return false
}

// HasTable 判断表是否在白名单内，忽略大小写
func (w FieldWhitelist) HasTable(table string) bool {
	for name := range w {
		if strings.EqualFold(name, table) {
			return true
		}
	}
	return false
}

// GeneratedQuery 单次模型调用解析出的临时值
// 生命周期：创建、校验、执行或丢弃重新生成，仅在消息元数据中留档
type GeneratedQuery struct {
	Explanation   string         `json:"explanation"`             // 面向用户的解释
	SQL           string         `json:"sql,omitempty"`           // 生成的SQL，可为空
	ToolCall      string         `json:"toolCall,omitempty"`      // 预配置工具名，与SQL互斥
	Reasoning     string         `json:"reasoning,omitempty"`     // 模型的推理过程
	Visualization *Visualization `json:"visualization,omitempty"` // 可选的图表建议
}

// Visualization 图表建议
// 字段名与提示词里的输出契约保持一致，改动时两处要同步
type Visualization struct {
	ChartType string `json:"chartType"`       // bar/line/pie
	XAxis     string `json:"xAxis,omitempty"` // X轴列名
	YAxis     string `json:"yAxis,omitempty"` // Y轴列名
	Title     string `json:"title,omitempty"` // 图表标题
}

// ChatTurn 一轮对话消息
type ChatTurn struct {
	Role    string `json:"role"`    // user/assistant/system
	Content string `json:"content"` // 消息内容
}

// OutputCommand 用户显式指定的输出形式
type OutputCommand string

const (
	CommandAuto   OutputCommand = ""       // 未指定，由模型决定
	CommandChart  OutputCommand = "chart"  // 要求图表
	CommandTable  OutputCommand = "table"  // 要求表格，禁止visualization
	CommandReport OutputCommand = "report" // 要求报告
)
