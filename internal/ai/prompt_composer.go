package ai

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// PromptTool 提示词中声明的预置查询工具
type PromptTool struct {
	Name        string
	Description string
}

// ComposeInput 提示词组装输入
type ComposeInput struct {
	DatabaseType  string         // postgresql / mysql
	DatabaseName  string         // 目标库名
	Schema        *Schema        // 已过滤的结构（权限过滤后）
	Whitelist     FieldWhitelist // 字段白名单
	Tools         []PromptTool   // 可用的预置查询工具
	OutputCommand OutputCommand  // 用户显式指定的输出形式
	NeedsJoin     bool           // 问题涉及多表
	JoinTables    []string       // 识别出的候选关联表
}

// PromptComposer 系统提示词组装器
// 白名单会在提示词中出现两次：开头的硬性约束段和输出契约之前的复述段，
// 降低长提示词中模型遗忘约束的概率
type PromptComposer struct {
	logger *zap.Logger
}

// NewPromptComposer 创建提示词组装器
func NewPromptComposer(logger *zap.Logger) *PromptComposer {
	return &PromptComposer{logger: logger}
}

// Compose 组装完整的系统提示词
func (c *PromptComposer) Compose(input *ComposeInput) string {
	var b strings.Builder

	dbType := input.DatabaseType
	if dbType == "" {
		dbType = "postgresql"
	}

	b.WriteString(fmt.Sprintf("你是一名%s数据分析专家，任务是把用户的自然语言问题转换为一条只读SQL查询", dbType))
	if input.DatabaseName != "" {
		b.WriteString(fmt.Sprintf("，目标数据库为 %s", input.DatabaseName))
	}
	b.WriteString("。\n\n")

	// 最高优先级约束放在最前面
	b.WriteString("## 最高优先级规则\n")
	b.WriteString("1. 禁止使用 SELECT *，必须逐列写出列名。\n")
	b.WriteString("2. 只能使用下方字段白名单中列出的表和列，禁止编造任何表名或列名。\n")
	b.WriteString("3. 只生成SELECT查询，禁止任何写操作。\n")
	b.WriteString("4. 如果白名单中没有能回答问题的字段，sql字段返回null并在explanation中说明。\n\n")

	c.writeWhitelist(&b, input.Whitelist, "## 字段白名单（仅可使用以下表和列）")

	if input.Schema != nil && !input.Schema.IsEmpty() {
		b.WriteString("## 数据库结构\n")
		c.writeSchema(&b, input.Schema)
		c.writeRelationships(&b, input.Schema)
	}

	if input.NeedsJoin && len(input.JoinTables) > 1 {
		b.WriteString("## 多表关联要求\n")
		b.WriteString(fmt.Sprintf("本问题涉及多张表（%s），必须使用显式JOIN语法关联，",
			strings.Join(input.JoinTables, "、")))
		b.WriteString("禁止FROM子句逗号列表形式的隐式连接，JOIN条件使用上方列出的外键关系。\n\n")
	}

	if len(input.Tools) > 0 {
		b.WriteString("## 可用查询工具\n")
		b.WriteString("以下预置工具可以直接调用，优先于手写SQL。调用时在输出的toolCall字段填写工具名：\n")
		for _, tool := range input.Tools {
			b.WriteString(fmt.Sprintf("- %s: %s\n", tool.Name, tool.Description))
		}
		b.WriteString("\n")
	}

	// 输出契约前复述一次白名单
	c.writeWhitelist(&b, input.Whitelist, "## 再次确认：可用字段白名单")

	c.writeOutputContract(&b, input)

	prompt := b.String()
	c.logger.Debug("系统提示词组装完成",
		zap.Int("length", len(prompt)),
		zap.Int("whitelist_tables", len(input.Whitelist)),
		zap.Bool("needs_join", input.NeedsJoin))
	return prompt
}

func (c *PromptComposer) writeWhitelist(b *strings.Builder, whitelist FieldWhitelist, heading string) {
	if len(whitelist) == 0 {
		return
	}
	b.WriteString(heading + "\n")
	for _, table := range whitelist.Tables() {
		b.WriteString(fmt.Sprintf("- %s: %s\n", table, strings.Join(whitelist[table], ", ")))
	}
	b.WriteString("\n")
}

func (c *PromptComposer) writeSchema(b *strings.Builder, schema *Schema) {
	for _, table := range schema.Tables {
		if table.Comment != "" {
			b.WriteString(fmt.Sprintf("表 %s（%s）:\n", table.Name, table.Comment))
		} else {
			b.WriteString(fmt.Sprintf("表 %s:\n", table.Name))
		}
		for _, col := range table.Columns {
			b.WriteString(fmt.Sprintf("  - %s %s", col.Name, col.Type))
			var marks []string
			if col.IsPrimaryKey {
				marks = append(marks, "主键")
			}
			if !col.Nullable {
				marks = append(marks, "非空")
			}
			if col.Description != "" {
				marks = append(marks, col.Description)
			}
			if len(marks) > 0 {
				b.WriteString(" (" + strings.Join(marks, ", ") + ")")
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
}

func (c *PromptComposer) writeRelationships(b *strings.Builder, schema *Schema) {
	var lines []string
	for _, table := range schema.Tables {
		for _, col := range table.Columns {
			if col.IsForeignKey && col.ForeignTable != "" {
				lines = append(lines, fmt.Sprintf("- %s.%s 关联 %s 表", table.Name, col.Name, col.ForeignTable))
			}
		}
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("## 表关系\n")
	for _, line := range lines {
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
}

func (c *PromptComposer) writeOutputContract(b *strings.Builder, input *ComposeInput) {
	b.WriteString("## 输出格式\n")
	b.WriteString("只输出一个JSON对象，不要输出任何其他文字、解释或Markdown围栏：\n")
	b.WriteString("{\n")
	b.WriteString("  \"explanation\": \"用一句话向用户说明查询内容\",\n")
	b.WriteString("  \"sql\": \"SELECT查询语句，无法回答时为null\",\n")
	b.WriteString("  \"reasoning\": \"选表选列的依据\"")
	if len(input.Tools) > 0 {
		b.WriteString(",\n  \"toolCall\": \"调用的工具名，不调用时为null\"")
	}

	switch input.OutputCommand {
	case CommandTable:
		b.WriteString("\n}\n")
		b.WriteString("用户要求以表格展示结果，禁止在输出中包含visualization字段。\n")
	case CommandChart:
		b.WriteString(",\n  \"visualization\": {\"chartType\": \"bar|line|pie\", \"xAxis\": \"x轴列名\", \"yAxis\": \"y轴列名\", \"title\": \"图表标题\"}\n")
		b.WriteString("}\n")
		b.WriteString("用户要求图表展示，visualization字段必须给出，轴列名必须来自sql的查询列。\n")
	default:
		b.WriteString(",\n  \"visualization\": {\"chartType\": \"bar|line|pie\", \"xAxis\": \"x轴列名\", \"yAxis\": \"y轴列名\", \"title\": \"图表标题\"}\n")
		b.WriteString("}\n")
		b.WriteString("结果适合可视化时才给出visualization字段，轴列名必须来自sql的查询列，不适合时省略。\n")
	}
}
