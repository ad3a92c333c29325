package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ResponseParser 模型响应解析器
// 依次尝试：代码块内JSON、裸JSON括号匹配、执行计划文本兜底
type ResponseParser struct {
	fencedBlock *regexp.Regexp
	intentWords []string // 表达"接下来要查什么"的意图用语
}

// NewResponseParser 创建响应解析器
func NewResponseParser() *ResponseParser {
	return &ResponseParser{
		fencedBlock: regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```"),
		intentWords: []string{
			"我将", "我会", "接下来", "然后", "首先", "准备查询", "需要查询",
			"i will", "i'll", "let me", "going to", "next, ", "first, ",
		},
	}
}

// Parse 从模型原始文本解析出GeneratedQuery
// 模型没给出SQL但文本点名了真实表并带有执行意图时，
// 用白名单列合成一条SELECT作为恢复手段，而不是给用户一个死胡同
func (p *ResponseParser) Parse(raw string, whitelist FieldWhitelist) (*GeneratedQuery, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("模型返回空响应")
	}

	// 1. 代码块内JSON
	if matches := p.fencedBlock.FindStringSubmatch(trimmed); len(matches) > 1 {
		if gq, err := p.decode(matches[1]); err == nil {
			return gq, nil
		}
	}

	// 2. 裸JSON，括号配对提取
	if candidate := extractBalancedJSON(trimmed); candidate != "" {
		if gq, err := p.decode(candidate); err == nil {
			return gq, nil
		}
	}

	// 3. 执行计划文本兜底
	if gq := p.recoverFromPlanText(trimmed, whitelist); gq != nil {
		return gq, nil
	}

	return nil, fmt.Errorf("无法从模型响应中解析出结构化结果: %s", truncate(trimmed, 120))
}

// decode 解码JSON并做最低限度的完整性检查
func (p *ResponseParser) decode(jsonText string) (*GeneratedQuery, error) {
	var gq GeneratedQuery
	if err := json.Unmarshal([]byte(jsonText), &gq); err != nil {
		return nil, err
	}
	if gq.SQL == "" && gq.ToolCall == "" && gq.Explanation == "" {
		return nil, fmt.Errorf("JSON中缺少sql、toolCall和explanation字段")
	}
	gq.SQL = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(gq.SQL), ";"))
	return &gq, nil
}

// recoverFromPlanText 执行计划式响应的恢复
// 文本描述了意图却没给SQL时，识别其中点名的白名单表，合成一条
// 只含白名单列的SELECT，避免把"我将查询xx表"这种半成品直接抛给用户
func (p *ResponseParser) recoverFromPlanText(text string, whitelist FieldWhitelist) *GeneratedQuery {
	lower := strings.ToLower(text)

	hasIntent := false
	for _, word := range p.intentWords {
		if strings.Contains(lower, word) {
			hasIntent = true
			break
		}
	}
	if !hasIntent {
		return nil
	}

	for _, table := range whitelist.Tables() {
		if !strings.Contains(lower, strings.ToLower(table)) {
			continue
		}
		columns := whitelist[table]
		if len(columns) == 0 {
			continue
		}

		sql := fmt.Sprintf("SELECT %s FROM %s LIMIT 100", strings.Join(columns, ", "), table)
		return &GeneratedQuery{
			Explanation: fmt.Sprintf("根据描述自动查询 %s 表的数据", table),
			SQL:         sql,
			Reasoning:   "模型未返回SQL，从执行计划文本中识别目标表后自动合成",
		}
	}

	return nil
}

// extractBalancedJSON 从文本中提取首个括号配对完整的JSON对象
// 跳过字符串字面量内的大括号
func extractBalancedJSON(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}

	return ""
}
