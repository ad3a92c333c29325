package ai

import (
	"strings"
	"unicode/utf8"
)

// Intent 用户消息意图分类
type Intent string

const (
	IntentFeatureList Intent = "feature_list" // 询问能力清单
	IntentNonQuery    Intent = "non_query"    // 寒暄等普通对话
	IntentQuery       Intent = "query"        // 数据库查询
)

// IntentClassifier 意图分类器
// 纯启发式关键词打分，不调用模型，避免每条消息都消耗一次模型往返
type IntentClassifier struct {
	featurePhrases   []string // 能力询问的封闭短语集
	queryKeywords    []string // 查询意图关键词（中英文）
	chitchatKeywords []string // 寒暄关键词
	shortTextRunes   int      // 短文本阈值（rune数）
}

// NewIntentClassifier 创建意图分类器
func NewIntentClassifier() *IntentClassifier {
	return &IntentClassifier{
		featurePhrases: []string{
			"你能做什么", "你会做什么", "你有什么功能", "能做些什么",
			"what can you do", "list your capabilities", "help me understand what you can do",
		},
		queryKeywords: []string{
			// 中文查询关键词
			"查询", "查一下", "查找", "统计", "汇总", "多少", "数量", "总数",
			"排名", "最大", "最小", "平均", "趋势", "对比", "分布", "列出", "显示",
			"明细", "报表", "图表", "销量", "金额",
			// 英文查询关键词
			"select", "count", "how many", "how much", "sum", "average", "top",
			"list", "show", "query", "total", "trend", "group by", "report",
		},
		chitchatKeywords: []string{
			"你好", "您好", "谢谢", "感谢", "再见", "早上好", "晚上好", "辛苦了",
			"hello", "hi ", "hey", "thanks", "thank you", "bye", "good morning",
		},
		shortTextRunes: 10,
	}
}

// Classify 对用户消息分类
// 无法判定时保守地按查询处理，宁可多走一次查询路径也不漏答
func (c *IntentClassifier) Classify(text string) Intent {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return IntentNonQuery
	}

	for _, phrase := range c.featurePhrases {
		if strings.Contains(normalized, phrase) {
			return IntentFeatureList
		}
	}

	hasQueryKeyword := c.containsAny(normalized, c.queryKeywords)
	if hasQueryKeyword {
		return IntentQuery
	}

	if c.containsAny(normalized, c.chitchatKeywords) {
		return IntentNonQuery
	}

	// 短文本且无任何查询关键词，按寒暄处理
	if utf8.RuneCountInString(normalized) < c.shortTextRunes {
		return IntentNonQuery
	}

	return IntentQuery
}

// containsAny 判断文本是否包含任一关键词
func (c *IntentClassifier) containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// DetectOutputCommand 识别用户显式指定的输出形式
// 表格指令优先于图表：用户明确要表格时禁止返回visualization
func (c *IntentClassifier) DetectOutputCommand(text string) OutputCommand {
	normalized := strings.ToLower(text)

	switch {
	case strings.Contains(normalized, "表格") || strings.Contains(normalized, "as a table") ||
		strings.Contains(normalized, "in table form"):
		return CommandTable
	case strings.Contains(normalized, "图表") || strings.Contains(normalized, "柱状图") ||
		strings.Contains(normalized, "折线图") || strings.Contains(normalized, "饼图") ||
		strings.Contains(normalized, "chart") || strings.Contains(normalized, "graph") ||
		strings.Contains(normalized, "plot"):
		return CommandChart
	case strings.Contains(normalized, "报告") || strings.Contains(normalized, "report"):
		return CommandReport
	default:
		return CommandAuto
	}
}
