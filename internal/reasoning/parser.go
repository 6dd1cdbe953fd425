package reasoning

import (
	"strings"

	xerrors "QueryPilot/internal/errors"
)

// Kind 区分决策类型。
type Kind int

const (
	// KindToolInvocation 表示调用某个工具。
	KindToolInvocation Kind = iota + 1
	// KindFinalAnswer 表示给出最终答案。
	KindFinalAnswer
)

// String 返回决策类型名称。
func (k Kind) String() string {
	switch k {
	case KindToolInvocation:
		return "tool_invocation"
	case KindFinalAnswer:
		return "final_answer"
	default:
		return "unknown"
	}
}

// Decision 是一次模型输出的解析结果。
type Decision struct {
	Kind    Kind
	Thought string
	Tool    string
	Input   string
	Answer  string
	// Recovered 表示结果由修复规则得到，Rule 记录规则名称。
	Recovered bool
	Rule      RuleName
}

// 错误元数据键。
const (
	MetaExcerpt = "excerpt"
	MetaReason  = "reason"
)

const excerptLimit = 200

// Parse 把一段模型输出解析为工具调用或最终答案。
//
// 规则优先级：非空的 Final Answer > Action + Action Input > 修复规则（按 RepairRules 顺序）。
// 全部失败时返回 CodeParseError，元数据中带有截断后的原文。
func Parse(text string) (*Decision, error) {
	doc := split(text)
	thought := ""
	if s, ok := doc.first(labelThought); ok {
		thought = trimBody(s.body)
	}

	if s, ok := doc.first(labelFinalAnswer); ok {
		if answer := trimBody(s.body); answer != "" {
			return &Decision{Kind: KindFinalAnswer, Thought: thought, Answer: answer}, nil
		}
	}

	if action, ok := doc.first(labelAction); ok {
		name, _ := actionParts(action.body)
		if input, ok := doc.first(labelActionInput); ok && isPlainName(name) {
			if value := StripValue(input.body); value != "" {
				return &Decision{Kind: KindToolInvocation, Thought: thought, Tool: name, Input: value}, nil
			}
		}
	}

	for _, rule := range repairRules {
		decision, matched, reason := rule.apply(doc)
		if reason != "" {
			return nil, parseError(text, string(rule.Name), reason)
		}
		if matched {
			decision.Thought = thought
			decision.Recovered = true
			decision.Rule = rule.Name
			return decision, nil
		}
	}
	return nil, parseError(text, "no_rule", "no action or final answer could be extracted")
}

func parseError(text, reason, message string) *xerrors.Error {
	return xerrors.New(xerrors.CodeParseError, message,
		xerrors.WithMetadata(MetaReason, reason),
		xerrors.WithMetadata(MetaExcerpt, Excerpt(text)),
	)
}

// trimBody 去掉段落正文两端的空白和 markdown 加粗符号。
func trimBody(body string) string {
	return strings.Trim(body, " \t\r\n*")
}

// Excerpt 截断文本用于诊断输出。
func Excerpt(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= excerptLimit {
		return text
	}
	return string(runes[:excerptLimit]) + "..."
}
