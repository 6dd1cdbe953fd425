package reasoning

import (
	"regexp"
	"strings"
)

// RuleName 标识一个修复规则。
type RuleName string

const (
	// RuleMissingActionInput 处理缺失 Action Input 标签的输出：Action 行之后直到 Observation 的文本即为输入。
	RuleMissingActionInput RuleName = "missing_action_input"
	// RuleCallExpression 处理写成调用表达式的 Action，例如 search(revenue 2023)。
	RuleCallExpression RuleName = "call_expression"
	// RuleThoughtOnly 识别只有 Thought 的输出，它不是合法的一步，总是失败。
	RuleThoughtOnly RuleName = "thought_only"
)

// Rule 是一条有名字的修复规则。
// apply 返回 (decision, matched, failReason)：matched 为 false 时继续尝试下一条规则；
// failReason 非空表示规则明确拒绝这段输出。
type Rule struct {
	Name  RuleName
	apply func(doc document) (*Decision, bool, string)
}

// repairRules 按优先级排列。
var repairRules = []Rule{
	{Name: RuleMissingActionInput, apply: applyMissingActionInput},
	{Name: RuleCallExpression, apply: applyCallExpression},
	{Name: RuleThoughtOnly, apply: applyThoughtOnly},
}

// RepairRules 返回修复规则名称，按应用顺序排列。
func RepairRules() []RuleName {
	names := make([]RuleName, len(repairRules))
	for i, r := range repairRules {
		names[i] = r.Name
	}
	return names
}

func applyMissingActionInput(doc document) (*Decision, bool, string) {
	action, ok := doc.first(labelAction)
	if !ok || doc.has(labelActionInput) {
		return nil, false, ""
	}
	name, rest := actionParts(action.body)
	if !isPlainName(name) {
		return nil, false, ""
	}
	if idx := observationPattern.FindStringIndex(rest); idx != nil {
		rest = rest[:idx[0]]
	}
	input := StripValue(rest)
	if input == "" {
		return nil, false, ""
	}
	return &Decision{Kind: KindToolInvocation, Tool: name, Input: input}, true, ""
}

// observationPattern 匹配行内的 Observation 标签，它之后的文本不属于输入。
var observationPattern = regexp.MustCompile(`(?i)observation[ \t*]*:`)

var callExpr = regexp.MustCompile(`(?s)^([A-Za-z_][\w.\-]*)\s*\((.*)\)$`)

func applyCallExpression(doc document) (*Decision, bool, string) {
	action, ok := doc.first(labelAction)
	if !ok {
		return nil, false, ""
	}
	text := strings.Trim(strings.TrimSpace(action.body), "`*")
	// 调用表达式可能跨行，取整个 Action 段，但不能越过 Observation（段落边界已保证）。
	m := callExpr.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		head, _ := actionParts(action.body)
		m = callExpr.FindStringSubmatch(head)
	}
	if m == nil {
		return nil, false, ""
	}
	input := StripValue(m[2])
	if input == "" {
		if in, ok := doc.first(labelActionInput); ok {
			input = StripValue(in.body)
		}
	}
	return &Decision{Kind: KindToolInvocation, Tool: m[1], Input: input}, true, ""
}

func applyThoughtOnly(doc document) (*Decision, bool, string) {
	if doc.only(labelThought) {
		return nil, false, "output contains only a thought, no action or final answer"
	}
	return nil, false, ""
}
