package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"QueryPilot/internal/reasoning"
	"QueryPilot/internal/tools"
)

// PlanErrorSentinel 出现在计划文本开头时表示规划器无法给出计划。
const PlanErrorSentinel = "PLAN_ERROR"

// NoToolPhrase 出现在计划文本任意位置时表示无需调用工具，直接作答。
const NoToolPhrase = "no tool needed"

// PlanStep 是计划中的一步。
type PlanStep struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

// Plan 是解析后的计划。
type Plan struct {
	Raw      string     `json:"raw"`
	Direct   bool       `json:"direct"`
	Sentinel bool       `json:"sentinel,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Steps    []PlanStep `json:"steps,omitempty"`
}

var (
	toolLine  = regexp.MustCompile(`(?i)^[ \t>*#\-\d.)]*tool[ \t*]*:(.*)$`)
	inputLine = regexp.MustCompile(`(?i)^[ \t>*#\-]*input[ \t*]*:(.*)$`)
)

// ParsePlan 解析规划器输出。
// 格式为重复的 "Tool: <name>" / "Input: <text>" 块，Input 可以跨行直到下一个 Tool: 行。
func ParsePlan(text string) Plan {
	plan := Plan{Raw: text}
	trimmed := strings.TrimSpace(text)
	if n := len(PlanErrorSentinel); len(trimmed) >= n && strings.EqualFold(trimmed[:n], PlanErrorSentinel) {
		plan.Sentinel = true
		plan.Reason = strings.TrimSpace(strings.TrimLeft(trimmed[n:], ":- "))
		return plan
	}
	if strings.Contains(strings.ToLower(text), NoToolPhrase) {
		plan.Direct = true
		return plan
	}

	var (
		current  *PlanStep
		input    []string
		inInput  bool
		flushAll = func() {
			if current == nil {
				return
			}
			current.Input = reasoning.StripValue(strings.Join(input, "\n"))
			plan.Steps = append(plan.Steps, *current)
			current, input, inInput = nil, nil, false
		}
	)
	for _, line := range strings.Split(text, "\n") {
		if m := toolLine.FindStringSubmatch(line); m != nil {
			flushAll()
			name := strings.Trim(strings.TrimSpace(m[1]), "*`\"' \r")
			if name == "" {
				continue
			}
			current = &PlanStep{Tool: name}
			continue
		}
		if current == nil {
			continue
		}
		if !inInput {
			if m := inputLine.FindStringSubmatch(line); m != nil {
				inInput = true
				input = append(input, m[1])
			}
			continue
		}
		input = append(input, line)
	}
	flushAll()
	return plan
}

// UnknownTools 返回计划中引用了但未注册的工具名称。
func (p Plan) UnknownTools(reg *tools.Registry) []string {
	var unknown []string
	seen := map[string]struct{}{}
	for _, step := range p.Steps {
		if _, ok := reg.Get(step.Tool); ok {
			continue
		}
		if _, dup := seen[step.Tool]; dup {
			continue
		}
		seen[step.Tool] = struct{}{}
		unknown = append(unknown, step.Tool)
	}
	return unknown
}

// Render 把计划渲染为展示给用户的文本。
func (p Plan) Render(reg *tools.Registry) string {
	if p.Direct {
		return "No tool needed: the question will be answered directly."
	}
	var b strings.Builder
	for i, step := range p.Steps {
		marker := ""
		if reg != nil {
			if _, ok := reg.Get(step.Tool); !ok {
				marker = " (unknown tool)"
			}
		}
		fmt.Fprintf(&b, "%d. Tool: %s%s\n   Input: %s\n", i+1, step.Tool, marker, step.Input)
	}
	if len(p.Steps) == 0 {
		b.WriteString("(the plan contains no steps)\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
