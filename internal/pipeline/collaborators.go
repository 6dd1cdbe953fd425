package pipeline

import (
	"context"
	"strings"

	"QueryPilot/internal/memory"
	"QueryPilot/internal/tools"
)

// GuardrailVerdict 是守卫的判定结果。Query 非空时替换原始查询。
type GuardrailVerdict struct {
	Pass    bool   `json:"pass"`
	Query   string `json:"query,omitempty"`
	Message string `json:"message,omitempty"`
}

// Guardrail 检查查询是否允许继续处理。
type Guardrail interface {
	Check(ctx context.Context, query string) (GuardrailVerdict, error)
}

// AllowAll 是放行一切查询的守卫。
type AllowAll struct{}

// Check 实现 Guardrail。
func (AllowAll) Check(_ context.Context, query string) (GuardrailVerdict, error) {
	return GuardrailVerdict{Pass: true, Query: query}, nil
}

// ToolInfo 描述提供给规划器的工具。
type ToolInfo struct {
	Name        string `json:"name"`
	Tier        string `json:"tier"`
	Description string `json:"description"`
}

// PlanRequest 是规划器的输入。
type PlanRequest struct {
	Query    string
	Feedback []string
	History  []memory.Turn
	Tools    []ToolInfo
}

// Planner 根据查询生成计划文本。返回以 PlanErrorSentinel 开头的文本表示无法规划。
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (string, error)
}

// PlannerFunc 将函数适配为 Planner。
type PlannerFunc func(ctx context.Context, req PlanRequest) (string, error)

// Plan 实现 Planner。
func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) (string, error) { return f(ctx, req) }

// Decision 是对用户确认回复的分类。
type Decision int

const (
	DecisionUnclear Decision = iota
	DecisionApprove
	DecisionReject
	DecisionModify
)

// String 返回分类名称。
func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "APPROVE"
	case DecisionReject:
		return "REJECT"
	case DecisionModify:
		return "MODIFY"
	default:
		return "UNCLEAR"
	}
}

// ParseDecision 解析分类名称，无法识别时返回 DecisionUnclear。
func ParseDecision(raw string) Decision {
	switch strings.ToUpper(strings.Trim(strings.TrimSpace(raw), ".!\"'`*")) {
	case "APPROVE":
		return DecisionApprove
	case "REJECT":
		return DecisionReject
	case "MODIFY":
		return DecisionModify
	default:
		return DecisionUnclear
	}
}

// Classifier 对用户的确认回复进行分类。
type Classifier interface {
	Classify(ctx context.Context, reply string) (Decision, error)
}

// StepResult 记录计划中一步的执行结果。
type StepResult struct {
	Key    string        `json:"key"`
	Tool   string        `json:"tool"`
	Input  string        `json:"input"`
	Result *tools.Result `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Failed 判断该步是否失败。
func (s StepResult) Failed() bool {
	return s.Error != "" || s.Result.Failed()
}

// Synthesizer 根据步骤结果组织最终答案。
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, results []StepResult) (string, error)
}

// PromptKind 区分向用户展示的提示类型。
type PromptKind int

const (
	// PromptConfirm 请求确认计划。
	PromptConfirm PromptKind = iota
	// PromptClarify 在回复无法理解时再次请求确认。
	PromptClarify
	// PromptRephrase 在无法规划时请求用户改写或取消。
	PromptRephrase
)

// Prompt 是向用户展示的一次提示。
type Prompt struct {
	Kind PromptKind
	Text string
}

// UserChannel 是与用户交互的通道。
type UserChannel interface {
	Present(ctx context.Context, prompt Prompt) (string, error)
}

// AutoApprove 是非交互式通道：确认类提示一律批准，改写提示一律取消。
type AutoApprove struct{}

// Present 实现 UserChannel。
func (AutoApprove) Present(_ context.Context, prompt Prompt) (string, error) {
	if prompt.Kind == PromptRephrase {
		return "cancel", nil
	}
	return "approve", nil
}
