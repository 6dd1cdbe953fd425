package pipeline

// Stage 是流水线阶段。
type Stage string

const (
	StageGuardrail  Stage = "guardrail"
	StagePlan       Stage = "plan"
	StageConfirm    Stage = "confirm"
	StageExecute    Stage = "execute"
	StageSynthesize Stage = "synthesize"
	StageDone       Stage = "done"
)

// Outcome 是一轮对话的终止方式，每种终止方式对应不同的提示语。
type Outcome string

const (
	OutcomeAnswered        Outcome = "answered"
	OutcomeRejected        Outcome = "rejected"
	OutcomePlanFailed      Outcome = "plan_failed"
	OutcomeCanceled        Outcome = "canceled"
	OutcomeMaxReplans      Outcome = "max_replans"
	OutcomeConfirmUnclear  Outcome = "confirm_unclear"
	OutcomeConfirmFailed   Outcome = "confirm_failed"
	OutcomeExecutionFailed Outcome = "execution_failed"
	OutcomeSynthesisFailed Outcome = "synthesis_failed"
)

var outcomeMessages = map[Outcome]string{
	OutcomeRejected:        "This request cannot be processed.",
	OutcomePlanFailed:      "I could not build a plan for this request. Please try rephrasing it.",
	OutcomeCanceled:        "Okay, the request was canceled and nothing was executed.",
	OutcomeMaxReplans:      "Maximum re-planning attempts reached. Please start again with a new request.",
	OutcomeConfirmUnclear:  "I could not understand the confirmation reply, so nothing was executed.",
	OutcomeConfirmFailed:   "The plan could not be confirmed, so nothing was executed.",
	OutcomeExecutionFailed: "The plan could not be executed.",
	OutcomeSynthesisFailed: "The data was gathered but the final answer could not be composed.",
}

// Message 返回终止方式对应的默认提示语。
func (o Outcome) Message() string {
	return outcomeMessages[o]
}

// Succeeded 判断是否成功作答。
func (o Outcome) Succeeded() bool {
	return o == OutcomeAnswered
}

// Outcomes 返回全部终止方式。
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeAnswered,
		OutcomeRejected,
		OutcomePlanFailed,
		OutcomeCanceled,
		OutcomeMaxReplans,
		OutcomeConfirmUnclear,
		OutcomeConfirmFailed,
		OutcomeExecutionFailed,
		OutcomeSynthesisFailed,
	}
}
