package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/llm"
	"QueryPilot/internal/reasoning"
	"QueryPilot/internal/tools"
	"QueryPilot/pkg/logger"
)

const (
	defaultMaxIterations    = 8
	defaultMaxParseFailures = 2
	observationLimit        = 2000
)

// Step 记录推理循环中的一步。
type Step struct {
	Iteration   int           `json:"iteration"`
	Thought     string        `json:"thought,omitempty"`
	Tool        string        `json:"tool,omitempty"`
	Input       string        `json:"input,omitempty"`
	Rule        string        `json:"rule,omitempty"`
	Observation string        `json:"observation"`
	Result      *tools.Result `json:"result,omitempty"`
}

// LoopResult 是推理循环的输出。
type LoopResult struct {
	Answer string `json:"answer"`
	Steps  []Step `json:"steps"`
}

// Loop 以"模型输出 → 解析 → 调度工具 → 观察"的方式驱动工具链，直到模型给出最终答案。
type Loop struct {
	client           llm.Client
	orch             *Orchestrator
	maxIterations    int
	maxParseFailures int
	log              *slog.Logger
}

// LoopOption 定义推理循环的可选配置。
type LoopOption func(*Loop)

// WithMaxIterations 设置最大迭代次数。
func WithMaxIterations(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithMaxParseFailures 设置允许回灌给模型的解析失败次数。
func WithMaxParseFailures(n int) LoopOption {
	return func(l *Loop) {
		if n >= 0 {
			l.maxParseFailures = n
		}
	}
}

// NewLoop 创建推理循环。
func NewLoop(client llm.Client, orch *Orchestrator, opts ...LoopOption) *Loop {
	l := &Loop{
		client:           client,
		orch:             orch,
		maxIterations:    defaultMaxIterations,
		maxParseFailures: defaultMaxParseFailures,
		log:              logger.Named("reasoning-loop"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Run 执行推理循环。background 会作为已知上下文附加在问题之后（例如计划步骤的结果）。
func (l *Loop) Run(ctx context.Context, query, background string) (*LoopResult, error) {
	if l.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	out := &LoopResult{}
	system := l.systemPrompt()
	var scratch strings.Builder
	parseFailures := 0

	for i := 1; i <= l.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return out, xerrors.Wrap(xerrors.CodeCanceled, err, "reasoning loop interrupted")
		}

		raw, err := l.client.Invoke(ctx, system, l.userPrompt(query, background, scratch.String()))
		if err != nil {
			return out, xerrors.Wrap(xerrors.CodeCollaborator, err, "model call failed in reasoning loop")
		}

		decision, perr := reasoning.Parse(raw)
		if perr != nil {
			parseFailures++
			if parseFailures > l.maxParseFailures {
				return out, perr
			}
			obs := "Your last output could not be parsed. Reply with Thought/Action/Action Input or Final Answer."
			out.Steps = append(out.Steps, Step{Iteration: i, Observation: obs})
			fmt.Fprintf(&scratch, "%s\nObservation: %s\n", strings.TrimSpace(raw), obs)
			l.log.Debug("模型输出无法解析", "iteration", i, "error", perr)
			continue
		}
		if decision.Recovered {
			l.orch.observer.ObserveParseRecovery(string(decision.Rule))
		}

		if decision.Kind == reasoning.KindFinalAnswer {
			out.Answer = decision.Answer
			return out, nil
		}

		res := l.orch.Execute(ctx, decision.Tool, decision.Input)
		obs := renderObservation(res)
		out.Steps = append(out.Steps, Step{
			Iteration:   i,
			Thought:     decision.Thought,
			Tool:        decision.Tool,
			Input:       decision.Input,
			Rule:        string(decision.Rule),
			Observation: obs,
			Result:      res,
		})
		fmt.Fprintf(&scratch, "Thought: %s\nAction: %s\nAction Input: %s\nObservation: %s\n",
			decision.Thought, decision.Tool, decision.Input, obs)
	}
	return out, xerrors.New(xerrors.CodeStageFailure,
		fmt.Sprintf("reasoning loop stopped after %d iterations without a final answer", l.maxIterations),
		xerrors.WithStage("execute"))
}

func (l *Loop) systemPrompt() string {
	var b strings.Builder
	b.WriteString("Answer the question by calling tools. Available tools:\n")
	for _, tool := range l.orch.Registry().List() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", tool.Name(), tool.Tier(), tool.Description())
	}
	if ordered := l.orch.State().Tiers().Ordered(); len(ordered) > 0 {
		fmt.Fprintf(&b, "Tools must be called in the order %s; while items are pending only %s may be called.\n",
			strings.Join(ordered, " -> "), l.orch.State().Tiers().Detail)
	}
	b.WriteString("Use exactly this format:\nThought: ...\nAction: <tool name>\nAction Input: <input>\n")
	b.WriteString("or, when done:\nThought: ...\nFinal Answer: <answer>\n")
	return b.String()
}

func (l *Loop) userPrompt(query, background, scratch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", strings.TrimSpace(query))
	if strings.TrimSpace(background) != "" {
		fmt.Fprintf(&b, "Known so far:\n%s\n", strings.TrimSpace(background))
	}
	state := l.orch.State()
	if pending := state.PendingItems(); len(pending) > 0 {
		fmt.Fprintf(&b, "Pending items: %s\n", strings.Join(pending, ", "))
	}
	if next := l.orch.ExpectedNextTool(); next != "" {
		fmt.Fprintf(&b, "Next tool: %s\n", next)
	}
	b.WriteString(scratch)
	return b.String()
}

func renderObservation(res *tools.Result) string {
	if res.Failed() {
		return "Error: " + res.Error
	}
	if answer := res.AnswerText(); answer != "" && len(res.Evidence) == 0 && len(res.DiscoveredIDs) == 0 {
		return llm.Truncate(answer, observationLimit)
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		return res.AnswerText()
	}
	return llm.Truncate(string(encoded), observationLimit)
}
