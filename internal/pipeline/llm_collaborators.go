package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/llm"
)

const guardrailSystemPrompt = `You screen questions sent to a business data assistant.
Reply with a JSON object {"pass": bool, "query": string, "message": string}.
Set pass=false for requests that are harmful or unrelated to business data and explain why in message.
You may rewrite the query to fix typos; otherwise return it unchanged.`

// LLMGuardrail 使用大模型判断查询是否允许处理。
type LLMGuardrail struct {
	Client llm.Client
}

// Check 实现 Guardrail。
func (g LLMGuardrail) Check(ctx context.Context, query string) (GuardrailVerdict, error) {
	out, err := g.Client.Invoke(ctx, guardrailSystemPrompt, query)
	if err != nil {
		return GuardrailVerdict{}, err
	}
	return parseVerdict(out, query)
}

func parseVerdict(out, query string) (GuardrailVerdict, error) {
	text := strings.TrimSpace(out)
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		var v GuardrailVerdict
		if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
			return GuardrailVerdict{}, xerrors.Wrap(xerrors.CodeCollaborator, err, "guardrail returned malformed JSON")
		}
		if strings.TrimSpace(v.Query) == "" {
			v.Query = query
		}
		return v, nil
	}
	upper := strings.ToUpper(text)
	switch {
	case strings.HasPrefix(upper, "PASS"), strings.HasPrefix(upper, "ALLOW"):
		return GuardrailVerdict{Pass: true, Query: query}, nil
	case strings.HasPrefix(upper, "BLOCK"), strings.HasPrefix(upper, "REJECT"):
		msg := strings.TrimSpace(strings.TrimLeft(text[strings.IndexAny(text, " :")+1:], ": "))
		return GuardrailVerdict{Pass: false, Query: query, Message: msg}, nil
	default:
		return GuardrailVerdict{}, xerrors.New(xerrors.CodeCollaborator, "guardrail reply not understood: "+llm.Truncate(text, 80))
	}
}

// LLMPlanner 使用大模型生成计划文本。
type LLMPlanner struct {
	Client llm.Client
}

// Plan 实现 Planner。
func (p LLMPlanner) Plan(ctx context.Context, req PlanRequest) (string, error) {
	return p.Client.Invoke(ctx, plannerSystemPrompt(req.Tools), plannerUserPrompt(req))
}

func plannerSystemPrompt(infos []ToolInfo) string {
	var b strings.Builder
	b.WriteString("You plan tool calls that answer a business question.\nAvailable tools:\n")
	for _, info := range infos {
		fmt.Fprintf(&b, "- %s [%s]: %s\n", info.Name, info.Tier, info.Description)
	}
	b.WriteString("Write one block per step:\nTool: <tool name>\nInput: <input text>\n")
	fmt.Fprintf(&b, "If no tool is required, reply \"No tool needed\". If the question cannot be planned, reply \"%s: <reason>\".\n", PlanErrorSentinel)
	return b.String()
}

func plannerUserPrompt(req PlanRequest) string {
	var b strings.Builder
	if len(req.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for i, turn := range req.History {
			fmt.Fprintf(&b, "[%d] Q: %s | A: %s\n", i+1, turn.Query, llm.Truncate(turn.Answer, 160))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", req.Query)
	if len(req.Feedback) > 0 {
		b.WriteString("The user asked to change the previous plan:\n")
		for _, fb := range req.Feedback {
			fmt.Fprintf(&b, "- %s\n", fb)
		}
	}
	return b.String()
}

const classifierSystemPrompt = `Classify the user's reply to a proposed plan.
Answer with exactly one word: APPROVE, REJECT, MODIFY or UNCLEAR.`

// LLMClassifier 使用大模型对确认回复分类。
type LLMClassifier struct {
	Client llm.Client
}

// Classify 实现 Classifier。
func (c LLMClassifier) Classify(ctx context.Context, reply string) (Decision, error) {
	out, err := c.Client.Invoke(ctx, classifierSystemPrompt, reply)
	if err != nil {
		return DecisionUnclear, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return DecisionUnclear, xerrors.New(xerrors.CodeCollaborator, "classifier returned an empty reply")
	}
	return ParseDecision(fields[0]), nil
}

const synthesizerSystemPrompt = `You write the final answer to a business question using only the tool results provided.
Be concise and cite the evidence you rely on. If the results are insufficient, say so.`

// LLMSynthesizer 使用大模型根据步骤结果组织答案。
type LLMSynthesizer struct {
	Client llm.Client
}

// Synthesize 实现 Synthesizer。
func (s LLMSynthesizer) Synthesize(ctx context.Context, query string, results []StepResult) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nTool results:\n", query)
	if len(results) == 0 {
		b.WriteString("(no tools were used; answer directly)\n")
	}
	for _, sr := range results {
		if sr.Failed() {
			fmt.Fprintf(&b, "[%s] error: %s\n", sr.Key, sr.Error)
			continue
		}
		encoded, err := json.Marshal(sr.Result)
		if err != nil {
			encoded = []byte(sr.Result.AnswerText())
		}
		fmt.Fprintf(&b, "[%s] %s\n", sr.Key, llm.Truncate(string(encoded), 1500))
	}
	return s.Client.Invoke(ctx, synthesizerSystemPrompt, b.String())
}

var (
	_ Guardrail   = LLMGuardrail{}
	_ Planner     = LLMPlanner{}
	_ Classifier  = LLMClassifier{}
	_ Synthesizer = LLMSynthesizer{}
	_ Classifier  = KeywordClassifier{}
	_ Synthesizer = EvidenceSynthesizer{}
)
