package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// KeywordClassifier 通过关键词对确认回复分类，不依赖模型。
type KeywordClassifier struct{}

var (
	approveWords = regexp.MustCompile(`(?i)^(y|yes|yep|ok|okay|sure|approve[d]?|go( ahead)?|proceed|run( it)?|do it|confirm(ed)?|lgtm|sounds good)\b`)
	rejectWords  = regexp.MustCompile(`(?i)^(n|no|nope|reject(ed)?|cancel|stop|abort|don'?t|never ?mind|forget it)\b`)
	modifyWords  = regexp.MustCompile(`(?i)\b(instead|change|modify|rather|also include|add|remove|replace|but use|only|exclude|swap|different)\b`)
)

// Classify 实现 Classifier。
func (KeywordClassifier) Classify(_ context.Context, reply string) (Decision, error) {
	text := strings.TrimSpace(reply)
	switch {
	case text == "":
		return DecisionUnclear, nil
	case modifyWords.MatchString(text):
		return DecisionModify, nil
	case rejectWords.MatchString(text):
		return DecisionReject, nil
	case approveWords.MatchString(text):
		return DecisionApprove, nil
	default:
		return DecisionUnclear, nil
	}
}

// EvidenceSynthesizer 不调用模型，直接把成功步骤的答案与证据拼成最终答案。
type EvidenceSynthesizer struct{}

// Synthesize 实现 Synthesizer。
func (EvidenceSynthesizer) Synthesize(_ context.Context, query string, results []StepResult) (string, error) {
	if len(results) == 0 {
		return fmt.Sprintf("No tools were needed for %q.", query), nil
	}
	var b strings.Builder
	for _, sr := range results {
		if sr.Failed() {
			continue
		}
		if answer := strings.TrimSpace(sr.Result.AnswerText()); answer != "" {
			fmt.Fprintf(&b, "%s\n", answer)
		}
		for _, ev := range sr.Result.Evidence {
			fmt.Fprintf(&b, "- %s\n", ev)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("no step produced a usable result")
	}
	return out, nil
}
