package pipeline

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QueryPilot/internal/memory"
	"QueryPilot/internal/tools"
)

func TestParsePlanMultiLineInput(t *testing.T) {
	text := "1. Tool: **DocumentSearch**\nInput: revenue\n  split by region\n\nTool: DocumentAnalyzer\nInput: \"d1 d2\""
	plan := ParsePlan(text)
	require.False(t, plan.Direct)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, PlanStep{Tool: "DocumentSearch", Input: "revenue\n  split by region"}, plan.Steps[0])
	assert.Equal(t, PlanStep{Tool: "DocumentAnalyzer", Input: "d1 d2"}, plan.Steps[1])
}

func TestParsePlanSentinelAndDirect(t *testing.T) {
	plan := ParsePlan("plan_error: the metric is ambiguous")
	assert.True(t, plan.Sentinel)
	assert.Equal(t, "the metric is ambiguous", plan.Reason)

	plan = ParsePlan("No tool needed. EBITDA is earnings before interest...")
	assert.True(t, plan.Direct)
	assert.Empty(t, plan.Steps)
}

func TestParsePlanIgnoresPreamble(t *testing.T) {
	plan := ParsePlan("Here is my plan.\nInput: stray\nTool: CategoryFinder\r\nInput: finance")
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "CategoryFinder", plan.Steps[0].Tool)
	assert.Equal(t, "finance", plan.Steps[0].Input)
}

func TestKeywordClassifier(t *testing.T) {
	cases := map[string]Decision{
		"yes":                        DecisionApprove,
		"Sounds good":                DecisionApprove,
		"go ahead":                   DecisionApprove,
		"no":                         DecisionReject,
		"don't do that":              DecisionReject,
		"yes but use 2022 instead":   DecisionModify,
		"please exclude Europe":      DecisionModify,
		"hmm":                        DecisionUnclear,
		"yesterday's numbers please": DecisionUnclear,
		"":                           DecisionUnclear,
	}
	for reply, want := range cases {
		got, err := KeywordClassifier{}.Classify(context.Background(), reply)
		require.NoError(t, err)
		assert.Equal(t, want, got, reply)
	}
}

func TestParseDecision(t *testing.T) {
	assert.Equal(t, DecisionApprove, ParseDecision(" approve."))
	assert.Equal(t, DecisionModify, ParseDecision("**MODIFY**"))
	assert.Equal(t, DecisionUnclear, ParseDecision("perhaps"))
}

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict(`Sure: {"pass": true, "query": "revenue 2023"}`, "revnue 2023")
	require.NoError(t, err)
	assert.True(t, v.Pass)
	assert.Equal(t, "revenue 2023", v.Query)

	v, err = parseVerdict("PASS", "q")
	require.NoError(t, err)
	assert.Equal(t, GuardrailVerdict{Pass: true, Query: "q"}, v)

	v, err = parseVerdict("BLOCK: off-topic request", "q")
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Equal(t, "off-topic request", v.Message)

	_, err = parseVerdict("I am not sure", "q")
	assert.Error(t, err)
}

func TestEvidenceSynthesizerSkipsFailedSteps(t *testing.T) {
	res := tools.Text("12M", 7)
	res.Evidence = []string{"d1: 12M"}
	steps := []StepResult{
		{Key: "a#1", Error: "boom"},
		{Key: "b#2", Result: res},
	}
	out, err := EvidenceSynthesizer{}.Synthesize(context.Background(), "revenue", steps)
	require.NoError(t, err)
	assert.Equal(t, "12M\n- d1: 12M", out)

	_, err = EvidenceSynthesizer{}.Synthesize(context.Background(), "revenue", steps[:1])
	assert.Error(t, err)
}

func TestConsoleChannelPresent(t *testing.T) {
	var out bytes.Buffer
	ch := NewConsoleChannel(strings.NewReader("approve\n"), &out)
	reply, err := ch.Present(context.Background(), Prompt{Kind: PromptConfirm, Text: "Proposed plan"})
	require.NoError(t, err)
	assert.Equal(t, "approve", reply)
	assert.Contains(t, out.String(), "Proposed plan")
}

func TestSessionManagerSerializesTurns(t *testing.T) {
	mgr := NewSessionManager(memory.NewMemoryStore(), 3)
	ctx := context.Background()
	s, release, err := mgr.Acquire(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	s.Memory.Add("q", "a")
	require.NoError(t, mgr.Persist(ctx, s))
	release()

	again, release, err := mgr.Acquire(ctx, s.ID)
	require.NoError(t, err)
	defer release()
	assert.Same(t, s, again)
	assert.Equal(t, 1, mgr.Len())
}

func TestSessionManagerEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	mgr := NewSessionManager(memory.NewMemoryStore(), 3)
	mgr.SetResidentLimit(2)

	use := func(id string) {
		s, release, err := mgr.Acquire(ctx, id)
		require.NoError(t, err)
		s.Memory.Add("q-"+id, "a-"+id)
		require.NoError(t, mgr.Persist(ctx, s))
		release()
	}
	use("a")
	use("b")
	use("a")
	use("c")
	assert.Equal(t, 2, mgr.Len())

	// b 最久未使用，已被移出，重新获取时从存储恢复。
	b, release, err := mgr.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Memory.Len())
	release()
	release()
	assert.Equal(t, 2, mgr.Len())
}

func TestSessionManagerKeepsSessionsInUse(t *testing.T) {
	ctx := context.Background()
	mgr := NewSessionManager(nil, 3)
	mgr.SetResidentLimit(1)

	held, release, err := mgr.Acquire(ctx, "held")
	require.NoError(t, err)

	_, other, err := mgr.Acquire(ctx, "other")
	require.NoError(t, err)
	other()
	assert.Equal(t, 1, mgr.Len())
	release()

	again, releaseAgain, err := mgr.Acquire(ctx, "held")
	require.NoError(t, err)
	assert.Same(t, held, again)
	releaseAgain()
}
