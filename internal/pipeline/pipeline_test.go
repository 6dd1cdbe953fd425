package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QueryPilot/internal/llm"
	"QueryPilot/internal/memory"
	"QueryPilot/internal/storage/mysql"
	"QueryPilot/internal/tools"
)

const fullPlan = `Tool: CategoryFinder
Input: revenue
Tool: DocumentSearch
Input: revenue 2023
Tool: DocumentAnalyzer
Input: d1`

type scriptedPlanner struct {
	mu       sync.Mutex
	outputs  []string
	err      error
	requests []PlanRequest
}

func (p *scriptedPlanner) Plan(_ context.Context, req PlanRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return "", p.err
	}
	if len(p.outputs) == 0 {
		return fullPlan, nil
	}
	out := p.outputs[0]
	if len(p.outputs) > 1 {
		p.outputs = p.outputs[1:]
	}
	return out, nil
}

type scriptedChannel struct {
	replies []string
	prompts []Prompt
}

func (c *scriptedChannel) Present(_ context.Context, prompt Prompt) (string, error) {
	c.prompts = append(c.prompts, prompt)
	if len(c.replies) == 0 {
		return "", errors.New("no more replies")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

type guardFunc func(context.Context, string) (GuardrailVerdict, error)

func (f guardFunc) Check(ctx context.Context, q string) (GuardrailVerdict, error) { return f(ctx, q) }

type classifierFunc func(context.Context, string) (Decision, error)

func (f classifierFunc) Classify(ctx context.Context, r string) (Decision, error) { return f(ctx, r) }

func testRegistry(t *testing.T, overrides ...tools.Tool) *tools.Registry {
	t.Helper()
	byName := map[string]tools.Tool{
		"CategoryFinder": tools.Func{ToolName: "CategoryFinder", ToolTier: tools.TierScope, Fn: func(context.Context, string, tools.Context) (*tools.Result, error) {
			res := tools.Text("category finance", 4)
			res.FocusKey = "finance"
			return res, nil
		}},
		"DocumentSearch": tools.Func{ToolName: "DocumentSearch", ToolTier: tools.TierCandidate, Fn: func(context.Context, string, tools.Context) (*tools.Result, error) {
			res := tools.Text("found d1", 5)
			res.DiscoveredIDs = []string{"d1"}
			return res, nil
		}},
		"DocumentAnalyzer": tools.Func{ToolName: "DocumentAnalyzer", ToolTier: tools.TierDetail, Fn: func(_ context.Context, input string, _ tools.Context) (*tools.Result, error) {
			ids := strings.Fields(input)
			res := tools.Text("revenue grew 12%", 8)
			res.AnalyzedIDs = ids
			res.Evidence = []string{"d1: revenue 12% up"}
			return res, nil
		}},
	}
	for _, tool := range overrides {
		byName[tool.Name()] = tool
	}
	list := make([]tools.Tool, 0, len(byName))
	for _, tool := range byName {
		list = append(list, tool)
	}
	reg, err := tools.NewRegistry(list...)
	require.NoError(t, err)
	return reg
}

func TestApprovedPlanIsAnsweredAndRemembered(t *testing.T) {
	repo, err := mysql.NewFileTurnRepository(t.TempDir())
	require.NoError(t, err)
	planner := &scriptedPlanner{}
	ctrl := New(planner, testRegistry(t), WithTurnRepository(repo))

	res := ctrl.RunTurn(context.Background(), Request{SessionID: "s1", Query: "how did revenue change?"})
	require.Equal(t, OutcomeAnswered, res.Outcome, res.Answer)
	assert.Contains(t, res.Answer, "revenue grew 12%")
	assert.Len(t, res.Steps, 3)
	assert.Equal(t, []string{"CategoryFinder#1", "DocumentSearch#1", "DocumentAnalyzer#1"},
		[]string{res.Steps[0].Key, res.Steps[1].Key, res.Steps[2].Key})
	require.NotNil(t, res.State)
	assert.Equal(t, []string{"d1"}, res.State.Processed)

	session, release, err := ctrl.Sessions().Acquire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, session.Memory.Len())
	release()

	records, err := repo.ListLatest(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(OutcomeAnswered), records[0].Outcome)
}

func TestThreeModifyRepliesHitMaxReplans(t *testing.T) {
	planner := &scriptedPlanner{}
	channel := &scriptedChannel{replies: []string{"change it to 2022 instead", "use a different region instead", "rather exclude Europe"}}
	ctrl := New(planner, testRegistry(t))

	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue", Channel: channel})
	assert.Equal(t, OutcomeMaxReplans, res.Outcome)
	assert.Equal(t, OutcomeMaxReplans.Message(), res.Answer)
	assert.Equal(t, 3, res.PlanCalls)
	assert.Len(t, planner.requests, 3)
	assert.Equal(t, []string{"change it to 2022 instead", "use a different region instead"}, planner.requests[2].Feedback)
	assert.Empty(t, res.Steps)
}

func TestRaisingToolRecordsErrorAndContinues(t *testing.T) {
	raising := tools.Func{ToolName: "DocumentSearch", ToolTier: tools.TierCandidate, Fn: func(context.Context, string, tools.Context) (*tools.Result, error) {
		return nil, errors.New("index offline")
	}}
	ctrl := New(&scriptedPlanner{}, testRegistry(t, raising))

	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue"})
	require.Equal(t, OutcomeAnswered, res.Outcome, res.Answer)
	require.Len(t, res.Steps, 3)
	assert.Contains(t, res.Steps[1].Error, "index offline")
	assert.False(t, res.Steps[2].Failed())
}

func TestUnknownToolIsPerStepError(t *testing.T) {
	plan := "Tool: CategoryFinder\nInput: revenue\nTool: Weather\nInput: Paris"
	ctrl := New(&scriptedPlanner{outputs: []string{plan}}, testRegistry(t))
	channel := &scriptedChannel{replies: []string{"yes"}}

	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue", Channel: channel})
	require.Equal(t, OutcomeAnswered, res.Outcome, res.Answer)
	assert.Equal(t, "unknown tool Weather", res.Steps[1].Error)
	assert.Contains(t, channel.prompts[0].Text, "Weather (unknown tool)")
}

func TestGuardrailFailsOpen(t *testing.T) {
	guard := guardFunc(func(context.Context, string) (GuardrailVerdict, error) {
		return GuardrailVerdict{}, errors.New("guard model down")
	})
	ctrl := New(&scriptedPlanner{}, testRegistry(t), WithGuardrail(guard))

	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue"})
	assert.Equal(t, OutcomeAnswered, res.Outcome)
}

func TestGuardrailRejection(t *testing.T) {
	guard := guardFunc(func(context.Context, string) (GuardrailVerdict, error) {
		return GuardrailVerdict{Pass: false, Message: "Only business questions are supported."}, nil
	})
	planner := &scriptedPlanner{}
	ctrl := New(planner, testRegistry(t), WithGuardrail(guard))

	res := ctrl.RunTurn(context.Background(), Request{SessionID: "s", Query: "tell me a joke"})
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, StageGuardrail, res.FailedStage)
	assert.Equal(t, "Only business questions are supported.", res.Answer)
	assert.Empty(t, planner.requests)

	session, release, err := ctrl.Sessions().Acquire(context.Background(), "s")
	require.NoError(t, err)
	defer release()
	assert.Zero(t, session.Memory.Len(), "failed turns are not remembered")
}

func TestGuardrailRewritesQuery(t *testing.T) {
	guard := guardFunc(func(_ context.Context, q string) (GuardrailVerdict, error) {
		return GuardrailVerdict{Pass: true, Query: "revenue 2023"}, nil
	})
	planner := &scriptedPlanner{}
	ctrl := New(planner, testRegistry(t), WithGuardrail(guard))

	ctrl.RunTurn(context.Background(), Request{Query: "revnue 2023"})
	require.Len(t, planner.requests, 1)
	assert.Equal(t, "revenue 2023", planner.requests[0].Query)
}

func TestPlannerErrorEndsTurn(t *testing.T) {
	ctrl := New(&scriptedPlanner{err: errors.New("model timeout")}, testRegistry(t))
	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue"})
	assert.Equal(t, OutcomePlanFailed, res.Outcome)
	assert.Equal(t, StagePlan, res.FailedStage)
	assert.Error(t, res.Err)
}

func TestSentinelOffersRephraseOrCancel(t *testing.T) {
	planner := &scriptedPlanner{outputs: []string{"PLAN_ERROR: ambiguous metric", fullPlan}}
	channel := &scriptedChannel{replies: []string{"quarterly revenue for 2023", "approve"}}
	ctrl := New(planner, testRegistry(t))

	res := ctrl.RunTurn(context.Background(), Request{Query: "numbers?", Channel: channel})
	require.Equal(t, OutcomeAnswered, res.Outcome, res.Answer)
	assert.Equal(t, PromptRephrase, channel.prompts[0].Kind)
	assert.Contains(t, channel.prompts[0].Text, "ambiguous metric")
	assert.Equal(t, "quarterly revenue for 2023", planner.requests[1].Query)
	assert.Equal(t, 1, res.Attempts)

	cancelled := New(&scriptedPlanner{outputs: []string{"PLAN_ERROR"}}, testRegistry(t))
	res = cancelled.RunTurn(context.Background(), Request{Query: "numbers?", Channel: &scriptedChannel{replies: []string{"cancel"}}})
	assert.Equal(t, OutcomePlanFailed, res.Outcome)
}

func TestRejectCancelsTurn(t *testing.T) {
	ctrl := New(&scriptedPlanner{}, testRegistry(t))
	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue", Channel: &scriptedChannel{replies: []string{"no"}}})
	assert.Equal(t, OutcomeCanceled, res.Outcome)
	assert.Equal(t, OutcomeCanceled.Message(), res.Answer)
}

func TestUnclearRepliesAreBounded(t *testing.T) {
	planner := &scriptedPlanner{}
	channel := &scriptedChannel{replies: []string{"hmm", "what?", "maybe"}}
	ctrl := New(planner, testRegistry(t))

	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue", Channel: channel})
	assert.Equal(t, OutcomeConfirmUnclear, res.Outcome)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 1, res.PlanCalls)
	assert.Equal(t, PromptClarify, channel.prompts[1].Kind)
}

func TestClassifierErrorFallsBackToKeywords(t *testing.T) {
	broken := classifierFunc(func(context.Context, string) (Decision, error) {
		return DecisionUnclear, errors.New("classifier offline")
	})
	ctrl := New(&scriptedPlanner{}, testRegistry(t), WithClassifier(broken))
	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue", Channel: &scriptedChannel{replies: []string{"yes"}}})
	assert.Equal(t, OutcomeAnswered, res.Outcome)
}

func TestDirectPlanSkipsExecute(t *testing.T) {
	ctrl := New(&scriptedPlanner{outputs: []string{"No tool needed, this is general knowledge."}}, testRegistry(t))
	res := ctrl.RunTurn(context.Background(), Request{Query: "what is EBITDA"})
	require.Equal(t, OutcomeAnswered, res.Outcome)
	assert.Empty(t, res.Steps)
	for _, ev := range res.Trace {
		assert.NotEqual(t, StageExecute, ev.Stage)
	}
}

func TestInterruptAbortsRemainingSteps(t *testing.T) {
	interrupt := make(chan struct{})
	blocking := tools.Func{ToolName: "CategoryFinder", ToolTier: tools.TierScope, Fn: func(ctx context.Context, _ string, _ tools.Context) (*tools.Result, error) {
		close(interrupt)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ctrl := New(&scriptedPlanner{}, testRegistry(t, blocking))

	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue", Interrupt: interrupt})
	assert.Equal(t, OutcomeExecutionFailed, res.Outcome)
	assert.Equal(t, StageExecute, res.FailedStage)
	require.Len(t, res.Steps, 1)
	assert.True(t, res.Steps[0].Failed())
	assert.Contains(t, res.Answer, "interrupted")
}

func TestSynthesisFailure(t *testing.T) {
	failing := synthFunc(func(context.Context, string, []StepResult) (string, error) {
		return "", errors.New("model refused")
	})
	ctrl := New(&scriptedPlanner{}, testRegistry(t), WithSynthesizer(failing))
	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue"})
	assert.Equal(t, OutcomeSynthesisFailed, res.Outcome)
	assert.Equal(t, StageSynthesize, res.FailedStage)
}

type synthFunc func(context.Context, string, []StepResult) (string, error)

func (f synthFunc) Synthesize(ctx context.Context, q string, r []StepResult) (string, error) {
	return f(ctx, q, r)
}

func TestOutcomeMessagesAreDistinct(t *testing.T) {
	seen := map[string]Outcome{}
	for _, o := range Outcomes() {
		if o == OutcomeAnswered {
			continue
		}
		msg := o.Message()
		require.NotEmpty(t, msg, o)
		prev, dup := seen[msg]
		assert.False(t, dup, "%s and %s share a message", o, prev)
		seen[msg] = o
	}
}

func TestFollowUpUsesEnhancedQueryAndHistory(t *testing.T) {
	planner := &scriptedPlanner{}
	ctrl := New(planner, testRegistry(t))
	ctx := context.Background()

	require.Equal(t, OutcomeAnswered, ctrl.RunTurn(ctx, Request{SessionID: "s", Query: "revenue in 2023"}).Outcome)
	ctrl.RunTurn(ctx, Request{SessionID: "s", Query: "what about 2022?"})

	require.Len(t, planner.requests, 2)
	assert.Empty(t, planner.requests[0].History)
	assert.Equal(t, "what about 2022? (Context from previous query: 'revenue in 2023')", planner.requests[1].Query)
	require.Len(t, planner.requests[1].History, 1)
	assert.Equal(t, "revenue in 2023", planner.requests[1].History[0].Query)
}

func TestSessionsRestoreFromStore(t *testing.T) {
	store := memory.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "s", []memory.Turn{{Query: "revenue in 2023", Answer: "12M"}}))
	planner := &scriptedPlanner{}
	ctrl := New(planner, testRegistry(t), WithSessions(NewSessionManager(store, 5)))

	ctrl.RunTurn(context.Background(), Request{SessionID: "s", Query: "and what about costs"})
	require.Len(t, planner.requests, 1)
	assert.Len(t, planner.requests[0].History, 1)

	saved, err := store.Load(context.Background(), "s")
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestIdleSessionsAreEvictedAndRestored(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	sessions := NewSessionManager(store, 5)
	sessions.SetResidentLimit(1)
	planner := &scriptedPlanner{}
	ctrl := New(planner, testRegistry(t), WithSessions(sessions))

	require.Equal(t, OutcomeAnswered, ctrl.RunTurn(ctx, Request{SessionID: "a", Query: "revenue in 2023"}).Outcome)
	require.Equal(t, OutcomeAnswered, ctrl.RunTurn(ctx, Request{SessionID: "b", Query: "costs in 2023"}).Outcome)
	assert.Equal(t, 1, sessions.Len())

	ctrl.RunTurn(ctx, Request{SessionID: "a", Query: "and 2022"})
	require.Len(t, planner.requests, 3)
	require.Len(t, planner.requests[2].History, 1, "evicted session memory comes back from the store")
	assert.Equal(t, "revenue in 2023", planner.requests[2].History[0].Query)
	assert.Equal(t, 1, sessions.Len())
}

func TestReasoningLoopFinishesPendingItems(t *testing.T) {
	plan := "Tool: CategoryFinder\nInput: revenue\nTool: DocumentSearch\nInput: revenue"
	model := llm.ClientFunc(func(_ context.Context, _, user string) (string, error) {
		if strings.Contains(user, "Observation:") {
			return "Final Answer: revenue grew 12% (d1)", nil
		}
		return "Thought: analyze the pending document\nAction: DocumentAnalyzer\nAction Input: d1", nil
	})
	ctrl := New(&scriptedPlanner{outputs: []string{plan}}, testRegistry(t), WithReasoningLoop(model, 4))

	res := ctrl.RunTurn(context.Background(), Request{Query: "revenue"})
	require.Equal(t, OutcomeAnswered, res.Outcome, res.Answer)
	require.Len(t, res.Steps, 4)
	assert.Equal(t, "DocumentAnalyzer#1", res.Steps[2].Key)
	assert.Equal(t, "reasoning#1", res.Steps[3].Key)
	assert.Equal(t, []string{"analyze the pending document"}, res.Thoughts)
	assert.Empty(t, res.State.Pending)
}

func TestSeededPendingItemGoesStraightToDetailTool(t *testing.T) {
	plan := "Tool: DocumentAnalyzer\nInput: X\n"
	ctrl := New(&scriptedPlanner{outputs: []string{plan}}, testRegistry(t))

	res := ctrl.RunTurn(context.Background(), Request{Query: "analyze X", PendingItems: []string{"X"}})
	require.Equal(t, OutcomeAnswered, res.Outcome, res.Answer)
	require.Len(t, res.Steps, 1)
	assert.Empty(t, res.Steps[0].Error)
	assert.Equal(t, []string{"X"}, res.State.Processed)
	assert.Empty(t, res.State.Pending)
}

func TestRepeatedToolsGetPerToolKeys(t *testing.T) {
	plan := "Tool: DocumentAnalyzer\nInput: X\nTool: DocumentAnalyzer\nInput: Y\nTool: Missing\nInput: z"
	ctrl := New(&scriptedPlanner{outputs: []string{plan}}, testRegistry(t))

	res := ctrl.RunTurn(context.Background(), Request{Query: "analyze", PendingItems: []string{"X", "Y"}})
	require.Equal(t, OutcomeAnswered, res.Outcome, res.Answer)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, []string{"DocumentAnalyzer#1", "DocumentAnalyzer#2", "Missing#1"},
		[]string{res.Steps[0].Key, res.Steps[1].Key, res.Steps[2].Key})
	assert.Equal(t, []string{"X", "Y"}, res.State.Processed)
}
