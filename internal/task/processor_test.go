package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/observability/alerting"
	"QueryPilot/internal/pipeline"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	fn        func(job *Task) (*Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, job *Task) (*Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	if f.fn != nil {
		return f.fn(job)
	}
	return &Result{TurnID: "turn-" + job.ID, Answer: "ok", Outcome: "answered"}, nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recordingObserver) ObserveJob(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

type recordingProducer struct {
	published []string
	err       error
}

func (p *recordingProducer) Publish(_ context.Context, id string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, id)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func seedTask(t *testing.T, store Store, id string, maxRetries int) {
	t.Helper()
	if err := store.Create(context.Background(), &Task{ID: id, SessionID: "s-" + id, Query: "营收如何", Status: StatusPending, MaxRetries: maxRetries}); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, Request{Query: fmt.Sprintf("query-%d", i)}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(executor.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done

	stats, err := service.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != total || stats.Succeeded != total {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	observer := &recordingObserver{}
	seedTask(t, store, "job", 3)

	executor := &fakeExecutor{fn: func(*Task) (*Result, error) {
		return nil, xerrors.New(CodeTaskProcessing, "llm timeout")
	}}
	processor := NewProcessor(executor, store, nil, producer, WithJobObserver(observer))

	if err := processor.Handle(ctx, "job"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(producer.published) != 1 || producer.published[0] != "job" {
		t.Fatalf("expected job to be requeued, got %v", producer.published)
	}
	task, _ := store.Get(ctx, "job")
	if task.Status != StatusFailed || task.Attempts != 1 || task.ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if len(observer.statuses) != 1 || observer.statuses[0] != JobRetried {
		t.Fatalf("unexpected observations: %v", observer.statuses)
	}

	executor.fn = nil
	if err := processor.Handle(ctx, "job"); err != nil {
		t.Fatalf("handle retry: %v", err)
	}
	task, _ = store.Get(ctx, "job")
	if task.Status != StatusSucceeded || task.Result == nil || task.Result.TurnID != "turn-job" {
		t.Fatalf("unexpected task after retry: %+v", task)
	}
}

func TestProcessorAlertsWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	alerts := &recordingAlerts{}
	seedTask(t, store, "job", 1)

	executor := &fakeExecutor{fn: func(*Task) (*Result, error) {
		return nil, xerrors.New(CodeTaskProcessing, "llm timeout")
	}}
	processor := NewProcessor(executor, store, nil, producer, WithAlertDispatcher(alerts))

	if err := processor.Handle(ctx, "job"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatalf("exhausted task must not be requeued")
	}
	if len(alerts.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts.events))
	}
	event := alerts.events[0]
	if event.Code != CodeTaskExhausted || event.SessionID != "s-job" || event.Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected alert: %+v", event)
	}

	if err := processor.Handle(ctx, "job"); err != nil {
		t.Fatalf("exhausted task should be skipped, got %v", err)
	}
	if executor.processed.Load() != 1 {
		t.Fatalf("exhausted task executed again")
	}
}

func TestProcessorNonRetryableFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	seedTask(t, store, "job", 5)

	executor := &fakeExecutor{fn: func(*Task) (*Result, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bad query")
	}}
	processor := NewProcessor(executor, store, nil, producer)

	if err := processor.Handle(ctx, "job"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, _ := store.Get(ctx, "job")
	if task.Status != StatusFailed || task.Attempts != task.MaxRetries || task.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if len(producer.published) != 0 {
		t.Fatalf("non-retryable failure must not be requeued")
	}
}

func TestProcessorRecoveryWritesFallbackAnswer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	observer := &recordingObserver{}
	alerts := &recordingAlerts{}
	seedTask(t, store, "job", 1)

	executor := &fakeExecutor{fn: func(*Task) (*Result, error) {
		return nil, xerrors.Wrap(CodeTaskProcessing, errors.New("boom"), "turn failed", xerrors.WithStage("synthesize"))
	}}
	processor := NewProcessor(executor, store, nil, &recordingProducer{},
		WithRecoveryHandler(MessageRecovery{Message: "稍后再试"}),
		WithAlertDispatcher(alerts),
		WithJobObserver(observer),
	)

	if err := processor.Handle(ctx, "job"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, _ := store.Get(ctx, "job")
	if task.Status != StatusSucceeded || task.Result == nil {
		t.Fatalf("expected degraded success, got %+v", task)
	}
	if task.Result.Answer != "稍后再试" || task.Result.Outcome != "execution_failed" || task.Result.FailedStage != "synthesize" {
		t.Fatalf("unexpected fallback result: %+v", task.Result)
	}
	if len(observer.statuses) != 1 || observer.statuses[0] != JobDegraded {
		t.Fatalf("unexpected observations: %v", observer.statuses)
	}
	if len(alerts.events) != 1 || alerts.events[0].Metadata["pipeline_stage"] != "synthesize" {
		t.Fatalf("unexpected alerts: %+v", alerts.events)
	}
}

func TestProcessorReturnsPublishErrorForRedelivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedTask(t, store, "job", 3)

	executor := &fakeExecutor{fn: func(*Task) (*Result, error) {
		return nil, xerrors.New(CodeTaskProcessing, "llm timeout")
	}}
	processor := NewProcessor(executor, store, nil, &recordingProducer{err: errors.New("broker down")})

	err := processor.Handle(ctx, "job")
	if !xerrors.HasCode(err, CodeTaskPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

type fakeRunner struct {
	result *pipeline.Result
	req    pipeline.Request
}

func (f *fakeRunner) RunTurn(_ context.Context, req pipeline.Request) *pipeline.Result {
	f.req = req
	return f.result
}

func TestPipelineExecutorMapsOutcomes(t *testing.T) {
	ctx := context.Background()
	job := &Task{ID: "job", SessionID: "s1", Query: "营收"}

	runner := &fakeRunner{result: &pipeline.Result{TurnID: "t1", Answer: "增长 12%", Outcome: pipeline.OutcomeAnswered}}
	res, err := PipelineExecutor{Runner: runner}.Execute(ctx, job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.TurnID != "t1" || res.Outcome != "answered" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := runner.req.Channel.(pipeline.AutoApprove); !ok || runner.req.SessionID != "s1" {
		t.Fatalf("unexpected request: %+v", runner.req)
	}

	runner.result = &pipeline.Result{
		TurnID:      "t2",
		Outcome:     pipeline.OutcomeRejected,
		FailedStage: pipeline.StageGuardrail,
		Err:         xerrors.New(xerrors.CodeStageFailure, "rejected"),
	}
	res, err = PipelineExecutor{Runner: runner}.Execute(ctx, job)
	if err != nil {
		t.Fatalf("non-retryable outcome should be recorded, got %v", err)
	}
	if res.Outcome != "rejected" || res.FailedStage != "guardrail" {
		t.Fatalf("unexpected result: %+v", res)
	}

	runner.result = &pipeline.Result{
		TurnID:      "t3",
		Outcome:     pipeline.OutcomePlanFailed,
		FailedStage: pipeline.StagePlan,
		Err:         xerrors.New(xerrors.CodeCollaborator, "llm unavailable"),
	}
	_, err = PipelineExecutor{Runner: runner}.Execute(ctx, job)
	if !xerrors.HasCode(err, CodeTaskProcessing) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable processing error, got %v", err)
	}
	if xerrors.StageOf(err) != "plan" {
		t.Fatalf("stage not propagated: %q", xerrors.StageOf(err))
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 0)

	if _, err := service.Submit(ctx, Request{Query: "   "}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	first, err := service.Submit(ctx, Request{ID: "fixed", Query: "营收"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.SessionID == "" || first.MaxRetries != 3 {
		t.Fatalf("unexpected task: %+v", first)
	}
	second, err := service.Submit(ctx, Request{ID: "fixed", Query: "营收"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != "fixed" || len(producer.published) != 1 {
		t.Fatalf("duplicate submission published again: %v", producer.published)
	}
}

func TestServiceSubmitMarksPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, &recordingProducer{err: errors.New("down")}, 2)

	_, err := service.Submit(ctx, Request{ID: "job", Query: "营收"})
	if !xerrors.HasCode(err, CodeTaskPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	task, err := store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusFailed || task.Attempts != task.MaxRetries {
		t.Fatalf("publish failure should be terminal: %+v", task)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 1)
	processor := NewProcessor(&fakeExecutor{}, store, queue, queue)
	go func() { _ = processor.Start(ctx) }()

	task, err := service.Submit(ctx, Request{Query: "营收"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Result.Answer != "ok" {
		t.Fatalf("unexpected task: %+v", done)
	}

	list, err := service.List(ctx, WithSession(task.SessionID))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one task in session, got %d", len(list))
	}
}
