package pipeline

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"QueryPilot/internal/agent"
	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/llm"
	"QueryPilot/internal/memory"
	"QueryPilot/internal/storage/mysql"
	"QueryPilot/internal/tools"
	"QueryPilot/pkg/logger"
)

const (
	defaultMaxReplans   = 2
	defaultMaxUnclear   = 3
	defaultHistoryDepth = 3
	defaultStageTimeout = 60 * time.Second
)

// Request 描述一轮对话的输入。
type Request struct {
	SessionID string
	Query     string
	// Channel 为空时使用 AutoApprove。
	Channel UserChannel
	// Interrupt 关闭时中止 Execute 阶段剩余的步骤。
	Interrupt <-chan struct{}
	// PendingItems 是调用方已知、需要详情工具处理的工作项，会预先放入本轮状态。
	PendingItems []string
}

// Event 是 trace 中的一条记录。
type Event struct {
	At      time.Time `json:"at"`
	Stage   Stage     `json:"stage"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Result 是一轮对话的完整结果。
type Result struct {
	TurnID      string          `json:"turn_id"`
	SessionID   string          `json:"session_id"`
	Query       string          `json:"query"`
	Answer      string          `json:"answer"`
	Outcome     Outcome         `json:"outcome"`
	FailedStage Stage           `json:"failed_stage,omitempty"`
	Err         error           `json:"-"`
	Error       string          `json:"error,omitempty"`
	Plan        *Plan           `json:"plan,omitempty"`
	Steps       []StepResult    `json:"steps,omitempty"`
	Thoughts    []string        `json:"thoughts,omitempty"`
	Trace       []Event         `json:"trace"`
	Attempts    int             `json:"attempts"`
	PlanCalls   int             `json:"plan_calls"`
	State       *agent.Snapshot `json:"state,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Duration 返回本轮耗时。
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Observer 接收流水线事件，通常由指标模块实现。
type Observer interface {
	agent.Observer
	ObserveStage(stage string, duration time.Duration)
	ObserveTurn(outcome string, duration time.Duration)
	ObserveReplan()
}

type nopObserver struct{}

func (nopObserver) ObserveToolCall(string, string, time.Duration) {}
func (nopObserver) ObserveParseRecovery(string)                   {}
func (nopObserver) ObserveStage(string, time.Duration)            {}
func (nopObserver) ObserveTurn(string, time.Duration)             {}
func (nopObserver) ObserveReplan()                                {}

// Controller 驱动一轮对话的状态机。Controller 本身无状态，可被多个会话并发使用；
// 同一会话内的轮次由 SessionManager 串行化。
type Controller struct {
	planner     Planner
	registry    *tools.Registry
	guardrail   Guardrail
	classifier  Classifier
	synthesizer Synthesizer
	loopClient  llm.Client
	tiers       *agent.Tiers
	sessions    *SessionManager
	turns       mysql.TurnRepository
	observer    Observer
	log         *slog.Logger

	maxReplans    int
	maxUnclear    int
	maxIterations int
	historyDepth  int
	stageTimeout  time.Duration
	toolTimeout   time.Duration
}

// Option 定义可选的 Controller 配置。
type Option func(*Controller)

// WithGuardrail 设置守卫。
func WithGuardrail(g Guardrail) Option {
	return func(c *Controller) { c.guardrail = g }
}

// WithClassifier 设置确认回复分类器。
func WithClassifier(cl Classifier) Option {
	return func(c *Controller) { c.classifier = cl }
}

// WithSynthesizer 设置答案合成器。
func WithSynthesizer(s Synthesizer) Option {
	return func(c *Controller) { c.synthesizer = s }
}

// WithReasoningLoop 启用推理循环：计划步骤执行后仍有待处理项时，由模型继续驱动工具链。
func WithReasoningLoop(client llm.Client, maxIterations int) Option {
	return func(c *Controller) {
		c.loopClient = client
		c.maxIterations = maxIterations
	}
}

// WithTiers 指定三层工具名称，默认按注册表中工具声明的层级推导。
func WithTiers(t agent.Tiers) Option {
	return func(c *Controller) { c.tiers = &t }
}

// WithSessions 设置会话管理器。
func WithSessions(m *SessionManager) Option {
	return func(c *Controller) {
		if m != nil {
			c.sessions = m
		}
	}
}

// WithTurnRepository 设置轮次仓库，每轮结束后都会写入一条记录。
func WithTurnRepository(repo mysql.TurnRepository) Option {
	return func(c *Controller) { c.turns = repo }
}

// WithObserver 设置事件观察者。
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithMaxReplans 设置最大重新规划次数。
func WithMaxReplans(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.maxReplans = n
		}
	}
}

// WithMaxUnclear 设置连续无法理解的确认回复上限。
func WithMaxUnclear(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxUnclear = n
		}
	}
}

// WithStageTimeout 设置每次协作者调用的超时时间。
func WithStageTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.stageTimeout = d
		}
	}
}

// WithToolTimeout 设置每次工具调用的超时时间。
func WithToolTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.toolTimeout = d
		}
	}
}

// New 创建流水线控制器。
func New(planner Planner, registry *tools.Registry, opts ...Option) *Controller {
	c := &Controller{
		planner:      planner,
		registry:     registry,
		guardrail:    AllowAll{},
		classifier:   KeywordClassifier{},
		synthesizer:  EvidenceSynthesizer{},
		observer:     nopObserver{},
		log:          logger.Named("pipeline"),
		maxReplans:   defaultMaxReplans,
		maxUnclear:   defaultMaxUnclear,
		historyDepth: defaultHistoryDepth,
		stageTimeout: defaultStageTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.sessions == nil {
		c.sessions = NewSessionManager(nil, memory.DefaultCapacity)
	}
	if c.registry == nil {
		c.registry, _ = tools.NewRegistry()
	}
	return c
}

// Sessions 返回会话管理器。
func (c *Controller) Sessions() *SessionManager { return c.sessions }

// Registry 返回工具注册表。
func (c *Controller) Registry() *tools.Registry { return c.registry }

// turn 保存一轮对话执行期间的可变数据。
type turn struct {
	c       *Controller
	req     Request
	channel UserChannel
	res     *Result
	memory  *memory.Conversation
	stage   Stage
	entered time.Time
	// occurrences 记录本轮每个工具已出现的次数，用于生成步骤键。
	occurrences map[string]int
}

// stepKey 返回 "工具名#该工具的第几次调用"。
func (t *turn) stepKey(tool string) string {
	if t.occurrences == nil {
		t.occurrences = make(map[string]int)
	}
	t.occurrences[tool]++
	return fmt.Sprintf("%s#%d", tool, t.occurrences[tool])
}

// RunTurn 执行一轮对话。它总是返回结果，失败信息体现在 Outcome 与 Err 中。
func (c *Controller) RunTurn(ctx context.Context, req Request) *Result {
	res := &Result{
		TurnID:    uuid.NewString(),
		SessionID: req.SessionID,
		Query:     req.Query,
		StartedAt: time.Now().UTC(),
	}

	session, release, err := c.sessions.Acquire(ctx, req.SessionID)
	persist := err == nil
	if err != nil {
		c.log.Warn("加载会话记忆失败，使用临时记忆", "session_id", req.SessionID, "error", err)
		id := req.SessionID
		if id == "" {
			id = NewSessionID()
		}
		session = &Session{ID: id, Memory: memory.New(c.sessions.capacity)}
		release = func() {}
	}
	defer release()
	res.SessionID = session.ID

	t := &turn{c: c, req: req, res: res, memory: session.Memory, channel: req.Channel}
	if t.channel == nil {
		t.channel = AutoApprove{}
	}
	t.run(ctx)
	t.leave()
	res.FinishedAt = time.Now().UTC()
	if res.Err != nil {
		res.Error = res.Err.Error()
	}

	if res.Outcome.Succeeded() {
		session.Memory.Add(req.Query, res.Answer)
		if persist {
			if err := c.sessions.Persist(ctx, session); err != nil {
				c.log.Warn("保存会话记忆失败", "session_id", session.ID, "error", err)
			}
		}
	}
	c.record(ctx, res)
	return res
}

func (t *turn) run(ctx context.Context) {
	c := t.c
	if c.planner == nil {
		t.fail(StagePlan, OutcomePlanFailed, xerrors.New(xerrors.CodeInitializationFailure, "未配置规划器"), "")
		return
	}
	if strings.TrimSpace(t.req.Query) == "" {
		t.fail(StageGuardrail, OutcomeRejected, xerrors.New(xerrors.CodeInvalidArgument, "查询不能为空"), "Please enter a question.")
		return
	}

	query, ok := t.guard(ctx)
	if !ok {
		return
	}

	var feedback []string
	for {
		plan, ok := t.plan(ctx, query, feedback)
		if !ok {
			return
		}

		if plan.Sentinel {
			reply, ok := t.present(ctx, Prompt{Kind: PromptRephrase, Text: rephrasePrompt(plan)})
			if !ok {
				return
			}
			if isCancel(reply) {
				t.fail(StagePlan, OutcomePlanFailed, xerrors.New(xerrors.CodeStageFailure, "planner could not produce a plan: "+plan.Reason, xerrors.WithStage(string(StagePlan))), "")
				return
			}
			if !t.replan() {
				return
			}
			query, feedback = strings.TrimSpace(reply), nil
			continue
		}

		decision, reply, ok := t.confirm(ctx, plan)
		if !ok {
			return
		}
		switch decision {
		case DecisionReject:
			t.fail(StageConfirm, OutcomeCanceled, nil, "")
			return
		case DecisionModify:
			if !t.replan() {
				return
			}
			feedback = append(feedback, strings.TrimSpace(reply))
			continue
		}

		steps, ok := t.execute(ctx, query, plan)
		if !ok {
			return
		}
		t.synthesize(ctx, query, steps)
		return
	}
}

func (t *turn) enter(stage Stage) {
	t.leave()
	t.stage = stage
	t.entered = time.Now()
	t.event("enter", string(stage))
	t.c.log.Debug("进入阶段", "turn_id", t.res.TurnID, "stage", stage)
}

func (t *turn) leave() {
	if t.stage == "" {
		return
	}
	t.c.observer.ObserveStage(string(t.stage), time.Since(t.entered))
	t.stage = ""
}

func (t *turn) event(kind, message string) {
	t.res.Trace = append(t.res.Trace, Event{At: time.Now().UTC(), Stage: t.stage, Kind: kind, Message: message})
}

// fail 以给定的终止方式结束本轮。message 为空时使用默认提示语。
func (t *turn) fail(stage Stage, outcome Outcome, err error, message string) {
	if message == "" {
		message = outcome.Message()
	}
	t.res.Outcome = outcome
	t.res.FailedStage = stage
	t.res.Answer = message
	t.res.Err = err
	t.event("terminal", string(outcome))
}

func (c *Controller) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.stageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.stageTimeout)
}

func (t *turn) guard(ctx context.Context) (string, bool) {
	t.enter(StageGuardrail)
	query := t.req.Query

	gctx, cancel := t.c.stageContext(ctx)
	verdict, err := t.c.guardrail.Check(gctx, query)
	cancel()
	if err != nil {
		t.c.log.Warn("守卫调用失败，放行查询", "turn_id", t.res.TurnID, "error", err)
		t.event("fail_open", err.Error())
		return query, true
	}
	if !verdict.Pass {
		t.fail(StageGuardrail, OutcomeRejected, nil, strings.TrimSpace(verdict.Message))
		return "", false
	}
	if q := strings.TrimSpace(verdict.Query); q != "" && q != query {
		t.event("query_modified", q)
		query = q
	}
	return query, true
}

func (t *turn) plan(ctx context.Context, query string, feedback []string) (Plan, bool) {
	t.enter(StagePlan)
	req := PlanRequest{
		Query:    query,
		Feedback: append([]string(nil), feedback...),
		Tools:    t.c.toolInfos(),
	}
	if t.memory.IsFollowUp(query) {
		req.Query = t.memory.Enhance(query)
		req.History = t.memory.Recent(t.c.historyDepth)
		t.event("follow_up", req.Query)
	}

	pctx, cancel := t.c.stageContext(ctx)
	text, err := t.c.planner.Plan(pctx, req)
	cancel()
	t.res.PlanCalls++
	if err != nil {
		t.fail(StagePlan, OutcomePlanFailed, xerrors.Wrap(xerrors.CodeCollaborator, err, "planner failed", xerrors.WithStage(string(StagePlan))), "")
		return Plan{}, false
	}

	plan := ParsePlan(text)
	t.res.Plan = &plan
	t.event("plan", plan.Render(t.c.registry))
	return plan, true
}

// replan 计入一次重新规划，超过上限时结束本轮。
func (t *turn) replan() bool {
	t.res.Attempts++
	if t.res.Attempts > t.c.maxReplans {
		t.fail(t.stage, OutcomeMaxReplans, nil, "")
		return false
	}
	t.c.observer.ObserveReplan()
	return true
}

func (t *turn) present(ctx context.Context, prompt Prompt) (string, bool) {
	reply, err := t.channel.Present(ctx, prompt)
	if err != nil {
		t.fail(t.stage, OutcomeConfirmFailed, xerrors.Wrap(xerrors.CodeCollaborator, err, "user channel failed", xerrors.WithStage(string(t.stage))), "")
		return "", false
	}
	t.event("reply", reply)
	return reply, true
}

func (t *turn) confirm(ctx context.Context, plan Plan) (Decision, string, bool) {
	t.enter(StageConfirm)
	prompt := Prompt{Kind: PromptConfirm, Text: confirmPrompt(plan, t.c.registry)}
	for unclear := 0; ; {
		reply, ok := t.present(ctx, prompt)
		if !ok {
			return DecisionUnclear, "", false
		}
		decision := t.c.classify(ctx, reply)
		t.event("decision", decision.String())
		if decision != DecisionUnclear {
			return decision, reply, true
		}
		unclear++
		if unclear >= t.c.maxUnclear {
			t.fail(StageConfirm, OutcomeConfirmUnclear, nil, "")
			return DecisionUnclear, "", false
		}
		prompt = Prompt{Kind: PromptClarify, Text: "Please answer approve, reject, or describe the change you want.\n\n" + prompt.Text}
	}
}

// classify 先用配置的分类器，失败时退回关键词分类。
func (c *Controller) classify(ctx context.Context, reply string) Decision {
	cctx, cancel := c.stageContext(ctx)
	decision, err := c.classifier.Classify(cctx, reply)
	cancel()
	if err == nil {
		return decision
	}
	c.log.Warn("确认分类失败，使用关键词分类", "error", err)
	decision, _ = KeywordClassifier{}.Classify(ctx, reply)
	return decision
}

func (t *turn) execute(ctx context.Context, query string, plan Plan) ([]StepResult, bool) {
	if plan.Direct {
		t.event("skip", "no tool needed")
		return nil, true
	}
	t.enter(StageExecute)
	c := t.c

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if t.req.Interrupt != nil {
		go func() {
			select {
			case <-t.req.Interrupt:
				cancel()
			case <-execCtx.Done():
			}
		}()
	}

	tiers := agent.TiersFromRegistry(c.registry)
	if c.tiers != nil {
		tiers = *c.tiers
	}
	state := agent.NewState(tiers)
	state.SeedPending(t.req.PendingItems...)
	orch := agent.NewOrchestrator(c.registry, state,
		agent.WithToolTimeout(c.toolTimeout),
		agent.WithObserver(c.observer),
		agent.WithTurn(t.res.SessionID, t.res.TurnID),
	)

	executed, interrupted := 0, false
	for _, step := range plan.Steps {
		if execCtx.Err() != nil {
			interrupted = true
			break
		}
		sr := StepResult{Key: t.stepKey(step.Tool), Tool: step.Tool, Input: step.Input}
		if _, ok := c.registry.Get(step.Tool); !ok {
			sr.Error = fmt.Sprintf("unknown tool %s", step.Tool)
		} else {
			sr.Result = orch.Execute(execCtx, step.Tool, step.Input)
			sr.Error = sr.Result.Error
			executed++
		}
		t.res.Steps = append(t.res.Steps, sr)
		t.event("step", stepSummary(sr))
		if execCtx.Err() != nil {
			interrupted = true
			break
		}
	}

	if !interrupted && c.loopClient != nil && executed > 0 && orch.State().HasPending() {
		interrupted = t.runLoop(execCtx, orch, query)
	}
	snap := orch.State().Snapshot()
	t.res.State = &snap

	if interrupted {
		done := len(t.res.Steps)
		t.fail(StageExecute, OutcomeExecutionFailed,
			xerrors.New(xerrors.CodeCanceled, "execution interrupted", xerrors.WithStage(string(StageExecute))),
			fmt.Sprintf("Execution was interrupted after %d of %d steps.", done, len(plan.Steps)))
		return nil, false
	}
	if executed == 0 {
		t.fail(StageExecute, OutcomeExecutionFailed,
			xerrors.New(xerrors.CodeStageFailure, "plan has no executable steps", xerrors.WithStage(string(StageExecute))),
			"The plan could not be executed: none of its steps use an available tool.")
		return nil, false
	}
	return t.res.Steps, true
}

// runLoop 让推理循环处理剩余的待处理项，返回是否被中断。
func (t *turn) runLoop(ctx context.Context, orch *agent.Orchestrator, query string) bool {
	loop := agent.NewLoop(t.c.loopClient, orch, agent.WithMaxIterations(t.c.maxIterations))
	out, err := loop.Run(ctx, query, renderBackground(t.res.Steps))
	if out != nil {
		for _, step := range out.Steps {
			if step.Thought != "" {
				t.res.Thoughts = append(t.res.Thoughts, step.Thought)
				t.event("thought", step.Thought)
			}
			if step.Tool == "" {
				continue
			}
			sr := StepResult{Key: t.stepKey(step.Tool), Tool: step.Tool, Input: step.Input, Result: step.Result}
			if step.Result != nil {
				sr.Error = step.Result.Error
			}
			t.res.Steps = append(t.res.Steps, sr)
			t.event("step", stepSummary(sr))
		}
	}
	switch {
	case err != nil && ctx.Err() != nil:
		return true
	case err != nil:
		t.res.Steps = append(t.res.Steps, StepResult{Key: t.stepKey("reasoning"), Tool: "reasoning", Error: err.Error()})
		t.event("step", "reasoning loop failed: "+err.Error())
	case out.Answer != "":
		t.res.Steps = append(t.res.Steps, StepResult{Key: t.stepKey("reasoning"), Tool: "reasoning", Result: tools.Text(out.Answer, orch.State().Confidence())})
	}
	return false
}

func (t *turn) synthesize(ctx context.Context, query string, steps []StepResult) {
	t.enter(StageSynthesize)
	sctx, cancel := t.c.stageContext(ctx)
	answer, err := t.c.synthesizer.Synthesize(sctx, query, steps)
	cancel()
	if err == nil && strings.TrimSpace(answer) == "" {
		err = stdErrors.New("synthesizer returned an empty answer")
	}
	if err != nil {
		t.fail(StageSynthesize, OutcomeSynthesisFailed, xerrors.Wrap(xerrors.CodeCollaborator, err, "synthesis failed", xerrors.WithStage(string(StageSynthesize))), "")
		return
	}
	t.enter(StageDone)
	t.res.Outcome = OutcomeAnswered
	t.res.Answer = strings.TrimSpace(answer)
	t.event("terminal", string(OutcomeAnswered))
}

func (c *Controller) toolInfos() []ToolInfo {
	list := c.registry.List()
	infos := make([]ToolInfo, 0, len(list))
	for _, tool := range list {
		infos = append(infos, ToolInfo{Name: tool.Name(), Tier: tool.Tier().String(), Description: tool.Description()})
	}
	return infos
}

// record 写入轮次仓库、审计日志与指标。
func (c *Controller) record(ctx context.Context, res *Result) {
	duration := res.Duration()
	c.observer.ObserveTurn(string(res.Outcome), duration)
	logger.AuditTurn(logger.TurnRecord{
		TurnID:     res.TurnID,
		SessionID:  res.SessionID,
		Outcome:    string(res.Outcome),
		Stage:      string(res.FailedStage),
		Attempts:   res.Attempts,
		DurationMS: duration.Milliseconds(),
		Error:      res.Error,
	})
	if c.turns == nil {
		return
	}
	steps, err := json.Marshal(res.Steps)
	if err != nil {
		steps = []byte("[]")
	}
	record := &mysql.TurnRecord{
		TurnID:     res.TurnID,
		SessionID:  res.SessionID,
		Query:      res.Query,
		Answer:     res.Answer,
		Outcome:    string(res.Outcome),
		Stage:      string(res.FailedStage),
		Attempts:   res.Attempts,
		Steps:      string(steps),
		DurationMS: duration.Milliseconds(),
		CreatedAt:  res.StartedAt.Unix(),
	}
	if err := c.turns.Save(ctx, record); err != nil {
		c.log.Error("保存轮次记录失败", "turn_id", res.TurnID, "error", err)
	}
}

func isCancel(reply string) bool {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(reply), ".!")) {
	case "", "cancel", "quit", "exit", "abort":
		return true
	default:
		return false
	}
}

func rephrasePrompt(plan Plan) string {
	reason := plan.Reason
	if reason == "" {
		reason = "the request could not be planned"
	}
	return fmt.Sprintf("I could not plan this request (%s).\nRephrase the question, or type cancel.", reason)
}

func confirmPrompt(plan Plan, reg *tools.Registry) string {
	var b strings.Builder
	b.WriteString("Proposed plan:\n")
	b.WriteString(plan.Render(reg))
	if unknown := plan.UnknownTools(reg); len(unknown) > 0 {
		fmt.Fprintf(&b, "\nWarning: unknown tools %s will be skipped.", strings.Join(unknown, ", "))
	}
	b.WriteString("\nApprove, reject, or describe a change?")
	return b.String()
}

func stepSummary(sr StepResult) string {
	if sr.Error != "" {
		return fmt.Sprintf("%s failed: %s", sr.Key, sr.Error)
	}
	return fmt.Sprintf("%s ok: %s", sr.Key, llm.Truncate(sr.Result.AnswerText(), 120))
}

func renderBackground(steps []StepResult) string {
	var b strings.Builder
	for _, sr := range steps {
		if sr.Error != "" {
			fmt.Fprintf(&b, "- %s: error %s\n", sr.Key, sr.Error)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", sr.Key, llm.Truncate(sr.Result.AnswerText(), 400))
	}
	return b.String()
}
