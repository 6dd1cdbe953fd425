package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/tools"
	"QueryPilot/pkg/logger"
)

// 工具调用状态，用于指标与日志。
const (
	CallStatusOK       = "ok"
	CallStatusFailed   = "failed"
	CallStatusRejected = "rejected"
	CallStatusTimeout  = "timeout"
)

// Observer 接收工具调用与解析修复事件，通常由指标模块实现。
type Observer interface {
	ObserveToolCall(tool, status string, duration time.Duration)
	ObserveParseRecovery(rule string)
}

type nopObserver struct{}

func (nopObserver) ObserveToolCall(string, string, time.Duration) {}
func (nopObserver) ObserveParseRecovery(string)                   {}

// Orchestrator 负责按层级顺序调度工具，并把结果折叠进 State。
// 它从不向调用方抛出原始错误或 panic，所有失败都以结构化错误结果返回。
type Orchestrator struct {
	registry *tools.Registry
	state    *State
	timeout  time.Duration
	observer Observer
	log      *slog.Logger

	sessionID string
	turnID    string
}

// OrchestratorOption 定义可选配置。
type OrchestratorOption func(*Orchestrator)

// WithToolTimeout 为每次工具调用设置超时时间。
func WithToolTimeout(timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithObserver 设置调用观察者。
func WithObserver(obs Observer) OrchestratorOption {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithTurn 设置传递给工具的会话与轮次标识。
func WithTurn(sessionID, turnID string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sessionID = sessionID
		o.turnID = turnID
	}
}

// WithLogger 覆盖默认日志器。
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// NewOrchestrator 创建调度器。state 为空时按注册表推导层级并新建状态。
func NewOrchestrator(registry *tools.Registry, state *State, opts ...OrchestratorOption) *Orchestrator {
	if state == nil {
		state = NewState(TiersFromRegistry(registry))
	}
	o := &Orchestrator{
		registry: registry,
		state:    state,
		observer: nopObserver{},
		log:      logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// State 返回调度器持有的状态。
func (o *Orchestrator) State() *State { return o.state }

// Registry 返回工具注册表。
func (o *Orchestrator) Registry() *tools.Registry { return o.registry }

// ExpectedNextTool 返回下一步应当调用的工具；空串表示没有顺序约束。
// 有待处理项时只能调用详情工具，不论前两层是否已经调用过。
func (o *Orchestrator) ExpectedNextTool() string {
	tiers := o.state.tiers
	if o.state.HasPending() && tiers.Detail != "" {
		return tiers.Detail
	}
	ordered := tiers.Ordered()
	seen := make(map[string]struct{}, len(ordered))
	for _, name := range o.state.toolSequence {
		if tiers.TierOf(name) != tools.TierNone {
			seen[name] = struct{}{}
		}
	}
	if len(seen) < len(ordered) {
		return ordered[len(seen)]
	}
	return ""
}

// ValidateCall 检查调用是否满足顺序约束，不修改状态。
func (o *Orchestrator) ValidateCall(name string) error {
	if _, ok := o.registry.Get(name); !ok {
		return xerrors.New(xerrors.CodeOutOfSequence, fmt.Sprintf("tool %s is not registered", name))
	}
	detail := o.state.tiers.Detail
	if o.state.HasPending() {
		if name == detail {
			return nil
		}
		return xerrors.New(xerrors.CodeOutOfSequence,
			fmt.Sprintf("%d items pending, only %s may be called, got %s", len(o.state.pending), detail, name))
	}
	if expected := o.ExpectedNextTool(); expected != "" && name != expected {
		return xerrors.New(xerrors.CodeOutOfSequence, fmt.Sprintf("expected %s next, got %s", expected, name))
	}
	return nil
}

// Execute 校验并执行一次工具调用。
// 校验失败时返回错误结果且不改变状态；执行失败、panic、超时同样转换为错误结果，
// 但会记入状态的调用序列。
func (o *Orchestrator) Execute(ctx context.Context, name, input string) *tools.Result {
	if err := o.ValidateCall(name); err != nil {
		o.observer.ObserveToolCall(name, CallStatusRejected, 0)
		o.log.Debug("工具调用被拒绝", "tool", name, "error", err)
		return tools.ErrorResult(xerrors.CodeOf(err), err.Error())
	}
	tool, _ := o.registry.Get(name)

	start := time.Now()
	res, status := o.invoke(ctx, tool, input)
	o.observer.ObserveToolCall(name, status, time.Since(start))

	if err := o.state.UpdateFromToolResult(name, res); err != nil {
		res = tools.FromError(err)
		_ = o.state.UpdateFromToolResult(name, res)
	}
	if res.Failed() {
		o.log.Warn("工具执行失败", "tool", name, "code", res.ErrorCode, "error", res.Error)
	} else {
		o.log.Debug("工具执行完成", "tool", name, "pending", len(o.state.pending), "confidence", o.state.confidence)
	}
	return res
}

type callOutcome struct {
	res *tools.Result
	err error
}

func (o *Orchestrator) invoke(ctx context.Context, tool tools.Tool, input string) (*tools.Result, string) {
	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	tc := tools.Context{
		SessionID:    o.sessionID,
		TurnID:       o.turnID,
		FocusKey:     o.state.focusKey,
		PendingItems: o.state.PendingItems(),
	}

	done := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := tool.Call(callCtx, input, tc)
		done <- callOutcome{res: res, err: err}
	}()

	var out callOutcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = callOutcome{err: callCtx.Err()}
	}

	switch {
	case out.err != nil && (stdErrors.Is(out.err, context.DeadlineExceeded) || stdErrors.Is(out.err, context.Canceled)):
		code := xerrors.CodeTimeout
		if stdErrors.Is(out.err, context.Canceled) {
			code = xerrors.CodeCanceled
		}
		return tools.ErrorResult(code, fmt.Sprintf("tool %s did not finish: %v", tool.Name(), out.err)), CallStatusTimeout
	case out.err != nil:
		return tools.ErrorResult(xerrors.CodeToolExecution, fmt.Sprintf("tool %s failed: %v", tool.Name(), out.err)), CallStatusFailed
	case out.res == nil:
		return tools.ErrorResult(xerrors.CodeInvalidToolResult, fmt.Sprintf("tool %s returned no result", tool.Name())), CallStatusFailed
	case out.res.Failed():
		return out.res, CallStatusFailed
	default:
		return out.res, CallStatusOK
	}
}
