package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/observability/alerting"
	"QueryPilot/pkg/logger"
)

// JobObserver 接收任务处理结果，通常由指标模块实现。
type JobObserver interface {
	ObserveJob(status string)
}

// 任务处理结果标签。
const (
	JobSucceeded = "succeeded"
	JobRetried   = "retried"
	JobFailed    = "failed"
	JobDegraded  = "degraded"
	JobSkipped   = "skipped"
)

// Processor 负责从队列消费任务并交给流水线执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	observer    JobObserver
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithJobObserver 配置任务结果观察者。
func WithJobObserver(o JobObserver) ProcessorOption {
	return func(p *Processor) { p.observer = o }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task-processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	p.logger.Info("任务处理器启动", "workers", p.workerCount)
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一个任务 ID。只有存储或队列故障会返回错误，此时队列负责重新投递。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", "task_id", taskID, "reason", err.Error())
			p.observe(JobSkipped)
			return nil
		}
		p.logger.Error("领取任务失败", "task_id", taskID, "error", err)
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, task)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}
	if result == nil {
		result = &Result{}
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, *result); err != nil {
		p.logger.Error("标记任务成功状态失败", "task_id", task.ID, "error", err)
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.String("turn_id", result.TurnID),
		slog.String("outcome", result.Outcome),
	)
	p.observe(JobSucceeded)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if terminal && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, task, execErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			p.logger.Error("执行补偿逻辑失败", "task_id", task.ID, "error", wrapped)
			p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		case fallback != nil:
			if err := p.store.MarkSucceeded(ctx, task.ID, *fallback); err != nil {
				p.logger.Error("记录降级结果失败", "task_id", task.ID, "error", err)
				return err
			}
			logger.Audit().Warn("任务降级完成",
				slog.String("task_id", task.ID),
				slog.String("error", execErr.Error()),
			)
			p.emitAlert(ctx, task, code, execErr, "degraded")
			p.observe(JobDegraded)
			return nil
		}
	}

	if err := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", "task_id", task.ID, "error", err)
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		alertCode := code
		if retryable {
			alertCode = CodeTaskExhausted
		}
		p.emitAlert(ctx, task, alertCode, execErr, "terminal")
		p.observe(JobFailed)
		return nil
	}

	if err := p.producer.Publish(ctx, task.ID); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "任务重投失败")
		p.emitAlert(ctx, task, CodeTaskPublish, wrapped, "retry")
		return wrapped
	}
	p.logger.Debug("任务已重新排队", "task_id", task.ID, "attempts", task.Attempts)
	p.observe(JobRetried)
	return nil
}

func (p *Processor) observe(status string) {
	if p.observer != nil {
		p.observer.ObserveJob(status)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		if s := xerrors.StageOf(cause); s != "" {
			metadata["pipeline_stage"] = s
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", "task_id", task.ID, "stage", stage, "error", err)
	}
}
