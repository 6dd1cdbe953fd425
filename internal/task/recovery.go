package task

import (
	"context"

	xerrors "QueryPilot/internal/errors"
)

// RecoveryHandler 定义了在任务执行失败且不可重试时的补偿策略。
type RecoveryHandler interface {
	// Recover 返回的 Result 作为降级结果写入任务；返回 nil 时按失败流程处理。
	Recover(ctx context.Context, task *Task, cause error) (*Result, error)
}

// MessageRecovery 为不可重试的失败写入一条面向用户的说明，使调用方总能拿到答案。
type MessageRecovery struct {
	Outcome string
	Message string
}

// Recover 实现 RecoveryHandler。
func (r MessageRecovery) Recover(_ context.Context, task *Task, cause error) (*Result, error) {
	if task == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task is nil")
	}
	outcome := r.Outcome
	if outcome == "" {
		outcome = "execution_failed"
	}
	message := r.Message
	if message == "" {
		message = "The question could not be answered right now. Please try again later."
	}
	return &Result{Answer: message, Outcome: outcome, FailedStage: xerrors.StageOf(cause)}, nil
}
