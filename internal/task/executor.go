package task

import (
	"context"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/pipeline"
)

// Executor 执行一个异步轮次任务。
type Executor interface {
	Execute(ctx context.Context, job *Task) (*Result, error)
}

// TurnRunner 是 Executor 所需的流水线能力，由 *pipeline.Controller 实现。
type TurnRunner interface {
	RunTurn(ctx context.Context, req pipeline.Request) *pipeline.Result
}

// PipelineExecutor 以非交互方式运行一轮对话：确认阶段使用自动批准策略。
// 只有可重试的失败（例如模型调用出错）才返回错误，其余结束方式都作为结果记录。
type PipelineExecutor struct {
	Runner TurnRunner
}

// Execute 实现 Executor。
func (e PipelineExecutor) Execute(ctx context.Context, job *Task) (*Result, error) {
	if e.Runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置流水线")
	}
	res := e.Runner.RunTurn(ctx, pipeline.Request{
		SessionID: job.SessionID,
		Query:     job.Query,
		Channel:   pipeline.AutoApprove{},
	})
	out := &Result{
		TurnID:      res.TurnID,
		Answer:      res.Answer,
		Outcome:     string(res.Outcome),
		FailedStage: string(res.FailedStage),
	}
	if res.Err != nil && xerrors.RetryableError(res.Err) {
		return out, xerrors.Wrap(CodeTaskProcessing, res.Err, "turn failed", xerrors.WithStage(string(res.FailedStage)))
	}
	return out, nil
}

var _ Executor = PipelineExecutor{}
