package errors

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeCanceled              Code = "CANCELED"
)

// 编排层错误码。
const (
	// CodeParseError 表示模型输出在修复规则之后仍无法解析。
	CodeParseError Code = "PARSE_ERROR"
	// CodeOutOfSequence 表示工具调用违反了分层顺序约束。
	CodeOutOfSequence Code = "OUT_OF_SEQUENCE"
	// CodeInvalidToolResult 表示工具返回了非结构化结果。
	CodeInvalidToolResult Code = "INVALID_TOOL_RESULT"
	// CodeToolExecution 表示工具执行时返回错误或发生 panic。
	CodeToolExecution Code = "TOOL_EXECUTION_FAILED"
	// CodeStageFailure 表示流水线某个阶段无法完成。
	CodeStageFailure Code = "STAGE_FAILURE"
	// CodeCollaborator 表示外部协作者（模型、守卫、规划器等）调用失败。
	CodeCollaborator Code = "COLLABORATOR_FAILURE"
)

// MetaStage 是 StageFailure 错误中记录阶段名称的元数据键。
const MetaStage = "stage"

var defaultAttributes = map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeCanceled:              {Message: "operation canceled", Severity: SeverityInfo},
	CodeParseError:            {Message: "model output could not be parsed", Severity: SeverityInfo},
	CodeOutOfSequence:         {Message: "tool called out of sequence", Severity: SeverityInfo},
	CodeInvalidToolResult:     {Message: "invalid tool result", Severity: SeverityWarning},
	CodeToolExecution:         {Message: "tool execution failed", Severity: SeverityWarning, Retryable: true},
	CodeStageFailure:          {Message: "pipeline stage failed", Severity: SeverityWarning, Alert: true},
	CodeCollaborator:          {Message: "collaborator call failed", Severity: SeverityWarning, Retryable: true},
}
