package errors

import (
	stdErrors "errors"
	"maps"
	"strings"
	"sync"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = maps.Clone(defaultAttributes)
)

// Register 在初始化阶段登记错误码；重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	attr, ok := registry[code]
	if !ok {
		attr = registry[CodeUnknown]
	}
	return attr
}

// Error 是系统内统一的错误类型。属性在读取时才从注册表解析，
// 因此包级哨兵错误可以早于 Register 创建。
type Error struct {
	code     Code
	message  string
	stage    string
	cause    error
	metadata map[string]string

	retryable *bool
	severity  Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if key == MetaStage {
			e.stage = value
			return
		}
		if e.metadata == nil {
			e.metadata = make(map[string]string, 2)
		}
		e.metadata[key] = value
	}
}

// WithStage 标注失败所在的流水线阶段。
func WithStage(stage string) Option {
	return func(e *Error) { e.stage = stage }
}

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithSeverity 覆盖错误码默认的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = sev }
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	return e
}

// Wrap 在 cause 外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 的格式为 "[CODE] stage: message: cause"，缺省的部分省略。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.code))
	b.WriteString("] ")
	if e.stage != "" {
		b.WriteString(e.stage)
		b.WriteString(": ")
	}
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让相同错误码的 *Error 在 errors.Is 中相等。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Stage 返回失败所在的流水线阶段，未标注时为空。
func (e *Error) Stage() string {
	if e == nil {
		return ""
	}
	return e.stage
}

// Meta 返回指定键的附加信息。
func (e *Error) Meta(key string) string {
	switch {
	case e == nil:
		return ""
	case key == MetaStage:
		return e.stage
	default:
		return e.metadata[key]
	}
}

// Metadata 返回附加信息的副本，包含阶段。
func (e *Error) Metadata() map[string]string {
	if e == nil || (len(e.metadata) == 0 && e.stage == "") {
		return nil
	}
	out := maps.Clone(e.metadata)
	if out == nil {
		out = make(map[string]string, 1)
	}
	if e.stage != "" {
		out[MetaStage] = e.stage
	}
	return out
}

func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.retryable != nil:
		return *e.retryable
	default:
		return AttributesOf(e.code).Retryable
	}
}

func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.severity != "":
		return e.severity
	default:
		return AttributesOf(e.code).Severity
	}
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链中最外层 *Error 的错误码，找不到时为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// HasCode 判断错误链最外层的错误码是否为 code。
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// RetryableError 判断任意 error 是否可重试，非 *Error 一律不可重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// StageOf 返回错误链中第一个标注了阶段的 *Error 的阶段名称。
func StageOf(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok && e.stage != "" {
			return e.stage
		}
		err = stdErrors.Unwrap(err)
	}
	return ""
}
