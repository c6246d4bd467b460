package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 是跨模块共享的错误码，传输层据此决定 HTTP 状态，告警据此决定是否通知。
type Code string

// 通用错误码。会话与智能体相关的错误码由各自的包通过 Register 注册。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeModelFailure          Code = "MODEL_FAILURE"
	CodeToolFailure           Code = "TOOL_FAILURE"
	CodeUpstreamFailure       Code = "UPSTREAM_FAILURE"
	CodePublishFailure        Code = "PUBLISH_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// Severity 是告警与日志使用的严重程度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为。Message 是可以直接展示给用户的通用描述。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage unavailable", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeModelFailure:          {Message: "language model call failed", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeToolFailure:           {Message: "tool execution failed", Severity: SeverityWarning, Alert: true},
		CodeUpstreamFailure:       {Message: "upstream service unavailable", Severity: SeverityWarning, Retryable: true},
		CodePublishFailure:        {Message: "event publish failed", Severity: SeverityWarning, Retryable: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
	}
)

// Register 在包初始化阶段登记错误码的默认行为，重复登记覆盖旧值。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的默认行为，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、面向用户的描述、底层原因与附加信息。
// 创建时从登记表复制默认行为，Option 可以逐个覆盖。
type Error struct {
	code     Code
	attr     Attributes
	cause    error
	metadata map[string]string
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加一条键值信息，会随告警一起发送。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.attr.Retryable = retryable }
}

// WithAlert 覆盖是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.attr.Alert = alert }
}

// WithSeverity 覆盖严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.attr.Severity = sev }
}

// New 创建错误。message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, attr: AttributesOf(code)}
	if message != "" {
		e.attr.Message = message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以错误码包裹底层原因，原因只出现在 Error() 中，不会进入 UserMessage。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.attr.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.attr.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，errors.Is(err, New(code, "")) 可用于判断错误码。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回面向用户的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.attr.Message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断调用方重试是否可能成功。
func (e *Error) Retryable() bool { return e != nil && e.attr.Retryable }

// ShouldAlert 判断是否需要通知值班人员。
func (e *Error) ShouldAlert() bool { return e != nil && e.attr.Alert }

// Severity 返回严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attr.Severity
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链中最外层 *Error 的错误码，没有时返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断最外层 *Error 是否为指定错误码。
func HasCode(err error, code Code) bool {
	e, ok := From(err)
	return ok && e.Code() == code
}

// UserMessage 返回可以直接展示给调用方的描述，不包含底层原因。
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.Message()
	}
	return AttributesOf(CodeUnknown).Message
}

// RetryableError 判断任意 error 是否可重试，非 *Error 视为不可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断任意 error 是否需要告警，非 *Error 视为不需要。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回严重程度，非 *Error 按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
