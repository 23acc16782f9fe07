package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 是任务编排链路上的统一错误码，任务失败时原样写入 TaskError 与事件。
type Code string

// Severity 决定失败告警的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为：缺省消息、告警级别、是否可重试、任务失败时是否告警。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeTimeout               Code = "TIMEOUT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
)

// 编排各步骤的失败原因。
const (
	CodeRegistryUnavailable    Code = "REGISTRY_UNAVAILABLE"
	CodeNoEligibleCounterparty Code = "NO_ELIGIBLE_COUNTERPARTY"
	CodePlanRejected           Code = "PLAN_REJECTED"
	CodeNegotiationRejected    Code = "NEGOTIATION_REJECTED"
	CodePaymentDeclined        Code = "PAYMENT_DECLINED"
	CodeSynthesisFailure       Code = "SYNTHESIS_FAILURE"
	CodeIntegrationInvocation  Code = "INTEGRATION_INVOCATION"
	CodeVerificationFailed     Code = "VERIFICATION_FAILED"
	CodeCancelled              Code = "CANCELLED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeAlreadyCompleted:      {Message: "task already finished", Severity: SeverityInfo},
		CodeUnauthorized:          {Message: "unauthorized", Severity: SeverityInfo},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeInitializationFailure: {Message: "component not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},

		CodeRegistryUnavailable:    {Message: "capability registry unavailable", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeNoEligibleCounterparty: {Message: "no eligible counterparty", Severity: SeverityInfo},
		CodePlanRejected:           {Message: "plan rejected by approval policy", Severity: SeverityInfo},
		CodeNegotiationRejected:    {Message: "negotiation rejected", Severity: SeverityInfo},
		CodePaymentDeclined:        {Message: "payment declined", Severity: SeverityWarning},
		CodeSynthesisFailure:       {Message: "integration synthesis failed", Severity: SeverityWarning, Alert: true},
		CodeIntegrationInvocation:  {Message: "integration invocation failed", Severity: SeverityWarning},
		CodeVerificationFailed:     {Message: "result verification failed", Severity: SeverityInfo},
		CodeCancelled:              {Message: "cancelled by owner", Severity: SeverityInfo},
	}
)

// Register 供业务包在 init 中登记自己的错误码。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
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

// Error 携带错误码、诊断信息与结构化上下文。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	details   []string
	retryable *bool
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加键值上下文，任务失败时随 TaskError 与告警一并输出。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithDetails 附加面向调用方的诊断信息，例如校验失败的字段。
func WithDetails(details ...string) Option {
	return func(e *Error) {
		e.details = append(e.details, details...)
	}
}

// WithRetryable 覆盖错误码默认的可重试判断。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// New 创建错误，message 为空时使用错误码的缺省消息。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 code 包裹底层错误。
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
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码匹配，errors.Is(err, New(code, "")) 即可判断错误类别。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if e == nil || !ok || t == nil {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含底层原因的消息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回上下文的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// Details 返回诊断信息的副本。
func (e *Error) Details() []string {
	if e == nil || len(e.details) == 0 {
		return nil
	}
	return append([]string(nil), e.details...)
}

// Retryable 优先使用实例上的覆盖值，否则取错误码默认值。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// From 从错误链中取出 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链上的错误码，普通错误为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// DetailsOf 返回错误链上的诊断信息。
func DetailsOf(err error) []string {
	if e, ok := From(err); ok {
		return e.Details()
	}
	return nil
}

// RetryableError 判断任意错误是否值得重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}
