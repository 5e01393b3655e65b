package errors

import (
	stderrors "errors"
	"fmt"
)

// ========== 错误码常量定义 ==========

// CodeSuccess 成功码
const (
	CodeSuccess = 200
)

// HTTP层错误码 (400-599)
const (
	CodeInvalidParam = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeConflict     = 409
	CodeServerError  = 500
)

// ========== 执行引擎错误分类 ==========

// Kind 错误类别，持久化到 error_kind 字段
type Kind string

const (
	KindGateDenied      Kind = "gate_denied"      // 安全闸门拒绝，不自动重试
	KindStepFailure     Kind = "step_failure"     // 步骤失败，按配置重试
	KindTemplateError   Kind = "template_error"   // 模板变量未定义，不重试
	KindSchedulingError Kind = "scheduling_error" // 调度定义非法，创建时拒绝
	KindApprovalTimeout Kind = "approval_timeout" // 审批超时，自动拒绝
	KindCancelled       Kind = "cancelled"
	KindQueueError      Kind = "queue_error" // 入队失败
	KindNotFound        Kind = "not_found"
	KindInvalidState    Kind = "invalid_state"
	KindInvalidInput    Kind = "invalid_input"
	KindForbidden       Kind = "forbidden"
)

// EngineError 执行引擎错误
type EngineError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Message 持久化到 error_message 的可读文本
func (e *EngineError) Message() string {
	return e.Error()
}

// New 创建引擎错误
func New(kind Kind, reason string) *EngineError {
	return &EngineError{Kind: kind, Reason: reason}
}

// Wrap 包装底层错误
func Wrap(kind Kind, reason string, err error) *EngineError {
	return &EngineError{Kind: kind, Reason: reason, Err: err}
}

func GateDenied(reason string) *EngineError {
	return New(KindGateDenied, reason)
}

func TemplateError(reason string) *EngineError {
	return New(KindTemplateError, reason)
}

func SchedulingError(reason string, err error) *EngineError {
	return Wrap(KindSchedulingError, reason, err)
}

func NotFound(what string) *EngineError {
	return New(KindNotFound, what)
}

func InvalidState(reason string) *EngineError {
	return New(KindInvalidState, reason)
}

func InvalidInput(reason string) *EngineError {
	return New(KindInvalidInput, reason)
}

func Forbidden(reason string) *EngineError {
	return New(KindForbidden, reason)
}

// KindOf 提取错误类别，非引擎错误返回空
func KindOf(err error) Kind {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// Is 判断错误是否为指定类别
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPCode 将错误类别映射为响应码
func HTTPCode(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return CodeNotFound
	case KindInvalidState:
		return CodeConflict
	case KindInvalidInput, KindSchedulingError, KindTemplateError:
		return CodeInvalidParam
	case KindGateDenied, KindForbidden:
		return CodeForbidden
	default:
		return CodeServerError
	}
}
