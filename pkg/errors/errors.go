// Package errors 定义带错误码的业务错误与分类
package errors

import (
	"errors"
	"fmt"
)

// Kind 错误分类, 决定调用方是否重试或降级
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidInput
	KindUpstream
	KindConflict
)

// Error 业务错误, 以 Code 判等
type Error struct {
	Code    string
	Message string
	Kind    Kind
	Cause   error
}

// New 创建业务错误
func New(kind Kind, code, message string) *Error {
	return &Error{Code: code, Message: message, Kind: kind}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) clone() *Error {
	c := *e
	return &c
}

// WithMessage 返回替换消息后的副本
func (e *Error) WithMessage(message string) *Error {
	c := e.clone()
	c.Message = message
	return c
}

func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Wrap 附加底层原因
func Wrap(err *Error, cause error) *Error {
	c := err.clone()
	c.Cause = cause
	return c
}

// WrapWithCause 附加原因, 并把上下文追加到消息后
func WrapWithCause(err *Error, cause error, format string, args ...interface{}) *Error {
	c := Wrap(err, cause)
	c.Message = err.Message + ": " + fmt.Sprintf(format, args...)
	return c
}

// KindOf 返回链路上第一个业务错误的分类, 非业务错误视为内部错误
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsUpstreamFailure 上游失败 (LLM / 规则服务 / 链上传输), 可重试
func IsUpstreamFailure(err error) bool {
	return err != nil && KindOf(err) == KindUpstream
}

// 通用错误
var (
	ErrInternal     = New(KindInternal, "INTERNAL_ERROR", "内部错误")
	ErrNotFound     = New(KindNotFound, "NOT_FOUND", "资源不存在")
	ErrInvalidInput = New(KindInvalidInput, "INVALID_INPUT", "输入无效")
	ErrUpstream     = New(KindUpstream, "UPSTREAM_FAILURE", "上游服务失败")
	ErrConflict     = New(KindConflict, "STATE_CONFLICT", "状态冲突")
	ErrTimeout      = New(KindUpstream, "TIMEOUT", "请求超时")
)

// 业务错误
var (
	ErrMatchStateConflict = New(KindConflict, "MATCH_STATE_CONFLICT", "对局状态不允许此操作")
	ErrMatchInProgress    = New(KindConflict, "MATCH_IN_PROGRESS", "已有对局正在进行")
	ErrInvalidStake       = New(KindInvalidInput, "INVALID_STAKE", "押注金额无效")

	ErrAgentNotFound    = New(KindNotFound, "AGENT_NOT_FOUND", "Agent 不存在")
	ErrAgentNotEligible = New(KindInvalidInput, "AGENT_NOT_ELIGIBLE", "Agent 缺少链上身份")

	ErrNoCandidates = New(KindInvalidInput, "NO_CANDIDATES", "没有候选走法")
	ErrInvalidMove  = New(KindInvalidInput, "INVALID_MOVE", "走法格式无效")
)
