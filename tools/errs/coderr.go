package errs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// 错误码分段：1xx 凭证 / 2xx 传输 / 3xx 事件
const (
	CodeCredentialUnavailable = 101
	CodeCredentialExpired     = 102
	CodeTransportError        = 201
	CodeHandshakeRejected     = 202
	CodeHeartbeatTimeout      = 203
	CodeMalformedEvent        = 301
	CodeDuplicateEvent        = 302
	CodeServerInternal        = 500
)

var (
	ErrCredentialUnavailable = NewCodeError(CodeCredentialUnavailable, "credential unavailable")
	ErrCredentialExpired     = NewCodeError(CodeCredentialExpired, "credential expired or malformed")
	ErrTransportError        = NewCodeError(CodeTransportError, "transport error")
	ErrHandshakeRejected     = NewCodeError(CodeHandshakeRejected, "handshake rejected")
	ErrHeartbeatTimeout      = NewCodeError(CodeHeartbeatTimeout, "heartbeat timeout")
	ErrMalformedEvent        = NewCodeError(CodeMalformedEvent, "malformed event")
	ErrDuplicateEvent        = NewCodeError(CodeDuplicateEvent, "duplicate event")
	ErrServerInternal        = NewCodeError(CodeServerInternal, "server internal error")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Wrap 附带调用栈
func (e *CodeError) Wrap() error {
	return errors.WithStack(e)
}

func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	ret := &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if ret.Detail == "" {
			ret.Detail = detail
		} else {
			ret.Detail += ", " + detail
		}
	}
	return errors.WithStack(ret)
}

// Is 按 Code 判等，支持 errors.Is(err, ErrXxx)
func (e *CodeError) Is(err error) bool {
	var codeErr *CodeError
	if !errors.As(err, &codeErr) {
		return false
	}
	return e.Code == codeErr.Code
}

// CodeOf 取出错误码；非 CodeError 返回 CodeServerInternal
func CodeOf(err error) int {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return CodeServerInternal
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(errors.WithMessage(err, toString(msg, kv)))
}

func New(msg string, kv ...any) error {
	return errors.New(toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprintf(" %v=%v", kv[i], kv[i+1]))
		} else {
			sb.WriteString(fmt.Sprintf(" %v", kv[i]))
		}
	}
	return sb.String()
}
