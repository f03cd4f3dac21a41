package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrPanic 把 recover 到的值包成带堆栈的 CodeError；r 为 nil 时返回 nil
func ErrPanic(r any) error {
	return ErrPanicMsg(r, CodeServerInternal, "panic recovered")
}

func ErrPanicMsg(r any, code int, msg string) error {
	if r == nil {
		return nil
	}
	ce := &CodeError{Code: code, Msg: msg, Detail: fmt.Sprint(r)}
	return errors.WithStack(ce)
}
