package safe

import (
	"fmt"
	"reflect"

	"JBProject/logger"
	"JBProject/tools/errs"
)

// MustNotNil 构造期断言：必填依赖缺了直接 panic，启动即暴露
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// SafeGo 起协程并兜住 panic，单个协程崩溃不拖垮进程
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safego] %+v", errs.ErrPanic(r))
			}
		}()
		f()
	}()
}
