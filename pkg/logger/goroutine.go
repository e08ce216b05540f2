package logger

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// SafeGo 安全地启动一个带名称的 goroutine，捕获 panic 并记录堆栈
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				L().Error("goroutine panic recovered",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
