// Package script 提供基于 goja 的脚本任务运行时。
//
// 用户文件分区中的 <module>.js 定义 fork、procSubTask、join 三个函数，
// 任务类型 script:<module> 在调用时通过当前代码镜像解析，文件更新后立即生效。
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"yqhp/cluster/pkg/logger"
	"yqhp/cluster/pkg/types"
)

// Ext 脚本模块文件扩展名
const Ext = ".js"

// Image 代码镜像：已编译的脚本模块和可读取的数据文件
type Image interface {
	Program(module string) (*goja.Program, bool)
	ReadFile(name string) ([]byte, error)
	Release()
}

// ImageSource 提供当前代码镜像，调用方用完后必须 Release
type ImageSource interface {
	AcquireImage() (Image, error)
}

// Compile 编译脚本模块
func Compile(name string, src []byte) (*goja.Program, error) {
	prog, err := goja.Compile(name, string(src), false)
	if err != nil {
		return nil, fmt.Errorf("编译脚本 %s 失败: %w", name, err)
	}
	return prog, nil
}

// IsModule 判断文件名是否为脚本模块
func IsModule(name string) bool {
	return strings.HasSuffix(name, Ext) && len(name) > len(Ext)
}

// ModuleName 返回文件对应的模块名
func ModuleName(file string) string {
	return strings.TrimSuffix(file, Ext)
}

// Runtime 单次调用使用的 JavaScript 运行时，goja.Runtime 不是并发安全的
type Runtime struct {
	vm     *goja.Runtime
	module string
	image  Image
	logger *zap.Logger
}

// NewRuntime 创建运行时并执行模块顶层代码
func NewRuntime(module string, image Image) (*Runtime, error) {
	prog, ok := image.Program(module)
	if !ok {
		return nil, types.NewError(types.CodeUnknownTaskType, "script module %q not found", module)
	}

	r := &Runtime{
		vm:     goja.New(),
		module: module,
		image:  image,
		logger: logger.Named("script").With(zap.String("module", module)),
	}
	r.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	r.setupConsole()
	r.setupFiles()

	if _, err := r.vm.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("加载脚本 %s 失败: %w", module, err)
	}
	return r, nil
}

// Has 判断模块是否定义了指定函数
func (r *Runtime) Has(fn string) bool {
	_, ok := goja.AssertFunction(r.vm.Get(fn))
	return ok
}

// Call 调用模块函数。timeout > 0 时超时会中断虚拟机并返回 types.ErrSubTaskTimeout；
// ctx 结束时同样中断并返回 ctx 的错误。
func (r *Runtime) Call(ctx context.Context, timeout time.Duration, fn string, args ...any) (any, error) {
	callable, ok := goja.AssertFunction(r.vm.Get(fn))
	if !ok {
		return nil, types.NewError(types.CodeInvalidTask, "script %s does not define %s()", r.module, fn)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	// 设置中断处理
	done := make(chan struct{})
	reason := make(chan error, 1)
	go func() {
		select {
		case <-timer:
			reason <- types.ErrSubTaskTimeout
			r.vm.Interrupt("脚本执行超时")
		case <-ctx.Done():
			reason <- ctx.Err()
			r.vm.Interrupt("脚本执行已取消")
		case <-done:
		}
	}()

	values := make([]goja.Value, len(args))
	for i, a := range args {
		values[i] = r.vm.ToValue(a)
	}
	val, err := callable(goja.Undefined(), values...)
	close(done)

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			r.vm.ClearInterrupt()
			select {
			case cause := <-reason:
				return nil, cause
			default:
			}
		}
		return nil, fmt.Errorf("script %s.%s: %w", r.module, fn, err)
	}
	return export(val), nil
}

// export 导出返回值，undefined 和 null 视为 nil
func export(val goja.Value) any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}

// setupConsole 设置 console 对象，输出到结构化日志
func (r *Runtime) setupConsole() {
	console := r.vm.NewObject()
	log := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			msg := strings.Join(parts, " ")
			switch level {
			case "warn":
				r.logger.Warn(msg)
			case "error":
				r.logger.Error(msg)
			default:
				r.logger.Info(msg)
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", log("info"))
	_ = console.Set("info", log("info"))
	_ = console.Set("warn", log("warn"))
	_ = console.Set("error", log("error"))
	_ = r.vm.Set("console", console)
}

// setupFiles 暴露 readFile(name)，读取当前镜像中的数据文件
func (r *Runtime) setupFiles() {
	_ = r.vm.Set("readFile", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		data, err := r.image.ReadFile(name)
		if err != nil {
			panic(r.vm.NewGoError(err))
		}
		return r.vm.ToValue(string(data))
	})
}
