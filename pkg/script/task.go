package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

// Prefix 脚本任务类型前缀
const Prefix = "script:"

// Register 在任务注册表中注册 script:<module> 前缀解析
func Register(reg *task.Registry, source ImageSource) {
	reg.RegisterPrefix(Prefix, func(name string) (task.Handler, bool) {
		module := strings.TrimPrefix(name, Prefix)
		if module == "" {
			return nil, false
		}
		return &Handler{module: module, source: source}, true
	})
}

// Handler 由脚本模块实现的任务处理器。每次调用都从当前镜像新建运行时。
//
// fork(task, workers) 可以返回：
//   - 子任务数组，分配给任意 worker；
//   - {subTasks: [...], workerIds: [...]} 显式指定 worker；
//   - {result: x} 直接在 master 上给出结果，不派发子任务。
type Handler struct {
	module string
	source ImageSource
}

// NewHandler 创建脚本任务处理器
func NewHandler(module string, source ImageSource) *Handler {
	return &Handler{module: module, source: source}
}

func (h *Handler) call(ctx context.Context, timeout time.Duration, fn string, args ...any) (any, error) {
	image, err := h.source.AcquireImage()
	if err != nil {
		return nil, err
	}
	defer image.Release()

	rt, err := NewRuntime(h.module, image)
	if err != nil {
		return nil, err
	}
	return rt.Call(ctx, timeout, fn, args...)
}

// Fork implements task.Handler.
func (h *Handler) Fork(ctx context.Context, t any, workers []string) (*task.Pack, error) {
	out, err := h.call(ctx, 0, "fork", t, workers)
	if err != nil {
		return nil, err
	}

	pack := &task.Pack{}
	switch v := out.(type) {
	case nil:
	case []any:
		pack.SubTasks = v
		pack.WorkerIDs = make([]string, len(v))
	case map[string]any:
		if result, ok := v["result"]; ok {
			return &task.Pack{Result: result, Direct: true}, nil
		}
		subs, _ := v["subTasks"].([]any)
		pack.SubTasks = subs
		pack.WorkerIDs = make([]string, len(subs))
		if ids, ok := v["workerIds"].([]any); ok {
			if len(ids) != len(subs) {
				return nil, types.NewError(types.CodeInvalidTask, "script %s: %d subtasks for %d worker ids", h.module, len(subs), len(ids))
			}
			for i, id := range ids {
				if id != nil {
					pack.WorkerIDs[i] = fmt.Sprint(id)
				}
			}
		}
	default:
		return nil, types.NewError(types.CodeInvalidTask, "script %s: fork returned %T", h.module, out)
	}

	if len(pack.SubTasks) > len(workers) {
		return nil, types.NewError(types.CodeInvalidTask, "script %s: fork produced %d subtasks for %d eligible workers", h.module, len(pack.SubTasks), len(workers))
	}
	return pack, nil
}

// ProcSubTask implements task.Handler.
func (h *Handler) ProcSubTask(ctx context.Context, sub any, timeout time.Duration) (any, error) {
	return h.call(ctx, timeout, "procSubTask", sub, timeout.Milliseconds())
}

// Join implements task.Handler.
func (h *Handler) Join(ctx context.Context, results []any, workerIDs []string) (any, error) {
	return h.call(ctx, 0, "join", results, workerIDs)
}
