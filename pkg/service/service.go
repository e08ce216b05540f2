// Package service defines the master and worker RPC services, their typed
// client stubs and the dispatcher tables that serve them.
package service

import (
	"context"
	"fmt"
	"time"

	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

// Method names on the wire.
const (
	MethodSubmit      = "Master.Submit"
	MethodRegister    = "Master.Register"
	MethodPushState   = "Master.PushState"
	MethodUnregister  = "Master.Unregister"
	MethodProcSubTask = "Worker.ProcSubTask"
	MethodCancel      = "Worker.Cancel"
	MethodPing        = "Worker.Ping"
)

// SubmitRequest describes a submitted task. The task payload travels as a
// separate argument so it keeps its own wire type.
type SubmitRequest struct {
	// TaskID is chosen by the client so it can cancel the task later. Empty
	// means the master generates one.
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	// Timeout bounds the whole task. Zero uses the master default.
	Timeout time.Duration `json:"timeout"`
	// SubTaskTimeout is the soft deadline per subtask. Zero uses the master
	// default.
	SubTaskTimeout time.Duration `json:"subtask_timeout"`
}

// SubTaskRequest routes one subtask to a worker.
type SubTaskRequest struct {
	TaskID   string        `json:"task_id"`
	TaskType string        `json:"task_type"`
	Index    int           `json:"index"`
	Timeout  time.Duration `json:"timeout"`
}

// RegisterAck is returned on registration.
type RegisterAck struct {
	WorkerID          string        `json:"worker_id"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// MasterService is served by the master to clients and workers.
type MasterService interface {
	Submit(ctx context.Context, req SubmitRequest, t any) (any, error)
	Register(ctx context.Context, info types.WorkerInfo, state types.WorkerState) (RegisterAck, error)
	PushState(ctx context.Context, workerID string, state types.WorkerState) error
	Unregister(ctx context.Context, workerID string) error
}

// WorkerService is served by every worker to the master.
type WorkerService interface {
	ProcSubTask(ctx context.Context, req SubTaskRequest, sub any) (any, error)
	Cancel(ctx context.Context, taskID string) error
	Ping(ctx context.Context) (string, error)
}

// RegisterTypes registers the service value types in t.
func RegisterTypes(t *codec.Types) error {
	for name, proto := range map[string]any{
		"cluster.error":        &types.Error{},
		"cluster.worker_info":  types.WorkerInfo{},
		"cluster.worker_state": types.WorkerState{},
		"cluster.submit":       SubmitRequest{},
		"cluster.subtask":      SubTaskRequest{},
		"cluster.register_ack": RegisterAck{},
	} {
		if err := t.Register(name, proto); err != nil {
			return err
		}
	}
	return nil
}

// arg converts args[i] to T.
func arg[T any](args []any, i int) (T, error) {
	if i >= len(args) {
		var zero T
		return zero, types.NewError(types.CodeInvalidTask, "missing argument %d", i)
	}
	return task.As[T](args[i])
}

// result converts a call result to T.
func result[T any](v any, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := task.As[T](v)
	if err != nil {
		return out, fmt.Errorf("unexpected result: %w", err)
	}
	return out, nil
}
