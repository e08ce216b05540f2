// Package task defines the fork/process/join contract implemented by every
// distributable computation, user code and cluster control operations alike.
//
// A Contract is typed over its task, subtask, subresult and result types.
// The coordinator works with the type-erased Handler produced by Erase and
// looks handlers up by task-type name in a Registry.
package task

import (
	"context"
	"fmt"
	"time"

	"yqhp/cluster/pkg/types"
)

// SubTasksPack pairs subtasks with the workers they are routed to. An empty
// worker id lets the coordinator pick a worker.
type SubTasksPack[S any] struct {
	SubTasks  []S
	WorkerIDs []string
}

// Len returns the number of subtasks.
func (p SubTasksPack[S]) Len() int {
	return len(p.SubTasks)
}

// Validate checks the pack against the eligible worker count.
func (p SubTasksPack[S]) Validate(eligible int) error {
	if len(p.SubTasks) != len(p.WorkerIDs) {
		return types.NewError(types.CodeInvalidTask, "fork produced %d subtasks for %d worker ids", len(p.SubTasks), len(p.WorkerIDs))
	}
	if len(p.SubTasks) > eligible {
		return types.NewError(types.CodeInvalidTask, "fork produced %d subtasks for %d eligible workers", len(p.SubTasks), eligible)
	}
	return nil
}

// Contract is a stateless fork/process/join strategy.
//
// Fork runs once on the master with the ids of the eligible workers and must
// be deterministic for a given worker set. ProcSubTask runs once per subtask
// on the worker it is routed to; timeout is a soft deadline the worker
// runtime enforces. Join runs once on the master after every subtask is
// terminal. results[i] belongs to workerIDs[i] and is nil when that subtask
// failed, timed out or was never answered.
type Contract[T, S, SR, R any] interface {
	Fork(ctx context.Context, task T, workers []string) (SubTasksPack[S], error)
	ProcSubTask(ctx context.Context, sub S, timeout time.Duration) (SR, error)
	Join(ctx context.Context, results []*SR, workerIDs []string) (R, error)
}

// DirectResult is implemented by contracts that can answer on the master
// without dispatching. When ForkResult reports ok the result is delivered and
// neither Fork nor Join runs.
type DirectResult[T, R any] interface {
	ForkResult(ctx context.Context, task T, workers []string) (R, bool, error)
}

// Pack is the type-erased SubTasksPack. Direct is set when the result was
// produced on the master by a DirectResult contract.
type Pack struct {
	SubTasks  []any
	WorkerIDs []string
	Result    any
	Direct    bool
}

// Handler is the type-erased Contract used by the coordinator.
type Handler interface {
	Fork(ctx context.Context, task any, workers []string) (*Pack, error)
	ProcSubTask(ctx context.Context, sub any, timeout time.Duration) (any, error)
	Join(ctx context.Context, results []any, workerIDs []string) (any, error)
}

// Erase wraps c as a Handler. Values crossing the wire are converted back to
// the contract's types; a mismatch fails with types.ErrInvalidTask.
func Erase[T, S, SR, R any](c Contract[T, S, SR, R]) Handler {
	return &erased[T, S, SR, R]{contract: c}
}

type erased[T, S, SR, R any] struct {
	contract Contract[T, S, SR, R]
}

func (e *erased[T, S, SR, R]) Fork(ctx context.Context, task any, workers []string) (*Pack, error) {
	t, err := As[T](task)
	if err != nil {
		return nil, err
	}

	if d, ok := e.contract.(DirectResult[T, R]); ok {
		result, ok, err := d.ForkResult(ctx, t, workers)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Pack{Result: result, Direct: true}, nil
		}
	}

	pack, err := e.contract.Fork(ctx, t, workers)
	if err != nil {
		return nil, err
	}
	if err := pack.Validate(len(workers)); err != nil {
		return nil, err
	}
	out := &Pack{
		SubTasks:  make([]any, len(pack.SubTasks)),
		WorkerIDs: append([]string(nil), pack.WorkerIDs...),
	}
	for i, s := range pack.SubTasks {
		out.SubTasks[i] = s
	}
	return out, nil
}

func (e *erased[T, S, SR, R]) ProcSubTask(ctx context.Context, sub any, timeout time.Duration) (any, error) {
	s, err := As[S](sub)
	if err != nil {
		return nil, err
	}
	return e.contract.ProcSubTask(ctx, s, timeout)
}

func (e *erased[T, S, SR, R]) Join(ctx context.Context, results []any, workerIDs []string) (any, error) {
	if len(results) != len(workerIDs) {
		return nil, types.NewError(types.CodeInvalidTask, "join got %d results for %d workers", len(results), len(workerIDs))
	}
	typed := make([]*SR, len(results))
	for i, r := range results {
		if r == nil {
			continue
		}
		v, err := As[SR](r)
		if err != nil {
			// a subresult of the wrong type is a failed slot
			continue
		}
		typed[i] = &v
	}
	return e.contract.Join(ctx, typed, workerIDs)
}

// As converts a decoded value to T. A *T is dereferenced and nil yields the
// zero value.
func As[T any](v any) (T, error) {
	var zero T
	switch x := v.(type) {
	case nil:
		return zero, nil
	case T:
		return x, nil
	case *T:
		if x == nil {
			return zero, nil
		}
		return *x, nil
	}
	return zero, types.NewError(types.CodeInvalidTask, "expected %s, got %T", typeName[T](), v)
}

func typeName[T any]() string {
	var p *T
	return fmt.Sprintf("%T", p)[1:]
}
