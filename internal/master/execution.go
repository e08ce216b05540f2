package master

import (
	"context"
	"sync"
	"time"

	"yqhp/cluster/pkg/task"
)

// Status is the state of a task execution on the master.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusForked      Status = "forked"
	StatusDispatching Status = "dispatching"
	StatusCollecting  Status = "collecting"
	StatusJoined      Status = "joined"
	StatusCancelled   Status = "cancelled"
	StatusTimedOut    Status = "timed_out"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusJoined, StatusCancelled, StatusTimedOut, StatusFailed:
		return true
	}
	return false
}

// ExecutionView is a point-in-time copy of an execution record.
type ExecutionView struct {
	ID        string    `json:"id"`
	TaskType  string    `json:"task_type"`
	Status    Status    `json:"status"`
	SubTasks  int       `json:"subtasks"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	WorkerIDs []string  `json:"worker_ids,omitempty"`
	Cancelled bool      `json:"cancelled"`
	CreatedAt time.Time `json:"created_at"`
}

type slot struct {
	workerID string
	value    any
	err      error
	done     bool
}

// execution is the per-task record. Its mutex guards every field below it;
// records of different tasks never share a lock.
type execution struct {
	id        string
	taskType  string
	createdAt time.Time
	cancel    context.CancelCauseFunc

	mu        sync.Mutex
	status    Status
	pack      *task.Pack
	slots     []slot
	cancelled bool
}

func newExecution(id, taskType string, cancel context.CancelCauseFunc) *execution {
	return &execution{
		id:        id,
		taskType:  taskType,
		createdAt: time.Now(),
		cancel:    cancel,
		status:    StatusSubmitted,
	}
}

// forked stores the fork result with its final worker assignment.
func (e *execution) forked(pack *task.Pack, workerIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pack = pack
	e.slots = make([]slot, len(workerIDs))
	for i, id := range workerIDs {
		e.slots[i].workerID = id
	}
	if !e.status.Terminal() {
		e.status = StatusForked
	}
}

// transition moves to next unless the record is already terminal.
func (e *execution) transition(next Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.Terminal() {
		return false
	}
	e.status = next
	return true
}

// fill stores the outcome of slot i. The first outcome wins and late arrivals
// after a terminal state are dropped.
func (e *execution) fill(i int, v any, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.Terminal() || i < 0 || i >= len(e.slots) || e.slots[i].done {
		return false
	}
	s := &e.slots[i]
	s.done = true
	if err != nil {
		s.err = err
	} else {
		s.value = v
	}
	if e.status == StatusDispatching {
		e.status = StatusCollecting
	}
	return true
}

// markCancelled sets the cancellation flag. It reports false when the record
// already finished.
func (e *execution) markCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.Terminal() {
		return false
	}
	e.cancelled = true
	return true
}

func (e *execution) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// results returns the join input. Unfinished and failed slots are nil.
func (e *execution) results() ([]any, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]any, len(e.slots))
	ids := make([]string, len(e.slots))
	for i, s := range e.slots {
		ids[i] = s.workerID
		if s.done && s.err == nil {
			results[i] = s.value
		}
	}
	return results, ids
}

// pending returns the workers of slots without a result. A slot abandoned by
// cancellation may still be running remotely.
func (e *execution) pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for _, s := range e.slots {
		if (!s.done || s.err != nil) && s.workerID != "" && !seen[s.workerID] {
			seen[s.workerID] = true
			ids = append(ids, s.workerID)
		}
	}
	return ids
}

func (e *execution) view() ExecutionView {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := ExecutionView{
		ID:        e.id,
		TaskType:  e.taskType,
		Status:    e.status,
		SubTasks:  len(e.slots),
		Cancelled: e.cancelled,
		CreatedAt: e.createdAt,
	}
	for _, s := range e.slots {
		v.WorkerIDs = append(v.WorkerIDs, s.workerID)
		if !s.done {
			continue
		}
		if s.err != nil {
			v.Failed++
		} else {
			v.Completed++
		}
	}
	return v
}
