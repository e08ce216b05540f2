// Package control implements the built-in cluster-management tasks. They are
// ordinary task contracts dispatched through the same path as user tasks.
package control

import (
	"context"
	"strings"
	"time"

	"yqhp/cluster/internal/filesync"
	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

// Task type names.
const (
	Prefix       = "cluster."
	TypeCancel   = Prefix + "cancel"
	TypeFiles    = Prefix + "file_update"
	TypeStates   = Prefix + "worker_states"
	TypeFileInfo = Prefix + "files_info"
)

// IsControl reports whether taskType names a built-in control task. Control
// tasks run even when no worker is registered.
func IsControl(taskType string) bool {
	return strings.HasPrefix(taskType, Prefix)
}

// Canceller flags an in-flight task as cancelled.
type Canceller interface {
	CancelTask(taskID string) error
}

// Files applies file updates on the local node.
type Files interface {
	Apply(u filesync.Update) (filesync.FilesInfo, error)
	Info() filesync.FilesInfo
}

// Directory reads the live worker registry.
type Directory interface {
	WorkerStates() types.WorkerStates
}

// Deps are the node-local collaborators of the control tasks. Workers leave
// Canceller and Directory nil; only master-side operations use them.
type Deps struct {
	Canceller Canceller
	Files     Files
	Directory Directory
}

// Wire types of each control task, as name/prototype pairs.
var (
	cancelTypes = []any{"control.cancel", CancelRequest{}}
	filesTypes  = []any{
		"filesync.update", filesync.Update{},
		"filesync.files_info", filesync.FilesInfo{},
		"control.file_update_report", FileUpdateReport{},
	}
	statesTypes = []any{
		"control.worker_states_request", WorkerStatesRequest{},
		"cluster.worker_states", types.WorkerStates{},
	}
	filesInfoTypes = []any{
		"control.files_info_request", FilesInfoRequest{},
		"control.files_status", FilesStatus{},
	}
)

// Register adds every control task and its value types to reg.
func Register(reg *task.Registry, deps Deps) error {
	if err := reg.Register(TypeCancel, task.Erase[CancelRequest, none, none, bool](NewCancel(deps.Canceller)), cancelTypes...); err != nil {
		return err
	}
	if err := reg.Register(TypeFiles, task.Erase[filesync.Update, filesync.Update, string, FileUpdateReport](NewFileUpdate(deps.Files)), filesTypes...); err != nil {
		return err
	}
	if err := reg.Register(TypeStates, task.Erase[WorkerStatesRequest, none, none, types.WorkerStates](NewWorkerStatesTask(deps.Directory)), statesTypes...); err != nil {
		return err
	}
	return reg.Register(TypeFileInfo, task.Erase[FilesInfoRequest, none, none, FilesStatus](NewFilesInfoTask(deps.Files, deps.Directory)), filesInfoTypes...)
}

// RegisterTypes registers only the value types of the control tasks, for
// nodes that submit them without serving them.
func RegisterTypes(t *codec.Types) error {
	for _, pairs := range [][]any{cancelTypes, filesTypes, statesTypes, filesInfoTypes} {
		for i := 0; i < len(pairs); i += 2 {
			if err := t.Register(pairs[i].(string), pairs[i+1]); err != nil {
				return err
			}
		}
	}
	return nil
}

// none is the subtask and subresult type of tasks that never dispatch.
type none = struct{}

func noSubTasks() task.SubTasksPack[none] {
	return task.SubTasksPack[none]{}
}

func notDispatched(context.Context, none, time.Duration) (none, error) {
	return none{}, types.NewError(types.CodeInvalidTask, "control task has no subtasks")
}
