package control

import (
	"context"
	"sort"
	"time"

	"github.com/duke-git/lancet/v2/maputil"

	"yqhp/cluster/internal/filesync"
	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

// CancelRequest names the task to cancel.
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// Cancel flags a task as cancelled on the master inside Fork and dispatches
// nothing.
type Cancel struct {
	canceller Canceller
}

// NewCancel creates the cancel task.
func NewCancel(c Canceller) *Cancel {
	return &Cancel{canceller: c}
}

// Fork implements task.Contract.
func (c *Cancel) Fork(_ context.Context, req CancelRequest, _ []string) (task.SubTasksPack[none], error) {
	if c.canceller == nil {
		return noSubTasks(), types.NewError(types.CodeInvalidTask, "cancel is only served by the master")
	}
	if req.TaskID == "" {
		return noSubTasks(), types.NewError(types.CodeInvalidTask, "task id is required")
	}
	return noSubTasks(), c.canceller.CancelTask(req.TaskID)
}

// ProcSubTask implements task.Contract.
func (c *Cancel) ProcSubTask(ctx context.Context, sub none, timeout time.Duration) (none, error) {
	return notDispatched(ctx, sub, timeout)
}

// Join implements task.Contract. It acknowledges the cancellation.
func (c *Cancel) Join(context.Context, []*none, []string) (bool, error) {
	return true, nil
}

// FileUpdateReport summarizes a file update across workers. Failed also lists
// workers whose slot timed out or was unreachable.
type FileUpdateReport struct {
	Fingerprint string   `json:"fingerprint"`
	Applied     []string `json:"applied"`
	Failed      []string `json:"failed"`
}

// FileUpdate applies a file mutation on the master in Fork, then sends the
// same mutation to every known worker. Distribution is best effort.
type FileUpdate struct {
	files Files
}

// NewFileUpdate creates the file-update task.
func NewFileUpdate(files Files) *FileUpdate {
	return &FileUpdate{files: files}
}

// Fork implements task.Contract.
func (f *FileUpdate) Fork(_ context.Context, u filesync.Update, workers []string) (task.SubTasksPack[filesync.Update], error) {
	var pack task.SubTasksPack[filesync.Update]
	if f.files == nil {
		return pack, types.NewError(types.CodeInvalidTask, "no file manager configured")
	}
	if err := u.Validate(); err != nil {
		return pack, types.NewError(types.CodeInvalidTask, "%v", err)
	}
	if _, err := f.files.Apply(u); err != nil {
		return pack, err
	}
	for _, w := range workers {
		pack.SubTasks = append(pack.SubTasks, u)
		pack.WorkerIDs = append(pack.WorkerIDs, w)
	}
	return pack, nil
}

// ProcSubTask implements task.Contract. It returns the worker's resulting
// aggregate fingerprint.
func (f *FileUpdate) ProcSubTask(_ context.Context, u filesync.Update, _ time.Duration) (string, error) {
	if f.files == nil {
		return "", types.NewError(types.CodeInvalidTask, "no file manager configured")
	}
	info, err := f.files.Apply(u)
	if err != nil {
		return "", err
	}
	return info.Fingerprint, nil
}

// Join implements task.Contract. It never fails.
func (f *FileUpdate) Join(_ context.Context, results []*string, workerIDs []string) (FileUpdateReport, error) {
	report := FileUpdateReport{Applied: []string{}, Failed: []string{}}
	if f.files != nil {
		report.Fingerprint = f.files.Info().Fingerprint
	}
	for i, r := range results {
		if r == nil {
			report.Failed = append(report.Failed, workerIDs[i])
			continue
		}
		report.Applied = append(report.Applied, workerIDs[i])
	}
	return report, nil
}

// WorkerStatesRequest is the (empty) task of the worker-states query.
type WorkerStatesRequest struct{}

// WorkerStatesTask returns the live registry snapshot without dispatching.
type WorkerStatesTask struct {
	directory Directory
}

// NewWorkerStatesTask creates the worker-states task.
func NewWorkerStatesTask(d Directory) *WorkerStatesTask {
	return &WorkerStatesTask{directory: d}
}

// ForkResult implements task.DirectResult.
func (w *WorkerStatesTask) ForkResult(context.Context, WorkerStatesRequest, []string) (types.WorkerStates, bool, error) {
	if w.directory == nil {
		return nil, false, types.NewError(types.CodeInvalidTask, "worker states are only served by the master")
	}
	return w.directory.WorkerStates(), true, nil
}

// Fork implements task.Contract.
func (w *WorkerStatesTask) Fork(context.Context, WorkerStatesRequest, []string) (task.SubTasksPack[none], error) {
	return noSubTasks(), nil
}

// ProcSubTask implements task.Contract.
func (w *WorkerStatesTask) ProcSubTask(ctx context.Context, sub none, timeout time.Duration) (none, error) {
	return notDispatched(ctx, sub, timeout)
}

// Join implements task.Contract.
func (w *WorkerStatesTask) Join(context.Context, []*none, []string) (types.WorkerStates, error) {
	return types.WorkerStates{}, nil
}

// FilesInfoRequest is the (empty) task of the files-info query.
type FilesInfoRequest struct{}

// FilesStatus pairs the master's snapshot with the fingerprint each worker
// last reported.
type FilesStatus struct {
	Master    filesync.FilesInfo `json:"master"`
	Workers   map[string]string  `json:"workers"`
	Converged bool               `json:"converged"`
	Lagging   []string           `json:"lagging,omitempty"`
}

// FilesInfoTask reports file convergence across the cluster without dispatching.
type FilesInfoTask struct {
	files     Files
	directory Directory
}

// NewFilesInfoTask creates the files-info task.
func NewFilesInfoTask(files Files, d Directory) *FilesInfoTask {
	return &FilesInfoTask{files: files, directory: d}
}

// ForkResult implements task.DirectResult.
func (f *FilesInfoTask) ForkResult(context.Context, FilesInfoRequest, []string) (FilesStatus, bool, error) {
	if f.files == nil || f.directory == nil {
		return FilesStatus{}, false, types.NewError(types.CodeInvalidTask, "files info is only served by the master")
	}
	status := FilesStatus{
		Master:    f.files.Info(),
		Workers:   make(map[string]string),
		Converged: true,
	}
	for id, st := range f.directory.WorkerStates() {
		status.Workers[id] = st.FilesFingerprint
	}
	for _, id := range maputil.Keys(status.Workers) {
		if status.Workers[id] != status.Master.Fingerprint {
			status.Lagging = append(status.Lagging, id)
		}
	}
	sort.Strings(status.Lagging)
	status.Converged = len(status.Lagging) == 0
	return status, true, nil
}

// Fork implements task.Contract.
func (f *FilesInfoTask) Fork(context.Context, FilesInfoRequest, []string) (task.SubTasksPack[none], error) {
	return noSubTasks(), nil
}

// ProcSubTask implements task.Contract.
func (f *FilesInfoTask) ProcSubTask(ctx context.Context, sub none, timeout time.Duration) (none, error) {
	return notDispatched(ctx, sub, timeout)
}

// Join implements task.Contract.
func (f *FilesInfoTask) Join(context.Context, []*none, []string) (FilesStatus, error) {
	return FilesStatus{}, nil
}
