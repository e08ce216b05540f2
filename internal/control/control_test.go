package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/cluster/internal/filesync"
	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

type fakeCanceller struct {
	cancelled []string
}

func (f *fakeCanceller) CancelTask(taskID string) error {
	if taskID == "missing" {
		return types.NewError(types.CodeUnknownTask, "task %s not found", taskID)
	}
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

type fakeDirectory struct {
	states types.WorkerStates
}

func (f *fakeDirectory) WorkerStates() types.WorkerStates {
	out := make(types.WorkerStates, len(f.states))
	for k, v := range f.states {
		out[k] = v
	}
	return out
}

func newManager(t *testing.T) *filesync.Manager {
	t.Helper()
	m, err := filesync.NewManager(filesync.Config{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newRegistry(t *testing.T, deps Deps) *task.Registry {
	t.Helper()
	reg := task.NewRegistry(nil)
	require.NoError(t, Register(reg, deps))
	return reg
}

func TestCancelFlagsTaskWithoutSubtasks(t *testing.T) {
	c := &fakeCanceller{}
	reg := newRegistry(t, Deps{Canceller: c})
	h, err := reg.GetOrError(TypeCancel)
	require.NoError(t, err)

	pack, err := h.Fork(context.Background(), CancelRequest{TaskID: "t-1"}, []string{"w1"})
	require.NoError(t, err)
	assert.Empty(t, pack.SubTasks)
	assert.Equal(t, []string{"t-1"}, c.cancelled)

	ack, err := h.Join(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, ack)

	_, err = h.Fork(context.Background(), CancelRequest{TaskID: "missing"}, nil)
	assert.True(t, errors.Is(err, types.ErrUnknownTask))
	_, err = h.Fork(context.Background(), CancelRequest{}, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidTask))
}

func TestCancelOnWorkerIsRejected(t *testing.T) {
	reg := newRegistry(t, Deps{})
	h, _ := reg.Get(TypeCancel)
	_, err := h.Fork(context.Background(), CancelRequest{TaskID: "t"}, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidTask))
}

// The worker states snapshot keys match the registered workers.
func TestWorkerStatesReturnsRegistrySnapshot(t *testing.T) {
	dir := &fakeDirectory{states: types.WorkerStates{
		"w1": {Load: 10, Capacity: 4},
		"w2": {Load: 50, Capacity: 4},
		"w3": {Load: 0, Capacity: 8},
	}}
	reg := newRegistry(t, Deps{Directory: dir})
	h, _ := reg.Get(TypeStates)

	pack, err := h.Fork(context.Background(), nil, []string{"w1", "w2", "w3"})
	require.NoError(t, err)
	require.True(t, pack.Direct)
	assert.Empty(t, pack.SubTasks)

	states, ok := pack.Result.(types.WorkerStates)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"w1", "w2", "w3"}, keys(states))
	assert.Equal(t, 50.0, states["w2"].Load)
}

func TestFileUpdateDistributesToEveryWorker(t *testing.T) {
	master := newManager(t)
	workers := map[string]*filesync.Manager{"w1": newManager(t), "w2": newManager(t)}

	masterReg := newRegistry(t, Deps{Files: master, Directory: &fakeDirectory{}})
	h, _ := masterReg.Get(TypeFiles)

	update := filesync.Update{Kind: types.FileKindUser, Op: types.FileOpPut, Name: "data.txt", Data: []byte("hello")}
	pack, err := h.Fork(context.Background(), update, []string{"w1", "w2"})
	require.NoError(t, err)
	require.Len(t, pack.SubTasks, 2)
	assert.Equal(t, []string{"w1", "w2"}, pack.WorkerIDs)
	assert.Contains(t, master.Info().User, "data.txt")

	results := make([]any, len(pack.SubTasks))
	for i, sub := range pack.SubTasks {
		workerReg := newRegistry(t, Deps{Files: workers[pack.WorkerIDs[i]]})
		wh, _ := workerReg.Get(TypeFiles)
		results[i], err = wh.ProcSubTask(context.Background(), sub, time.Second)
		require.NoError(t, err)
	}
	for id, w := range workers {
		assert.Equal(t, master.Info().Fingerprint, w.Info().Fingerprint, "worker %s converged", id)
	}

	out, err := h.Join(context.Background(), []any{results[0], nil}, pack.WorkerIDs)
	require.NoError(t, err)
	report := out.(FileUpdateReport)
	assert.Equal(t, master.Info().Fingerprint, report.Fingerprint)
	assert.Equal(t, []string{"w1"}, report.Applied)
	assert.Equal(t, []string{"w2"}, report.Failed)
}

func TestFileUpdateRejectsInvalidUpdate(t *testing.T) {
	reg := newRegistry(t, Deps{Files: newManager(t)})
	h, _ := reg.Get(TypeFiles)

	_, err := h.Fork(context.Background(), filesync.Update{Kind: types.FileKindUser, Op: types.FileOpPut, Name: "../etc"}, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidTask))
}

func TestFilesInfoReportsConvergence(t *testing.T) {
	master := newManager(t)
	_, err := master.PutFile(types.FileKindUser, "a.txt", []byte("a"))
	require.NoError(t, err)

	dir := &fakeDirectory{states: types.WorkerStates{
		"w1": {FilesFingerprint: master.Info().Fingerprint},
		"w2": {FilesFingerprint: "stale"},
	}}
	reg := newRegistry(t, Deps{Files: master, Directory: dir})
	h, _ := reg.Get(TypeFileInfo)

	pack, err := h.Fork(context.Background(), FilesInfoRequest{}, []string{"w1", "w2"})
	require.NoError(t, err)
	require.True(t, pack.Direct)
	status := pack.Result.(FilesStatus)
	assert.False(t, status.Converged)
	assert.Equal(t, []string{"w2"}, status.Lagging)
	assert.Equal(t, master.Info(), status.Master)
}

func TestIsControl(t *testing.T) {
	assert.True(t, IsControl(TypeCancel))
	assert.True(t, IsControl(TypeFileInfo))
	assert.False(t, IsControl("sum"))
}

func keys(states types.WorkerStates) []string {
	out := make([]string, 0, len(states))
	for k := range states {
		out = append(out, k)
	}
	return out
}
