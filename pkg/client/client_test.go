package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/cluster/internal/config"
	"yqhp/cluster/internal/node"
	"yqhp/cluster/pkg/client"
	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/rpc"
	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

// blockTask sends one subtask per value. Zero blocks until cancelled.
type blockTask struct{}

func (blockTask) Fork(_ context.Context, values []int, workers []string) (task.SubTasksPack[int], error) {
	var pack task.SubTasksPack[int]
	for i, v := range values {
		if i >= len(workers) {
			break
		}
		pack.SubTasks = append(pack.SubTasks, v)
		pack.WorkerIDs = append(pack.WorkerIDs, "")
	}
	return pack, nil
}

func (blockTask) ProcSubTask(ctx context.Context, sub int, _ time.Duration) (int, error) {
	if sub == 0 {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return sub, nil
}

func (blockTask) Join(_ context.Context, results []*int, _ []string) (int, error) {
	n := 0
	for _, r := range results {
		if r != nil {
			n += *r
		}
	}
	return n, nil
}

func setup(t *testing.T) (*node.Node, *client.Client) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Files.Root = t.TempDir()
	cfg.REST.Address = ""

	n, err := node.New(cfg, config.RoleLocal, node.WithLocalWorkers(2), node.WithTasks(func(reg *task.Registry) error {
		return reg.Register("block", task.Erase[[]int, int, int, int](blockTask{}))
	}))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	reg, err := client.NewTypes()
	require.NoError(t, err)
	pool := rpc.NewPool(n.Transport(), codec.NewJSON(reg))
	c, err := client.New(context.Background(), pool, n.MasterAddr())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		_ = pool.Close()
		_ = n.Stop(context.Background())
	})
	return n, c
}

func wait(t *testing.T, call *client.Call) {
	t.Helper()
	select {
	case <-call.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("call did not finish")
	}
}

func TestSubmitAndGo(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	result, err := c.Submit(ctx, "block", []int{3, 4})
	require.NoError(t, err)
	assert.Equal(t, 7, result)

	call := c.Go(ctx, "block", []int{5}, client.WithTaskID("fixed-id"))
	assert.Equal(t, "fixed-id", call.ID)
	wait(t, call)
	require.NoError(t, call.Err)
	assert.Equal(t, 5, call.Result)

	call = c.Go(ctx, "block", []int{1})
	assert.NotEmpty(t, call.ID)
	wait(t, call)
	assert.NoError(t, call.Err)
}

func TestCancelRunningTask(t *testing.T) {
	n, c := setup(t)
	ctx := context.Background()

	call := c.Go(ctx, "block", []int{0, 0}, client.WithTaskID("t-block"))
	require.Eventually(t, func() bool {
		for _, w := range n.Workers() {
			if w.Running() == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Cancel(ctx, "t-block"))
	wait(t, call)
	assert.True(t, errors.Is(call.Err, types.ErrTaskCancelled), "got %v", call.Err)

	// remote subtasks are interrupted too
	assert.Eventually(t, func() bool {
		for _, w := range n.Workers() {
			if w.Running() != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	err := c.Cancel(ctx, "t-block")
	assert.True(t, errors.Is(err, types.ErrUnknownTask), "got %v", err)
}

func TestSubmitTimeout(t *testing.T) {
	_, c := setup(t)

	start := time.Now()
	_, err := c.Submit(context.Background(), "block", []int{0}, client.WithTimeout(100*time.Millisecond))
	assert.True(t, errors.Is(err, types.ErrTaskTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUnknownTaskType(t *testing.T) {
	_, c := setup(t)

	_, err := c.Submit(context.Background(), "nope", 1)
	assert.True(t, errors.Is(err, types.ErrUnknownTaskType), "got %v", err)
}

func TestFilesRoundTrip(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	report, err := c.PutFile(ctx, types.FileKindUser, "data.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Len(t, report.Applied, 2)

	status, err := c.FilesInfo(ctx)
	require.NoError(t, err)
	assert.Contains(t, status.Master.User, "data.txt")
	assert.Equal(t, report.Fingerprint, status.Master.Fingerprint)

	_, err = c.PutFile(ctx, types.FileKindUser, "../escape.txt", []byte("x"))
	assert.Error(t, err)

	_, err = c.RemoveFile(ctx, types.FileKindUser, "data.txt")
	require.NoError(t, err)
	status, err = c.FilesInfo(ctx)
	require.NoError(t, err)
	assert.NotContains(t, status.Master.User, "data.txt")
}

func TestWorkerStates(t *testing.T) {
	_, c := setup(t)

	states, err := c.WorkerStates(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 2)
	for _, st := range states {
		assert.Equal(t, 8, st.Capacity)
	}
}
