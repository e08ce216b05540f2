package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/cluster/internal/control"
	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/rpc"
	"yqhp/cluster/pkg/service"
	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

// sumTask routes task[i] to workers[i]. A negative subtask blocks until its
// context is done; -100 fails immediately.
type sumTask struct{}

func (sumTask) Fork(_ context.Context, values []int, workers []string) (task.SubTasksPack[int], error) {
	var pack task.SubTasksPack[int]
	for i, v := range values {
		if i >= len(workers) {
			break
		}
		pack.SubTasks = append(pack.SubTasks, v)
		pack.WorkerIDs = append(pack.WorkerIDs, workers[i])
	}
	return pack, nil
}

func (sumTask) ProcSubTask(ctx context.Context, sub int, _ time.Duration) (int, error) {
	switch {
	case sub == -100:
		return 0, errors.New("bad input")
	case sub < 0:
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return sub, nil
}

func (sumTask) Join(_ context.Context, results []*int, _ []string) (int, error) {
	sum := 0
	for _, r := range results {
		if r != nil {
			sum += *r
		}
	}
	return sum, nil
}

// echoTask returns the subresults in slot order, -1 marking a nil slot.
type echoTask struct{ sumTask }

func (echoTask) Join(_ context.Context, results []*int, workerIDs []string) ([]int, error) {
	if len(results) != len(workerIDs) {
		return nil, fmt.Errorf("arity mismatch: %d results for %d workers", len(results), len(workerIDs))
	}
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = -1
		if r != nil {
			out[i] = *r
		}
	}
	return out, nil
}

// fakeWorker serves subtasks with the same registry as the master and races
// each one against its soft deadline.
type fakeWorker struct {
	handlers *task.Registry

	mu        sync.Mutex
	cancelled []string
}

func (w *fakeWorker) ProcSubTask(ctx context.Context, req service.SubTaskRequest, sub any) (any, error) {
	h, err := w.handlers.GetOrError(req.TaskType)
	if err != nil {
		return nil, err
	}
	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := h.ProcSubTask(ctx, sub, req.Timeout)
		done <- outcome{v, err}
	}()
	select {
	case o := <-done:
		return o.v, o.err
	case <-time.After(req.Timeout):
		return nil, types.ErrSubTaskTimeout
	}
}

func (w *fakeWorker) Cancel(_ context.Context, taskID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = append(w.cancelled, taskID)
	return nil
}

func (w *fakeWorker) Ping(context.Context) (string, error) {
	return "pong", nil
}

func (w *fakeWorker) cancels() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.cancelled...)
}

type testCluster struct {
	master    *Master
	transport *rpc.LocalTransport
	workers   map[string]*fakeWorker
}

func newTestCluster(t *testing.T, cfg Config, n int) *testCluster {
	t.Helper()
	reg := codec.NewTypes()
	require.NoError(t, service.RegisterTypes(reg))
	handlers := task.NewRegistry(reg)
	handlers.MustRegister("sum", task.Erase[[]int, int, int, int](sumTask{}))
	handlers.MustRegister("echo", task.Erase[[]int, int, int, []int](echoTask{}))

	serializer := codec.NewJSON(reg)
	tr := rpc.NewLocalTransport()
	pool := rpc.NewPool(tr, serializer)
	m := New(cfg, handlers, pool)
	require.NoError(t, control.Register(handlers, control.Deps{Canceller: m, Directory: m}))

	c := &testCluster{master: m, transport: tr, workers: make(map[string]*fakeWorker)}
	for i := 1; i <= n; i++ {
		w := &fakeWorker{handlers: handlers}
		d := rpc.NewDispatcher(serializer)
		service.BindWorker(d, w)
		srv, err := tr.Listen("", d)
		require.NoError(t, err)
		t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

		id := fmt.Sprintf("w%d", i)
		_, err = m.Register(context.Background(), types.WorkerInfo{ID: id, Address: srv.Addr(), Transport: tr.Name()}, types.WorkerState{Capacity: 4})
		require.NoError(t, err)
		c.workers[id] = w
	}

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
		_ = pool.Close()
	})
	return c
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TaskTimeout = 5 * time.Second
	cfg.SubTaskTimeout = 2 * time.Second
	cfg.DispatchGrace = 500 * time.Millisecond
	return cfg
}

func submit(m *Master, taskID, taskType string, t any) (any, error) {
	return m.Submit(context.Background(), service.SubmitRequest{TaskID: taskID, TaskType: taskType}, t)
}

func TestSubmitJoinsAllSubResults(t *testing.T) {
	c := newTestCluster(t, testConfig(), 3)

	result, err := submit(c.master, "", "sum", []int{2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 9, result)
	assert.Empty(t, c.master.Executions())
	assert.Equal(t, 0, c.master.Running())

	stats := c.master.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "sum", stats[0].TaskType)
	assert.Equal(t, int64(3), stats[0].Count)
}

func TestSubTaskTimeoutDegradesSlotToNil(t *testing.T) {
	cfg := testConfig()
	cfg.SubTaskTimeout = 100 * time.Millisecond
	c := newTestCluster(t, cfg, 3)

	result, err := submit(c.master, "", "echo", []int{2, -1, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{2, -1, 4}, result)

	result, err = submit(c.master, "", "sum", []int{2, -1, 4})
	require.NoError(t, err)
	assert.Equal(t, 6, result)
}

func TestSubTaskErrorDegradesSlotToNil(t *testing.T) {
	c := newTestCluster(t, testConfig(), 3)

	result, err := submit(c.master, "", "sum", []int{2, -100, 4})
	require.NoError(t, err)
	assert.Equal(t, 6, result)

	stats := c.master.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Failures)
}

func TestCancelCompletesSubmitWithCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.TaskTimeout = 30 * time.Second
	cfg.SubTaskTimeout = 20 * time.Second
	c := newTestCluster(t, cfg, 2)

	errCh := make(chan error, 1)
	go func() {
		_, err := submit(c.master, "t-cancel", "sum", []int{1, -1})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		for _, e := range c.master.Executions() {
			if e.ID == "t-cancel" && e.Status == StatusCollecting {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	ack, err := submit(c.master, "", control.TypeCancel, control.CancelRequest{TaskID: "t-cancel"})
	require.NoError(t, err)
	assert.Equal(t, true, ack)

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, types.ErrTaskCancelled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled task did not complete")
	}

	assert.Eventually(t, func() bool {
		return len(c.workers["w2"].cancels()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelUnknownTask(t *testing.T) {
	c := newTestCluster(t, testConfig(), 1)

	_, err := submit(c.master, "", control.TypeCancel, control.CancelRequest{TaskID: "nope"})
	assert.True(t, errors.Is(err, types.ErrUnknownTask))
}

func TestOverallDeadlineYieldsTaskTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SubTaskTimeout = 10 * time.Second
	c := newTestCluster(t, cfg, 2)

	start := time.Now()
	_, err := c.master.Submit(context.Background(), service.SubmitRequest{TaskType: "sum", Timeout: 150 * time.Millisecond}, []int{1, -1})
	assert.True(t, errors.Is(err, types.ErrTaskTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSubmitWithoutWorkersIsNotReady(t *testing.T) {
	c := newTestCluster(t, testConfig(), 0)

	_, err := submit(c.master, "", "sum", []int{1})
	assert.True(t, errors.Is(err, types.ErrNotReady))

	// control tasks still run
	states, err := submit(c.master, "", control.TypeStates, control.WorkerStatesRequest{})
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestSubmitUnknownTaskType(t *testing.T) {
	c := newTestCluster(t, testConfig(), 1)

	_, err := submit(c.master, "", "nope", nil)
	assert.True(t, errors.Is(err, types.ErrUnknownTaskType))
	_, err = submit(c.master, "", "", nil)
	assert.True(t, errors.Is(err, types.ErrInvalidTask))
}

func TestMaxExecutionsYieldsBusy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxExecutions = 1
	c := newTestCluster(t, cfg, 1)

	go func() { _, _ = submit(c.master, "t-blocking", "sum", []int{-1}) }()
	require.Eventually(t, func() bool { return c.master.Running() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := submit(c.master, "", "sum", []int{1})
	assert.True(t, errors.Is(err, types.ErrBusy))

	require.NoError(t, c.master.CancelTask("t-blocking"))
	assert.Eventually(t, func() bool { return c.master.Running() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestControlTasksBypassMaxExecutions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxExecutions = 1
	c := newTestCluster(t, cfg, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := submit(c.master, "t-blocking", "sum", []int{-1})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(c.master.Executions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.master.Running())

	states, err := submit(c.master, "", control.TypeStates, control.WorkerStatesRequest{})
	require.NoError(t, err)
	assert.Len(t, states, 1)

	_, err = submit(c.master, "", control.TypeCancel, control.CancelRequest{TaskID: "t-blocking"})
	require.NoError(t, err)
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, types.ErrTaskCancelled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled task did not complete")
	}
	assert.Eventually(t, func() bool { return c.master.Running() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicateTaskIDRejected(t *testing.T) {
	c := newTestCluster(t, testConfig(), 1)

	go func() { _, _ = submit(c.master, "dup", "sum", []int{-1}) }()
	require.Eventually(t, func() bool { return len(c.master.Executions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := submit(c.master, "dup", "sum", []int{1})
	assert.True(t, errors.Is(err, types.ErrInvalidTask))
	require.NoError(t, c.master.CancelTask("dup"))
}

func TestUnreachableWorkerIsFailedSlot(t *testing.T) {
	c := newTestCluster(t, testConfig(), 2)
	_, err := c.master.Register(context.Background(), types.WorkerInfo{ID: "w3", Address: "local-gone"}, types.WorkerState{})
	require.NoError(t, err)

	result, err := submit(c.master, "", "sum", []int{2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 5, result)

	// the dial failed, so only two round trips were timed
	stats := c.master.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Count)
}

func TestWorkerStatesMatchRegistry(t *testing.T) {
	c := newTestCluster(t, testConfig(), 3)
	require.NoError(t, c.master.Unregister(context.Background(), "w2"))

	out, err := submit(c.master, "", control.TypeStates, control.WorkerStatesRequest{})
	require.NoError(t, err)
	states := out.(types.WorkerStates)
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	assert.ElementsMatch(t, c.master.registry.IDs(), ids)
	assert.ElementsMatch(t, []string{"w1", "w3"}, ids)
}

func TestRegisterAndHeartbeat(t *testing.T) {
	c := newTestCluster(t, testConfig(), 0)
	ctx := context.Background()

	ack, err := c.master.Register(ctx, types.WorkerInfo{Address: "local-9"}, types.WorkerState{})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.WorkerID)
	assert.Equal(t, testConfig().HeartbeatInterval, ack.HeartbeatInterval)

	require.NoError(t, c.master.PushState(ctx, ack.WorkerID, types.WorkerState{Load: 42}))
	assert.Equal(t, 42.0, c.master.WorkerStates()[ack.WorkerID].Load)

	err = c.master.PushState(ctx, "ghost", types.WorkerState{})
	assert.True(t, errors.Is(err, types.ErrUnknownWorker))

	require.NoError(t, c.master.Unregister(ctx, ack.WorkerID))
	assert.True(t, errors.Is(c.master.Unregister(ctx, ack.WorkerID), types.ErrUnknownWorker))
}

func TestSweepEvictsStaleWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	c := newTestCluster(t, cfg, 2)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = c.master.PushState(context.Background(), "w1", types.WorkerState{})
			}
		}
	}()

	assert.Eventually(t, func() bool {
		ids := c.master.registry.IDs()
		return len(ids) == 1 && ids[0] == "w1"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubmitOverRPC(t *testing.T) {
	c := newTestCluster(t, testConfig(), 3)

	reg := c.master.handlers.Types()
	serializer := codec.NewJSON(reg)
	d := rpc.NewDispatcher(serializer)
	service.BindMaster(d, c.master)
	srv, err := c.transport.Listen("", d)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	pool := rpc.NewPool(c.transport, serializer)
	defer pool.Close()
	h, err := rpc.Open(context.Background(), pool, srv.Addr(), service.NewMasterClient)
	require.NoError(t, err)
	defer h.Close()

	result, err := h.Proxy.Submit(context.Background(), service.SubmitRequest{TaskType: "sum"}, []int{2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 9, result)

	_, err = h.Proxy.Submit(context.Background(), service.SubmitRequest{TaskType: "missing"}, nil)
	assert.True(t, errors.Is(err, types.ErrUnknownTaskType), "typed error survives the wire: %v", err)
}

func TestJoinArityProperty(t *testing.T) {
	c := newTestCluster(t, testConfig(), 3)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("join sees one ordered slot per subtask", prop.ForAll(
		func(n, a, b, cc int) bool {
			values := []int{a, b, cc}[:n]
			for i, v := range values {
				if v < 0 {
					values[i] = -100
				}
			}
			out, err := submit(c.master, "", "echo", values)
			if err != nil {
				return false
			}
			got := out.([]int)
			if len(got) != len(values) {
				return false
			}
			for i, v := range values {
				want := v
				if v == -100 {
					want = -1
				}
				if got[i] != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 3),
		gen.IntRange(-5, 10),
		gen.IntRange(0, 50),
		gen.IntRange(-1, 3),
	))

	properties.TestingRun(t)
}
