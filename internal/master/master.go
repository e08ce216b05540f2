package master

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/cluster/internal/control"
	"yqhp/cluster/pkg/logger"
	"yqhp/cluster/pkg/rpc"
	"yqhp/cluster/pkg/service"
	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

// Config holds the configuration for a master node.
type Config struct {
	// HeartbeatInterval is advertised to workers on registration.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"CL_MASTER_HEARTBEAT_INTERVAL"`
	// HeartbeatTimeout evicts workers not heard from for this long.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"CL_MASTER_HEARTBEAT_TIMEOUT"`
	// SweepInterval is the cadence of the stale-worker sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"CL_MASTER_SWEEP_INTERVAL"`
	// TaskTimeout is the default overall deadline of a submitted task.
	TaskTimeout time.Duration `yaml:"task_timeout" env:"CL_MASTER_TASK_TIMEOUT"`
	// SubTaskTimeout is the default soft deadline of a subtask.
	SubTaskTimeout time.Duration `yaml:"subtask_timeout" env:"CL_MASTER_SUBTASK_TIMEOUT"`
	// DispatchGrace is added to the subtask timeout when waiting on a worker.
	DispatchGrace time.Duration `yaml:"dispatch_grace" env:"CL_MASTER_DISPATCH_GRACE"`
	// MaxExecutions limits concurrent executions. Zero means unlimited.
	MaxExecutions int `yaml:"max_executions" env:"CL_MASTER_MAX_EXECUTIONS"`
}

// DefaultConfig returns a default master configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		SweepInterval:     5 * time.Second,
		TaskTimeout:       60 * time.Second,
		SubTaskTimeout:    30 * time.Second,
		DispatchGrace:     2 * time.Second,
		MaxExecutions:     100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.SubTaskTimeout <= 0 {
		c.SubTaskTimeout = d.SubTaskTimeout
	}
	if c.DispatchGrace < 0 {
		c.DispatchGrace = 0
	}
	return c
}

// Master coordinates task executions across registered workers. It serves
// service.MasterService and backs the cancel, worker-states and files-info
// control tasks.
type Master struct {
	config    Config
	handlers  *task.Registry
	pool      *rpc.Pool
	registry  *Registry
	scheduler *Scheduler
	stats     *Stats
	logger    *zap.Logger

	executions  map[string]*execution
	executionMu sync.RWMutex
	running     atomic.Int32

	cron     gocron.Scheduler
	started  atomic.Bool
	stopOnce sync.Once
}

// New creates a master. handlers resolves task types; pool dials workers.
func New(config Config, handlers *task.Registry, pool *rpc.Pool) *Master {
	registry := NewRegistry()
	return &Master{
		config:     config.withDefaults(),
		handlers:   handlers,
		pool:       pool,
		registry:   registry,
		scheduler:  NewScheduler(registry),
		stats:      NewStats(),
		logger:     logger.Named("master"),
		executions: make(map[string]*execution),
	}
}

// Start schedules the stale-worker sweep.
func (m *Master) Start(ctx context.Context) error {
	if m.started.Load() {
		return fmt.Errorf("master already started")
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(m.config.SweepInterval),
		gocron.NewTask(m.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("worker-sweep"),
	)
	if err != nil {
		_ = cron.Shutdown()
		return fmt.Errorf("schedule worker sweep: %w", err)
	}
	cron.Start()
	m.cron = cron
	m.started.Store(true)

	m.logger.Info("master started",
		zap.Duration("heartbeat_timeout", m.config.HeartbeatTimeout),
		zap.Int("max_executions", m.config.MaxExecutions),
	)
	return nil
}

// Stop cancels in-flight executions and stops the sweep.
func (m *Master) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.started.Store(false)

		m.executionMu.RLock()
		for _, exec := range m.executions {
			if exec.markCancelled() {
				exec.cancel(types.NewError(types.CodeTaskCancelled, "master stopping"))
			}
		}
		m.executionMu.RUnlock()

		if m.cron != nil {
			err = m.cron.Shutdown()
		}
		m.logger.Info("master stopped")
	})
	return err
}

// Submit implements service.MasterService. It runs the task to completion and
// returns its joined result.
func (m *Master) Submit(ctx context.Context, req service.SubmitRequest, t any) (any, error) {
	if !m.started.Load() {
		return nil, types.NewError(types.CodeNotReady, "master not started")
	}
	if req.TaskType == "" {
		return nil, types.NewError(types.CodeInvalidTask, "task type is required")
	}
	handler, err := m.handlers.GetOrError(req.TaskType)
	if err != nil {
		return nil, err
	}

	// Control tasks manage the cluster itself and must get through when
	// there are no workers or the master is at capacity.
	isControl := control.IsControl(req.TaskType)
	workers := m.registry.IDs()
	if len(workers) == 0 && !isControl {
		return nil, types.NewError(types.CodeNotReady, "no workers registered for %s", req.TaskType)
	}

	if !isControl {
		if n := m.running.Add(1); m.config.MaxExecutions > 0 && int(n) > m.config.MaxExecutions {
			m.running.Add(-1)
			return nil, types.NewError(types.CodeBusy, "maximum concurrent executions reached: %d", m.config.MaxExecutions)
		}
		defer m.running.Add(-1)
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.config.TaskTimeout
	}
	subTimeout := req.SubTaskTimeout
	if subTimeout <= 0 {
		subTimeout = m.config.SubTaskTimeout
	}

	deadlineCtx, cancelDeadline := context.WithTimeoutCause(ctx, timeout, types.ErrTaskTimeout)
	defer cancelDeadline()
	execCtx, cancel := context.WithCancelCause(deadlineCtx)
	defer cancel(nil)

	exec := newExecution(taskID, req.TaskType, cancel)
	if err := m.track(exec); err != nil {
		return nil, err
	}
	defer m.untrack(taskID)

	log := m.logger.With(zap.String("task_id", taskID), zap.String("task_type", req.TaskType))
	log.Debug("task submitted", zap.Int("workers", len(workers)))

	result, err := m.run(execCtx, exec, handler, t, workers, subTimeout)
	if err != nil {
		if ierr := m.interrupted(execCtx, exec, timeout); ierr != nil {
			err = ierr
		}
		exec.transition(statusFor(err))
		log.Info("task finished with error", zap.Error(err))
		return nil, err
	}
	exec.transition(StatusJoined)
	log.Debug("task joined")
	return result, nil
}

// run drives one execution through fork, dispatch and join.
func (m *Master) run(ctx context.Context, exec *execution, handler task.Handler, t any, workers []string, subTimeout time.Duration) (any, error) {
	pack, err := handler.Fork(ctx, t, workers)
	if err != nil {
		return nil, err
	}
	if pack.Direct {
		return pack.Result, nil
	}

	assigned, err := m.scheduler.Assign(pack.WorkerIDs)
	if err != nil {
		return nil, err
	}
	exec.forked(pack, assigned)
	if err := m.interrupted(ctx, exec, 0); err != nil {
		return nil, err
	}

	if len(pack.SubTasks) > 0 {
		exec.transition(StatusDispatching)
		m.dispatch(ctx, exec, pack.SubTasks, assigned, subTimeout)
		if err := m.interrupted(ctx, exec, 0); err != nil {
			m.cancelRemote(exec)
			return nil, err
		}
	}

	results, ids := exec.results()
	return handler.Join(ctx, results, ids)
}

// dispatch sends every subtask on its own goroutine and returns once all
// slots are filled or ctx is done.
func (m *Master) dispatch(ctx context.Context, exec *execution, subTasks []any, workerIDs []string, subTimeout time.Duration) {
	var g errgroup.Group
	for i := range subTasks {
		g.Go(func() error {
			v, err := m.callWorker(ctx, exec, i, subTasks[i], workerIDs[i], subTimeout)
			if err != nil {
				m.logger.Debug("subtask failed",
					zap.String("task_id", exec.id),
					zap.Int("index", i),
					zap.String("worker_id", workerIDs[i]),
					zap.Error(err),
				)
			}
			exec.fill(i, v, err)
			return nil
		})
	}

	done := make(chan struct{})
	logger.SafeGo("master.dispatch.wait", func() {
		_ = g.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (m *Master) callWorker(ctx context.Context, exec *execution, index int, sub any, workerID string, subTimeout time.Duration) (any, error) {
	info, ok := m.registry.Get(workerID)
	if !ok {
		return nil, types.NewError(types.CodeUnknownWorker, "worker not found: %s", workerID)
	}

	callCtx, cancel := context.WithTimeout(ctx, subTimeout+m.config.DispatchGrace)
	defer cancel()

	h, err := rpc.Open(callCtx, m.pool, info.Address, service.NewWorkerClient)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	m.registry.AddDispatched(workerID, 1)
	defer m.registry.AddDispatched(workerID, -1)

	start := time.Now()
	v, err := h.Proxy.ProcSubTask(callCtx, service.SubTaskRequest{
		TaskID:   exec.id,
		TaskType: exec.taskType,
		Index:    index,
		Timeout:  subTimeout,
	}, sub)
	m.stats.Record(exec.taskType, time.Since(start), err != nil)
	if err != nil && rpc.IsTransportError(err) {
		m.logger.Warn("worker unreachable",
			zap.String("worker_id", workerID),
			zap.String("address", info.Address),
			zap.Error(err),
		)
	}
	return v, err
}

// cancelRemote asks the workers still holding slots of exec to drop them.
// Delivery is best effort.
func (m *Master) cancelRemote(exec *execution) {
	for _, workerID := range exec.pending() {
		info, ok := m.registry.Get(workerID)
		if !ok {
			continue
		}
		logger.SafeGo("master.cancel", func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.config.DispatchGrace)
			defer cancel()

			h, err := rpc.Open(ctx, m.pool, info.Address, service.NewWorkerClient)
			if err != nil {
				return
			}
			defer h.Close()
			if err := h.Proxy.Cancel(ctx, exec.id); err != nil {
				m.logger.Debug("remote cancel failed",
					zap.String("task_id", exec.id),
					zap.String("worker_id", info.ID),
					zap.Error(err),
				)
			}
		})
	}
}

func (m *Master) track(exec *execution) error {
	m.executionMu.Lock()
	defer m.executionMu.Unlock()

	if _, exists := m.executions[exec.id]; exists {
		return types.NewError(types.CodeInvalidTask, "task id already in flight: %s", exec.id)
	}
	m.executions[exec.id] = exec
	return nil
}

func (m *Master) untrack(taskID string) {
	m.executionMu.Lock()
	defer m.executionMu.Unlock()
	delete(m.executions, taskID)
}

// CancelTask implements control.Canceller. The task's Submit call returns
// types.ErrTaskCancelled without running Join.
func (m *Master) CancelTask(taskID string) error {
	m.executionMu.RLock()
	exec, ok := m.executions[taskID]
	m.executionMu.RUnlock()

	if !ok {
		return types.NewError(types.CodeUnknownTask, "task not found: %s", taskID)
	}
	if exec.markCancelled() {
		exec.cancel(types.ErrTaskCancelled)
		m.logger.Info("task cancelled", zap.String("task_id", taskID))
	}
	return nil
}

// WorkerStates implements control.Directory.
func (m *Master) WorkerStates() types.WorkerStates {
	return m.registry.States()
}

// Register implements service.MasterService. An empty worker id is replaced
// by a generated one.
func (m *Master) Register(_ context.Context, info types.WorkerInfo, state types.WorkerState) (service.RegisterAck, error) {
	if info.ID == "" {
		info.ID = uuid.New().String()
	}
	replaced, err := m.registry.Register(info, state)
	if err != nil {
		return service.RegisterAck{}, err
	}
	m.logger.Info("worker registered",
		zap.String("worker_id", info.ID),
		zap.String("address", info.Address),
		zap.String("transport", info.Transport),
		zap.Bool("replaced", replaced),
	)
	return service.RegisterAck{WorkerID: info.ID, HeartbeatInterval: m.config.HeartbeatInterval}, nil
}

// PushState implements service.MasterService. Unknown workers get
// types.ErrUnknownWorker so they register again.
func (m *Master) PushState(_ context.Context, workerID string, state types.WorkerState) error {
	return m.registry.UpdateState(workerID, state)
}

// Unregister implements service.MasterService.
func (m *Master) Unregister(_ context.Context, workerID string) error {
	if err := m.registry.Unregister(workerID); err != nil {
		return err
	}
	m.logger.Info("worker unregistered", zap.String("worker_id", workerID))
	return nil
}

func (m *Master) sweep() {
	for _, id := range m.registry.Sweep(m.config.HeartbeatTimeout) {
		m.logger.Warn("worker evicted after missed heartbeats", zap.String("worker_id", id))
	}
}

// Workers returns a snapshot of the registered workers.
func (m *Master) Workers() []WorkerView {
	return m.registry.Workers()
}

// Executions returns a snapshot of the in-flight executions, oldest first.
func (m *Master) Executions() []ExecutionView {
	m.executionMu.RLock()
	views := make([]ExecutionView, 0, len(m.executions))
	for _, exec := range m.executions {
		views = append(views, exec.view())
	}
	m.executionMu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views
}

// Stats returns dispatch latency per task type.
func (m *Master) Stats() []LatencySummary {
	return m.stats.Snapshot()
}

// Running returns the number of in-flight executions, control tasks excluded.
func (m *Master) Running() int {
	return int(m.running.Load())
}

// IsRunning reports whether the master accepts submissions.
func (m *Master) IsRunning() bool {
	return m.started.Load()
}

// interrupted maps a done execution context to the client-facing error.
func (m *Master) interrupted(ctx context.Context, exec *execution, timeout time.Duration) error {
	if ctx.Err() == nil {
		if exec.isCancelled() {
			return types.NewError(types.CodeTaskCancelled, "task %s cancelled", exec.id)
		}
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, types.ErrTaskCancelled):
		return types.NewError(types.CodeTaskCancelled, "task %s cancelled", exec.id)
	case errors.Is(cause, types.ErrTaskTimeout):
		return types.NewError(types.CodeTaskTimeout, "task %s exceeded %s", exec.id, timeout)
	}
	return cause
}

func statusFor(err error) Status {
	switch {
	case errors.Is(err, types.ErrTaskCancelled):
		return StatusCancelled
	case errors.Is(err, types.ErrTaskTimeout):
		return StatusTimedOut
	}
	return StatusFailed
}
