package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"yqhp/cluster/internal/filesync"
	"yqhp/cluster/pkg/logger"
	"yqhp/cluster/pkg/rpc"
	"yqhp/cluster/pkg/service"
	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

// Config 保存工作节点的配置信息。
type Config struct {
	// ID 是工作节点的唯一标识符，为空时自动生成。
	ID string `yaml:"id" env:"CL_WORKER_ID"`

	// Labels 是工作节点的键值标签。
	Labels map[string]string `yaml:"labels" env:"CL_WORKER_LABELS"`

	// PoolSize 是子任务执行协程池的大小。
	PoolSize int `yaml:"pool_size" env:"CL_WORKER_POOL_SIZE"`

	// QueueSize 是协程池满时允许排队等待的子任务数。
	QueueSize int `yaml:"queue_size" env:"CL_WORKER_QUEUE_SIZE"`

	// HeartbeatInterval 是心跳间隔，Master 在注册应答中指定时以 Master 为准。
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"CL_WORKER_HEARTBEAT_INTERVAL"`

	// CallTimeout 是调用 Master 的超时时间。
	CallTimeout time.Duration `yaml:"call_timeout" env:"CL_WORKER_CALL_TIMEOUT"`

	// SubTaskTimeout 是请求未携带超时时使用的默认子任务超时。
	SubTaskTimeout time.Duration `yaml:"subtask_timeout" env:"CL_WORKER_SUBTASK_TIMEOUT"`
}

// DefaultConfig 返回默认的工作节点配置。
func DefaultConfig() Config {
	return Config{
		PoolSize:          8,
		QueueSize:         32,
		HeartbeatInterval: 5 * time.Second,
		CallTimeout:       5 * time.Second,
		SubTaskTimeout:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.SubTaskTimeout <= 0 {
		c.SubTaskTimeout = d.SubTaskTimeout
	}
	return c
}

// Files 提供本节点当前的文件快照，用于在状态中上报指纹。
type Files interface {
	Info() filesync.FilesInfo
}

// Worker 实现 service.WorkerService。
type Worker struct {
	config   Config
	handlers *task.Registry
	files    Files
	logger   *zap.Logger

	// 子任务执行
	pool   *ants.Pool
	active atomic.Int32

	// 运行中的子任务，按任务 ID 索引，用于取消
	running map[string]map[int]context.CancelFunc
	runMu   sync.Mutex

	// Master 连接
	master    *rpc.Handle[*service.MasterClient]
	info      types.WorkerInfo
	cron      gocron.Scheduler
	connected atomic.Bool

	// 同步控制
	mu       sync.Mutex
	stopped  atomic.Bool
	stopOnce sync.Once
}

// New 创建工作节点。files 可以为空。
func New(config Config, handlers *task.Registry, files Files) (*Worker, error) {
	config = config.withDefaults()

	opts := []ants.Option{ants.WithPanicHandler(func(p any) {
		logger.Named("worker").Error("subtask pool panic", zap.Any("panic", p))
	})}
	if config.QueueSize == 0 {
		opts = append(opts, ants.WithNonblocking(true))
	} else {
		opts = append(opts, ants.WithMaxBlockingTasks(config.QueueSize))
	}
	pool, err := ants.NewPool(config.PoolSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("创建协程池失败: %w", err)
	}

	return &Worker{
		config:   config,
		handlers: handlers,
		files:    files,
		logger:   logger.Named("worker").With(zap.String("worker_id", config.ID)),
		pool:     pool,
		running:  make(map[string]map[int]context.CancelFunc),
	}, nil
}

// ID 返回工作节点 ID。
func (w *Worker) ID() string {
	return w.config.ID
}

// Connect 向 Master 注册并启动心跳。address 是本节点对外公布的 RPC 地址。
func (w *Worker) Connect(ctx context.Context, pool *rpc.Pool, masterAddr, address string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.connected.Load() {
		return fmt.Errorf("已连接到 Master")
	}

	h, err := rpc.Open(ctx, pool, masterAddr, service.NewMasterClient)
	if err != nil {
		return fmt.Errorf("连接 Master 失败: %w", err)
	}
	w.master = h
	w.info = types.WorkerInfo{
		ID:        w.config.ID,
		Address:   address,
		Transport: pool.Transport().Name(),
		Labels:    w.config.Labels,
	}

	ack, err := w.register(ctx)
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("注册到 Master 失败: %w", err)
	}

	interval := ack.HeartbeatInterval
	if interval <= 0 {
		interval = w.config.HeartbeatInterval
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("创建心跳调度器失败: %w", err)
	}
	if _, err := cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(w.heartbeat),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("heartbeat"),
	); err != nil {
		_ = cron.Shutdown()
		_ = h.Close()
		return fmt.Errorf("启动心跳失败: %w", err)
	}
	cron.Start()
	w.cron = cron
	w.connected.Store(true)

	w.logger.Info("已注册到 Master",
		zap.String("master", masterAddr),
		zap.String("address", address),
		zap.Duration("heartbeat_interval", interval),
	)
	return nil
}

// register 向 Master 注册本节点。
func (w *Worker) register(ctx context.Context) (service.RegisterAck, error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
	defer cancel()
	return w.master.Proxy.Register(ctx, w.info, w.State())
}

// heartbeat 推送当前状态，Master 不认识本节点时重新注册。
func (w *Worker) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.CallTimeout)
	defer cancel()

	err := w.master.Proxy.PushState(ctx, w.config.ID, w.State())
	if err == nil {
		return
	}
	if errors.Is(err, types.ErrUnknownWorker) {
		w.logger.Info("Master 不识别本节点，重新注册")
		if _, err := w.register(context.Background()); err != nil {
			w.logger.Warn("重新注册失败", zap.Error(err))
		}
		return
	}
	w.logger.Warn("心跳失败", zap.Error(err))
}

// State 返回当前工作节点状态。
func (w *Worker) State() types.WorkerState {
	capacity := w.pool.Cap()
	active := int(w.active.Load())
	state := types.WorkerState{
		Capacity:    capacity,
		ActiveTasks: active,
		Health: map[string]string{
			"pool_free":    strconv.Itoa(w.pool.Free()),
			"pool_waiting": strconv.Itoa(w.pool.Waiting()),
		},
		UpdatedAt: time.Now(),
	}
	if capacity > 0 {
		state.Load = float64(active) / float64(capacity) * 100
	}
	if w.files != nil {
		state.FilesFingerprint = w.files.Info().Fingerprint
	}
	return state
}

// ProcSubTask 实现 service.WorkerService。
// 子任务在协程池中执行，并与超时赛跑：超时或取消时中断执行上下文并立即返回，
// 不等待不配合中断的任务代码。
func (w *Worker) ProcSubTask(ctx context.Context, req service.SubTaskRequest, sub any) (any, error) {
	if w.stopped.Load() {
		return nil, types.ErrWorkerStopped
	}
	h, err := w.handlers.GetOrError(req.TaskType)
	if err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = w.config.SubTaskTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.track(req.TaskID, req.Index, cancel)
	defer w.untrack(req.TaskID, req.Index)

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// 提交本身也与截止时间赛跑：队列模式下 Submit 会阻塞，
	// 而占着协程的可能是已超时但不响应中断的子任务。
	submitted := make(chan error, 1)
	logger.SafeGo("worker.submit", func() {
		submitted <- w.pool.Submit(func() {
			// 排队期间已超时或被取消的子任务不再执行
			if runCtx.Err() != nil {
				return
			}
			w.active.Add(1)
			defer w.active.Add(-1)
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("子任务 panic",
						zap.String("task_id", req.TaskID),
						zap.Int("index", req.Index),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()),
					)
					done <- outcome{err: fmt.Errorf("subtask panicked: %v", r)}
				}
			}()
			v, err := h.ProcSubTask(runCtx, sub, timeout)
			done <- outcome{value: v, err: err}
		})
	})

	for {
		select {
		case err := <-submitted:
			switch {
			case errors.Is(err, ants.ErrPoolOverload):
				return nil, types.NewError(types.CodeBusy, "worker %s pool is full", w.config.ID)
			case errors.Is(err, ants.ErrPoolClosed):
				return nil, types.ErrWorkerStopped
			case err != nil:
				return nil, err
			}
			submitted = nil
		case o := <-done:
			return o.value, o.err
		case <-timer.C:
			cancel()
			w.logger.Warn("子任务超时",
				zap.String("task_id", req.TaskID),
				zap.Int("index", req.Index),
				zap.Duration("timeout", timeout),
				zap.Bool("queued", submitted != nil),
			)
			return nil, types.NewError(types.CodeSubTaskTimeout, "subtask %s/%d exceeded %s", req.TaskID, req.Index, timeout)
		case <-runCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, types.NewError(types.CodeTaskCancelled, "task %s cancelled", req.TaskID)
		}
	}
}

// Cancel 实现 service.WorkerService，中断该任务在本节点上运行的所有子任务。
func (w *Worker) Cancel(_ context.Context, taskID string) error {
	w.runMu.Lock()
	subs := w.running[taskID]
	cancels := make([]context.CancelFunc, 0, len(subs))
	for _, c := range subs {
		cancels = append(cancels, c)
	}
	w.runMu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		w.logger.Info("已取消子任务", zap.String("task_id", taskID), zap.Int("count", len(cancels)))
	}
	return nil
}

// Ping 实现 service.WorkerService。
func (w *Worker) Ping(context.Context) (string, error) {
	if w.stopped.Load() {
		return "", types.ErrWorkerStopped
	}
	return w.config.ID, nil
}

func (w *Worker) track(taskID string, index int, cancel context.CancelFunc) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	subs, ok := w.running[taskID]
	if !ok {
		subs = make(map[int]context.CancelFunc)
		w.running[taskID] = subs
	}
	subs[index] = cancel
}

func (w *Worker) untrack(taskID string, index int) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if subs, ok := w.running[taskID]; ok {
		delete(subs, index)
		if len(subs) == 0 {
			delete(w.running, taskID)
		}
	}
}

// Running 返回正在执行的子任务数。
func (w *Worker) Running() int {
	return int(w.active.Load())
}

// Stop 注销节点、停止心跳并关闭协程池。
func (w *Worker) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.stopped.Store(true)

		w.mu.Lock()
		defer w.mu.Unlock()

		if w.cron != nil {
			_ = w.cron.Shutdown()
		}
		if w.connected.Load() {
			callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
			if uerr := w.master.Proxy.Unregister(callCtx, w.config.ID); uerr != nil {
				w.logger.Warn("注销失败", zap.Error(uerr))
			}
			cancel()
			_ = w.master.Close()
			w.connected.Store(false)
		}

		timeout := w.config.CallTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if perr := w.pool.ReleaseTimeout(timeout); perr != nil {
			err = fmt.Errorf("关闭协程池失败: %w", perr)
		}
		w.logger.Info("工作节点已停止")
	})
	return err
}
