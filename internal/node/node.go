// Package node 负责组装集群节点：按角色创建传输层、任务注册表、文件管理器，
// 并启动 Master、Worker 及其 RPC 服务。local 角色在单进程内运行一个 Master
// 和若干 Worker，通过进程内传输通信。
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/cluster/api/grpc/transport"
	httptransport "yqhp/cluster/api/http"
	"yqhp/cluster/api/rest"
	"yqhp/cluster/internal/config"
	"yqhp/cluster/internal/control"
	"yqhp/cluster/internal/filesync"
	"yqhp/cluster/internal/master"
	"yqhp/cluster/internal/worker"
	"yqhp/cluster/pkg/client"
	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/logger"
	"yqhp/cluster/pkg/rpc"
	"yqhp/cluster/pkg/script"
	"yqhp/cluster/pkg/service"
	"yqhp/cluster/pkg/task"
)

// TaskRegistrar 向任务注册表添加业务任务，每个注册表都会调用一次
type TaskRegistrar func(reg *task.Registry) error

// Option 节点选项
type Option func(*Node)

// WithTasks 注册业务任务
func WithTasks(fns ...TaskRegistrar) Option {
	return func(n *Node) { n.registrars = append(n.registrars, fns...) }
}

// WithTransport 使用指定的传输层，替代配置中的 rpc.transport
func WithTransport(t rpc.Transport) Option {
	return func(n *Node) { n.transport = t }
}

// WithLocalWorkers 设置 local 角色启动的 Worker 数量
func WithLocalWorkers(count int) Option {
	return func(n *Node) { n.localWorkers = count }
}

// NewTransport 按配置创建传输层
func NewTransport(cfg config.RPCConfig) (rpc.Transport, error) {
	switch cfg.Transport {
	case config.TransportGRPC:
		return transport.New(cfg.GRPCClient(), cfg.GRPCServer()), nil
	case config.TransportHTTP:
		return httptransport.New(cfg.HTTP()), nil
	case config.TransportLocal:
		return rpc.NewLocalTransport(), nil
	default:
		return nil, fmt.Errorf("未知的传输层: %s", cfg.Transport)
	}
}

// Node 一个运行中的集群节点
type Node struct {
	role         config.Role
	cfg          *config.Config
	transport    rpc.Transport
	registrars   []TaskRegistrar
	localWorkers int
	logger       *zap.Logger

	master     *master.Master
	masterAddr string
	workers    []*worker.Worker

	rest    *rest.Server
	group   *errgroup.Group
	mu      sync.Mutex
	closers []func(ctx context.Context) error
	stopped bool
}

// New 创建节点，配置按角色校验
func New(cfg *config.Config, role config.Role, opts ...Option) (*Node, error) {
	n := &Node{
		role:         role,
		cfg:          cfg,
		localWorkers: 2,
		logger:       logger.Named("node"),
		group:        &errgroup.Group{},
	}
	for _, opt := range opts {
		opt(n)
	}

	if role == config.RoleLocal && n.transport == nil {
		n.transport = rpc.NewLocalTransport()
	}
	if n.transport == nil {
		t, err := NewTransport(cfg.RPC)
		if err != nil {
			return nil, err
		}
		n.transport = t
	}

	checked := *cfg
	if role == config.RoleLocal {
		checked.RPC.Transport = config.TransportLocal
	}
	if err := checked.Validate(role); err != nil {
		return nil, err
	}
	return n, nil
}

// stack 一组节点本地组件：文件管理器、任务注册表和序列化器
type stack struct {
	files      *filesync.Manager
	handlers   *task.Registry
	serializer codec.Serializer
}

func (n *Node) newStack(root string) (*stack, error) {
	files, err := filesync.NewManager(filesync.Config{Root: root, Platform: n.cfg.Files.Platform})
	if err != nil {
		return nil, err
	}
	n.onStop(func(context.Context) error { return files.Close() })

	valueTypes, err := client.NewTypes()
	if err != nil {
		return nil, err
	}
	handlers := task.NewRegistry(valueTypes)
	script.Register(handlers, files)
	for _, register := range n.registrars {
		if err := register(handlers); err != nil {
			return nil, fmt.Errorf("注册任务失败: %w", err)
		}
	}
	return &stack{files: files, handlers: handlers, serializer: codec.NewJSON(valueTypes)}, nil
}

// Start 按角色启动节点
func (n *Node) Start(ctx context.Context) error {
	var err error
	switch n.role {
	case config.RoleMaster:
		err = n.startMaster(ctx, n.cfg.Files.Root, n.cfg.RPC.Listen)
	case config.RoleWorker:
		err = n.startWorker(ctx, n.cfg.Worker.Config, n.cfg.Files.Root, n.cfg.RPC.Listen, n.cfg.Worker.MasterAddr)
	case config.RoleLocal:
		err = n.startLocal(ctx)
	default:
		err = fmt.Errorf("未知的节点角色: %s", n.role)
	}
	if err != nil {
		_ = n.Stop(context.Background())
		return err
	}
	n.logger.Info("node started", zap.String("role", string(n.role)), zap.String("transport", n.transport.Name()))
	return nil
}

func (n *Node) startLocal(ctx context.Context) error {
	if err := n.startMaster(ctx, filepath.Join(n.cfg.Files.Root, "master"), ""); err != nil {
		return err
	}
	for i := 1; i <= n.localWorkers; i++ {
		wc := n.cfg.Worker.Config
		if wc.ID == "" {
			wc.ID = fmt.Sprintf("local-worker-%d", i)
		} else {
			wc.ID = fmt.Sprintf("%s-%d", wc.ID, i)
		}
		root := filepath.Join(n.cfg.Files.Root, wc.ID)
		if err := n.startWorker(ctx, wc, root, "", n.masterAddr); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) startMaster(ctx context.Context, root, listen string) error {
	st, err := n.newStack(root)
	if err != nil {
		return err
	}

	pool := rpc.NewPool(n.transport, st.serializer, rpc.WithClientResolver(st.files))
	n.onStop(func(context.Context) error { return pool.Close() })

	m := master.New(n.cfg.Master, st.handlers, pool)
	if err := control.Register(st.handlers, control.Deps{Canceller: m, Files: st.files, Directory: m}); err != nil {
		return err
	}

	d := rpc.NewDispatcher(st.serializer, rpc.WithResolver(st.files))
	service.BindMaster(d, m)
	addr, err := n.serve(listen, d)
	if err != nil {
		return err
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	n.onStop(m.Stop)
	n.master = m
	n.masterAddr = addr

	if n.cfg.REST.Address != "" {
		n.startREST(m, st.files)
	}
	return nil
}

func (n *Node) startREST(m *master.Master, files *filesync.Manager) {
	n.rest = rest.NewServer(m, files, &rest.Config{
		Address:      n.cfg.REST.Address,
		ReadTimeout:  n.cfg.REST.ReadTimeout,
		WriteTimeout: n.cfg.REST.WriteTimeout,
		AccessLog:    logger.ParseLevel(n.cfg.Logging.Level) <= zap.DebugLevel,
	})
	server := n.rest
	n.group.Go(server.Start)
	n.onStop(func(context.Context) error { return server.ShutdownWithTimeout(10 * time.Second) })
}

func (n *Node) startWorker(ctx context.Context, wc worker.Config, root, listen, masterAddr string) error {
	st, err := n.newStack(root)
	if err != nil {
		return err
	}

	w, err := worker.New(wc, st.handlers, st.files)
	if err != nil {
		return err
	}
	if err := control.Register(st.handlers, control.Deps{Files: st.files}); err != nil {
		return err
	}

	d := rpc.NewDispatcher(st.serializer, rpc.WithResolver(st.files))
	service.BindWorker(d, w)
	addr, err := n.serve(listen, d)
	if err != nil {
		return err
	}

	pool := rpc.NewPool(n.transport, st.serializer, rpc.WithClientResolver(st.files))
	n.onStop(func(context.Context) error { return pool.Close() })
	if err := w.Connect(ctx, pool, masterAddr, addr); err != nil {
		return fmt.Errorf("连接 Master %s 失败: %w", masterAddr, err)
	}
	n.onStop(w.Stop)
	n.workers = append(n.workers, w)
	return nil
}

// serve 监听并在后台服务，返回对端可拨号的地址
func (n *Node) serve(listen string, endpoint rpc.Endpoint) (string, error) {
	srv, err := n.transport.Listen(listen, endpoint)
	if err != nil {
		return "", err
	}
	n.group.Go(srv.Serve)
	n.onStop(srv.Shutdown)

	addr := srv.Addr()
	if n.cfg.RPC.Advertise != "" && n.role != config.RoleLocal {
		addr = n.cfg.RPC.Advertise
	}
	n.logger.Info("rpc endpoint listening", zap.String("address", srv.Addr()), zap.String("advertise", addr))
	return addr, nil
}

func (n *Node) onStop(fn func(ctx context.Context) error) {
	n.mu.Lock()
	n.closers = append(n.closers, fn)
	n.mu.Unlock()
}

// Wait 阻塞直到某个服务异常退出或节点停止
func (n *Node) Wait() error {
	return n.group.Wait()
}

// Stop 按启动的逆序停止所有组件
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	closers := n.closers
	n.mu.Unlock()

	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
	}
	n.logger.Info("node stopped", zap.String("role", string(n.role)))
	return result.ErrorOrNil()
}

// Master 返回节点上的 Master，Worker 角色返回 nil
func (n *Node) Master() *master.Master { return n.master }

// MasterAddr 返回 Master 的 RPC 地址
func (n *Node) MasterAddr() string { return n.masterAddr }

// Workers 返回节点上的 Worker
func (n *Node) Workers() []*worker.Worker { return n.workers }

// Transport 返回节点使用的传输层
func (n *Node) Transport() rpc.Transport { return n.transport }
