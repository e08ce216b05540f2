package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"yqhp/cluster/internal/config"
	"yqhp/cluster/internal/node"
)

var (
	// local 命令的 flags
	localWorkers int
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理 Master 节点",
	Long:  `Master 节点负责任务拆分、子任务分发、结果合并和文件分发。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Master 节点",
	Long: `启动 Master 节点，开始接受 Worker 注册和任务提交。

Master 节点负责：
  - 管理 Worker 注册、心跳和失联剔除
  - 拆分任务并把子任务分发到负载最低的 Worker
  - 合并子结果，处理超时和取消
  - 向所有 Worker 分发文件
  - 提供 REST 管理接口`,
	Example: `  # 使用默认配置启动
  cluster master start

  # 指定监听地址和传输层
  cluster master start --listen :9090 --transport http

  # 使用配置文件
  cluster master start --config cluster.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd, config.RoleMaster)
	},
}

// workerCmd 是 worker 子命令
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "管理 Worker 节点",
	Long:  `Worker 节点在有界协程池中执行 Master 分发的子任务。`,
}

// workerStartCmd 是 worker start 子命令
var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Worker 节点",
	Long: `启动 Worker 节点，向 Master 注册并定期上报负载。

Worker 被 Master 剔除后会在下一次心跳时自动重新注册。`,
	Example: `  # 连接本机 Master
  cluster worker start --master localhost:9090 --listen :9091

  # 指定节点 ID 和协程池大小
  cluster worker start --master 10.0.0.1:9090 --id worker-1 --pool-size 16`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd, config.RoleWorker)
	},
}

// localCmd 在单进程中运行 Master 和 Worker
var localCmd = &cobra.Command{
	Use:   "local",
	Short: "单进程运行 Master 和若干 Worker",
	Long:  `在一个进程内启动 Master 和若干 Worker，节点之间通过进程内传输通信，适合开发调试。`,
	Example: `  cluster local --workers 4 --rest :8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd, config.RoleLocal, node.WithLocalWorkers(localWorkers))
	},
}

func init() {
	rootCmd.AddCommand(masterCmd, workerCmd, localCmd)
	masterCmd.AddCommand(masterStartCmd)
	workerCmd.AddCommand(workerStartCmd)

	masterStartCmd.Flags().String("listen", ":9090", "RPC 监听地址")
	masterStartCmd.Flags().String("advertise", "", "对外公布的 RPC 地址")
	masterStartCmd.Flags().String("transport", config.TransportGRPC, "传输层: grpc 或 http")
	masterStartCmd.Flags().String("rest", ":8080", "REST 管理接口地址，为空则不启动")
	masterStartCmd.Flags().Int("max-executions", 100, "最大并发执行数")
	bindFlags(masterStartCmd, map[string]string{
		"listen":         "rpc.listen",
		"advertise":      "rpc.advertise",
		"transport":      "rpc.transport",
		"rest":           "rest.address",
		"max-executions": "master.max_executions",
	})

	workerStartCmd.Flags().String("master", "localhost:9090", "Master RPC 地址")
	workerStartCmd.Flags().String("listen", ":9091", "RPC 监听地址")
	workerStartCmd.Flags().String("advertise", "", "对外公布的 RPC 地址")
	workerStartCmd.Flags().String("transport", config.TransportGRPC, "传输层: grpc 或 http")
	workerStartCmd.Flags().String("id", "", "Worker ID，为空则自动生成")
	workerStartCmd.Flags().Int("pool-size", 8, "子任务协程池大小")
	bindFlags(workerStartCmd, map[string]string{
		"master":    "worker.master_addr",
		"listen":    "rpc.listen",
		"advertise": "rpc.advertise",
		"transport": "rpc.transport",
		"id":        "worker.id",
		"pool-size": "worker.pool_size",
	})

	localCmd.Flags().IntVar(&localWorkers, "workers", 2, "Worker 数量")
	localCmd.Flags().String("rest", "", "REST 管理接口地址，为空则不启动")
	bindFlags(localCmd, map[string]string{
		"rest": "rest.address",
	})
}

// runNode 启动节点并等待退出信号，随后优雅关闭
func runNode(cmd *cobra.Command, role config.Role, opts ...node.Option) error {
	if role == config.RoleLocal && !cmd.Flags().Changed("rest") {
		cfg.REST.Address = ""
	}

	n, err := node.New(cfg, role, append(opts, builtinTasks())...)
	if err != nil {
		return fmt.Errorf("配置无效: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := cmd.OutOrStdout()
	if !quiet {
		fmt.Fprintf(out, Banner, Version)
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  正在启动 %s 节点...\n", role)
		fmt.Fprintf(out, "  传输层: %s\n", n.Transport().Name())
		fmt.Fprintf(out, "  文件目录: %s\n", cfg.Files.Root)
		fmt.Fprintln(out)
	}

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("启动节点失败: %w", err)
	}

	if !quiet {
		if n.MasterAddr() != "" {
			fmt.Fprintf(out, "  Master 地址: %s\n", n.MasterAddr())
		}
		if cfg.REST.Address != "" && n.Master() != nil {
			fmt.Fprintf(out, "  REST 地址: %s\n", cfg.REST.Address)
		}
		fmt.Fprintln(out, "节点启动成功。按 Ctrl+C 停止。")
	}

	// 处理关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	failed := make(chan error, 1)
	go func() { failed <- n.Wait() }()

	var runErr error
	select {
	case <-sigCh:
		fmt.Fprintln(out, "\n正在关闭节点...")
	case runErr = <-failed:
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := n.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("停止节点失败: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("服务异常退出: %w", runErr)
	}

	if !quiet {
		fmt.Fprintln(out, "节点已停止。")
	}
	return nil
}
