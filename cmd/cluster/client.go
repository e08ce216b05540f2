package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"yqhp/cluster/examples/sum"
	"yqhp/cluster/internal/config"
	"yqhp/cluster/internal/node"
	"yqhp/cluster/pkg/client"
	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/rpc"
	"yqhp/cluster/pkg/task"
)

var (
	// submit 命令的 flags
	submitPayloadType string
	submitPayloadFile string
	submitTaskID      string
	submitTimeout     time.Duration
	submitSubTimeout  time.Duration

	// 调用超时，用于 cancel、workers、files 等管理命令
	callTimeout time.Duration
)

// payloadDecoder 保留整数精度，脚本任务收到的数字与提交时一致
var payloadDecoder = sonic.Config{UseInt64: true}.Froze()

// submitCmd 提交任务
var submitCmd = &cobra.Command{
	Use:   "submit <task-type> [payload-json]",
	Short: "提交任务并等待结果",
	Long: `提交任务到 Master 并等待合并后的结果，结果以 JSON 输出。

负载默认按通用 JSON 解析（对象、数组、数字、字符串），适用于脚本任务；
Go 任务需要用 --type 指定已注册的负载类型名。`,
	Example: `  # 提交内置的 sum 任务
  cluster submit sum '{"values":[1,2,3,4]}' --type sum.request

  # 提交脚本任务，负载从文件读取
  cluster submit script:sum --file payload.json --timeout 30s`,
	Args: cobra.RangeArgs(1, 2),
}

// cancelCmd 取消任务
var cancelCmd = &cobra.Command{
	Use:     "cancel <task-id>",
	Short:   "取消正在执行的任务",
	Example: `  cluster cancel 3f1c2e9a-0b7d-4a8e-9d55-1c9f0e6b2a41`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "任务 %s 已取消\n", args[0])
			return nil
		})
	},
}

// workersCmd 查看 Worker 状态
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "查看已注册的 Worker 及其负载",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			states, err := c.WorkerStates(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ids := make([]string, 0, len(states))
			for id := range states {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			fmt.Fprintf(out, "%-24s %8s %8s %8s  %s\n", "ID", "LOAD", "ACTIVE", "CAP", "FILES")
			for _, id := range ids {
				st := states[id]
				fmt.Fprintf(out, "%-24s %7.1f%% %8d %8d  %s\n", id, st.Load, st.ActiveTasks, st.Capacity, shortFingerprint(st.FilesFingerprint))
			}
			fmt.Fprintf(out, "共 %d 个 Worker\n", len(ids))
			return nil
		})
	},
}

func init() {
	// RunE 在 init 中赋值，避免 submitCmd 与 withClient 之间的初始化循环
	submitCmd.RunE = runSubmit
	rootCmd.AddCommand(submitCmd, cancelCmd, workersCmd)

	for _, cmd := range []*cobra.Command{submitCmd, cancelCmd, workersCmd, filesPutCmd, filesRmCmd, filesInfoCmd} {
		addClientFlags(cmd)
	}

	submitCmd.Flags().StringVar(&submitPayloadType, "type", "", "负载类型名，例如 sum.request")
	submitCmd.Flags().StringVarP(&submitPayloadFile, "file", "f", "", "从文件读取负载 JSON")
	submitCmd.Flags().StringVar(&submitTaskID, "id", "", "任务 ID，为空则自动生成")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "任务总超时，0 表示使用 Master 默认值")
	submitCmd.Flags().DurationVar(&submitSubTimeout, "subtask-timeout", 0, "子任务超时，0 表示使用 Master 默认值")
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("master", "localhost:9090", "Master RPC 地址")
	cmd.Flags().String("transport", config.TransportGRPC, "传输层: grpc 或 http")
	if cmd != submitCmd {
		cmd.Flags().DurationVar(&callTimeout, "call-timeout", 30*time.Second, "调用超时")
	}
	bindFlags(cmd, map[string]string{
		"master":    "worker.master_addr",
		"transport": "rpc.transport",
	})
}

// clientTypes 客户端能编解码的值类型，包括内置任务的负载类型
func clientTypes() (*codec.Types, error) {
	types, err := client.NewTypes()
	if err != nil {
		return nil, err
	}
	if err := sum.Register(task.NewRegistry(types)); err != nil {
		return nil, err
	}
	return types, nil
}

// withClient 连接 Master 并执行 fn
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	if cfg.RPC.Transport == config.TransportLocal {
		return fmt.Errorf("客户端命令不支持 local 传输层")
	}
	tr, err := node.NewTransport(cfg.RPC)
	if err != nil {
		return err
	}
	types, err := clientTypes()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cmd != submitCmd && callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	pool := rpc.NewPool(tr, codec.NewJSON(types))
	defer pool.Close()
	c, err := client.New(ctx, pool, cfg.Worker.MasterAddr)
	if err != nil {
		return fmt.Errorf("连接 Master %s 失败: %w", cfg.Worker.MasterAddr, err)
	}
	defer c.Close()
	return fn(ctx, c)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var data []byte
	switch {
	case submitPayloadFile != "":
		b, err := os.ReadFile(submitPayloadFile)
		if err != nil {
			return fmt.Errorf("读取负载文件失败: %w", err)
		}
		data = b
	case len(args) > 1:
		data = []byte(args[1])
	}

	types, err := clientTypes()
	if err != nil {
		return err
	}
	payload, err := decodePayload(types, submitPayloadType, data)
	if err != nil {
		return err
	}

	opts := []client.SubmitOption{client.WithTimeout(submitTimeout), client.WithSubTaskTimeout(submitSubTimeout)}
	if submitTaskID != "" {
		opts = append(opts, client.WithTaskID(submitTaskID))
	}

	return withClient(cmd, func(ctx context.Context, c *client.Client) error {
		call := c.Go(ctx, args[0], payload, opts...)
		if !quiet {
			fmt.Fprintf(cmd.ErrOrStderr(), "任务 ID: %s\n", call.ID)
		}
		<-call.Done
		if call.Err != nil {
			return call.Err
		}
		return printJSON(cmd, call.Result)
	})
}

// decodePayload 把 JSON 解析成 typeName 注册的类型；typeName 为空时解析为通用值
func decodePayload(types *codec.Types, typeName string, data []byte) (any, error) {
	if len(data) == 0 {
		if typeName == "" {
			return nil, nil
		}
		data = []byte("{}")
	}
	if typeName == "" {
		var v any
		if err := payloadDecoder.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("解析负载失败: %w", err)
		}
		return v, nil
	}

	rt, ok := types.TypeOf(typeName)
	if !ok {
		return nil, fmt.Errorf("未注册的负载类型: %s", typeName)
	}
	ptr := reflect.New(rt)
	if err := payloadDecoder.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("按 %s 解析负载失败: %w", typeName, err)
	}
	return ptr.Elem().Interface(), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("编码结果失败: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	if fp == "" {
		return "-"
	}
	return fp
}
