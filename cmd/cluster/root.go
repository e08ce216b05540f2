package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"yqhp/cluster/examples/sum"
	"yqhp/cluster/internal/config"
	"yqhp/cluster/internal/node"
	"yqhp/cluster/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
     _____ __           __
    / ___// /_  _______/ /____  _____   Cluster %s
   / /__ / / / / / ___/ __/ _ \/ ___/
  / /__// / /_/ (__  ) /_/  __/ /
  \___//_/\__,_/____/\__/\___/_/
`
)

var (
	// 全局配置
	cfgFile   string
	debug     bool
	quiet     bool
	overrides []string

	// cfg 是 PersistentPreRunE 加载的配置
	cfg *config.Config
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "cluster",
	Short: "分布式 fork/join 计算集群",
	Long: `cluster 是一个分布式 fork/join 计算集群。

Master 把任务拆分成子任务分发到 Worker 并行执行，再把子结果合并成最终结果；
代码和数据文件由 Master 分发到所有节点，脚本任务更新后无需重启即可生效。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = c
		logger.Init(&cfg.Logging)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")
	rootCmd.PersistentFlags().StringArrayVar(&overrides, "set", nil, "覆盖配置项，格式 path=value，例如 --set worker.pool_size=16")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cluster version %s\n", Version)
	},
}

// flagPaths 命令行参数与配置路径的对应关系，按命令注册
var flagPaths = map[*cobra.Command]map[string]string{}

func bindFlags(cmd *cobra.Command, paths map[string]string) {
	flagPaths[cmd] = paths
}

// loadConfig 按 默认值 < 配置文件 < 环境变量 < --set < 命令参数 加载配置
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	args := make(map[string]string)
	for _, kv := range overrides {
		path, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("无效的 --set 参数 %q，格式应为 path=value", kv)
		}
		args[strings.TrimSpace(path)] = value
	}
	for flag, path := range flagPaths[cmd] {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			args[path] = f.Value.String()
		}
	}
	if debug {
		args["logging.level"] = "debug"
	} else if quiet {
		args["logging.level"] = "error"
	}

	c, err := config.NewLoader().WithConfigPath(cfgFile).WithCmdArgs(args).Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return c, nil
}

// builtinTasks 所有节点默认注册的内置任务
func builtinTasks() node.Option {
	return node.WithTasks(sum.Register)
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}
