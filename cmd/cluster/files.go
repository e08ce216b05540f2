package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"yqhp/cluster/internal/control"
	"yqhp/cluster/pkg/client"
	"yqhp/cluster/pkg/types"
)

var filesPutName string

// filesCmd 是 files 子命令
var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "管理集群文件",
	Long: `管理 Master 和所有 Worker 上的文件。

文件分为两个分区：
  core  核心文件，写入待生效目录，节点重启后生效
  user  用户文件（脚本模块和数据），立即热更新到运行中的代码镜像`,
}

var filesPutCmd = &cobra.Command{
	Use:   "put <core|user> <path>",
	Short: "上传或替换文件",
	Example: `  # 上传脚本模块，随后可以提交 script:sum 任务
  cluster files put user examples/sum/sum.js

  # 以其他文件名上传
  cluster files put user ./build/v2.js --name sum.js`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseFileKind(args[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("读取文件失败: %w", err)
		}
		name := filesPutName
		if name == "" {
			name = filepath.Base(args[1])
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			report, err := c.PutFile(ctx, kind, name, data)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		})
	},
}

var filesRmCmd = &cobra.Command{
	Use:     "rm <core|user> <name>",
	Short:   "删除文件",
	Example: `  cluster files rm user sum.js`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseFileKind(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			report, err := c.RemoveFile(ctx, kind, args[1])
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		})
	},
}

var filesInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "查看文件指纹和各 Worker 的同步情况",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			status, err := c.FilesInfo(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd, status)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(filesPutCmd, filesRmCmd, filesInfoCmd)

	filesPutCmd.Flags().StringVar(&filesPutName, "name", "", "目标文件名，默认使用本地文件名")
}

func parseFileKind(s string) (types.FileKind, error) {
	kind := types.FileKind(strings.ToLower(s))
	if !kind.Valid() {
		return "", fmt.Errorf("未知的文件分区 %q，应为 core 或 user", s)
	}
	return kind, nil
}

func printReport(cmd *cobra.Command, report control.FileUpdateReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "指纹: %s\n", report.Fingerprint)
	fmt.Fprintf(out, "已应用: %s\n", joinOrDash(report.Applied))
	if len(report.Failed) > 0 {
		fmt.Fprintf(out, "失败: %s\n", strings.Join(report.Failed, ", "))
	}
}

func printStatus(cmd *cobra.Command, status control.FilesStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Master 指纹: %s\n", status.Master.Fingerprint)
	for _, part := range []struct {
		kind  types.FileKind
		files map[string]string
	}{
		{types.FileKindCore, status.Master.Core},
		{types.FileKindUser, status.Master.User},
	} {
		names := make([]string, 0, len(part.files))
		for name := range part.files {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(out, "\n[%s] %d 个文件\n", part.kind, len(names))
		for _, name := range names {
			fmt.Fprintf(out, "  %-32s %s\n", name, shortFingerprint(part.files[name]))
		}
	}

	fmt.Fprintln(out)
	if status.Converged {
		fmt.Fprintf(out, "所有 %d 个 Worker 已同步\n", len(status.Workers))
	} else {
		fmt.Fprintf(out, "未同步的 Worker: %s\n", strings.Join(status.Lagging, ", "))
	}
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
