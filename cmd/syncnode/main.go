// syncnode 同步协议节点：运行节点、单次拉取与吞吐压测
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weisyn/syncnet/internal/app/version"
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "syncnode",
	Short: "P2P 范围同步节点",
	Long: `syncnode 基于 libp2p 的范围同步节点

子命令:
  run     运行节点，以本地存储应答 headers/blocks 请求
  fetch   向指定节点发起一次范围查询，结果按十六进制逐行输出
  bench   两个节点之间的流式传输压测`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.GetBuildInfo())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
