package main

import (
	"github.com/spf13/cobra"

	"github.com/weisyn/syncnet/internal/app"
)

var runFlags struct {
	configPath string
}

// runCmd 运行完整节点
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "运行同步节点",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Start(app.WithConfigFile(runFlags.configPath))
		if err != nil {
			return err
		}
		cmd.Printf("节点已启动 peer=%s\n", a.Engine().LocalPeer())
		return a.Wait(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.configPath, "config", "c", "", "配置文件路径（默认读取 SYNCNET_CONFIG_PATH）")
}
