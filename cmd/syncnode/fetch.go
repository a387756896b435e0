package main

import (
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/weisyn/syncnet/internal/app"
	config "github.com/weisyn/syncnet/internal/config"
	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/pkg/types"
)

var fetchFlags struct {
	configPath string
	listen     string
	peer       string
	protocol   string
	start      uint64
	limit      uint64
	step       uint64
	backward   bool
}

// fetchCmd 单次范围查询
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "向节点发起一次范围查询",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := transport.ParseAddrInfo(fetchFlags.peer)
		if err != nil {
			return errors.Wrap(err, "--peer 需要包含 /p2p/<id> 的 multiaddr")
		}
		cfg, err := fetchConfig()
		if err != nil {
			return err
		}

		a, err := app.Start(app.WithAppConfig(cfg), app.WithoutRecordProtocols())
		if err != nil {
			return err
		}
		defer func() { _ = a.Stop() }()

		ctx := cmd.Context()
		engine := a.Engine()
		if err := engine.Connect(ctx, *info); err != nil {
			return errors.Wrapf(err, "connect %s", info.ID)
		}

		direction := types.DirectionForward
		if fetchFlags.backward {
			direction = types.DirectionBackward
		}
		results, err := engine.Issue(ctx, types.Query{
			Protocol: types.ProtocolName(fetchFlags.protocol),
			Range: types.RangeFilter{
				Start:     fetchFlags.start,
				Limit:     fetchFlags.limit,
				Step:      fetchFlags.step,
				Direction: direction,
			},
			Peers: []peer.ID{info.ID},
		})
		if err != nil {
			return err
		}
		defer func() { _ = results.Close() }()

		out := cmd.OutOrStdout()
		for item, err := range results.All(ctx) {
			if err != nil {
				return errors.Wrapf(err, "received %d records", results.Delivered())
			}
			fmt.Fprintln(out, hex.EncodeToString(item.Data))
		}
		return nil
	},
}

// fetchConfig 读取可选配置文件，并强制使用临时监听地址与临时身份，关闭管理接口
func fetchConfig() (*types.AppConfig, error) {
	cfg := &types.AppConfig{}
	if fetchFlags.configPath != "" {
		loaded, err := config.LoadFile(fetchFlags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg.Node == nil {
		cfg.Node = &types.UserNodeConfig{}
	}
	cfg.Node.ListenAddresses = []string{fetchFlags.listen}
	// 使用临时身份，避免与同一配置运行中的节点冲突
	cfg.Node.PrivateKey = nil
	cfg.Node.KeyFile = nil
	inMemory := true
	cfg.Storage = &types.UserStorageConfig{InMemory: &inMemory}
	disabled := false
	cfg.API = &types.UserAPIConfig{Enabled: &disabled}
	cfg.Metrics = &types.UserMetricsConfig{Enabled: &disabled}
	if cfg.Log == nil {
		level := "warn"
		cfg.Log = &types.UserLogConfig{Level: &level}
	}
	return cfg, nil
}

func init() {
	f := fetchCmd.Flags()
	f.StringVarP(&fetchFlags.configPath, "config", "c", "", "配置文件路径（可选）")
	f.StringVar(&fetchFlags.listen, "listen", "/ip4/0.0.0.0/tcp/0", "本地监听地址")
	f.StringVar(&fetchFlags.peer, "peer", "", "目标节点 multiaddr，如 /ip4/127.0.0.1/tcp/4001/p2p/<id>")
	f.StringVar(&fetchFlags.protocol, "protocol", "/syncnet/headers/1", "协议名称")
	f.Uint64Var(&fetchFlags.start, "start", 0, "起始高度")
	f.Uint64Var(&fetchFlags.limit, "limit", 100, "最多返回的记录数")
	f.Uint64Var(&fetchFlags.step, "step", 1, "步长")
	f.BoolVar(&fetchFlags.backward, "backward", false, "从起始高度向下遍历")
	_ = fetchCmd.MarkFlagRequired("peer")
}
