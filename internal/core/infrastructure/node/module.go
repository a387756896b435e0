// Package node 提供 libp2p Host 的 fx 模块
package node

import (
	"context"

	lphost "github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/fx"

	hostpkg "github.com/weisyn/syncnet/internal/core/infrastructure/node/impl/host"
	cfgprovider "github.com/weisyn/syncnet/pkg/interfaces/config"
	logiface "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
)

// ModuleParams 节点模块依赖
type ModuleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Provider  cfgprovider.Provider
	Logger    logiface.Logger `optional:"true"`
}

// ModuleOutput 节点模块输出
type ModuleOutput struct {
	fx.Out

	HostRuntime *hostpkg.Runtime
	Host        lphost.Host
}

// ProvideServices 创建并立即启动 host
// 同步引擎在构造时就需要 host，因此监听失败在依赖注入阶段即终止启动
func ProvideServices(p ModuleParams) (ModuleOutput, error) {
	var logger logiface.Logger
	if p.Logger != nil {
		logger = p.Logger.With("module", "node")
	}
	rt := hostpkg.NewRuntime(p.Provider.GetNode(), logger)
	if err := rt.Start(context.Background()); err != nil {
		return ModuleOutput{}, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rt.Stop(ctx)
		},
	})
	return ModuleOutput{HostRuntime: rt, Host: rt.Host()}, nil
}

// Module 返回节点模块
func Module() fx.Option {
	return fx.Module("node",
		fx.Provide(ProvideServices),
	)
}
