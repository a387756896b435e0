// Package syncnet 提供同步协议引擎的 fx 模块
package syncnet

import (
	"context"

	evbus "github.com/asaskevich/EventBus"
	lphost "github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/fx"

	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/facade"
	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
	syncIface "github.com/weisyn/syncnet/pkg/interfaces/syncnet"
)

// ModuleParams 引擎模块依赖
type ModuleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Host      lphost.Host
	Config    *syncconfig.Config
	Logger    log.Logger
	Bus       evbus.Bus `optional:"true"`
}

// ModuleOutput 引擎模块输出
type ModuleOutput struct {
	fx.Out

	Engine     syncIface.Engine
	EngineImpl *facade.Engine
}

// Module 返回同步引擎模块
func Module() fx.Option {
	return fx.Module("syncnet",
		fx.Provide(ProvideEngine),
	)
}

// ProvideEngine 基于 host 创建引擎，并随应用启动与停止
func ProvideEngine(params ModuleParams) ModuleOutput {
	logger := params.Logger.With("module", "syncnet")
	tr := transport.NewLibp2p(params.Host, logger.With("component", "transport"))
	engine := facade.New(params.Config, tr, params.Bus, logger)

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return engine.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("正在停止同步引擎...")
			return engine.Shutdown(ctx)
		},
	})
	return ModuleOutput{Engine: engine, EngineImpl: engine}
}
