package http

import (
	"context"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/weisyn/syncnet/internal/api/websocket"
	"github.com/weisyn/syncnet/internal/core/infrastructure/metrics"
	hostpkg "github.com/weisyn/syncnet/internal/core/infrastructure/node/impl/host"
	"github.com/weisyn/syncnet/internal/core/syncnet/facade"
	"github.com/weisyn/syncnet/pkg/interfaces/config"
	"github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
)

// ModuleParams 管理接口依赖
type ModuleParams struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Provider    config.Provider
	Logger      log.Logger
	Engine      *facade.Engine
	HostRuntime *hostpkg.Runtime `optional:"true"`
	Doctor      *metrics.Doctor  `optional:"true"`
	Bus         evbus.Bus        `optional:"true"`
}

// Module 返回管理接口模块；配置关闭时不创建服务器
func Module() fx.Option {
	return fx.Module("api",
		fx.Provide(ProvideServer),
		fx.Invoke(func(*Server) {}),
	)
}

// ProvideServer 创建管理接口服务器，随应用启停
func ProvideServer(p ModuleParams) *Server {
	opts := p.Provider.GetAPI()
	if !opts.Enabled {
		return nil
	}
	logger := p.Logger.With("module", "api")

	deps := Deps{Engine: p.Engine}
	if p.HostRuntime != nil {
		deps.Node = p.HostRuntime
	}
	if p.Doctor != nil {
		deps.Runtime = p.Doctor
	}
	if p.Bus != nil {
		deps.Events = websocket.NewHub(p.Bus, logger.GetZapLogger().With(zap.String("component", "events")))
	}

	s := NewServer(opts, deps, logger)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return s.Start() },
		OnStop:  s.Stop,
	})
	return s
}
