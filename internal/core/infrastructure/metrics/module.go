package metrics

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/weisyn/syncnet/pkg/interfaces/config"
)

// ModuleParams 指标模块依赖
type ModuleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Provider  config.Provider
	Logger    *zap.Logger `optional:"true"`
}

// Module 返回指标模块
func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(ProvideDoctor),
	)
}

// ProvideDoctor 创建采样器；启用时启动即采样一次，随后进入采样循环
// 采样循环使用独立 ctx，OnStart 的 ctx 在钩子返回后即失效
func ProvideDoctor(params ModuleParams) *Doctor {
	opts := params.Provider.GetMetrics()

	var logger *zap.Logger
	if params.Logger != nil {
		logger = params.Logger.With(zap.String("module", "metrics"))
	}
	d := NewDoctor(*opts, logger)
	if !opts.Enabled {
		return d
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.SampleOnce()
			go func() {
				defer close(done)
				d.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
	return d
}
