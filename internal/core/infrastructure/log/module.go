package log

import (
	"fmt"

	logconfig "github.com/weisyn/syncnet/internal/config/log"
	"github.com/weisyn/syncnet/pkg/interfaces/config"
	logInterface "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ModuleParams 定义日志模块的依赖参数
type ModuleParams struct {
	fx.In

	Provider config.Provider
}

// ModuleOutput 定义日志模块的输出结构
type ModuleOutput struct {
	fx.Out

	Logger    logInterface.Logger
	ZapLogger *zap.Logger
}

// Module 返回日志模块
func Module() fx.Option {
	return fx.Module("log",
		fx.Provide(ProvideServices),
		fx.Invoke(func(lc fx.Lifecycle, logger logInterface.Logger) {
			lc.Append(fx.StopHook(func() {
				_ = logger.Sync()
			}))
		}),
	)
}

// ProvideServices 根据配置初始化日志记录器，并替换 init() 时创建的全局记录器
func ProvideServices(params ModuleParams) (ModuleOutput, error) {
	logger, err := New(logconfig.NewFromProvider(params.Provider))
	if err != nil {
		return ModuleOutput{}, fmt.Errorf("根据用户配置创建日志记录器失败: %w", err)
	}
	SetLogger(logger)

	return ModuleOutput{
		Logger:    logger,
		ZapLogger: logger.GetZapLogger(),
	}, nil
}

// NewModuleLogger 创建带 module 字段的 logger
func NewModuleLogger(baseLogger logInterface.Logger, module string) logInterface.Logger {
	if baseLogger == nil {
		return NewNop().With("module", module)
	}
	return baseLogger.With("module", module)
}
