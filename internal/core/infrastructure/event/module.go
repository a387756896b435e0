package event

import (
	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/fx"

	"github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
)

// ModuleInput 事件模块输入依赖
type ModuleInput struct {
	fx.In

	Logger    log.Logger `optional:"true"` // 日志记录器（可选）
	Lifecycle fx.Lifecycle
}

// ModuleOutput 事件模块输出服务
type ModuleOutput struct {
	fx.Out

	Bus      evbus.Bus
	EventBus *EventBus
}

// Module 返回事件模块
func Module() fx.Option {
	return fx.Module("event",
		fx.Provide(ProvideServices),
	)
}

// ProvideServices 创建事件总线，应用停止时等待异步订阅方
func ProvideServices(input ModuleInput) ModuleOutput {
	var logger log.Logger
	if input.Logger != nil {
		logger = input.Logger.With("module", "event")
	}
	bus := New(logger)
	input.Lifecycle.Append(fx.StopHook(bus.Close))
	if logger != nil {
		logger.Info("事件总线已初始化")
	}
	return ModuleOutput{Bus: bus, EventBus: bus}
}
