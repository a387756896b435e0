// Package config 提供应用配置管理功能
package config

import (
	"go.uber.org/fx"

	nodeconfig "github.com/weisyn/syncnet/internal/config/node"
	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/pkg/interfaces/config"
	"github.com/weisyn/syncnet/pkg/types"
)

// ConfigParams 定义配置模块的依赖参数
type ConfigParams struct {
	fx.In

	// 应用配置选项
	AppOptions config.AppOptions `optional:"true"`
}

// ConfigOutput 定义配置模块的输出结构
type ConfigOutput struct {
	fx.Out

	// 配置提供者
	Provider config.Provider
}

// Module 返回配置模块
func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(
			ProvideConfigServices,
			// 提供具体的配置类型用于依赖注入
			func(provider config.Provider) *nodeconfig.NodeOptions {
				return provider.GetNode()
			},
			func(provider config.Provider) *syncconfig.Config {
				return provider.GetSync()
			},
		),
	)
}

// ProvideConfigServices 提供配置服务
func ProvideConfigServices(params ConfigParams) (ConfigOutput, error) {
	var appConfig *types.AppConfig
	if params.AppOptions != nil {
		appConfig = params.AppOptions.GetAppConfig()
	}

	provider, err := NewProvider(appConfig)
	if err != nil {
		return ConfigOutput{}, err
	}
	return ConfigOutput{Provider: provider}, nil
}
