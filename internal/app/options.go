package app

import (
	"go.uber.org/fx"

	"github.com/weisyn/syncnet/pkg/interfaces/config"
	"github.com/weisyn/syncnet/pkg/types"
)

// Option 应用程序选项函数类型
type Option func(*options)

// options 应用程序选项，实现 config.AppOptions 接口
type options struct {
	// 配置文件路径
	configFilePath string

	// 用户配置（优先级高于 configFilePath）
	appConfig *types.AppConfig

	// 是否把 headers/blocks 协议挂到本地存储上
	serveRecords bool

	// 额外的 fx 选项，追加在应用层之后
	extra []fx.Option
}

// 编译时校验options是否实现了config.AppOptions接口
var _ config.AppOptions = (*options)(nil)

// WithConfigFile 设置配置文件路径
func WithConfigFile(configPath string) Option {
	return func(o *options) {
		o.configFilePath = configPath
	}
}

// WithAppConfig 直接使用给定配置，不再读取文件
func WithAppConfig(cfg *types.AppConfig) Option {
	return func(o *options) {
		o.appConfig = cfg
	}
}

// WithoutRecordProtocols 不注册由存储提供数据的协议
func WithoutRecordProtocols() Option {
	return func(o *options) {
		o.serveRecords = false
	}
}

// WithModules 追加 fx 选项，例如注册额外协议或取出依赖
func WithModules(opts ...fx.Option) Option {
	return func(o *options) {
		o.extra = append(o.extra, opts...)
	}
}

// newOptions 创建选项
func newOptions(opts ...Option) *options {
	o := &options{serveRecords: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// GetAppConfig 返回应用程序配置
func (o *options) GetAppConfig() *types.AppConfig {
	return o.appConfig
}
