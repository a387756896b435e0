package app

import (
	"context"
	"time"

	lphost "github.com/libp2p/go-libp2p/core/host"
	"github.com/pkg/errors"
	"go.uber.org/fx"

	apihttp "github.com/weisyn/syncnet/internal/api/http"
	config "github.com/weisyn/syncnet/internal/config"
	"github.com/weisyn/syncnet/internal/core/infrastructure/event"
	log "github.com/weisyn/syncnet/internal/core/infrastructure/log"
	"github.com/weisyn/syncnet/internal/core/infrastructure/metrics"
	"github.com/weisyn/syncnet/internal/core/infrastructure/node"
	"github.com/weisyn/syncnet/internal/core/infrastructure/storage"
	"github.com/weisyn/syncnet/internal/core/infrastructure/storage/badger"
	"github.com/weisyn/syncnet/internal/core/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/facade"
	"github.com/weisyn/syncnet/pkg/constants/protocols"
	cfgiface "github.com/weisyn/syncnet/pkg/interfaces/config"
	logiface "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
)

// startTimeout 启动应用的超时
const startTimeout = 60 * time.Second

// Bootstrap 应用引导程序
type Bootstrap struct {
	opts   *options
	fxApp  *fx.App
	engine *facade.Engine
	host   lphost.Host
}

// NewBootstrap 创建引导程序
func NewBootstrap(opts *options) *Bootstrap {
	return &Bootstrap{opts: opts}
}

// SetupInfrastructureLayer 设置基础设施层模块
func (b *Bootstrap) SetupInfrastructureLayer() []fx.Option {
	return []fx.Option{
		fx.Provide(func() cfgiface.AppOptions { return b.opts }),
		config.Module(),  // 1. 配置(不依赖其他)
		log.Module(),     // 2. 日志(依赖配置)
		event.Module(),   // 3. 事件总线(依赖日志)
		metrics.Module(), // 4. 运行时采样(依赖配置/日志)
	}
}

// SetupCommunicationLayer 设置通信与数据层模块
func (b *Bootstrap) SetupCommunicationLayer() []fx.Option {
	modules := []fx.Option{
		node.Module(),    // libp2p host
		syncnet.Module(), // 同步引擎(依赖 host/配置/事件总线)
	}
	if b.opts.serveRecords {
		modules = append(modules, storage.Module())
	}
	return modules
}

// SetupApplicationLayer 设置应用层模块
func (b *Bootstrap) SetupApplicationLayer() []fx.Option {
	var modules []fx.Option
	if b.opts.serveRecords {
		modules = append(modules, fx.Invoke(registerRecordProtocols))
	}
	// 管理接口在引擎之后构造，停止时先于引擎关闭
	modules = append(modules, apihttp.Module())
	modules = append(modules, fx.Populate(&b.engine, &b.host))
	return append(modules, b.opts.extra...)
}

// SetupModules 按依赖顺序组合各层模块
func (b *Bootstrap) SetupModules() []fx.Option {
	var all []fx.Option
	all = append(all, b.SetupInfrastructureLayer()...)
	all = append(all, b.SetupCommunicationLayer()...)
	all = append(all, b.SetupApplicationLayer()...)
	return all
}

// CreateFxApp 创建并配置fx应用
func (b *Bootstrap) CreateFxApp() error {
	b.fxApp = fx.New(
		fx.Options(b.SetupModules()...),
		// 禁用fx内部日志
		fx.NopLogger,
	)
	return errors.Wrap(b.fxApp.Err(), "assemble modules")
}

// StartApp 启动应用程序
func (b *Bootstrap) StartApp(ctx context.Context) error {
	return errors.Wrap(b.fxApp.Start(ctx), "start app")
}

// StopApp 停止应用程序
func (b *Bootstrap) StopApp(ctx context.Context) error {
	return errors.Wrap(b.fxApp.Stop(ctx), "stop app")
}

// BootstrapApp 执行完整的引导过程并返回应用实例
func BootstrapApp(opts *options) (App, error) {
	bootstrap := NewBootstrap(opts)
	if err := bootstrap.CreateFxApp(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := bootstrap.StartApp(ctx); err != nil {
		return nil, err
	}
	return &internalApp{bootstrap: bootstrap}, nil
}

// registerRecordProtocols 把 headers/blocks 协议挂到本地存储的对应命名空间
// store 先于 engine 构造，停止时存储晚于引擎关闭
func registerRecordProtocols(store *badger.Store, engine *facade.Engine, logger logiface.Logger) error {
	for protocol, namespace := range protocols.RecordProtocols() {
		if err := engine.RegisterProtocolHandler(protocol, store.Source(namespace)); err != nil {
			if errors.Is(err, facade.ErrProtocolNotAllowed) {
				logger.Infof("协议未在配置中启用，跳过 protocol=%s", protocol)
				continue
			}
			return errors.Wrapf(err, "register %s", protocol)
		}
	}
	return nil
}
