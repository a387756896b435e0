package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/configs"
	config "github.com/weisyn/syncnet/internal/config"
	"github.com/weisyn/syncnet/internal/core/syncnet/facade"
)

// stopTimeout 停止应用的超时，留出时间关闭存储
const stopTimeout = 30 * time.Second

// App 应用的对外接口
type App interface {
	// Engine 同步引擎
	Engine() *facade.Engine

	// Stop 停止应用
	Stop() error

	// Wait 阻塞直到收到退出信号或 ctx 结束，然后停止应用
	Wait(ctx context.Context) error
}

// internalApp 应用的内部实现
type internalApp struct {
	bootstrap *Bootstrap
}

// Engine 返回同步引擎
func (a *internalApp) Engine() *facade.Engine {
	return a.bootstrap.engine
}

// Stop 停止应用
func (a *internalApp) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return a.bootstrap.StopApp(ctx)
}

// Wait 等待退出信号
func (a *internalApp) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return a.Stop()
}

// Start 加载配置并启动应用
func Start(appOptions ...Option) (App, error) {
	opts := newOptions(appOptions...)
	if err := resolveAppConfig(opts); err != nil {
		return nil, err
	}
	return BootstrapApp(opts)
}

// resolveAppConfig 确定最终配置：显式配置 → 配置文件 → 嵌入的默认配置
func resolveAppConfig(opts *options) error {
	if opts.appConfig != nil {
		return nil
	}
	path := opts.configFilePath
	if path == "" {
		path = os.Getenv("SYNCNET_CONFIG_PATH")
	}
	if path == "" {
		cfg, err := config.Parse(configs.Default())
		if err != nil {
			return errors.Wrap(err, "parse embedded config")
		}
		opts.appConfig = cfg
		return nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return errors.Wrapf(err, "load config %s", path)
	}
	fmt.Fprintf(os.Stderr, "已加载配置文件: %s\n", path)
	opts.appConfig = cfg
	return nil
}
