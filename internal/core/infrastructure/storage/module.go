// Package storage 提供记录存储的 fx 模块
package storage

import (
	"context"

	"go.uber.org/fx"

	badgerconfig "github.com/weisyn/syncnet/internal/config/storage/badger"
	"github.com/weisyn/syncnet/internal/core/infrastructure/storage/badger"
	"github.com/weisyn/syncnet/pkg/interfaces/config"
	"github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
)

// ModuleParams 定义存储模块的依赖参数
type ModuleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Provider  config.Provider
	Logger    log.Logger
}

// ModuleOutput 定义存储模块的输出结构
type ModuleOutput struct {
	fx.Out

	BadgerStore *badger.Store
}

// Module 返回存储模块
func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(ProvideServices),
	)
}

// ProvideServices 打开记录存储，应用停止时关闭
func ProvideServices(params ModuleParams) (ModuleOutput, error) {
	logger := params.Logger.With("module", "storage")
	store, err := badger.Open(badgerconfig.New(params.Provider.GetBadger()), logger)
	if err != nil {
		return ModuleOutput{}, err
	}

	params.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("正在关闭BadgerDB存储...")
			if err := store.Close(); err != nil {
				logger.Errorf("关闭BadgerDB存储失败: %v", err)
				return err
			}
			logger.Info("BadgerDB存储已关闭")
			return nil
		},
	})
	return ModuleOutput{BadgerStore: store}, nil
}
