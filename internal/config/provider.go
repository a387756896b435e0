package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	apiconfig "github.com/weisyn/syncnet/internal/config/api"
	"github.com/weisyn/syncnet/internal/config/log"
	metricsconfig "github.com/weisyn/syncnet/internal/config/metrics"
	"github.com/weisyn/syncnet/internal/config/node"
	"github.com/weisyn/syncnet/internal/config/storage/badger"
	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/pkg/interfaces/config"
	"github.com/weisyn/syncnet/pkg/types"
)

// identityKeyFile 默认身份密钥文件名（位于存储目录下）
const identityKeyFile = "p2p/identity.key"

// Provider 实现配置提供者接口
type Provider struct {
	appConfig *types.AppConfig
	sync      *syncconfig.Config
	api       *apiconfig.Config
	metrics   *metricsconfig.Config
}

// 编译时校验
var _ config.Provider = (*Provider)(nil)

// NewProvider 创建配置提供者
// 同步、管理接口与指标配置在此处一次性解析与校验，非法取值直接返回错误
func NewProvider(appConfig *types.AppConfig) (*Provider, error) {
	if appConfig == nil {
		appConfig = &types.AppConfig{}
	}
	syncCfg, err := syncconfig.New(appConfig.Sync)
	if err != nil {
		return nil, errors.Wrap(err, "sync config")
	}
	apiCfg, err := apiconfig.New(appConfig.API)
	if err != nil {
		return nil, errors.Wrap(err, "api config")
	}
	metricsCfg, err := metricsconfig.New(appConfig.Metrics)
	if err != nil {
		return nil, errors.Wrap(err, "metrics config")
	}
	return &Provider{appConfig: appConfig, sync: syncCfg, api: apiCfg, metrics: metricsCfg}, nil
}

// LoadFile 读取 JSON 配置文件
func LoadFile(path string) (*types.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	appConfig, err := Parse(data)
	return appConfig, errors.Wrapf(err, "parse config %s", path)
}

// Parse 解析 JSON 配置
func Parse(data []byte) (*types.AppConfig, error) {
	var appConfig types.AppConfig
	if err := json.Unmarshal(data, &appConfig); err != nil {
		return nil, err
	}
	return &appConfig, nil
}

// GetNode 获取节点主机配置
func (p *Provider) GetNode() *node.NodeOptions {
	nodeOptions := node.New(p.appConfig.Node).GetOptions()
	p.applyDefaultIdentityKeyPath(nodeOptions)
	return nodeOptions
}

// GetSync 获取同步协议引擎配置
func (p *Provider) GetSync() *syncconfig.Config {
	return p.sync
}

// GetBadger 获取记录存储配置
func (p *Provider) GetBadger() *badger.BadgerOptions {
	return badger.New(p.appConfig.Storage).GetOptions()
}

// GetLog 获取日志配置
func (p *Provider) GetLog() *log.LogOptions {
	return log.New(p.appConfig.Log).GetOptions()
}

// GetAPI 获取管理接口配置
func (p *Provider) GetAPI() *apiconfig.APIOptions {
	return p.api.GetOptions()
}

// GetMetrics 获取运行时指标配置
func (p *Provider) GetMetrics() *metricsconfig.MetricsOptions {
	return p.metrics.GetOptions()
}

// GetAppConfig 获取原始应用配置
func (p *Provider) GetAppConfig() *types.AppConfig {
	return p.appConfig
}

// applyDefaultIdentityKeyPath 未配置私钥与密钥文件时，身份密钥放在 <data_path>/p2p/identity.key
// 内存存储模式下保持临时身份
func (p *Provider) applyDefaultIdentityKeyPath(nodeOptions *node.NodeOptions) {
	id := &nodeOptions.Host.Identity
	if strings.TrimSpace(id.PrivateKey) != "" || strings.TrimSpace(id.KeyFile) != "" {
		return
	}
	storage := p.GetBadger()
	if storage.InMemory || storage.Path == "" {
		return
	}
	id.KeyFile = filepath.Join(storage.Path, identityKeyFile)
}
