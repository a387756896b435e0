// Package config provides configuration provider interfaces.
package config

import (
	apiconfig "github.com/weisyn/syncnet/internal/config/api"
	logconfig "github.com/weisyn/syncnet/internal/config/log"
	metricsconfig "github.com/weisyn/syncnet/internal/config/metrics"
	nodeconfig "github.com/weisyn/syncnet/internal/config/node"
	badgerconfig "github.com/weisyn/syncnet/internal/config/storage/badger"
	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

// Provider 配置提供者接口
// 配置在启动时加载一次，各 getter 返回的选项在运行期间只读
type Provider interface {
	// GetNode 获取节点主机配置（监听地址、传输、安全、连接管理）
	GetNode() *nodeconfig.NodeOptions

	// GetSync 获取同步协议引擎配置
	GetSync() *syncconfig.Config

	// GetBadger 获取记录存储配置
	GetBadger() *badgerconfig.BadgerOptions

	// GetLog 获取日志配置
	GetLog() *logconfig.LogOptions

	// GetAPI 获取管理接口配置
	GetAPI() *apiconfig.APIOptions

	// GetMetrics 获取运行时指标配置
	GetMetrics() *metricsconfig.MetricsOptions

	// GetAppConfig 获取原始应用配置
	GetAppConfig() *types.AppConfig
}
