package node

import (
	"time"

	"github.com/weisyn/syncnet/pkg/types"
)

// NodeOptions 节点主机配置选项
type NodeOptions struct {
	// 连接管理配置
	Connectivity ConnectivityConfig `json:"connectivity"`

	// 主机配置
	Host HostConfig `json:"host"`
}

// ConnectivityConfig 连接管理配置
type ConnectivityConfig struct {
	LowWater    int           `json:"low_water"`    // 连接管理低水位
	HighWater   int           `json:"high_water"`   // 连接管理高水位
	GracePeriod time.Duration `json:"grace_period"` // 新连接免修剪期

	// 资源限制
	Resources ResourceConfig `json:"resources"`
}

// HostConfig 主机配置
type HostConfig struct {
	// 监听地址；为空时回退到 tcp/quic 的 0 端口
	ListenAddresses []string `json:"listen_addresses"`

	// 身份配置（用于固定 PeerID）
	Identity IdentityConfig `json:"identity"`

	// 传输协议配置
	Transport TransportConfig `json:"transport"`

	// 多路复用器配置
	Muxer MuxerConfig `json:"muxer"`

	// 安全协议配置
	Security SecurityConfig `json:"security"`
}

// IdentityConfig 主机身份配置
// 未提供私钥且密钥文件不存在时，自动生成并持久化一个 Ed25519 密钥
type IdentityConfig struct {
	// PrivateKey 以base64编码的libp2p私钥（crypto.MarshalPrivateKey后的结果）
	PrivateKey string `json:"private_key"`
	// KeyFile 私钥持久化文件路径；为空时使用临时身份
	KeyFile string `json:"key_file"`
}

// TransportConfig 传输协议配置
type TransportConfig struct {
	EnableTCP       bool `json:"enable_tcp"`
	EnableQUIC      bool `json:"enable_quic"`
	EnableWebSocket bool `json:"enable_websocket"`
}

// MuxerConfig 多路复用器配置
type MuxerConfig struct {
	EnableYamux            bool          `json:"enable_yamux"`
	YamuxWindowSize        int           `json:"yamux_window_size"` // KB
	YamuxMaxStreams        int           `json:"yamux_max_streams"`
	YamuxConnectionTimeout time.Duration `json:"yamux_connection_timeout"`
}

// SecurityConfig 安全协议配置
type SecurityConfig struct {
	EnableTLS   bool `json:"enable_tls"`
	EnableNoise bool `json:"enable_noise"`
}

// ResourceConfig 资源管理配置
type ResourceConfig struct {
	Enabled            bool `json:"enabled"`              // 是否启用 rcmgr
	MemoryLimitMB      int  `json:"memory_limit_mb"`      // 内存限制(MB)，0 表示系统内存的一半
	MaxFileDescriptors int  `json:"max_file_descriptors"` // 最大文件描述符数
}

// Config 节点配置实现
type Config struct {
	options *NodeOptions
}

// New 创建节点配置实现
func New(userConfig interface{}) *Config {
	options := createDefaultNodeOptions()
	if u, ok := userConfig.(*types.UserNodeConfig); ok && u != nil {
		applyUserNodeConfig(options, u)
	}
	return &Config{options: options}
}

// createDefaultNodeOptions 创建默认节点配置
func createDefaultNodeOptions() *NodeOptions {
	return &NodeOptions{
		Connectivity: ConnectivityConfig{
			LowWater:    defaultLowWater,
			HighWater:   defaultHighWater,
			GracePeriod: defaultGracePeriod,
			Resources: ResourceConfig{
				Enabled:            defaultResourceManagerEnabled,
				MaxFileDescriptors: defaultMaxFileDescriptors,
			},
		},
		Host: HostConfig{
			ListenAddresses: append([]string(nil), defaultListenAddresses...),
			Transport: TransportConfig{
				EnableTCP:  true,
				EnableQUIC: true,
			},
			Muxer: MuxerConfig{
				EnableYamux:     true,
				YamuxWindowSize: defaultYamuxWindowSizeKB,
				YamuxMaxStreams: defaultYamuxMaxStreams,
			},
			Security: SecurityConfig{
				EnableTLS:   true,
				EnableNoise: true,
			},
		},
	}
}

// applyUserNodeConfig 应用用户配置覆盖默认值
func applyUserNodeConfig(o *NodeOptions, u *types.UserNodeConfig) {
	if len(u.ListenAddresses) > 0 {
		o.Host.ListenAddresses = append([]string(nil), u.ListenAddresses...)
	}
	if len(u.Transports) > 0 {
		o.Host.Transport = TransportConfig{}
		for _, t := range u.Transports {
			switch t {
			case "tcp":
				o.Host.Transport.EnableTCP = true
			case "quic":
				o.Host.Transport.EnableQUIC = true
			case "ws", "websocket":
				o.Host.Transport.EnableWebSocket = true
			}
		}
	}
	if u.EnableTLS != nil {
		o.Host.Security.EnableTLS = *u.EnableTLS
	}
	if u.EnableNoise != nil {
		o.Host.Security.EnableNoise = *u.EnableNoise
	}
	if u.PrivateKey != nil {
		o.Host.Identity.PrivateKey = *u.PrivateKey
	}
	if u.KeyFile != nil {
		o.Host.Identity.KeyFile = *u.KeyFile
	}
	if u.LowWater != nil {
		o.Connectivity.LowWater = *u.LowWater
	}
	if u.HighWater != nil {
		o.Connectivity.HighWater = *u.HighWater
	}
	if u.MemoryLimitMB != nil {
		o.Connectivity.Resources.MemoryLimitMB = *u.MemoryLimitMB
	}
}

// GetOptions 获取完整的节点配置选项
func (c *Config) GetOptions() *NodeOptions {
	return c.options
}
