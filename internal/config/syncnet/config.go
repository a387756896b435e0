package syncnet

import (
	"time"

	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/pkg/types"
)

// SyncOptions 同步协议引擎配置选项
// 启动时加载一次，运行期间只读
type SyncOptions struct {
	// === 线路配置 ===
	MaxFrameSize int `json:"max_frame_size"` // 单个消息载荷上限(字节)

	// === 连接池配置 ===
	MaxStreamsPerPeer int           `json:"max_streams_per_peer"` // 单节点并发流上限（入站+出站）
	MaxConnections    int           `json:"max_connections"`      // 全局连接上限
	DialTimeout       time.Duration `json:"dial_timeout"`         // 单次拨号超时
	DialAttempts      int           `json:"dial_attempts"`        // 每次打开流时的拨号次数
	DialBackoffBase   time.Duration `json:"dial_backoff_base"`    // 拨号失败退避基数
	DialBackoffMax    time.Duration `json:"dial_backoff_max"`     // 拨号失败最大退避
	IdleKeepalive     time.Duration `json:"idle_keepalive"`       // 无流连接的保活时间
	ReputationSize    int           `json:"reputation_size"`      // 信誉表容量

	// === 查询配置 ===
	AttemptTimeout time.Duration `json:"attempt_timeout"` // 单次尝试超时
	MaxAttempts    int           `json:"max_attempts"`    // 最多尝试的节点数

	// === 服务端配置 ===
	ChunkSize             int                  `json:"chunk_size"`              // 每个响应块的记录数
	MaxLimit              uint64               `json:"max_limit"`               // 单次请求最大记录数
	MaxInboundConcurrency int                  `json:"max_inbound_concurrency"` // 入站请求并发上限
	InboundRatePerPeer    float64              `json:"inbound_rate_per_peer"`   // 单节点每秒请求数
	InboundBurstPerPeer   int                  `json:"inbound_burst_per_peer"`  // 单节点突发请求数
	Protocols             []types.ProtocolName `json:"protocols"`               // 允许注册的协议，为空表示不限制

	// ErrorPolicies 协议 -> 存储失败信令方式，未配置的协议使用 in_band
	ErrorPolicies map[types.ProtocolName]types.ErrorPolicy `json:"-"`

	// === 引导节点 ===
	BootstrapPeers []string `json:"bootstrap_peers"` // multiaddr 形式，含 /p2p/<id>
}

// Config 同步配置实现
type Config struct {
	options *SyncOptions
}

// New 创建同步配置实现
// userConfig 为 *types.UserSyncConfig 时按字段覆盖默认值
func New(userConfig interface{}) (*Config, error) {
	options := createDefaultSyncOptions()
	if u, ok := userConfig.(*types.UserSyncConfig); ok && u != nil {
		if err := applyUserSyncConfig(options, u); err != nil {
			return nil, err
		}
	}
	c := &Config{options: options}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromOptions 从完整选项创建配置（测试与内嵌场景）
func NewFromOptions(options *SyncOptions) *Config {
	return &Config{options: options}
}

// Default 默认配置
func Default() *Config {
	return &Config{options: createDefaultSyncOptions()}
}

// createDefaultSyncOptions 创建默认同步配置
func createDefaultSyncOptions() *SyncOptions {
	return &SyncOptions{
		MaxFrameSize: defaultMaxFrameSize,

		MaxStreamsPerPeer: defaultMaxStreamsPerPeer,
		MaxConnections:    defaultMaxConnections,
		DialTimeout:       defaultDialTimeout,
		DialAttempts:      defaultDialAttempts,
		DialBackoffBase:   defaultDialBackoffBase,
		DialBackoffMax:    defaultDialBackoffMax,
		IdleKeepalive:     defaultIdleKeepalive,
		ReputationSize:    defaultReputationSize,

		AttemptTimeout: defaultAttemptTimeout,
		MaxAttempts:    defaultMaxAttempts,

		ChunkSize:             defaultChunkSize,
		MaxLimit:              defaultMaxLimit,
		MaxInboundConcurrency: defaultMaxInboundConcurrency,
		InboundRatePerPeer:    defaultInboundRatePerPeer,
		InboundBurstPerPeer:   defaultInboundBurstPerPeer,
		ErrorPolicies:         map[types.ProtocolName]types.ErrorPolicy{},
	}
}

// applyUserSyncConfig 应用用户配置覆盖默认值
func applyUserSyncConfig(o *SyncOptions, u *types.UserSyncConfig) error {
	if u.MaxFrameSize != nil {
		o.MaxFrameSize = *u.MaxFrameSize
	}
	if u.MaxStreamsPerPeer != nil {
		o.MaxStreamsPerPeer = *u.MaxStreamsPerPeer
	}
	if u.MaxConnections != nil {
		o.MaxConnections = *u.MaxConnections
	}
	if u.MaxAttempts != nil {
		o.MaxAttempts = *u.MaxAttempts
	}
	if u.DialAttempts != nil {
		o.DialAttempts = *u.DialAttempts
	}
	if u.ChunkSize != nil {
		o.ChunkSize = *u.ChunkSize
	}
	if u.MaxLimit != nil {
		o.MaxLimit = *u.MaxLimit
	}
	if u.MaxInboundConcurrency != nil {
		o.MaxInboundConcurrency = *u.MaxInboundConcurrency
	}
	if u.InboundRatePerPeer != nil {
		o.InboundRatePerPeer = *u.InboundRatePerPeer
	}
	if u.InboundBurstPerPeer != nil {
		o.InboundBurstPerPeer = *u.InboundBurstPerPeer
	}
	if u.ReputationSize != nil {
		o.ReputationSize = *u.ReputationSize
	}

	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"attempt_timeout", u.AttemptTimeout, &o.AttemptTimeout},
		{"dial_timeout", u.DialTimeout, &o.DialTimeout},
		{"idle_keepalive", u.IdleKeepalive, &o.IdleKeepalive},
		{"dial_backoff_base", u.DialBackoffBase, &o.DialBackoffBase},
		{"dial_backoff_max", u.DialBackoffMax, &o.DialBackoffMax},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return errors.Wrapf(err, "sync.%s", d.name)
		}
		*d.dst = v
	}

	for _, p := range u.Protocols {
		o.Protocols = append(o.Protocols, types.ProtocolName(p))
	}
	for p, name := range u.ErrorPolicies {
		policy, err := types.ParseErrorPolicy(name)
		if err != nil {
			return errors.Wrapf(err, "sync.error_policies[%s]", p)
		}
		o.ErrorPolicies[types.ProtocolName(p)] = policy
	}
	o.BootstrapPeers = append(o.BootstrapPeers, u.BootstrapPeers...)
	return nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	o := c.options
	switch {
	case o.MaxFrameSize <= 0:
		return errors.New("sync.max_frame_size must be positive")
	case o.MaxStreamsPerPeer <= 0:
		return errors.New("sync.max_streams_per_peer must be positive")
	case o.MaxConnections <= 0:
		return errors.New("sync.max_connections must be positive")
	case o.MaxAttempts <= 0:
		return errors.New("sync.max_attempts must be positive")
	case o.AttemptTimeout <= 0:
		return errors.New("sync.attempt_timeout must be positive")
	case o.ChunkSize <= 0:
		return errors.New("sync.chunk_size must be positive")
	case o.MaxLimit == 0:
		return errors.New("sync.max_limit must be positive")
	case o.DialBackoffBase < 0 || o.DialBackoffMax < o.DialBackoffBase:
		return errors.New("sync.dial_backoff_max must not be below sync.dial_backoff_base")
	case o.ReputationSize < 0:
		return errors.New("sync.reputation_size must not be negative")
	case o.InboundBurstPerPeer < 0:
		return errors.New("sync.inbound_burst_per_peer must not be negative")
	}
	return nil
}

// GetOptions 获取完整的同步配置选项
func (c *Config) GetOptions() *SyncOptions {
	return c.options
}

// GetMaxFrameSize 获取单个消息载荷上限
func (c *Config) GetMaxFrameSize() int {
	return c.options.MaxFrameSize
}

// GetMaxStreamsPerPeer 获取单节点并发流上限
func (c *Config) GetMaxStreamsPerPeer() int {
	return c.options.MaxStreamsPerPeer
}

// GetMaxConnections 获取全局连接上限
func (c *Config) GetMaxConnections() int {
	return c.options.MaxConnections
}

// GetAttemptTimeout 获取单次尝试超时
func (c *Config) GetAttemptTimeout() time.Duration {
	return c.options.AttemptTimeout
}

// GetMaxAttempts 获取最多尝试节点数
func (c *Config) GetMaxAttempts() int {
	return c.options.MaxAttempts
}

// GetIdleKeepalive 获取空闲连接保活时间
func (c *Config) GetIdleKeepalive() time.Duration {
	return c.options.IdleKeepalive
}

// RegisterDefaults 服务端注册的默认配置，已应用协议级错误策略
func (c *Config) RegisterDefaults(protocol types.ProtocolName) types.RegisterConfig {
	return types.RegisterConfig{
		ChunkSize:   c.options.ChunkSize,
		MaxLimit:    c.options.MaxLimit,
		ErrorPolicy: c.options.ErrorPolicies[protocol],
	}
}

// IsProtocolAllowed 协议是否在配置的协议列表中；列表为空时全部允许
func (c *Config) IsProtocolAllowed(protocol types.ProtocolName) bool {
	if len(c.options.Protocols) == 0 {
		return true
	}
	for _, p := range c.options.Protocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// GetDialTimeout 获取单次拨号超时
func (c *Config) GetDialTimeout() time.Duration {
	return c.options.DialTimeout
}

// GetBootstrapPeers 获取引导节点地址
func (c *Config) GetBootstrapPeers() []string {
	return c.options.BootstrapPeers
}
