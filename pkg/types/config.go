package types

// AppConfig 应用配置（对应 JSON 配置文件的顶层结构）
// 所有字段均为可选，未出现的字段使用各模块的默认值
type AppConfig struct {
	// 节点主机配置
	Node *UserNodeConfig `json:"node,omitempty"`

	// 同步协议配置
	Sync *UserSyncConfig `json:"sync,omitempty"`

	// 存储配置
	Storage *UserStorageConfig `json:"storage,omitempty"`

	// 日志配置
	Log *UserLogConfig `json:"log,omitempty"`

	// 管理接口配置
	API *UserAPIConfig `json:"api,omitempty"`

	// 运行时指标配置
	Metrics *UserMetricsConfig `json:"metrics,omitempty"`
}

// UserNodeConfig 用户节点主机配置
type UserNodeConfig struct {
	ListenAddresses []string `json:"listen_addresses,omitempty"` // P2P监听地址列表
	Transports      []string `json:"transports,omitempty"`       // 启用的传输：tcp, quic, ws
	EnableTLS       *bool    `json:"enable_tls,omitempty"`       // 启用TLS安全传输
	EnableNoise     *bool    `json:"enable_noise,omitempty"`     // 启用Noise安全传输
	PrivateKey      *string  `json:"private_key,omitempty"`      // base64编码的私钥
	KeyFile         *string  `json:"key_file,omitempty"`         // 私钥持久化文件
	LowWater        *int     `json:"low_water,omitempty"`        // 连接管理低水位
	HighWater       *int     `json:"high_water,omitempty"`       // 连接管理高水位
	MemoryLimitMB   *int     `json:"memory_limit_mb,omitempty"`  // 资源管理器内存上限
}

// UserSyncConfig 用户同步协议配置
type UserSyncConfig struct {
	MaxFrameSize          *int              `json:"max_frame_size,omitempty"`
	MaxStreamsPerPeer     *int              `json:"max_streams_per_peer,omitempty"`
	MaxConnections        *int              `json:"max_connections,omitempty"`
	AttemptTimeout        *string           `json:"attempt_timeout,omitempty"` // 如 "10s"
	MaxAttempts           *int              `json:"max_attempts,omitempty"`
	DialTimeout           *string           `json:"dial_timeout,omitempty"`
	DialAttempts          *int              `json:"dial_attempts,omitempty"`
	DialBackoffBase       *string           `json:"dial_backoff_base,omitempty"`
	DialBackoffMax        *string           `json:"dial_backoff_max,omitempty"`
	ReputationSize        *int              `json:"reputation_size,omitempty"`
	IdleKeepalive         *string           `json:"idle_keepalive,omitempty"`
	ChunkSize             *int              `json:"chunk_size,omitempty"`
	MaxLimit              *uint64           `json:"max_limit,omitempty"`
	MaxInboundConcurrency *int              `json:"max_inbound_concurrency,omitempty"`
	InboundRatePerPeer    *float64          `json:"inbound_rate_per_peer,omitempty"`
	InboundBurstPerPeer   *int              `json:"inbound_burst_per_peer,omitempty"`
	Protocols             []string          `json:"protocols,omitempty"`
	ErrorPolicies         map[string]string `json:"error_policies,omitempty"` // 协议 -> in_band | abrupt_close
	BootstrapPeers        []string          `json:"bootstrap_peers,omitempty"`
}

// UserStorageConfig 用户存储配置
type UserStorageConfig struct {
	DataPath *string `json:"data_path,omitempty"` // badger 数据目录
	InMemory *bool   `json:"in_memory,omitempty"` // 使用内存模式（测试/基准）
}

// UserLogConfig 用户日志配置
// 只包含JSON配置文件中实际出现的字段
type UserLogConfig struct {
	Level    *string `json:"level,omitempty"`     // 日志级别：debug, info, warn, error, fatal
	FilePath *string `json:"file_path,omitempty"` // 日志文件路径
}

// UserAPIConfig 用户管理接口配置
type UserAPIConfig struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	HTTPAddress *string `json:"http_address,omitempty"` // 如 "127.0.0.1:9090"
}

// UserMetricsConfig 用户运行时指标配置
type UserMetricsConfig struct {
	Enabled                    *bool   `json:"enabled,omitempty"`
	SampleInterval             *string `json:"sample_interval,omitempty"` // 如 "10s"
	GoroutineWarnThreshold     *int    `json:"goroutine_warn_threshold,omitempty"`
	GoroutineCriticalThreshold *int    `json:"goroutine_critical_threshold,omitempty"`
	HeapGrowthLimitMB          *int    `json:"heap_growth_limit_mb,omitempty"`
}
