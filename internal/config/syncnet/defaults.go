package syncnet

import "time"

// 同步协议默认配置值
const (
	// === 线路配置 ===

	// defaultMaxFrameSize 单个消息上限4MB
	// 一个响应块按默认 100 条区块头计算远小于该值，超过即视为对端违规
	defaultMaxFrameSize = 4 * 1024 * 1024

	// === 连接池配置 ===

	// defaultMaxStreamsPerPeer 单节点并发流上限
	defaultMaxStreamsPerPeer = 16

	// defaultMaxConnections 全局连接上限，与 connmgr 高水位保持一致
	defaultMaxConnections = 64

	// defaultDialTimeout 单次拨号超时
	defaultDialTimeout = 5 * time.Second

	// defaultDialAttempts 打开流时的拨号次数
	defaultDialAttempts = 2

	// defaultDialBackoffBase 拨号失败退避基数，按失败次数指数增长
	defaultDialBackoffBase = 1 * time.Second

	// defaultDialBackoffMax 最大退避
	defaultDialBackoffMax = 30 * time.Second

	// defaultIdleKeepalive 无流连接保活时间
	defaultIdleKeepalive = 30 * time.Second

	// defaultReputationSize 信誉表最多记录的节点数
	defaultReputationSize = 1024

	// === 查询配置 ===

	// defaultAttemptTimeout 单次尝试超时（到首条消息为止；之后作为每条消息的空闲超时）
	defaultAttemptTimeout = 10 * time.Second

	// defaultMaxAttempts 最多尝试的节点数
	defaultMaxAttempts = 3

	// === 服务端配置 ===

	// defaultChunkSize 每个响应块的记录数
	defaultChunkSize = 100

	// defaultMaxLimit 单次请求最大记录数
	defaultMaxLimit = 10000

	// defaultMaxInboundConcurrency 入站请求并发上限
	defaultMaxInboundConcurrency = 64

	// defaultInboundRatePerPeer 单节点每秒请求数
	defaultInboundRatePerPeer = 20.0

	// defaultInboundBurstPerPeer 单节点突发请求数
	defaultInboundBurstPerPeer = 40
)
