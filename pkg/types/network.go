package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// 同步协议引擎使用的通用数据结构

// ProtocolName 带版本的协议名称，例如 "/syncnet/headers/1"
// 版本号取自最后一个路径段
type ProtocolName string

// String 返回协议名称
func (p ProtocolName) String() string { return string(p) }

// Version 解析协议名称末尾的版本号
func (p ProtocolName) Version() (uint32, bool) {
	s := string(p)
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 || idx == len(s)-1 {
		return 0, false
	}
	v, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// Direction 范围遍历方向
type Direction uint8

const (
	DirectionForward  Direction = iota // 高度递增
	DirectionBackward                  // 高度递减
)

// String 返回方向名称
func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionBackward:
		return "backward"
	default:
		return "unknown"
	}
}

// RangeFilter 查询的数据范围
type RangeFilter struct {
	Start     uint64    // 起始高度
	Limit     uint64    // 最多返回的记录数
	Step      uint64    // 步长，1 表示连续
	Direction Direction // 遍历方向
	Filter    []byte    // 协议自定义过滤条件，引擎不解析
}

// Query 调用方发起的逻辑查询
type Query struct {
	Protocol ProtocolName // 目标协议
	Range    RangeFilter  // 请求范围

	// Peers 候选节点（有序）；为空时由连接池按信誉排序给出
	Peers []peer.ID

	// MaxAttempts 最多尝试的节点数，0 表示使用配置默认值
	MaxAttempts int

	// AttemptTimeout 单次尝试超时，0 表示使用配置默认值
	AttemptTimeout time.Duration
}

// QueryID 本地查询标识，不会出现在线路上
type QueryID uint64

// ResponseItem 解码后的单条响应数据
type ResponseItem struct {
	Query QueryID // 所属查询
	Peer  peer.ID // 提供该数据的节点
	Index uint64  // 在结果序列中的位置（从 0 开始）
	Data  []byte  // 记录内容
}

// ErrorPolicy 服务端存储失败时的信令方式
type ErrorPolicy uint8

const (
	// ErrorPolicyInBand 写入 Error 消息后正常关闭流
	ErrorPolicyInBand ErrorPolicy = iota
	// ErrorPolicyAbruptClose 直接重置流
	ErrorPolicyAbruptClose
)

// String 返回策略名称
func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyInBand:
		return "in_band"
	case ErrorPolicyAbruptClose:
		return "abrupt_close"
	default:
		return "unknown"
	}
}

// ParseErrorPolicy 解析配置中的策略名称
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in_band", "inband":
		return ErrorPolicyInBand, nil
	case "abrupt_close", "abrupt", "reset":
		return ErrorPolicyAbruptClose, nil
	default:
		return ErrorPolicyInBand, fmt.Errorf("unknown error policy %q", s)
	}
}

// RegisterConfig 协议处理器注册配置
type RegisterConfig struct {
	ChunkSize   int         // 每个 ResponseChunk 包含的记录数
	MaxLimit    uint64      // 单次请求允许的最大 Limit
	ErrorPolicy ErrorPolicy // 存储失败时的信令方式
}

// ProtocolInfo 已注册协议的信息
type ProtocolInfo struct {
	Name         ProtocolName   // 协议名称
	Version      uint32         // 协议版本
	Config       RegisterConfig // 注册配置
	RegisteredAt time.Time      // 注册时间
}
