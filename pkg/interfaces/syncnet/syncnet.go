// Package syncnet 定义同步协议引擎对外接口
//
// 引擎把本地的"需要某个范围的数据"请求转换为带节点选择、流控的线路交换，
// 并以对称的服务端路径从本地存储应答其他节点的请求。
//
// 边界：
// - 不负责节点发现（DHT/gossip），只使用连接池中已知的节点
// - 不负责数据的共识与校验
// - 存储以 RecordSource 形式注入，对引擎只读
package syncnet

import (
	"context"
	"iter"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/weisyn/syncnet/pkg/types"
)

// Engine 同步引擎门面
type Engine interface {
	// Issue 发起查询，返回惰性、只能消费一次的结果序列
	// 调用方必须读完或调用 Close
	Issue(ctx context.Context, q types.Query) (ResultStream, error)

	// RegisterProtocolHandler 注册服务端协议，记录来自 source
	RegisterProtocolHandler(protocol types.ProtocolName, source RecordSource, opts ...RegisterOption) error

	// UnregisterProtocolHandler 注销服务端协议
	UnregisterProtocolHandler(protocol types.ProtocolName) error

	// Start 启动事件循环并连接引导节点
	Start(ctx context.Context) error

	// Shutdown 停止事件循环并释放所有连接
	Shutdown(ctx context.Context) error
}

// ResultStream 查询结果序列
type ResultStream interface {
	// ID 本地查询标识
	ID() types.QueryID

	// Next 返回下一条数据；完整成功结束时返回 io.EOF
	Next(ctx context.Context) (*types.ResponseItem, error)

	// All 以迭代器形式遍历结果，出错时最后一次迭代携带错误
	All(ctx context.Context) iter.Seq2[*types.ResponseItem, error]

	// Delivered 已交付的记录数
	Delivered() uint64

	// Close 取消查询并释放流与查询标识，可重复调用
	Close() error
}

// RecordSource 存储协作方：按范围惰性读取记录
type RecordSource interface {
	QueryRange(ctx context.Context, filter types.RangeFilter) (RecordIterator, error)
}

// RecordIterator 惰性记录序列
type RecordIterator interface {
	// Next 返回下一条记录，序列结束时返回 io.EOF
	Next(ctx context.Context) ([]byte, error)
	// Close 释放底层资源
	Close() error
}

// RecordSourceFunc 函数适配器
type RecordSourceFunc func(ctx context.Context, filter types.RangeFilter) (RecordIterator, error)

// QueryRange 实现 RecordSource
func (f RecordSourceFunc) QueryRange(ctx context.Context, filter types.RangeFilter) (RecordIterator, error) {
	return f(ctx, filter)
}

// RegisterOption 注册选项
type RegisterOption func(*types.RegisterConfig)

// WithChunkSize 设置每个响应块的记录数
func WithChunkSize(n int) RegisterOption {
	return func(c *types.RegisterConfig) {
		if n > 0 {
			c.ChunkSize = n
		}
	}
}

// WithMaxLimit 设置单次请求允许的最大记录数
func WithMaxLimit(n uint64) RegisterOption {
	return func(c *types.RegisterConfig) {
		if n > 0 {
			c.MaxLimit = n
		}
	}
}

// WithErrorPolicy 设置存储失败时的信令方式
func WithErrorPolicy(p types.ErrorPolicy) RegisterOption {
	return func(c *types.RegisterConfig) { c.ErrorPolicy = p }
}

// PeerEvent 连接事件（通过事件总线发布）
type PeerEvent struct {
	Peer      peer.ID
	Connected bool
}

// 事件总线主题
const (
	TopicPeerConnected    = "syncnet:peer:connected"
	TopicPeerDisconnected = "syncnet:peer:disconnected"
)
