// Package transport 把 libp2p host 收敛为同步引擎需要的最小传输接口
//
// 引擎只依赖：连接/断开节点、按协议打开与接受流、读写字节、关闭。
// 连接建立/断开通过 Events() 以事件形式送出，由事件循环统一消费。
package transport

import (
	"context"
	"io"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/weisyn/syncnet/pkg/types"
)

// Stream 一条双向有序字节流，限定在一个协议内
type Stream interface {
	io.Reader
	io.Writer

	// Close 关闭读写两端
	Close() error
	// CloseWrite 半关闭写端，对端读到 EOF
	CloseWrite() error
	// Reset 异常中止，双方读写立即失败
	Reset() error

	RemotePeer() peer.ID
	Protocol() types.ProtocolName
}

// StreamHandler 入站流处理函数
type StreamHandler func(Stream)

// EventKind 连接事件类别
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
)

// String 返回事件名称
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event 连接事件
type Event struct {
	Kind EventKind
	Peer peer.ID
}

// Transport 传输协作方
type Transport interface {
	// ID 本地节点标识
	ID() peer.ID

	// Dial 建立到节点的连接（已连接时立即返回）
	Dial(ctx context.Context, p peer.ID) error

	// Disconnect 关闭到节点的所有连接
	Disconnect(p peer.ID) error

	// NewStream 在已有连接上打开新的协议流，不会隐式拨号
	NewStream(ctx context.Context, p peer.ID, protocol types.ProtocolName) (Stream, error)

	// SetStreamHandler 注册入站流处理
	SetStreamHandler(protocol types.ProtocolName, handler StreamHandler)

	// RemoveStreamHandler 注销入站流处理
	RemoveStreamHandler(protocol types.ProtocolName)

	// AddAddrs 记录节点地址，供后续拨号使用
	AddAddrs(info peer.AddrInfo)

	// Connected 是否存在到节点的连接
	Connected(p peer.ID) bool

	// Peers 当前已连接的节点
	Peers() []peer.ID

	// Events 连接事件，Close 后关闭
	Events() <-chan Event

	// Close 停止事件投递并注销所有处理器（不关闭 host）
	Close() error
}
