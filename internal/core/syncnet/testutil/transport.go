package testutil

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/pkg/types"
)

// FakeTransport 基于 FakeSwarm 的 transport.Transport，连接变化以事件送出
type FakeTransport struct {
	*FakeSwarm

	mu       sync.Mutex
	handlers map[types.ProtocolName]transport.StreamHandler
	addrs    map[peer.ID]peer.AddrInfo
	events   chan transport.Event
	closed   bool
}

// NewFakeTransport 创建假传输
func NewFakeTransport(local peer.ID) *FakeTransport {
	return &FakeTransport{
		FakeSwarm: NewFakeSwarm(local),
		handlers:  make(map[types.ProtocolName]transport.StreamHandler),
		addrs:     make(map[peer.ID]peer.AddrInfo),
		events:    make(chan transport.Event, 64),
	}
}

// ID 实现 transport.Transport
func (f *FakeTransport) ID() peer.ID { return f.Local }

// Dial 实现 transport.Transport，首次连接时送出 Connected
func (f *FakeTransport) Dial(ctx context.Context, p peer.ID) error {
	fresh := !f.FakeSwarm.Connected(p)
	if err := f.FakeSwarm.Dial(ctx, p); err != nil {
		return err
	}
	if fresh {
		f.Emit(transport.Event{Kind: transport.EventConnected, Peer: p})
	}
	return nil
}

// Disconnect 实现 transport.Transport
func (f *FakeTransport) Disconnect(p peer.ID) error {
	was := f.FakeSwarm.Connected(p)
	_ = f.FakeSwarm.Disconnect(p)
	if was {
		f.Emit(transport.Event{Kind: transport.EventDisconnected, Peer: p})
	}
	return nil
}

// SetStreamHandler 实现 transport.Transport
func (f *FakeTransport) SetStreamHandler(protocol types.ProtocolName, handler transport.StreamHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[protocol] = handler
}

// RemoveStreamHandler 实现 transport.Transport
func (f *FakeTransport) RemoveStreamHandler(protocol types.ProtocolName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, protocol)
}

// HasHandler 协议是否注册了处理器
func (f *FakeTransport) HasHandler(protocol types.ProtocolName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[protocol]
	return ok
}

// AddAddrs 实现 transport.Transport
func (f *FakeTransport) AddAddrs(info peer.AddrInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[info.ID] = info
}

// Addrs 记录过的地址
func (f *FakeTransport) Addrs(p peer.ID) (peer.AddrInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.addrs[p]
	return info, ok
}

// Events 实现 transport.Transport
func (f *FakeTransport) Events() <-chan transport.Event { return f.events }

// Emit 送出一个连接事件
func (f *FakeTransport) Emit(ev transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

// Inbound 模拟远端 from 打开一条入站流，返回远端那一侧
// 没有处理器时远端流被重置
func (f *FakeTransport) Inbound(from peer.ID, protocol types.ProtocolName) *PipeStream {
	remote, local := StreamPair(from, f.Local, protocol)
	f.mu.Lock()
	h := f.handlers[protocol]
	f.mu.Unlock()
	if h == nil {
		_ = local.Reset()
		return remote
	}
	go h(local)
	return remote
}

// Close 实现 transport.Transport
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}
