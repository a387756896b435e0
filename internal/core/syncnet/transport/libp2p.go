package transport

import (
	"context"
	"sync"

	lphost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	log "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/syncnet/pkg/types"
)

// Libp2p 基于 libp2p host 的 Transport 实现
type Libp2p struct {
	host   lphost.Host
	logger log.Logger

	notifiee *network.NotifyBundle
	queue    *eventQueue

	mu        sync.Mutex
	protocols map[types.ProtocolName]struct{}
	closeOnce sync.Once
}

var _ Transport = (*Libp2p)(nil)

// NewLibp2p 包装 host 并开始监听连接通知
func NewLibp2p(h lphost.Host, logger log.Logger) *Libp2p {
	t := &Libp2p{
		host:      h,
		logger:    logger,
		queue:     newEventQueue(),
		protocols: make(map[types.ProtocolName]struct{}),
	}
	// 通知回调由 swarm 同步调用，不能阻塞，只入队
	t.notifiee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			t.queue.push(Event{Kind: EventConnected, Peer: c.RemotePeer()})
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			// 同一节点可能有多条连接，最后一条断开才算断开
			if n.Connectedness(c.RemotePeer()) != network.Connected {
				t.queue.push(Event{Kind: EventDisconnected, Peer: c.RemotePeer()})
			}
		},
	}
	h.Network().Notify(t.notifiee)

	// 补发已经存在的连接
	for _, p := range h.Network().Peers() {
		t.queue.push(Event{Kind: EventConnected, Peer: p})
	}
	return t
}

// Host 返回底层 host
func (t *Libp2p) Host() lphost.Host { return t.host }

// ID 实现 Transport
func (t *Libp2p) ID() peer.ID { return t.host.ID() }

// Dial 实现 Transport
func (t *Libp2p) Dial(ctx context.Context, p peer.ID) error {
	return t.host.Connect(ctx, peer.AddrInfo{ID: p})
}

// Disconnect 实现 Transport
func (t *Libp2p) Disconnect(p peer.ID) error {
	return t.host.Network().ClosePeer(p)
}

// NewStream 实现 Transport
func (t *Libp2p) NewStream(ctx context.Context, p peer.ID, proto types.ProtocolName) (Stream, error) {
	s, err := t.host.NewStream(network.WithNoDial(ctx, "syncnet pool dials explicitly"), p, protocol.ID(proto))
	if err != nil {
		return nil, err
	}
	return &libp2pStream{Stream: s}, nil
}

// SetStreamHandler 实现 Transport
func (t *Libp2p) SetStreamHandler(proto types.ProtocolName, handler StreamHandler) {
	t.mu.Lock()
	t.protocols[proto] = struct{}{}
	t.mu.Unlock()
	t.host.SetStreamHandler(protocol.ID(proto), func(s network.Stream) {
		handler(&libp2pStream{Stream: s})
	})
}

// RemoveStreamHandler 实现 Transport
func (t *Libp2p) RemoveStreamHandler(proto types.ProtocolName) {
	t.mu.Lock()
	delete(t.protocols, proto)
	t.mu.Unlock()
	t.host.RemoveStreamHandler(protocol.ID(proto))
}

// AddAddrs 实现 Transport
func (t *Libp2p) AddAddrs(info peer.AddrInfo) {
	if len(info.Addrs) == 0 {
		return
	}
	t.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
}

// Connected 实现 Transport
func (t *Libp2p) Connected(p peer.ID) bool {
	return t.host.Network().Connectedness(p) == network.Connected
}

// Peers 实现 Transport
func (t *Libp2p) Peers() []peer.ID {
	return t.host.Network().Peers()
}

// Events 实现 Transport
func (t *Libp2p) Events() <-chan Event { return t.queue.out }

// Close 实现 Transport
func (t *Libp2p) Close() error {
	t.closeOnce.Do(func() {
		t.host.Network().StopNotify(t.notifiee)
		t.mu.Lock()
		for proto := range t.protocols {
			t.host.RemoveStreamHandler(protocol.ID(proto))
		}
		t.protocols = map[types.ProtocolName]struct{}{}
		t.mu.Unlock()
		t.queue.close()
	})
	return nil
}

// ParseAddrInfo 解析带 /p2p/<id> 的 multiaddr
func ParseAddrInfo(s string) (*peer.AddrInfo, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(m)
}

// libp2pStream 适配 network.Stream
type libp2pStream struct {
	network.Stream
}

// RemotePeer 实现 Stream
func (s *libp2pStream) RemotePeer() peer.ID { return s.Stream.Conn().RemotePeer() }

// Protocol 实现 Stream
func (s *libp2pStream) Protocol() types.ProtocolName { return types.ProtocolName(s.Stream.Protocol()) }
