package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logimpl "github.com/weisyn/syncnet/internal/core/infrastructure/log"
	"github.com/weisyn/syncnet/pkg/types"
)

const echoProtocol types.ProtocolName = "/syncnet/echo/1"

func newPair(t *testing.T) (host.Host, host.Host) {
	t.Helper()
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })
	a, err := mn.GenPeer()
	require.NoError(t, err)
	b, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	return a, b
}

func nextEvent(t *testing.T, tr *Libp2p) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no transport event")
		return Event{}
	}
}

func TestLibp2p_ConnectEvents(t *testing.T) {
	a, b := newPair(t)
	ta := NewLibp2p(a, logimpl.NewNop())
	defer ta.Close()

	ta.AddAddrs(b.Peerstore().PeerInfo(b.ID()))
	require.NoError(t, ta.Dial(context.Background(), b.ID()))
	assert.True(t, ta.Connected(b.ID()))
	assert.Contains(t, ta.Peers(), b.ID())
	assert.Equal(t, Event{Kind: EventConnected, Peer: b.ID()}, nextEvent(t, ta))

	require.NoError(t, ta.Disconnect(b.ID()))
	assert.Equal(t, Event{Kind: EventDisconnected, Peer: b.ID()}, nextEvent(t, ta))
	assert.False(t, ta.Connected(b.ID()))
}

// newLoopbackHost 在回环 TCP 上启动真实主机；mocknet 会忽略 WithNoDial
func newLoopbackHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestLibp2p_NewStreamDoesNotDial(t *testing.T) {
	// Arrange
	a, b := newLoopbackHost(t), newLoopbackHost(t)
	ta := NewLibp2p(a, logimpl.NewNop())
	defer ta.Close()
	ta.AddAddrs(peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()})

	// Act
	_, err := ta.NewStream(context.Background(), b.ID(), echoProtocol)

	// Assert
	require.Error(t, err)
	assert.False(t, ta.Connected(b.ID()))
	assert.Empty(t, a.Network().ConnsToPeer(b.ID()))

	// 显式拨号后即可打开流
	require.NoError(t, ta.Dial(context.Background(), b.ID()))
	assert.True(t, ta.Connected(b.ID()))
}

func TestLibp2p_StreamHandler(t *testing.T) {
	// Arrange
	a, b := newPair(t)
	ta := NewLibp2p(a, logimpl.NewNop())
	tb := NewLibp2p(b, logimpl.NewNop())
	defer ta.Close()
	defer tb.Close()

	accepted := make(chan Stream, 1)
	tb.SetStreamHandler(echoProtocol, func(s Stream) {
		accepted <- s
		_, _ = io.Copy(s, s)
		_ = s.Close()
	})
	ta.AddAddrs(b.Peerstore().PeerInfo(b.ID()))
	require.NoError(t, ta.Dial(context.Background(), b.ID()))

	// Act
	s, err := ta.NewStream(context.Background(), b.ID(), echoProtocol)
	require.NoError(t, err)
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	got, err := io.ReadAll(s)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, "ping", string(got))
	assert.Equal(t, echoProtocol, s.Protocol())
	assert.Equal(t, b.ID(), s.RemotePeer())
	remote := <-accepted
	assert.Equal(t, a.ID(), remote.RemotePeer())
	assert.Equal(t, echoProtocol, remote.Protocol())

	// 注销后不再接受新流
	tb.RemoveStreamHandler(echoProtocol)
	s2, err := ta.NewStream(context.Background(), b.ID(), echoProtocol)
	if err == nil {
		_, err = s2.Read(make([]byte, 1))
	}
	assert.Error(t, err)
}

func TestLibp2p_CloseStopsEvents(t *testing.T) {
	a, _ := newPair(t)
	ta := NewLibp2p(a, logimpl.NewNop())
	require.NoError(t, ta.Close())
	require.NoError(t, ta.Close())

	select {
	case _, ok := <-ta.Events():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("events not closed")
	}
}

func TestParseAddrInfo(t *testing.T) {
	info, err := ParseAddrInfo("/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWGRUVh5fVvW5EMPpFXXwR8AYFjLUqMVJEvMBsiBvCmH3j")
	require.NoError(t, err)
	assert.Equal(t, "12D3KooWGRUVh5fVvW5EMPpFXXwR8AYFjLUqMVJEvMBsiBvCmH3j", info.ID.String())
	require.Len(t, info.Addrs, 1)

	_, err = ParseAddrInfo("/ip4/127.0.0.1/tcp/4001")
	assert.Error(t, err)
	_, err = ParseAddrInfo("not-a-multiaddr")
	assert.Error(t, err)
}
