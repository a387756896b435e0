package loop

import (
	"context"
	"testing"
	"time"

	eventbus "github.com/asaskevich/EventBus"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/pool"
	"github.com/weisyn/syncnet/internal/core/syncnet/server"
	"github.com/weisyn/syncnet/internal/core/syncnet/session"
	"github.com/weisyn/syncnet/internal/core/syncnet/testutil"
	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/internal/core/syncnet/wire"
	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

const headersProtocol types.ProtocolName = "/syncnet/headers/1"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ==================== 测试辅助 ====================

type harness struct {
	tr     *testutil.FakeTransport
	loop   *Loop
	pool   *pool.Pool
	server *server.Server
	bus    eventbus.Bus
	cancel context.CancelFunc
	runErr chan error
}

func newHarness(t *testing.T, mutate func(o *syncconfig.SyncOptions), reap time.Duration) *harness {
	t.Helper()
	cfg := syncconfig.Default()
	o := cfg.GetOptions()
	o.DialAttempts = 1
	o.AttemptTimeout = 2 * time.Second
	o.InboundRatePerPeer = 0
	if mutate != nil {
		mutate(o)
	}

	h := &harness{
		tr:     testutil.NewFakeTransport(testutil.PeerID(0)),
		bus:    eventbus.New(),
		runErr: make(chan error, 1),
	}
	h.loop = New(h.tr, Options{MaxFrameSize: wire.DefaultMaxFrameSize, ReapInterval: reap}, h.bus, testutil.NopLogger())
	h.pool = pool.New(cfg, h.loop, nil, testutil.NopLogger())
	h.server = server.New(cfg, testutil.NopLogger())
	h.loop.Bind(h.pool, h.server)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.loop.Run(ctx) }()

	t.Cleanup(func() {
		h.stop(t)
		h.server.Wait()
		h.tr.Wait()
		h.bus.WaitAsync()
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case <-h.loop.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

// echoEnd 远端读完请求后直接回复空结果
func echoEnd(remote *testutil.PipeStream) {
	sess := session.New(remote, wire.DefaultMaxFrameSize)
	defer sess.Close()
	if _, err := sess.Receive(context.Background()); err != nil {
		return
	}
	_ = sess.Send(context.Background(), wire.NewEnd(0))
}

// ==================== 出站命令 ====================

func TestLoop_OpenStream_DialsThroughLoop(t *testing.T) {
	// Arrange
	h := newHarness(t, nil, 0)
	remote := testutil.PeerID(1)
	h.tr.Handle(remote, echoEnd)
	ctx := context.Background()

	// Act
	sess, err := h.pool.OpenStream(ctx, remote, headersProtocol)
	require.NoError(t, err)
	require.NoError(t, sess.Send(ctx, wire.NewRequest(1, types.RangeFilter{Limit: 1, Step: 1})))
	msg, err := sess.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	// Assert
	assert.Equal(t, wire.KindEnd, msg.Kind())
	assert.Equal(t, 1, h.tr.Dials(remote))
	assert.True(t, h.tr.FakeSwarm.Connected(remote))
	assert.Equal(t, 0, h.pool.StreamCount(remote))
}

func TestLoop_Commands(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	p := testutil.PeerID(2)

	require.NoError(t, h.loop.Dial(ctx, p))
	peers, err := h.loop.Peers(ctx)
	require.NoError(t, err)
	assert.Contains(t, peers, p)

	require.NoError(t, h.loop.AddAddrs(ctx, peer.AddrInfo{ID: p}))
	_, ok := h.tr.Addrs(p)
	assert.True(t, ok)

	require.NoError(t, h.loop.Disconnect(p))
	assert.False(t, h.tr.FakeSwarm.Connected(p))

	require.NoError(t, h.loop.SetHandler(ctx, headersProtocol))
	assert.True(t, h.tr.HasHandler(headersProtocol))
	require.NoError(t, h.loop.RemoveHandler(ctx, headersProtocol))
	assert.False(t, h.tr.HasHandler(headersProtocol))
}

func TestLoop_DialErrorReturned(t *testing.T) {
	h := newHarness(t, nil, 0)
	p := testutil.PeerID(3)
	h.tr.FailDial(p, nil)

	err := h.loop.Dial(context.Background(), p)
	assert.ErrorIs(t, err, testutil.ErrDialRefused)
}

func TestLoop_CommandsFailAfterStop(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.stop(t)
	require.NoError(t, <-h.runErr)

	ctx := context.Background()
	assert.ErrorIs(t, h.loop.Dial(ctx, testutil.PeerID(1)), ErrLoopClosed)
	_, err := h.loop.NewStream(ctx, testutil.PeerID(1), headersProtocol)
	assert.ErrorIs(t, err, ErrLoopClosed)
	assert.ErrorIs(t, h.loop.SetHandler(ctx, headersProtocol), ErrLoopClosed)
	_, err = h.loop.Peers(ctx)
	assert.ErrorIs(t, err, ErrLoopClosed)
}

// TestLoop_PeersDrainedOnShutdown 已入队的 Peers 命令在关闭时被丢弃，调用方得到 ErrLoopClosed
func TestLoop_PeersDrainedOnShutdown(t *testing.T) {
	// Arrange：循环未运行，命令停留在队列中
	l := New(testutil.NewFakeTransport(testutil.PeerID(0)), Options{MaxFrameSize: wire.DefaultMaxFrameSize}, eventbus.New(), testutil.NopLogger())
	type result struct {
		peers []peer.ID
		err   error
	}
	got := make(chan result, 1)
	go func() {
		ps, err := l.Peers(context.Background())
		got <- result{ps, err}
	}()
	require.Eventually(t, func() bool { return len(l.cmds) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Act
	l.drain()

	// Assert
	select {
	case r := <-got:
		assert.Nil(t, r.peers)
		assert.ErrorIs(t, r.err, ErrLoopClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Peers did not return")
	}
}

func TestLoop_RunTwiceFails(t *testing.T) {
	h := newHarness(t, nil, 0)
	require.Eventually(t, func() bool { return h.loop.started.Load() }, time.Second, time.Millisecond)
	assert.Error(t, h.loop.Run(context.Background()))
}

func TestLoop_RunUnbound(t *testing.T) {
	l := New(testutil.NewFakeTransport(testutil.PeerID(0)), Options{}, nil, testutil.NopLogger())
	assert.Error(t, l.Run(context.Background()))
}

// ==================== 入站流 ====================

func TestLoop_InboundServedByServer(t *testing.T) {
	// Arrange
	h := newHarness(t, nil, 0)
	src := &testutil.CountingSource{Total: 250}
	require.NoError(t, h.server.Register(headersProtocol, src, syncnet.WithChunkSize(100)))
	require.NoError(t, h.loop.SetHandler(context.Background(), headersProtocol))

	// Act
	remote := h.tr.Inbound(testutil.PeerID(4), headersProtocol)
	client := session.New(remote, wire.DefaultMaxFrameSize)
	defer client.Reset()
	ctx := context.Background()
	require.NoError(t, client.Send(ctx, wire.NewRequest(1, types.RangeFilter{Start: 0, Limit: 250, Step: 1})))
	require.NoError(t, client.CloseWrite())

	// Assert
	var items, chunks int
	for {
		msg, err := client.Receive(ctx)
		require.NoError(t, err)
		if msg.Kind() == wire.KindEnd {
			assert.Equal(t, uint64(250), msg.End.Count)
			break
		}
		require.Equal(t, wire.KindChunk, msg.Kind())
		chunks++
		items += len(msg.Chunk.Items)
	}
	assert.Equal(t, 3, chunks)
	assert.Equal(t, 250, items)

	h.server.Wait()
	assert.Equal(t, 0, h.pool.StreamCount(testutil.PeerID(4)))
}

func TestLoop_InboundUnregisteredProtocolReset(t *testing.T) {
	h := newHarness(t, nil, 0)
	require.NoError(t, h.loop.SetHandler(context.Background(), headersProtocol))

	remote := h.tr.Inbound(testutil.PeerID(5), headersProtocol)
	client := session.New(remote, wire.DefaultMaxFrameSize)
	defer client.Reset()

	_, err := client.Receive(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransport), "got %v", err)
}

func TestLoop_InboundOverPeerLimitReset(t *testing.T) {
	// Arrange: 单节点只允许一条流，先占满
	h := newHarness(t, func(o *syncconfig.SyncOptions) { o.MaxStreamsPerPeer = 1 }, 0)
	require.NoError(t, h.server.Register(headersProtocol, &testutil.CountingSource{Total: 10}))
	require.NoError(t, h.loop.SetHandler(context.Background(), headersProtocol))
	p := testutil.PeerID(6)
	release, err := h.pool.AcquireInbound(p)
	require.NoError(t, err)
	defer release()

	// Act
	remote := h.tr.Inbound(p, headersProtocol)
	client := session.New(remote, wire.DefaultMaxFrameSize)
	defer client.Reset()
	_, err = client.Receive(context.Background())

	// Assert
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransport), "got %v", err)
	assert.Equal(t, 1, h.pool.StreamCount(p))
}

// ==================== 连接事件 ====================

func TestLoop_PeerEventsPublished(t *testing.T) {
	h := newHarness(t, nil, 0)
	connected := make(chan syncnet.PeerEvent, 1)
	disconnected := make(chan syncnet.PeerEvent, 1)
	require.NoError(t, h.bus.SubscribeAsync(syncnet.TopicPeerConnected, func(ev syncnet.PeerEvent) { connected <- ev }, false))
	require.NoError(t, h.bus.SubscribeAsync(syncnet.TopicPeerDisconnected, func(ev syncnet.PeerEvent) { disconnected <- ev }, false))
	p := testutil.PeerID(7)

	h.tr.Emit(transport.Event{Kind: transport.EventConnected, Peer: p})
	select {
	case ev := <-connected:
		assert.Equal(t, syncnet.PeerEvent{Peer: p, Connected: true}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event")
	}
	assert.Eventually(t, func() bool { return h.pool.Snapshot().Connections == 1 }, time.Second, 5*time.Millisecond)

	h.tr.Emit(transport.Event{Kind: transport.EventDisconnected, Peer: p})
	select {
	case ev := <-disconnected:
		assert.Equal(t, syncnet.PeerEvent{Peer: p}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnected event")
	}
	assert.Eventually(t, func() bool { return h.pool.Snapshot().Connections == 0 }, time.Second, 5*time.Millisecond)
}

func TestLoop_ReapsIdleConnections(t *testing.T) {
	h := newHarness(t, func(o *syncconfig.SyncOptions) { o.IdleKeepalive = 20 * time.Millisecond }, 10*time.Millisecond)
	p := testutil.PeerID(8)

	require.NoError(t, h.loop.Dial(context.Background(), p))

	assert.Eventually(t, func() bool { return !h.tr.FakeSwarm.Connected(p) }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.pool.Snapshot().Connections == 0 }, time.Second, 5*time.Millisecond)
}
