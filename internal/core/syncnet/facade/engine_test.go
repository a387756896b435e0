package facade

import (
	"context"
	"io"
	"testing"
	"time"

	eventbus "github.com/asaskevich/EventBus"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/dispatcher"
	"github.com/weisyn/syncnet/internal/core/syncnet/testutil"
	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

// mocknet 与 libp2p 内部会留下后台 goroutine，这里不做 goleak 检查

const headersProtocol types.ProtocolName = "/syncnet/headers/1"

// ==================== 测试辅助 ====================

func testConfig(mutate func(o *syncconfig.SyncOptions)) *syncconfig.Config {
	cfg := syncconfig.Default()
	o := cfg.GetOptions()
	o.AttemptTimeout = 3 * time.Second
	o.DialTimeout = 2 * time.Second
	o.DialAttempts = 1
	o.InboundRatePerPeer = 0
	if mutate != nil {
		mutate(o)
	}
	return cfg
}

type network struct {
	mn      mocknet.Mocknet
	hosts   []host.Host
	engines []*Engine
}

// newNetwork 创建 n 个通过 mocknet 互联的引擎（未启动）
func newNetwork(t *testing.T, n int, mutate func(o *syncconfig.SyncOptions)) *network {
	t.Helper()
	mn := mocknet.New()
	nw := &network{mn: mn}
	for i := 0; i < n; i++ {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		nw.hosts = append(nw.hosts, h)
		tr := transport.NewLibp2p(h, testutil.NopLogger())
		nw.engines = append(nw.engines, New(testConfig(mutate), tr, eventbus.New(), testutil.NopLogger()))
	}
	require.NoError(t, mn.LinkAll())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, e := range nw.engines {
			_ = e.Shutdown(ctx)
		}
		_ = mn.Close()
	})
	return nw
}

func (nw *network) start(t *testing.T) {
	t.Helper()
	for _, e := range nw.engines {
		require.NoError(t, e.Start(context.Background()))
	}
}

func (nw *network) addrInfo(i int) peer.AddrInfo {
	return peer.AddrInfo{ID: nw.hosts[i].ID(), Addrs: nw.hosts[i].Addrs()}
}

func collect(t *testing.T, rs syncnet.ResultStream) ([]*types.ResponseItem, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var items []*types.ResponseItem
	for item, err := range rs.All(ctx) {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ==================== 端到端查询 ====================

func TestEngine_QueryOverMocknet(t *testing.T) {
	// Arrange
	nw := newNetwork(t, 2, nil)
	src := &testutil.CountingSource{Total: 1000}
	require.NoError(t, nw.engines[0].RegisterProtocolHandler(headersProtocol, src, syncnet.WithChunkSize(100)))
	nw.start(t)
	client := nw.engines[1]
	require.NoError(t, client.Connect(context.Background(), nw.addrInfo(0)))

	// Act
	rs, err := client.Issue(context.Background(), types.Query{
		Protocol: headersProtocol,
		Range:    types.RangeFilter{Start: 0, Limit: 1000, Step: 1},
		Peers:    []peer.ID{nw.hosts[0].ID()},
	})
	require.NoError(t, err)
	items, err := collect(t, rs)

	// Assert
	require.NoError(t, err)
	require.Len(t, items, 1000)
	for i, item := range items {
		assert.Equal(t, uint64(i), item.Index)
		assert.Equal(t, testutil.Record(uint64(i)), item.Data)
		assert.Equal(t, nw.hosts[0].ID(), item.Peer)
	}
	assert.Equal(t, uint64(1000), rs.Delivered())
	assert.Eventually(t, func() bool { return client.Stats().Inflight == 0 }, time.Second, 10*time.Millisecond)
}

func TestEngine_RetriesOnUnsupportedPeer(t *testing.T) {
	// 节点 0 未注册协议，节点 1 提供数据
	nw := newNetwork(t, 3, nil)
	require.NoError(t, nw.engines[1].RegisterProtocolHandler(headersProtocol, &testutil.CountingSource{Total: 50}))
	nw.start(t)
	client := nw.engines[2]
	require.NoError(t, client.Connect(context.Background(), nw.addrInfo(0)))
	require.NoError(t, client.Connect(context.Background(), nw.addrInfo(1)))

	rs, err := client.Issue(context.Background(), types.Query{
		Protocol: headersProtocol,
		Range:    types.RangeFilter{Start: 0, Limit: 50, Step: 1},
		Peers:    []peer.ID{nw.hosts[0].ID(), nw.hosts[1].ID()},
	})
	require.NoError(t, err)
	items, err := collect(t, rs)

	require.NoError(t, err)
	require.Len(t, items, 50)
	assert.Equal(t, nw.hosts[1].ID(), items[0].Peer)
}

func TestEngine_RegisterAfterStart(t *testing.T) {
	nw := newNetwork(t, 2, nil)
	nw.start(t)
	require.NoError(t, nw.engines[0].RegisterProtocolHandler(headersProtocol, &testutil.CountingSource{Total: 5}))
	client := nw.engines[1]
	require.NoError(t, client.Connect(context.Background(), nw.addrInfo(0)))

	rs, err := client.Issue(context.Background(), types.Query{
		Protocol: headersProtocol,
		Range:    types.RangeFilter{Limit: 5, Step: 1},
		Peers:    []peer.ID{nw.hosts[0].ID()},
	})
	require.NoError(t, err)
	items, err := collect(t, rs)
	require.NoError(t, err)
	assert.Len(t, items, 5)

	// 注销后新的查询失败
	require.NoError(t, nw.engines[0].UnregisterProtocolHandler(headersProtocol))
	rs, err = client.Issue(context.Background(), types.Query{
		Protocol: headersProtocol,
		Range:    types.RangeFilter{Limit: 5, Step: 1},
		Peers:    []peer.ID{nw.hosts[0].ID()},
	})
	require.NoError(t, err)
	items, err = collect(t, rs)
	require.Error(t, err)
	assert.Empty(t, items)
	var qe *dispatcher.QueryError
	require.ErrorAs(t, err, &qe)
	assert.False(t, qe.Partial())
}

func TestEngine_CancelMidSequenceReleasesCapacity(t *testing.T) {
	nw := newNetwork(t, 2, func(o *syncconfig.SyncOptions) { o.MaxStreamsPerPeer = 1 })
	require.NoError(t, nw.engines[0].RegisterProtocolHandler(headersProtocol, &testutil.CountingSource{Total: 5000}, syncnet.WithChunkSize(10)))
	nw.start(t)
	client := nw.engines[1]
	require.NoError(t, client.Connect(context.Background(), nw.addrInfo(0)))
	query := types.Query{
		Protocol: headersProtocol,
		Range:    types.RangeFilter{Limit: 5000, Step: 1},
		Peers:    []peer.ID{nw.hosts[0].ID()},
	}

	rs, err := client.Issue(context.Background(), query)
	require.NoError(t, err)
	for i := 0; i < 15; i++ {
		_, err := rs.Next(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, rs.Close())
	_, err = rs.Next(context.Background())
	assert.True(t, types.IsKind(err, types.KindCancelled), "got %v", err)

	// 单节点只允许一条流：两端的流配额都归还后才能发起下一次查询
	assert.Eventually(t, func() bool {
		return client.Stats().Pool.Streams == 0 && nw.engines[0].Stats().Pool.Streams == 0
	}, 3*time.Second, 10*time.Millisecond)
	query.Range.Limit = 20
	rs, err = client.Issue(context.Background(), query)
	require.NoError(t, err)
	items, err := collect(t, rs)
	require.NoError(t, err)
	assert.Len(t, items, 20)
}

func TestEngine_PeerEventsOnBus(t *testing.T) {
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })
	h0, err := mn.GenPeer()
	require.NoError(t, err)
	h1, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	bus := eventbus.New()
	events := make(chan syncnet.PeerEvent, 4)
	require.NoError(t, bus.SubscribeAsync(syncnet.TopicPeerConnected, func(ev syncnet.PeerEvent) { events <- ev }, false))

	e := New(testConfig(nil), transport.NewLibp2p(h1, testutil.NopLogger()), bus, testutil.NopLogger())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	require.NoError(t, e.Connect(context.Background(), peer.AddrInfo{ID: h0.ID(), Addrs: h0.Addrs()}))

	select {
	case ev := <-events:
		assert.Equal(t, h0.ID(), ev.Peer)
		assert.True(t, ev.Connected)
	case <-time.After(3 * time.Second):
		t.Fatal("no peer event")
	}
	peers, err := e.Peers(context.Background())
	require.NoError(t, err)
	assert.Contains(t, peers, h0.ID())
}

// ==================== 生命周期 ====================

func TestEngine_Lifecycle(t *testing.T) {
	nw := newNetwork(t, 1, func(o *syncconfig.SyncOptions) {
		o.Protocols = []types.ProtocolName{headersProtocol}
	})
	e := nw.engines[0]

	_, err := e.Issue(context.Background(), types.Query{Protocol: headersProtocol, Range: types.RangeFilter{Limit: 1}})
	assert.ErrorIs(t, err, ErrNotStarted)

	err = e.RegisterProtocolHandler("/syncnet/blocks/1", &testutil.CountingSource{})
	assert.ErrorIs(t, err, ErrProtocolNotAllowed)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))

	assert.ErrorIs(t, e.Start(context.Background()), ErrStopped)
	_, err = e.Peers(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEngine_ShutdownEndsInflightQuery(t *testing.T) {
	nw := newNetwork(t, 2, nil)
	gate := make(chan struct{})
	defer close(gate)
	require.NoError(t, nw.engines[0].RegisterProtocolHandler(headersProtocol, &testutil.CountingSource{Total: 100, Gate: gate}))
	nw.start(t)
	client := nw.engines[1]
	require.NoError(t, client.Connect(context.Background(), nw.addrInfo(0)))

	rs, err := client.Issue(context.Background(), types.Query{
		Protocol: headersProtocol,
		Range:    types.RangeFilter{Limit: 100, Step: 1},
		Peers:    []peer.ID{nw.hosts[0].ID()},
	})
	require.NoError(t, err)

	next := make(chan error, 1)
	go func() {
		_, err := rs.Next(context.Background())
		next <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Shutdown(ctx))

	select {
	case err := <-next:
		require.Error(t, err)
		assert.NotErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("Next not unblocked by shutdown")
	}
}
