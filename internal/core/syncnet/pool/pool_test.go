package pool

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/testutil"
	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/pkg/types"
)

const testProtocol types.ProtocolName = "/syncnet/test/1"

func newTestPool(t *testing.T, mutate func(o *syncconfig.SyncOptions)) (*Pool, *testutil.FakeSwarm) {
	t.Helper()
	cfg := syncconfig.Default()
	o := cfg.GetOptions()
	o.MaxStreamsPerPeer = 2
	o.MaxConnections = 2
	o.DialAttempts = 2
	o.DialBackoffBase = 4 * time.Millisecond
	o.DialBackoffMax = time.Second
	o.DialTimeout = 100 * time.Millisecond
	o.IdleKeepalive = time.Minute
	if mutate != nil {
		mutate(o)
	}
	swarm := testutil.NewFakeSwarm(testutil.PeerID(0))
	return New(cfg, swarm, NewScoreTable(16), testutil.NopLogger()), swarm
}

func TestOpenStream_DialsOnceAndReleasesSlot(t *testing.T) {
	p, swarm := newTestPool(t, nil)
	ctx := context.Background()
	peerA := testutil.PeerID(1)

	s1, err := p.OpenStream(ctx, peerA, testProtocol)
	require.NoError(t, err)
	s2, err := p.OpenStream(ctx, peerA, testProtocol)
	require.NoError(t, err)

	assert.Equal(t, 1, swarm.Dials(peerA))
	assert.Equal(t, 2, p.StreamCount(peerA))

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	assert.Equal(t, 1, p.StreamCount(peerA))

	require.NoError(t, s2.Reset())
	assert.Equal(t, 0, p.StreamCount(peerA))
	assert.Equal(t, 1, p.Snapshot().Connections)
}

func TestOpenStream_PeerLimit(t *testing.T) {
	p, _ := newTestPool(t, nil)
	ctx := context.Background()
	peerA := testutil.PeerID(1)

	s1, err := p.OpenStream(ctx, peerA, testProtocol)
	require.NoError(t, err)
	_, err = p.OpenStream(ctx, peerA, testProtocol)
	require.NoError(t, err)

	_, err = p.OpenStream(ctx, peerA, testProtocol)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPeerLimit)
	assert.True(t, types.IsRetryable(err))

	// 释放后立即可用
	require.NoError(t, s1.Close())
	_, err = p.OpenStream(ctx, peerA, testProtocol)
	assert.NoError(t, err)
}

func TestOpenStream_GlobalLimit(t *testing.T) {
	p, _ := newTestPool(t, nil)
	ctx := context.Background()

	_, err := p.OpenStream(ctx, testutil.PeerID(1), testProtocol)
	require.NoError(t, err)
	_, err = p.OpenStream(ctx, testutil.PeerID(2), testProtocol)
	require.NoError(t, err)

	_, err = p.OpenStream(ctx, testutil.PeerID(3), testProtocol)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrGlobalLimit)
	assert.False(t, types.IsRetryable(err))

	// 已连接节点不受全局连接数限制
	_, err = p.OpenStream(ctx, testutil.PeerID(1), testProtocol)
	assert.NoError(t, err)
}

func TestOpenStream_DialFailureBacksOff(t *testing.T) {
	p, swarm := newTestPool(t, nil)
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }
	ctx := context.Background()
	bad := testutil.PeerID(9)
	swarm.FailDial(bad, nil)

	_, err := p.OpenStream(ctx, bad, testProtocol)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)
	assert.ErrorIs(t, err, testutil.ErrDialRefused)
	assert.Equal(t, 2, swarm.Dials(bad))

	// 退避期间不再拨号
	_, err = p.OpenStream(ctx, bad, testProtocol)
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)
	assert.Equal(t, 2, swarm.Dials(bad))

	stats := p.Snapshot()
	assert.Equal(t, 0, stats.Connections)
	assert.Equal(t, 0, stats.Streams)
	assert.Less(t, p.Reputation().Score(bad), 0)
	assert.NotContains(t, p.Candidates(), bad)
}

func TestOpenStream_BackoffExpires(t *testing.T) {
	p, swarm := newTestPool(t, func(o *syncconfig.SyncOptions) {
		o.DialAttempts = 1
		o.DialBackoffBase = time.Second
	})
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	bad := testutil.PeerID(9)
	swarm.FailDial(bad, nil)
	_, err := p.OpenStream(context.Background(), bad, testProtocol)
	require.Error(t, err)

	now = now.Add(2 * time.Second)
	_, err = p.OpenStream(context.Background(), bad, testProtocol)
	require.Error(t, err)
	assert.Equal(t, 2, swarm.Dials(bad))
}

func TestOpenStream_CancelledContext(t *testing.T) {
	p, _ := newTestPool(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.OpenStream(ctx, testutil.PeerID(1), testProtocol)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, 0, p.Snapshot().Streams)
}

func TestAcquireInbound_SharesPeerLimit(t *testing.T) {
	p, _ := newTestPool(t, nil)
	peerA := testutil.PeerID(1)

	r1, err := p.AcquireInbound(peerA)
	require.NoError(t, err)
	_, err = p.OpenStream(context.Background(), peerA, testProtocol)
	require.NoError(t, err)

	_, err = p.AcquireInbound(peerA)
	assert.ErrorIs(t, err, types.ErrPeerLimit)

	r1()
	r1()
	assert.Equal(t, 1, p.StreamCount(peerA))
}

func TestHandleEvent_TracksConnections(t *testing.T) {
	p, _ := newTestPool(t, nil)
	peerA := testutil.PeerID(1)

	p.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: peerA})
	p.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: peerA})
	assert.Equal(t, 1, p.Snapshot().Connections)
	assert.Equal(t, []peer.ID{peerA}, p.Candidates())

	p.HandleEvent(transport.Event{Kind: transport.EventDisconnected, Peer: peerA})
	assert.Equal(t, 0, p.Snapshot().Connections)
	assert.Empty(t, p.Candidates())
}

func TestReapIdle(t *testing.T) {
	p, _ := newTestPool(t, nil)
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	idle, busy, boot := testutil.PeerID(1), testutil.PeerID(2), testutil.PeerID(3)
	for _, id := range []peer.ID{idle, busy, boot} {
		p.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: id})
	}
	p.Protect(boot)
	_, err := p.AcquireInbound(busy)
	require.NoError(t, err)

	assert.Empty(t, p.ReapIdle(now.Add(time.Second)))
	assert.Equal(t, []peer.ID{idle}, p.ReapIdle(now.Add(time.Minute)))
	// 同一节点在断开事件到达前不会重复返回
	assert.Empty(t, p.ReapIdle(now.Add(time.Minute+time.Second)))
}

func TestCandidates_OrderedByReputation(t *testing.T) {
	p, _ := newTestPool(t, nil)
	a, b, c := testutil.PeerID(1), testutil.PeerID(2), testutil.PeerID(3)
	for _, id := range []peer.ID{a, b} {
		p.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: id})
	}
	p.Track(c)

	p.Report(a, OutcomeFailure)
	p.Report(b, OutcomeSuccess)

	assert.Equal(t, []peer.ID{b, a, c}, p.Candidates())
	assert.Equal(t, []peer.ID{a, c}, p.Candidates(b))
}

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, time.Second, computeBackoff(time.Second, 10*time.Second, 0))
	assert.Equal(t, 4*time.Second, computeBackoff(time.Second, 10*time.Second, 2))
	assert.Equal(t, 10*time.Second, computeBackoff(time.Second, 10*time.Second, 8))
	assert.Equal(t, time.Duration(0), computeBackoff(0, time.Second, 3))
}
