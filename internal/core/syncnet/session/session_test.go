package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/syncnet/internal/core/syncnet/testutil"
	"github.com/weisyn/syncnet/internal/core/syncnet/wire"
	"github.com/weisyn/syncnet/pkg/types"
)

const testProtocol types.ProtocolName = "/syncnet/test/1"

func newPair(t *testing.T, opts ...Option) (*Session, *Session, *testutil.PipeStream) {
	t.Helper()
	a, b := testutil.StreamPair(testutil.PeerID(1), testutil.PeerID(2), testProtocol)
	return New(a, wire.DefaultMaxFrameSize, opts...), New(b, wire.DefaultMaxFrameSize), a
}

func TestSession_SendReceive(t *testing.T) {
	client, server, _ := newPair(t)
	ctx := context.Background()

	go func() {
		_ = client.Send(ctx, wire.NewRequest(1, types.RangeFilter{Start: 5, Limit: 10, Step: 1}))
	}()

	msg, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.KindRequest, msg.Kind())
	assert.Equal(t, uint64(5), msg.Request.Start)
	assert.Equal(t, testutil.PeerID(1), server.Peer())
	assert.Equal(t, testProtocol, server.Protocol())
}

func TestSession_CloseWriteGivesStreamClosed(t *testing.T) {
	client, server, _ := newPair(t)
	ctx := context.Background()

	go func() {
		_ = client.Send(ctx, wire.NewEnd(0))
		_ = client.CloseWrite()
	}()

	_, err := server.Receive(ctx)
	require.NoError(t, err)
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, types.ErrStreamClosed)

	// 半关闭后不能再发送
	err = client.Send(ctx, wire.NewEnd(0))
	assert.True(t, types.IsKind(err, types.KindTransport))
}

func TestSession_CancelDuringReceiveResets(t *testing.T) {
	var released atomic.Int32
	client, _, stream := newPair(t, WithRelease(func() { released.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := client.Receive(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, types.IsKind(err, types.KindCancelled), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock on cancel")
	}
	assert.Equal(t, 1, stream.ResetCount())
	assert.Equal(t, int32(1), released.Load())
	assert.True(t, client.Closed())
}

func TestSession_DeadlineMapsToTimeout(t *testing.T) {
	client, _, _ := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Receive(ctx)
	assert.ErrorIs(t, err, types.ErrTimeout)
}

func TestSession_ReleaseRunsOnce(t *testing.T) {
	var released atomic.Int32
	client, _, stream := newPair(t, WithRelease(func() { released.Add(1) }))

	require.NoError(t, client.Close())
	require.NoError(t, client.Reset())
	require.NoError(t, client.Close())

	assert.Equal(t, int32(1), released.Load())
	assert.Equal(t, 1, stream.CloseCount())
	assert.Equal(t, 0, stream.ResetCount())

	_, err := client.Receive(context.Background())
	assert.ErrorIs(t, err, types.ErrStreamClosed)
}

func TestSession_RemoteResetIsTransportError(t *testing.T) {
	client, server, _ := newPair(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = server.Reset()
	}()

	_, err := client.Receive(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransport), "got %v", err)
	assert.ErrorIs(t, err, testutil.ErrStreamReset)
}
