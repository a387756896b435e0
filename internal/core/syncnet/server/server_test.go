package server

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/session"
	"github.com/weisyn/syncnet/internal/core/syncnet/testutil"
	"github.com/weisyn/syncnet/internal/core/syncnet/wire"
	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

const headersProtocol types.ProtocolName = "/syncnet/headers/1"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ==================== 测试辅助 ====================

func newTestServer(t *testing.T, mutate func(o *syncconfig.SyncOptions)) *Server {
	t.Helper()
	cfg := syncconfig.Default()
	o := cfg.GetOptions()
	o.ChunkSize = 100
	o.MaxLimit = 5000
	o.AttemptTimeout = 2 * time.Second
	o.InboundRatePerPeer = 0
	if mutate != nil {
		mutate(o)
	}
	return New(cfg, testutil.NopLogger())
}

// startServe 建立一对内存流，服务端在后台处理
func startServe(t *testing.T, srv *Server, peerN int, protocol types.ProtocolName) (*session.Session, <-chan struct{}) {
	t.Helper()
	return startServeWithFrame(t, srv, peerN, protocol, wire.DefaultMaxFrameSize)
}

// startServeWithFrame 服务端会话使用指定的单帧上限
func startServeWithFrame(t *testing.T, srv *Server, peerN int, protocol types.ProtocolName, maxFrame int) (*session.Session, <-chan struct{}) {
	t.Helper()
	a, b := testutil.StreamPair(testutil.PeerID(peerN), testutil.PeerID(0), protocol)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(context.Background(), session.New(b, maxFrame))
	}()
	client := session.New(a, wire.DefaultMaxFrameSize)
	t.Cleanup(func() { _ = client.Reset() })
	return client, done
}

func sendRequest(t *testing.T, client *session.Session, version uint32, filter types.RangeFilter) {
	t.Helper()
	require.NoError(t, client.Send(context.Background(), wire.NewRequest(version, filter)))
	require.NoError(t, client.CloseWrite())
}

type response struct {
	chunks int
	items  [][]byte
	end    *wire.EndOfResponse
	remote *wire.ErrorMessage
	err    error
}

func readResponse(client *session.Session) response {
	var r response
	for {
		msg, err := client.Receive(context.Background())
		if err != nil {
			r.err = err
			return r
		}
		switch msg.Kind() {
		case wire.KindChunk:
			r.chunks++
			r.items = append(r.items, msg.Chunk.Items...)
		case wire.KindEnd:
			r.end = msg.End
			return r
		case wire.KindError:
			r.remote = msg.Error
			return r
		}
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return")
	}
}

// ==================== 分块与背压 ====================

// TestServer_Serve_ThousandRecords_TenChunksThenEnd 1000 条记录、块大小 100 → 10 块 + End
func TestServer_Serve_ThousandRecords_TenChunksThenEnd(t *testing.T) {
	// Arrange
	srv := newTestServer(t, nil)
	src := &testutil.CountingSource{Total: 1000}
	require.NoError(t, srv.Register(headersProtocol, src))
	client, done := startServe(t, srv, 1, headersProtocol)

	// Act
	sendRequest(t, client, 1, types.RangeFilter{Start: 0, Limit: 1000, Step: 1})

	chunks := 0
	var received uint64
	var end *wire.EndOfResponse
	for end == nil {
		msg, err := client.Receive(context.Background())
		require.NoError(t, err)
		switch msg.Kind() {
		case wire.KindChunk:
			require.Len(t, msg.Chunk.Items, 100)
			for i, item := range msg.Chunk.Items {
				assert.Equal(t, testutil.Record(received+uint64(i)), item)
			}
			chunks++
			received += uint64(len(msg.Chunk.Items))
			// 服务端最多多拉取正在写入的那一块和下一块
			assert.LessOrEqual(t, src.Pulled(), received+200)
		case wire.KindEnd:
			end = msg.End
		default:
			t.Fatalf("unexpected %s", msg.Kind())
		}
	}

	// Assert
	assert.Equal(t, 10, chunks)
	assert.Equal(t, uint64(1000), end.Count)
	_, err := client.Receive(context.Background())
	assert.ErrorIs(t, err, types.ErrStreamClosed)
	waitDone(t, done)
	assert.Equal(t, 1, src.Closed())
}

// TestServer_Serve_PartialLastChunk 不足一块的尾部单独发送
func TestServer_Serve_PartialLastChunk(t *testing.T) {
	srv := newTestServer(t, nil)
	require.NoError(t, srv.Register(headersProtocol, &testutil.CountingSource{Total: 1000}, syncnet.WithChunkSize(64)))
	client, done := startServe(t, srv, 1, headersProtocol)

	sendRequest(t, client, 1, types.RangeFilter{Start: 10, Limit: 150, Step: 1})
	r := readResponse(client)

	require.NoError(t, r.err)
	require.NotNil(t, r.end)
	assert.Equal(t, 3, r.chunks)
	assert.Len(t, r.items, 150)
	assert.Equal(t, testutil.Record(10), r.items[0])
	assert.Equal(t, uint64(150), r.end.Count)
	waitDone(t, done)
}

// TestServer_Serve_EmptyRange 没有数据时只发送 End
func TestServer_Serve_EmptyRange(t *testing.T) {
	srv := newTestServer(t, nil)
	require.NoError(t, srv.Register(headersProtocol, &testutil.CountingSource{Total: 10}))
	client, done := startServe(t, srv, 1, headersProtocol)

	sendRequest(t, client, 1, types.RangeFilter{Start: 50, Limit: 10, Step: 1})
	r := readResponse(client)

	require.NotNil(t, r.end)
	assert.Equal(t, 0, r.chunks)
	assert.Equal(t, uint64(0), r.end.Count)
	waitDone(t, done)
}

// TestServer_Serve_BackwardWithStep 反向带步长
func TestServer_Serve_BackwardWithStep(t *testing.T) {
	srv := newTestServer(t, nil)
	require.NoError(t, srv.Register(headersProtocol, &testutil.CountingSource{Total: 100}))
	client, done := startServe(t, srv, 1, headersProtocol)

	sendRequest(t, client, 1, types.RangeFilter{Start: 20, Limit: 10, Step: 5, Direction: types.DirectionBackward})
	r := readResponse(client)

	require.NotNil(t, r.end)
	assert.Equal(t, [][]byte{testutil.Record(20), testutil.Record(15), testutil.Record(10), testutil.Record(5), testutil.Record(0)}, r.items)
	waitDone(t, done)
}

// ==================== 按编码大小分块 ====================

// TestServer_Serve_LargeRecords_SplitByFrameSize 100 条 64KiB 记录超过单帧上限时按大小拆块
func TestServer_Serve_LargeRecords_SplitByFrameSize(t *testing.T) {
	// Arrange
	srv := newTestServer(t, nil)
	src := &testutil.CountingSource{Total: 100, RecordSize: 64 << 10}
	require.NoError(t, srv.Register(headersProtocol, src, syncnet.WithChunkSize(100)))
	client, done := startServe(t, srv, 1, headersProtocol)

	// Act
	sendRequest(t, client, 1, types.RangeFilter{Limit: 100, Step: 1})
	r := readResponse(client)

	// Assert
	require.NoError(t, r.err)
	require.Nil(t, r.remote)
	require.NotNil(t, r.end)
	assert.Equal(t, uint64(100), r.end.Count)
	assert.GreaterOrEqual(t, r.chunks, 2)
	require.Len(t, r.items, 100)
	for i, item := range r.items {
		require.Len(t, item, 64<<10)
		assert.Equal(t, testutil.Record(uint64(i)), item[:8])
	}
	waitDone(t, done)
}

// TestServer_Serve_SmallFrame_EveryChunkFits 块内累计大小不超过单帧上限
func TestServer_Serve_SmallFrame_EveryChunkFits(t *testing.T) {
	srv := newTestServer(t, nil)
	src := &testutil.CountingSource{Total: 10, RecordSize: 512}
	require.NoError(t, srv.Register(headersProtocol, src))
	client, done := startServeWithFrame(t, srv, 1, headersProtocol, 1024)

	sendRequest(t, client, 1, types.RangeFilter{Limit: 10, Step: 1})
	r := readResponse(client)

	require.NotNil(t, r.end)
	assert.Equal(t, 10, r.chunks)
	assert.Len(t, r.items, 10)
	waitDone(t, done)
}

func TestServer_Serve_RecordLargerThanFrame(t *testing.T) {
	t.Run("in_band", func(t *testing.T) {
		srv := newTestServer(t, nil)
		src := &testutil.CountingSource{Total: 10, RecordSize: 2048}
		require.NoError(t, srv.Register(headersProtocol, src))
		client, done := startServeWithFrame(t, srv, 1, headersProtocol, 1024)

		sendRequest(t, client, 1, types.RangeFilter{Limit: 10, Step: 1})
		r := readResponse(client)

		assert.Equal(t, 0, r.chunks)
		require.NotNil(t, r.remote)
		assert.Equal(t, wire.CodeInternal, r.remote.Code)
		waitDone(t, done)
		assert.Equal(t, 1, src.Closed())
	})

	t.Run("abrupt_close", func(t *testing.T) {
		srv := newTestServer(t, nil)
		src := &testutil.CountingSource{Total: 10, RecordSize: 2048}
		require.NoError(t, srv.Register(headersProtocol, src, syncnet.WithErrorPolicy(types.ErrorPolicyAbruptClose)))
		client, done := startServeWithFrame(t, srv, 1, headersProtocol, 1024)

		sendRequest(t, client, 1, types.RangeFilter{Limit: 10, Step: 1})
		r := readResponse(client)

		assert.Nil(t, r.remote)
		assert.Nil(t, r.end)
		assert.True(t, types.IsKind(r.err, types.KindTransport), "got %v", r.err)
		waitDone(t, done)
	})
}

// ==================== 对端提前离开 ====================

// TestServer_Serve_PeerResetsAfterRequest_AbandonsStorageRead 对端发送请求后重置
func TestServer_Serve_PeerResetsAfterRequest_AbandonsStorageRead(t *testing.T) {
	// Arrange：存储读取被闸门挡住，只能靠取消退出
	srv := newTestServer(t, nil)
	src := &testutil.CountingSource{Total: 1000, Gate: make(chan struct{})}
	require.NoError(t, srv.Register(headersProtocol, src))
	client, done := startServe(t, srv, 1, headersProtocol)

	// 另一条流上的正常请求
	other := &testutil.CountingSource{Total: 300}
	require.NoError(t, srv.Register("/syncnet/blocks/1", other))
	otherClient, otherDone := startServe(t, srv, 2, "/syncnet/blocks/1")

	// Act
	require.NoError(t, client.Send(context.Background(), wire.NewRequest(1, types.RangeFilter{Limit: 1000, Step: 1})))
	require.NoError(t, client.Reset())

	sendRequest(t, otherClient, 1, types.RangeFilter{Limit: 300, Step: 1})
	r := readResponse(otherClient)

	// Assert
	waitDone(t, done)
	assert.True(t, src.SawCancel())
	assert.Equal(t, uint64(0), src.Pulled())
	assert.Equal(t, 1, src.Closed())

	require.NoError(t, r.err)
	require.NotNil(t, r.end)
	assert.Equal(t, uint64(300), r.end.Count)
	waitDone(t, otherDone)
}

// TestServer_Serve_PeerClosesMidStream_StopsReading 对端读了一块后关闭
func TestServer_Serve_PeerClosesMidStream_StopsReading(t *testing.T) {
	srv := newTestServer(t, nil)
	src := &testutil.CountingSource{Total: 5000}
	require.NoError(t, srv.Register(headersProtocol, src))
	client, done := startServe(t, srv, 1, headersProtocol)

	sendRequest(t, client, 1, types.RangeFilter{Limit: 5000, Step: 1})
	msg, err := client.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.KindChunk, msg.Kind())
	require.NoError(t, client.Close())

	waitDone(t, done)
	assert.Less(t, src.Pulled(), uint64(5000))
	assert.Equal(t, 1, src.Closed())
}

// ==================== 校验与拒绝 ====================

func TestServer_Serve_InvalidRequests_BadRequest(t *testing.T) {
	cases := []struct {
		name    string
		version uint32
		filter  types.RangeFilter
	}{
		{"zero limit", 1, types.RangeFilter{Limit: 0, Step: 1}},
		{"limit over max", 1, types.RangeFilter{Limit: 5001, Step: 1}},
		{"zero step", 1, types.RangeFilter{Limit: 10, Step: 0}},
		{"wrong version", 2, types.RangeFilter{Limit: 10, Step: 1}},
		{"unknown direction", 1, types.RangeFilter{Limit: 10, Step: 1, Direction: 7}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, nil)
			src := &testutil.CountingSource{Total: 100}
			require.NoError(t, srv.Register(headersProtocol, src))
			client, done := startServe(t, srv, 1, headersProtocol)

			sendRequest(t, client, tc.version, tc.filter)
			r := readResponse(client)

			require.NotNil(t, r.remote, "err=%v", r.err)
			assert.Equal(t, wire.CodeBadRequest, r.remote.Code)
			waitDone(t, done)
			assert.Equal(t, uint64(0), src.Pulled())
		})
	}
}

func TestServer_Serve_UnregisteredProtocol_Unsupported(t *testing.T) {
	srv := newTestServer(t, nil)
	client, done := startServe(t, srv, 1, "/syncnet/unknown/1")

	sendRequest(t, client, 1, types.RangeFilter{Limit: 10, Step: 1})
	r := readResponse(client)

	require.NotNil(t, r.remote)
	assert.Equal(t, wire.CodeUnsupported, r.remote.Code)
	waitDone(t, done)
}

func TestServer_Serve_NotARequest_BadRequest(t *testing.T) {
	srv := newTestServer(t, nil)
	require.NoError(t, srv.Register(headersProtocol, &testutil.CountingSource{Total: 10}))
	client, done := startServe(t, srv, 1, headersProtocol)

	require.NoError(t, client.Send(context.Background(), wire.NewEnd(3)))
	require.NoError(t, client.CloseWrite())
	r := readResponse(client)

	require.NotNil(t, r.remote)
	assert.Equal(t, wire.CodeBadRequest, r.remote.Code)
	waitDone(t, done)
}

func TestServer_Serve_Saturated_Unavailable(t *testing.T) {
	srv := newTestServer(t, func(o *syncconfig.SyncOptions) { o.MaxInboundConcurrency = 1 })
	gate := make(chan struct{})
	require.NoError(t, srv.Register(headersProtocol, &testutil.CountingSource{Total: 10, Gate: gate}))

	first, firstDone := startServe(t, srv, 1, headersProtocol)
	sendRequest(t, first, 1, types.RangeFilter{Limit: 1, Step: 1})
	require.Eventually(t, func() bool { return srv.sem.Available() == 0 }, time.Second, 5*time.Millisecond)

	second, secondDone := startServe(t, srv, 2, headersProtocol)
	sendRequest(t, second, 1, types.RangeFilter{Limit: 1, Step: 1})
	r := readResponse(second)
	require.NotNil(t, r.remote)
	assert.Equal(t, wire.CodeUnavailable, r.remote.Code)
	waitDone(t, secondDone)

	close(gate)
	r = readResponse(first)
	require.NotNil(t, r.end)
	waitDone(t, firstDone)
	assert.Equal(t, 1, srv.sem.Available())
}

func TestServer_Serve_RateLimitedPerPeer(t *testing.T) {
	srv := newTestServer(t, func(o *syncconfig.SyncOptions) {
		o.InboundRatePerPeer = 0.001
		o.InboundBurstPerPeer = 1
	})
	require.NoError(t, srv.Register(headersProtocol, &testutil.CountingSource{Total: 10}))

	first, firstDone := startServe(t, srv, 1, headersProtocol)
	sendRequest(t, first, 1, types.RangeFilter{Limit: 5, Step: 1})
	require.NotNil(t, readResponse(first).end)
	waitDone(t, firstDone)

	second, secondDone := startServe(t, srv, 1, headersProtocol)
	sendRequest(t, second, 1, types.RangeFilter{Limit: 5, Step: 1})
	r := readResponse(second)
	require.NotNil(t, r.remote)
	assert.Equal(t, wire.CodeUnavailable, r.remote.Code)
	waitDone(t, secondDone)

	// 其他节点不受影响
	third, thirdDone := startServe(t, srv, 3, headersProtocol)
	sendRequest(t, third, 1, types.RangeFilter{Limit: 5, Step: 1})
	require.NotNil(t, readResponse(third).end)
	waitDone(t, thirdDone)
}

// ==================== 存储失败策略 ====================

func TestServer_Serve_StorageFailure_InBandError(t *testing.T) {
	srv := newTestServer(t, nil)
	src := &testutil.CountingSource{Total: 1000, FailAt: 150, FailErr: errors.New("disk gone")}
	require.NoError(t, srv.Register(headersProtocol, src))
	client, done := startServe(t, srv, 1, headersProtocol)

	sendRequest(t, client, 1, types.RangeFilter{Limit: 1000, Step: 1})
	r := readResponse(client)

	assert.Equal(t, 1, r.chunks)
	require.NotNil(t, r.remote)
	assert.Equal(t, wire.CodeInternal, r.remote.Code)
	waitDone(t, done)
	assert.Equal(t, 1, src.Closed())
}

func TestServer_Serve_StorageFailure_AbruptClose(t *testing.T) {
	srv := newTestServer(t, nil)
	src := &testutil.CountingSource{Total: 1000, FailAt: 150, FailErr: errors.New("disk gone")}
	require.NoError(t, srv.Register(headersProtocol, src, syncnet.WithErrorPolicy(types.ErrorPolicyAbruptClose)))
	client, done := startServe(t, srv, 1, headersProtocol)

	sendRequest(t, client, 1, types.RangeFilter{Limit: 1000, Step: 1})
	r := readResponse(client)

	assert.Equal(t, 1, r.chunks)
	assert.Nil(t, r.remote)
	assert.Nil(t, r.end)
	assert.True(t, types.IsKind(r.err, types.KindTransport), "got %v", r.err)
	waitDone(t, done)
}

func TestServer_Serve_ErrorPolicyFromConfig(t *testing.T) {
	srv := newTestServer(t, func(o *syncconfig.SyncOptions) {
		o.ErrorPolicies[headersProtocol] = types.ErrorPolicyAbruptClose
	})
	require.NoError(t, srv.Register(headersProtocol, &testutil.CountingSource{Total: 1}))

	infos := srv.Protocols()
	require.Len(t, infos, 1)
	assert.Equal(t, types.ErrorPolicyAbruptClose, infos[0].Config.ErrorPolicy)
	assert.Equal(t, uint32(1), infos[0].Version)
}
