package wire

import (
	"bytes"
	"io"
	"math"
	"runtime"
	"testing"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/weisyn/syncnet/pkg/types"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{"request", NewRequest(1, types.RangeFilter{Start: 100, Limit: 50, Step: 2, Direction: types.DirectionBackward, Filter: []byte{0xde, 0xad}})},
		{"request with zero values", NewRequest(0, types.RangeFilter{})},
		{"chunk", NewChunk([][]byte{[]byte("a"), {}, bytes.Repeat([]byte{7}, 1000)})},
		{"end", NewEnd(1000)},
		{"end empty", NewEnd(0)},
		{"error", NewError(CodeUnavailable, "busy")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.msg, DefaultMaxFrameSize)
			require.NoError(t, err)

			got, err := NewReader(bytes.NewReader(frame), DefaultMaxFrameSize).ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestReader_CarriesOverPartialBuffer(t *testing.T) {
	// 多条消息连续写入同一个流，逐字节投递
	var stream bytes.Buffer
	msgs := []*Message{
		NewRequest(1, types.RangeFilter{Start: 1, Limit: 2, Step: 1}),
		NewChunk([][]byte{[]byte("x"), []byte("y")}),
		NewEnd(2),
	}
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&stream, m, DefaultMaxFrameSize))
	}

	r := NewReader(&oneByteReader{r: &stream}, DefaultMaxFrameSize)
	for _, want := range msgs {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := r.ReadMessage()
	assert.True(t, types.IsKind(err, types.KindStreamClosed))
}

func TestReader_OversizedPrefixDoesNotAllocate(t *testing.T) {
	const maxFrame = 1024
	const claimed = 256 << 20

	input := append(varint.ToUvarint(claimed), bytes.Repeat([]byte{1}, 64)...)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	_, err := NewReader(bytes.NewReader(input), maxFrame).ReadMessage()

	runtime.ReadMemStats(&after)

	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindFraming))
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
}

func TestReader_FramingErrors(t *testing.T) {
	valid, err := Encode(NewEnd(3), DefaultMaxFrameSize)
	require.NoError(t, err)

	cases := []struct {
		name  string
		input []byte
	}{
		{"truncated payload", valid[:len(valid)-1]},
		{"truncated prefix", []byte{0x80}},
		{"non minimal varint", []byte{0x81, 0x00}},
		{"varint overflow", bytes.Repeat([]byte{0xff}, 10)},
		{"zero length payload", []byte{0x00}},
		{"garbage payload", append(varint.ToUvarint(3), 0xff, 0xff, 0xff)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tc.input), DefaultMaxFrameSize).ReadMessage()
			require.Error(t, err)
			assert.True(t, types.IsKind(err, types.KindFraming), "got %v", err)
		})
	}
}

func TestReader_TransportError(t *testing.T) {
	_, err := NewReader(&failingReader{err: io.ErrClosedPipe}, DefaultMaxFrameSize).ReadMessage()
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransport))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestReader_CleanCloseIsStreamClosed(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil), DefaultMaxFrameSize).ReadMessage()
	assert.ErrorIs(t, err, types.ErrStreamClosed)
}

func TestEncode_RejectsOversizedPayload(t *testing.T) {
	_, err := Encode(NewChunk([][]byte{make([]byte, 2048)}), 1024)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindFraming))
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	payload, err := NewEnd(9).Marshal()
	require.NoError(t, err)

	// 追加一个未知的 fixed32 字段（字段号 15）
	payload = append(payload, 15<<3|5, 1, 2, 3, 4)

	msg, err := Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), msg.End.Count)
}

func TestReader_RequestVersionOverflowIsFramingError(t *testing.T) {
	// Arrange：版本号 2^32+1 截断后会变成 1
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, 1<<32+1)
	body = protowire.AppendTag(body, 3, protowire.VarintType)
	body = protowire.AppendVarint(body, 10)
	payload := appendMessage(nil, fieldRequest, body)
	frame := append(varint.ToUvarint(uint64(len(payload))), payload...)

	// Act
	_, err := NewReader(bytes.NewReader(frame), DefaultMaxFrameSize).ReadMessage()

	// Assert
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindFraming), "got %v", err)

	// 合法的 uint32 上界仍可解码
	ok, err := Encode(NewRequest(math.MaxUint32, types.RangeFilter{Limit: 1, Step: 1}), DefaultMaxFrameSize)
	require.NoError(t, err)
	msg, err := NewReader(bytes.NewReader(ok), DefaultMaxFrameSize).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), msg.Request.Version)
}

func TestChunkPayloadSize_MatchesMarshal(t *testing.T) {
	items := [][]byte{make([]byte, 10), make([]byte, 300), make([]byte, 70000)}
	body := 0
	for _, it := range items {
		body += ChunkItemSize(len(it))
	}
	payload, err := NewChunk(items).Marshal()
	require.NoError(t, err)
	assert.Equal(t, len(payload), ChunkPayloadSize(body))
}

type oneByteReader struct{ r io.Reader }

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }
