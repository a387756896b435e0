// Package wire 实现同步协议的线路编解码：varint 长度前缀 + protobuf 载荷
package wire

import (
	"bufio"
	"io"

	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/pkg/types"
)

// DefaultMaxFrameSize 默认载荷上限
const DefaultMaxFrameSize = 4 * 1024 * 1024

// readBufferSize 每个流的读缓冲，跨消息的残留字节保存在这里
const readBufferSize = 4096

// Encode 编码一条消息：varint(len) || payload
// 载荷超过 maxFrame 时返回 FramingError，不会发送
func Encode(msg *Message, maxFrame int) ([]byte, error) {
	payload, err := msg.Marshal()
	if err != nil {
		return nil, types.NewError(types.KindFraming, "encode", "", err)
	}
	if len(payload) > maxFrame {
		return nil, types.Errorf(types.KindFraming, "encode", "payload %d exceeds max frame %d", len(payload), maxFrame)
	}
	prefix := varint.ToUvarint(uint64(len(payload)))
	frame := make([]byte, 0, len(prefix)+len(payload))
	frame = append(frame, prefix...)
	return append(frame, payload...), nil
}

// WriteMessage 编码并一次写入 w
func WriteMessage(w io.Writer, msg *Message, maxFrame int) error {
	frame, err := Encode(msg, maxFrame)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return types.NewError(types.KindTransport, "write", "", err)
	}
	return nil
}

// Reader 从一个流中逐条读取消息
// 不是并发安全的，一个流只应有一个读者
type Reader struct {
	br       *bufio.Reader
	maxFrame int
}

// NewReader 创建读取器
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reader{br: bufio.NewReaderSize(r, readBufferSize), maxFrame: maxFrame}
}

// ReadMessage 读取下一条消息，阻塞直到收到完整消息或流结束
//
// 错误类别：
//   - 在消息边界遇到 EOF：StreamClosed
//   - 前缀非法、超长、消息被截断或载荷无法解析：FramingError
//   - 其他读错误（流被重置等）：TransportError
func (r *Reader) ReadMessage() (*Message, error) {
	n, err := varint.ReadUvarint(r.br)
	if err != nil {
		switch {
		case err == io.EOF:
			return nil, types.NewError(types.KindStreamClosed, "decode", "", nil)
		case err == io.ErrUnexpectedEOF:
			return nil, types.NewError(types.KindFraming, "decode", "", errors.New("truncated length prefix"))
		case errors.Is(err, varint.ErrOverflow), errors.Is(err, varint.ErrNotMinimal):
			return nil, types.NewError(types.KindFraming, "decode", "", err)
		default:
			return nil, types.NewError(types.KindTransport, "decode", "", err)
		}
	}

	// 先校验长度再分配
	if n > uint64(r.maxFrame) {
		return nil, types.Errorf(types.KindFraming, "decode", "frame length %d exceeds max %d", n, r.maxFrame)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, types.Errorf(types.KindFraming, "decode", "truncated frame: want %d bytes", n)
		}
		return nil, types.NewError(types.KindTransport, "decode", "", err)
	}

	msg, err := Unmarshal(payload)
	if err != nil {
		return nil, types.NewError(types.KindFraming, "decode", "", errors.Wrap(err, "malformed payload"))
	}
	return msg, nil
}
