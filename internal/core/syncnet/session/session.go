// Package session 把一条协议流包装为按消息读写的会话
//
// 会话独占一条流：发起方由连接池打开，接收方由事件循环交给服务端。
// 所有退出路径（完成、出错、取消）都会关闭或重置流，且只执行一次。
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/internal/core/syncnet/wire"
	"github.com/weisyn/syncnet/pkg/types"
)

// 会话状态
const (
	stateOpen int32 = iota
	stateWriteClosed
	stateClosed
)

// Option 会话选项
type Option func(*Session)

// WithRelease 设置释放回调（连接池的流配额），会话结束时恰好调用一次
func WithRelease(release func()) Option {
	return func(s *Session) { s.release = release }
}

// Session 单条流上的消息会话
// Send 与 Receive 可以在不同 goroutine 中并发调用，但各自只能有一个调用者
type Session struct {
	stream   transport.Stream
	reader   *wire.Reader
	maxFrame int

	peer     peer.ID
	protocol types.ProtocolName

	state   atomic.Int32
	release func()
	endOnce sync.Once
}

// New 创建会话
func New(stream transport.Stream, maxFrame int, opts ...Option) *Session {
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}
	s := &Session{
		stream:   stream,
		reader:   wire.NewReader(stream, maxFrame),
		maxFrame: maxFrame,
		peer:     stream.RemotePeer(),
		protocol: stream.Protocol(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Peer 对端节点
func (s *Session) Peer() peer.ID { return s.peer }

// Protocol 会话协议
func (s *Session) Protocol() types.ProtocolName { return s.protocol }

// MaxFrame 单条消息载荷上限
func (s *Session) MaxFrame() int { return s.maxFrame }

// Send 写入一条消息；写入阻塞即背压
func (s *Session) Send(ctx context.Context, msg *wire.Message) error {
	if s.state.Load() != stateOpen {
		return types.NewError(types.KindTransport, "send", s.peer, errors.New("session closed"))
	}
	frame, err := wire.Encode(msg, s.maxFrame)
	if err != nil {
		return types.WithPeer(err, s.peer)
	}

	err = s.guard(ctx, func() error {
		_, werr := s.stream.Write(frame)
		return werr
	})
	if err != nil {
		return s.mapErr(ctx, "send", err)
	}
	return nil
}

// Receive 读取下一条消息，阻塞直到收到完整消息、流结束或 ctx 结束
func (s *Session) Receive(ctx context.Context) (*wire.Message, error) {
	if s.state.Load() == stateClosed {
		return nil, types.NewError(types.KindStreamClosed, "receive", s.peer, nil)
	}
	var msg *wire.Message
	err := s.guard(ctx, func() error {
		var rerr error
		msg, rerr = s.reader.ReadMessage()
		return rerr
	})
	if err != nil {
		return nil, s.mapErr(ctx, "receive", err)
	}
	return msg, nil
}

// guard 执行一次流 I/O，ctx 结束时重置流以解除阻塞
func (s *Session) guard(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		_ = s.Reset()
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Reset() })
	err := op()
	if !stop() {
		// 已被 ctx 重置，以 ctx 的原因为准
		return ctx.Err()
	}
	return err
}

func (s *Session) mapErr(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return types.NewError(types.KindTimeout, op, s.peer, err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return types.NewError(types.KindCancelled, op, s.peer, err)
	}
	var se *types.SyncError
	if errors.As(err, &se) {
		return types.WithPeer(err, s.peer)
	}
	return types.NewError(types.KindTransport, op, s.peer, err)
}

// CloseWrite 半关闭写端，对端读到 EOF 后仍可继续读取
func (s *Session) CloseWrite() error {
	if !s.state.CompareAndSwap(stateOpen, stateWriteClosed) {
		return nil
	}
	if err := s.stream.CloseWrite(); err != nil {
		_ = s.Reset()
		return types.NewError(types.KindTransport, "close_write", s.peer, err)
	}
	return nil
}

// Close 正常关闭会话并释放配额
func (s *Session) Close() error {
	var err error
	s.end(func() {
		if cerr := s.stream.Close(); cerr != nil {
			_ = s.stream.Reset()
			err = types.NewError(types.KindTransport, "close", s.peer, cerr)
		}
	})
	return err
}

// Reset 异常中止会话并释放配额
func (s *Session) Reset() error {
	var err error
	s.end(func() {
		if rerr := s.stream.Reset(); rerr != nil {
			err = types.NewError(types.KindTransport, "reset", s.peer, rerr)
		}
	})
	return err
}

// Closed 会话是否已结束
func (s *Session) Closed() bool {
	return s.state.Load() == stateClosed
}

func (s *Session) end(fn func()) {
	s.endOnce.Do(func() {
		s.state.Store(stateClosed)
		fn()
		if s.release != nil {
			s.release()
		}
	})
}
