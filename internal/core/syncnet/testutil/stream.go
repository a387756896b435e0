// Package testutil 提供同步引擎测试用的内存流、假 Swarm 与记录来源
package testutil

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/pkg/types"
)

// ErrStreamReset 内存流被重置
var ErrStreamReset = errors.New("stream reset")

// PipeStream 基于 io.Pipe 的内存流，写入阻塞直到对端读取
type PipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter

	remote   peer.ID
	protocol types.ProtocolName

	closeWriteOnce sync.Once
	closeReadOnce  sync.Once

	resets  atomic.Int32
	closes  atomic.Int32
	written atomic.Int64
}

// StreamPair 创建一对相连的内存流：a 属于 local，b 属于 remote
func StreamPair(local, remote peer.ID, protocol types.ProtocolName) (a, b *PipeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a = &PipeStream{r: r2, w: w1, remote: remote, protocol: protocol}
	b = &PipeStream{r: r1, w: w2, remote: local, protocol: protocol}
	return a, b
}

// Read 实现 io.Reader
func (s *PipeStream) Read(p []byte) (int, error) { return s.r.Read(p) }

// Write 实现 io.Writer
func (s *PipeStream) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.written.Add(int64(n))
	return n, err
}

// CloseWrite 对端读到 EOF
func (s *PipeStream) CloseWrite() error {
	s.closeWriteOnce.Do(func() { _ = s.w.Close() })
	return nil
}

// Close 关闭两端
func (s *PipeStream) Close() error {
	s.closes.Add(1)
	_ = s.CloseWrite()
	s.closeReadOnce.Do(func() { _ = s.r.CloseWithError(io.ErrClosedPipe) })
	return nil
}

// Reset 中止两端，双方后续读写都返回 ErrStreamReset
func (s *PipeStream) Reset() error {
	s.resets.Add(1)
	_ = s.w.CloseWithError(ErrStreamReset)
	_ = s.r.CloseWithError(ErrStreamReset)
	return nil
}

// RemotePeer 对端节点
func (s *PipeStream) RemotePeer() peer.ID { return s.remote }

// Protocol 流协议
func (s *PipeStream) Protocol() types.ProtocolName { return s.protocol }

// ResetCount 被重置的次数
func (s *PipeStream) ResetCount() int { return int(s.resets.Load()) }

// CloseCount 被关闭的次数
func (s *PipeStream) CloseCount() int { return int(s.closes.Load()) }

// BytesWritten 已写入的字节数
func (s *PipeStream) BytesWritten() int64 { return s.written.Load() }
