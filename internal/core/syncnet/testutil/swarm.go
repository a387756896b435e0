package testutil

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/pkg/types"
)

// ErrDialRefused 假 Swarm 拨号失败
var ErrDialRefused = errors.New("dial refused")

// RemoteHandler 处理假 Swarm 中远端那一侧的流
type RemoteHandler func(remote *PipeStream)

// FakeSwarm 内存 Swarm：按节点配置拨号结果与远端行为
type FakeSwarm struct {
	Local peer.ID

	mu        sync.Mutex
	handlers  map[peer.ID]RemoteHandler
	dialErr   map[peer.ID]error
	connected map[peer.ID]bool
	dials     map[peer.ID]int
	streams   []*PipeStream
	wg        sync.WaitGroup
}

// NewFakeSwarm 创建假 Swarm
func NewFakeSwarm(local peer.ID) *FakeSwarm {
	return &FakeSwarm{
		Local:     local,
		handlers:  make(map[peer.ID]RemoteHandler),
		dialErr:   make(map[peer.ID]error),
		connected: make(map[peer.ID]bool),
		dials:     make(map[peer.ID]int),
	}
}

// Handle 设置远端节点对新流的处理
func (f *FakeSwarm) Handle(p peer.ID, h RemoteHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[p] = h
}

// FailDial 让到 p 的拨号失败
func (f *FakeSwarm) FailDial(p peer.ID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrDialRefused
	}
	f.dialErr[p] = err
}

// Dial 实现 pool.Swarm
func (f *FakeSwarm) Dial(ctx context.Context, p peer.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials[p]++
	if err := f.dialErr[p]; err != nil {
		return err
	}
	f.connected[p] = true
	return nil
}

// NewStream 实现 pool.Swarm，远端处理函数在独立 goroutine 中运行
func (f *FakeSwarm) NewStream(ctx context.Context, p peer.ID, protocol types.ProtocolName) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if !f.connected[p] {
		f.mu.Unlock()
		return nil, errors.Errorf("no connection to %s", p)
	}
	h := f.handlers[p]
	local, remote := StreamPair(f.Local, p, protocol)
	f.streams = append(f.streams, local)
	f.mu.Unlock()

	if h == nil {
		_ = remote.Reset()
		return local, nil
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		h(remote)
	}()
	return local, nil
}

// Disconnect 实现 pool.Swarm
func (f *FakeSwarm) Disconnect(p peer.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, p)
	return nil
}

// Dials 到 p 的拨号次数
func (f *FakeSwarm) Dials(p peer.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[p]
}

// Streams 已打开的本地流
func (f *FakeSwarm) Streams() []*PipeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PipeStream(nil), f.streams...)
}

// Wait 等待所有远端处理函数退出
func (f *FakeSwarm) Wait() { f.wg.Wait() }

// Connected 是否已连接到 p
func (f *FakeSwarm) Connected(p peer.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[p]
}

// Peers 已连接的节点
func (f *FakeSwarm) Peers() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peer.ID, 0, len(f.connected))
	for p := range f.connected {
		out = append(out, p)
	}
	return out
}
