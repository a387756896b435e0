// Package loop 实现网络事件循环：传输层的唯一持有者
//
// 其他组件只能通过命令（拨号、开流、断开、注册处理器）间接使用传输层。
// 循环 goroutine 自身从不阻塞在 I/O 上：阻塞的传输调用在独立 goroutine 中执行，
// 结果通过应答通道直接返回给调用方。
//
// 事件方向：连接建立/断开 → 连接池 + 事件总线；入站流 → 响应服务；
// 定时器 → 回收空闲连接。
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	eventbus "github.com/asaskevich/EventBus"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/internal/core/syncnet/session"
	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	log "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

// ErrLoopClosed 事件循环已退出
var ErrLoopClosed = errors.New("network loop closed")

// commandQueueSize 命令队列长度，Run 之前提交的命令在此排队
const commandQueueSize = 64

// PeerTable 循环需要的连接池能力
type PeerTable interface {
	HandleEvent(ev transport.Event)
	AcquireInbound(p peer.ID) (func(), error)
	ReapIdle(now time.Time) []peer.ID
}

// InboundServer 循环需要的响应服务能力
type InboundServer interface {
	Registered(protocol types.ProtocolName) bool
	ServeAsync(ctx context.Context, sess *session.Session)
}

// Options 循环参数
type Options struct {
	MaxFrameSize int
	ReapInterval time.Duration // 0 表示不回收空闲连接
}

// Loop 网络事件循环
type Loop struct {
	tr     transport.Transport
	opts   Options
	bus    eventbus.Bus
	logger log.Logger

	peers  PeerTable
	server InboundServer

	cmds    chan command
	inbound chan transport.Stream
	done    chan struct{}
	started atomic.Bool

	// 循环 goroutine 私有
	ctx      context.Context
	handlers map[types.ProtocolName]struct{}

	// 执行阻塞命令的 goroutine
	workers sync.WaitGroup
}

// New 创建事件循环；bus 可为 nil
func New(tr transport.Transport, opts Options, bus eventbus.Bus, logger log.Logger) *Loop {
	return &Loop{
		tr:       tr,
		opts:     opts,
		bus:      bus,
		logger:   logger,
		cmds:     make(chan command, commandQueueSize),
		inbound:  make(chan transport.Stream),
		done:     make(chan struct{}),
		handlers: make(map[types.ProtocolName]struct{}),
	}
}

// Bind 绑定连接池与响应服务，必须在 Run 之前调用
func (l *Loop) Bind(peers PeerTable, server InboundServer) {
	l.peers = peers
	l.server = server
}

// LocalPeer 本地节点标识（创建后不变，可并发读取）
func (l *Loop) LocalPeer() peer.ID { return l.tr.ID() }

// Done 循环退出后关闭
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run 驱动事件循环直到 ctx 结束
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("network loop already running")
	}
	if l.peers == nil || l.server == nil {
		return errors.New("network loop not bound")
	}
	l.ctx = ctx
	defer func() {
		for protocol := range l.handlers {
			l.tr.RemoveStreamHandler(protocol)
		}
		close(l.done)
		l.drain()
		l.workers.Wait()
	}()

	var reap <-chan time.Time
	if l.opts.ReapInterval > 0 {
		ticker := time.NewTicker(l.opts.ReapInterval)
		defer ticker.Stop()
		reap = ticker.C
	}

	events := l.tr.Events()
	l.logger.Infof("网络事件循环启动 local=%s", l.tr.ID())
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("网络事件循环退出")
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.handleEvent(ev)

		case cmd := <-l.cmds:
			cmd.execute(l)

		case s := <-l.inbound:
			l.handleInbound(s)

		case now := <-reap:
			for _, p := range l.peers.ReapIdle(now) {
				l.logger.Debugf("关闭空闲连接 peer=%s", p)
				l.spawn(func() {
					if err := l.tr.Disconnect(p); err != nil {
						l.logger.Debugf("关闭空闲连接失败 peer=%s err=%v", p, err)
					}
				})
			}
		}
	}
}

// drain 让退出时仍在队列中的命令失败
func (l *Loop) drain() {
	for {
		select {
		case cmd := <-l.cmds:
			cmd.fail(ErrLoopClosed)
		default:
			return
		}
	}
}

func (l *Loop) spawn(fn func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		fn()
	}()
}

func (l *Loop) handleEvent(ev transport.Event) {
	l.peers.HandleEvent(ev)
	if l.bus == nil {
		return
	}
	topic := syncnet.TopicPeerConnected
	if ev.Kind == transport.EventDisconnected {
		topic = syncnet.TopicPeerDisconnected
	}
	// 订阅方必须使用 SubscribeAsync，否则会阻塞循环
	l.bus.Publish(topic, syncnet.PeerEvent{Peer: ev.Peer, Connected: ev.Kind == transport.EventConnected})
}

// handleInbound 把入站流交给响应服务；配额不足或协议已注销时直接重置
func (l *Loop) handleInbound(s transport.Stream) {
	protocol := s.Protocol()
	p := s.RemotePeer()
	if !l.server.Registered(protocol) {
		_ = s.Reset()
		return
	}
	release, err := l.peers.AcquireInbound(p)
	if err != nil {
		l.logger.Debugf("拒绝入站流 peer=%s protocol=%s err=%v", p, protocol, err)
		_ = s.Reset()
		return
	}
	sess := session.New(s, l.opts.MaxFrameSize, session.WithRelease(release))
	l.server.ServeAsync(l.ctx, sess)
}

// acceptStream 由传输层在自己的 goroutine 中调用
func (l *Loop) acceptStream(s transport.Stream) {
	select {
	case l.inbound <- s:
	case <-l.done:
		_ = s.Reset()
	}
}

// submit 提交命令
func (l *Loop) submit(ctx context.Context, cmd command) error {
	select {
	case <-l.done:
		return ErrLoopClosed
	default:
	}
	select {
	case l.cmds <- cmd:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial 实现 pool.Swarm
func (l *Loop) Dial(ctx context.Context, p peer.ID) error {
	reply := make(chan error, 1)
	if err := l.submit(ctx, &dialCmd{ctx: ctx, peer: p, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopClosed
	}
}

// NewStream 实现 pool.Swarm
func (l *Loop) NewStream(ctx context.Context, p peer.ID, protocol types.ProtocolName) (transport.Stream, error) {
	reply := make(chan streamResult, 1)
	if err := l.submit(ctx, &streamCmd{ctx: ctx, peer: p, protocol: protocol, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.stream, res.err
	case <-ctx.Done():
		go discardStream(reply)
		return nil, ctx.Err()
	case <-l.done:
		go discardStream(reply)
		return nil, ErrLoopClosed
	}
}

// discardStream 调用方已放弃时重置随后到达的流
func discardStream(reply <-chan streamResult) {
	if res, ok := <-reply; ok && res.stream != nil {
		_ = res.stream.Reset()
	}
}

// Disconnect 实现 pool.Swarm
func (l *Loop) Disconnect(p peer.ID) error {
	reply := make(chan error, 1)
	if err := l.submit(context.Background(), &disconnectCmd{peer: p, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return ErrLoopClosed
	}
}

// AddAddrs 记录节点地址
func (l *Loop) AddAddrs(ctx context.Context, info peer.AddrInfo) error {
	reply := make(chan error, 1)
	if err := l.submit(ctx, &addrsCmd{info: info, reply: reply}); err != nil {
		return err
	}
	return l.wait(ctx, reply)
}

// SetHandler 开始接受协议的入站流
func (l *Loop) SetHandler(ctx context.Context, protocol types.ProtocolName) error {
	reply := make(chan error, 1)
	if err := l.submit(ctx, &handlerCmd{protocol: protocol, add: true, reply: reply}); err != nil {
		return err
	}
	return l.wait(ctx, reply)
}

// RemoveHandler 停止接受协议的入站流
func (l *Loop) RemoveHandler(ctx context.Context, protocol types.ProtocolName) error {
	reply := make(chan error, 1)
	if err := l.submit(ctx, &handlerCmd{protocol: protocol, reply: reply}); err != nil {
		return err
	}
	return l.wait(ctx, reply)
}

// Peers 当前已连接的节点
func (l *Loop) Peers(ctx context.Context) ([]peer.ID, error) {
	reply := make(chan []peer.ID, 1)
	if err := l.submit(ctx, &peersCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case ps, ok := <-reply:
		if !ok {
			return nil, ErrLoopClosed
		}
		return ps, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrLoopClosed
	}
}

func (l *Loop) wait(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopClosed
	}
}
