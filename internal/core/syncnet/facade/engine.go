// Package facade 组装同步协议引擎：事件循环、连接池、查询调度器与响应服务
//
// Engine 是外部唯一需要持有的对象。Start 之前注册的协议会在启动时统一安装；
// Start 之后注册的协议立即通过事件循环安装。
package facade

import (
	"context"
	"sync"
	"time"

	eventbus "github.com/asaskevich/EventBus"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/dispatcher"
	"github.com/weisyn/syncnet/internal/core/syncnet/loop"
	"github.com/weisyn/syncnet/internal/core/syncnet/pool"
	"github.com/weisyn/syncnet/internal/core/syncnet/server"
	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	log "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

var (
	// ErrNotStarted 引擎尚未启动
	ErrNotStarted = errors.New("sync engine not started")
	// ErrStopped 引擎已停止，不能再次启动
	ErrStopped = errors.New("sync engine stopped")
	// ErrProtocolNotAllowed 协议不在配置的协议列表中
	ErrProtocolNotAllowed = errors.New("protocol not allowed by configuration")
)

// handlerTimeout 安装/卸载协议处理器的超时
const handlerTimeout = 5 * time.Second

type engineState uint8

const (
	stateNew engineState = iota
	stateRunning
	stateStopped
)

// Stats 引擎运行状态
type Stats struct {
	Local     peer.ID
	Pool      pool.Stats
	Inflight  int
	Protocols []types.ProtocolInfo
}

// Engine 同步协议引擎
type Engine struct {
	cfg    *syncconfig.Config
	tr     transport.Transport
	logger log.Logger

	loop       *loop.Loop
	pool       *pool.Pool
	server     *server.Server
	dispatcher *dispatcher.Dispatcher

	mu     sync.Mutex
	state  engineState
	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ syncnet.Engine = (*Engine)(nil)

// New 创建引擎；bus 可为 nil，此时不发布连接事件
func New(cfg *syncconfig.Config, tr transport.Transport, bus eventbus.Bus, logger log.Logger) *Engine {
	l := loop.New(tr, loop.Options{
		MaxFrameSize: cfg.GetMaxFrameSize(),
		ReapInterval: reapInterval(cfg.GetIdleKeepalive()),
	}, bus, logger.With("component", "loop"))
	p := pool.New(cfg, l, nil, logger.With("component", "pool"))
	srv := server.New(cfg, logger.With("component", "server"))
	l.Bind(p, srv)

	return &Engine{
		cfg:        cfg,
		tr:         tr,
		logger:     logger,
		loop:       l,
		pool:       p,
		server:     srv,
		dispatcher: dispatcher.New(cfg, p, logger.With("component", "dispatcher")),
	}
}

// reapInterval 空闲回收检查周期
func reapInterval(keepalive time.Duration) time.Duration {
	if keepalive <= 0 {
		return 0
	}
	return max(keepalive/2, 100*time.Millisecond)
}

// LocalPeer 本地节点标识
func (e *Engine) LocalPeer() peer.ID { return e.tr.ID() }

// Start 启动事件循环，安装已注册的协议并连接引导节点
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.loop.Run(gctx) })

	for _, info := range e.server.Protocols() {
		if err := e.loop.SetHandler(ctx, info.Name); err != nil {
			cancel()
			_ = g.Wait()
			return errors.Wrapf(err, "install handler %s", info.Name)
		}
	}

	e.cancel = cancel
	e.group = g
	e.state = stateRunning

	for _, addr := range e.cfg.GetBootstrapPeers() {
		info, err := transport.ParseAddrInfo(addr)
		if err != nil {
			e.logger.Warnf("忽略无效的引导节点地址 %s: %v", addr, err)
			continue
		}
		e.pool.Protect(info.ID)
		g.Go(func() error {
			dialCtx, dialCancel := context.WithTimeout(gctx, e.cfg.GetDialTimeout())
			defer dialCancel()
			if err := e.connect(dialCtx, *info); err != nil {
				e.logger.Warnf("连接引导节点失败 peer=%s err=%v", info.ID, err)
			} else {
				e.logger.Infof("已连接引导节点 peer=%s", info.ID)
			}
			return nil
		})
	}

	e.logger.Infof("同步引擎已启动 local=%s protocols=%d", e.tr.ID(), len(e.server.Protocols()))
	return nil
}

// Shutdown 取消所有查询，停止事件循环并等待进行中的请求结束
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateRunning {
		e.state = stateStopped
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopped
	cancel, g := e.cancel, e.group
	e.mu.Unlock()

	e.dispatcher.Close()
	cancel()

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		e.server.Wait()
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cerr := e.tr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	e.logger.Info("同步引擎已停止")
	return err
}

// Issue 发起查询
func (e *Engine) Issue(ctx context.Context, q types.Query) (syncnet.ResultStream, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	r, err := e.dispatcher.Issue(ctx, q)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterProtocolHandler 注册服务端协议
func (e *Engine) RegisterProtocolHandler(protocol types.ProtocolName, source syncnet.RecordSource, opts ...syncnet.RegisterOption) error {
	if !e.cfg.IsProtocolAllowed(protocol) {
		return errors.Wrap(ErrProtocolNotAllowed, string(protocol))
	}
	if err := e.server.Register(protocol, source, opts...); err != nil {
		return err
	}
	if e.running() != nil {
		// 启动时统一安装
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	return e.loop.SetHandler(ctx, protocol)
}

// UnregisterProtocolHandler 注销服务端协议；进行中的请求不受影响
func (e *Engine) UnregisterProtocolHandler(protocol types.ProtocolName) error {
	if err := e.server.Unregister(protocol); err != nil {
		return err
	}
	if e.running() != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	return e.loop.RemoveHandler(ctx, protocol)
}

// Connect 记录节点地址并建立连接
func (e *Engine) Connect(ctx context.Context, info peer.AddrInfo) error {
	if err := e.running(); err != nil {
		return err
	}
	return e.connect(ctx, info)
}

func (e *Engine) connect(ctx context.Context, info peer.AddrInfo) error {
	e.pool.Track(info.ID)
	if len(info.Addrs) > 0 {
		if err := e.loop.AddAddrs(ctx, info); err != nil {
			return err
		}
	}
	return e.loop.Dial(ctx, info.ID)
}

// Peers 当前已连接的节点
func (e *Engine) Peers(ctx context.Context) ([]peer.ID, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	return e.loop.Peers(ctx)
}

// Stats 运行状态快照
func (e *Engine) Stats() Stats {
	return Stats{
		Local:     e.tr.ID(),
		Pool:      e.pool.Snapshot(),
		Inflight:  e.dispatcher.Inflight(),
		Protocols: e.server.Protocols(),
	}
}

func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateNew:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}
	return nil
}
