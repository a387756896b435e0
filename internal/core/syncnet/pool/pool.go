// Package pool 维护节点连接状态并按需打开协议流
//
// 连接池只做记账：每节点流数、全局连接数、拨号退避、空闲保活与信誉。
// 真正的拨号和开流通过 Swarm 交给事件循环执行，池本身从不持有 host。
// 所有状态变更都在同一把互斥锁内完成，锁不会跨越任何 I/O。
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/session"
	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	log "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/syncnet/pkg/types"
)

// Swarm 连接池需要的传输操作，由事件循环实现
type Swarm interface {
	Dial(ctx context.Context, p peer.ID) error
	NewStream(ctx context.Context, p peer.ID, protocol types.ProtocolName) (transport.Stream, error)
	Disconnect(p peer.ID) error
}

// connState 节点连接状态
type connState uint8

const (
	connNone connState = iota
	connDialing
	connConnected
)

// peerState 单个节点的记账信息
type peerState struct {
	conn         connState
	streams      int
	idleSince    time.Time
	failures     int
	backoffUntil time.Time
	protected    bool
}

// Stats 连接池快照
type Stats struct {
	Connections int
	Streams     int
	Peers       []PeerStats
}

// PeerStats 单个节点的快照
type PeerStats struct {
	Peer      peer.ID
	Connected bool
	Streams   int
	Score     int
	Failures  int
}

// Pool 连接池
type Pool struct {
	swarm      Swarm
	reputation Reputation
	logger     log.Logger

	maxStreamsPerPeer int
	maxConnections    int
	maxFrame          int
	dialTimeout       time.Duration
	dialAttempts      int
	backoffBase       time.Duration
	backoffMax        time.Duration
	idleKeepalive     time.Duration

	mu          sync.Mutex
	peers       map[peer.ID]*peerState
	connections int
	streams     int

	now func() time.Time
}

// New 创建连接池
func New(cfg *syncconfig.Config, swarm Swarm, reputation Reputation, logger log.Logger) *Pool {
	initPoolMetrics()
	o := cfg.GetOptions()
	if reputation == nil {
		reputation = NewScoreTable(o.ReputationSize)
	}
	dialAttempts := o.DialAttempts
	if dialAttempts <= 0 {
		dialAttempts = 1
	}
	return &Pool{
		swarm:             swarm,
		reputation:        reputation,
		logger:            logger,
		maxStreamsPerPeer: o.MaxStreamsPerPeer,
		maxConnections:    o.MaxConnections,
		maxFrame:          o.MaxFrameSize,
		dialTimeout:       o.DialTimeout,
		dialAttempts:      dialAttempts,
		backoffBase:       o.DialBackoffBase,
		backoffMax:        o.DialBackoffMax,
		idleKeepalive:     o.IdleKeepalive,
		peers:             make(map[peer.ID]*peerState),
		now:               time.Now,
	}
}

// Reputation 连接池持有的信誉表
func (p *Pool) Reputation() Reputation { return p.reputation }

// Report 记录一次交互结果
func (p *Pool) Report(id peer.ID, o Outcome) { p.reputation.Report(id, o) }

func (p *Pool) stateLocked(id peer.ID) *peerState {
	st, ok := p.peers[id]
	if !ok {
		st = &peerState{}
		p.peers[id] = st
	}
	return st
}

// OpenStream 打开到节点的新协议流
//
// 先预留单节点流配额，必要时拨号（超时、重试、失败退避），再通过 Swarm 开流。
// 返回的会话在关闭或重置时释放配额，且只释放一次。
func (p *Pool) OpenStream(ctx context.Context, id peer.ID, protocol types.ProtocolName) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err, "open_stream", id)
	}

	needDial, err := p.reserve(id)
	if err != nil {
		return nil, err
	}
	release := p.releaseFunc(id)

	if needDial {
		if err := p.dial(ctx, id); err != nil {
			release()
			return nil, err
		}
	}

	s, err := p.swarm.NewStream(ctx, id, protocol)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err(), "open_stream", id)
		}
		return nil, types.NewError(types.KindTransport, "open_stream", id, err)
	}
	return session.New(s, p.maxFrame, session.WithRelease(release)), nil
}

// reserve 预留流配额；节点未连接时同时预留一个连接名额
func (p *Pool) reserve(id peer.ID) (needDial bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stateLocked(id)
	if st.streams >= p.maxStreamsPerPeer {
		poolRejectedTotal.WithLabelValues("peer_limit").Inc()
		return false, &types.SyncError{Kind: types.KindLimitExceeded, Scope: types.ScopePeer, Peer: id, Op: "open_stream",
			Err: errors.Errorf("%d streams open", st.streams)}
	}

	switch st.conn {
	case connConnected:
	case connDialing:
		needDial = true
	default:
		if now := p.now(); now.Before(st.backoffUntil) {
			poolRejectedTotal.WithLabelValues("backoff").Inc()
			return false, types.NewError(types.KindPeerUnreachable, "open_stream", id,
				errors.Errorf("dial backoff for %s", st.backoffUntil.Sub(now).Round(time.Millisecond)))
		}
		if p.connections >= p.maxConnections {
			poolRejectedTotal.WithLabelValues("global_limit").Inc()
			return false, &types.SyncError{Kind: types.KindLimitExceeded, Scope: types.ScopeGlobal, Peer: id, Op: "open_stream",
				Err: errors.Errorf("%d connections", p.connections)}
		}
		st.conn = connDialing
		p.connections++
		poolConnectionsGauge.Inc()
		needDial = true
	}

	st.streams++
	p.streams++
	poolStreamsGauge.Inc()
	return needDial, nil
}

func (p *Pool) releaseFunc(id peer.ID) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			st, ok := p.peers[id]
			if !ok || st.streams == 0 {
				return
			}
			st.streams--
			p.streams--
			poolStreamsGauge.Dec()
			if st.streams == 0 {
				st.idleSince = p.now()
			}
		})
	}
}

// dial 拨号，最多 dialAttempts 次，两次之间按指数退避等待
func (p *Pool) dial(ctx context.Context, id peer.ID) error {
	var lastErr error
	for attempt := 0; attempt < p.dialAttempts; attempt++ {
		if attempt > 0 {
			wait := computeBackoff(p.backoffBase/4, p.backoffMax, attempt-1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				p.dialFailed(id, false)
				return contextError(ctx.Err(), "dial", id)
			}
		}

		dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
		err := p.swarm.Dial(dctx, id)
		cancel()
		if err == nil {
			poolDialsTotal.WithLabelValues("success").Inc()
			p.markConnected(id)
			return nil
		}
		if ctx.Err() != nil {
			p.dialFailed(id, false)
			return contextError(ctx.Err(), "dial", id)
		}
		poolDialsTotal.WithLabelValues("failure").Inc()
		lastErr = err
		p.logger.Debugf("拨号失败 peer=%s attempt=%d/%d err=%v", id, attempt+1, p.dialAttempts, err)
	}

	p.dialFailed(id, true)
	p.reputation.Report(id, OutcomeUnreachable)
	return types.NewError(types.KindPeerUnreachable, "dial", id, lastErr)
}

func (p *Pool) markConnected(id peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stateLocked(id)
	if st.conn == connNone {
		p.connections++
		poolConnectionsGauge.Inc()
	}
	st.conn = connConnected
	st.failures = 0
	st.backoffUntil = time.Time{}
}

// dialFailed 回收连接名额；countFailure 为真时累计失败并进入退避
func (p *Pool) dialFailed(id peer.ID, countFailure bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stateLocked(id)
	if st.conn == connDialing {
		st.conn = connNone
		p.connections--
		poolConnectionsGauge.Dec()
	}
	if countFailure {
		st.failures++
		st.backoffUntil = p.now().Add(computeBackoff(p.backoffBase, p.backoffMax, st.failures-1))
	}
}

// AcquireInbound 为入站流占用单节点流配额
func (p *Pool) AcquireInbound(id peer.ID) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stateLocked(id)
	if st.streams >= p.maxStreamsPerPeer {
		poolRejectedTotal.WithLabelValues("peer_limit").Inc()
		return nil, &types.SyncError{Kind: types.KindLimitExceeded, Scope: types.ScopePeer, Peer: id, Op: "accept_stream",
			Err: errors.Errorf("%d streams open", st.streams)}
	}
	st.streams++
	p.streams++
	poolStreamsGauge.Inc()
	return p.releaseFunc(id), nil
}

// HandleEvent 处理事件循环送来的连接事件
func (p *Pool) HandleEvent(ev transport.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stateLocked(ev.Peer)
	switch ev.Kind {
	case transport.EventConnected:
		if st.conn == connNone {
			p.connections++
			poolConnectionsGauge.Inc()
		}
		st.conn = connConnected
		st.failures = 0
		st.backoffUntil = time.Time{}
		if st.streams == 0 {
			st.idleSince = p.now()
		}
	case transport.EventDisconnected:
		if st.conn != connNone {
			p.connections--
			poolConnectionsGauge.Dec()
		}
		st.conn = connNone
		if st.streams == 0 && !st.protected && !p.now().Before(st.backoffUntil) {
			delete(p.peers, ev.Peer)
		}
	}
}

// Protect 标记节点不被空闲回收（引导节点）
func (p *Pool) Protect(id peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateLocked(id).protected = true
}

// ReapIdle 返回空闲超过保活时间的已连接节点，由调用方断开
func (p *Pool) ReapIdle(now time.Time) []peer.ID {
	if p.idleKeepalive <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var idle []peer.ID
	for id, st := range p.peers {
		if st.conn != connConnected || st.streams > 0 || st.protected || st.idleSince.IsZero() {
			continue
		}
		if now.Sub(st.idleSince) >= p.idleKeepalive {
			idle = append(idle, id)
			// 断开事件到达前不重复回收
			st.idleSince = now
		}
	}
	return idle
}

// Candidates 可用于查询的节点：已连接优先，同组内按信誉降序
// 处于拨号退避中的未连接节点不会出现
func (p *Pool) Candidates(exclude ...peer.ID) []peer.ID {
	skip := make(map[peer.ID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	type candidate struct {
		id        peer.ID
		connected bool
		score     int
	}

	p.mu.Lock()
	now := p.now()
	list := make([]candidate, 0, len(p.peers))
	for id, st := range p.peers {
		if _, ok := skip[id]; ok {
			continue
		}
		if st.conn != connConnected && now.Before(st.backoffUntil) {
			continue
		}
		list = append(list, candidate{id: id, connected: st.conn == connConnected})
	}
	p.mu.Unlock()

	for i := range list {
		list[i].score = p.reputation.Score(list[i].id)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.connected != b.connected {
			return a.connected
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.id < b.id
	})

	out := make([]peer.ID, len(list))
	for i, c := range list {
		out[i] = c.id
	}
	return out
}

// Track 记录一个已知但尚未连接的节点（引导节点、手动添加的节点）
func (p *Pool) Track(id peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateLocked(id)
}

// Snapshot 当前状态快照
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	stats := Stats{Connections: p.connections, Streams: p.streams}
	for id, st := range p.peers {
		stats.Peers = append(stats.Peers, PeerStats{
			Peer:      id,
			Connected: st.conn == connConnected,
			Streams:   st.streams,
			Failures:  st.failures,
		})
	}
	p.mu.Unlock()

	for i := range stats.Peers {
		stats.Peers[i].Score = p.reputation.Score(stats.Peers[i].Peer)
	}
	sort.Slice(stats.Peers, func(i, j int) bool { return stats.Peers[i].Peer < stats.Peers[j].Peer })
	return stats
}

// StreamCount 节点当前的流数
func (p *Pool) StreamCount(id peer.ID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.peers[id]; ok {
		return st.streams
	}
	return 0
}

// computeBackoff 指数退避：base * 2^attempt，不超过 ceiling
func computeBackoff(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// contextError 把 ctx 错误映射为 Timeout / Cancelled
func contextError(err error, op string, id peer.ID) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.KindTimeout, op, id, err)
	}
	return types.NewError(types.KindCancelled, op, id, err)
}
