// Package dispatcher 实现查询的客户端路径
//
// 一个查询被分配本地 QueryID，按候选节点顺序逐个尝试：打开流、发送请求、
// 逐条读取响应块并以惰性序列交给调用方。首个数据到达前的任何失败都会换下一个节点重试；
// 交付部分数据后的失败直接以 QueryError 结束序列，不会静默重试。
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/pool"
	"github.com/weisyn/syncnet/internal/core/syncnet/session"
	log "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/syncnet/pkg/types"
)

// ErrClosed 调度器已关闭
var ErrClosed = errors.New("dispatcher closed")

// Opener 调度器依赖的连接池能力
type Opener interface {
	OpenStream(ctx context.Context, p peer.ID, protocol types.ProtocolName) (*session.Session, error)
	Candidates(exclude ...peer.ID) []peer.ID
	Report(p peer.ID, o pool.Outcome)
}

var _ Opener = (*pool.Pool)(nil)

// Dispatcher 查询调度器
type Dispatcher struct {
	opener Opener
	logger log.Logger

	maxAttempts    int
	attemptTimeout time.Duration

	mu       sync.Mutex
	nextID   types.QueryID
	inflight map[types.QueryID]*Results
	closed   bool
}

// New 创建查询调度器
func New(cfg *syncconfig.Config, opener Opener, logger log.Logger) *Dispatcher {
	initDispatcherMetrics()
	return &Dispatcher{
		opener:         opener,
		logger:         logger,
		maxAttempts:    cfg.GetMaxAttempts(),
		attemptTimeout: cfg.GetAttemptTimeout(),
		inflight:       make(map[types.QueryID]*Results),
	}
}

// Issue 发起查询
//
// 参数错误立即返回；否则返回惰性结果序列，网络交换在第一次 Next 时才开始。
// ctx 控制整个查询的生命周期，调用方必须读完序列或调用 Close。
func (d *Dispatcher) Issue(ctx context.Context, q types.Query) (*Results, error) {
	if err := validateQuery(&q); err != nil {
		return nil, err
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = d.maxAttempts
	}
	if q.AttemptTimeout <= 0 {
		q.AttemptTimeout = d.attemptTimeout
	}

	candidates := dedupPeers(q.Peers)
	if len(candidates) == 0 {
		candidates = d.opener.Candidates()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.nextID++
	id := d.nextID
	r := newResults(ctx, id, q, candidates, d)
	d.inflight[id] = r
	d.mu.Unlock()

	inflightGauge.Inc()
	d.logger.Debugf("发起查询 id=%d protocol=%s start=%d limit=%d candidates=%d",
		id, q.Protocol, q.Range.Start, q.Range.Limit, len(candidates))
	return r, nil
}

// release 归还 QueryID，由 Results 在终态时调用一次
func (d *Dispatcher) release(id types.QueryID) {
	d.mu.Lock()
	_, ok := d.inflight[id]
	delete(d.inflight, id)
	d.mu.Unlock()
	if ok {
		inflightGauge.Dec()
	}
}

// Inflight 持有 QueryID 的查询数
func (d *Dispatcher) Inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Lookup 按 QueryID 查找进行中的查询
func (d *Dispatcher) Lookup(id types.QueryID) (*Results, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.inflight[id]
	return r, ok
}

// Close 取消所有进行中的查询并拒绝新查询
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	pending := make([]*Results, 0, len(d.inflight))
	for _, r := range d.inflight {
		pending = append(pending, r)
	}
	d.mu.Unlock()

	for _, r := range pending {
		_ = r.Close()
	}
}

func validateQuery(q *types.Query) error {
	if q.Protocol == "" {
		return types.Errorf(types.KindBadRequest, "issue", "empty protocol")
	}
	if q.Range.Limit == 0 {
		return types.Errorf(types.KindBadRequest, "issue", "limit must be positive")
	}
	if q.Range.Step == 0 {
		q.Range.Step = 1
	}
	if q.Range.Direction != types.DirectionForward && q.Range.Direction != types.DirectionBackward {
		return types.Errorf(types.KindBadRequest, "issue", "unknown direction %d", q.Range.Direction)
	}
	return nil
}

func dedupPeers(peers []peer.ID) []peer.ID {
	if len(peers) == 0 {
		return nil
	}
	seen := make(map[peer.ID]struct{}, len(peers))
	out := make([]peer.ID, 0, len(peers))
	for _, p := range peers {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
