package dispatcher

import (
	"context"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/internal/core/syncnet/pool"
	"github.com/weisyn/syncnet/internal/core/syncnet/session"
	"github.com/weisyn/syncnet/internal/core/syncnet/wire"
	"github.com/weisyn/syncnet/pkg/types"
)

// Results 一个查询的惰性结果序列，只能消费一次
//
// 网络交换由 Next 在调用方 goroutine 中推进，调用方不读取时不会从流上读数据，
// 流控因此自然传导到对端。Close 可以与阻塞中的 Next 并发调用。
type Results struct {
	id         types.QueryID
	query      types.Query
	candidates []peer.ID
	d          *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	// mu 串行化状态推进，持有期间可能阻塞在流 I/O 上
	mu        sync.Mutex
	state     atomic.Uint32
	attempt   int
	sess      *session.Session
	peer      peer.ID
	received  uint64
	gotFirst  bool
	deadline  time.Time
	pending   [][]byte
	attempts  []AttemptError
	err       error
	startedAt time.Time

	delivered atomic.Uint64
	finished  atomic.Bool
}

func newResults(ctx context.Context, id types.QueryID, q types.Query, candidates []peer.ID, d *Dispatcher) *Results {
	qctx, cancel := context.WithCancel(ctx)
	r := &Results{
		id:         id,
		query:      q,
		candidates: candidates,
		d:          d,
		ctx:        qctx,
		cancel:     cancel,
		startedAt:  time.Now(),
	}
	r.state.Store(uint32(StateIdle))
	return r
}

// ID 本地查询标识
func (r *Results) ID() types.QueryID { return r.id }

// Delivered 已交付给调用方的记录数
func (r *Results) Delivered() uint64 { return r.delivered.Load() }

// State 当前状态
func (r *Results) State() State { return State(r.state.Load()) }

// Err 终止错误；成功或未结束时为 nil
func (r *Results) Err() error {
	if !r.State().Terminal() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Results) setState(s State) { r.state.Store(uint32(s)) }

// Next 返回下一条记录
//
// 完整成功后返回 io.EOF；失败返回 *QueryError。
// ctx 只约束本次调用，ctx 结束会中止底层流并终止整个查询。
func (r *Results) Next(ctx context.Context) (*types.ResponseItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if len(r.pending) > 0 {
			data := r.pending[0]
			r.pending[0] = nil
			r.pending = r.pending[1:]
			idx := r.delivered.Add(1) - 1
			return &types.ResponseItem{Query: r.id, Peer: r.peer, Index: idx, Data: data}, nil
		}

		switch r.State() {
		case StateSucceeded:
			return nil, io.EOF
		case StateFailed, StateCancelled:
			return nil, r.err
		case StateIdle, StateRetrying:
			r.startAttempt(ctx)
		case StateStreaming:
			r.receive(ctx)
		default:
			// Dialing 只在 startAttempt 内部短暂出现
			r.terminate(StateFailed, errors.Errorf("unexpected state %s", r.State()))
		}
	}
}

// All 以迭代器形式遍历结果；提前停止时自动 Close，出错时最后一次迭代携带错误
func (r *Results) All(ctx context.Context) iter.Seq2[*types.ResponseItem, error] {
	return func(yield func(*types.ResponseItem, error) bool) {
		defer r.Close()
		for {
			item, err := r.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Close 取消查询：重置流并释放 QueryID，可重复调用
func (r *Results) Close() error {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	if !r.State().Terminal() {
		r.terminate(StateCancelled, types.NewError(types.KindCancelled, "close", r.peer, context.Canceled))
	}
	return nil
}

// opContext 为一次流操作构造 ctx：同时受查询、调用方和尝试超时约束
func (r *Results) opContext(callCtx context.Context) (context.Context, context.CancelFunc) {
	deadline := r.deadline
	if r.gotFirst {
		// 收到首条消息后按空闲超时计算
		deadline = time.Now().Add(r.query.AttemptTimeout)
	}
	opCtx, cancel := context.WithDeadline(r.ctx, deadline)
	stop := context.AfterFunc(callCtx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// startAttempt 选择下一个候选节点，打开流并发送请求
func (r *Results) startAttempt(callCtx context.Context) {
	limit := r.query.MaxAttempts
	if limit > len(r.candidates) {
		limit = len(r.candidates)
	}
	if r.attempt >= limit {
		r.exhausted()
		return
	}

	r.peer = r.candidates[r.attempt]
	r.attempt++
	r.gotFirst = false
	r.deadline = time.Now().Add(r.query.AttemptTimeout)
	r.setState(StateDialing)

	opCtx, done := r.opContext(callCtx)
	defer done()

	sess, err := r.d.opener.OpenStream(opCtx, r.peer, r.query.Protocol)
	if err != nil {
		r.attemptFailed(callCtx, err)
		return
	}
	r.sess = sess

	version, _ := r.query.Protocol.Version()
	if err := sess.Send(opCtx, wire.NewRequest(version, r.query.Range)); err != nil {
		r.attemptFailed(callCtx, err)
		return
	}
	// 请求只有一条，发送后半关闭写端
	if err := sess.CloseWrite(); err != nil {
		r.attemptFailed(callCtx, err)
		return
	}
	r.setState(StateStreaming)
}

// receive 读取一条响应消息并推进状态
func (r *Results) receive(callCtx context.Context) {
	opCtx, done := r.opContext(callCtx)
	msg, err := r.sess.Receive(opCtx)
	done()
	if err != nil {
		r.attemptFailed(callCtx, err)
		return
	}
	r.gotFirst = true

	switch msg.Kind() {
	case wire.KindChunk:
		n := uint64(len(msg.Chunk.Items))
		r.received += n
		itemsTotal.Add(float64(n))
		r.pending = msg.Chunk.Items
	case wire.KindEnd:
		if msg.End.Count != r.received {
			r.d.logger.Debugf("查询 %d 结束计数不一致 peer=%s end=%d received=%d",
				r.id, r.peer, msg.End.Count, r.received)
		}
		attemptsTotal.WithLabelValues("success").Inc()
		r.d.opener.Report(r.peer, pool.OutcomeSuccess)
		r.terminate(StateSucceeded, nil)
	case wire.KindError:
		r.attemptFailed(callCtx, types.NewError(types.KindRemote, "receive", r.peer, msg.Error))
	default:
		r.attemptFailed(callCtx, types.Errorf(types.KindFraming, "receive", "unexpected %s message", msg.Kind()))
	}
}

// attemptFailed 处理一次尝试的失败：决定重试、部分失败或取消
func (r *Results) attemptFailed(callCtx context.Context, err error) {
	if r.sess != nil {
		_ = r.sess.Reset()
		r.sess = nil
	}

	// 查询或调用方 ctx 已结束：不再重试
	if cerr := firstErr(r.ctx.Err(), callCtx.Err()); cerr != nil {
		kind := types.KindCancelled
		if errors.Is(cerr, context.DeadlineExceeded) {
			kind = types.KindTimeout
		}
		r.attempts = append(r.attempts, AttemptError{Peer: r.peer, Err: err})
		attemptsTotal.WithLabelValues(types.KindCancelled.String()).Inc()
		r.terminate(StateCancelled, types.NewError(kind, "query", r.peer, cerr))
		return
	}

	err = types.WithPeer(err, r.peer)
	r.attempts = append(r.attempts, AttemptError{Peer: r.peer, Err: err})
	kind := types.KindOf(err)
	attemptsTotal.WithLabelValues(kind.String()).Inc()
	r.report(kind)

	if r.received > 0 {
		r.d.logger.Warnf("查询 %d 在交付 %d 条后失败 peer=%s err=%v", r.id, r.received, r.peer, err)
		r.terminate(StateFailed, err)
		return
	}
	if !types.IsRetryable(err) {
		r.terminate(StateFailed, err)
		return
	}
	r.d.logger.Debugf("查询 %d 尝试失败，换下一个节点 peer=%s attempt=%d err=%v", r.id, r.peer, r.attempt, err)
	r.setState(StateRetrying)
}

func (r *Results) report(kind types.ErrorKind) {
	switch kind {
	case types.KindTimeout:
		r.d.opener.Report(r.peer, pool.OutcomeTimeout)
	case types.KindFraming:
		r.d.opener.Report(r.peer, pool.OutcomeViolation)
	case types.KindPeerUnreachable, types.KindLimitExceeded, types.KindCancelled:
		// 拨号失败已由连接池记录；本地限额与取消不归咎于对端
	default:
		r.d.opener.Report(r.peer, pool.OutcomeFailure)
	}
}

// exhausted 所有候选节点都已尝试
func (r *Results) exhausted() {
	var last error
	if n := len(r.attempts); n > 0 {
		last = r.attempts[n-1].Err
	} else {
		last = types.Errorf(types.KindPeerUnreachable, "issue", "no candidate peers for %s", r.query.Protocol)
	}
	r.terminate(StateFailed, last)
}

// terminate 进入终态：关闭流、记录错误、归还 QueryID（只执行一次）
func (r *Results) terminate(state State, cause error) {
	if r.sess != nil {
		if state == StateSucceeded {
			_ = r.sess.Close()
		} else {
			_ = r.sess.Reset()
		}
		r.sess = nil
	}
	if state != StateSucceeded {
		qe := &QueryError{Query: r.id, Delivered: r.received, Attempts: r.attempts, Err: cause}
		if state == StateCancelled {
			r.pending = nil
			qe.Delivered = r.delivered.Load()
		}
		// Failed 时已收到但未交付的记录仍会先交给调用方
		r.err = qe
	}
	r.setState(state)

	if r.finished.CompareAndSwap(false, true) {
		r.cancel()
		r.d.release(r.id)
		queryDuration.Observe(time.Since(r.startedAt).Seconds())
		queriesTotal.WithLabelValues(outcomeLabel(state, r.received)).Inc()
	}
}

func outcomeLabel(state State, received uint64) string {
	switch {
	case state == StateSucceeded:
		return "success"
	case state == StateCancelled:
		return "cancelled"
	case received > 0:
		return "partial"
	default:
		return "failed"
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
