package testutil

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

// CountingSource 生成式记录来源：高度 h 的记录为 8 字节大端 h
// 记录每次拉取，便于断言服务端没有预读整个结果集
type CountingSource struct {
	// Total 可用记录数，高度范围 [0, Total)
	Total uint64
	// FailAt 读到该序号（从 0 开始）时返回 FailErr，0 表示不失败
	FailAt  uint64
	FailErr error
	// Gate 非空时每次 Next 先从中取一个令牌
	Gate chan struct{}
	// RecordSize 大于 8 时记录补零到该长度，前 8 字节仍为高度
	RecordSize int

	pulled  atomic.Uint64
	mu      sync.Mutex
	open    int
	closed  int
	ctxDone atomic.Bool
}

var _ syncnet.RecordSource = (*CountingSource)(nil)

// QueryRange 实现 syncnet.RecordSource
func (s *CountingSource) QueryRange(_ context.Context, filter types.RangeFilter) (syncnet.RecordIterator, error) {
	s.mu.Lock()
	s.open++
	s.mu.Unlock()
	step := filter.Step
	if step == 0 {
		step = 1
	}
	return &countingIterator{src: s, next: filter.Start, remaining: filter.Limit, step: step, backward: filter.Direction == types.DirectionBackward}, nil
}

// Pulled 已被拉取的记录数
func (s *CountingSource) Pulled() uint64 { return s.pulled.Load() }

// Opened 已打开的迭代器数
func (s *CountingSource) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Closed 已关闭的迭代器数
func (s *CountingSource) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SawCancel 是否有迭代器在 ctx 取消后被调用
func (s *CountingSource) SawCancel() bool { return s.ctxDone.Load() }

type countingIterator struct {
	src       *CountingSource
	next      uint64
	remaining uint64
	step      uint64
	backward  bool
	index     uint64
	done      bool
}

func (it *countingIterator) Next(ctx context.Context) ([]byte, error) {
	if it.done || it.remaining == 0 || it.next >= it.src.Total {
		return nil, io.EOF
	}
	if it.src.Gate != nil {
		select {
		case <-it.src.Gate:
		case <-ctx.Done():
			it.src.ctxDone.Store(true)
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		it.src.ctxDone.Store(true)
		return nil, err
	}
	if it.src.FailErr != nil && it.index == it.src.FailAt {
		return nil, it.src.FailErr
	}

	rec := make([]byte, max(8, it.src.RecordSize))
	binary.BigEndian.PutUint64(rec, it.next)
	it.src.pulled.Add(1)
	it.index++
	it.remaining--
	if it.backward {
		if it.next < it.step {
			it.done = true
		} else {
			it.next -= it.step
		}
	} else {
		if it.next > math.MaxUint64-it.step {
			it.done = true
		} else {
			it.next += it.step
		}
	}
	return rec, nil
}

func (it *countingIterator) Close() error {
	it.src.mu.Lock()
	it.src.closed++
	it.src.mu.Unlock()
	return nil
}

// Record 返回高度 h 对应的记录内容
func Record(h uint64) []byte {
	rec := make([]byte, 8)
	binary.BigEndian.PutUint64(rec, h)
	return rec
}
