package pool

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Outcome 一次交互的结果，用于更新节点信誉
type Outcome uint8

const (
	OutcomeSuccess     Outcome = iota // 完整应答
	OutcomeFailure                    // 传输失败、对端错误等
	OutcomeTimeout                    // 尝试超时
	OutcomeUnreachable                // 拨号失败
	OutcomeViolation                  // 帧格式违规
)

// String 返回结果名称
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeViolation:
		return "violation"
	default:
		return "unknown"
	}
}

// 信誉分范围
const (
	MaxScore = 100
	MinScore = -100
)

var outcomeDelta = map[Outcome]int{
	OutcomeSuccess:     1,
	OutcomeFailure:     -5,
	OutcomeTimeout:     -3,
	OutcomeUnreachable: -10,
	OutcomeViolation:   -25,
}

// Reputation 节点信誉表
type Reputation interface {
	// Score 当前分数，未知节点为 0
	Score(p peer.ID) int
	// Report 记录一次交互结果
	Report(p peer.ID, o Outcome)
}

// ScoreTable 基于 LRU 的有界信誉表，容量满时淘汰最久未更新的节点
type ScoreTable struct {
	mu    sync.Mutex
	cache *lru.Cache[peer.ID, int]
}

var _ Reputation = (*ScoreTable)(nil)

// NewScoreTable 创建信誉表
func NewScoreTable(size int) *ScoreTable {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[peer.ID, int](size)
	if err != nil {
		// 仅在 size<=0 时出错，上面已处理
		panic(err)
	}
	return &ScoreTable{cache: cache}
}

// Score 实现 Reputation
func (t *ScoreTable) Score(p peer.ID) int {
	v, _ := t.cache.Peek(p)
	return v
}

// Report 实现 Reputation
func (t *ScoreTable) Report(p peer.ID, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, _ := t.cache.Get(p)
	v += outcomeDelta[o]
	if v > MaxScore {
		v = MaxScore
	}
	if v < MinScore {
		v = MinScore
	}
	t.cache.Add(p, v)
}

// Len 记录的节点数
func (t *ScoreTable) Len() int {
	return t.cache.Len()
}
