package dispatcher

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/weisyn/syncnet/pkg/types"
)

// State 查询状态
//
//	Idle → Dialing → Streaming → Succeeded
//	                    │   └──→ Failed（已交付部分数据）
//	                    └──────→ Retrying → Dialing（尚未收到数据）
//	任意非终态 ──Close/ctx──→ Cancelled
type State uint8

const (
	StateIdle State = iota
	StateDialing
	StateStreaming
	StateSucceeded
	StateRetrying
	StateFailed
	StateCancelled
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateStreaming:
		return "streaming"
	case StateSucceeded:
		return "succeeded"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal 是否终态
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// AttemptError 单次尝试的失败原因
type AttemptError struct {
	Peer peer.ID
	Err  error
}

// QueryError 查询的终止错误
//
// 三种结果通过它区分：成功时 Next 返回 io.EOF；
// Delivered==0 表示没有任何数据（所有节点都失败）；
// Delivered>0 表示已交付部分数据后中断，剩余范围由调用方决定是否重新发起。
type QueryError struct {
	Query     types.QueryID
	Delivered uint64
	Attempts  []AttemptError
	Err       error
}

// Error 实现 error 接口
func (e *QueryError) Error() string {
	msg := fmt.Sprintf("query %d failed", e.Query)
	if e.Partial() {
		msg += fmt.Sprintf(" after %d items", e.Delivered)
	}
	if n := len(e.Attempts); n > 0 {
		msg += fmt.Sprintf(" (%d attempts)", n)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 返回最后一次失败的原因
func (e *QueryError) Unwrap() error { return e.Err }

// Partial 是否已交付部分数据
func (e *QueryError) Partial() bool { return e.Delivered > 0 }
