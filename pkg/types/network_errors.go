// Package types 定义同步协议引擎的错误分类
package types

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
)

// ErrorKind 错误类别
type ErrorKind uint8

const (
	KindUnknown         ErrorKind = iota
	KindFraming                   // 帧格式错误或超长，属于对端违规
	KindTransport                 // 底层连接/流失败，可换节点重试
	KindStreamClosed              // 对端正常关闭
	KindPeerUnreachable           // 拨号失败
	KindLimitExceeded             // 本地资源上限
	KindTimeout                   // 尝试或空闲超时
	KindCancelled                 // 调用方取消
	KindRemote                    // 对端返回的 Error 消息
	KindBadRequest                // 请求参数不合法
)

var kindNames = map[ErrorKind]string{
	KindUnknown:         "unknown",
	KindFraming:         "framing",
	KindTransport:       "transport",
	KindStreamClosed:    "stream_closed",
	KindPeerUnreachable: "peer_unreachable",
	KindLimitExceeded:   "limit_exceeded",
	KindTimeout:         "timeout",
	KindCancelled:       "cancelled",
	KindRemote:          "remote",
	KindBadRequest:      "bad_request",
}

// String 返回类别名称
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// LimitScope LimitExceeded 的作用域
type LimitScope uint8

const (
	ScopeNone   LimitScope = iota
	ScopePeer              // 单节点流上限
	ScopeGlobal            // 全局连接上限
)

// SyncError 同步引擎统一错误类型
type SyncError struct {
	Kind  ErrorKind
	Scope LimitScope // 仅 KindLimitExceeded 使用
	Peer  peer.ID    // 可为空
	Op    string     // 出错的操作，如 "dial"、"receive"
	Err   error      // 底层原因，可为空
}

// Error 实现 error 接口
func (e *SyncError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Peer != "" {
		msg += " (peer " + e.Peer.ShortString() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 返回底层原因
func (e *SyncError) Unwrap() error { return e.Err }

// Is 同类别的 SyncError 视为相等，便于与哨兵错误比较
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Scope == ScopeNone || t.Scope == e.Scope
}

// Retryable 是否应换一个节点重试
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case KindCancelled, KindBadRequest:
		return false
	case KindLimitExceeded:
		return e.Scope == ScopePeer
	default:
		return true
	}
}

// 哨兵错误，用于 errors.Is 判断类别
var (
	ErrFraming         = &SyncError{Kind: KindFraming}
	ErrTransport       = &SyncError{Kind: KindTransport}
	ErrStreamClosed    = &SyncError{Kind: KindStreamClosed}
	ErrPeerUnreachable = &SyncError{Kind: KindPeerUnreachable}
	ErrLimitExceeded   = &SyncError{Kind: KindLimitExceeded}
	ErrPeerLimit       = &SyncError{Kind: KindLimitExceeded, Scope: ScopePeer}
	ErrGlobalLimit     = &SyncError{Kind: KindLimitExceeded, Scope: ScopeGlobal}
	ErrTimeout         = &SyncError{Kind: KindTimeout}
	ErrCancelled       = &SyncError{Kind: KindCancelled}
	ErrRemote          = &SyncError{Kind: KindRemote}
	ErrBadRequest      = &SyncError{Kind: KindBadRequest}
)

// NewError 构造 SyncError
func NewError(kind ErrorKind, op string, p peer.ID, cause error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Peer: p, Err: cause}
}

// Errorf 构造带格式化原因的 SyncError
func Errorf(kind ErrorKind, op string, format string, args ...interface{}) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf 返回错误链中第一个 SyncError 的类别
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsKind 判断错误链中是否包含指定类别
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable 判断错误是否允许换节点重试
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// WithPeer 为错误补充节点信息（若尚未设置）
func WithPeer(err error, p peer.ID) error {
	var se *SyncError
	if errors.As(err, &se) && se.Peer == "" {
		cp := *se
		cp.Peer = p
		return &cp
	}
	return err
}
