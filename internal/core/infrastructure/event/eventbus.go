// Package event 提供基于asaskevich/EventBus的事件总线
//
// 同步引擎在事件循环中同步 Publish 连接事件，订阅方必须使用 SubscribeAsync。
package event

import (
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"

	"github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
)

// EventBus 在asaskevich/EventBus之上记录发布次数
type EventBus struct {
	evbus.Bus

	logger    log.Logger
	published atomic.Uint64
	closed    atomic.Bool
}

var _ evbus.Bus = (*EventBus)(nil)

// New 创建事件总线；logger 可为 nil
func New(logger log.Logger) *EventBus {
	return &EventBus{Bus: evbus.New(), logger: logger}
}

// Publish 发布事件；关闭后的发布被丢弃
func (b *EventBus) Publish(topic string, args ...interface{}) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)
	b.Bus.Publish(topic, args...)
}

// Published 已发布的事件数
func (b *EventBus) Published() uint64 { return b.published.Load() }

// Close 停止接收新事件并等待异步订阅方处理完毕
func (b *EventBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.WaitAsync()
	if b.logger != nil {
		b.logger.Infof("事件总线已关闭 published=%d", b.Published())
	}
}
