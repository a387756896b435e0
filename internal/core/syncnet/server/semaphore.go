package server

// Semaphore 入站请求并发闸门
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore 创建指定容量的信号量
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{ch: make(chan struct{}, capacity)}
}

// TryAcquire 非阻塞获取
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release 释放
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
	default:
		// 已经为空，忽略重复释放
	}
}

// Available 可用名额
func (s *Semaphore) Available() int {
	return cap(s.ch) - len(s.ch)
}

// Capacity 总容量
func (s *Semaphore) Capacity() int {
	return cap(s.ch)
}
