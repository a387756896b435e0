// Package metrics 周期性采样进程运行时状态
//
// Doctor 读取 runtime.MemStats、RSS 与文件描述符使用量，写入 Prometheus 指标，
// 并在窗口内堆增长过快或 goroutine 数量越过阈值时输出告警日志。
// 长时间运行的同步节点里 goroutine 持续增长通常意味着流或会话泄漏。
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	metricsconfig "github.com/weisyn/syncnet/internal/config/metrics"
)

// Sample 一次采样
//
// HeapAlloc/Sys 包含 badger 的 mmap 虚拟地址，可能远大于实际物理内存，
// 判断内存压力以 RSSBytes 为准。
type Sample struct {
	Time         time.Time `json:"time"`
	HeapAlloc    uint64    `json:"heap_alloc"`
	HeapInuse    uint64    `json:"heap_inuse"`
	StackInuse   uint64    `json:"stack_inuse"`
	Sys          uint64    `json:"sys"`
	RSSBytes     uint64    `json:"rss_bytes"`
	NumGC        uint32    `json:"num_gc"`
	NumGoroutine int       `json:"num_goroutine"`
	OpenFDs      int       `json:"open_fds"`
	FDLimit      uint64    `json:"fd_limit"`
}

// alertLevel 告警级别
type alertLevel uint8

const (
	alertNone alertLevel = iota
	alertWarn
	alertCritical
)

// Doctor 运行时采样器
type Doctor struct {
	cfg    metricsconfig.MetricsOptions
	logger *zap.Logger

	mu      sync.RWMutex
	history []Sample
}

// NewDoctor 创建采样器；logger 可为 nil
func NewDoctor(cfg metricsconfig.MetricsOptions, logger *zap.Logger) *Doctor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	initRuntimeMetrics()
	return &Doctor{
		cfg:     cfg,
		logger:  logger,
		history: make([]Sample, 0, cfg.WindowSize),
	}
}

// Run 按采样间隔循环采样，直到 ctx 结束；首个样本在一个间隔之后
func (d *Doctor) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()

	d.logger.Info("运行时采样启动",
		zap.Duration("sample_interval", d.cfg.SampleInterval),
		zap.Int("window_size", d.cfg.WindowSize))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("运行时采样停止")
			return
		case <-ticker.C:
			d.SampleOnce()
		}
	}
}

// SampleOnce 立即采样一次并返回结果
func (d *Doctor) SampleOnce() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	openFDs, fdLimit := openFDInfo()

	s := Sample{
		Time:         time.Now(),
		HeapAlloc:    ms.HeapAlloc,
		HeapInuse:    ms.HeapInuse,
		StackInuse:   ms.StackInuse,
		Sys:          ms.Sys,
		RSSBytes:     rssBytes(),
		NumGC:        ms.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
		OpenFDs:      openFDs,
		FDLimit:      fdLimit,
	}

	d.mu.Lock()
	d.history = append(d.history, s)
	if len(d.history) > d.cfg.WindowSize {
		d.history = d.history[len(d.history)-d.cfg.WindowSize:]
	}
	growth := d.heapGrowthLocked()
	d.mu.Unlock()

	observe(s)

	d.logger.Debug("runtime_sample",
		zap.Uint64("rss_mb", s.RSSBytes>>20),
		zap.Uint64("heap_mb", s.HeapAlloc>>20),
		zap.Uint32("gc", s.NumGC),
		zap.Int("goroutines", s.NumGoroutine),
		zap.Int("open_fds", s.OpenFDs))

	if d.cfg.HeapGrowthLimitBytes > 0 && growth > d.cfg.HeapGrowthLimitBytes {
		d.logger.Warn("堆内存持续增长",
			zap.Int64("growth_bytes", growth),
			zap.Int64("limit_bytes", d.cfg.HeapGrowthLimitBytes),
			zap.Uint64("rss_mb", s.RSSBytes>>20))
	}

	switch d.goroutineAlert(s.NumGoroutine) {
	case alertCritical:
		d.logger.Error("goroutine_count_critical",
			zap.Int("count", s.NumGoroutine),
			zap.Int("threshold", d.cfg.GoroutineCriticalThreshold))
	case alertWarn:
		d.logger.Warn("goroutine_count_high",
			zap.Int("count", s.NumGoroutine),
			zap.Int("threshold", d.cfg.GoroutineWarnThreshold))
	}
	return s
}

// Latest 最近一次采样
func (d *Doctor) Latest() (Sample, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.history) == 0 {
		return Sample{}, false
	}
	return d.history[len(d.history)-1], true
}

// History 窗口内的全部采样（按时间升序）
func (d *Doctor) History() []Sample {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Sample, len(d.history))
	copy(out, d.history)
	return out
}

// heapGrowthLocked 窗口内首尾样本的堆增长；样本不足时为 0
func (d *Doctor) heapGrowthLocked() int64 {
	if len(d.history) < 2 {
		return 0
	}
	first := d.history[0].HeapAlloc
	last := d.history[len(d.history)-1].HeapAlloc
	return int64(last) - int64(first)
}

func (d *Doctor) goroutineAlert(n int) alertLevel {
	switch {
	case d.cfg.GoroutineCriticalThreshold > 0 && n >= d.cfg.GoroutineCriticalThreshold:
		return alertCritical
	case d.cfg.GoroutineWarnThreshold > 0 && n >= d.cfg.GoroutineWarnThreshold:
		return alertWarn
	default:
		return alertNone
	}
}
