package metrics

import "time"

// 运行时指标默认值
const (
	defaultEnabled = true

	// defaultSampleInterval 采样间隔 10s
	defaultSampleInterval = 10 * time.Second

	// defaultWindowSize 保留最近 30 个样本（约 5 分钟）
	defaultWindowSize = 30

	// defaultHeapGrowthLimitBytes 窗口内堆增长超过 100MB 告警
	defaultHeapGrowthLimitBytes = 100 << 20

	defaultGoroutineWarnThreshold     = 5000
	defaultGoroutineCriticalThreshold = 10000
)
