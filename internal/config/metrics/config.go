package metrics

import (
	"time"

	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/pkg/types"
)

// MetricsOptions 运行时指标配置选项
type MetricsOptions struct {
	Enabled                    bool          `json:"enabled"`                      // 是否启用周期采样
	SampleInterval             time.Duration `json:"sample_interval"`              // 采样间隔
	WindowSize                 int           `json:"window_size"`                  // 保留的样本数，用于趋势判定
	HeapGrowthLimitBytes       int64         `json:"heap_growth_limit_bytes"`      // 窗口内允许的堆增长
	GoroutineWarnThreshold     int           `json:"goroutine_warn_threshold"`     // 超过即 WARN
	GoroutineCriticalThreshold int           `json:"goroutine_critical_threshold"` // 超过即 ERROR
}

// Config 运行时指标配置实现
type Config struct {
	options *MetricsOptions
}

// New 创建运行时指标配置
func New(userConfig interface{}) (*Config, error) {
	options := createDefaultMetricsOptions()
	if u, ok := userConfig.(*types.UserMetricsConfig); ok && u != nil {
		if err := applyUserMetricsConfig(options, u); err != nil {
			return nil, err
		}
	}
	if options.SampleInterval <= 0 {
		return nil, errors.New("metrics.sample_interval must be positive")
	}
	if options.GoroutineCriticalThreshold < options.GoroutineWarnThreshold {
		return nil, errors.Errorf("metrics.goroutine_critical_threshold %d below warn threshold %d",
			options.GoroutineCriticalThreshold, options.GoroutineWarnThreshold)
	}
	return &Config{options: options}, nil
}

// NewFromOptions 从完整选项创建配置
func NewFromOptions(options *MetricsOptions) *Config {
	return &Config{options: options}
}

func createDefaultMetricsOptions() *MetricsOptions {
	return &MetricsOptions{
		Enabled:                    defaultEnabled,
		SampleInterval:             defaultSampleInterval,
		WindowSize:                 defaultWindowSize,
		HeapGrowthLimitBytes:       defaultHeapGrowthLimitBytes,
		GoroutineWarnThreshold:     defaultGoroutineWarnThreshold,
		GoroutineCriticalThreshold: defaultGoroutineCriticalThreshold,
	}
}

func applyUserMetricsConfig(options *MetricsOptions, u *types.UserMetricsConfig) error {
	if u.Enabled != nil {
		options.Enabled = *u.Enabled
	}
	if u.SampleInterval != nil {
		d, err := time.ParseDuration(*u.SampleInterval)
		if err != nil {
			return errors.Wrapf(err, "metrics.sample_interval %q", *u.SampleInterval)
		}
		options.SampleInterval = d
	}
	if u.GoroutineWarnThreshold != nil {
		options.GoroutineWarnThreshold = *u.GoroutineWarnThreshold
	}
	if u.GoroutineCriticalThreshold != nil {
		options.GoroutineCriticalThreshold = *u.GoroutineCriticalThreshold
	}
	if u.HeapGrowthLimitMB != nil {
		options.HeapGrowthLimitBytes = int64(*u.HeapGrowthLimitMB) << 20
	}
	return nil
}

// GetOptions 获取完整选项
func (c *Config) GetOptions() *MetricsOptions {
	return c.options
}
