package host

import (
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/network"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"

	nodeconfig "github.com/weisyn/syncnet/internal/config/node"
)

// 连接管理默认值，与配置缺省一致
const (
	defaultLowWater    = 32
	defaultHighWater   = 64
	defaultGracePeriod = 20 * time.Second
	defaultMaxFD       = 1024
)

// withConnectionManagerOptions 通过低/高水位与宽限期修剪连接
// 同步引擎自己按空闲时间关闭连接，这里只作为兜底上限
func withConnectionManagerOptions(cfg *nodeconfig.NodeOptions) ([]libp2p.Option, error) {
	lowWater := cfg.Connectivity.LowWater
	if lowWater <= 0 {
		lowWater = defaultLowWater
	}
	highWater := cfg.Connectivity.HighWater
	if highWater <= 0 {
		highWater = defaultHighWater
	}
	gracePeriod := cfg.Connectivity.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}

	cm, err := connmgr.NewConnManager(lowWater, highWater, connmgr.WithGracePeriod(gracePeriod))
	if err != nil {
		return nil, errors.Wrap(err, "connection manager")
	}
	return []libp2p.Option{libp2p.ConnectionManager(cm)}, nil
}

// resourceLimits 以内存/FD 为基准计算自适应限额
func resourceLimits(cfg *nodeconfig.NodeOptions) rcmgr.ConcreteLimitConfig {
	maxMemory := int64(memory.TotalMemory()) / 2
	maxFD := defaultMaxFD
	rc := cfg.Connectivity.Resources
	if rc.MemoryLimitMB > 0 {
		maxMemory = int64(rc.MemoryLimitMB) * 1024 * 1024
	}
	if rc.MaxFileDescriptors > 0 {
		maxFD = rc.MaxFileDescriptors
	}

	partial := rcmgr.PartialLimitConfig{
		System: rcmgr.ResourceLimits{
			Memory:          rcmgr.LimitVal64(maxMemory),
			FD:              rcmgr.LimitVal(maxFD),
			Conns:           rcmgr.Unlimited,
			ConnsInbound:    rcmgr.LimitVal(maxMemory / (1024 * 1024)),
			ConnsOutbound:   rcmgr.Unlimited,
			Streams:         rcmgr.Unlimited,
			StreamsOutbound: rcmgr.Unlimited,
			StreamsInbound:  rcmgr.Unlimited,
		},
		Transient: rcmgr.ResourceLimits{
			Memory:          rcmgr.LimitVal64(maxMemory / 4),
			FD:              rcmgr.LimitVal(maxFD / 4),
			Conns:           rcmgr.Unlimited,
			ConnsInbound:    rcmgr.LimitVal(maxMemory / (1024 * 1024 * 4)),
			ConnsOutbound:   rcmgr.Unlimited,
			Streams:         rcmgr.Unlimited,
			StreamsOutbound: rcmgr.Unlimited,
			StreamsInbound:  rcmgr.Unlimited,
		},
	}
	limits := partial.Build(rcmgr.DefaultLimits.Scale(maxMemory, maxFD)).ToPartialLimitConfig()

	// 入站连接不低于 2x HighWater 且不低于 256
	highWater := cfg.Connectivity.HighWater
	if highWater <= 0 {
		highWater = defaultHighWater
	}
	minInbound := max(int64(highWater*2), 256)
	if limits.System.ConnsInbound > rcmgr.DefaultLimit && int64(limits.System.ConnsInbound) < minInbound {
		limits.System.ConnsInbound = rcmgr.LimitVal(minInbound)
	}
	return limits.Build(rcmgr.ConcreteLimitConfig{})
}

// newAdaptiveResourceManager 创建固定限额的资源管理器
func newAdaptiveResourceManager(cfg *nodeconfig.NodeOptions) (network.ResourceManager, error) {
	return rcmgr.NewResourceManager(rcmgr.NewFixedLimiter(resourceLimits(cfg)))
}
