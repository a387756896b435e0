// Package host 装配并持有 libp2p Host
package host

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p"
	lphost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/metrics"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/pkg/errors"

	nodeconfig "github.com/weisyn/syncnet/internal/config/node"
	logiface "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
)

// Stats 主机运行统计
type Stats struct {
	PeerID      string
	Addrs       []string
	Peers       int
	Connections int
	Bandwidth   metrics.Stats
}

// Runtime 负责 Host 的创建与关闭
type Runtime struct {
	cfg    *nodeconfig.NodeOptions
	logger logiface.Logger

	mu        sync.Mutex
	host      lphost.Host
	rcmgr     network.ResourceManager
	bandwidth *metrics.BandwidthCounter
}

// NewRuntime 创建运行时，Start 之前不会监听任何地址
func NewRuntime(cfg *nodeconfig.NodeOptions, logger logiface.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger}
}

// Start 装配选项并启动 Host；extra 追加在配置选项之后
func (r *Runtime) Start(_ context.Context, extra ...libp2p.Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host != nil {
		return nil
	}

	built, err := buildOptions(r.cfg)
	if err != nil {
		return errors.Wrap(err, "build host options")
	}
	h, err := libp2p.New(append(built.options, extra...)...)
	if err != nil {
		if built.rcmgr != nil {
			_ = built.rcmgr.Close()
		}
		return errors.Wrap(err, "create host")
	}
	r.host = h
	r.rcmgr = built.rcmgr
	r.bandwidth = built.bandwidth

	if r.logger != nil {
		r.logger.Infof("node host started: id=%s addrs=%v low_water=%d high_water=%d rcmgr=%t",
			h.ID(), h.Addrs(), r.cfg.Connectivity.LowWater, r.cfg.Connectivity.HighWater, built.rcmgr != nil)
	}
	return nil
}

// Stop 关闭 Host
func (r *Runtime) Stop(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host == nil {
		return nil
	}
	err := r.host.Close()
	r.host = nil
	if r.logger != nil {
		r.logger.Info("node host stopped")
	}
	return err
}

// Host 返回 host，未启动时为 nil
func (r *Runtime) Host() lphost.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

// Stats 获取运行时统计信息
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host == nil {
		return Stats{}
	}
	s := Stats{
		PeerID:      r.host.ID().String(),
		Peers:       len(r.host.Network().Peers()),
		Connections: len(r.host.Network().Conns()),
		Bandwidth:   r.bandwidth.GetBandwidthTotals(),
	}
	for _, a := range r.host.Addrs() {
		s.Addrs = append(s.Addrs, a.String())
	}
	return s
}
