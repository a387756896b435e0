package host

// 本文件负责构建 libp2p Host，聚合传输、安全、复用、连接与资源策略等选项。
// 仅做装配，不包含业务逻辑。
//
// 装配顺序：Transports → Security → Muxers → Conn/Resource/Bandwidth → Identity → ListenAddrs → Extra。
// enrichListenAddresses 会在启用 QUIC/WS 时自动补全对应监听地址。

import (
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/metrics"
	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	nodeconfig "github.com/weisyn/syncnet/internal/config/node"
)

// fallbackListenAddresses 未配置监听地址时使用的随机端口
var fallbackListenAddresses = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
}

// buildResult 装配过程中产生、需要由 Runtime 持有的对象
type buildResult struct {
	options   []libp2p.Option
	rcmgr     network.ResourceManager
	bandwidth *metrics.BandwidthCounter
}

// buildOptions 根据配置装配 libp2p 选项
func buildOptions(cfg *nodeconfig.NodeOptions) (*buildResult, error) {
	res := &buildResult{bandwidth: metrics.NewBandwidthCounter()}
	var opts []libp2p.Option

	opts = append(opts, withTransportOptions(cfg)...)
	opts = append(opts, withSecurityOptions(cfg)...)
	opts = append(opts, withMuxerOptions(cfg)...)

	cmOpts, err := withConnectionManagerOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, cmOpts...)

	if cfg.Connectivity.Resources.Enabled {
		rm, err := newAdaptiveResourceManager(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "resource manager")
		}
		res.rcmgr = rm
		opts = append(opts, libp2p.ResourceManager(rm))
	}
	opts = append(opts, libp2p.BandwidthReporter(res.bandwidth))

	idOpts, err := withIdentityOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, idOpts...)

	addrs := cfg.Host.ListenAddresses
	if len(addrs) == 0 {
		addrs = fallbackListenAddresses
	} else {
		addrs = enrichListenAddresses(addrs, cfg)
	}
	opts = append(opts, libp2p.ListenAddrStrings(addrs...))

	res.options = opts
	return res, nil
}

// enrichListenAddresses 在启用 QUIC/WS 时按 TCP 地址补全监听 multiaddrs
func enrichListenAddresses(base []string, cfg *nodeconfig.NodeOptions) []string {
	hasQUIC := cfg.Host.Transport.EnableQUIC
	hasWS := cfg.Host.Transport.EnableWebSocket
	if !hasQUIC && !hasWS {
		return base
	}

	out := append([]string(nil), base...)
	existing := make(map[string]struct{}, len(base))
	for _, s := range base {
		existing[s] = struct{}{}
	}
	add := func(s string) {
		if _, ok := existing[s]; !ok {
			out = append(out, s)
			existing[s] = struct{}{}
		}
	}

	for _, s := range base {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		port, err := m.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		if hasQUIC {
			if ip4, err := m.ValueForProtocol(ma.P_IP4); err == nil && ip4 != "" {
				add("/ip4/" + ip4 + "/udp/" + port + "/quic-v1")
			}
			if ip6, err := m.ValueForProtocol(ma.P_IP6); err == nil && ip6 != "" {
				add("/ip6/" + ip6 + "/udp/" + port + "/quic-v1")
			}
		}
		if hasWS {
			add(s + "/ws")
		}
	}
	return out
}
