package host

import (
	"github.com/libp2p/go-libp2p"
	lpyamux "github.com/libp2p/go-libp2p/p2p/muxer/yamux"

	nodeconfig "github.com/weisyn/syncnet/internal/config/node"
)

// yamux 参数边界
const (
	minYamuxWindow     = 256 * 1024
	maxYamuxWindow     = 32 * 1024 * 1024
	maxYamuxStreamsCap = 1000000
)

// withMuxerOptions 根据配置构建 yamux 选项
// 流窗口决定慢速读方能让写方领先多少字节，即响应流背压的粒度
func withMuxerOptions(cfg *nodeconfig.NodeOptions) []libp2p.Option {
	if !cfg.Host.Muxer.EnableYamux {
		return []libp2p.Option{libp2p.DefaultMuxers}
	}
	return []libp2p.Option{libp2p.Muxer(lpyamux.ID, yamuxTransport(cfg.Host.Muxer))}
}

// yamuxTransport 以默认配置为基础，仅覆盖正值参数
func yamuxTransport(mc nodeconfig.MuxerConfig) *lpyamux.Transport {
	config := *lpyamux.DefaultTransport.Config()

	if ws := mc.YamuxWindowSize; ws > 0 {
		window := uint32(ws) * 1024
		config.MaxStreamWindowSize = min(max(window, minYamuxWindow), maxYamuxWindow)
	}
	if ms := mc.YamuxMaxStreams; ms > 0 {
		config.MaxIncomingStreams = uint32(min(ms, maxYamuxStreamsCap))
	}
	if to := mc.YamuxConnectionTimeout; to > 0 {
		config.ConnectionWriteTimeout = to
	}
	return (*lpyamux.Transport)(&config)
}
