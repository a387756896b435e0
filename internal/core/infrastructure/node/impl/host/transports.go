package host

import (
	"github.com/libp2p/go-libp2p"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"

	nodeconfig "github.com/weisyn/syncnet/internal/config/node"
)

// withTransportOptions 按配置启用 TCP/QUIC/WebSocket，全部关闭时回退到默认传输
func withTransportOptions(cfg *nodeconfig.NodeOptions) []libp2p.Option {
	tr := cfg.Host.Transport
	var opts []libp2p.Option

	if tr.EnableTCP {
		opts = append(opts, libp2p.Transport(tcp.NewTCPTransport, tcp.WithMetrics()))
	}
	if tr.EnableQUIC {
		opts = append(opts, libp2p.Transport(libp2pquic.NewTransport))
	}
	if tr.EnableWebSocket {
		opts = append(opts, libp2p.Transport(websocket.New))
	}

	if len(opts) == 0 {
		return []libp2p.Option{libp2p.DefaultTransports}
	}
	return opts
}
