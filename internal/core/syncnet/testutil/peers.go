package testutil

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/weisyn/syncnet/internal/core/infrastructure/log"
	logiface "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
)

// PeerID 测试用节点标识
func PeerID(n int) peer.ID {
	return peer.ID(fmt.Sprintf("test-peer-%03d", n))
}

// NopLogger 测试用空日志
func NopLogger() logiface.Logger {
	return log.NewNop()
}
