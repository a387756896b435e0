// Package protocols 集中定义同步协议名称
//
// 命名规范：/syncnet/<记录类别>/<版本>
//
// ```go
// engine.RegisterProtocolHandler(protocols.ProtocolHeaders, store.Source(protocols.NamespaceHeaders))
// ```
package protocols

import "github.com/weisyn/syncnet/pkg/types"

// 记录同步协议
const (
	// ProtocolHeaders 区块头范围同步
	ProtocolHeaders types.ProtocolName = "/syncnet/headers/1"

	// ProtocolBlocks 区块体范围同步
	ProtocolBlocks types.ProtocolName = "/syncnet/blocks/1"
)

// ProtocolBench 吞吐压测协议，数据由合成来源生成
const ProtocolBench types.ProtocolName = "/syncnet/bench/1"

// 协议对应的存储命名空间
const (
	NamespaceHeaders = "headers"
	NamespaceBlocks  = "blocks"
)

// RecordProtocols 返回由存储提供数据的协议与命名空间
func RecordProtocols() map[types.ProtocolName]string {
	return map[types.ProtocolName]string{
		ProtocolHeaders: NamespaceHeaders,
		ProtocolBlocks:  NamespaceBlocks,
	}
}
