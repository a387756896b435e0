package node

import "time"

// 节点主机默认配置值
const (
	// defaultLowWater 连接管理低水位
	defaultLowWater = 32

	// defaultHighWater 连接管理高水位，与同步引擎的全局连接上限一致
	defaultHighWater = 64

	// defaultGracePeriod 新建连接在此期间不会被修剪
	defaultGracePeriod = 20 * time.Second

	// defaultResourceManagerEnabled 默认启用 rcmgr
	defaultResourceManagerEnabled = true

	// defaultMaxFileDescriptors rcmgr 文件描述符上限
	defaultMaxFileDescriptors = 1024

	// defaultYamuxWindowSizeKB 单流接收窗口(KB)
	// 窗口决定了慢速读方能让写方领先多少字节，即响应流的背压粒度
	defaultYamuxWindowSizeKB = 1024

	// defaultYamuxMaxStreams 单连接入站流上限
	defaultYamuxMaxStreams = 256
)

// defaultListenAddresses 默认监听地址
var defaultListenAddresses = []string{
	"/ip4/0.0.0.0/tcp/4001",
	"/ip4/0.0.0.0/udp/4001/quic-v1",
}
