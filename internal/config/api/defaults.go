package api

// 管理接口默认值
const (
	// defaultEnabled 默认关闭，管理接口不应对外暴露
	defaultEnabled = false

	// defaultHTTPAddress 默认只监听本机
	defaultHTTPAddress = "127.0.0.1:9090"
)
