package api

import (
	"net"

	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/pkg/types"
)

// APIOptions 管理接口配置选项
type APIOptions struct {
	Enabled     bool   `json:"enabled"`      // 是否启用 HTTP 管理接口
	HTTPAddress string `json:"http_address"` // 监听地址 host:port，端口可为 0
}

// Config 管理接口配置实现
type Config struct {
	options *APIOptions
}

// New 创建管理接口配置
// userConfig 为 *types.UserAPIConfig 时按字段覆盖默认值
func New(userConfig interface{}) (*Config, error) {
	options := &APIOptions{
		Enabled:     defaultEnabled,
		HTTPAddress: defaultHTTPAddress,
	}
	if u, ok := userConfig.(*types.UserAPIConfig); ok && u != nil {
		if u.Enabled != nil {
			options.Enabled = *u.Enabled
		}
		if u.HTTPAddress != nil {
			options.HTTPAddress = *u.HTTPAddress
		}
	}
	if options.Enabled {
		if _, _, err := net.SplitHostPort(options.HTTPAddress); err != nil {
			return nil, errors.Wrapf(err, "api.http_address %q", options.HTTPAddress)
		}
	}
	return &Config{options: options}, nil
}

// GetOptions 获取完整选项
func (c *Config) GetOptions() *APIOptions {
	return c.options
}
