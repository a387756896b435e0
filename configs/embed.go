// Package configs 嵌入默认配置文件
package configs

import _ "embed"

// 未指定配置文件时使用的节点配置
//
//go:embed syncnode.json
var defaultConfig []byte

// Default 返回嵌入的默认配置内容
func Default() []byte {
	return append([]byte(nil), defaultConfig...)
}
