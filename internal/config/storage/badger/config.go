package badger

import (
	configtypes "github.com/weisyn/syncnet/pkg/types"
)

// BadgerOptions BadgerDB存储配置选项
type BadgerOptions struct {
	Path         string `json:"path"`           // 数据库存储路径
	InMemory     bool   `json:"in_memory"`      // 内存模式，不落盘
	SyncWrites   bool   `json:"sync_writes"`    // 是否同步写入
	MemTableSize int64  `json:"mem_table_size"` // 内存表大小
}

// Config BadgerDB配置实现
type Config struct {
	options *BadgerOptions
}

// New 创建BadgerDB配置实现
// userConfig 可以是 *BadgerOptions（完整覆盖）或 *types.UserStorageConfig（按字段覆盖）
func New(userConfig interface{}) *Config {
	switch c := userConfig.(type) {
	case *BadgerOptions:
		if c != nil {
			opts := *c
			return &Config{options: &opts}
		}
	case *configtypes.UserStorageConfig:
		options := createDefaultBadgerOptions()
		applyUserConfig(options, c)
		return &Config{options: options}
	}
	return &Config{options: createDefaultBadgerOptions()}
}

// createDefaultBadgerOptions 创建默认BadgerDB配置
func createDefaultBadgerOptions() *BadgerOptions {
	return &BadgerOptions{
		Path:         defaultPath,
		SyncWrites:   defaultSyncWrites,
		MemTableSize: defaultMemTableSize,
	}
}

// applyUserConfig 应用用户配置覆盖默认值
func applyUserConfig(options *BadgerOptions, storageConfig *configtypes.UserStorageConfig) {
	if storageConfig == nil {
		return
	}
	if storageConfig.DataPath != nil {
		options.Path = *storageConfig.DataPath
	}
	if storageConfig.InMemory != nil {
		options.InMemory = *storageConfig.InMemory
	}
}

// GetOptions 获取完整的BadgerDB配置选项
func (c *Config) GetOptions() *BadgerOptions {
	return c.options
}

// GetPath 获取数据库路径
func (c *Config) GetPath() string {
	return c.options.Path
}

// IsInMemory 是否内存模式
func (c *Config) IsInMemory() bool {
	return c.options.InMemory
}

// IsSyncWritesEnabled 是否启用同步写入
func (c *Config) IsSyncWritesEnabled() bool {
	return c.options.SyncWrites
}

// GetMemTableSize 获取内存表大小
func (c *Config) GetMemTableSize() int64 {
	return c.options.MemTableSize
}
