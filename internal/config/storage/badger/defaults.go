package badger

// BadgerDB存储默认配置值
const (
	// defaultPath 默认数据目录
	defaultPath = "./data/badger"

	// defaultSyncWrites 默认启用同步写入
	defaultSyncWrites = true

	// defaultMemTableSize 默认内存表大小为64MB
	defaultMemTableSize = 64 << 20
)
