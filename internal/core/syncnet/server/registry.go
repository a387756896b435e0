package server

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

// registry.go
// 协议表：协议名 → 记录来源 + 注册配置
// 读多写少，使用 RWMutex；同名协议重复注册时覆盖旧的来源与配置

type entry struct {
	source syncnet.RecordSource
	info   types.ProtocolInfo
}

// ProtocolRegistry 服务端协议注册表
type ProtocolRegistry struct {
	mu      sync.RWMutex
	entries map[types.ProtocolName]entry
}

// NewProtocolRegistry 创建协议注册表
func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{entries: make(map[types.ProtocolName]entry)}
}

// Register 注册协议
// 协议名必须以 "/<版本号>" 结尾，注册配置中缺省的字段由调用方预先填好
func (r *ProtocolRegistry) Register(protocol types.ProtocolName, source syncnet.RecordSource, cfg types.RegisterConfig) error {
	if source == nil {
		return errors.Errorf("register %s: nil record source", protocol)
	}
	version, ok := protocol.Version()
	if !ok {
		return errors.Errorf("register %s: protocol name must end with a numeric version", protocol)
	}
	if cfg.ChunkSize <= 0 || cfg.MaxLimit == 0 {
		return errors.Errorf("register %s: chunk size and max limit must be positive", protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[protocol] = entry{
		source: source,
		info: types.ProtocolInfo{
			Name:         protocol,
			Version:      version,
			Config:       cfg,
			RegisteredAt: time.Now(),
		},
	}
	return nil
}

// Unregister 注销协议，未注册时返回 false
func (r *ProtocolRegistry) Unregister(protocol types.ProtocolName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[protocol]
	delete(r.entries, protocol)
	return ok
}

// Get 查找协议的记录来源与信息
func (r *ProtocolRegistry) Get(protocol types.ProtocolName) (syncnet.RecordSource, types.ProtocolInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[protocol]
	return e.source, e.info, ok
}

// List 已注册协议的快照，按名称排序
func (r *ProtocolRegistry) List() []types.ProtocolInfo {
	r.mu.RLock()
	out := make([]types.ProtocolInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
