package partition

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backend 标识分区存储实现。
type Backend string

const (
	BackendFS      Backend = "fs"
	BackendLevelDB Backend = "leveldb"
	BackendMemory  Backend = "memory"
)

// Options 描述构建 Registry 所需的参数。
type Options struct {
	Backend       Backend
	StoragePath   string
	MemoryEntries int
}

// NewRegistry 根据 Backend 构建对应的 Registry，未指定时默认使用磁盘布局。
func NewRegistry(opts Options) (Registry, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(opts.Backend)))) {
	case BackendFS, "":
		return NewFSRegistry(opts.StoragePath)
	case BackendLevelDB:
		return NewLevelDBRegistry(filepath.Join(opts.StoragePath, "leveldb"))
	case BackendMemory:
		return NewMemoryRegistry(opts.MemoryEntries), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}
