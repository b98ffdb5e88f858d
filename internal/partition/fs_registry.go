package partition

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFSRegistry 以 basePath 为根目录构建磁盘分区，整站复用一份实例。磁盘布局：
//
//	<basePath>/<partition>/<sha1(key)>.entry
func NewFSRegistry(basePath string) (Registry, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fsRegistry{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fsRegistry 通过 entryLock 避免同一条目并发写入，分区即 basePath 下的子目录。
type fsRegistry struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fsPartition struct {
	registry *fsRegistry
	name     string
	dir      string
}

func (r *fsRegistry) Open(ctx context.Context, name string) (Partition, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(r.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &fsPartition{registry: r, name: name, dir: dir}, nil
}

func (r *fsRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	dir := filepath.Join(r.basePath, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (r *fsRegistry) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() && !strings.HasPrefix(item.Name(), ".") {
			names = append(names, item.Name())
		}
	}
	return names, nil
}

func (r *fsRegistry) Close() error {
	return nil
}

func (p *fsPartition) Name() string {
	return p.name
}

func (p *fsPartition) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeEntry(data)
}

func (p *fsPartition) Put(ctx context.Context, key Key, entry *Entry) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if entry == nil {
		return errors.New("entry required")
	}
	unlock := p.registry.lockEntry(p.name, key)
	defer unlock()

	stored := entry.Clone()
	stored.Key = key
	data, err := encodeEntry(stored)
	if err != nil {
		return err
	}

	// 分区目录被删除后不再隐式重建，旧句柄写入直接失败。
	tempFile, err := os.CreateTemp(p.dir, ".entry-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrPartitionGone
		}
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, p.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (p *fsPartition) Delete(ctx context.Context, key Key) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	unlock := p.registry.lockEntry(p.name, key)
	defer unlock()

	if err := os.Remove(p.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *fsPartition) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, item.Name()))
		if err != nil {
			continue
		}
		entry, err := decodeEntry(data)
		if err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	return keys, nil
}

func (p *fsPartition) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (r *fsRegistry) lockEntry(name string, key Key) func() {
	lockKey := name + "::" + key.String()
	r.mu.Lock()
	lock := r.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		r.locks[lockKey] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.locks, lockKey)
		}
		r.mu.Unlock()
	}
}
