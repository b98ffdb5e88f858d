package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键布局：
//
//	n:<partition>                  分区存在标记
//	e:<partition>\x00<method url>  gob 编码的 Entry
const (
	levelNamePrefix  = "n:"
	levelEntryPrefix = "e:"
)

// mu 让分区删除与条目写入互斥：写入在读锁下确认标记并落盘，删除持写锁，
// 删除完成后不会再出现孤立的 e: 键。
type levelRegistry struct {
	db *leveldb.DB
	mu *sync.RWMutex
}

type levelPartition struct {
	db   *leveldb.DB
	mu   *sync.RWMutex
	name string
}

// NewLevelDBRegistry 在 path 下打开（或创建）单个 LevelDB 数据库承载全部分区。
func NewLevelDBRegistry(path string) (Registry, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelRegistry{db: db, mu: &sync.RWMutex{}}, nil
}

func (r *levelRegistry) Open(ctx context.Context, name string) (Partition, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	marker := []byte(levelNamePrefix + name)
	exists, err := r.db.Has(marker, nil)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := r.db.Put(marker, []byte{1}, nil); err != nil {
			return nil, fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return &levelPartition{db: r.db, mu: r.mu, name: name}, nil
}

func (r *levelRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	marker := []byte(levelNamePrefix + name)
	exists, err := r.db.Has(marker, nil)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	iter := r.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return false, err
	}
	if err := r.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (r *levelRegistry) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	var names []string
	iter := r.db.NewIterator(util.BytesPrefix([]byte(levelNamePrefix)), nil)
	for iter.Next() {
		names = append(names, string(iter.Key()[len(levelNamePrefix):]))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return names, nil
}

func (r *levelRegistry) Close() error {
	return r.db.Close()
}

func (p *levelPartition) Name() string {
	return p.name
}

func (p *levelPartition) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	data, err := p.db.Get(p.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeEntry(data)
}

func (p *levelPartition) Put(ctx context.Context, key Key, entry *Entry) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if entry == nil {
		return errors.New("entry required")
	}
	stored := entry.Clone()
	stored.Key = key
	data, err := encodeEntry(stored)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	exists, err := p.db.Has([]byte(levelNamePrefix+p.name), nil)
	if err != nil {
		return err
	}
	if !exists {
		return ErrPartitionGone
	}
	return p.db.Put(p.entryKey(key), data, nil)
}

func (p *levelPartition) Delete(ctx context.Context, key Key) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	entryKey := p.entryKey(key)
	exists, err := p.db.Has(entryKey, nil)
	if err != nil || !exists {
		return false, err
	}
	if err := p.db.Delete(entryKey, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (p *levelPartition) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	var keys []Key
	iter := p.db.NewIterator(util.BytesPrefix(entryPrefix(p.name)), nil)
	for iter.Next() {
		entry, err := decodeEntry(iter.Value())
		if err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *levelPartition) entryKey(key Key) []byte {
	return append(entryPrefix(p.name), key.String()...)
}

func entryPrefix(name string) []byte {
	return []byte(levelEntryPrefix + name + "\x00")
}
