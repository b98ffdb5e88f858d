package partition

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
)

// DefaultMemoryEntries 是内存后端单个分区的默认容量。
const DefaultMemoryEntries = 1024

type memoryRegistry struct {
	capacity int

	mu         sync.Mutex
	partitions map[string]*memoryPartition
}

type memoryPartition struct {
	name    string
	entries *lru.Cache[Key, *Entry]
	gone    atomic.Bool
}

// NewMemoryRegistry 构建进程内分区，每个分区按 LRU 淘汰，容量为 capacity 条。
func NewMemoryRegistry(capacity int) Registry {
	if capacity <= 0 {
		capacity = DefaultMemoryEntries
	}
	return &memoryRegistry{
		capacity:   capacity,
		partitions: make(map[string]*memoryPartition),
	}
}

func (r *memoryRegistry) Open(ctx context.Context, name string) (Partition, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.partitions[name]; ok {
		return p, nil
	}
	entries, err := lru.New[Key, *Entry](r.capacity)
	if err != nil {
		return nil, err
	}
	p := &memoryPartition{name: name, entries: entries}
	r.partitions[name] = p
	return p, nil
}

func (r *memoryRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partitions[name]
	if !ok {
		return false, nil
	}
	p.gone.Store(true)
	p.entries.Purge()
	delete(r.partitions, name)
	return true, nil
}

func (r *memoryRegistry) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.partitions))
	for name := range r.partitions {
		names = append(names, name)
	}
	return names, nil
}

func (r *memoryRegistry) Close() error {
	return nil
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entry, ok := p.entries.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key Key, entry *Entry) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if entry == nil {
		return errors.New("entry required")
	}
	if p.gone.Load() {
		return ErrPartitionGone
	}
	stored := entry.Clone()
	stored.Key = key
	p.entries.Add(key, stored)
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, key Key) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	return p.entries.Remove(key), nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return p.entries.Keys(), nil
}
