// Package stats 记录 worker 生命周期内的缓存命中/未命中次数，并通过消息或
// Prometheus 对外暴露。计数只存在于内存，worker 重启后归零。
package stats

import (
	"go.uber.org/atomic"
)

// Counter 是并发安全的命中计数器，零值可直接使用。
type Counter struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

// RecordHit 记录一次缓存命中。
func (c *Counter) RecordHit() {
	c.hits.Inc()
}

// RecordMiss 记录一次缓存未命中。
func (c *Counter) RecordMiss() {
	c.misses.Inc()
}

// Snapshot 读取当前计数；hits 与 misses 分别原子读取，两者之间不保证同一时刻。
func (c *Counter) Snapshot() Snapshot {
	return NewSnapshot(c.hits.Load(), c.misses.Load())
}

// Snapshot 是 GET_CACHE_STATS 的应答体。HitRate 在尚无请求时为 null。
type Snapshot struct {
	Hits    uint64   `json:"hits"`
	Misses  uint64   `json:"misses"`
	HitRate *float64 `json:"hitRate"`
}

// NewSnapshot 根据 hits/misses 计算命中率。
func NewSnapshot(hits, misses uint64) Snapshot {
	snap := Snapshot{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		rate := float64(hits) / float64(total)
		snap.HitRate = &rate
	}
	return snap
}

// Rate 返回命中率；ok 为 false 表示尚无请求。
func (s Snapshot) Rate() (float64, bool) {
	if s.HitRate == nil {
		return 0, false
	}
	return *s.HitRate, true
}

// Query 是一次统计查询，Reply 为调用方提供的单次应答通道。
type Query struct {
	Reply chan<- Snapshot
}

// Answer 向 Reply 发送一次快照；通道已满或未提供时返回 false，不会阻塞。
func (q Query) Answer(snap Snapshot) bool {
	if q.Reply == nil {
		return false
	}
	select {
	case q.Reply <- snap:
		return true
	default:
		return false
	}
}
