// Package strategy 根据资源类别执行缓存策略：cache-first（可带后台刷新与离线回退）
// 或 stale-while-revalidate。
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/classify"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/partition"
	"github.com/any-hub/shellcache/internal/stats"
)

// Outcome 是一次拦截请求的最终结果。
type Outcome string

const (
	OutcomeCache           Outcome = "served-from-cache"
	OutcomeNetwork         Outcome = "served-from-network"
	OutcomeOfflineFallback Outcome = "served-offline-fallback"
	OutcomeError           Outcome = "propagated-error"
)

// ErrUnknownClass 表示分类结果没有对应策略。
var ErrUnknownClass = errors.New("no strategy for resource class")

// Fetcher 是 Engine 回源所需的最小接口。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request, mode fetch.Mode) (*partition.Entry, error)
}

// Result 描述 Handle 的产出。Outcome 为 OutcomeError 时 Entry 为 nil。
type Result struct {
	Entry     *partition.Entry
	Outcome   Outcome
	Class     classify.Class
	Partition string
}

// CacheHit 表示响应是否来自本地分区。
func (r Result) CacheHit() bool {
	return r.Outcome == OutcomeCache || r.Outcome == OutcomeOfflineFallback
}

// Options 描述 Engine 的依赖。
type Options struct {
	Registry  partition.Registry
	Fetcher   Fetcher
	Counter   *stats.Counter
	Logger    *logrus.Logger
	AppOrigin *url.URL
}

// Engine 执行各类别的策略。Handle 可并发调用。
type Engine struct {
	registry partition.Registry
	fetcher  Fetcher
	counter  *stats.Counter
	logger   *logrus.Logger
	fallback *url.URL
	profiles map[classify.Class]Profile
	inflight sync.WaitGroup
}

// NewEngine 校验依赖并装载默认策略表。
func NewEngine(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("partition registry required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.AppOrigin == nil {
		return nil, errors.New("app origin required")
	}
	counter := opts.Counter
	if counter == nil {
		counter = &stats.Counter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	profiles := DefaultProfiles()
	for class, profile := range profiles {
		profiles[class] = normalizeProfile(profile)
	}
	fallback := *opts.AppOrigin
	fallback.Path = "/index.html"
	fallback.RawQuery = ""
	return &Engine{
		registry: opts.Registry,
		fetcher:  opts.Fetcher,
		counter:  counter,
		logger:   logger,
		fallback: &fallback,
		profiles: profiles,
	}, nil
}

// Profile 返回类别对应的策略。
func (e *Engine) Profile(class classify.Class) (Profile, bool) {
	profile, ok := e.profiles[class]
	return profile, ok
}

// Handle 按分类结果执行策略。网络失败且无可用回退时返回 OutcomeError 与原始错误
// （超时为 fetch.ErrTimeout）。
func (e *Engine) Handle(ctx context.Context, req *http.Request, target classify.Result) (Result, error) {
	profile, ok := e.profiles[target.Class]
	if !ok {
		return Result{Outcome: OutcomeError, Class: target.Class}, fmt.Errorf("%w: %q", ErrUnknownClass, target.Class)
	}
	result := Result{Class: target.Class, Partition: target.Partition}
	store := e.open(ctx, target.Partition)
	key := partition.KeyFromRequest(req)

	if cached := e.match(ctx, store, key); cached != nil {
		e.counter.RecordHit()
		if profile.refreshOnHit(req) {
			e.refresh(ctx, req, store, key, profile)
		}
		result.Entry = cached
		result.Outcome = OutcomeCache
		return result, nil
	}

	e.counter.RecordMiss()
	entry, err := fetch.Race(ctx, profile.Timeout, func(ctx context.Context) (*partition.Entry, error) {
		return e.fetcher.Fetch(ctx, req, fetch.ModeDefault)
	}, nil)
	if err == nil {
		if entry.Status == http.StatusOK {
			e.put(ctx, store, key, entry)
		}
		result.Entry = entry
		result.Outcome = OutcomeNetwork
		return result, nil
	}

	if profile.OfflineFallback && classify.IsNavigation(req) {
		if shell := e.match(ctx, store, partition.NewKey(http.MethodGet, e.fallback)); shell != nil {
			e.logger.WithFields(logrus.Fields{
				"action":    "offline_fallback",
				"url":       key.URL,
				"partition": target.Partition,
			}).WithError(err).Info("navigation served from app shell")
			result.Entry = shell
			result.Outcome = OutcomeOfflineFallback
			return result, nil
		}
	}
	result.Outcome = OutcomeError
	return result, err
}

// Wait 阻塞直到所有后台刷新结束，用于 worker 退役与测试。
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) open(ctx context.Context, name string) partition.Partition {
	store, err := e.registry.Open(ctx, name)
	if err != nil {
		e.logger.WithFields(logrus.Fields{"action": "partition_open", "partition": name}).
			WithError(err).Warn("partition unavailable, falling back to network")
		return nil
	}
	return store
}

func (e *Engine) match(ctx context.Context, store partition.Partition, key partition.Key) *partition.Entry {
	if store == nil {
		return nil
	}
	entry, err := store.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, partition.ErrNotFound) {
			e.logger.WithFields(logrus.Fields{"action": "cache_read", "partition": store.Name(), "url": key.URL}).
				WithError(err).Warn("cache read failed")
		}
		return nil
	}
	return entry
}

// put 写入快照副本；失败只记录日志。
func (e *Engine) put(ctx context.Context, store partition.Partition, key partition.Key, entry *partition.Entry) {
	if store == nil {
		return
	}
	snapshot := entry.Clone()
	snapshot.Key = key
	if err := store.Put(ctx, key, snapshot); err != nil {
		e.logger.WithFields(logrus.Fields{"action": "cache_write", "partition": store.Name(), "url": key.URL}).
			WithError(err).Warn("cache write failed")
	}
}

// refresh 在后台回源并在 200 时覆盖旧值，不影响当前响应，错误只记 debug 日志。
func (e *Engine) refresh(parent context.Context, req *http.Request, store partition.Partition, key partition.Key, profile Profile) {
	if store == nil {
		return
	}
	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = FontServiceTimeout
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
		defer cancel()

		started := time.Now()
		entry, err := e.fetcher.Fetch(ctx, req.Clone(ctx), fetch.ModeDefault)
		fields := logrus.Fields{
			"action":     "background_refresh",
			"partition":  store.Name(),
			"url":        key.URL,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}
		if err != nil {
			e.logger.WithFields(fields).WithError(err).Debug("background refresh failed")
			return
		}
		if entry.Status != http.StatusOK {
			fields["upstream_status"] = entry.Status
			e.logger.WithFields(fields).Debug("background refresh skipped non-200")
			return
		}
		e.put(ctx, store, key, entry)
		e.logger.WithFields(fields).Debug("background refresh stored")
	}()
}
