package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/partition"
)

// DefaultConcurrency 是预缓存时并发回源的上限。
const DefaultConcurrency = 4

// Fetcher 是预缓存所需的回源接口。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request, mode fetch.Mode) (*partition.Entry, error)
}

// Options 描述 Manager 的依赖与部署参数。
type Options struct {
	ID            string
	Registry      partition.Registry
	Fetcher       Fetcher
	Logger        *logrus.Logger
	Clients       *Clients
	Versions      partition.VersionSet
	AppOrigin     *url.URL
	CriticalFiles []string
	OptionalFiles []string
	Concurrency   int
}

// Manager 驱动单个 worker 的生命周期。
type Manager struct {
	id        string
	registry  partition.Registry
	fetcher   Fetcher
	logger    *logrus.Logger
	clients   *Clients
	versions  partition.VersionSet
	origin    *url.URL
	critical  []string
	optional  []string
	limit     int
	mu        sync.Mutex
	state     State
	ready     chan struct{}
	readyOnce sync.Once
}

// NewManager 校验依赖并返回处于 parsed 阶段的 Manager。
func NewManager(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("partition registry required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.AppOrigin == nil {
		return nil, errors.New("app origin required")
	}
	if opts.Versions.App == "" {
		return nil, errors.New("app partition name required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clients := opts.Clients
	if clients == nil {
		clients = NewClients(0)
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Manager{
		id:       opts.ID,
		registry: opts.Registry,
		fetcher:  opts.Fetcher,
		logger:   logger,
		clients:  clients,
		versions: opts.Versions,
		origin:   opts.AppOrigin,
		critical: append([]string(nil), opts.CriticalFiles...),
		optional: append([]string(nil), opts.OptionalFiles...),
		limit:    limit,
		state:    StateParsed,
		ready:    make(chan struct{}),
	}, nil
}

// ID 返回 worker 标识。
func (m *Manager) ID() string {
	return m.id
}

// State 返回当前阶段。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Clients 返回客户端表。
func (m *Manager) Clients() *Clients {
	return m.clients
}

// Versions 返回当前版本集合。
func (m *Manager) Versions() partition.VersionSet {
	return m.versions
}

func (m *Manager) transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if err := checkTransition(from, to); err != nil {
		return from, err
	}
	m.state = to
	return from, nil
}

func (m *Manager) restore(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Install 预缓存全部关键资源，成功后调用 SkipWaiting。任何关键资源失败都会让安装
// 失败并回到原阶段，app 分区不写入任何条目，可重试。
func (m *Manager) Install(ctx context.Context) error {
	from, err := m.transition(StateInstalling)
	if err != nil {
		return err
	}
	started := time.Now()
	if err := m.Precache(ctx); err != nil {
		m.restore(from)
		m.logger.WithFields(logrus.Fields{
			"action":    "install",
			"worker":    m.id,
			"partition": m.versions.App,
		}).WithError(err).Error("install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	m.cacheOptional(ctx)
	if _, err := m.transition(StateInstalled); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"action":     "install",
		"worker":     m.id,
		"partition":  m.versions.App,
		"files":      len(m.critical),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("critical resources pre-cached")
	m.SkipWaiting()
	return nil
}

// Precache 以 reload 模式并发抓取关键资源，全部返回 200 后才统一写入 app 分区；
// 写入失败会撤销本轮已写入的条目。
func (m *Manager) Precache(ctx context.Context) error {
	store, err := m.registry.Open(ctx, m.versions.App)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.versions.App, err)
	}

	entries := make([]*partition.Entry, len(m.critical))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.limit)
	for i, file := range m.critical {
		group.Go(func() error {
			entry, err := m.fetch(groupCtx, file)
			if err != nil {
				return err
			}
			if entry.Status != http.StatusOK {
				return fmt.Errorf("precache %s: unexpected status %d", file, entry.Status)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// 写入中途失败时恢复本轮覆盖前的内容，app 分区要么是完整的新集合，要么保持原状。
	written := make([]stored, 0, len(entries))
	for _, entry := range entries {
		prev, err := store.Match(ctx, entry.Key)
		if err != nil {
			prev = nil
		}
		if err := store.Put(ctx, entry.Key, entry); err != nil {
			m.rollback(ctx, store, written)
			return fmt.Errorf("store %s: %w", entry.Key.URL, err)
		}
		written = append(written, stored{key: entry.Key, prev: prev})
	}
	return nil
}

type stored struct {
	key  partition.Key
	prev *partition.Entry
}

func (m *Manager) rollback(ctx context.Context, store partition.Partition, written []stored) {
	ctx = context.WithoutCancel(ctx)
	for i := len(written) - 1; i >= 0; i-- {
		item := written[i]
		var err error
		if item.prev != nil {
			err = store.Put(ctx, item.key, item.prev)
		} else {
			_, err = store.Delete(ctx, item.key)
		}
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"action":    "install_rollback",
				"worker":    m.id,
				"partition": store.Name(),
				"url":       item.key.URL,
			}).WithError(err).Warn("rollback entry failed")
		}
	}
}

// cacheOptional 尽力缓存可选静态资源，失败只记录日志。
func (m *Manager) cacheOptional(ctx context.Context) {
	if len(m.optional) == 0 {
		return
	}
	store, err := m.registry.Open(ctx, m.versions.App)
	if err != nil {
		return
	}
	var group errgroup.Group
	group.SetLimit(m.limit)
	for _, file := range m.optional {
		group.Go(func() error {
			fields := logrus.Fields{"action": "install_optional", "worker": m.id, "file": file}
			entry, err := m.fetch(ctx, file)
			if err != nil {
				m.logger.WithFields(fields).WithError(err).Warn("optional resource skipped")
				return nil
			}
			if entry.Status != http.StatusOK {
				fields["upstream_status"] = entry.Status
				m.logger.WithFields(fields).Warn("optional resource skipped")
				return nil
			}
			if err := store.Put(ctx, entry.Key, entry); err != nil {
				m.logger.WithFields(fields).WithError(err).Warn("optional resource not stored")
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (m *Manager) fetch(ctx context.Context, file string) (*partition.Entry, error) {
	target, err := m.resolve(file)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	entry, err := m.fetcher.Fetch(ctx, req, fetch.ModeReload)
	if err != nil {
		return nil, fmt.Errorf("precache %s: %w", file, err)
	}
	return entry, nil
}

// resolve 把根相对路径解析为应用 origin 下的绝对 URL。
func (m *Manager) resolve(file string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(file))
	if err != nil {
		return nil, fmt.Errorf("invalid resource %q: %w", file, err)
	}
	if ref.IsAbs() {
		return nil, fmt.Errorf("resource %q must be relative to the app origin", file)
	}
	return m.origin.ResolveReference(ref), nil
}

// SkipWaiting 允许已安装的 worker 立即激活，可重复调用。
func (m *Manager) SkipWaiting() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// ReadyToActivate 在 SkipWaiting 后关闭。
func (m *Manager) ReadyToActivate() <-chan struct{} {
	return m.ready
}

// Activate 删除版本集合之外的全部分区并接管客户端，返回被删除的分区名。单个分区
// 删除失败只记录日志。
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	if _, err := m.transition(StateActivating); err != nil {
		return nil, err
	}
	fields := logrus.Fields{"action": "activate", "worker": m.id}

	var removed []string
	names, err := m.registry.Names(ctx)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("list partitions failed")
	}
	for _, name := range names {
		if m.versions.Contains(name) {
			continue
		}
		deleted, err := m.registry.Delete(ctx, name)
		if err != nil {
			m.logger.WithFields(fields).WithField("partition", name).WithError(err).Warn("remove stale partition failed")
			continue
		}
		if deleted {
			removed = append(removed, name)
		}
	}

	if _, err := m.transition(StateActivated); err != nil {
		return removed, err
	}
	claimed := m.clients.Claim(m.id)
	fields["removed"] = removed
	fields["claimed"] = claimed
	m.logger.WithFields(fields).Info("worker activated")
	return removed, nil
}

// Retire 将 worker 标记为 redundant。
func (m *Manager) Retire() {
	m.mu.Lock()
	m.state = StateRedundant
	m.mu.Unlock()
}
