package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/any-hub/shellcache/internal/cleanup"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/partition"
	"github.com/any-hub/shellcache/internal/stats"
	"github.com/any-hub/shellcache/internal/strategy"
)

type staticFetcher struct {
	calls atomic.Int64
}

func (s *staticFetcher) Fetch(_ context.Context, req *http.Request, _ fetch.Mode) (*partition.Entry, error) {
	s.calls.Inc()
	if strings.Contains(req.URL.Path, "offline") {
		return nil, errors.New("offline")
	}
	return &partition.Entry{
		Key:      partition.KeyFromRequest(req),
		Status:   http.StatusOK,
		Body:     []byte("body:" + req.URL.Path),
		StoredAt: time.Now(),
	}, nil
}

// countingRegistry 统计对分区的所有访问。
type countingRegistry struct {
	partition.Registry
	opens atomic.Int64
}

func (c *countingRegistry) Open(ctx context.Context, name string) (partition.Partition, error) {
	c.opens.Inc()
	return c.Registry.Open(ctx, name)
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
	return nil
}

type workerFixture struct {
	worker   *Worker
	registry *countingRegistry
	fetcher  *staticFetcher
	notifier *recordingNotifier
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	fx := &workerFixture{
		registry: &countingRegistry{Registry: partition.NewMemoryRegistry(64)},
		fetcher:  &staticFetcher{},
		notifier: &recordingNotifier{},
	}
	w, err := New(Options{
		ID:                "v2",
		Registry:          fx.registry,
		Fetcher:           fx.fetcher,
		Logger:            logger,
		Notifier:          fx.notifier,
		AppOrigin:         "https://app.local",
		Versions:          partition.NewVersionSet("demo", "v2", "v2", "v2"),
		VersionMarker:     "v2",
		CriticalFiles:     []string{"/", "/index.html", "/main.app.js"},
		NotificationTitle: "Demo",
		NotificationIcon:  "/icons/Icon-192.png",
	})
	if err != nil {
		t.Fatalf("worker error: %v", err)
	}
	t.Cleanup(w.Drain)
	fx.worker = w
	return fx
}

func (fx *workerFixture) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := fx.worker.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if _, err := fx.worker.Activate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}
}

func TestFetchPassesThroughUntilActivated(t *testing.T) {
	fx := newWorkerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "https://app.local/index.html", nil)
	_, intercepted, err := fx.worker.Fetch(context.Background(), req, "")
	if err != nil || intercepted {
		t.Fatalf("parsed worker must not intercept, intercepted=%v err=%v", intercepted, err)
	}
	if snap := fx.worker.Stats(); snap.Hits+snap.Misses != 0 {
		t.Fatalf("pass-through must not touch counters: %+v", snap)
	}
}

func TestFetchServesPrecachedShell(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.activate(t)

	req := httptest.NewRequest(http.MethodGet, "https://app.local/main.app.js", nil)
	res, intercepted, err := fx.worker.Fetch(context.Background(), req, "tab-1")
	if err != nil || !intercepted {
		t.Fatalf("expected interception, intercepted=%v err=%v", intercepted, err)
	}
	if res.Outcome != strategy.OutcomeCache || string(res.Entry.Body) != "body:/main.app.js" {
		t.Fatalf("pre-cached script should be served from cache: %+v", res)
	}
	if snap := fx.worker.Stats(); snap.Hits != 1 || snap.Misses != 0 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestNonGetNeverTouchesPartitionsOrCounters(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.activate(t)
	opensBefore := fx.registry.opens.Load()
	fetchesBefore := fx.fetcher.calls.Load()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		req := httptest.NewRequest(method, "https://app.local/api/items", strings.NewReader("{}"))
		_, intercepted, err := fx.worker.Fetch(context.Background(), req, "tab-1")
		if err != nil || intercepted {
			t.Fatalf("%s must pass through, intercepted=%v err=%v", method, intercepted, err)
		}
	}
	if fx.registry.opens.Load() != opensBefore {
		t.Fatalf("non-GET requests must not open partitions")
	}
	if fx.fetcher.calls.Load() != fetchesBefore {
		t.Fatalf("non-GET requests are forwarded by the caller, not fetched by the worker")
	}
	if snap := fx.worker.Stats(); snap.Hits != 0 || snap.Misses != 0 {
		t.Fatalf("non-GET requests must not touch counters: %+v", snap)
	}
}

func TestUnclassifiedRequestPassesThrough(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.activate(t)
	req := httptest.NewRequest(http.MethodGet, "https://api.other.local/data.json", nil)
	if _, intercepted, err := fx.worker.Fetch(context.Background(), req, ""); err != nil || intercepted {
		t.Fatalf("unclassified request must pass through, intercepted=%v err=%v", intercepted, err)
	}
}

func TestGetCacheStatsRepliesOnce(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.activate(t)
	for _, path := range []string{"/index.html", "/fresh.png"} {
		req := httptest.NewRequest(http.MethodGet, "https://app.local"+path, nil)
		if _, _, err := fx.worker.Fetch(context.Background(), req, ""); err != nil {
			t.Fatalf("fetch error: %v", err)
		}
	}

	port := make(chan stats.Snapshot, 2)
	if err := fx.worker.PostMessage(context.Background(), Message{Type: MessageGetCacheStats, Port: port}); err != nil {
		t.Fatalf("message error: %v", err)
	}
	if len(port) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(port))
	}
	snap := <-port
	if snap.Hits != 1 || snap.Misses != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if rate, ok := snap.Rate(); !ok || rate != 0.5 {
		t.Fatalf("unexpected hit rate: %v", rate)
	}

	if err := fx.worker.PostMessage(context.Background(), Message{Type: MessageGetCacheStats}); !errors.Is(err, ErrNoReplyPort) {
		t.Fatalf("expected ErrNoReplyPort, got %v", err)
	}
}

func TestSkipWaitingMessage(t *testing.T) {
	fx := newWorkerFixture(t)
	if err := fx.worker.PostMessage(context.Background(), Message{Type: MessageSkipWaiting}); err != nil {
		t.Fatalf("message error: %v", err)
	}
	select {
	case <-fx.worker.ReadyToActivate():
	default:
		t.Fatalf("SKIP_WAITING should mark the worker ready")
	}
}

func TestCacheUpdateMessageRefetchesCriticalFiles(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.activate(t)
	before := fx.fetcher.calls.Load()
	if err := fx.worker.PostMessage(context.Background(), Message{Type: MessageCacheUpdate}); err != nil {
		t.Fatalf("message error: %v", err)
	}
	if got := fx.fetcher.calls.Load() - before; got != 3 {
		t.Fatalf("expected 3 critical fetches, got %d", got)
	}
}

func TestUnknownMessageAndEvent(t *testing.T) {
	fx := newWorkerFixture(t)
	if err := fx.worker.PostMessage(context.Background(), Message{Type: "PING"}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	if _, err := fx.worker.Dispatch(context.Background(), Event{Kind: "periodicsync"}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := fx.worker.Dispatch(context.Background(), Event{Kind: EventFetch}); !errors.Is(err, ErrMissingRequest) {
		t.Fatalf("expected ErrMissingRequest, got %v", err)
	}
}

func TestSyncCleanup(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	for _, name := range []string{"demo-v1", "demo-data-v1"} {
		if _, err := fx.registry.Open(ctx, name); err != nil {
			t.Fatalf("open error: %v", err)
		}
	}
	removed, err := fx.worker.Sync(ctx, cleanup.Tag)
	if err != nil {
		t.Fatalf("sync error: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected stale partitions removed: %v", removed)
	}
	if _, err := fx.worker.Sync(ctx, "other"); !errors.Is(err, ErrUnknownSyncTag) {
		t.Fatalf("expected ErrUnknownSyncTag, got %v", err)
	}
}

func TestSyncCleanupKeepsVersionOverrides(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg := partition.NewMemoryRegistry(16)
	w, err := New(Options{
		ID:            "sc-v2",
		Registry:      reg,
		Fetcher:       &staticFetcher{},
		Logger:        logger,
		AppOrigin:     "https://app.local",
		Versions:      partition.NewVersionSet("sc", "v2", "v2", "f3"),
		VersionMarker: "v2",
		CriticalFiles: []string{"/"},
	})
	if err != nil {
		t.Fatalf("worker error: %v", err)
	}
	t.Cleanup(w.Drain)

	ctx := context.Background()
	for _, name := range w.Versions().Names() {
		if _, err := reg.Open(ctx, name); err != nil {
			t.Fatalf("open error: %v", err)
		}
	}
	removed, err := w.Sync(ctx, cleanup.Tag)
	if err != nil {
		t.Fatalf("sync error: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("cleanup must not remove current partitions: %v", removed)
	}
	names, _ := reg.Names(ctx)
	if len(names) != 3 {
		t.Fatalf("expected all current partitions to remain, got %v", names)
	}
}

func TestPushBuildsNotification(t *testing.T) {
	fx := newWorkerFixture(t)
	n, err := fx.worker.Push(context.Background(), PushPayload{})
	if err != nil {
		t.Fatalf("push error: %v", err)
	}
	if n.Body != "Demo update available" || n.Title != "Demo" {
		t.Fatalf("unexpected default notification: %+v", n)
	}
	if !n.RequireInteraction || len(n.Actions) != 2 || n.Actions[0].Action != "open" || n.Actions[1].Action != "dismiss" {
		t.Fatalf("unexpected notification options: %+v", n)
	}
	if n.Badge != "/icons/Icon-192.png" || n.Tag != NotificationTag {
		t.Fatalf("unexpected icon/tag: %+v", n)
	}

	n, err = fx.worker.Push(context.Background(), PushPayload{Text: "v3 is out"})
	if err != nil || n.Body != "v3 is out" {
		t.Fatalf("payload text should become the body: %+v %v", n, err)
	}
	if len(fx.notifier.seen) != 2 {
		t.Fatalf("notifier should receive both notifications")
	}
}

func TestRetireMarksRedundant(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.activate(t)
	fx.worker.Retire()
	if fx.worker.State() != lifecycle.StateRedundant {
		t.Fatalf("expected redundant, got %s", fx.worker.State())
	}
	req := httptest.NewRequest(http.MethodGet, "https://app.local/index.html", nil)
	if _, intercepted, _ := fx.worker.Fetch(context.Background(), req, ""); intercepted {
		t.Fatalf("redundant worker must not intercept")
	}
}
