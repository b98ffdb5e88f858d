// Package worker 组装一个版本化的缓存 worker：持有计数器、分类器、策略引擎与生命周期
// 管理器，并通过显式分发表处理 install/activate/fetch/message/sync/push 事件。
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/classify"
	"github.com/any-hub/shellcache/internal/cleanup"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/partition"
	"github.com/any-hub/shellcache/internal/stats"
	"github.com/any-hub/shellcache/internal/strategy"
)

// Fetcher 是 worker 回源所需的接口，由 fetch.Fetcher 实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request, mode fetch.Mode) (*partition.Entry, error)
}

// Options 描述构建 worker 所需的全部依赖。
type Options struct {
	ID                string
	Registry          partition.Registry
	Fetcher           Fetcher
	Logger            *logrus.Logger
	Clients           *lifecycle.Clients
	Notifier          Notifier
	AppOrigin         string
	Versions          partition.VersionSet
	VersionMarker     string
	CriticalFiles     []string
	OptionalFiles     []string
	FontHosts         []string
	NotificationTitle string
	NotificationIcon  string
}

type handler func(ctx context.Context, ev Event) (Result, error)

// Worker 是一个版本的缓存核心。
type Worker struct {
	id         string
	logger     *logrus.Logger
	counter    *stats.Counter
	classifier *classify.Classifier
	engine     *strategy.Engine
	lifecycle  *lifecycle.Manager
	cleanup    *cleanup.Task
	notifier   Notifier
	title      string
	icon       string
	handlers   map[EventKind]handler
}

// New 组装 worker，返回时处于 parsed 阶段。
func New(opts Options) (*Worker, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, errors.New("worker id required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	classifier, err := classify.New(classify.Options{
		AppOrigin:     opts.AppOrigin,
		CriticalFiles: opts.CriticalFiles,
		FontHosts:     opts.FontHosts,
		Versions:      opts.Versions,
	})
	if err != nil {
		return nil, err
	}
	counter := &stats.Counter{}
	engine, err := strategy.NewEngine(strategy.Options{
		Registry:  opts.Registry,
		Fetcher:   opts.Fetcher,
		Counter:   counter,
		Logger:    logger,
		AppOrigin: classifier.Origin(),
	})
	if err != nil {
		return nil, err
	}
	manager, err := lifecycle.NewManager(lifecycle.Options{
		ID:            id,
		Registry:      opts.Registry,
		Fetcher:       opts.Fetcher,
		Logger:        logger,
		Clients:       opts.Clients,
		Versions:      opts.Versions,
		AppOrigin:     classifier.Origin(),
		CriticalFiles: opts.CriticalFiles,
		OptionalFiles: opts.OptionalFiles,
	})
	if err != nil {
		return nil, err
	}
	marker := opts.VersionMarker
	if strings.TrimSpace(marker) == "" {
		marker = id
	}
	task, err := cleanup.New(opts.Registry, marker, opts.Versions, logger)
	if err != nil {
		return nil, err
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	title := strings.TrimSpace(opts.NotificationTitle)
	if title == "" {
		title = "App"
	}

	w := &Worker{
		id:         id,
		logger:     logger,
		counter:    counter,
		classifier: classifier,
		engine:     engine,
		lifecycle:  manager,
		cleanup:    task,
		notifier:   notifier,
		title:      title,
		icon:       opts.NotificationIcon,
	}
	w.handlers = map[EventKind]handler{
		EventInstall:  w.handleInstall,
		EventActivate: w.handleActivate,
		EventFetch:    w.handleFetch,
		EventMessage:  w.handleMessage,
		EventSync:     w.handleSync,
		EventPush:     w.handlePush,
	}
	return w, nil
}

// ID 返回 worker 标识（部署版本）。
func (w *Worker) ID() string {
	return w.id
}

// State 返回生命周期阶段。
func (w *Worker) State() lifecycle.State {
	return w.lifecycle.State()
}

// Versions 返回该 worker 视为 current 的分区集合。
func (w *Worker) Versions() partition.VersionSet {
	return w.lifecycle.Versions()
}

// Clients 返回客户端表。
func (w *Worker) Clients() *lifecycle.Clients {
	return w.lifecycle.Clients()
}

// Stats 返回当前计数快照。
func (w *Worker) Stats() stats.Snapshot {
	return w.counter.Snapshot()
}

// ReadyToActivate 在 SkipWaiting 后关闭。
func (w *Worker) ReadyToActivate() <-chan struct{} {
	return w.lifecycle.ReadyToActivate()
}

// Dispatch 根据事件类型查表执行处理函数。
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	return h(ctx, ev)
}

// Install 触发 install 事件。
func (w *Worker) Install(ctx context.Context) error {
	_, err := w.Dispatch(ctx, Event{Kind: EventInstall})
	return err
}

// Activate 触发 activate 事件并返回被删除的分区。
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	res, err := w.Dispatch(ctx, Event{Kind: EventActivate})
	return res.Removed, err
}

// Fetch 触发 fetch 事件。intercepted 为 false 时调用方应直接转发请求。
func (w *Worker) Fetch(ctx context.Context, req *http.Request, clientID string) (strategy.Result, bool, error) {
	res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: req, ClientID: clientID})
	return res.Strategy, res.Intercepted, err
}

// PostMessage 投递一条控制消息。
func (w *Worker) PostMessage(ctx context.Context, msg Message) error {
	_, err := w.Dispatch(ctx, Event{Kind: EventMessage, Message: msg})
	return err
}

// Sync 触发后台同步事件。
func (w *Worker) Sync(ctx context.Context, tag string) ([]string, error) {
	res, err := w.Dispatch(ctx, Event{Kind: EventSync, Tag: tag})
	return res.Removed, err
}

// Push 触发推送事件并返回已展示的通知。
func (w *Worker) Push(ctx context.Context, payload PushPayload) (*Notification, error) {
	res, err := w.Dispatch(ctx, Event{Kind: EventPush, Push: payload})
	return res.Notification, err
}

// Retire 将 worker 标记为 redundant 并等待后台刷新结束。
func (w *Worker) Retire() {
	w.lifecycle.Retire()
	w.engine.Wait()
}

// Drain 等待所有后台刷新结束。
func (w *Worker) Drain() {
	w.engine.Wait()
}

func (w *Worker) handleInstall(ctx context.Context, _ Event) (Result, error) {
	return Result{}, w.lifecycle.Install(ctx)
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) (Result, error) {
	removed, err := w.lifecycle.Activate(ctx)
	return Result{Removed: removed}, err
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) (Result, error) {
	req := ev.Request
	if req == nil || req.URL == nil {
		return Result{}, ErrMissingRequest
	}
	if req.Method != http.MethodGet {
		return Result{}, nil
	}
	if w.lifecycle.State() != lifecycle.StateActivated {
		return Result{}, nil
	}
	clients := w.lifecycle.Clients()
	clients.Touch(ev.ClientID, w.id)
	if !clients.Controlled(ev.ClientID, w.id) {
		return Result{}, nil
	}
	target, ok := w.classifier.Classify(req)
	if !ok {
		return Result{}, nil
	}
	res, err := w.engine.Handle(ctx, req, target)
	return Result{Intercepted: true, Strategy: res}, err
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) (Result, error) {
	fields := logrus.Fields{"action": "message", "worker": w.id, "type": ev.Message.Type}
	switch ev.Message.Type {
	case MessageGetCacheStats:
		if ev.Message.Port == nil {
			return Result{}, ErrNoReplyPort
		}
		if !(stats.Query{Reply: ev.Message.Port}).Answer(w.counter.Snapshot()) {
			w.logger.WithFields(fields).Warn("stats reply dropped, port not ready")
		}
		return Result{}, nil
	case MessageSkipWaiting:
		w.lifecycle.SkipWaiting()
		w.logger.WithFields(fields).Debug("skip waiting requested")
		return Result{}, nil
	case MessageCacheUpdate:
		if err := w.lifecycle.Precache(ctx); err != nil {
			w.logger.WithFields(fields).WithError(err).Warn("cache update failed")
			return Result{}, err
		}
		w.logger.WithFields(fields).Info("critical resources refreshed")
		return Result{}, nil
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownMessage, ev.Message.Type)
}

func (w *Worker) handleSync(ctx context.Context, ev Event) (Result, error) {
	if ev.Tag != cleanup.Tag {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, ev.Tag)
	}
	return Result{Removed: w.cleanup.Run(ctx)}, nil
}

func (w *Worker) handlePush(ctx context.Context, ev Event) (Result, error) {
	notification := buildNotification(w.title, w.icon, ev.Push)
	if err := w.notifier.Notify(ctx, notification); err != nil {
		return Result{}, fmt.Errorf("notify: %w", err)
	}
	return Result{Notification: &notification}, nil
}
