// Package host 持有当前生效的 worker，负责新 worker 的安装、激活与替换。安装失败时
// 旧 worker 继续提供服务。
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/worker"
)

// ErrNoActiveWorker 表示尚无 worker 完成激活。
var ErrNoActiveWorker = errors.New("no active worker")

// Options 控制安装重试。
type Options struct {
	Logger         *logrus.Logger
	MaxRetries     int
	InitialBackoff time.Duration
}

// Host 同一时刻最多有一个 active 与一个 waiting worker。
type Host struct {
	logger         *logrus.Logger
	maxRetries     int
	initialBackoff time.Duration

	register sync.Mutex
	mu       sync.RWMutex
	active   *worker.Worker
	waiting  *worker.Worker
}

// New 创建空的 Host。
func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = backoff.DefaultInitialInterval
	}
	return &Host{
		logger:         logger,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
	}
}

// Active 返回当前生效的 worker，可能为 nil。
func (h *Host) Active() *worker.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Waiting 返回正在安装的 worker，可能为 nil。
func (h *Host) Waiting() *worker.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.waiting
}

// Register 安装（带指数退避重试）并激活 w，成功后替换当前 worker 并让旧 worker 退役。
// 任何一步失败都会让 w 退役，当前 worker 保持不变。
func (h *Host) Register(ctx context.Context, w *worker.Worker) error {
	if w == nil {
		return errors.New("worker required")
	}
	h.register.Lock()
	defer h.register.Unlock()

	fields := logrus.Fields{"action": "register", "worker": w.ID()}
	h.setWaiting(w)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.initialBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := w.Install(ctx)
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(h.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.logger.WithFields(fields).WithError(err).WithField("retry_in", next.String()).Warn("install failed, retrying")
		}),
	)
	if err != nil {
		return h.reject(w, fields, err)
	}

	select {
	case <-w.ReadyToActivate():
	case <-ctx.Done():
		return h.reject(w, fields, ctx.Err())
	}

	if _, err := w.Activate(ctx); err != nil {
		return h.reject(w, fields, err)
	}

	h.mu.Lock()
	previous := h.active
	h.active = w
	h.waiting = nil
	h.mu.Unlock()

	if previous != nil && previous != w {
		previous.Retire()
		fields["previous"] = previous.ID()
	}
	h.logger.WithFields(fields).Info("worker in control")
	return nil
}

// Close 让当前 worker 退役并等待其后台任务结束。
func (h *Host) Close() {
	h.mu.Lock()
	active := h.active
	h.active = nil
	h.mu.Unlock()
	if active != nil {
		active.Retire()
	}
}

func (h *Host) setWaiting(w *worker.Worker) {
	h.mu.Lock()
	h.waiting = w
	h.mu.Unlock()
}

func (h *Host) reject(w *worker.Worker, fields logrus.Fields, err error) error {
	h.mu.Lock()
	if h.waiting == w {
		h.waiting = nil
	}
	h.mu.Unlock()
	w.Retire()
	h.logger.WithFields(fields).WithError(err).Error("worker rejected, keeping previous worker")
	return fmt.Errorf("register worker %s: %w", w.ID(), err)
}
