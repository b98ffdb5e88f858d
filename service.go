package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/host"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/partition"
	"github.com/any-hub/shellcache/internal/stats"
	"github.com/any-hub/shellcache/internal/worker"
)

// service 持有进程级共享组件。热加载只替换 worker，存储、上游连接与客户端表保持不变。
type service struct {
	mu  sync.Mutex
	cfg *config.Config

	logger   *logrus.Logger
	registry partition.Registry
	fetcher  *fetch.Fetcher
	clients  *lifecycle.Clients
	host     *host.Host
	metrics  *prometheus.Registry
	exporter *stats.Exporter
}

func newService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	registry, err := partition.NewRegistry(cfg.Global.PartitionOptions())
	if err != nil {
		return nil, fmt.Errorf("初始化分区存储失败: %w", err)
	}
	client := fetch.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue())
	fetcher, err := fetch.NewFetcher(client, cfg.App.AppOrigin, cfg.App.Upstream)
	if err != nil {
		_ = registry.Close()
		return nil, err
	}

	svc := &service{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		fetcher:  fetcher,
		clients:  lifecycle.NewClients(lifecycle.DefaultClientCapacity),
		host: host.New(host.Options{
			Logger:         logger,
			MaxRetries:     cfg.Global.MaxRetries,
			InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		}),
		metrics: prometheus.NewRegistry(),
	}
	svc.exporter = stats.NewExporter(svc.activeStats)
	if err := svc.exporter.Register(svc.metrics); err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("注册指标失败: %w", err)
	}
	return svc, nil
}

func (s *service) activeStats() stats.Snapshot {
	if w := s.host.Active(); w != nil {
		return w.Stats()
	}
	return stats.Snapshot{}
}

func (s *service) newWorker(cfg *config.Config) (*worker.Worker, error) {
	return worker.New(worker.Options{
		ID:                cfg.WorkerID(),
		Registry:          s.registry,
		Fetcher:           s.fetcher,
		Logger:            s.logger,
		Clients:           s.clients,
		AppOrigin:         cfg.App.AppOrigin,
		Versions:          cfg.App.VersionSet(),
		VersionMarker:     cfg.App.Version,
		CriticalFiles:     cfg.App.CriticalFiles,
		OptionalFiles:     cfg.App.OptionalFiles,
		FontHosts:         cfg.App.FontHosts,
		NotificationTitle: cfg.App.NotificationTitle,
		NotificationIcon:  cfg.App.NotificationIcon,
	})
}

// install 按 cfg 构建 worker 并交给 Host 安装、激活。
func (s *service) install(ctx context.Context, cfg *config.Config) error {
	w, err := s.newWorker(cfg)
	if err != nil {
		return err
	}
	return s.host.Register(ctx, w)
}

// reload 处理 SIGHUP：重新读取配置、应用日志级别，版本集合等变化时安装新 worker。
// 新配置无效或需要重启的项发生变化时保持现状。
func (s *service) reload(ctx context.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := logging.BaseFields("reload", path)
	next, err := config.Load(path)
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Error("配置热加载失败，保持当前配置")
		return
	}
	if err := logging.ApplyLevel(s.logger, next.Global.LogLevel); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("日志级别未更新")
	}
	if keys := s.cfg.RestartRequired(next); len(keys) > 0 {
		fields["keys"] = keys
		s.logger.WithFields(fields).Warn("以下配置需要重启进程才能生效，本次不切换 worker")
		return
	}
	if !s.cfg.RequiresNewWorker(next) && s.host.Active() != nil {
		s.cfg = next
		s.logger.WithFields(fields).Info("配置已更新，worker 保持不变")
		return
	}

	fields["worker"] = next.WorkerID()
	if err := s.install(ctx, next); err != nil {
		s.logger.WithFields(fields).WithError(err).Error("新 worker 安装失败，继续使用当前 worker")
		return
	}
	s.cfg = next
	s.logger.WithFields(fields).Info("新 worker 已接管")
}

func (s *service) close() {
	s.host.Close()
	if err := s.registry.Close(); err != nil {
		s.logger.WithField("action", "shutdown").WithError(err).Warn("关闭分区存储失败")
	}
}
