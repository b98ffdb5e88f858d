package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/version"
)

const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["worker"] = cfg.WorkerID()
		fields["partitions"] = cfg.App.VersionSet().Names()
		fields["critical_files"] = len(cfg.App.CriticalFiles)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 分区存储 → 上游 Fetcher → Host → 安装首个 worker → Fiber server。
	svc, err := newService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["worker"] = cfg.WorkerID()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.install(ctx, cfg); err != nil {
		// 没有可用 worker 时请求全部直接转发，SIGHUP 可再次尝试安装。
		logger.WithFields(logging.BaseFields("install", opts.configPath)).
			WithError(err).
			Error("初始 worker 安装失败")
	}

	if err := startHTTPServer(ctx, svc, opts.configPath); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func newApp(svc *service) (*fiber.App, error) {
	targets, err := server.NewTargetResolver(svc.cfg.App)
	if err != nil {
		return nil, err
	}
	handler := proxy.NewHandler(svc.logger, svc.host, svc.fetcher, svc.exporter)
	app, err := server.NewApp(server.AppOptions{
		Logger:     svc.logger,
		Targets:    targets,
		Proxy:      proxy.NewForwarder(handler, svc.logger),
		ListenPort: svc.cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterControlRoutes(app, routes.ControlOptions{
		Host:     svc.host,
		Registry: svc.registry,
		Gatherer: svc.metrics,
	})
	return app, nil
}

// startHTTPServer 阻塞直到收到退出信号或监听失败；SIGHUP 触发配置热加载。
func startHTTPServer(ctx context.Context, svc *service, configPath string) error {
	app, err := newApp(svc)
	if err != nil {
		return err
	}

	port := svc.cfg.Global.ListenPort
	svc.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case err := <-listenErr:
			return err
		case <-hup:
			svc.reload(ctx, configPath)
		case <-ctx.Done():
			svc.logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).Info("收到退出信号")
			return app.ShutdownWithTimeout(shutdownTimeout)
		}
	}
}
