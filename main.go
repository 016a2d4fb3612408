package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/assembly-hub/hubcache/internal/cache"
	"github.com/assembly-hub/hubcache/internal/config"
	"github.com/assembly-hub/hubcache/internal/logging"
	"github.com/assembly-hub/hubcache/internal/metrics"
	"github.com/assembly-hub/hubcache/internal/offline"
	"github.com/assembly-hub/hubcache/internal/proxy"
	"github.com/assembly-hub/hubcache/internal/server"
	"github.com/assembly-hub/hubcache/internal/server/routes"
	"github.com/assembly-hub/hubcache/internal/upstream"
	"github.com/assembly-hub/hubcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	watch       bool
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
		fields["generation"] = cfg.Controller.Generation
		fields["precache"] = len(cfg.Controller.Precache)
		fields["origin"] = cfg.Global.Origin
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 缓存存储 → 恢复上次代际 → 安装并激活新代际 → Fiber server”顺序，
	// 安装失败时继续使用恢复的代际（或纯透传）对外服务。
	gw, err := bootstrap(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化网关失败: %v\n", err)
		return 1
	}
	defer gw.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["generation"] = cfg.Controller.Generation
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if opts.watch {
		if err := watchDeployments(opts.configPath, cfg, gw.registration, logger); err != nil {
			fmt.Fprintf(stdErr, "监听配置失败: %v\n", err)
			return 1
		}
	}

	if err := startHTTPServer(cfg, gw.app, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("hubcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		watch      bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 HUBCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&watch, "watch", false, "监听配置文件，代际或预缓存清单变化时重新安装")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("HUBCACHE_CONFIG")
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
		watch:       watch,
	}, nil
}

// gateway 聚合启动后需要共享的运行时对象。
type gateway struct {
	app          *fiber.App
	registration *offline.Registration
	recorder     *metrics.Recorder
	closeStore   func() error
}

// Close 释放存储句柄。
func (g *gateway) Close() error {
	if g.closeStore == nil {
		return nil
	}
	return g.closeStore()
}

func bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*gateway, error) {
	store, closeStore, err := openStore(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	ready := false
	defer func() {
		if !ready && closeStore != nil {
			_ = closeStore()
		}
	}()

	client, err := upstream.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化源站客户端失败: %w", err)
	}

	recorder := metrics.NewRecorder(nil)
	reg, err := offline.NewRegistration(offline.RegistrationOptions{
		Store:   store,
		Fetcher: client,
		Logger:  logger,
		Metrics: recorder,
		Pointer: cache.NewPointerFile(cfg.Global.StoragePath),
	})
	if err != nil {
		return nil, err
	}

	deploy := controllerOptions(cfg)
	if _, err := reg.Restore(ctx, deploy); err != nil {
		logger.WithError(err).
			WithFields(logging.LifecycleFields("restore", deploy.Generation, "failed")).
			Warn("restore_failed")
	}
	if _, err := reg.Update(ctx, deploy); err != nil {
		serving := ""
		if active := reg.Active(); active != nil {
			serving = active.Generation()
		}
		logger.WithError(err).
			WithFields(logging.LifecycleFields("startup_install", deploy.Generation, "failed")).
			WithField("serving_generation", serving).
			Warn("startup_install_failed")
	}

	handler := proxy.NewHandler(reg, client, logger, recorder)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterStatusRoutes(app, reg)
	routes.RegisterMetricsRoutes(app, recorder)

	ready = true
	return &gateway{
		app:          app,
		registration: reg,
		recorder:     recorder,
		closeStore:   closeStore,
	}, nil
}

// openStore 按 StoreBackend 选择缓存后端，返回值中的关闭函数可能为 nil。
func openStore(global config.GlobalConfig) (cache.Store, func() error, error) {
	switch global.StoreBackend {
	case config.StoreBackendLevelDB:
		store, err := cache.NewLevelDBStore(filepath.Join(global.StoragePath, "leveldb"))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := cache.NewStore(global.StoragePath)
		return store, nil, err
	}
}

func controllerOptions(cfg *config.Config) offline.Options {
	return offline.Options{
		Generation:     cfg.Controller.Generation,
		Assets:         cfg.Controller.Precache,
		Exclude:        cfg.Controller.Exclude,
		RuntimeCaching: cfg.Global.RuntimeCaching,
		Concurrency:    cfg.Global.InstallConcurrency,
	}
}

// watchDeployments 在配置中的代际或预缓存清单变化时触发新的安装与激活。
// 全局配置（端口、源站、存储）的变化需要重启才能生效。
func watchDeployments(path string, initial *config.Config, reg *offline.Registration, logger *logrus.Logger) error {
	var mu sync.Mutex
	current := initial.Controller

	return config.Watch(path, func(cfg *config.Config, err error) {
		fields := logging.BaseFields("config_reload", path)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("config_reload_failed")
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if cfg.Controller.SameDeployment(current) {
			logger.WithFields(fields).Debug("config_reload_unchanged")
			return
		}
		fields["generation"] = cfg.Controller.Generation
		if _, err := reg.Update(context.Background(), controllerOptions(cfg)); err != nil {
			logger.WithFields(fields).WithError(err).Warn("config_reload_install_failed")
			return
		}
		current = cfg.Controller
		logger.WithFields(fields).Info("config_reload_applied")
	})
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

func startHTTPServer(cfg *config.Config, app *fiber.App, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
