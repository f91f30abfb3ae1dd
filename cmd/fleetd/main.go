package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"egressfleet/internal/common/cache"
	"egressfleet/internal/common/db"
	"egressfleet/internal/common/http/middleware"
	"egressfleet/internal/common/mq"
	"egressfleet/internal/fleet/allocator"
	"egressfleet/internal/fleet/controller"
	"egressfleet/internal/fleet/netiso"
	"egressfleet/internal/fleet/proxy"
	"egressfleet/internal/fleet/registry"
	"egressfleet/internal/fleet/repository"
	"egressfleet/internal/fleet/sandbox"
	"egressfleet/internal/fleet/security"
	"egressfleet/internal/fleet/service"
	"egressfleet/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/fleetd.yaml"

// recordStore is what every record backend provides.
type recordStore interface {
	registry.RecordSink
	service.Records
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	checkOnly := flag.Bool("check", false, "Check host prerequisites and exit")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		if !printDoctor(context.Background(), os.Stdout, doctorChecks(appCfg)) {
			os.Exit(1)
		}
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "fleetd stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(appCfg)
	if err != nil {
		return fmt.Errorf("init record store: %w", err)
	}
	defer closeStore()

	opts := []registry.Option{}
	if store != nil {
		opts = append(opts, registry.WithSink(store))
	}
	if appCfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.KafkaConfig)
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		publisher := repository.NewEventPublisher(producer, appCfg.Kafka.Topic)
		defer func() { _ = publisher.Close() }()
		opts = append(opts, registry.WithPublisher(publisher))
	}
	reg := registry.New(opts...)

	alloc, err := allocator.New(appCfg.Fleet.Allocator)
	if err != nil {
		return fmt.Errorf("init allocator: %w", err)
	}

	host, err := buildHost(appCfg.Network)
	if err != nil {
		return fmt.Errorf("init network host: %w", err)
	}
	unit := netiso.NewUnit(host, appCfg.Network.Config)

	applier := security.NewApplier(appCfg.Security, security.DefaultLimits(), nil)
	limits, err := security.ParseLimits(appCfg.Fleet.CPU, appCfg.Fleet.Memory, appCfg.Fleet.Pids)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(appCfg.Runtime)
	if err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}
	sandboxes := sandbox.NewController(rt, appCfg.Runtime.Sandbox)

	endpoints, bad, err := proxy.LoadFile(appCfg.Proxy.File)
	if err != nil {
		return fmt.Errorf("load proxy list: %w", err)
	}
	for _, lineErr := range bad {
		logger.Warn(ctx, "skipping proxy line", zap.Int("line", lineErr.Line), zap.Error(lineErr.Err))
	}
	if len(endpoints) == 0 {
		logger.Warn(ctx, "proxy list is empty", zap.String("file", appCfg.Proxy.File))
	}
	scheduler := proxy.NewScheduler(appCfg.Proxy, endpoints, reg, unit)

	svcCfg := service.Config{
		Registry:         reg,
		Allocator:        alloc,
		Network:          unit,
		Security:         applier,
		Sandboxes:        sandboxes,
		Proxies:          scheduler,
		Image:            appCfg.Fleet.Image,
		Limits:           limits,
		IDPrefix:         appCfg.Fleet.IDPrefix,
		PoolSize:         appCfg.Worker.PoolSize,
		AcquireTimeout:   appCfg.Worker.AcquireTimeout,
		OperationTimeout: appCfg.Worker.OperationTimeout,
		RollbackTimeout:  appCfg.Worker.RollbackTimeout,
		SuperviseEvery:   appCfg.Fleet.SuperviseEvery,
		AutoRestart:      appCfg.Fleet.AutoRestart,
		AutoRotate:       appCfg.Fleet.AutoRotate,
		MinCPUs:          appCfg.Fleet.MinCPUs,
		MemoryReserve:    appCfg.Fleet.memoryReserveBytes,
	}
	if store != nil {
		svcCfg.Records = store
	}
	svc, err := service.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	if _, err := svc.Restore(ctx); err != nil {
		return fmt.Errorf("restore instances: %w", err)
	}
	threading.GoSafe(func() {
		svc.Run(ctx)
	})

	httpServer := buildHTTPServer(appCfg, svc)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "fleetd http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Int("endpoints", len(endpoints)),
			zap.String("store", appCfg.Store.Backend))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(cfg *AppConfig, svc *service.Service) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContextMiddleware())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit))

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	controller.NewFleetController(svc, doctorChecks(cfg)...).Register(router.Group("/api/v1/fleet"))

	return &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
}

func buildStore(cfg *AppConfig) (recordStore, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case storeFile:
		store, err := repository.NewFileStore(cfg.Store.Dir)
		return store, noop, err
	case storeRedis:
		redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		return repository.NewRedisStore(redisCache, cfg.Store.Prefix), func() { _ = redisCache.Close() }, nil
	case storeMySQL, storeSQLite:
		conn, err := db.Open(cfg.Database)
		if err != nil {
			return nil, noop, err
		}
		closeConn := func() { _ = db.Close(conn) }
		store, err := repository.NewSQLStore(conn, cfg.Database.Driver)
		if err != nil {
			closeConn()
			return nil, noop, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			closeConn()
			return nil, noop, err
		}
		return store, closeConn, nil
	default:
		return nil, noop, nil
	}
}

func buildHost(cfg NetworkConfig) (netiso.Host, error) {
	if cfg.Driver == networkMemory {
		return netiso.NewMemoryHost(), nil
	}
	return netiso.NewKernelHost(cfg.IPTablesPath)
}

func buildRuntime(cfg RuntimeConfig) (sandbox.Runtime, error) {
	if cfg.Driver == runtimeMemory {
		return sandbox.NewMemoryRuntime(), nil
	}
	return sandbox.NewCLIRuntime(sandbox.CLIConfig{
		Binary:         cfg.Binary,
		Engine:         cfg.Driver,
		ExtraArgs:      cfg.ExtraArgs,
		NetworkMode:    cfg.NetworkMode,
		CommandTimeout: cfg.CommandTimeout,
	})
}
