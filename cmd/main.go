package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/dropspot/internal/adapters/http/api"
	"github.com/okian/dropspot/internal/adapters/lock"
	"github.com/okian/dropspot/internal/adapters/mq/worker"
	"github.com/okian/dropspot/internal/adapters/repository"
	"github.com/okian/dropspot/internal/adapters/repository/postgres"
	"github.com/okian/dropspot/internal/adapters/repository/sqlite"
	service "github.com/okian/dropspot/internal/app"
	"github.com/okian/dropspot/internal/config"
	"github.com/okian/dropspot/internal/domain/ports"
	"github.com/okian/dropspot/pkg/logger"
	"github.com/okian/dropspot/pkg/metrics"
	"github.com/okian/dropspot/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// HTTP server timeout constants.
const (
	readTimeout           = 10 * time.Second
	writeTimeout          = 10 * time.Second
	idleTimeout           = 60 * time.Second
	readHeaderTimeout     = 5 * time.Second
	shutdownTimeout       = 30 * time.Second
	systemMetricsInterval = 10 * time.Second
	redisPingTimeout      = 2 * time.Second
	serviceName           = "dropspot"
)

// directory is a participant and drop directory that fixtures can be loaded into.
type directory interface {
	ports.Directory
	config.FixtureSink
}

func main() {
	// Disable default Go metrics collection to avoid duplicate metrics
	// We collect our own custom system metrics instead
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// Use stderr for initialization errors since logger isn't available yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	for _, w := range cfg.Warnings() {
		log.Warn(ctx, w)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "dropspot exited", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn(ctx, "tracing shutdown failed", logger.Error(err))
		}
	}()

	store, dir, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if cfg.FixturesPath != "" {
		if err := loadFixtures(ctx, cfg.FixturesPath, dir); err != nil {
			return err
		}
		log.Info(ctx, "fixtures loaded", logger.String("path", cfg.FixturesPath))
	}

	serializer, closeSerializer, err := newSerializer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSerializer()

	svc := service.New(
		service.WithLogger(log),
		service.WithStore(store),
		service.WithDirectory(dir),
		service.WithSerializer(cfg.ClaimSerialization, serializer),
		service.WithSeed(cfg.Seed),
		service.WithStoreTimeout(cfg.StoreTimeout()),
		service.WithJoinRetry(uint(cfg.JoinMaxAttempts), cfg.JoinRetryBackoff()),
	)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop(context.Background())

	go startSystemMetricsUpdater(ctx)

	// HTTP mux and routes.
	mux := http.NewServeMux()
	opts := []api.Option{
		api.WithLogger(log.Named("http")),
		api.WithMaxStandingsLimit(cfg.MaxStandingsLimit),
	}
	if cfg.RateLimitRPS > 0 {
		limiter := api.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		limiter.StartJanitor(ctx)
		opts = append(opts, api.WithRateLimiter(limiter))
	}
	api.NewServer(svc, svc, opts...).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}

	log.Info(ctx, "server stopped")
	return nil
}

// openStore opens the configured entry store and the directory that
// accompanies it. The service closes the store on Stop.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (ports.EntryStore, directory, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info(ctx, "using sqlite store", logger.String("path", cfg.SQLitePath))
		return s, s, nil
	case config.StorePostgres:
		s, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.WithLogger(log.Named("postgres")))
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info(ctx, "using postgres store")
		return s, s, nil
	default:
		return repository.NewTreapStore(ctx), repository.NewMemoryDirectory(), nil
	}
}

func loadFixtures(ctx context.Context, path string, sink config.FixtureSink) error {
	f, err := config.LoadFixtures(ctx, path)
	if err != nil {
		return err
	}
	return f.Apply(ctx, sink)
}

// newSerializer builds the configured claim serializer. The returned close
// func releases anything the service does not own.
func newSerializer(ctx context.Context, cfg *config.Config, log logger.Logger) (ports.Serializer, func(), error) {
	noop := func() {}
	switch cfg.ClaimSerialization {
	case config.SerializeQueue:
		pool := worker.NewPool(
			worker.WithShards(cfg.ClaimWorkers),
			worker.WithQueueCapacity(cfg.ClaimQueueSize),
			worker.WithPoolLogger(log.Named("claims")),
		)
		pool.Start(ctx)
		return pool, noop, nil
	case config.SerializeRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, noop, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		l := lock.NewRedis(rdb,
			lock.WithTTL(cfg.RedisLockTTL()),
			lock.WithRetryInterval(cfg.RedisLockRetry()),
			lock.WithLogger(log.Named("lock")),
		)
		return l, func() { _ = rdb.Close() }, nil
	default:
		return lock.NewKeyed(), noop, nil
	}
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
}
