package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sheetsync/internal/api"
	"sheetsync/internal/cache"
	"sheetsync/internal/config"
	"sheetsync/internal/database"
	"sheetsync/internal/events"
	"sheetsync/internal/jobs"
	"sheetsync/internal/logging"
	"sheetsync/internal/metrics"
	"sheetsync/internal/realtime"
	"sheetsync/internal/service"
	"sheetsync/internal/smartsheet"
	"sheetsync/internal/webhook"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, baseLogger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := logging.Component(baseLogger, "server")

	db, err := initDatabase(cfg, logging.Component(baseLogger, "database"))
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, logger)
	if redisClient != nil {
		defer (func() { _ = cache.Close(redisClient) })()
	}
	sheetCache := initCache(cfg, redisClient, logging.Component(baseLogger, "cache"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, logger)

	realtimeLogger := logging.Component(baseLogger, "realtime")
	broadcaster := realtime.NewBroadcaster(realtimeLogger)
	bus := events.NewEventBus()
	realtime.ForwardJobEvents(bus, broadcaster, realtimeLogger)

	client := smartsheet.NewClient(cfg.Smartsheet, logging.Component(baseLogger, "smartsheet"))
	sheets := service.NewSheetService(client, sheetCache, broadcaster, cfg.Exports.Path, logging.Component(baseLogger, "sheets"))

	jobsLogger := logging.Component(baseLogger, "jobs")

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	queue := jobs.NewQueue(db, redisClient, bus, jobs.Options{
		Workers:      cfg.Jobs.Workers,
		PollInterval: cfg.Jobs.PollInterval,
		BatchSize:    cfg.Jobs.BatchSize,
		Timeout:      cfg.Jobs.Timeout,
	}, jobsLogger)
	sheets.RegisterJobHandlers(queue)
	queue.Start(workCtx)

	sweeper := jobs.NewSweeper(db, cfg.Jobs.Retention, cfg.Jobs.CleanupInterval, jobsLogger)
	sweeper.Start(workCtx)

	if cfg.Backup.Enabled {
		go database.NewBackupService(db, cfg.Backup, logging.Component(baseLogger, "backup")).Start(workCtx)
	}

	parser, err := webhook.NewParser()
	if err != nil {
		return fmt.Errorf("init webhook parser: %w", err)
	}
	receiver := webhook.NewReceiver(cfg.Webhook.Secret, cfg.Webhook.MaxBodyBytes, parser, sheetCache, broadcaster, logging.Component(baseLogger, "webhook"))

	checks := map[string]api.Pinger{"database": db}
	if redisClient != nil {
		checks["redis"] = api.PingFunc(func(ctx context.Context) error {
			return cache.Ping(ctx, redisClient)
		})
	}

	httpServer := api.NewHTTPServer(cfg, api.Deps{
		Webhook:     receiver,
		Broadcaster: broadcaster,
		Jobs:        queue,
		Sheets:      sheets,
		Cache:       sheetCache,
		JobStats:    db,
		Checks:      checks,
	}, logging.Component(baseLogger, "api"))

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info().
		Int("port", cfg.Server.Port).
		Str("cache_backend", cfg.Cache.Backend).
		Int("workers", cfg.Jobs.Workers).
		Msg("sheetsync started")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("http server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	// Hijacked websocket connections are not tracked by http.Server.
	broadcaster.Close()

	cancelWork()
	queue.Wait()
	sweeper.Stop()

	logger.Info().Msg("sheetsync stopped")
	return serveErr
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

func initDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	// Jobs left running by a previous process will never finish.
	n, err := db.FailOrphanedJobs(context.Background(), "interrupted by process restart")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fail orphaned jobs: %w", err)
	}
	if n > 0 {
		logger.Warn().Int64("jobs", n).Msg("marked orphaned jobs as failed")
	}
	return db, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := cache.NewRedisClient(cfg.Redis)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cache.Ping(ctx, redisClient); err != nil {
		if cfg.Cache.Backend == "redis" {
			// FailoverCache recovers once redis comes back.
			logger.Warn().Err(err).Msg("redis unreachable at startup, serving from local cache")
			return redisClient
		}
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initCache(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) cache.SheetCache {
	local := cache.NewMemoryCache(cfg.Cache.TTL, cfg.Cache.CleanupInterval)
	if cfg.Cache.Backend != "redis" || redisClient == nil {
		return local
	}
	return cache.NewFailoverCache(cache.NewRedisCache(redisClient, cfg.Cache.TTL), local, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	metrics.Register()
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
