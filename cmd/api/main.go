package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/flightdesk-ai/cmd/mainconfig"
	"github.com/wolfman30/flightdesk-ai/internal/api/router"
	"github.com/wolfman30/flightdesk-ai/internal/app/bootstrap"
	appconfig "github.com/wolfman30/flightdesk-ai/internal/config"
	"github.com/wolfman30/flightdesk-ai/internal/http/handlers"
	"github.com/wolfman30/flightdesk-ai/internal/webhook"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting flightdesk API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"mode", cfg.ProcessingMode,
	)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	pool, db, err := bootstrap.BuildPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer func() { _ = db.Close() }()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return err
	}

	registry, metricsHandler := setupMetrics()
	core, err := bootstrap.BuildCore(ctx, cfg, bootstrap.Infra{
		Pool:     pool,
		DB:       db,
		Redis:    redisClient,
		AWS:      awsCfg,
		Registry: registry,
	}, logger)
	if err != nil {
		return err
	}
	rt, err := bootstrap.BuildRunner(cfg, core, awsCfg, logger)
	if err != nil {
		return err
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	if rt.Worker != nil {
		rt.Worker.Start(workerCtx)
		logger.Info("in-process conversation worker started", "workers", cfg.WorkerCount)
	}

	ingestor := webhook.NewIngestor(
		webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookRequireSignature),
		rt.Runner,
		core.MessagingMetrics,
		logger,
		webhook.Config{DefaultGatewayID: cfg.DefaultGatewayID, AckBudget: cfg.AckBudget},
	)
	admin := handlers.NewAdminHandler(core.Escalations, core.Processor, core.Sessions, logger)

	handler := router.New(&router.Config{
		Logger:         logger,
		Webhook:        ingestor,
		Admin:          admin,
		LiveFeed:       core.Feed,
		AdminSecret:    cfg.AdminJWTSecret,
		AdminRateLimit: cfg.AdminRateLimit,
		MetricsHandler: metricsHandler,
		HealthChecks:   healthChecks(pool.Ping, redisClient),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Accepted turns still finish and reply before the process exits.
	if err := rt.Runner.Wait(shutdownCtx); err != nil {
		logger.Error("in-flight turns did not drain", "error", err)
	}
	if rt.Worker != nil {
		cancelWorker()
		rt.Worker.Wait()
	}
	if err := core.Processor.Wait(shutdownCtx); err != nil {
		logger.Error("pending handoffs did not drain", "error", err)
	}
	return nil
}

func loadAWS(ctx context.Context, cfg *appconfig.Config) (*aws.Config, error) {
	if !mainconfig.UsesAWS(cfg) {
		return nil, nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &awsCfg, nil
}

func setupMetrics() (*prometheus.Registry, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func healthChecks(pgPing router.PingFunc, redisClient *redis.Client) map[string]router.Pinger {
	checks := map[string]router.Pinger{"postgres": pgPing}
	if redisClient != nil {
		checks["redis"] = router.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	return checks
}
