package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/reconciler/internal/app"
	jobmetrics "github.com/odyssey-erp/reconciler/internal/jobs"
	"github.com/odyssey-erp/reconciler/internal/observability"
	"github.com/odyssey-erp/reconciler/internal/platform/cache"
	"github.com/odyssey-erp/reconciler/internal/platform/db"
	"github.com/odyssey-erp/reconciler/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, db.WithApplicationName("reconciler-worker"), db.WithMaxConns(cfg.PGMaxConns))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	var lockClient redis.UniversalClient = redisClient
	components, err := app.BuildComponents(ctx, cfg, pool, lockClient, logger, metrics.Registerer())
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		os.Exit(1)
	}
	jm := jobmetrics.NewMetrics(metrics.Registerer())

	rematchJob := jobs.NewRematchJob(components.Engine, components.Repo, logger, jm)
	glJob := jobs.NewGLIntegrityJob(components.Repo, cfg.Units(), logger, jm)
	fxJob := jobs.NewFXCoverageJob(components.Rates, components.Repo, cfg.BaseCurrency, cfg.CoveragePairs(), logger, jm)

	rematchTask, err := jobs.NewRematchTask(jobs.RematchPayload{})
	if err != nil {
		logger.Error("build rematch task", slog.Any("error", err))
		os.Exit(1)
	}
	glTask, err := jobs.NewGLIntegrityTask(7 * 24 * time.Hour)
	if err != nil {
		logger.Error("build gl integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	fxTask, err := jobs.NewFXCoverageTask(nil)
	if err != nil {
		logger.Error("build fx coverage task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRematch, Handler: rematchJob.Handle},
			{Type: jobs.TaskGLIntegrity, Handler: glJob.Handle},
			{Type: jobs.TaskFXCoverage, Handler: fxJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: rematchTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "30 1 * * *", Task: glTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 6 * * *", Task: fxTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	// Metrics for the worker process are scraped separately from the API.
	metricsServer := &http.Server{Addr: envOr("WORKER_METRICS_ADDR", ":9091"), Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
