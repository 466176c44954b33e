package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/reconciler/cmd/reconciled/cli"
	"github.com/odyssey-erp/reconciler/internal/app"
	"github.com/odyssey-erp/reconciler/internal/fx"
	"github.com/odyssey-erp/reconciler/internal/observability"
	"github.com/odyssey-erp/reconciler/internal/platform/cache"
	"github.com/odyssey-erp/reconciler/internal/platform/db"
	reconcilehttp "github.com/odyssey-erp/reconciler/internal/reconcile/http"
	"github.com/odyssey-erp/reconciler/jobs"
)

// exitError carries a process exit code out of a subcommand.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var code exitError
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reconciled",
		Short:         "Financial document reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the HTTP API", RunE: runServe},
		newFXCmd(),
		newJobsCmd(),
	)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.WithApplicationName("reconciled"), db.WithMaxConns(cfg.PGMaxConns))
	if err != nil {
		return err
	}
	defer pool.Close()

	var redisClient *redis.Client
	if cfg.LockBackend == app.LockBackendRedis {
		redisClient, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	var redisForEngine redis.UniversalClient
	if redisClient != nil {
		redisForEngine = redisClient
	}
	components, err := app.BuildComponents(ctx, cfg, pool, redisForEngine, logger, metrics.Registerer())
	if err != nil {
		return err
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	checks := map[string]app.Pinger{"postgres": pool}
	if redisClient != nil {
		checks["redis"] = app.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}
	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		ReconcileHandler: reconcilehttp.NewHandler(logger, components.Engine, components.Repo).WithRematchQueue(queue),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
		Checks:           checks,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newFXCmd() *cobra.Command {
	fxCmd := &cobra.Command{Use: "fx", Short: "Exchange rate operations"}
	var opts cli.FXValidateOptions
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check that rates exist for currency pairs",
		Example: `  reconciled fx validate --pair EUR/USD --pair GBP/USD --as-of 2025-03-31
  reconciled fx validate --pair EURUSD --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn := os.Getenv("PG_DSN")
			if dsn == "" {
				return errors.New("PG_DSN environment variable is required")
			}
			pool, err := pgxpool.New(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer pool.Close()
			ops, err := cli.NewFXOpsCLI(fx.NewPGRateProvider(pool))
			if err != nil {
				return err
			}
			opts.Stdout, opts.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			if code := ops.ValidateCommand(cmd.Context(), opts); code != 0 {
				return exitError(code)
			}
			return nil
		},
	}
	validate.Flags().StringSliceVar(&opts.Pairs, "pair", nil, "Currency pair to check, e.g. EUR/USD (repeatable)")
	validate.Flags().StringVar(&opts.AsOf, "as-of", "", "Date to check (YYYY-MM-DD, default: today)")
	validate.Flags().BoolVar(&opts.JSONOutput, "json", false, "Print a JSON summary")
	fxCmd.AddCommand(validate)
	return fxCmd
}

func newJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{Use: "jobs", Short: "Background job operations"}
	var redisAddr string
	jobsCmd.PersistentFlags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "Redis address of the job queue")

	withCLI := func(fn func(*cobra.Command, *cli.JobsCLI, []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := cli.NewJobsCLI(redisAddr)
			if err != nil {
				return err
			}
			defer c.Close()
			return fn(cmd, c, args)
		}
	}

	var trigger cli.TriggerOptions
	run := &cobra.Command{
		Use:       "run <task>",
		Short:     "Enqueue a task now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskRematch, jobs.TaskGLIntegrity, jobs.TaskFXCoverage},
		RunE: withCLI(func(cmd *cobra.Command, c *cli.JobsCLI, args []string) error {
			info, err := c.Trigger(cmd.Context(), args[0], trigger)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		}),
	}
	run.Flags().Int64Var(&trigger.InvoiceID, "invoice", 0, "Invoice to re-match (rematch only; 0 sweeps)")
	run.Flags().DurationVar(&trigger.Lookback, "lookback", 0, "Distribution lookback (gl_integrity only)")
	run.Flags().StringSliceVar(&trigger.Pairs, "pair", nil, "Extra pairs to check (fx_coverage only)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters",
		RunE: withCLI(func(cmd *cobra.Command, c *cli.JobsCLI, _ []string) error {
			s, err := c.InspectQueue()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
			return nil
		}),
	}

	var size int
	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: withCLI(func(cmd *cobra.Command, c *cli.JobsCLI, _ []string) error {
			tasks, err := c.ListScheduled(size)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
			}
			return nil
		}),
	}
	list.Flags().IntVar(&size, "size", 10, "Number of tasks to list")

	jobsCmd.AddCommand(run, stats, list)
	return jobsCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
