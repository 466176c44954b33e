package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/reconciler/internal/accounting"
	"github.com/odyssey-erp/reconciler/internal/ap"
	"github.com/odyssey-erp/reconciler/internal/fx"
	"github.com/odyssey-erp/reconciler/internal/reconcile"
	"github.com/odyssey-erp/reconciler/internal/shared"
)

// Components are the collaborators shared by the API server and the worker.
type Components struct {
	Repo      *reconcile.PGRepository
	Rates     *fx.PGRateProvider
	Converter *fx.Converter
	Engine    *reconcile.Engine
}

// BuildComponents wires the engine over Postgres. redisClient may be nil when
// LOCK_BACKEND is local.
func BuildComponents(ctx context.Context, cfg *Config, pool *pgxpool.Pool, redisClient redis.UniversalClient, logger *slog.Logger, reg prometheus.Registerer) (*Components, error) {
	units := cfg.Units()
	rates := fx.NewPGRateProvider(pool)
	converter := fx.NewConverter(rates, units, cfg.FXPolicy())

	mapping, err := accounting.LoadAccountMappings(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("app: load account mappings: %w", err)
	}
	// Environment overrides win over the table.
	maps.Copy(mapping, cfg.AccountMap)
	accounts, err := accounting.NewAccountResolver(mapping)
	if err != nil {
		return nil, err
	}
	if missing := accounts.Missing(); len(missing) > 0 {
		logger.Warn("account classifications without mapping; posting will fail for them", slog.Any("missing", missing))
	}

	matcher, err := ap.NewMatcher(units, cfg.MatchTolerance)
	if err != nil {
		return nil, err
	}

	var locker reconcile.Locker
	switch cfg.LockBackend {
	case LockBackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("app: redis lock backend requires REDIS_ADDR")
		}
		locker = reconcile.NewRedisLocker(redisClient, cfg.LockTTL)
	default:
		locker = reconcile.NewLocalLocker()
	}

	repo := reconcile.NewPGRepository(pool)
	engine, err := reconcile.NewEngine(reconcile.Deps{
		Repo:      repo,
		Locker:    locker,
		Converter: converter,
		Accounts:  accounts,
		Matcher:   matcher,
		Audit:     shared.NewAuditLogger(pool),
		Metrics:   reconcile.NewMetrics(reg),
		Logger:    logger.With(slog.String("component", "reconcile")),
	})
	if err != nil {
		return nil, err
	}
	return &Components{Repo: repo, Rates: rates, Converter: converter, Engine: engine}, nil
}
