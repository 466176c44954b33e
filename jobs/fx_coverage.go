package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/reconciler/internal/fx"
	jobmetrics "github.com/odyssey-erp/reconciler/internal/jobs"
	"github.com/odyssey-erp/reconciler/internal/money"
)

// CurrencyLister lists currencies of documents still in play.
type CurrencyLister interface {
	ListOpenCurrencies(ctx context.Context) ([]string, error)
}

// FXCoverageJob verifies a rate exists today for every open currency against
// the base currency, plus any configured pairs.
type FXCoverageJob struct {
	Provider     fx.RateProvider
	Currencies   CurrencyLister
	BaseCurrency string
	Pairs        []fx.Pair
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
	clock        func() time.Time
}

// NewFXCoverageJob initialises the FX coverage handler.
func NewFXCoverageJob(provider fx.RateProvider, currencies CurrencyLister, base string, pairs []fx.Pair, logger *slog.Logger, metrics *jobmetrics.Metrics) *FXCoverageJob {
	return &FXCoverageJob{
		Provider:     provider,
		Currencies:   currencies,
		BaseCurrency: money.Normalize(base),
		Pairs:        pairs,
		Logger:       logger,
		Metrics:      metrics,
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes TaskFXCoverage tasks.
func (j *FXCoverageJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Provider == nil {
		return errors.New("fx coverage: handler not configured")
	}
	var payload FXCoveragePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("fx coverage: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	extra := make([]fx.Pair, 0, len(payload.Pairs))
	for _, raw := range payload.Pairs {
		p, err := fx.ParsePair(raw)
		if err != nil {
			return fmt.Errorf("fx coverage: %v: %w", err, asynq.SkipRetry)
		}
		extra = append(extra, p)
	}
	tracker := j.Metrics.Track(TaskFXCoverage)
	defer func() { err = tracker.End(err) }()

	_, err = j.Run(ctx, extra...)
	return err
}

// Run checks coverage as of today. Gaps are reported, not returned as errors.
func (j *FXCoverageJob) Run(ctx context.Context, extra ...fx.Pair) (fx.Result, error) {
	pairs := append(append([]fx.Pair{}, j.Pairs...), extra...)
	if j.Currencies != nil {
		codes, err := j.Currencies.ListOpenCurrencies(ctx)
		if err != nil {
			return fx.Result{}, err
		}
		for _, code := range codes {
			pairs = append(pairs, fx.Pair{From: code, To: j.BaseCurrency})
		}
	}
	res, err := fx.Validate(ctx, j.Provider, j.clock(), pairs)
	if err != nil {
		return fx.Result{}, err
	}
	j.Metrics.SetFXGaps(len(res.Gaps))
	for _, gap := range res.Gaps {
		logger(j.Logger).Warn("exchange rate missing", slog.String("pair", gap.String()), slog.Time("as_of", res.AsOf))
	}
	logger(j.Logger).Info("fx coverage checked", slog.Int("pairs", res.Checked), slog.Int("gaps", len(res.Gaps)))
	return res, nil
}
