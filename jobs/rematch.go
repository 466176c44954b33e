package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/reconciler/internal/ap"
	jobmetrics "github.com/odyssey-erp/reconciler/internal/jobs"
	"github.com/odyssey-erp/reconciler/internal/shared"
)

const defaultRematchLimit = 200

// MatchRunner re-runs the three-way match for one invoice.
type MatchRunner interface {
	RunMatch(ctx context.Context, invoiceID int64) (ap.MatchResult, error)
}

// AwaitingMatchLister lists invoices whose match may be stale.
type AwaitingMatchLister interface {
	ListInvoicesAwaitingMatch(ctx context.Context, limit int) ([]int64, error)
}

// RematchJob refreshes stored match results.
type RematchJob struct {
	Runner  MatchRunner
	Lister  AwaitingMatchLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRematchJob initialises the rematch handler.
func NewRematchJob(runner MatchRunner, lister AwaitingMatchLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *RematchJob {
	return &RematchJob{Runner: runner, Lister: lister, Logger: logger, Metrics: metrics}
}

// Handle processes TaskRematch tasks.
func (j *RematchJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Runner == nil {
		return errors.New("rematch: handler not configured")
	}
	var payload RematchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("rematch: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskRematch)
	defer func() { err = tracker.End(err) }()

	if payload.InvoiceID > 0 {
		return j.rematch(ctx, payload.InvoiceID)
	}
	if j.Lister == nil {
		return errors.New("rematch: sweep requires an invoice lister")
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultRematchLimit
	}
	ids, err := j.Lister.ListInvoicesAwaitingMatch(ctx, limit)
	if err != nil {
		return err
	}
	var failed int
	for _, id := range ids {
		if err := j.rematch(ctx, id); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
		}
	}
	logger(j.Logger).Info("rematch sweep completed", slog.Int("invoices", len(ids)), slog.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("rematch: %d of %d invoices failed", failed, len(ids))
	}
	return nil
}

func (j *RematchJob) rematch(ctx context.Context, invoiceID int64) error {
	res, err := j.Runner.RunMatch(ctx, invoiceID)
	switch {
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrValidation):
		logger(j.Logger).Warn("rematch skipped", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
		return nil
	case err != nil:
		logger(j.Logger).Error("rematch failed", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
		return err
	}
	j.Metrics.AddRematched(string(res.Status))
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
