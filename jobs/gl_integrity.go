package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/reconciler/internal/accounting"
	jobmetrics "github.com/odyssey-erp/reconciler/internal/jobs"
	"github.com/odyssey-erp/reconciler/internal/money"
	"github.com/odyssey-erp/reconciler/internal/reconcile"
)

const defaultGLLookback = 7 * 24 * time.Hour

// DistributionLister reads posted distributions.
type DistributionLister interface {
	ListDistributions(ctx context.Context, since time.Time) ([]reconcile.PostedDistribution, error)
}

// GLIntegrityJob re-validates posted distributions and reports any whose
// debits and credits no longer agree.
type GLIntegrityJob struct {
	Source  DistributionLister
	Units   money.Units
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewGLIntegrityJob initialises the GL integrity handler.
func NewGLIntegrityJob(source DistributionLister, units money.Units, logger *slog.Logger, metrics *jobmetrics.Metrics) *GLIntegrityJob {
	return &GLIntegrityJob{
		Source:  source,
		Units:   units,
		Logger:  logger,
		Metrics: metrics,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// IntegrityReport summarises one sweep.
type IntegrityReport struct {
	Checked    int
	Unbalanced []string
}

// Handle processes TaskGLIntegrity tasks.
func (j *GLIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Source == nil {
		return errors.New("gl integrity: handler not configured")
	}
	var payload GLIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("gl integrity: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskGLIntegrity)
	defer func() { err = tracker.End(err) }()

	_, err = j.Run(ctx, payload.Lookback)
	return err
}

// Run checks distributions posted within lookback.
func (j *GLIntegrityJob) Run(ctx context.Context, lookback time.Duration) (IntegrityReport, error) {
	if lookback <= 0 {
		lookback = defaultGLLookback
	}
	since := j.clock().Add(-lookback)
	dists, err := j.Source.ListDistributions(ctx, since)
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{Checked: len(dists)}
	for _, d := range dists {
		if err := accounting.ValidateDistribution(j.Units, d.Currency, d.Lines); err != nil {
			report.Unbalanced = append(report.Unbalanced, d.Document.String())
			logger(j.Logger).Error("posted distribution fails validation",
				slog.String("document", d.Document.String()),
				slog.Time("posted_at", d.PostedAt),
				slog.Any("error", err),
			)
		}
	}
	j.Metrics.AddUnbalanced(len(report.Unbalanced))
	logger(j.Logger).Info("GL integrity check executed",
		slog.Int("checked", report.Checked),
		slog.Int("unbalanced", len(report.Unbalanced)),
		slog.Time("since", since),
	)
	return report, nil
}
