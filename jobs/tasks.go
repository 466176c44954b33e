package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskRematch re-runs the three-way match for one invoice, or sweeps
	// invoices awaiting a match when no invoice is named.
	TaskRematch = "reconcile:rematch"
	// TaskGLIntegrity re-validates recently posted GL distributions.
	TaskGLIntegrity = "reconcile:gl_integrity"
	// TaskFXCoverage checks that every pair in use has a rate.
	TaskFXCoverage = "reconcile:fx_coverage"
)

// RematchPayload names the invoice to re-match. A zero InvoiceID sweeps up
// to Limit invoices awaiting a match.
type RematchPayload struct {
	InvoiceID int64 `json:"invoice_id,omitempty"`
	Limit     int   `json:"limit,omitempty"`
}

// GLIntegrityPayload bounds the sweep to distributions posted within Lookback.
type GLIntegrityPayload struct {
	Lookback time.Duration `json:"lookback"`
}

// FXCoveragePayload lists extra pairs to check besides those in use.
type FXCoveragePayload struct {
	Pairs []string `json:"pairs,omitempty"`
}

// NewRematchTask constructs a rematch task.
func NewRematchTask(payload RematchPayload) (*asynq.Task, error) {
	return newTask(TaskRematch, payload)
}

// NewGLIntegrityTask constructs a GL integrity sweep task.
func NewGLIntegrityTask(lookback time.Duration) (*asynq.Task, error) {
	return newTask(TaskGLIntegrity, GLIntegrityPayload{Lookback: lookback})
}

// NewFXCoverageTask constructs an FX coverage check task.
func NewFXCoverageTask(pairs []string) (*asynq.Task, error) {
	return newTask(TaskFXCoverage, FXCoveragePayload{Pairs: pairs})
}

func newTask(typename string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, data), nil
}
