package reconcile

import (
	"errors"

	"github.com/odyssey-erp/reconciler/internal/fx"
	"github.com/odyssey-erp/reconciler/internal/shared"
)

// outcome labels err for metrics and log levels.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, shared.ErrValidation):
		return "validation"
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrState):
		return "state"
	case errors.Is(err, shared.ErrToleranceExceeded):
		return "tolerance"
	case errors.Is(err, fx.ErrRateNotFound):
		return "rate_not_found"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	}
	return "error"
}
