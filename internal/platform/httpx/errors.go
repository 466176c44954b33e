// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/reconciler/internal/shared"
)

type detailer interface {
	Details() []shared.FieldError
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		var details []shared.FieldError
		var d detailer
		if errors.As(err, &d) {
			details = d.Details()
		}
		ProblemWithErrors(w, http.StatusBadRequest, "Validation Failed", err.Error(), details)
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrState):
		Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrToleranceExceeded):
		Problem(w, http.StatusUnprocessableEntity, "Tolerance Exceeded", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
