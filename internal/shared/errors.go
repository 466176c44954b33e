package shared

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrState matches every StateError.
	ErrState = errors.New("invalid state for operation")
	// ErrToleranceExceeded matches every ToleranceExceededError.
	ErrToleranceExceeded = errors.New("three-way match tolerance exceeded")
)

// FieldError describes one caller-correctable problem.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries field-level detail for rejected input.
type ValidationError struct {
	Fields []FieldError
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: fmt.Sprintf(format, args...)}}}
}

// Add appends a field problem.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when no field problem was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Details returns the field problems.
func (e *ValidationError) Details() []FieldError {
	return e.Fields
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError indicates a referenced record is absent.
type NotFoundError struct {
	Entity string
	ID     string
}

// NewNotFound builds a NotFoundError for any printable id.
func NewNotFound(entity string, id any) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is lets errors.Is match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StateError indicates an operation against a record not in the required state.
type StateError struct {
	Entity    string
	ID        string
	Operation string
	Status    string
}

// NewStateError builds a StateError.
func NewStateError(entity string, id any, op, status string) *StateError {
	return &StateError{Entity: entity, ID: fmt.Sprint(id), Operation: op, Status: status}
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Operation, e.Entity, e.ID, e.Status)
}

// Is lets errors.Is match ErrState.
func (e *StateError) Is(target error) bool {
	return target == ErrState
}

// ToleranceExceededError reports a FAILED three-way match blocking approval.
type ToleranceExceededError struct {
	InvoiceID      int64
	VarianceAmount decimal.Decimal
	TolerancePct   decimal.Decimal
}

func (e *ToleranceExceededError) Error() string {
	return fmt.Sprintf("invoice %d three-way match failed: variance %s exceeds %s%% tolerance", e.InvoiceID, e.VarianceAmount.String(), e.TolerancePct.String())
}

// Is lets errors.Is match ErrToleranceExceeded.
func (e *ToleranceExceededError) Is(target error) bool {
	return target == ErrToleranceExceeded
}
