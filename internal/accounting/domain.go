// Package accounting builds and validates GL distributions for posted documents.
package accounting

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/money"
	"github.com/odyssey-erp/reconciler/internal/shared"
)

// LineType is the side of a distribution line.
type LineType string

const (
	Debit  LineType = "DEBIT"
	Credit LineType = "CREDIT"
)

// GLLine is one debit or credit line of a distribution. Amounts are in base currency.
type GLLine struct {
	Account     string          `json:"account"`
	Type        LineType        `json:"line_type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// Distribution is the ordered set of lines posted for one document.
type Distribution struct {
	Currency string   `json:"currency"`
	Lines    []GLLine `json:"lines"`
}

// Totals returns the debit and credit sums.
func (d Distribution) Totals() (debit, credit decimal.Decimal) {
	return totals(d.Lines)
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("accounting: distribution lines must balance")
	// ErrMappingNotFound indicates account mapping missing.
	ErrMappingNotFound = errors.New("accounting: account mapping not found")
)

// UnbalancedError reports the totals of a distribution that does not balance.
// It matches both ErrUnbalanced and shared.ErrValidation.
type UnbalancedError struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("accounting: debits %s do not equal credits %s", e.Debit.String(), e.Credit.String())
}

// Is lets errors.Is match ErrUnbalanced and shared.ErrValidation.
func (e *UnbalancedError) Is(target error) bool {
	return target == ErrUnbalanced || target == shared.ErrValidation
}

// Details exposes the imbalance as field-level detail.
func (e *UnbalancedError) Details() []shared.FieldError {
	return []shared.FieldError{{Field: "lines", Reason: e.Error()}}
}

// ValidateDistribution rejects empty distributions, lines without an account
// or with a non-positive amount, and distributions whose debits and credits
// differ by one minor unit of the base currency or more.
func ValidateDistribution(units money.Units, baseCurrency string, lines []GLLine) error {
	if len(lines) == 0 {
		return shared.NewValidationError("lines", "distribution is empty")
	}
	verr := &shared.ValidationError{}
	for idx, line := range lines {
		if line.Account == "" {
			verr.Add(fmt.Sprintf("lines[%d].account", idx), "account required")
		}
		if line.Type != Debit && line.Type != Credit {
			verr.Add(fmt.Sprintf("lines[%d].line_type", idx), "must be DEBIT or CREDIT")
		}
		if !line.Amount.IsPositive() {
			verr.Add(fmt.Sprintf("lines[%d].amount", idx), "must be greater than zero")
		}
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	debit, credit := totals(lines)
	if !units.Equal(debit, credit, baseCurrency) {
		return &UnbalancedError{Debit: debit, Credit: credit}
	}
	return nil
}

func totals(lines []GLLine) (debit, credit decimal.Decimal) {
	for _, line := range lines {
		switch line.Type {
		case Debit:
			debit = debit.Add(line.Amount)
		case Credit:
			credit = credit.Add(line.Amount)
		}
	}
	return debit, credit
}
