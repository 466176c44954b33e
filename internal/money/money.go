// Package money models monetary amounts with exact decimal arithmetic and
// per-currency minor-unit rounding.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DefaultMinorUnits applies to codes unknown to the ISO 4217 table.
const DefaultMinorUnits int32 = 2

var (
	// ErrInvalidRate indicates a non-positive exchange rate.
	ErrInvalidRate = errors.New("money: exchange rate must be positive")
	// ErrCurrencyRequired indicates a blank currency code.
	ErrCurrencyRequired = errors.New("money: currency required")
)

var hundred = decimal.NewFromInt(100)

// Units resolves the minor-unit count of a currency. Overrides win over the
// ISO 4217 table shipped with golang.org/x/text.
type Units struct {
	overrides map[string]int32
}

// NewUnits builds a resolver with optional per-code overrides.
func NewUnits(overrides map[string]int32) Units {
	normalized := make(map[string]int32, len(overrides))
	for code, digits := range overrides {
		normalized[Normalize(code)] = digits
	}
	return Units{overrides: normalized}
}

// MinorUnits returns the number of decimal places used by code.
func (u Units) MinorUnits(code string) int32 {
	code = Normalize(code)
	if digits, ok := u.overrides[code]; ok {
		return digits
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return DefaultMinorUnits
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// Round applies half-up rounding (away from zero for negatives) to the
// minor units of code.
func (u Units) Round(value decimal.Decimal, code string) decimal.Decimal {
	return value.Round(u.MinorUnits(code))
}

// Epsilon is one minor unit of code.
func (u Units) Epsilon(code string) decimal.Decimal {
	return decimal.New(1, -u.MinorUnits(code))
}

// Equal reports whether a and b differ by less than one minor unit of code.
func (u Units) Equal(a, b decimal.Decimal, code string) bool {
	return a.Sub(b).Abs().LessThan(u.Epsilon(code))
}

// Exceeds reports whether a is greater than b by at least one minor unit of code.
func (u Units) Exceeds(a, b decimal.Decimal, code string) bool {
	return a.Sub(b).GreaterThanOrEqual(u.Epsilon(code))
}

// Amount is a transaction-currency value together with the rate used to
// express it in the base currency and the resulting, already rounded, base value.
type Amount struct {
	Value        decimal.Decimal
	Currency     string
	Rate         decimal.Decimal
	BaseValue    decimal.Decimal
	BaseCurrency string
}

// New builds an Amount. BaseValue is computed once here and never again.
func (u Units) New(value decimal.Decimal, code string, rate decimal.Decimal, baseCode string) (Amount, error) {
	code = Normalize(code)
	baseCode = Normalize(baseCode)
	if code == "" || baseCode == "" {
		return Amount{}, ErrCurrencyRequired
	}
	if code == baseCode {
		rate = decimal.NewFromInt(1)
	}
	if !rate.IsPositive() {
		return Amount{}, fmt.Errorf("%w: %s", ErrInvalidRate, rate.String())
	}
	return Amount{
		Value:        value,
		Currency:     code,
		Rate:         rate,
		BaseValue:    u.Round(value.Mul(rate), baseCode),
		BaseCurrency: baseCode,
	}, nil
}

// IsBase reports whether the amount is already in its base currency.
func (a Amount) IsBase() bool {
	return a.Currency == a.BaseCurrency
}

// String renders the amount as "<value> <currency>".
func (a Amount) String() string {
	return a.Value.String() + " " + a.Currency
}

// Normalize upper-cases and trims a currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Percent returns part/whole*100, or zero when whole is zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}

// Sum adds values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
