package fx

import "github.com/odyssey-erp/reconciler/internal/money"

// Policy describes how the converter resolves rates.
type Policy struct {
	BaseCurrency string
	// InverseLookup allows using 1/rate of the opposite pair when the direct
	// pair has no rate on or before the requested date.
	InverseLookup bool
}

// DefaultPolicy returns a baseline configuration for the given base currency.
func DefaultPolicy(base string) Policy {
	return Policy{
		BaseCurrency:  money.Normalize(base),
		InverseLookup: true,
	}
}
