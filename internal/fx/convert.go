package fx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/reconciler/internal/money"
)

// ErrRateNotFound matches every RateNotFoundError.
var ErrRateNotFound = errors.New("fx: rate not found")

// RateNotFoundError indicates that no rate exists on or before the requested date.
type RateNotFoundError struct {
	From string
	To   string
	AsOf time.Time
}

func (e *RateNotFoundError) Error() string {
	return fmt.Sprintf("fx: no %s/%s rate on or before %s", e.From, e.To, e.AsOf.Format("2006-01-02"))
}

// Is lets errors.Is match ErrRateNotFound.
func (e *RateNotFoundError) Is(target error) bool {
	return target == ErrRateNotFound
}

// Rate is one dated quote: one unit of From costs Value units of To.
type Rate struct {
	From          string
	To            string
	EffectiveDate time.Time
	Value         decimal.Decimal
}

// RateProvider looks up the most recent rate effective on or before asOf.
type RateProvider interface {
	RateOnOrBefore(ctx context.Context, from, to string, asOf time.Time) (Rate, bool, error)
}

// Converter converts transaction amounts between currencies. Rounding to
// the target minor units happens here and nowhere downstream.
type Converter struct {
	provider RateProvider
	units    money.Units
	policy   Policy
	lookups  singleflight.Group
}

// NewConverter constructs a converter instance.
func NewConverter(provider RateProvider, units money.Units, policy Policy) *Converter {
	return &Converter{provider: provider, units: units, policy: policy}
}

// BaseCurrency returns the configured base currency.
func (c *Converter) BaseCurrency() string {
	return c.policy.BaseCurrency
}

// Units exposes the minor-unit resolver used for rounding.
func (c *Converter) Units() money.Units {
	return c.units
}

// Convert expresses value (in from) in to using the rate effective on rateDate.
func (c *Converter) Convert(ctx context.Context, value decimal.Decimal, from, to string, rateDate time.Time) (money.Amount, error) {
	from, to = money.Normalize(from), money.Normalize(to)
	if from == to {
		return c.units.New(value, from, decimal.NewFromInt(1), to)
	}
	rate, err := c.Rate(ctx, from, to, rateDate)
	if err != nil {
		return money.Amount{}, err
	}
	return c.units.New(value, from, rate, to)
}

// ToBase converts value into the policy base currency.
func (c *Converter) ToBase(ctx context.Context, value decimal.Decimal, from string, rateDate time.Time) (money.Amount, error) {
	return c.Convert(ctx, value, from, c.policy.BaseCurrency, rateDate)
}

// Rate resolves the from/to rate effective on asOf, falling back to the
// reciprocal of the to/from rate when the policy allows it.
func (c *Converter) Rate(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, error) {
	from, to = money.Normalize(from), money.Normalize(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if c == nil || c.provider == nil {
		return decimal.Zero, &RateNotFoundError{From: from, To: to, AsOf: asOf}
	}
	rate, ok, err := c.lookup(ctx, from, to, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return rate.Value, nil
	}
	if c.policy.InverseLookup {
		inverse, ok, err := c.lookup(ctx, to, from, asOf)
		if err != nil {
			return decimal.Zero, err
		}
		if ok {
			return decimal.NewFromInt(1).Div(inverse.Value), nil
		}
	}
	return decimal.Zero, &RateNotFoundError{From: from, To: to, AsOf: asOf}
}

type lookupResult struct {
	rate Rate
	ok   bool
}

func (c *Converter) lookup(ctx context.Context, from, to string, asOf time.Time) (Rate, bool, error) {
	key := from + "/" + to + "@" + asOf.Format("2006-01-02")
	res, err, _ := c.lookups.Do(key, func() (interface{}, error) {
		rate, ok, err := c.provider.RateOnOrBefore(ctx, from, to, asOf)
		if err != nil {
			return nil, err
		}
		if ok && !rate.Value.IsPositive() {
			return nil, fmt.Errorf("%w: %s/%s on %s", money.ErrInvalidRate, from, to, rate.EffectiveDate.Format("2006-01-02"))
		}
		return lookupResult{rate: rate, ok: ok}, nil
	})
	if err != nil {
		return Rate{}, false, err
	}
	out := res.(lookupResult)
	return out.rate, out.ok, nil
}
