package fx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGRateProvider reads dated rates from the fx_rates table.
type PGRateProvider struct {
	pool *pgxpool.Pool
}

// NewPGRateProvider constructs the provider.
func NewPGRateProvider(pool *pgxpool.Pool) *PGRateProvider {
	return &PGRateProvider{pool: pool}
}

// RateOnOrBefore implements RateProvider.
func (p *PGRateProvider) RateOnOrBefore(ctx context.Context, from, to string, asOf time.Time) (Rate, bool, error) {
	const query = `SELECT from_currency, to_currency, effective_date, rate::text
FROM fx_rates
WHERE from_currency = $1 AND to_currency = $2 AND effective_date <= $3
ORDER BY effective_date DESC
LIMIT 1`
	var (
		rate Rate
		raw  string
	)
	err := p.pool.QueryRow(ctx, query, from, to, truncateDay(asOf)).Scan(&rate.From, &rate.To, &rate.EffectiveDate, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, false, nil
		}
		return Rate{}, false, fmt.Errorf("fx: query rate: %w", err)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return Rate{}, false, fmt.Errorf("fx: parse rate %q: %w", raw, err)
	}
	rate.Value = value
	return rate, true, nil
}
