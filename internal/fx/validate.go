package fx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/reconciler/internal/money"
)

// Pair names a conversion direction such as EURUSD.
type Pair struct {
	From string
	To   string
}

// String renders the pair as FROMTO.
func (p Pair) String() string {
	return p.From + p.To
}

// ParsePair accepts "EURUSD" or "EUR/USD".
func ParsePair(raw string) (Pair, error) {
	raw = strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(raw, "/", "")))
	if len(raw) != 6 {
		return Pair{}, fmt.Errorf("fx: invalid pair %q", raw)
	}
	return Pair{From: raw[:3], To: raw[3:]}, nil
}

// Result summarises the validation outcome.
type Result struct {
	AsOf      time.Time
	Checked   int
	Gaps      []Pair
	Available map[string]Rate
}

// Validate ensures every pair has a rate on or before asOf, directly or by inverse.
func Validate(ctx context.Context, provider RateProvider, asOf time.Time, pairs []Pair) (Result, error) {
	var res Result
	if provider == nil {
		return res, fmt.Errorf("fx: rate provider required")
	}
	if asOf.IsZero() {
		return res, fmt.Errorf("fx: as-of date is required")
	}
	res.AsOf = truncateDay(asOf)
	res.Available = make(map[string]Rate, len(pairs))
	res.Gaps = make([]Pair, 0)
	seen := make(map[string]Pair, len(pairs))
	for _, p := range pairs {
		p = Pair{From: money.Normalize(p.From), To: money.Normalize(p.To)}
		if p.From == "" || p.To == "" {
			return Result{}, fmt.Errorf("fx: pair currencies required")
		}
		if p.From == p.To {
			continue
		}
		seen[p.String()] = p
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := seen[k]
		res.Checked++
		rate, ok, err := provider.RateOnOrBefore(ctx, p.From, p.To, res.AsOf)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			rate, ok, err = provider.RateOnOrBefore(ctx, p.To, p.From, res.AsOf)
			if err != nil {
				return Result{}, err
			}
		}
		if !ok {
			res.Gaps = append(res.Gaps, p)
			continue
		}
		res.Available[k] = rate
	}
	return res, nil
}
