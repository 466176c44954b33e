package fx

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/reconciler/internal/money"
)

// Table is an in-memory RateProvider.
type Table struct {
	mu    sync.RWMutex
	rates map[string][]Rate
}

// NewTable seeds a table with rates.
func NewTable(rates ...Rate) *Table {
	t := &Table{rates: make(map[string][]Rate)}
	for _, r := range rates {
		t.Add(r)
	}
	return t
}

// Add inserts a rate, keeping each pair ordered by effective date.
func (t *Table) Add(r Rate) {
	r.From, r.To = money.Normalize(r.From), money.Normalize(r.To)
	r.EffectiveDate = truncateDay(r.EffectiveDate)
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pairKey(r.From, r.To)
	list := append(t.rates[key], r)
	sort.SliceStable(list, func(i, j int) bool { return list[i].EffectiveDate.Before(list[j].EffectiveDate) })
	t.rates[key] = list
}

// RateOnOrBefore implements RateProvider.
func (t *Table) RateOnOrBefore(_ context.Context, from, to string, asOf time.Time) (Rate, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.rates[pairKey(money.Normalize(from), money.Normalize(to))]
	day := truncateDay(asOf)
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].EffectiveDate.After(day) {
			return list[i], true, nil
		}
	}
	return Rate{}, false, nil
}

func pairKey(from, to string) string {
	return from + to
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
