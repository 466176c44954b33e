package ap

import (
	"context"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/fx"
	"github.com/odyssey-erp/reconciler/internal/shared"
	"github.com/odyssey-erp/reconciler/internal/workflow"
)

// Balancer applies payments to invoices under the outstanding-balance and
// payment-total invariants.
type Balancer struct {
	converter *fx.Converter
}

// NewBalancer constructs a Balancer.
func NewBalancer(converter *fx.Converter) *Balancer {
	return &Balancer{converter: converter}
}

// AllocationPlan is the complete set of writes produced by one batch.
type AllocationPlan struct {
	Allocations []Allocation
	// Invoices holds every affected invoice with Allocated and PaymentStatus
	// recomputed, ordered by id.
	Invoices []Invoice
}

// Allocate validates selections against the invoices' outstanding balances
// and the payment total. Either every selection is accepted or an error is
// returned and nothing should be persisted. invoices must contain every
// selected invoice with Allocated reflecting all prior allocations.
func (b *Balancer) Allocate(ctx context.Context, payment Payment, selections []Selection, invoices map[int64]Invoice) (AllocationPlan, error) {
	if payment.Deleted || payment.Status == workflow.StatusCancelled {
		return AllocationPlan{}, shared.NewStateError("payment", payment.ID, "allocate", string(payment.Status))
	}
	if len(selections) == 0 {
		return AllocationPlan{}, shared.NewValidationError("selections", "at least one selection required")
	}
	units := b.converter.Units()
	verr := &shared.ValidationError{}
	pending := make(map[int64]decimal.Decimal)
	var allocations []Allocation
	totalAllocated := decimal.Zero
	seq := len(payment.Allocations)
	for idx, sel := range selections {
		field := fmt.Sprintf("selections[%d].amount", idx)
		inv, ok := invoices[sel.InvoiceID]
		if !ok || inv.Deleted {
			return AllocationPlan{}, shared.NewNotFound("invoice", sel.InvoiceID)
		}
		if !inv.IsPosted() || inv.IsCancelled() {
			return AllocationPlan{}, shared.NewStateError("invoice", inv.ID, "allocate", string(inv.Status))
		}
		amount := units.Round(sel.Amount, inv.Currency)
		if !amount.IsPositive() {
			verr.Add(field, "must be greater than zero")
			continue
		}
		outstanding := inv.Outstanding().Sub(pending[inv.ID])
		if units.Exceeds(amount, outstanding, inv.Currency) {
			verr.Add(field, "%s exceeds outstanding %s on invoice %s", amount.String(), outstanding.String(), inv.Number)
			continue
		}
		converted, err := b.converter.Convert(ctx, amount, inv.Currency, payment.Currency, payment.PaidAt)
		if err != nil {
			return AllocationPlan{}, err
		}
		pending[inv.ID] = pending[inv.ID].Add(amount)
		totalAllocated = totalAllocated.Add(converted.BaseValue)
		seq++
		allocations = append(allocations, Allocation{
			PaymentID:     payment.ID,
			InvoiceID:     inv.ID,
			Seq:           seq,
			Amount:        amount,
			Currency:      inv.Currency,
			PaymentAmount: converted.BaseValue,
			Rate:          converted.Rate,
		})
	}
	if err := verr.OrNil(); err != nil {
		return AllocationPlan{}, err
	}
	committed := payment.Allocated().Add(totalAllocated)
	if units.Exceeds(committed, payment.Amount, payment.Currency) {
		return AllocationPlan{}, shared.NewValidationError("selections", "total allocated %s exceeds payment amount %s %s", committed.String(), payment.Amount.String(), payment.Currency)
	}
	updated, err := b.apply(invoices, pending)
	if err != nil {
		return AllocationPlan{}, err
	}
	return AllocationPlan{Allocations: allocations, Invoices: updated}, nil
}

// ClearPayment removes every allocation of payment and recomputes the
// affected invoices from the allocations that remain.
func (b *Balancer) ClearPayment(payment Payment, invoices map[int64]Invoice) (AllocationPlan, error) {
	removed := make(map[int64]decimal.Decimal)
	for _, a := range payment.Allocations {
		if _, ok := invoices[a.InvoiceID]; !ok {
			return AllocationPlan{}, shared.NewNotFound("invoice", a.InvoiceID)
		}
		removed[a.InvoiceID] = removed[a.InvoiceID].Sub(a.Amount)
	}
	updated, err := b.apply(invoices, removed)
	if err != nil {
		return AllocationPlan{}, err
	}
	return AllocationPlan{Invoices: updated}, nil
}

// apply adds deltas to the invoices' Allocated. An invoice whose Allocated
// would go negative has drifted from its allocation rows and fails the plan.
func (b *Balancer) apply(invoices map[int64]Invoice, deltas map[int64]decimal.Decimal) ([]Invoice, error) {
	units := b.converter.Units()
	out := make([]Invoice, 0, len(deltas))
	for id, delta := range deltas {
		inv := invoices[id]
		inv.Allocated = inv.Allocated.Add(delta)
		if inv.Allocated.IsNegative() {
			return nil, fmt.Errorf("ap: invoice %s allocated %s %s would go negative: %w", inv.Number, inv.Allocated.String(), inv.Currency, shared.ErrState)
		}
		inv.PaymentStatus = DerivePaymentStatus(units, inv.Currency, inv.Total, inv.Allocated)
		out = append(out, inv)
	}
	slices.SortFunc(out, func(a, b Invoice) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}
