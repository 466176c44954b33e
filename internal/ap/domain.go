// Package ap holds supplier invoices and payments, the allocation balancer
// that applies payments to invoices, and the three-way match engine.
package ap

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/accounting"
	"github.com/odyssey-erp/reconciler/internal/money"
	"github.com/odyssey-erp/reconciler/internal/workflow"
)

// PaymentStatus enumerates invoice settlement states.
type PaymentStatus string

const (
	Unpaid        PaymentStatus = "UNPAID"
	PartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	Paid          PaymentStatus = "PAID"
)

// ApprovalStatus is the approval view of an invoice lifecycle status.
type ApprovalStatus string

const (
	ApprovalDraft   ApprovalStatus = "DRAFT"
	ApprovalPending ApprovalStatus = "PENDING_APPROVAL"
	ApprovalDone    ApprovalStatus = "APPROVED"
	ApprovalDenied  ApprovalStatus = "REJECTED"
)

var hundred = decimal.NewFromInt(100)

// Invoice model. Subtotal, TaxAmount and Total are recomputed from lines;
// Allocated is the sum of every allocation applied to the invoice.
type Invoice struct {
	ID            int64
	Number        string
	Currency      string
	InvoiceDate   time.Time
	DueAt         time.Time
	OrderID       *int64
	ReceiptID     *int64
	Status        workflow.Status
	Lines         []InvoiceLine
	Subtotal      decimal.Decimal
	TaxAmount     decimal.Decimal
	Total         decimal.Decimal
	Allocated     decimal.Decimal
	PaymentStatus PaymentStatus
	PostedAt      *time.Time
	Deleted       bool
}

// InvoiceLine represents a line item on an AP invoice. TaxRate is a percentage.
type InvoiceLine struct {
	ID             int64
	LineNo         int
	Description    string
	ItemID         *int64
	Classification accounting.Classification
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	TaxRate        *decimal.Decimal
	POLineRef      *int64
}

// Class routes the line to inventory when it references a catalog item and
// to expense otherwise, unless an explicit classification was recorded.
func (l InvoiceLine) Class() accounting.Classification {
	if l.Classification != "" {
		return l.Classification
	}
	if l.ItemID != nil {
		return accounting.ClassInventory
	}
	return accounting.ClassExpense
}

// Net is the pre-tax line total rounded to the invoice currency.
func (l InvoiceLine) Net(units money.Units, currency string) decimal.Decimal {
	return units.Round(l.Quantity.Mul(l.UnitPrice), currency)
}

// Tax is the line tax rounded to the invoice currency.
func (l InvoiceLine) Tax(units money.Units, currency string) decimal.Decimal {
	if l.TaxRate == nil || l.TaxRate.IsZero() {
		return decimal.Zero
	}
	return units.Round(l.Net(units, currency).Mul(*l.TaxRate).Div(hundred), currency)
}

// Recalculate derives subtotal, tax and total from the lines.
func (inv *Invoice) Recalculate(units money.Units) {
	inv.Subtotal, inv.TaxAmount = decimal.Zero, decimal.Zero
	for _, l := range inv.Lines {
		inv.Subtotal = inv.Subtotal.Add(l.Net(units, inv.Currency))
		inv.TaxAmount = inv.TaxAmount.Add(l.Tax(units, inv.Currency))
	}
	inv.Total = inv.Subtotal.Add(inv.TaxAmount)
}

// Outstanding is the unallocated remainder of the invoice.
func (inv Invoice) Outstanding() decimal.Decimal {
	return inv.Total.Sub(inv.Allocated)
}

// IsPosted reports whether the invoice reached the ledger.
func (inv Invoice) IsPosted() bool {
	return inv.Status == workflow.StatusPosted || inv.Status == workflow.StatusClosed
}

// IsCancelled reports whether the invoice was cancelled.
func (inv Invoice) IsCancelled() bool {
	return inv.Status == workflow.StatusCancelled
}

// ApprovalStatus derives the approval view from the lifecycle status.
func (inv Invoice) ApprovalStatus() ApprovalStatus {
	switch inv.Status {
	case workflow.StatusDraft, workflow.StatusCancelled:
		return ApprovalDraft
	case workflow.StatusPendingApproval:
		return ApprovalPending
	case workflow.StatusRejected:
		return ApprovalDenied
	}
	return ApprovalDone
}

// Charges converts invoice lines into ledger charges.
func (inv Invoice) Charges(units money.Units) []accounting.Charge {
	out := make([]accounting.Charge, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		out = append(out, accounting.Charge{
			Classification: l.Class(),
			Net:            l.Net(units, inv.Currency),
			Tax:            l.Tax(units, inv.Currency),
			Description:    l.Description,
		})
	}
	return out
}

// Payment model. Amount is the payment total in payment currency.
type Payment struct {
	ID          int64
	Number      string
	Currency    string
	Amount      decimal.Decimal
	PaidAt      time.Time
	Status      workflow.Status
	Allocations []Allocation
	PostedAt    *time.Time
	Deleted     bool
}

// Allocated sums allocations in payment currency.
func (p Payment) Allocated() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Allocations {
		total = total.Add(a.PaymentAmount)
	}
	return total
}

// Unallocated is the part of the payment not yet applied.
func (p Payment) Unallocated() decimal.Decimal {
	return p.Amount.Sub(p.Allocated())
}

// Allocation tracks how a payment is applied to an invoice. Amount is in
// invoice currency, PaymentAmount in payment currency.
type Allocation struct {
	ID            int64
	PaymentID     int64
	InvoiceID     int64
	Seq           int
	Amount        decimal.Decimal
	Currency      string
	PaymentAmount decimal.Decimal
	Rate          decimal.Decimal
	CreatedAt     time.Time
}

// Selection requests amount of the invoice's outstanding balance be settled.
type Selection struct {
	InvoiceID int64
	Amount    decimal.Decimal
}

// DerivePaymentStatus classifies allocated against total in currency.
func DerivePaymentStatus(units money.Units, currency string, total, allocated decimal.Decimal) PaymentStatus {
	switch {
	case !allocated.IsPositive():
		return Unpaid
	case !units.Exceeds(total, allocated, currency):
		return Paid
	default:
		return PartiallyPaid
	}
}
