package ap

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/money"
	"github.com/odyssey-erp/reconciler/internal/procurement"
)

// MatchStatus enumerates three-way match outcomes.
type MatchStatus string

const (
	MatchNotRequired MatchStatus = "NOT_REQUIRED"
	MatchMatched     MatchStatus = "MATCHED"
	MatchVariance    MatchStatus = "VARIANCE"
	MatchFailed      MatchStatus = "FAILED"
)

// Issue labels a line-level discrepancy.
type Issue string

const (
	IssueQuantityOver     Issue = "QUANTITY_EXCEEDS_RECEIPT"
	IssueQuantityUnder    Issue = "QUANTITY_BELOW_RECEIPT"
	IssuePriceOver        Issue = "PRICE_EXCEEDS_EXPECTED"
	IssuePriceUnder       Issue = "PRICE_BELOW_EXPECTED"
	IssueQuantityAndPrice Issue = "QUANTITY_AND_PRICE"
	IssueAmount           Issue = "AMOUNT_DIFFERS"
	IssueNoPriceSource    Issue = "NO_PRICE_SOURCE"
	IssueUnmatchedInvoice Issue = "UNMATCHED_INVOICE_LINE"
	IssueUnmatchedReceipt Issue = "UNMATCHED_RECEIPT_LINE"
)

// MatchLine details one discrepant line. Invoice- and receipt-side fields are
// zero for the side that is missing.
type MatchLine struct {
	InvoiceLineNo     int             `json:"invoice_line_no"`
	ReceiptLineNo     int             `json:"receipt_line_no"`
	POLineRef         *int64          `json:"po_line_ref,omitempty"`
	Issue             Issue           `json:"issue"`
	InvoiceQuantity   decimal.Decimal `json:"invoice_quantity"`
	ReceiptQuantity   decimal.Decimal `json:"receipt_quantity"`
	InvoiceUnitPrice  decimal.Decimal `json:"invoice_unit_price"`
	ExpectedUnitPrice decimal.Decimal `json:"expected_unit_price"`
	QuantityVariance  decimal.Decimal `json:"quantity_variance"`
	PriceVariance     decimal.Decimal `json:"price_variance"`
	InvoiceValue      decimal.Decimal `json:"invoice_value"`
	ExpectedValue     decimal.Decimal `json:"expected_value"`
	VarianceAmount    decimal.Decimal `json:"variance_amount"`
	VariancePct       decimal.Decimal `json:"variance_pct"`
}

// MatchResult is the outcome of one matching run. Results are replaced on
// every run, never merged.
type MatchResult struct {
	InvoiceID      int64           `json:"invoice_id"`
	Status         MatchStatus     `json:"status"`
	VarianceAmount decimal.Decimal `json:"variance_amount"`
	GrossVariance  decimal.Decimal `json:"gross_variance"`
	TolerancePct   decimal.Decimal `json:"tolerance_pct"`
	Notes          string          `json:"notes,omitempty"`
	Lines          []MatchLine     `json:"lines"`
}

// ErrToleranceRequired indicates a missing or negative hard tolerance.
var ErrToleranceRequired = errors.New("ap: match hard tolerance must be configured and non-negative")

// Matcher reconciles invoices against goods receipts and purchase orders.
type Matcher struct {
	units     money.Units
	tolerance decimal.Decimal
}

// NewMatcher constructs a Matcher with a hard tolerance in percent. A line
// whose |variance %| is greater than the tolerance fails the match.
func NewMatcher(units money.Units, tolerancePct decimal.Decimal) (*Matcher, error) {
	if tolerancePct.IsNegative() {
		return nil, ErrToleranceRequired
	}
	return &Matcher{units: units, tolerance: tolerancePct}, nil
}

// Tolerance returns the configured hard tolerance in percent.
func (m *Matcher) Tolerance() decimal.Decimal {
	return m.tolerance
}

// Match compares inv with receipt, falling back to order for expected prices.
// It is a pure function of its inputs.
func (m *Matcher) Match(inv Invoice, order *procurement.PurchaseOrder, receipt *procurement.GoodsReceipt) MatchResult {
	result := MatchResult{InvoiceID: inv.ID, TolerancePct: m.tolerance}
	if receipt == nil {
		result.Status = MatchNotRequired
		result.Notes = "no goods receipt linked"
		return result
	}

	used := make([]bool, len(receipt.Lines))
	for idx, line := range inv.Lines {
		ri := pairReceiptLine(line, idx, receipt.Lines, used)
		if ri < 0 {
			result.Lines = append(result.Lines, m.unmatchedInvoiceLine(inv.Currency, line))
			continue
		}
		used[ri] = true
		if detail, ok := m.compare(inv.Currency, line, receipt.Lines[ri], order); ok {
			result.Lines = append(result.Lines, detail)
		}
	}
	for ri, rl := range receipt.Lines {
		if !used[ri] {
			result.Lines = append(result.Lines, m.unmatchedReceiptLine(inv.Currency, rl, order))
		}
	}

	result.Status = MatchMatched
	if len(result.Lines) > 0 {
		result.Status = MatchVariance
	}
	for _, l := range result.Lines {
		result.VarianceAmount = result.VarianceAmount.Add(l.VarianceAmount)
		result.GrossVariance = result.GrossVariance.Add(l.VarianceAmount.Abs())
		if m.beyondTolerance(l) {
			result.Status = MatchFailed
		}
	}
	switch result.Status {
	case MatchFailed:
		result.Notes = "variance beyond hard tolerance"
	case MatchVariance:
		result.Notes = "variance within hard tolerance"
	default:
		result.Notes = "invoice matches receipt"
	}
	return result
}

// pairReceiptLine pairs by explicit order line reference when the invoice
// line carries one and some receipt line has it, and by position otherwise.
// Positional pairing never takes a receipt line referencing another order
// line.
func pairReceiptLine(line InvoiceLine, idx int, lines []procurement.ReceiptLine, used []bool) int {
	if line.POLineRef != nil {
		for ri, rl := range lines {
			if !used[ri] && rl.POLineRef != nil && *rl.POLineRef == *line.POLineRef {
				return ri
			}
		}
	}
	if idx >= len(lines) || used[idx] {
		return -1
	}
	if ref := lines[idx].POLineRef; line.POLineRef != nil && ref != nil && *ref != *line.POLineRef {
		return -1
	}
	return idx
}

// expectedPrice prefers a nonzero receipt price, then the referenced order
// line price. ok is false when neither source has a price.
func expectedPrice(rl procurement.ReceiptLine, invRef *int64, order *procurement.PurchaseOrder) (decimal.Decimal, bool) {
	if !rl.UnitPrice.IsZero() {
		return rl.UnitPrice, true
	}
	ref := rl.POLineRef
	if ref == nil {
		ref = invRef
	}
	if order != nil && ref != nil {
		if ol, ok := order.Line(*ref); ok && !ol.UnitPrice.IsZero() {
			return ol.UnitPrice, true
		}
	}
	return decimal.Zero, false
}

func (m *Matcher) compare(currency string, line InvoiceLine, rl procurement.ReceiptLine, order *procurement.PurchaseOrder) (MatchLine, bool) {
	price, priced := expectedPrice(rl, line.POLineRef, order)
	d := MatchLine{
		InvoiceLineNo:     line.LineNo,
		ReceiptLineNo:     rl.LineNo,
		POLineRef:         firstRef(line.POLineRef, rl.POLineRef),
		InvoiceQuantity:   line.Quantity,
		ReceiptQuantity:   rl.Quantity,
		InvoiceUnitPrice:  line.UnitPrice,
		ExpectedUnitPrice: price,
		QuantityVariance:  line.Quantity.Sub(rl.Quantity),
		PriceVariance:     line.UnitPrice.Sub(price),
		InvoiceValue:      line.Net(m.units, currency),
		ExpectedValue:     m.units.Round(rl.Quantity.Mul(price), currency),
	}
	d.VarianceAmount = d.InvoiceValue.Sub(d.ExpectedValue)
	d.VariancePct = variancePct(d.VarianceAmount, d.ExpectedValue)

	qty, prc := d.QuantityVariance.Sign(), d.PriceVariance.Sign()
	switch {
	case !priced:
		d.Issue = IssueNoPriceSource
	case qty != 0 && prc != 0:
		d.Issue = IssueQuantityAndPrice
	case qty > 0:
		d.Issue = IssueQuantityOver
	case qty < 0:
		d.Issue = IssueQuantityUnder
	case prc > 0:
		d.Issue = IssuePriceOver
	case prc < 0:
		d.Issue = IssuePriceUnder
	case !d.VarianceAmount.IsZero():
		d.Issue = IssueAmount
	default:
		return MatchLine{}, false
	}
	return d, true
}

func (m *Matcher) unmatchedInvoiceLine(currency string, line InvoiceLine) MatchLine {
	value := line.Net(m.units, currency)
	return MatchLine{
		InvoiceLineNo:    line.LineNo,
		POLineRef:        line.POLineRef,
		Issue:            IssueUnmatchedInvoice,
		InvoiceQuantity:  line.Quantity,
		InvoiceUnitPrice: line.UnitPrice,
		QuantityVariance: line.Quantity,
		PriceVariance:    line.UnitPrice,
		InvoiceValue:     value,
		VarianceAmount:   value,
		VariancePct:      variancePct(value, decimal.Zero),
	}
}

func (m *Matcher) unmatchedReceiptLine(currency string, rl procurement.ReceiptLine, order *procurement.PurchaseOrder) MatchLine {
	price, _ := expectedPrice(rl, nil, order)
	expected := m.units.Round(rl.Quantity.Mul(price), currency)
	return MatchLine{
		ReceiptLineNo:     rl.LineNo,
		POLineRef:         rl.POLineRef,
		Issue:             IssueUnmatchedReceipt,
		ReceiptQuantity:   rl.Quantity,
		ExpectedUnitPrice: price,
		QuantityVariance:  rl.Quantity.Neg(),
		PriceVariance:     price.Neg(),
		ExpectedValue:     expected,
		VarianceAmount:    expected.Neg(),
		VariancePct:       variancePct(expected.Neg(), expected),
	}
}

// beyondTolerance compares the exact variance ratio of l against the hard
// tolerance; VariancePct is rounded for display only.
func (m *Matcher) beyondTolerance(l MatchLine) bool {
	return rawVariancePct(l.VarianceAmount, l.ExpectedValue).Abs().GreaterThan(m.tolerance)
}

// variancePct is variance/expected*100 to four places.
func variancePct(variance, expected decimal.Decimal) decimal.Decimal {
	return rawVariancePct(variance, expected).Round(4)
}

// rawVariancePct is variance/expected*100. With no expected value a nonzero
// variance counts as a full 100% in its direction.
func rawVariancePct(variance, expected decimal.Decimal) decimal.Decimal {
	if expected.IsZero() {
		return hundred.Mul(decimal.NewFromInt(int64(variance.Sign())))
	}
	return variance.Mul(hundred).DivRound(expected, 16)
}

func firstRef(refs ...*int64) *int64 {
	for _, r := range refs {
		if r != nil {
			return r
		}
	}
	return nil
}
