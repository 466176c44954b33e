package procurement

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/workflow"
)

// ReceiptState summarizes how much of an order has been received.
type ReceiptState string

const (
	ReceiptNone    ReceiptState = "NONE"
	ReceiptPartial ReceiptState = "PARTIAL"
	ReceiptFull    ReceiptState = "FULL"
)

// LineProgress is the received quantity for one order line.
type LineProgress struct {
	POLineID int64
	Ordered  decimal.Decimal
	Received decimal.Decimal
}

// Outstanding is the quantity still to be received, never negative.
func (p LineProgress) Outstanding() decimal.Decimal {
	if rem := p.Ordered.Sub(p.Received); rem.IsPositive() {
		return rem
	}
	return decimal.Zero
}

// Progress aggregates receipts against an order.
type Progress struct {
	State ReceiptState
	Lines []LineProgress
}

// Action maps progress to the lifecycle action that records it. ok is false
// when nothing has been received yet.
func (p Progress) Action() (workflow.Action, bool) {
	switch p.State {
	case ReceiptPartial:
		return workflow.ActionReceivePartial, true
	case ReceiptFull:
		return workflow.ActionReceiveFull, true
	}
	return "", false
}

// ComputeProgress sums receipt quantities per referenced order line. Receipt
// lines without a reference are ignored.
func ComputeProgress(order PurchaseOrder, receipts []GoodsReceipt) Progress {
	received := make(map[int64]decimal.Decimal, len(order.Lines))
	for _, r := range receipts {
		for _, l := range r.Lines {
			if l.POLineRef == nil {
				continue
			}
			received[*l.POLineRef] = received[*l.POLineRef].Add(l.Quantity)
		}
	}
	out := Progress{State: ReceiptNone}
	anyReceived, allReceived := false, len(order.Lines) > 0
	for _, line := range order.Lines {
		lp := LineProgress{POLineID: line.ID, Ordered: line.Quantity, Received: received[line.ID]}
		if lp.Received.IsPositive() {
			anyReceived = true
		}
		if lp.Received.LessThan(lp.Ordered) {
			allReceived = false
		}
		out.Lines = append(out.Lines, lp)
	}
	switch {
	case anyReceived && allReceived:
		out.State = ReceiptFull
	case anyReceived:
		out.State = ReceiptPartial
	}
	return out
}
