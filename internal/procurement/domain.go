// Package procurement models purchase orders, requisitions and goods receipts
// as inputs to matching and approval.
package procurement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/workflow"
)

// Requisition is an internal purchase request.
type Requisition struct {
	ID          int64
	Number      string
	Currency    string
	Total       decimal.Decimal
	RequestedAt time.Time
	Status      workflow.Status
	Deleted     bool
}

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID           int64
	Number       string
	Currency     string
	OrderedAt    time.Time
	Status       workflow.Status
	CancelReason string
	Deleted      bool
	Lines        []POLine
}

// POLine represents PO lines.
type POLine struct {
	ID          int64
	LineNo      int
	ItemID      *int64
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// Total is the recomputed order value.
func (po PurchaseOrder) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range po.Lines {
		total = total.Add(l.Quantity.Mul(l.UnitPrice))
	}
	return total
}

// Line looks up an order line by id.
func (po PurchaseOrder) Line(id int64) (POLine, bool) {
	for _, l := range po.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return POLine{}, false
}

// GoodsReceipt domain model.
type GoodsReceipt struct {
	ID         int64
	Number     string
	OrderID    *int64
	ReceivedAt time.Time
	Lines      []ReceiptLine
}

// ReceiptLine describes received goods. POLineRef points at the order line
// the goods were received against.
type ReceiptLine struct {
	ID        int64
	LineNo    int
	POLineRef *int64
	ItemID    *int64
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// ByOrderLine returns the first receipt line received against poLineID.
func (g GoodsReceipt) ByOrderLine(poLineID int64) (ReceiptLine, bool) {
	for _, l := range g.Lines {
		if l.POLineRef != nil && *l.POLineRef == poLineID {
			return l, true
		}
	}
	return ReceiptLine{}, false
}
