package reconcile

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/odyssey-erp/reconciler/internal/ap"
	"github.com/odyssey-erp/reconciler/internal/procurement"
	"github.com/odyssey-erp/reconciler/internal/shared"
	"github.com/odyssey-erp/reconciler/internal/workflow"
)

// EditResult reports the effect of an edit on the document lifecycle.
type EditResult struct {
	Status   workflow.Status
	Instance *workflow.Instance
}

// EditDocument records that the caller is about to mutate ref. Submitted or
// approved documents return to PENDING_APPROVAL under a fresh approval
// instance; rejected documents return to DRAFT; posted documents are immutable.
// Invoices are rematched before the new instance starts and a FAILED match
// aborts the edit.
func (e *Engine) EditDocument(ctx context.Context, ref workflow.DocumentRef, actor string) (res EditResult, err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "edit", start, err, slog.String("document", ref.String())) }()

	err = e.locked(ctx, documentKeys(ref), func(ctx context.Context, tx TxRepository) error {
		doc, err := lockLiveDocument(ctx, tx, ref)
		if err != nil {
			return err
		}
		tr, err := e.machine.Apply(ref, doc.Status, workflow.ActionEdit)
		if err != nil {
			return err
		}
		res.Status = tr.To
		if !tr.ResetApproval {
			if tr.To == tr.From {
				return nil
			}
			return tx.UpdateDocumentStatus(ctx, ref, tr.To)
		}
		if err := e.discardApproval(ctx, tx, ref, actor, "document edited"); err != nil {
			return err
		}
		if ref.Type == workflow.DocInvoice {
			inv, err := e.rematch(ctx, tx, ref.ID)
			if err != nil {
				return err
			}
			doc.Amount = inv.Total
		}
		inst, err := e.startApproval(ctx, tx, doc, tr.To, actor, workflow.LogSubmit, "resubmitted after edit")
		if err != nil {
			return err
		}
		res.Instance = &inst
		if inst.Status == workflow.InstanceApproved {
			res.Status = workflow.StatusApproved
		}
		return nil
	})
	if err != nil {
		return EditResult{}, err
	}
	e.record(ctx, shared.NewAuditLog(actor, "EDIT", strings.ToLower(string(ref.Type)), ref.ID, map[string]any{"status": string(res.Status)}))
	return res, nil
}

// discardApproval cancels the in-progress approval instance of ref, if any.
func (e *Engine) discardApproval(ctx context.Context, tx TxRepository, ref workflow.DocumentRef, actor, reason string) error {
	open, ok, err := tx.OpenInstance(ctx, ref)
	if err != nil || !ok {
		return err
	}
	now := e.now()
	if err := tx.SaveInstance(ctx, workflow.Cancel(open, reason, now)); err != nil {
		return err
	}
	return tx.AppendApprovalLog(ctx, workflow.ApprovalLog{Document: ref, InstanceID: open.ID, Actor: actor, Action: workflow.LogCancel, Note: reason, At: now})
}

// Confirm releases an APPROVED purchase order to the supplier.
func (e *Engine) Confirm(ctx context.Context, ref workflow.DocumentRef, actor string) (workflow.Status, error) {
	return e.transition(ctx, "confirm", ref, actor, workflow.ActionConfirm, nil)
}

// Reopen returns a REJECTED document to DRAFT.
func (e *Engine) Reopen(ctx context.Context, ref workflow.DocumentRef, actor string) (workflow.Status, error) {
	return e.transition(ctx, "reopen", ref, actor, workflow.ActionReopen, nil)
}

// CancelDelivery reverts a CONFIRMED purchase order to APPROVED.
func (e *Engine) CancelDelivery(ctx context.Context, ref workflow.DocumentRef, actor, reason string) (workflow.Status, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", shared.NewValidationError("reason", "cancelling a delivery requires a reason")
	}
	return e.transition(ctx, "cancel_delivery", ref, actor, workflow.ActionCancelDelivery, func(ctx context.Context, tx TxRepository, _ Document) error {
		return tx.SetCancelReason(ctx, ref, reason)
	})
}

// Close completes a document. Invoices close only once fully paid.
func (e *Engine) Close(ctx context.Context, ref workflow.DocumentRef, actor string) (workflow.Status, error) {
	return e.transition(ctx, "close", ref, actor, workflow.ActionClose, func(ctx context.Context, tx TxRepository, doc Document) error {
		if ref.Type != workflow.DocInvoice {
			return nil
		}
		inv, err := e.lockInvoice(ctx, tx, ref.ID)
		if err != nil {
			return err
		}
		if inv.PaymentStatus != ap.Paid {
			return shared.NewStateError("invoice", ref.ID, "close", string(inv.PaymentStatus))
		}
		return nil
	})
}

// Cancel abandons a document. Posted documents and documents carrying
// allocations cannot be cancelled; an in-progress approval is discarded.
func (e *Engine) Cancel(ctx context.Context, ref workflow.DocumentRef, actor, reason string) (workflow.Status, error) {
	return e.transition(ctx, "cancel", ref, actor, workflow.ActionCancel, func(ctx context.Context, tx TxRepository, doc Document) error {
		if doc.Status == workflow.StatusPosted {
			return shared.NewStateError(strings.ToLower(string(ref.Type)), ref.ID, "cancel", string(doc.Status))
		}
		switch ref.Type {
		case workflow.DocInvoice:
			inv, err := e.lockInvoice(ctx, tx, ref.ID)
			if err != nil {
				return err
			}
			if inv.Allocated.IsPositive() {
				return shared.NewStateError("invoice", ref.ID, "cancel", string(inv.PaymentStatus))
			}
		case workflow.DocPayment:
			pay, err := tx.LockPayment(ctx, ref.ID)
			if err != nil {
				return err
			}
			if len(pay.Allocations) > 0 {
				return shared.NewStateError("payment", ref.ID, "cancel", "ALLOCATED")
			}
		}
		if reason = strings.TrimSpace(reason); reason != "" {
			if err := tx.SetCancelReason(ctx, ref, reason); err != nil {
				return err
			}
		}
		return e.discardApproval(ctx, tx, ref, actor, "document cancelled")
	})
}

// Delete soft-deletes a DRAFT document.
func (e *Engine) Delete(ctx context.Context, ref workflow.DocumentRef, actor string) (err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "delete", start, err, slog.String("document", ref.String())) }()

	err = e.locked(ctx, documentKeys(ref), func(ctx context.Context, tx TxRepository) error {
		doc, err := lockLiveDocument(ctx, tx, ref)
		if err != nil {
			return err
		}
		if !e.machine.CanDelete(doc.Status) {
			return shared.NewStateError(strings.ToLower(string(ref.Type)), ref.ID, "delete", string(doc.Status))
		}
		return tx.MarkDeleted(ctx, ref)
	})
	if err != nil {
		return err
	}
	e.record(ctx, shared.NewAuditLog(actor, "DELETE", strings.ToLower(string(ref.Type)), ref.ID, nil))
	return nil
}

// UpdateReceiptProgress moves a confirmed purchase order through
// PARTIALLY_RECEIVED and RECEIVED from its goods receipts.
func (e *Engine) UpdateReceiptProgress(ctx context.Context, orderID int64, actor string) (progress procurement.Progress, status workflow.Status, err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "receipt_progress", start, err, slog.Int64("order_id", orderID)) }()

	ref := workflow.DocumentRef{Type: workflow.DocPurchaseOrder, ID: orderID}
	err = e.locked(ctx, documentKeys(ref), func(ctx context.Context, tx TxRepository) error {
		doc, err := lockLiveDocument(ctx, tx, ref)
		if err != nil {
			return err
		}
		order, err := tx.GetPurchaseOrder(ctx, orderID)
		if err != nil {
			return err
		}
		receipts, err := tx.ListReceiptsForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		progress = procurement.ComputeProgress(order, receipts)
		status = doc.Status
		action, ok := progress.Action()
		if !ok || doc.Status == workflow.StatusReceived || doc.Status == workflow.StatusClosed {
			return nil
		}
		tr, err := e.machine.Apply(ref, doc.Status, action)
		if err != nil {
			return err
		}
		status = tr.To
		if tr.To == tr.From {
			return nil
		}
		return tx.UpdateDocumentStatus(ctx, ref, tr.To)
	})
	return progress, status, err
}

type transitionGuard func(ctx context.Context, tx TxRepository, doc Document) error

// transition applies a plain lifecycle action guarded by an optional check.
func (e *Engine) transition(ctx context.Context, op string, ref workflow.DocumentRef, actor string, action workflow.Action, guard transitionGuard) (status workflow.Status, err error) {
	start := time.Now()
	defer func() { e.finish(ctx, op, start, err, slog.String("document", ref.String())) }()

	err = e.locked(ctx, documentKeys(ref), func(ctx context.Context, tx TxRepository) error {
		doc, err := lockLiveDocument(ctx, tx, ref)
		if err != nil {
			return err
		}
		tr, err := e.machine.Apply(ref, doc.Status, action)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(ctx, tx, doc); err != nil {
				return err
			}
		}
		status = tr.To
		return tx.UpdateDocumentStatus(ctx, ref, tr.To)
	})
	if err != nil {
		return "", err
	}
	e.record(ctx, shared.NewAuditLog(actor, strings.ToUpper(op), strings.ToLower(string(ref.Type)), ref.ID, map[string]any{"status": string(status)}))
	return status, nil
}

func documentKeys(ref workflow.DocumentRef) []string {
	switch ref.Type {
	case workflow.DocInvoice:
		return []string{shared.FinanceLockKey(shared.LockInvoice, ref.ID)}
	case workflow.DocPayment:
		return []string{shared.FinanceLockKey(shared.LockPayment, ref.ID)}
	}
	return []string{shared.FinanceLockKey(shared.LockDocument, ref.String())}
}

func lockLiveDocument(ctx context.Context, tx TxRepository, ref workflow.DocumentRef) (Document, error) {
	doc, err := tx.LockDocument(ctx, ref)
	if err != nil {
		return Document{}, err
	}
	if doc.Deleted {
		return Document{}, shared.NewNotFound(strings.ToLower(string(ref.Type)), ref.ID)
	}
	return doc, nil
}

// lockInvoices locks invoices in ascending id order.
func (e *Engine) lockInvoices(ctx context.Context, tx TxRepository, ids []int64) (map[int64]ap.Invoice, error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	out := make(map[int64]ap.Invoice, len(ids))
	for _, id := range ids {
		inv, err := e.lockInvoice(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out[id] = inv
	}
	return out, nil
}

// lockInvoice locks invoice id and rederives its totals from the lines and
// its allocated amount from the allocation rows. Stored figures that drifted
// are rewritten before anything reads them.
func (e *Engine) lockInvoice(ctx context.Context, tx TxRepository, id int64) (ap.Invoice, error) {
	inv, err := tx.LockInvoice(ctx, id)
	if err != nil {
		return ap.Invoice{}, err
	}
	allocated, err := tx.InvoiceAllocated(ctx, id)
	if err != nil {
		return ap.Invoice{}, err
	}
	stored := inv
	inv.Recalculate(e.units)
	inv.Allocated = allocated
	inv.PaymentStatus = ap.DerivePaymentStatus(e.units, inv.Currency, inv.Total, inv.Allocated)
	if stored.Total.Equal(inv.Total) && stored.Subtotal.Equal(inv.Subtotal) && stored.TaxAmount.Equal(inv.TaxAmount) &&
		stored.Allocated.Equal(inv.Allocated) && stored.PaymentStatus == inv.PaymentStatus {
		return inv, nil
	}
	e.logger.WarnContext(ctx, "invoice figures rederived",
		slog.Int64("invoice_id", id),
		slog.String("stored_total", stored.Total.String()),
		slog.String("total", inv.Total.String()),
		slog.String("stored_allocated", stored.Allocated.String()),
		slog.String("allocated", inv.Allocated.String()))
	if err := tx.UpdateInvoiceSettlement(ctx, inv); err != nil {
		return ap.Invoice{}, err
	}
	return inv, nil
}

func selectionInvoiceIDs(selections []ap.Selection) []int64 {
	ids := make([]int64, 0, len(selections))
	for _, s := range selections {
		ids = append(ids, s.InvoiceID)
	}
	return ids
}

// matchSources loads the receipt linked to inv and the order referenced by
// the invoice or, failing that, by the receipt.
func (e *Engine) matchSources(ctx context.Context, tx TxRepository, inv ap.Invoice) (*procurement.PurchaseOrder, *procurement.GoodsReceipt, error) {
	var receipt *procurement.GoodsReceipt
	if inv.ReceiptID != nil {
		grn, err := tx.GetGoodsReceipt(ctx, *inv.ReceiptID)
		if err != nil {
			return nil, nil, err
		}
		receipt = &grn
	}
	orderID := inv.OrderID
	if orderID == nil && receipt != nil {
		orderID = receipt.OrderID
	}
	if orderID == nil {
		return nil, receipt, nil
	}
	po, err := tx.GetPurchaseOrder(ctx, *orderID)
	if err != nil {
		return nil, nil, err
	}
	return &po, receipt, nil
}
