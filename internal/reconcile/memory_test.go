package reconcile

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/ap"
	"github.com/odyssey-erp/reconciler/internal/procurement"
	"github.com/odyssey-erp/reconciler/internal/shared"
	"github.com/odyssey-erp/reconciler/internal/workflow"
)

type memState struct {
	requisitions map[int64]procurement.Requisition
	orders       map[int64]procurement.PurchaseOrder
	receipts     map[int64]procurement.GoodsReceipt
	invoices     map[int64]ap.Invoice
	payments     map[int64]ap.Payment
	reasons      map[workflow.DocumentRef]string
	matches      map[int64]StoredMatch
	workflows    map[workflow.DocumentType]workflow.Workflow
	instances    map[uuid.UUID]workflow.Instance
	logs         []workflow.ApprovalLog
	dists        []PostedDistribution
	nextAlloc    int64
}

func (s memState) clone() memState {
	out := s
	out.requisitions = maps.Clone(s.requisitions)
	out.orders = maps.Clone(s.orders)
	out.receipts = maps.Clone(s.receipts)
	out.invoices = maps.Clone(s.invoices)
	out.payments = maps.Clone(s.payments)
	out.reasons = maps.Clone(s.reasons)
	out.matches = maps.Clone(s.matches)
	out.workflows = maps.Clone(s.workflows)
	out.instances = maps.Clone(s.instances)
	out.logs = slices.Clone(s.logs)
	out.dists = slices.Clone(s.dists)
	return out
}

// memRepo is a transactional in-memory Repository. Transactions run one at a
// time on a copy that replaces the state only on success.
type memRepo struct {
	mu    sync.RWMutex
	state memState
	txs   int
}

func newMemRepo() *memRepo {
	return &memRepo{state: memState{
		requisitions: map[int64]procurement.Requisition{},
		orders:       map[int64]procurement.PurchaseOrder{},
		receipts:     map[int64]procurement.GoodsReceipt{},
		invoices:     map[int64]ap.Invoice{},
		payments:     map[int64]ap.Payment{},
		reasons:      map[workflow.DocumentRef]string{},
		matches:      map[int64]StoredMatch{},
		workflows:    map[workflow.DocumentType]workflow.Workflow{},
		instances:    map[uuid.UUID]workflow.Instance{},
	}}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := &memTx{s: r.state.clone()}
	if err := fn(ctx, work); err != nil {
		return err
	}
	r.state = work.s
	r.txs++
	return nil
}

func (r *memRepo) read() *memTx {
	return &memTx{s: r.state}
}

func (r *memRepo) GetDocument(ctx context.Context, ref workflow.DocumentRef) (Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().LockDocument(ctx, ref)
}

func (r *memRepo) GetInvoice(ctx context.Context, id int64) (ap.Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().LockInvoice(ctx, id)
}

func (r *memRepo) GetPayment(ctx context.Context, id int64) (ap.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().LockPayment(ctx, id)
}

func (r *memRepo) GetInstance(ctx context.Context, id uuid.UUID) (workflow.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().LockInstance(ctx, id)
}

func (r *memRepo) InstanceIDForStep(_ context.Context, stepID uuid.UUID) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, inst := range r.state.instances {
		if _, ok := inst.Step(stepID); ok {
			return id, nil
		}
	}
	return uuid.Nil, shared.NewNotFound("approval step", stepID)
}

func (r *memRepo) LatestMatch(ctx context.Context, invoiceID int64) (StoredMatch, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().LatestMatch(ctx, invoiceID)
}

func (r *memRepo) ListApprovalLogs(_ context.Context, ref workflow.DocumentRef) ([]workflow.ApprovalLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []workflow.ApprovalLog
	for _, l := range r.state.logs {
		if l.Document == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memRepo) ListInvoicesAwaitingMatch(_ context.Context, limit int) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int64
	for id, inv := range r.state.invoices {
		if inv.Deleted || inv.ReceiptID == nil {
			continue
		}
		switch inv.Status {
		case workflow.StatusDraft, workflow.StatusPendingApproval, workflow.StatusApproved:
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memRepo) ListDistributions(_ context.Context, since time.Time) ([]PostedDistribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []PostedDistribution
	for _, d := range r.state.dists {
		if !d.PostedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memRepo) ListOpenCurrencies(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := map[string]struct{}{}
	for _, inv := range r.state.invoices {
		if !inv.Deleted && !inv.Status.Terminal() {
			set[inv.Currency] = struct{}{}
		}
	}
	for _, p := range r.state.payments {
		if !p.Deleted && !p.Status.Terminal() {
			set[p.Currency] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set)), nil
}

type memTx struct {
	s memState
}

func (t *memTx) LockDocument(_ context.Context, ref workflow.DocumentRef) (Document, error) {
	doc := Document{Ref: ref, CancelReason: t.s.reasons[ref]}
	switch ref.Type {
	case workflow.DocRequisition:
		req, ok := t.s.requisitions[ref.ID]
		if !ok {
			return Document{}, shared.NewNotFound("requisition", ref.ID)
		}
		doc.Number, doc.Status, doc.Currency, doc.Amount, doc.Date, doc.Deleted = req.Number, req.Status, req.Currency, req.Total, req.RequestedAt, req.Deleted
	case workflow.DocPurchaseOrder:
		po, ok := t.s.orders[ref.ID]
		if !ok {
			return Document{}, shared.NewNotFound("purchase_order", ref.ID)
		}
		doc.Number, doc.Status, doc.Currency, doc.Amount, doc.Date, doc.Deleted = po.Number, po.Status, po.Currency, po.Total(), po.OrderedAt, po.Deleted
	case workflow.DocInvoice:
		inv, ok := t.s.invoices[ref.ID]
		if !ok {
			return Document{}, shared.NewNotFound("invoice", ref.ID)
		}
		doc.Number, doc.Status, doc.Currency, doc.Amount, doc.Date, doc.Deleted = inv.Number, inv.Status, inv.Currency, inv.Total, inv.InvoiceDate, inv.Deleted
	case workflow.DocPayment:
		pay, ok := t.s.payments[ref.ID]
		if !ok {
			return Document{}, shared.NewNotFound("payment", ref.ID)
		}
		doc.Number, doc.Status, doc.Currency, doc.Amount, doc.Date, doc.Deleted = pay.Number, pay.Status, pay.Currency, pay.Amount, pay.PaidAt, pay.Deleted
	default:
		return Document{}, shared.NewValidationError("document_type", "unsupported %q", ref.Type)
	}
	return doc, nil
}

func (t *memTx) LockInvoice(_ context.Context, id int64) (ap.Invoice, error) {
	inv, ok := t.s.invoices[id]
	if !ok {
		return ap.Invoice{}, shared.NewNotFound("invoice", id)
	}
	return inv, nil
}

func (t *memTx) LockPayment(_ context.Context, id int64) (ap.Payment, error) {
	pay, ok := t.s.payments[id]
	if !ok {
		return ap.Payment{}, shared.NewNotFound("payment", id)
	}
	return pay, nil
}

func (t *memTx) LockInstance(_ context.Context, id uuid.UUID) (workflow.Instance, error) {
	inst, ok := t.s.instances[id]
	if !ok {
		return workflow.Instance{}, shared.NewNotFound("approval instance", id)
	}
	return inst.Clone(), nil
}

func (t *memTx) GetPurchaseOrder(_ context.Context, id int64) (procurement.PurchaseOrder, error) {
	po, ok := t.s.orders[id]
	if !ok {
		return procurement.PurchaseOrder{}, shared.NewNotFound("purchase order", id)
	}
	return po, nil
}

func (t *memTx) GetGoodsReceipt(_ context.Context, id int64) (procurement.GoodsReceipt, error) {
	grn, ok := t.s.receipts[id]
	if !ok {
		return procurement.GoodsReceipt{}, shared.NewNotFound("goods receipt", id)
	}
	return grn, nil
}

func (t *memTx) ListReceiptsForOrder(_ context.Context, orderID int64) ([]procurement.GoodsReceipt, error) {
	var out []procurement.GoodsReceipt
	for _, id := range slices.Sorted(maps.Keys(t.s.receipts)) {
		grn := t.s.receipts[id]
		if grn.OrderID != nil && *grn.OrderID == orderID {
			out = append(out, grn)
		}
	}
	return out, nil
}

func (t *memTx) UpdateDocumentStatus(_ context.Context, ref workflow.DocumentRef, status workflow.Status) error {
	return t.mutate(ref, func(s *workflow.Status, _ *bool) { *s = status })
}

func (t *memTx) SetCancelReason(_ context.Context, ref workflow.DocumentRef, reason string) error {
	t.s.reasons[ref] = reason
	return nil
}

func (t *memTx) MarkDeleted(_ context.Context, ref workflow.DocumentRef) error {
	return t.mutate(ref, func(_ *workflow.Status, deleted *bool) { *deleted = true })
}

func (t *memTx) mutate(ref workflow.DocumentRef, fn func(*workflow.Status, *bool)) error {
	switch ref.Type {
	case workflow.DocRequisition:
		req, ok := t.s.requisitions[ref.ID]
		if !ok {
			return shared.NewNotFound("requisition", ref.ID)
		}
		fn(&req.Status, &req.Deleted)
		t.s.requisitions[ref.ID] = req
	case workflow.DocPurchaseOrder:
		po, ok := t.s.orders[ref.ID]
		if !ok {
			return shared.NewNotFound("purchase_order", ref.ID)
		}
		fn(&po.Status, &po.Deleted)
		t.s.orders[ref.ID] = po
	case workflow.DocInvoice:
		inv, ok := t.s.invoices[ref.ID]
		if !ok {
			return shared.NewNotFound("invoice", ref.ID)
		}
		fn(&inv.Status, &inv.Deleted)
		t.s.invoices[ref.ID] = inv
	case workflow.DocPayment:
		pay, ok := t.s.payments[ref.ID]
		if !ok {
			return shared.NewNotFound("payment", ref.ID)
		}
		fn(&pay.Status, &pay.Deleted)
		t.s.payments[ref.ID] = pay
	}
	return nil
}

func (t *memTx) InsertAllocations(_ context.Context, allocations []ap.Allocation) ([]ap.Allocation, error) {
	out := make([]ap.Allocation, 0, len(allocations))
	for _, a := range allocations {
		t.s.nextAlloc++
		a.ID = t.s.nextAlloc
		pay := t.s.payments[a.PaymentID]
		pay.Allocations = append(slices.Clone(pay.Allocations), a)
		t.s.payments[a.PaymentID] = pay
		out = append(out, a)
	}
	return out, nil
}

func (t *memTx) DeleteAllocations(_ context.Context, paymentID int64) error {
	pay := t.s.payments[paymentID]
	pay.Allocations = nil
	t.s.payments[paymentID] = pay
	return nil
}

func (t *memTx) InvoiceAllocated(_ context.Context, invoiceID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, pay := range t.s.payments {
		for _, a := range pay.Allocations {
			if a.InvoiceID == invoiceID {
				sum = sum.Add(a.Amount)
			}
		}
	}
	return sum, nil
}

func (t *memTx) UpdateInvoiceSettlement(_ context.Context, inv ap.Invoice) error {
	cur, ok := t.s.invoices[inv.ID]
	if !ok {
		return shared.NewNotFound("invoice", inv.ID)
	}
	cur.Subtotal, cur.TaxAmount, cur.Total = inv.Subtotal, inv.TaxAmount, inv.Total
	cur.Allocated = inv.Allocated
	cur.PaymentStatus = inv.PaymentStatus
	t.s.invoices[inv.ID] = cur
	return nil
}

func (t *memTx) LatestMatch(_ context.Context, invoiceID int64) (StoredMatch, bool, error) {
	m, ok := t.s.matches[invoiceID]
	return m, ok, nil
}

func (t *memTx) ReplaceMatch(_ context.Context, m StoredMatch) error {
	t.s.matches[m.InvoiceID] = m
	return nil
}

func (t *memTx) ActiveWorkflow(_ context.Context, docType workflow.DocumentType) (workflow.Workflow, error) {
	if wf, ok := t.s.workflows[docType]; ok {
		return wf, nil
	}
	return workflow.Workflow{EntityType: docType, Active: true}, nil
}

func (t *memTx) OpenInstance(_ context.Context, ref workflow.DocumentRef) (workflow.Instance, bool, error) {
	for _, inst := range t.s.instances {
		if inst.Document == ref && inst.Status == workflow.InstanceActive {
			return inst.Clone(), true, nil
		}
	}
	return workflow.Instance{}, false, nil
}

func (t *memTx) SaveInstance(_ context.Context, inst workflow.Instance) error {
	t.s.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *memTx) AppendApprovalLog(_ context.Context, log workflow.ApprovalLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	log.ID = int64(len(t.s.logs) + 1)
	t.s.logs = append(t.s.logs, log)
	return nil
}

func (t *memTx) SaveDistribution(_ context.Context, dist PostedDistribution) error {
	t.s.dists = append(t.s.dists, dist)
	return nil
}

func (t *memTx) MarkPosted(_ context.Context, ref workflow.DocumentRef, at time.Time) error {
	switch ref.Type {
	case workflow.DocInvoice:
		inv := t.s.invoices[ref.ID]
		inv.PostedAt = &at
		t.s.invoices[ref.ID] = inv
	case workflow.DocPayment:
		pay := t.s.payments[ref.ID]
		pay.PostedAt = &at
		t.s.payments[ref.ID] = pay
	}
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *memAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

var (
	_ Repository   = (*memRepo)(nil)
	_ TxRepository = (*memTx)(nil)
)
