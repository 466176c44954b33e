package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/ap"
	"github.com/odyssey-erp/reconciler/internal/platform/db"
	"github.com/odyssey-erp/reconciler/internal/procurement"
	"github.com/odyssey-erp/reconciler/internal/shared"
	"github.com/odyssey-erp/reconciler/internal/workflow"
)

// Ensure implementation
var _ Repository = (*PGRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGRepository persists reconciliation state in PostgreSQL.
type PGRepository struct {
	store
	pool *pgxpool.Pool
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{store: store{q: pool}, pool: pool}
}

// WithTx runs fn inside a RepeatableRead transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{store: store{q: tx}})
	})
}

type pgTxRepository struct {
	store
}

type store struct {
	q querier
}

type docTable struct {
	table  string
	date   string
	amount string
}

var docTables = map[workflow.DocumentType]docTable{
	workflow.DocRequisition:   {table: "requisitions", date: "requested_at", amount: "d.total"},
	workflow.DocPurchaseOrder: {table: "purchase_orders", date: "ordered_at", amount: "(SELECT COALESCE(SUM(l.quantity * l.unit_price), 0) FROM purchase_order_lines l WHERE l.order_id = d.id)"},
	workflow.DocInvoice:       {table: "ap_invoices", date: "invoice_date", amount: "d.total"},
	workflow.DocPayment:       {table: "ap_payments", date: "paid_at", amount: "d.amount"},
}

func tableFor(t workflow.DocumentType) (docTable, error) {
	spec, ok := docTables[t]
	if !ok {
		return docTable{}, shared.NewValidationError("document_type", "unsupported document type %q", t)
	}
	return spec, nil
}

func entityName(t workflow.DocumentType) string {
	return strings.ToLower(string(t))
}

// decimals parses numeric columns selected as text, keeping the first error.
type decimals struct {
	err error
}

func (d *decimals) parse(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(raw)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("reconcile: parse numeric %q: %w", raw, err)
	}
	return v
}

func (d *decimals) parsePtr(raw *string) *decimal.Decimal {
	if raw == nil {
		return nil
	}
	v := d.parse(*raw)
	return &v
}

func lockClause(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error, entity string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.NewNotFound(entity, id)
	}
	return err
}

func mustAffect(tag pgconn.CommandTag, entity string, id any) error {
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound(entity, id)
	}
	return nil
}

func (s store) document(ctx context.Context, ref workflow.DocumentRef, lock bool) (Document, error) {
	spec, err := tableFor(ref.Type)
	if err != nil {
		return Document{}, err
	}
	query := fmt.Sprintf(`SELECT d.number, d.status, d.currency, %s::text, d.%s, COALESCE(d.cancel_reason, ''), d.deleted_at IS NOT NULL
FROM %s d WHERE d.id = $1`, spec.amount, spec.date, spec.table)
	if lock {
		query += " FOR UPDATE OF d"
	}
	doc := Document{Ref: ref}
	var amount string
	err = s.q.QueryRow(ctx, query, ref.ID).Scan(&doc.Number, &doc.Status, &doc.Currency, &amount, &doc.Date, &doc.CancelReason, &doc.Deleted)
	if err != nil {
		return Document{}, notFound(err, entityName(ref.Type), ref.ID)
	}
	var d decimals
	doc.Amount = d.parse(amount)
	return doc, d.err
}

// GetDocument loads a document header.
func (s store) GetDocument(ctx context.Context, ref workflow.DocumentRef) (Document, error) {
	return s.document(ctx, ref, false)
}

func (s store) invoice(ctx context.Context, id int64, lock bool) (ap.Invoice, error) {
	query := `SELECT id, number, currency, invoice_date, due_at, order_id, receipt_id, status,
subtotal::text, tax_amount::text, total::text, allocated::text, payment_status, posted_at, deleted_at IS NOT NULL
FROM ap_invoices WHERE id = $1` + lockClause(lock)
	var (
		inv                             ap.Invoice
		subtotal, tax, total, allocated string
	)
	err := s.q.QueryRow(ctx, query, id).Scan(&inv.ID, &inv.Number, &inv.Currency, &inv.InvoiceDate, &inv.DueAt, &inv.OrderID, &inv.ReceiptID, &inv.Status,
		&subtotal, &tax, &total, &allocated, &inv.PaymentStatus, &inv.PostedAt, &inv.Deleted)
	if err != nil {
		return ap.Invoice{}, notFound(err, "invoice", id)
	}
	var d decimals
	inv.Subtotal = d.parse(subtotal)
	inv.TaxAmount = d.parse(tax)
	inv.Total = d.parse(total)
	inv.Allocated = d.parse(allocated)
	if d.err != nil {
		return ap.Invoice{}, d.err
	}
	rows, err := s.q.Query(ctx, `SELECT id, line_no, description, item_id, COALESCE(classification, ''), quantity::text, unit_price::text, tax_rate::text, po_line_id
FROM ap_invoice_lines WHERE invoice_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return ap.Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			line       ap.InvoiceLine
			qty, price string
			taxRate    *string
		)
		if err := rows.Scan(&line.ID, &line.LineNo, &line.Description, &line.ItemID, &line.Classification, &qty, &price, &taxRate, &line.POLineRef); err != nil {
			return ap.Invoice{}, err
		}
		line.Quantity = d.parse(qty)
		line.UnitPrice = d.parse(price)
		line.TaxRate = d.parsePtr(taxRate)
		inv.Lines = append(inv.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return ap.Invoice{}, err
	}
	return inv, d.err
}

// GetInvoice loads an invoice with its lines.
func (s store) GetInvoice(ctx context.Context, id int64) (ap.Invoice, error) {
	return s.invoice(ctx, id, false)
}

func (s store) payment(ctx context.Context, id int64, lock bool) (ap.Payment, error) {
	query := `SELECT id, number, currency, amount::text, paid_at, status, posted_at, deleted_at IS NOT NULL
FROM ap_payments WHERE id = $1` + lockClause(lock)
	var (
		pay    ap.Payment
		amount string
	)
	err := s.q.QueryRow(ctx, query, id).Scan(&pay.ID, &pay.Number, &pay.Currency, &amount, &pay.PaidAt, &pay.Status, &pay.PostedAt, &pay.Deleted)
	if err != nil {
		return ap.Payment{}, notFound(err, "payment", id)
	}
	var d decimals
	pay.Amount = d.parse(amount)
	rows, err := s.q.Query(ctx, `SELECT id, payment_id, invoice_id, seq, amount::text, currency, payment_amount::text, rate::text, created_at
FROM ap_payment_allocations WHERE payment_id = $1 ORDER BY seq`, id)
	if err != nil {
		return ap.Payment{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a                    ap.Allocation
			amt, payAmt, rateRaw string
		)
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.Seq, &amt, &a.Currency, &payAmt, &rateRaw, &a.CreatedAt); err != nil {
			return ap.Payment{}, err
		}
		a.Amount = d.parse(amt)
		a.PaymentAmount = d.parse(payAmt)
		a.Rate = d.parse(rateRaw)
		pay.Allocations = append(pay.Allocations, a)
	}
	if err := rows.Err(); err != nil {
		return ap.Payment{}, err
	}
	return pay, d.err
}

// GetPayment loads a payment with its allocations.
func (s store) GetPayment(ctx context.Context, id int64) (ap.Payment, error) {
	return s.payment(ctx, id, false)
}

func (s store) instance(ctx context.Context, id uuid.UUID, lock bool) (workflow.Instance, error) {
	query := `SELECT id, COALESCE(workflow_id, 0), entity_type, entity_id, amount::text, status, created_at, completed_at
FROM approval_instances WHERE id = $1` + lockClause(lock)
	var (
		inst   workflow.Instance
		amount string
	)
	err := s.q.QueryRow(ctx, query, id).Scan(&inst.ID, &inst.WorkflowID, &inst.Document.Type, &inst.Document.ID, &amount, &inst.Status, &inst.CreatedAt, &inst.CompletedAt)
	if err != nil {
		return workflow.Instance{}, notFound(err, "approval instance", id)
	}
	var d decimals
	inst.Amount = d.parse(amount)
	rows, err := s.q.Query(ctx, `SELECT id, instance_id, step_id, sequence, position, approver_type, required, parallel, status,
activated_at, completed_at, COALESCE(acted_by, ''), COALESCE(notes, '')
FROM approval_step_instances WHERE instance_id = $1 ORDER BY position`, id)
	if err != nil {
		return workflow.Instance{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var st workflow.StepInstance
		if err := rows.Scan(&st.ID, &st.InstanceID, &st.StepID, &st.Sequence, &st.Position, &st.ApproverType, &st.Required, &st.Parallel, &st.Status,
			&st.ActivatedAt, &st.CompletedAt, &st.ActedBy, &st.Notes); err != nil {
			return workflow.Instance{}, err
		}
		inst.Steps = append(inst.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return workflow.Instance{}, err
	}
	return inst, d.err
}

// GetInstance loads an approval instance with its steps.
func (s store) GetInstance(ctx context.Context, id uuid.UUID) (workflow.Instance, error) {
	return s.instance(ctx, id, false)
}

// InstanceIDForStep resolves the instance owning stepID.
func (s store) InstanceIDForStep(ctx context.Context, stepID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.q.QueryRow(ctx, `SELECT instance_id FROM approval_step_instances WHERE id = $1`, stepID).Scan(&id)
	if err != nil {
		return uuid.Nil, notFound(err, "approval step", stepID)
	}
	return id, nil
}

// LatestMatch returns the stored match of invoiceID, if any.
func (s store) LatestMatch(ctx context.Context, invoiceID int64) (StoredMatch, bool, error) {
	var (
		m                          StoredMatch
		variance, gross, tolerance string
		lines                      []byte
	)
	err := s.q.QueryRow(ctx, `SELECT status, variance_amount::text, gross_variance::text, tolerance_pct::text, COALESCE(notes, ''), lines, matched_at
FROM match_results WHERE invoice_id = $1`, invoiceID).Scan(&m.Status, &variance, &gross, &tolerance, &m.Notes, &lines, &m.MatchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoredMatch{}, false, nil
		}
		return StoredMatch{}, false, err
	}
	m.InvoiceID = invoiceID
	var d decimals
	m.VarianceAmount = d.parse(variance)
	m.GrossVariance = d.parse(gross)
	m.TolerancePct = d.parse(tolerance)
	if d.err != nil {
		return StoredMatch{}, false, d.err
	}
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &m.Lines); err != nil {
			return StoredMatch{}, false, fmt.Errorf("reconcile: decode match lines: %w", err)
		}
	}
	return m, true, nil
}

// ListApprovalLogs returns the approval history of ref, oldest first.
func (s store) ListApprovalLogs(ctx context.Context, ref workflow.DocumentRef) ([]workflow.ApprovalLog, error) {
	rows, err := s.q.Query(ctx, `SELECT id, instance_id, step_id, actor, action, COALESCE(note, ''), created_at
FROM approval_logs WHERE entity_type = $1 AND entity_id = $2 ORDER BY id`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []workflow.ApprovalLog
	for rows.Next() {
		var (
			entry    workflow.ApprovalLog
			instance *uuid.UUID
		)
		if err := rows.Scan(&entry.ID, &instance, &entry.StepID, &entry.Actor, &entry.Action, &entry.Note, &entry.At); err != nil {
			return nil, err
		}
		entry.Document = ref
		if instance != nil {
			entry.InstanceID = *instance
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ListInvoicesAwaitingMatch returns live, unposted invoices linked to a
// receipt or order, oldest match first.
func (s store) ListInvoicesAwaitingMatch(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.q.Query(ctx, `SELECT i.id FROM ap_invoices i
LEFT JOIN match_results m ON m.invoice_id = i.id
WHERE i.deleted_at IS NULL
  AND i.status IN ('DRAFT', 'PENDING_APPROVAL', 'APPROVED')
  AND (i.receipt_id IS NOT NULL OR i.order_id IS NOT NULL)
ORDER BY m.matched_at NULLS FIRST, i.id
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDistributions returns distributions posted at or after since.
func (s store) ListDistributions(ctx context.Context, since time.Time) ([]PostedDistribution, error) {
	rows, err := s.q.Query(ctx, `SELECT entity_type, entity_id, currency, lines, posted_by, posted_at
FROM gl_distributions WHERE posted_at >= $1 ORDER BY posted_at, id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PostedDistribution
	for rows.Next() {
		var (
			pd    PostedDistribution
			lines []byte
		)
		if err := rows.Scan(&pd.Document.Type, &pd.Document.ID, &pd.Currency, &lines, &pd.PostedBy, &pd.PostedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lines, &pd.Lines); err != nil {
			return nil, fmt.Errorf("reconcile: decode distribution %s: %w", pd.Document, err)
		}
		out = append(out, pd)
	}
	return out, rows.Err()
}

// ListOpenCurrencies returns currencies of invoices and payments still in play.
func (s store) ListOpenCurrencies(ctx context.Context) ([]string, error) {
	rows, err := s.q.Query(ctx, `SELECT currency FROM ap_invoices WHERE deleted_at IS NULL AND status NOT IN ('CLOSED', 'CANCELLED')
UNION
SELECT currency FROM ap_payments WHERE deleted_at IS NULL AND status NOT IN ('CLOSED', 'CANCELLED')
ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

func (r *pgTxRepository) LockDocument(ctx context.Context, ref workflow.DocumentRef) (Document, error) {
	return r.document(ctx, ref, true)
}

func (r *pgTxRepository) LockInvoice(ctx context.Context, id int64) (ap.Invoice, error) {
	return r.invoice(ctx, id, true)
}

func (r *pgTxRepository) LockPayment(ctx context.Context, id int64) (ap.Payment, error) {
	return r.payment(ctx, id, true)
}

func (r *pgTxRepository) LockInstance(ctx context.Context, id uuid.UUID) (workflow.Instance, error) {
	return r.instance(ctx, id, true)
}

func (r *pgTxRepository) GetPurchaseOrder(ctx context.Context, id int64) (procurement.PurchaseOrder, error) {
	var po procurement.PurchaseOrder
	err := r.q.QueryRow(ctx, `SELECT id, number, currency, ordered_at, status, COALESCE(cancel_reason, ''), deleted_at IS NOT NULL
FROM purchase_orders WHERE id = $1`, id).Scan(&po.ID, &po.Number, &po.Currency, &po.OrderedAt, &po.Status, &po.CancelReason, &po.Deleted)
	if err != nil {
		return procurement.PurchaseOrder{}, notFound(err, "purchase order", id)
	}
	rows, err := r.q.Query(ctx, `SELECT id, line_no, item_id, description, quantity::text, unit_price::text
FROM purchase_order_lines WHERE order_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return procurement.PurchaseOrder{}, err
	}
	defer rows.Close()
	var d decimals
	for rows.Next() {
		var (
			line       procurement.POLine
			qty, price string
		)
		if err := rows.Scan(&line.ID, &line.LineNo, &line.ItemID, &line.Description, &qty, &price); err != nil {
			return procurement.PurchaseOrder{}, err
		}
		line.Quantity = d.parse(qty)
		line.UnitPrice = d.parse(price)
		po.Lines = append(po.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return procurement.PurchaseOrder{}, err
	}
	return po, d.err
}

func (r *pgTxRepository) GetGoodsReceipt(ctx context.Context, id int64) (procurement.GoodsReceipt, error) {
	var grn procurement.GoodsReceipt
	err := r.q.QueryRow(ctx, `SELECT id, number, order_id, received_at FROM goods_receipts WHERE id = $1`, id).
		Scan(&grn.ID, &grn.Number, &grn.OrderID, &grn.ReceivedAt)
	if err != nil {
		return procurement.GoodsReceipt{}, notFound(err, "goods receipt", id)
	}
	rows, err := r.q.Query(ctx, `SELECT id, line_no, po_line_id, item_id, quantity::text, unit_price::text
FROM goods_receipt_lines WHERE receipt_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return procurement.GoodsReceipt{}, err
	}
	defer rows.Close()
	var d decimals
	for rows.Next() {
		var (
			line       procurement.ReceiptLine
			qty, price string
		)
		if err := rows.Scan(&line.ID, &line.LineNo, &line.POLineRef, &line.ItemID, &qty, &price); err != nil {
			return procurement.GoodsReceipt{}, err
		}
		line.Quantity = d.parse(qty)
		line.UnitPrice = d.parse(price)
		grn.Lines = append(grn.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return procurement.GoodsReceipt{}, err
	}
	return grn, d.err
}

func (r *pgTxRepository) ListReceiptsForOrder(ctx context.Context, orderID int64) ([]procurement.GoodsReceipt, error) {
	rows, err := r.q.Query(ctx, `SELECT id FROM goods_receipts WHERE order_id = $1 ORDER BY received_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	receipts := make([]procurement.GoodsReceipt, 0, len(ids))
	for _, id := range ids {
		grn, err := r.GetGoodsReceipt(ctx, id)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, grn)
	}
	return receipts, nil
}

func (r *pgTxRepository) UpdateDocumentStatus(ctx context.Context, ref workflow.DocumentRef, status workflow.Status) error {
	spec, err := tableFor(ref.Type)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = NOW() WHERE id = $1`, spec.table), ref.ID, status)
	if err != nil {
		return err
	}
	return mustAffect(tag, entityName(ref.Type), ref.ID)
}

func (r *pgTxRepository) SetCancelReason(ctx context.Context, ref workflow.DocumentRef, reason string) error {
	spec, err := tableFor(ref.Type)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET cancel_reason = $2, updated_at = NOW() WHERE id = $1`, spec.table), ref.ID, reason)
	if err != nil {
		return err
	}
	return mustAffect(tag, entityName(ref.Type), ref.ID)
}

func (r *pgTxRepository) MarkDeleted(ctx context.Context, ref workflow.DocumentRef) error {
	spec, err := tableFor(ref.Type)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, spec.table), ref.ID)
	if err != nil {
		return err
	}
	return mustAffect(tag, entityName(ref.Type), ref.ID)
}

func (r *pgTxRepository) MarkPosted(ctx context.Context, ref workflow.DocumentRef, at time.Time) error {
	if ref.Type != workflow.DocInvoice && ref.Type != workflow.DocPayment {
		return shared.NewValidationError("document_type", "%s documents are not posted", ref.Type)
	}
	spec, _ := tableFor(ref.Type)
	tag, err := r.q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET posted_at = $2, updated_at = NOW() WHERE id = $1`, spec.table), ref.ID, at)
	if err != nil {
		return err
	}
	return mustAffect(tag, entityName(ref.Type), ref.ID)
}

func (r *pgTxRepository) InsertAllocations(ctx context.Context, allocations []ap.Allocation) ([]ap.Allocation, error) {
	out := make([]ap.Allocation, 0, len(allocations))
	for _, a := range allocations {
		err := r.q.QueryRow(ctx, `INSERT INTO ap_payment_allocations (payment_id, invoice_id, seq, amount, currency, payment_amount, rate, created_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric, $7::numeric, $8) RETURNING id`,
			a.PaymentID, a.InvoiceID, a.Seq, a.Amount.String(), a.Currency, a.PaymentAmount.String(), a.Rate.String(), a.CreatedAt).Scan(&a.ID)
		if err != nil {
			return nil, fmt.Errorf("reconcile: insert allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *pgTxRepository) DeleteAllocations(ctx context.Context, paymentID int64) error {
	_, err := r.q.Exec(ctx, `DELETE FROM ap_payment_allocations WHERE payment_id = $1`, paymentID)
	return err
}

// InvoiceAllocated sums the allocation rows applied to invoiceID, in invoice
// currency.
func (r *pgTxRepository) InvoiceAllocated(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	var raw string
	if err := r.q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM ap_payment_allocations WHERE invoice_id = $1`, invoiceID).Scan(&raw); err != nil {
		return decimal.Zero, err
	}
	var d decimals
	v := d.parse(raw)
	return v, d.err
}

func (r *pgTxRepository) UpdateInvoiceSettlement(ctx context.Context, inv ap.Invoice) error {
	tag, err := r.q.Exec(ctx, `UPDATE ap_invoices SET subtotal = $2::numeric, tax_amount = $3::numeric, total = $4::numeric,
  allocated = $5::numeric, payment_status = $6, updated_at = NOW() WHERE id = $1`,
		inv.ID, inv.Subtotal.String(), inv.TaxAmount.String(), inv.Total.String(), inv.Allocated.String(), inv.PaymentStatus)
	if err != nil {
		return err
	}
	return mustAffect(tag, "invoice", inv.ID)
}

func (r *pgTxRepository) ReplaceMatch(ctx context.Context, m StoredMatch) error {
	lines, err := json.Marshal(m.Lines)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `INSERT INTO match_results (invoice_id, status, variance_amount, gross_variance, tolerance_pct, notes, lines, matched_at)
VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8)
ON CONFLICT (invoice_id) DO UPDATE SET status = EXCLUDED.status, variance_amount = EXCLUDED.variance_amount,
  gross_variance = EXCLUDED.gross_variance, tolerance_pct = EXCLUDED.tolerance_pct, notes = EXCLUDED.notes,
  lines = EXCLUDED.lines, matched_at = EXCLUDED.matched_at`,
		m.InvoiceID, m.Status, m.VarianceAmount.String(), m.GrossVariance.String(), m.TolerancePct.String(), m.Notes, lines, m.MatchedAt)
	return err
}

// ActiveWorkflow returns the newest active workflow for docType. Without one
// an empty workflow is returned, which approves on instantiation.
func (r *pgTxRepository) ActiveWorkflow(ctx context.Context, docType workflow.DocumentType) (workflow.Workflow, error) {
	wf := workflow.Workflow{EntityType: docType, Active: true}
	err := r.q.QueryRow(ctx, `SELECT id, name FROM approval_workflows WHERE entity_type = $1 AND is_active ORDER BY id DESC LIMIT 1`, docType).
		Scan(&wf.ID, &wf.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wf, nil
		}
		return workflow.Workflow{}, err
	}
	rows, err := r.q.Query(ctx, `SELECT id, sequence, approver_type, approval_required, parallel_approval, min_amount::text, max_amount::text, condition
FROM approval_workflow_steps WHERE workflow_id = $1 ORDER BY sequence, id`, wf.ID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	defer rows.Close()
	var d decimals
	for rows.Next() {
		var (
			step   workflow.Step
			lo, hi *string
			cond   []byte
		)
		if err := rows.Scan(&step.ID, &step.Sequence, &step.ApproverType, &step.ApprovalRequired, &step.ParallelApproval, &lo, &hi, &cond); err != nil {
			return workflow.Workflow{}, err
		}
		step.MinAmount = d.parsePtr(lo)
		step.MaxAmount = d.parsePtr(hi)
		if len(cond) > 0 {
			step.Condition = &workflow.Condition{}
			if err := json.Unmarshal(cond, step.Condition); err != nil {
				return workflow.Workflow{}, fmt.Errorf("reconcile: decode step %d condition: %w", step.ID, err)
			}
		}
		wf.Steps = append(wf.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return workflow.Workflow{}, err
	}
	return wf, d.err
}

func (r *pgTxRepository) OpenInstance(ctx context.Context, ref workflow.DocumentRef) (workflow.Instance, bool, error) {
	var id uuid.UUID
	err := r.q.QueryRow(ctx, `SELECT id FROM approval_instances WHERE entity_type = $1 AND entity_id = $2 AND status = 'ACTIVE'
ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, ref.Type, ref.ID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.Instance{}, false, nil
		}
		return workflow.Instance{}, false, err
	}
	inst, err := r.instance(ctx, id, true)
	if err != nil {
		return workflow.Instance{}, false, err
	}
	return inst, true, nil
}

func (r *pgTxRepository) SaveInstance(ctx context.Context, inst workflow.Instance) error {
	var workflowID *int64
	if inst.WorkflowID != 0 {
		workflowID = &inst.WorkflowID
	}
	_, err := r.q.Exec(ctx, `INSERT INTO approval_instances (id, workflow_id, entity_type, entity_id, amount, status, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, completed_at = EXCLUDED.completed_at`,
		inst.ID, workflowID, inst.Document.Type, inst.Document.ID, inst.Amount.String(), inst.Status, inst.CreatedAt, inst.CompletedAt)
	if err != nil {
		return fmt.Errorf("reconcile: save instance: %w", err)
	}
	for _, st := range inst.Steps {
		_, err := r.q.Exec(ctx, `INSERT INTO approval_step_instances (id, instance_id, step_id, sequence, position, approver_type, required, parallel,
  status, activated_at, completed_at, acted_by, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''))
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, activated_at = EXCLUDED.activated_at,
  completed_at = EXCLUDED.completed_at, acted_by = EXCLUDED.acted_by, notes = EXCLUDED.notes`,
			st.ID, inst.ID, st.StepID, st.Sequence, st.Position, st.ApproverType, st.Required, st.Parallel,
			st.Status, st.ActivatedAt, st.CompletedAt, st.ActedBy, st.Notes)
		if err != nil {
			return fmt.Errorf("reconcile: save step %s: %w", st.ID, err)
		}
	}
	return nil
}

func (r *pgTxRepository) AppendApprovalLog(ctx context.Context, log workflow.ApprovalLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	var instanceID *uuid.UUID
	if log.InstanceID != uuid.Nil {
		instanceID = &log.InstanceID
	}
	_, err := r.q.Exec(ctx, `INSERT INTO approval_logs (entity_type, entity_id, instance_id, step_id, actor, action, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		log.Document.Type, log.Document.ID, instanceID, log.StepID, log.Actor, log.Action, log.Note, log.At)
	return err
}

func (r *pgTxRepository) SaveDistribution(ctx context.Context, dist PostedDistribution) error {
	lines, err := json.Marshal(dist.Lines)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `INSERT INTO gl_distributions (entity_type, entity_id, currency, lines, posted_by, posted_at)
VALUES ($1, $2, $3, $4, $5, $6)`, dist.Document.Type, dist.Document.ID, dist.Currency, lines, dist.PostedBy, dist.PostedAt)
	return err
}
