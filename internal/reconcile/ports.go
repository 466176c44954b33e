package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/accounting"
	"github.com/odyssey-erp/reconciler/internal/ap"
	"github.com/odyssey-erp/reconciler/internal/procurement"
	"github.com/odyssey-erp/reconciler/internal/shared"
	"github.com/odyssey-erp/reconciler/internal/workflow"
)

// Document is the lifecycle header shared by every document type. Amount is
// the document total in Currency.
type Document struct {
	Ref          workflow.DocumentRef
	Number       string
	Status       workflow.Status
	Currency     string
	Amount       decimal.Decimal
	Date         time.Time
	CancelReason string
	Deleted      bool
}

// StoredMatch is a persisted match result.
type StoredMatch struct {
	ap.MatchResult
	MatchedAt time.Time
}

// PostedDistribution is a persisted GL distribution.
type PostedDistribution struct {
	Document workflow.DocumentRef
	accounting.Distribution
	PostedBy string
	PostedAt time.Time
}

// Repository describes the reads and transactions the engine needs.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDocument(ctx context.Context, ref workflow.DocumentRef) (Document, error)
	GetInvoice(ctx context.Context, id int64) (ap.Invoice, error)
	GetPayment(ctx context.Context, id int64) (ap.Payment, error)
	GetInstance(ctx context.Context, id uuid.UUID) (workflow.Instance, error)
	InstanceIDForStep(ctx context.Context, stepID uuid.UUID) (uuid.UUID, error)
	LatestMatch(ctx context.Context, invoiceID int64) (StoredMatch, bool, error)
	ListApprovalLogs(ctx context.Context, ref workflow.DocumentRef) ([]workflow.ApprovalLog, error)
	ListInvoicesAwaitingMatch(ctx context.Context, limit int) ([]int64, error)
	ListDistributions(ctx context.Context, since time.Time) ([]PostedDistribution, error)
	ListOpenCurrencies(ctx context.Context) ([]string, error)
}

// TxRepository describes writes performed inside one transaction. Lock*
// methods hold a row lock until the transaction ends.
type TxRepository interface {
	LockDocument(ctx context.Context, ref workflow.DocumentRef) (Document, error)
	LockInvoice(ctx context.Context, id int64) (ap.Invoice, error)
	LockPayment(ctx context.Context, id int64) (ap.Payment, error)
	LockInstance(ctx context.Context, id uuid.UUID) (workflow.Instance, error)
	GetPurchaseOrder(ctx context.Context, id int64) (procurement.PurchaseOrder, error)
	GetGoodsReceipt(ctx context.Context, id int64) (procurement.GoodsReceipt, error)
	ListReceiptsForOrder(ctx context.Context, orderID int64) ([]procurement.GoodsReceipt, error)
	UpdateDocumentStatus(ctx context.Context, ref workflow.DocumentRef, status workflow.Status) error
	SetCancelReason(ctx context.Context, ref workflow.DocumentRef, reason string) error
	MarkDeleted(ctx context.Context, ref workflow.DocumentRef) error
	InsertAllocations(ctx context.Context, allocations []ap.Allocation) ([]ap.Allocation, error)
	DeleteAllocations(ctx context.Context, paymentID int64) error
	InvoiceAllocated(ctx context.Context, invoiceID int64) (decimal.Decimal, error)
	UpdateInvoiceSettlement(ctx context.Context, inv ap.Invoice) error
	LatestMatch(ctx context.Context, invoiceID int64) (StoredMatch, bool, error)
	ReplaceMatch(ctx context.Context, match StoredMatch) error
	ActiveWorkflow(ctx context.Context, docType workflow.DocumentType) (workflow.Workflow, error)
	OpenInstance(ctx context.Context, ref workflow.DocumentRef) (workflow.Instance, bool, error)
	SaveInstance(ctx context.Context, inst workflow.Instance) error
	AppendApprovalLog(ctx context.Context, log workflow.ApprovalLog) error
	SaveDistribution(ctx context.Context, dist PostedDistribution) error
	MarkPosted(ctx context.Context, ref workflow.DocumentRef, at time.Time) error
}

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}
