package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/reconciler/internal/accounting"
	"github.com/odyssey-erp/reconciler/internal/ap"
	"github.com/odyssey-erp/reconciler/internal/fx"
	"github.com/odyssey-erp/reconciler/internal/money"
	"github.com/odyssey-erp/reconciler/internal/procurement"
	"github.com/odyssey-erp/reconciler/internal/shared"
	"github.com/odyssey-erp/reconciler/internal/workflow"
)

var (
	invoiceDate = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	paidDate    = time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	engineNow   = time.Date(2025, 3, 21, 9, 30, 0, 0, time.UTC)
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func ptr[T any](v T) *T { return &v }

type fixture struct {
	repo   *memRepo
	audit  *memAudit
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	units := money.NewUnits(nil)
	rates := fx.NewTable(fx.Rate{From: "EUR", To: "USD", EffectiveDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Value: dec("1.0857")})
	conv := fx.NewConverter(rates, units, fx.DefaultPolicy("USD"))
	accounts, err := accounting.NewAccountResolver(map[string]string{
		"INVENTORY":  "1400",
		"EXPENSE":    "6100",
		"TAX_INPUT":  "1450",
		"AP_CONTROL": "2100",
		"CASH":       "1010",
	})
	require.NoError(t, err)
	matcher, err := ap.NewMatcher(units, dec("5"))
	require.NoError(t, err)

	f := &fixture{repo: newMemRepo(), audit: &memAudit{}}
	f.engine, err = NewEngine(Deps{
		Repo:      f.repo,
		Converter: conv,
		Accounts:  accounts,
		Matcher:   matcher,
		Audit:     f.audit,
		Metrics:   NewMetrics(nil),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:     func() time.Time { return engineNow },
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) addInvoice(inv ap.Invoice) {
	if inv.Currency == "" {
		inv.Currency = "USD"
	}
	if inv.InvoiceDate.IsZero() {
		inv.InvoiceDate = invoiceDate
	}
	if inv.PaymentStatus == "" {
		inv.PaymentStatus = ap.Unpaid
	}
	if len(inv.Lines) == 0 && !inv.Total.IsZero() {
		inv.Lines = []ap.InvoiceLine{{LineNo: 1, Description: "services", Quantity: dec("1"), UnitPrice: inv.Total}}
		inv.Total = decimal.Zero
	}
	if inv.Total.IsZero() && len(inv.Lines) > 0 {
		inv.Recalculate(money.NewUnits(nil))
	}
	if inv.Allocated.IsPositive() {
		f.seedAllocation(inv.ID+900, inv.ID, inv.Currency, inv.Allocated)
	}
	f.repo.state.invoices[inv.ID] = inv
}

// seedAllocation records an existing settlement of amount against invoiceID
// by a posted payment.
func (f *fixture) seedAllocation(paymentID, invoiceID int64, currency string, amount decimal.Decimal) {
	f.repo.state.nextAlloc++
	f.repo.state.payments[paymentID] = ap.Payment{
		ID: paymentID, Number: "PAY-SEED", Currency: currency, Amount: amount, PaidAt: paidDate, Status: workflow.StatusPosted,
		Allocations: []ap.Allocation{{
			ID: f.repo.state.nextAlloc, PaymentID: paymentID, InvoiceID: invoiceID, Seq: 1,
			Amount: amount, Currency: currency, PaymentAmount: amount, Rate: decimal.NewFromInt(1), CreatedAt: paidDate,
		}},
	}
}

func (f *fixture) addPayment(id int64, currency, amount string, status workflow.Status) {
	f.repo.state.payments[id] = ap.Payment{ID: id, Number: "PAY-1", Currency: currency, Amount: dec(amount), PaidAt: paidDate, Status: status}
}

func (f *fixture) addWorkflow(docType workflow.DocumentType, steps ...workflow.Step) {
	f.repo.state.workflows[docType] = workflow.Workflow{ID: 1, Name: "default", EntityType: docType, Active: true, Steps: steps}
}

func (f *fixture) invoice(t *testing.T, id int64) ap.Invoice {
	t.Helper()
	inv, err := f.repo.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func (f *fixture) status(t *testing.T, ref workflow.DocumentRef) workflow.Status {
	t.Helper()
	doc, err := f.repo.GetDocument(context.Background(), ref)
	require.NoError(t, err)
	return doc.Status
}

func twoSteps() []workflow.Step {
	return []workflow.Step{
		{ID: 1, Sequence: 1, ApproverType: "manager", ApprovalRequired: true},
		{ID: 2, Sequence: 2, ApproverType: "finance", ApprovalRequired: true},
	}
}

func TestAllocateSettlesInvoiceIncrementally(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 10, Number: "INV-10", Status: workflow.StatusPosted, Total: dec("1000")})
	f.addPayment(20, "USD", "1500", workflow.StatusApproved)
	ctx := context.Background()

	allocs, err := f.engine.Allocate(ctx, 20, []ap.Selection{{InvoiceID: 10, Amount: dec("400")}}, "alice")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.NotZero(t, allocs[0].ID)
	require.Equal(t, 1, allocs[0].Seq)
	require.True(t, allocs[0].PaymentAmount.Equal(dec("400")))
	require.Equal(t, ap.PartiallyPaid, f.invoice(t, 10).PaymentStatus)

	_, err = f.engine.Allocate(ctx, 20, []ap.Selection{{InvoiceID: 10, Amount: dec("600")}}, "alice")
	require.NoError(t, err)
	inv := f.invoice(t, 10)
	require.Equal(t, ap.Paid, inv.PaymentStatus)
	require.True(t, inv.Allocated.Equal(dec("1000")))

	_, err = f.engine.Allocate(ctx, 20, []ap.Selection{{InvoiceID: 10, Amount: dec("0.01")}}, "alice")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, []string{"ALLOCATE", "ALLOCATE"}, f.audit.actions())
}

func TestInvoiceFiguresDerivedFromLinesAndAllocations(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 10, Number: "INV-10", Status: workflow.StatusPosted, Total: dec("1000"), Lines: []ap.InvoiceLine{
		{LineNo: 1, Quantity: dec("5"), UnitPrice: dec("100")},
	}})
	f.addPayment(20, "USD", "1000", workflow.StatusApproved)
	ctx := context.Background()

	_, err := f.engine.Allocate(ctx, 20, []ap.Selection{{InvoiceID: 10, Amount: dec("800")}}, "alice")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Zero(t, f.repo.txs)

	_, err = f.engine.Allocate(ctx, 20, []ap.Selection{{InvoiceID: 10, Amount: dec("500")}}, "alice")
	require.NoError(t, err)
	inv := f.invoice(t, 10)
	require.True(t, inv.Total.Equal(dec("500")), inv.Total.String())
	require.True(t, inv.Subtotal.Equal(dec("500")))
	require.Equal(t, ap.Paid, inv.PaymentStatus)

	// a settlement figure written without allocation rows is discarded
	f.addInvoice(ap.Invoice{ID: 11, Number: "INV-11", Status: workflow.StatusPosted, Total: dec("200")})
	stale := f.repo.state.invoices[11]
	stale.Allocated, stale.PaymentStatus = dec("150"), ap.PartiallyPaid
	f.repo.state.invoices[11] = stale

	_, err = f.engine.RunMatch(ctx, 11)
	require.NoError(t, err)
	inv = f.invoice(t, 11)
	require.True(t, inv.Allocated.IsZero())
	require.Equal(t, ap.Unpaid, inv.PaymentStatus)
}

func TestAllocateRejectsBatchBeyondPaymentAtomically(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 10, Number: "INV-10", Status: workflow.StatusPosted, Total: dec("400")})
	f.addInvoice(ap.Invoice{ID: 11, Number: "INV-11", Status: workflow.StatusPosted, Total: dec("400")})
	f.addPayment(20, "USD", "500", workflow.StatusApproved)

	_, err := f.engine.Allocate(context.Background(), 20, []ap.Selection{
		{InvoiceID: 10, Amount: dec("300")},
		{InvoiceID: 11, Amount: dec("300")},
	}, "alice")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.True(t, f.invoice(t, 10).Allocated.IsZero())
	require.True(t, f.invoice(t, 11).Allocated.IsZero())
	pay, err := f.repo.GetPayment(context.Background(), 20)
	require.NoError(t, err)
	require.Empty(t, pay.Allocations)
	require.Zero(t, f.repo.txs)
}

func TestAllocateRequiresPostedInvoice(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 10, Number: "INV-10", Status: workflow.StatusApproved, Total: dec("400")})
	f.addPayment(20, "USD", "500", workflow.StatusApproved)

	_, err := f.engine.Allocate(context.Background(), 20, []ap.Selection{{InvoiceID: 10, Amount: dec("100")}}, "alice")
	require.ErrorIs(t, err, shared.ErrState)

	_, err = f.engine.Allocate(context.Background(), 20, []ap.Selection{{InvoiceID: 99, Amount: dec("100")}}, "alice")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAllocateConvertsIntoPaymentCurrency(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 10, Number: "INV-10", Currency: "EUR", Status: workflow.StatusPosted, Total: dec("100")})
	f.addPayment(20, "USD", "200", workflow.StatusApproved)

	allocs, err := f.engine.Allocate(context.Background(), 20, []ap.Selection{{InvoiceID: 10, Amount: dec("100")}}, "alice")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.Equal(t, "EUR", allocs[0].Currency)
	require.Equal(t, "108.57", allocs[0].PaymentAmount.StringFixed(2))
	require.True(t, allocs[0].Rate.Equal(dec("1.0857")))
}

func TestConcurrentAllocationsCannotOverAllocate(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 10, Number: "INV-10", Status: workflow.StatusPosted, Total: dec("1000")})
	f.addPayment(21, "USD", "600", workflow.StatusApproved)
	f.addPayment(22, "USD", "600", workflow.StatusApproved)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, paymentID := range []int64{21, 22} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.engine.Allocate(context.Background(), paymentID, []ap.Selection{{InvoiceID: 10, Amount: dec("600")}}, "worker")
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, shared.ErrValidation)
			failures++
		}
	}
	require.Equal(t, 1, failures)
	require.True(t, f.invoice(t, 10).Allocated.Equal(dec("600")))
}

func TestClearPaymentRestoresInvoices(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 10, Number: "INV-10", Status: workflow.StatusPosted, Total: dec("300")})
	f.addPayment(20, "USD", "300", workflow.StatusPosted)
	ctx := context.Background()

	_, err := f.engine.Allocate(ctx, 20, []ap.Selection{{InvoiceID: 10, Amount: dec("300")}}, "alice")
	require.NoError(t, err)
	require.Equal(t, ap.Paid, f.invoice(t, 10).PaymentStatus)

	require.NoError(t, f.engine.ClearPayment(ctx, 20, "alice"))
	inv := f.invoice(t, 10)
	require.Equal(t, ap.Unpaid, inv.PaymentStatus)
	require.True(t, inv.Allocated.IsZero())
}

func TestInvoiceApprovalAndPosting(t *testing.T) {
	f := newFixture(t)
	f.addWorkflow(workflow.DocInvoice, twoSteps()...)
	f.addInvoice(ap.Invoice{ID: 30, Number: "INV-30", Status: workflow.StatusDraft, Lines: []ap.InvoiceLine{
		{LineNo: 1, Description: "consulting", Quantity: dec("2"), UnitPrice: dec("50"), TaxRate: ptr(dec("10"))},
	}})
	ref := workflow.DocumentRef{Type: workflow.DocInvoice, ID: 30}
	ctx := context.Background()

	inst, err := f.engine.SubmitForApproval(ctx, ref, "clerk")
	require.NoError(t, err)
	require.Equal(t, workflow.InstanceActive, inst.Status)
	require.Equal(t, workflow.StepActive, inst.Steps[0].Status)
	require.Equal(t, workflow.StepPending, inst.Steps[1].Status)
	require.Equal(t, workflow.StatusPendingApproval, f.status(t, ref))

	_, err = f.engine.Post(ctx, ref, "clerk")
	require.ErrorIs(t, err, shared.ErrState)

	step, err := f.engine.ApproveStep(ctx, inst.Steps[0].ID, "manager", "ok")
	require.NoError(t, err)
	require.Equal(t, workflow.StepApproved, step.Status)
	require.Equal(t, workflow.StatusPendingApproval, f.status(t, ref))

	_, err = f.engine.ApproveStep(ctx, inst.Steps[0].ID, "manager", "again")
	require.ErrorIs(t, err, shared.ErrState)

	_, err = f.engine.ApproveStep(ctx, inst.Steps[1].ID, "controller", "")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusApproved, f.status(t, ref))

	dist, err := f.engine.Post(ctx, ref, "controller")
	require.NoError(t, err)
	debit, credit := dist.Totals()
	require.True(t, debit.Equal(dec("110")), debit.String())
	require.True(t, credit.Equal(dec("110")), credit.String())
	require.Equal(t, workflow.StatusPosted, f.status(t, ref))
	require.NotNil(t, f.invoice(t, 30).PostedAt)
	require.Len(t, f.repo.state.dists, 1)

	logs, err := f.repo.ListApprovalLogs(ctx, ref)
	require.NoError(t, err)
	var actions []workflow.LogAction
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	require.Equal(t, []workflow.LogAction{workflow.LogSubmit, workflow.LogApprove, workflow.LogApprove, workflow.LogPost}, actions)
}

func TestRejectStepCancelsRemainingSteps(t *testing.T) {
	f := newFixture(t)
	f.addWorkflow(workflow.DocRequisition, twoSteps()...)
	f.repo.state.requisitions[40] = procurement.Requisition{ID: 40, Number: "REQ-40", Currency: "USD", Total: dec("900"), RequestedAt: invoiceDate, Status: workflow.StatusDraft}
	ref := workflow.DocumentRef{Type: workflow.DocRequisition, ID: 40}
	ctx := context.Background()

	inst, err := f.engine.SubmitForApproval(ctx, ref, "requester")
	require.NoError(t, err)

	_, err = f.engine.RejectStep(ctx, inst.Steps[0].ID, "manager", "  ")
	require.ErrorIs(t, err, shared.ErrValidation)

	step, err := f.engine.RejectStep(ctx, inst.Steps[0].ID, "manager", "over budget")
	require.NoError(t, err)
	require.Equal(t, workflow.StepRejected, step.Status)
	require.Equal(t, workflow.StatusRejected, f.status(t, ref))

	stored, err := f.repo.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.InstanceRejected, stored.Status)
	require.Equal(t, workflow.StepCancelled, stored.Steps[1].Status)
	require.Nil(t, stored.Steps[1].ActivatedAt)

	status, err := f.engine.Reopen(ctx, ref, "requester")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusDraft, status)

	again, err := f.engine.SubmitForApproval(ctx, ref, "requester")
	require.NoError(t, err)
	require.NotEqual(t, inst.ID, again.ID)
}

func TestSubmitBlocksInvoiceBeyondTolerance(t *testing.T) {
	f := newFixture(t)
	f.repo.state.receipts[60] = procurement.GoodsReceipt{ID: 60, Number: "GRN-60", ReceivedAt: invoiceDate, Lines: []procurement.ReceiptLine{
		{ID: 1, LineNo: 1, Quantity: dec("10"), UnitPrice: dec("10")},
	}}
	f.addInvoice(ap.Invoice{ID: 50, Number: "INV-50", Status: workflow.StatusDraft, ReceiptID: ptr(int64(60)), Lines: []ap.InvoiceLine{
		{LineNo: 1, Quantity: dec("10"), UnitPrice: dec("12")},
	}})
	ref := workflow.DocumentRef{Type: workflow.DocInvoice, ID: 50}
	ctx := context.Background()

	_, err := f.engine.SubmitForApproval(ctx, ref, "clerk")
	require.ErrorIs(t, err, shared.ErrToleranceExceeded)
	var tol *shared.ToleranceExceededError
	require.True(t, errors.As(err, &tol))
	require.Equal(t, int64(50), tol.InvoiceID)
	require.Equal(t, workflow.StatusDraft, f.status(t, ref))

	res, err := f.engine.RunMatch(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, ap.MatchFailed, res.Status)
	stored, ok, err := f.repo.LatestMatch(ctx, 50)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ap.MatchFailed, stored.Status)
	require.Equal(t, engineNow, stored.MatchedAt)
}

func TestFailedMatchBlocksFinalApprovalAndPosting(t *testing.T) {
	f := newFixture(t)
	f.addWorkflow(workflow.DocInvoice, twoSteps()...)
	f.repo.state.receipts[60] = procurement.GoodsReceipt{ID: 60, Number: "GRN-60", ReceivedAt: invoiceDate, Lines: []procurement.ReceiptLine{
		{ID: 1, LineNo: 1, Quantity: dec("10"), UnitPrice: dec("10")},
	}}
	f.addInvoice(ap.Invoice{ID: 50, Number: "INV-50", Status: workflow.StatusDraft, ReceiptID: ptr(int64(60)), Lines: []ap.InvoiceLine{
		{LineNo: 1, Quantity: dec("10"), UnitPrice: dec("10")},
	}})
	ref := workflow.DocumentRef{Type: workflow.DocInvoice, ID: 50}
	ctx := context.Background()

	inst, err := f.engine.SubmitForApproval(ctx, ref, "clerk")
	require.NoError(t, err)
	_, err = f.engine.ApproveStep(ctx, inst.Steps[0].ID, "manager", "ok")
	require.NoError(t, err)

	// receipt corrected downward while the invoice waits for finance
	f.repo.state.receipts[60] = procurement.GoodsReceipt{ID: 60, Number: "GRN-60", ReceivedAt: invoiceDate, Lines: []procurement.ReceiptLine{
		{ID: 1, LineNo: 1, Quantity: dec("10"), UnitPrice: dec("8")},
	}}
	_, err = f.engine.ApproveStep(ctx, inst.Steps[1].ID, "controller", "")
	require.ErrorIs(t, err, shared.ErrToleranceExceeded)
	require.Equal(t, workflow.StatusPendingApproval, f.status(t, ref))
	stored, err := f.repo.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepActive, stored.Steps[1].Status)

	f.addInvoice(ap.Invoice{ID: 51, Number: "INV-51", Status: workflow.StatusApproved, ReceiptID: ptr(int64(60)), Lines: []ap.InvoiceLine{
		{LineNo: 1, Quantity: dec("10"), UnitPrice: dec("10")},
	}})
	_, err = f.engine.Post(ctx, workflow.DocumentRef{Type: workflow.DocInvoice, ID: 51}, "controller")
	require.ErrorIs(t, err, shared.ErrToleranceExceeded)
	require.Equal(t, workflow.StatusApproved, f.status(t, workflow.DocumentRef{Type: workflow.DocInvoice, ID: 51}))
	require.Empty(t, f.repo.state.dists)
}

func TestConcurrentApprovalsOfOneStep(t *testing.T) {
	f := newFixture(t)
	f.addWorkflow(workflow.DocRequisition, twoSteps()[0])
	f.repo.state.requisitions[42] = procurement.Requisition{ID: 42, Number: "REQ-42", Currency: "USD", Total: dec("300"), RequestedAt: invoiceDate, Status: workflow.StatusDraft}
	ref := workflow.DocumentRef{Type: workflow.DocRequisition, ID: 42}
	ctx := context.Background()

	inst, err := f.engine.SubmitForApproval(ctx, ref, "requester")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, approver := range []string{"manager-a", "manager-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.engine.ApproveStep(ctx, inst.Steps[0].ID, approver, "")
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, shared.ErrState)
			failures++
		}
	}
	require.Equal(t, 1, failures)
	require.Equal(t, workflow.StatusApproved, f.status(t, ref))

	logs, err := f.repo.ListApprovalLogs(ctx, ref)
	require.NoError(t, err)
	require.Len(t, logs, 2)
}

func TestSubmitWithoutApplicableStepsApproves(t *testing.T) {
	f := newFixture(t)
	f.addWorkflow(workflow.DocPayment, workflow.Step{ID: 1, Sequence: 1, ApproverType: "cfo", ApprovalRequired: true, MinAmount: ptr(dec("10000"))})
	f.addPayment(60, "USD", "250", workflow.StatusDraft)
	ref := workflow.DocumentRef{Type: workflow.DocPayment, ID: 60}
	ctx := context.Background()

	inst, err := f.engine.SubmitForApproval(ctx, ref, "clerk")
	require.NoError(t, err)
	require.Equal(t, workflow.InstanceApproved, inst.Status)
	require.Equal(t, workflow.StepSkipped, inst.Steps[0].Status)
	require.Equal(t, workflow.StatusApproved, f.status(t, ref))

	dist, err := f.engine.Post(ctx, ref, "clerk")
	require.NoError(t, err)
	require.Len(t, dist.Lines, 2)
	require.Equal(t, "2100", dist.Lines[0].Account)
	require.Equal(t, accounting.Debit, dist.Lines[0].Type)
	require.Equal(t, "1010", dist.Lines[1].Account)
	require.Equal(t, accounting.Credit, dist.Lines[1].Type)
}

func TestEditPendingDocumentRestartsApproval(t *testing.T) {
	f := newFixture(t)
	f.addWorkflow(workflow.DocRequisition, twoSteps()[0])
	f.repo.state.requisitions[41] = procurement.Requisition{ID: 41, Number: "REQ-41", Currency: "USD", Total: dec("100"), RequestedAt: invoiceDate, Status: workflow.StatusDraft}
	ref := workflow.DocumentRef{Type: workflow.DocRequisition, ID: 41}
	ctx := context.Background()

	first, err := f.engine.SubmitForApproval(ctx, ref, "requester")
	require.NoError(t, err)

	res, err := f.engine.EditDocument(ctx, ref, "requester")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusPendingApproval, res.Status)
	require.NotNil(t, res.Instance)
	require.NotEqual(t, first.ID, res.Instance.ID)

	old, err := f.repo.GetInstance(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.InstanceCancelled, old.Status)
	require.Equal(t, workflow.StepCancelled, old.Steps[0].Status)

	_, err = f.engine.ApproveStep(ctx, first.Steps[0].ID, "manager", "")
	require.ErrorIs(t, err, shared.ErrState)
}

func TestEditPostedInvoiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 10, Number: "INV-10", Status: workflow.StatusPosted, Total: dec("10")})

	_, err := f.engine.EditDocument(context.Background(), workflow.DocumentRef{Type: workflow.DocInvoice, ID: 10}, "clerk")
	require.ErrorIs(t, err, shared.ErrState)
}

func TestEditApprovedInvoiceRematches(t *testing.T) {
	f := newFixture(t)
	f.repo.state.receipts[60] = procurement.GoodsReceipt{ID: 60, Number: "GRN-60", ReceivedAt: invoiceDate, Lines: []procurement.ReceiptLine{
		{ID: 1, LineNo: 1, Quantity: dec("10"), UnitPrice: dec("10")},
	}}
	f.addInvoice(ap.Invoice{ID: 50, Number: "INV-50", Status: workflow.StatusApproved, ReceiptID: ptr(int64(60)), Lines: []ap.InvoiceLine{
		{LineNo: 1, Quantity: dec("10"), UnitPrice: dec("10")},
	}})
	ref := workflow.DocumentRef{Type: workflow.DocInvoice, ID: 50}
	ctx := context.Background()

	res, err := f.engine.EditDocument(ctx, ref, "clerk")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusApproved, res.Status)

	f.repo.state.receipts[60] = procurement.GoodsReceipt{ID: 60, Number: "GRN-60", ReceivedAt: invoiceDate, Lines: []procurement.ReceiptLine{
		{ID: 1, LineNo: 1, Quantity: dec("10"), UnitPrice: dec("12.50")},
	}}
	_, err = f.engine.EditDocument(ctx, ref, "clerk")
	require.ErrorIs(t, err, shared.ErrToleranceExceeded)
	require.Equal(t, workflow.StatusApproved, f.status(t, ref))
	require.Len(t, f.repo.state.instances, 1)
}

func TestPostCreditNoteInvoice(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 52, Number: "CN-52", Status: workflow.StatusApproved, Lines: []ap.InvoiceLine{
		{LineNo: 1, Description: "returned goods", Quantity: dec("-1"), UnitPrice: dec("50")},
	}})

	dist, err := f.engine.Post(context.Background(), workflow.DocumentRef{Type: workflow.DocInvoice, ID: 52}, "controller")
	require.NoError(t, err)
	require.Len(t, dist.Lines, 2)
	require.Equal(t, "6100", dist.Lines[0].Account)
	require.Equal(t, accounting.Credit, dist.Lines[0].Type)
	require.Equal(t, "2100", dist.Lines[1].Account)
	require.Equal(t, accounting.Debit, dist.Lines[1].Type)
	require.True(t, dist.Lines[1].Amount.Equal(dec("50")))
}

func TestDeleteOnlyDrafts(t *testing.T) {
	f := newFixture(t)
	f.addPayment(60, "USD", "250", workflow.StatusApproved)
	f.addPayment(61, "USD", "250", workflow.StatusDraft)
	ctx := context.Background()

	err := f.engine.Delete(ctx, workflow.DocumentRef{Type: workflow.DocPayment, ID: 60}, "clerk")
	require.ErrorIs(t, err, shared.ErrState)

	ref := workflow.DocumentRef{Type: workflow.DocPayment, ID: 61}
	require.NoError(t, f.engine.Delete(ctx, ref, "clerk"))
	_, err = f.engine.SubmitForApproval(ctx, ref, "clerk")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCloseAndCancelGuards(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(ap.Invoice{ID: 10, Number: "INV-10", Status: workflow.StatusPosted, Total: dec("100"), Allocated: dec("40"), PaymentStatus: ap.PartiallyPaid})
	f.addInvoice(ap.Invoice{ID: 11, Number: "INV-11", Status: workflow.StatusApproved, Total: dec("100"), Allocated: dec("40"), PaymentStatus: ap.PartiallyPaid})
	f.addInvoice(ap.Invoice{ID: 12, Number: "INV-12", Status: workflow.StatusPosted, Total: dec("100"), Allocated: dec("100"), PaymentStatus: ap.Paid})
	ctx := context.Background()

	_, err := f.engine.Close(ctx, workflow.DocumentRef{Type: workflow.DocInvoice, ID: 10}, "clerk")
	require.ErrorIs(t, err, shared.ErrState)

	_, err = f.engine.Cancel(ctx, workflow.DocumentRef{Type: workflow.DocInvoice, ID: 10}, "clerk", "")
	require.ErrorIs(t, err, shared.ErrState)

	_, err = f.engine.Cancel(ctx, workflow.DocumentRef{Type: workflow.DocInvoice, ID: 11}, "clerk", "duplicate")
	require.ErrorIs(t, err, shared.ErrState)

	status, err := f.engine.Close(ctx, workflow.DocumentRef{Type: workflow.DocInvoice, ID: 12}, "clerk")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusClosed, status)
}

func TestPurchaseOrderReceiptProgress(t *testing.T) {
	f := newFixture(t)
	f.repo.state.orders[70] = procurement.PurchaseOrder{ID: 70, Number: "PO-70", Currency: "USD", OrderedAt: invoiceDate, Status: workflow.StatusApproved, Lines: []procurement.POLine{
		{ID: 701, LineNo: 1, Quantity: dec("10"), UnitPrice: dec("5")},
	}}
	ref := workflow.DocumentRef{Type: workflow.DocPurchaseOrder, ID: 70}
	ctx := context.Background()

	_, err := f.engine.CancelDelivery(ctx, ref, "buyer", "")
	require.ErrorIs(t, err, shared.ErrValidation)

	status, err := f.engine.Confirm(ctx, ref, "buyer")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusConfirmed, status)

	f.repo.state.receipts[71] = procurement.GoodsReceipt{ID: 71, OrderID: ptr(int64(70)), Lines: []procurement.ReceiptLine{
		{ID: 1, LineNo: 1, POLineRef: ptr(int64(701)), Quantity: dec("4")},
	}}
	progress, status, err := f.engine.UpdateReceiptProgress(ctx, 70, "warehouse")
	require.NoError(t, err)
	require.Equal(t, procurement.ReceiptPartial, progress.State)
	require.Equal(t, workflow.StatusPartiallyReceived, status)

	f.repo.state.receipts[72] = procurement.GoodsReceipt{ID: 72, OrderID: ptr(int64(70)), Lines: []procurement.ReceiptLine{
		{ID: 2, LineNo: 1, POLineRef: ptr(int64(701)), Quantity: dec("6")},
	}}
	_, status, err = f.engine.UpdateReceiptProgress(ctx, 70, "warehouse")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusReceived, status)

	status, err = f.engine.Close(ctx, ref, "buyer")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusClosed, status)
}

func TestCancelDeliveryRecordsReason(t *testing.T) {
	f := newFixture(t)
	f.repo.state.orders[70] = procurement.PurchaseOrder{ID: 70, Number: "PO-70", Currency: "USD", OrderedAt: invoiceDate, Status: workflow.StatusConfirmed}
	ref := workflow.DocumentRef{Type: workflow.DocPurchaseOrder, ID: 70}

	status, err := f.engine.CancelDelivery(context.Background(), ref, "buyer", "supplier out of stock")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusApproved, status)
	doc, err := f.repo.GetDocument(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, "supplier out of stock", doc.CancelReason)
}

func TestValidateDistribution(t *testing.T) {
	f := newFixture(t)
	err := f.engine.ValidateDistribution([]accounting.GLLine{
		{Account: "6100", Type: accounting.Debit, Amount: dec("100.00")},
		{Account: "2100", Type: accounting.Credit, Amount: dec("99.99")},
	})
	require.ErrorIs(t, err, accounting.ErrUnbalanced)

	err = f.engine.ValidateDistribution([]accounting.GLLine{
		{Account: "6100", Type: accounting.Debit, Amount: dec("100.004")},
		{Account: "2100", Type: accounting.Credit, Amount: dec("100.00")},
	})
	require.NoError(t, err)
}

func TestApproveUnknownStep(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ApproveStep(context.Background(), uuid.New(), "manager", "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Deps{})
	if err == nil {
		t.Fatalf("expected error for empty deps")
	}
}

func TestOutcomeLabels(t *testing.T) {
	cases := map[string]error{
		"ok":             nil,
		"validation":     shared.NewValidationError("amount", "bad"),
		"not_found":      shared.NewNotFound("invoice", 1),
		"state":          shared.NewStateError("invoice", 1, "post", "DRAFT"),
		"tolerance":      &shared.ToleranceExceededError{InvoiceID: 1},
		"rate_not_found": &fx.RateNotFoundError{From: "EUR", To: "USD", AsOf: paidDate},
		"lock_timeout":   ErrLockTimeout,
		"error":          errors.New("boom"),
	}
	for want, err := range cases {
		if got := outcome(err); got != want {
			t.Fatalf("outcome(%v) = %s, want %s", err, got, want)
		}
	}
}
