// Package reconcile exposes the reconciliation operations as atomic units
// over the persistence port.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/reconciler/internal/accounting"
	"github.com/odyssey-erp/reconciler/internal/ap"
	"github.com/odyssey-erp/reconciler/internal/fx"
	"github.com/odyssey-erp/reconciler/internal/money"
	"github.com/odyssey-erp/reconciler/internal/shared"
	"github.com/odyssey-erp/reconciler/internal/workflow"
)

// Deps collects engine collaborators.
type Deps struct {
	Repo      Repository
	Locker    Locker
	Converter *fx.Converter
	Accounts  *accounting.AccountResolver
	Matcher   *ap.Matcher
	Audit     AuditPort
	Metrics   *Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
	NewID     workflow.IDGenerator
}

// Engine runs reconciliation operations.
type Engine struct {
	repo      Repository
	locker    Locker
	converter *fx.Converter
	units     money.Units
	balancer  *ap.Balancer
	matcher   *ap.Matcher
	builder   *accounting.DistributionBuilder
	machine   workflow.Machine
	audit     AuditPort
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     workflow.IDGenerator
}

// NewEngine validates deps and constructs an Engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Repo == nil {
		return nil, errors.New("reconcile: repository required")
	}
	if deps.Converter == nil {
		return nil, errors.New("reconcile: currency converter required")
	}
	if deps.Matcher == nil {
		return nil, errors.New("reconcile: matcher required")
	}
	if deps.Accounts == nil {
		return nil, errors.New("reconcile: account resolver required")
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		repo:      deps.Repo,
		locker:    deps.Locker,
		converter: deps.Converter,
		units:     deps.Converter.Units(),
		balancer:  ap.NewBalancer(deps.Converter),
		matcher:   deps.Matcher,
		builder:   accounting.NewDistributionBuilder(deps.Converter, deps.Accounts),
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Clock,
		newID:     deps.NewID,
	}, nil
}

// locked runs fn in one transaction while holding every lock in keys.
func (e *Engine) locked(ctx context.Context, keys []string, fn func(context.Context, TxRepository) error) error {
	release, err := e.locker.Acquire(ctx, keys...)
	if err != nil {
		return err
	}
	defer release()
	return e.repo.WithTx(ctx, fn)
}

func (e *Engine) finish(ctx context.Context, op string, start time.Time, err error, attrs ...any) {
	e.metrics.observe(op, start, err)
	if err != nil {
		level := slog.LevelWarn
		if outcome(err) == "error" {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "reconcile "+op, append(attrs, slog.Any("error", err))...)
		return
	}
	e.logger.Debug("reconcile "+op, attrs...)
}

func (e *Engine) record(ctx context.Context, log shared.AuditLog) {
	if e.audit == nil {
		return
	}
	log.At = e.now()
	if err := e.audit.Record(ctx, log); err != nil {
		e.logger.Warn("record audit", slog.String("action", log.Action), slog.Any("error", err))
	}
}

// Allocate applies selections of payment paymentID to invoices as one batch.
func (e *Engine) Allocate(ctx context.Context, paymentID int64, selections []ap.Selection, actor string) (allocs []ap.Allocation, err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "allocate", start, err, slog.Int64("payment_id", paymentID)) }()

	keys := []string{shared.FinanceLockKey(shared.LockPayment, paymentID)}
	for _, sel := range selections {
		keys = append(keys, shared.FinanceLockKey(shared.LockInvoice, sel.InvoiceID))
	}
	err = e.locked(ctx, keys, func(ctx context.Context, tx TxRepository) error {
		payment, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		invoices, err := e.lockInvoices(ctx, tx, selectionInvoiceIDs(selections))
		if err != nil {
			return err
		}
		plan, err := e.balancer.Allocate(ctx, payment, selections, invoices)
		if err != nil {
			return err
		}
		now := e.now()
		for i := range plan.Allocations {
			plan.Allocations[i].CreatedAt = now
		}
		allocs, err = tx.InsertAllocations(ctx, plan.Allocations)
		if err != nil {
			return err
		}
		for _, inv := range plan.Invoices {
			if err := tx.UpdateInvoiceSettlement(ctx, inv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, shared.NewAuditLog(actor, "ALLOCATE", "payment", paymentID, map[string]any{"allocations": len(allocs)}))
	return allocs, nil
}

// ClearPayment removes every allocation of paymentID.
func (e *Engine) ClearPayment(ctx context.Context, paymentID int64, actor string) (err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "clear_payment", start, err, slog.Int64("payment_id", paymentID)) }()

	current, err := e.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	keys := []string{shared.FinanceLockKey(shared.LockPayment, paymentID)}
	for _, a := range current.Allocations {
		keys = append(keys, shared.FinanceLockKey(shared.LockInvoice, a.InvoiceID))
	}
	err = e.locked(ctx, keys, func(ctx context.Context, tx TxRepository) error {
		payment, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(payment.Allocations))
		for _, a := range payment.Allocations {
			ids = append(ids, a.InvoiceID)
		}
		invoices, err := e.lockInvoices(ctx, tx, ids)
		if err != nil {
			return err
		}
		plan, err := e.balancer.ClearPayment(payment, invoices)
		if err != nil {
			return err
		}
		if err := tx.DeleteAllocations(ctx, paymentID); err != nil {
			return err
		}
		for _, inv := range plan.Invoices {
			if err := tx.UpdateInvoiceSettlement(ctx, inv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.record(ctx, shared.NewAuditLog(actor, "CLEAR_ALLOCATIONS", "payment", paymentID, nil))
	return nil
}

// RunMatch recomputes and stores the three-way match of invoiceID.
func (e *Engine) RunMatch(ctx context.Context, invoiceID int64) (res ap.MatchResult, err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "run_match", start, err, slog.Int64("invoice_id", invoiceID)) }()

	err = e.locked(ctx, []string{shared.FinanceLockKey(shared.LockInvoice, invoiceID)}, func(ctx context.Context, tx TxRepository) error {
		inv, err := e.lockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		res, err = e.match(ctx, tx, inv)
		return err
	})
	if err != nil {
		return ap.MatchResult{}, err
	}
	return res, nil
}

// match computes and persists the match of inv inside tx.
func (e *Engine) match(ctx context.Context, tx TxRepository, inv ap.Invoice) (ap.MatchResult, error) {
	if inv.Deleted {
		return ap.MatchResult{}, shared.NewNotFound("invoice", inv.ID)
	}
	order, receipt, err := e.matchSources(ctx, tx, inv)
	if err != nil {
		return ap.MatchResult{}, err
	}
	res := e.matcher.Match(inv, order, receipt)
	if err := tx.ReplaceMatch(ctx, StoredMatch{MatchResult: res, MatchedAt: e.now()}); err != nil {
		return ap.MatchResult{}, err
	}
	e.metrics.match(string(res.Status))
	return res, nil
}

// ValidateDistribution checks lines in the base currency.
func (e *Engine) ValidateDistribution(lines []accounting.GLLine) error {
	return accounting.ValidateDistribution(e.units, e.converter.BaseCurrency(), lines)
}

// SubmitForApproval moves a DRAFT document into approval. Invoices with a
// linked receipt are matched first and a FAILED match keeps them in DRAFT.
func (e *Engine) SubmitForApproval(ctx context.Context, ref workflow.DocumentRef, actor string) (inst workflow.Instance, err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "submit", start, err, slog.String("document", ref.String())) }()

	err = e.locked(ctx, documentKeys(ref), func(ctx context.Context, tx TxRepository) error {
		doc, err := lockLiveDocument(ctx, tx, ref)
		if err != nil {
			return err
		}
		tr, err := e.machine.Apply(ref, doc.Status, workflow.ActionSubmit)
		if err != nil {
			return err
		}
		if ref.Type == workflow.DocInvoice {
			inv, err := e.rematch(ctx, tx, ref.ID)
			if err != nil {
				return err
			}
			doc.Amount = inv.Total
		}
		inst, err = e.startApproval(ctx, tx, doc, tr.To, actor, workflow.LogSubmit, "")
		return err
	})
	if err != nil {
		return workflow.Instance{}, err
	}
	e.record(ctx, shared.NewAuditLog(actor, "SUBMIT", strings.ToLower(string(ref.Type)), ref.ID, map[string]any{"instance": inst.ID.String()}))
	return inst, nil
}

// startApproval instantiates the active workflow for doc, persists it and
// moves the document to status, or straight to APPROVED when no step applies.
func (e *Engine) startApproval(ctx context.Context, tx TxRepository, doc Document, status workflow.Status, actor string, action workflow.LogAction, note string) (workflow.Instance, error) {
	wf, err := tx.ActiveWorkflow(ctx, doc.Ref.Type)
	if err != nil {
		return workflow.Instance{}, err
	}
	amount, err := e.converter.ToBase(ctx, doc.Amount, doc.Currency, doc.Date)
	if err != nil {
		return workflow.Instance{}, err
	}
	now := e.now()
	inst, err := workflow.Instantiate(wf, workflow.Subject{Document: doc.Ref, Amount: amount.BaseValue}, e.newID, now)
	if err != nil {
		return workflow.Instance{}, err
	}
	if err := tx.SaveInstance(ctx, inst); err != nil {
		return workflow.Instance{}, err
	}
	if inst.Status == workflow.InstanceApproved {
		tr, err := e.machine.Apply(doc.Ref, status, workflow.ActionApprove)
		if err != nil {
			return workflow.Instance{}, err
		}
		status = tr.To
	}
	if err := tx.UpdateDocumentStatus(ctx, doc.Ref, status); err != nil {
		return workflow.Instance{}, err
	}
	return inst, tx.AppendApprovalLog(ctx, workflow.ApprovalLog{
		Document:   doc.Ref,
		InstanceID: inst.ID,
		Actor:      actor,
		Action:     action,
		Note:       note,
		At:         now,
	})
}

// ApproveStep approves an ACTIVE step. Completing the last group approves
// the document; invoices are rematched then and a FAILED match blocks it.
func (e *Engine) ApproveStep(ctx context.Context, stepID uuid.UUID, actor, comments string) (step workflow.StepInstance, err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "approve_step", start, err, slog.String("step_id", stepID.String())) }()

	inst, err := e.actOnStep(ctx, stepID, actor, func(ctx context.Context, tx TxRepository, inst workflow.Instance) (workflow.Instance, workflow.StepInstance, error) {
		updated, step, err := workflow.Approve(inst, stepID, actor, comments, e.now())
		if err != nil {
			return inst, step, err
		}
		if updated.Status != workflow.InstanceApproved {
			return updated, step, nil
		}
		doc, err := lockLiveDocument(ctx, tx, inst.Document)
		if err != nil {
			return inst, step, err
		}
		if doc.Ref.Type == workflow.DocInvoice {
			if _, err := e.rematch(ctx, tx, doc.Ref.ID); err != nil {
				return inst, step, err
			}
		}
		tr, err := e.machine.Apply(doc.Ref, doc.Status, workflow.ActionApprove)
		if err != nil {
			return inst, step, err
		}
		return updated, step, tx.UpdateDocumentStatus(ctx, doc.Ref, tr.To)
	}, workflow.LogApprove, comments)
	if err != nil {
		return workflow.StepInstance{}, err
	}
	step, _ = inst.Step(stepID)
	return step, nil
}

// RejectStep rejects the instance through an ACTIVE step and returns the
// document to REJECTED. comments must not be blank.
func (e *Engine) RejectStep(ctx context.Context, stepID uuid.UUID, actor, comments string) (step workflow.StepInstance, err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "reject_step", start, err, slog.String("step_id", stepID.String())) }()

	if strings.TrimSpace(comments) == "" {
		return workflow.StepInstance{}, shared.NewValidationError("comments", "rejection requires a comment")
	}
	inst, err := e.actOnStep(ctx, stepID, actor, func(ctx context.Context, tx TxRepository, inst workflow.Instance) (workflow.Instance, workflow.StepInstance, error) {
		updated, step, err := workflow.Reject(inst, stepID, actor, comments, e.now())
		if err != nil {
			return inst, step, err
		}
		doc, err := lockLiveDocument(ctx, tx, inst.Document)
		if err != nil {
			return inst, step, err
		}
		tr, err := e.machine.Apply(doc.Ref, doc.Status, workflow.ActionReject)
		if err != nil {
			return inst, step, err
		}
		return updated, step, tx.UpdateDocumentStatus(ctx, doc.Ref, tr.To)
	}, workflow.LogReject, comments)
	if err != nil {
		return workflow.StepInstance{}, err
	}
	step, _ = inst.Step(stepID)
	return step, nil
}

type stepAction func(ctx context.Context, tx TxRepository, inst workflow.Instance) (workflow.Instance, workflow.StepInstance, error)

// actOnStep serializes actions on the instance owning stepID and persists
// the transitioned instance together with an approval log entry.
func (e *Engine) actOnStep(ctx context.Context, stepID uuid.UUID, actor string, act stepAction, action workflow.LogAction, note string) (workflow.Instance, error) {
	instanceID, err := e.repo.InstanceIDForStep(ctx, stepID)
	if err != nil {
		return workflow.Instance{}, err
	}
	var result workflow.Instance
	err = e.locked(ctx, []string{shared.FinanceLockKey(shared.LockInstance, instanceID)}, func(ctx context.Context, tx TxRepository) error {
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		updated, _, err := act(ctx, tx, inst)
		if err != nil {
			return err
		}
		if err := tx.SaveInstance(ctx, updated); err != nil {
			return err
		}
		step := stepID
		result = updated
		return tx.AppendApprovalLog(ctx, workflow.ApprovalLog{
			Document:   updated.Document,
			InstanceID: updated.ID,
			StepID:     &step,
			Actor:      actor,
			Action:     action,
			Note:       strings.TrimSpace(note),
			At:         e.now(),
		})
	})
	if err != nil {
		return workflow.Instance{}, err
	}
	e.record(ctx, shared.NewAuditLog(actor, string(action), "approval_step", stepID, map[string]any{
		"document": result.Document.String(),
		"instance": string(result.Status),
	}))
	return result, nil
}

// Post builds, validates and stores the GL distribution of an APPROVED
// invoice or payment and marks it POSTED. Invoices are rematched first.
func (e *Engine) Post(ctx context.Context, ref workflow.DocumentRef, actor string) (dist accounting.Distribution, err error) {
	start := time.Now()
	defer func() { e.finish(ctx, "post", start, err, slog.String("document", ref.String())) }()

	err = e.locked(ctx, documentKeys(ref), func(ctx context.Context, tx TxRepository) error {
		doc, err := lockLiveDocument(ctx, tx, ref)
		if err != nil {
			return err
		}
		tr, err := e.machine.Apply(ref, doc.Status, workflow.ActionPost)
		if err != nil {
			return err
		}
		switch ref.Type {
		case workflow.DocInvoice:
			inv, err := e.rematch(ctx, tx, ref.ID)
			if err != nil {
				return err
			}
			dist, err = e.builder.Invoice(ctx, accounting.InvoicePosting{
				Number:   inv.Number,
				Currency: inv.Currency,
				Date:     inv.InvoiceDate,
				Charges:  inv.Charges(e.units),
			})
			if err != nil {
				return err
			}
		case workflow.DocPayment:
			pay, err := tx.LockPayment(ctx, ref.ID)
			if err != nil {
				return err
			}
			dist, err = e.builder.Payment(ctx, accounting.PaymentPosting{
				Number:   pay.Number,
				Currency: pay.Currency,
				Date:     pay.PaidAt,
				Amount:   pay.Amount,
			})
			if err != nil {
				return err
			}
		}
		if err := e.ValidateDistribution(dist.Lines); err != nil {
			return err
		}
		now := e.now()
		if err := tx.SaveDistribution(ctx, PostedDistribution{Document: ref, Distribution: dist, PostedBy: actor, PostedAt: now}); err != nil {
			return err
		}
		if err := tx.UpdateDocumentStatus(ctx, ref, tr.To); err != nil {
			return err
		}
		if err := tx.MarkPosted(ctx, ref, now); err != nil {
			return err
		}
		return tx.AppendApprovalLog(ctx, workflow.ApprovalLog{Document: ref, Actor: actor, Action: workflow.LogPost, At: now})
	})
	if err != nil {
		return accounting.Distribution{}, err
	}
	debit, _ := dist.Totals()
	e.record(ctx, shared.NewAuditLog(actor, "POST", strings.ToLower(string(ref.Type)), ref.ID, map[string]any{"lines": len(dist.Lines), "total": debit.String()}))
	return dist, nil
}

// rematch recomputes the match of invoiceID and blocks a FAILED result. The
// locked invoice is returned with its rederived totals.
func (e *Engine) rematch(ctx context.Context, tx TxRepository, invoiceID int64) (ap.Invoice, error) {
	inv, err := e.lockInvoice(ctx, tx, invoiceID)
	if err != nil {
		return ap.Invoice{}, err
	}
	res, err := e.match(ctx, tx, inv)
	if err != nil {
		return ap.Invoice{}, err
	}
	return inv, matchFailure(invoiceID, res)
}

func matchFailure(invoiceID int64, res ap.MatchResult) error {
	if res.Status != ap.MatchFailed {
		return nil
	}
	return &shared.ToleranceExceededError{InvoiceID: invoiceID, VarianceAmount: res.VarianceAmount, TolerancePct: res.TolerancePct}
}
