package reconcilehttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/accounting"
	"github.com/odyssey-erp/reconciler/internal/ap"
	"github.com/odyssey-erp/reconciler/internal/fx"
	"github.com/odyssey-erp/reconciler/internal/platform/httpx"
	"github.com/odyssey-erp/reconciler/internal/procurement"
	"github.com/odyssey-erp/reconciler/internal/reconcile"
	"github.com/odyssey-erp/reconciler/internal/shared"
	"github.com/odyssey-erp/reconciler/internal/workflow"
)

// ActorHeader names the acting user on mutating requests.
const ActorHeader = "X-Actor"

type engine interface {
	Allocate(ctx context.Context, paymentID int64, selections []ap.Selection, actor string) ([]ap.Allocation, error)
	ClearPayment(ctx context.Context, paymentID int64, actor string) error
	RunMatch(ctx context.Context, invoiceID int64) (ap.MatchResult, error)
	ValidateDistribution(lines []accounting.GLLine) error
	SubmitForApproval(ctx context.Context, ref workflow.DocumentRef, actor string) (workflow.Instance, error)
	ApproveStep(ctx context.Context, stepID uuid.UUID, actor, comments string) (workflow.StepInstance, error)
	RejectStep(ctx context.Context, stepID uuid.UUID, actor, comments string) (workflow.StepInstance, error)
	Post(ctx context.Context, ref workflow.DocumentRef, actor string) (accounting.Distribution, error)
	EditDocument(ctx context.Context, ref workflow.DocumentRef, actor string) (reconcile.EditResult, error)
	Reopen(ctx context.Context, ref workflow.DocumentRef, actor string) (workflow.Status, error)
	Confirm(ctx context.Context, ref workflow.DocumentRef, actor string) (workflow.Status, error)
	CancelDelivery(ctx context.Context, ref workflow.DocumentRef, actor, reason string) (workflow.Status, error)
	Close(ctx context.Context, ref workflow.DocumentRef, actor string) (workflow.Status, error)
	Cancel(ctx context.Context, ref workflow.DocumentRef, actor, reason string) (workflow.Status, error)
	Delete(ctx context.Context, ref workflow.DocumentRef, actor string) error
	UpdateReceiptProgress(ctx context.Context, orderID int64, actor string) (procurement.Progress, workflow.Status, error)
}

type reader interface {
	GetInstance(ctx context.Context, id uuid.UUID) (workflow.Instance, error)
	LatestMatch(ctx context.Context, invoiceID int64) (reconcile.StoredMatch, bool, error)
	ListApprovalLogs(ctx context.Context, ref workflow.DocumentRef) ([]workflow.ApprovalLog, error)
}

// rematchQueue schedules re-matching after receipts change. Invoice 0 sweeps
// every invoice awaiting a match.
type rematchQueue interface {
	EnqueueRematch(ctx context.Context, invoiceID int64) (*asynq.TaskInfo, error)
}

// Handler exposes reconciliation operations as JSON endpoints.
type Handler struct {
	logger    *slog.Logger
	engine    engine
	reader    reader
	queue     rematchQueue
	validator *validator.Validate
}

// WithRematchQueue enables re-match scheduling on receipt progress updates.
func (h *Handler) WithRematchQueue(q rematchQueue) *Handler {
	h.queue = q
	return h
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, engine engine, reader reader) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, engine: engine, reader: reader, validator: v}
}

type selectionRequest struct {
	InvoiceID int64           `json:"invoice_id" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
}

type allocateRequest struct {
	Selections []selectionRequest `json:"selections" validate:"required,min=1,dive"`
}

type glLineRequest struct {
	Account     string          `json:"account" validate:"required,max=64"`
	LineType    string          `json:"line_type" validate:"required,oneof=DEBIT CREDIT"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=256"`
}

type distributionRequest struct {
	Lines []glLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type commentRequest struct {
	Comments string `json:"comments" validate:"max=1000"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type statusResponse struct {
	Document string          `json:"document"`
	Status   workflow.Status `json:"status"`
}

type allocationResponse struct {
	ID            int64           `json:"id"`
	PaymentID     int64           `json:"payment_id"`
	InvoiceID     int64           `json:"invoice_id"`
	Seq           int             `json:"seq"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentAmount decimal.Decimal `json:"payment_amount"`
	Rate          decimal.Decimal `json:"rate"`
	CreatedAt     time.Time       `json:"created_at"`
}

type stepResponse struct {
	ID           uuid.UUID           `json:"id"`
	InstanceID   uuid.UUID           `json:"instance_id"`
	Sequence     int                 `json:"sequence"`
	ApproverType string              `json:"approver_type"`
	Required     bool                `json:"required"`
	Parallel     bool                `json:"parallel"`
	Status       workflow.StepStatus `json:"status"`
	ActivatedAt  *time.Time          `json:"activated_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	ActedBy      string              `json:"acted_by,omitempty"`
	Notes        string              `json:"notes,omitempty"`
}

type instanceResponse struct {
	ID          uuid.UUID               `json:"id"`
	Document    string                  `json:"document"`
	Amount      decimal.Decimal         `json:"amount"`
	Status      workflow.InstanceStatus `json:"status"`
	Steps       []stepResponse          `json:"steps"`
	CreatedAt   time.Time               `json:"created_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

type logResponse struct {
	InstanceID *uuid.UUID         `json:"instance_id,omitempty"`
	StepID     *uuid.UUID         `json:"step_id,omitempty"`
	Actor      string             `json:"actor"`
	Action     workflow.LogAction `json:"action"`
	Note       string             `json:"note,omitempty"`
	At         time.Time          `json:"at"`
}

type progressLine struct {
	POLineID    int64           `json:"po_line_id"`
	Ordered     decimal.Decimal `json:"ordered"`
	Received    decimal.Decimal `json:"received"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type progressResponse struct {
	Status workflow.Status          `json:"status"`
	State  procurement.ReceiptState `json:"state"`
	Lines  []progressLine           `json:"lines"`
	// RematchQueued is true when a re-match sweep was scheduled.
	RematchQueued bool `json:"rematch_queued"`
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req allocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	selections := make([]ap.Selection, 0, len(req.Selections))
	for _, s := range req.Selections {
		selections = append(selections, ap.Selection{InvoiceID: s.InvoiceID, Amount: s.Amount})
	}
	allocs, err := h.engine.Allocate(r.Context(), paymentID, selections, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]allocationResponse, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, allocationResponse(a))
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"allocations": out})
}

func (h *Handler) handleClearAllocations(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.ClearPayment(r.Context(), paymentID, actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRunMatch(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.engine.RunMatch(r.Context(), invoiceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleLatestMatch(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	stored, found, err := h.reader.LatestMatch(r.Context(), invoiceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		h.fail(w, r, shared.NewNotFound("match result", invoiceID))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"match": stored.MatchResult, "matched_at": stored.MatchedAt})
}

func (h *Handler) handleValidateDistribution(w http.ResponseWriter, r *http.Request) {
	var req distributionRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines := make([]accounting.GLLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, accounting.GLLine{Account: l.Account, Type: accounting.LineType(l.LineType), Amount: l.Amount, Description: l.Description})
	}
	if err := h.engine.ValidateDistribution(lines); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balanced": true})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.documentRef(w, r)
	if !ok {
		return
	}
	inst, err := h.engine.SubmitForApproval(r.Context(), ref, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toInstance(inst))
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.documentRef(w, r)
	if !ok {
		return
	}
	res, err := h.engine.EditDocument(r.Context(), ref, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body := map[string]any{"document": ref.String(), "status": res.Status}
	if res.Instance != nil {
		body["instance"] = toInstance(*res.Instance)
	}
	httpx.JSON(w, http.StatusOK, body)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.documentRef(w, r)
	if !ok {
		return
	}
	dist, err := h.engine.Post(r.Context(), ref, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dist)
}

type transitionFunc func(ctx context.Context, ref workflow.DocumentRef, actor string) (workflow.Status, error)

// handleTransition adapts plain lifecycle operations.
func (h *Handler) handleTransition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := h.documentRef(w, r)
		if !ok {
			return
		}
		status, err := fn(r.Context(), ref, actor(r))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, statusResponse{Document: ref.String(), Status: status})
	}
}

type reasonFunc func(ctx context.Context, ref workflow.DocumentRef, actor, reason string) (workflow.Status, error)

func (h *Handler) handleReasonTransition(fn reasonFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := h.documentRef(w, r)
		if !ok {
			return
		}
		var req reasonRequest
		if !h.decode(w, r, &req) {
			return
		}
		status, err := fn(r.Context(), ref, actor(r), req.Reason)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, statusResponse{Document: ref.String(), Status: status})
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.documentRef(w, r)
	if !ok {
		return
	}
	if err := h.engine.Delete(r.Context(), ref, actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleApprovalLogs(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.documentRef(w, r)
	if !ok {
		return
	}
	logs, err := h.reader.ListApprovalLogs(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]logResponse, 0, len(logs))
	for _, l := range logs {
		entry := logResponse{StepID: l.StepID, Actor: l.Actor, Action: l.Action, Note: l.Note, At: l.At}
		if l.InstanceID != uuid.Nil {
			id := l.InstanceID
			entry.InstanceID = &id
		}
		out = append(out, entry)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"document": ref.String(), "logs": out})
}

func (h *Handler) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, shared.NewValidationError("id", "must be a UUID"))
		return
	}
	inst, err := h.reader.GetInstance(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInstance(inst))
}

func (h *Handler) handleApproveStep(w http.ResponseWriter, r *http.Request) {
	h.actOnStep(w, r, h.engine.ApproveStep)
}

func (h *Handler) handleRejectStep(w http.ResponseWriter, r *http.Request) {
	h.actOnStep(w, r, h.engine.RejectStep)
}

func (h *Handler) actOnStep(w http.ResponseWriter, r *http.Request, act func(context.Context, uuid.UUID, string, string) (workflow.StepInstance, error)) {
	stepID, err := uuid.Parse(chi.URLParam(r, "stepID"))
	if err != nil {
		h.fail(w, r, shared.NewValidationError("step_id", "must be a UUID"))
		return
	}
	var req commentRequest
	if !h.decode(w, r, &req) {
		return
	}
	step, err := act(r.Context(), stepID, actor(r), req.Comments)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toStep(step))
}

func (h *Handler) handleReceiptProgress(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	progress, status, err := h.engine.UpdateReceiptProgress(r.Context(), orderID, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := progressResponse{Status: status, State: progress.State}
	for _, l := range progress.Lines {
		out.Lines = append(out.Lines, progressLine{POLineID: l.POLineID, Ordered: l.Ordered, Received: l.Received, Outstanding: l.Outstanding()})
	}
	if h.queue != nil {
		if _, err := h.queue.EnqueueRematch(r.Context(), 0); err != nil {
			h.logger.Warn("enqueue rematch", slog.Int64("order_id", orderID), slog.Any("error", err))
		} else {
			out.RematchQueued = true
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}

// decode reads and validates a JSON body. Empty bodies decode to the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, target); err != nil && !errors.Is(err, io.EOF) {
			h.fail(w, r, shared.NewValidationError("body", "invalid JSON: %v", err))
			return false
		}
	}
	if err := h.validator.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.fail(w, r, err)
			return false
		}
		out := &shared.ValidationError{}
		for _, fe := range verrs {
			out.Add(fieldPath(fe), "failed %s validation", fe.Tag())
		}
		h.fail(w, r, out)
		return false
	}
	return true
}

// fieldPath drops the root struct name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, r, shared.NewValidationError(param, "must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *Handler) documentRef(w http.ResponseWriter, r *http.Request) (workflow.DocumentRef, bool) {
	docType, err := workflow.ParseDocumentType(chi.URLParam(r, "type"))
	if err != nil {
		h.fail(w, r, err)
		return workflow.DocumentRef{}, false
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return workflow.DocumentRef{}, false
	}
	return workflow.DocumentRef{Type: docType, ID: id}, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fx.ErrRateNotFound):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Exchange Rate Missing", err.Error())
	case errors.Is(err, reconcile.ErrLockTimeout):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "document is locked by another operation")
	default:
		if !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrNotFound) &&
			!errors.Is(err, shared.ErrState) && !errors.Is(err, shared.ErrToleranceExceeded) {
			h.logger.Error("reconcile request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func toInstance(inst workflow.Instance) instanceResponse {
	out := instanceResponse{
		ID:          inst.ID,
		Document:    inst.Document.String(),
		Amount:      inst.Amount,
		Status:      inst.Status,
		CreatedAt:   inst.CreatedAt,
		CompletedAt: inst.CompletedAt,
		Steps:       make([]stepResponse, 0, len(inst.Steps)),
	}
	for _, s := range inst.Steps {
		out.Steps = append(out.Steps, toStep(s))
	}
	return out
}

func toStep(s workflow.StepInstance) stepResponse {
	return stepResponse{
		ID:           s.ID,
		InstanceID:   s.InstanceID,
		Sequence:     s.Sequence,
		ApproverType: s.ApproverType,
		Required:     s.Required,
		Parallel:     s.Parallel,
		Status:       s.Status,
		ActivatedAt:  s.ActivatedAt,
		CompletedAt:  s.CompletedAt,
		ActedBy:      s.ActedBy,
		Notes:        s.Notes,
	}
}
