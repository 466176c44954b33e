// Package workflow holds the document lifecycle machine shared by every
// document type and the multi-step approval engine that drives it.
package workflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/odyssey-erp/reconciler/internal/shared"
)

// DocumentType enumerates documents governed by the lifecycle.
type DocumentType string

const (
	DocRequisition   DocumentType = "REQUISITION"
	DocPurchaseOrder DocumentType = "PURCHASE_ORDER"
	DocInvoice       DocumentType = "INVOICE"
	DocPayment       DocumentType = "PAYMENT"
)

// ParseDocumentType accepts the canonical name or a lower/kebab-case variant.
func ParseDocumentType(raw string) (DocumentType, error) {
	normalized := DocumentType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")))
	switch normalized {
	case DocRequisition, DocPurchaseOrder, DocInvoice, DocPayment:
		return normalized, nil
	}
	return "", shared.NewValidationError("document_type", "unknown document type %q", raw)
}

// DocumentRef identifies one document.
type DocumentRef struct {
	Type DocumentType
	ID   int64
}

func (r DocumentRef) String() string {
	return fmt.Sprintf("%s:%d", r.Type, r.ID)
}

// Status enumerates lifecycle states.
type Status string

const (
	StatusDraft             Status = "DRAFT"
	StatusPendingApproval   Status = "PENDING_APPROVAL"
	StatusApproved          Status = "APPROVED"
	StatusPosted            Status = "POSTED"
	StatusConfirmed         Status = "CONFIRMED"
	StatusPartiallyReceived Status = "PARTIALLY_RECEIVED"
	StatusReceived          Status = "RECEIVED"
	StatusClosed            Status = "CLOSED"
	StatusRejected          Status = "REJECTED"
	StatusCancelled         Status = "CANCELLED"
)

// StatusSubmitted is the same state as StatusPendingApproval.
const StatusSubmitted = StatusPendingApproval

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Action names a lifecycle operation.
type Action string

const (
	ActionSubmit         Action = "submit"
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionReopen         Action = "reopen"
	ActionPost           Action = "post"
	ActionConfirm        Action = "confirm"
	ActionCancelDelivery Action = "cancel_delivery"
	ActionReceivePartial Action = "receive_partial"
	ActionReceiveFull    Action = "receive_full"
	ActionClose          Action = "close"
	ActionCancel         Action = "cancel"
	ActionEdit           Action = "edit"
)

// Transition is the result of applying an action.
type Transition struct {
	From Status
	To   Status
	// ResetApproval is set when the existing approval instance must be
	// discarded and a fresh one started.
	ResetApproval bool
}

type edge struct {
	from   Status
	action Action
}

type rule struct {
	to    Status
	types []DocumentType
}

var allTypes = []DocumentType{DocRequisition, DocPurchaseOrder, DocInvoice, DocPayment}

var transitions = map[edge]rule{
	{StatusDraft, ActionSubmit}:                     {StatusPendingApproval, allTypes},
	{StatusPendingApproval, ActionApprove}:          {StatusApproved, allTypes},
	{StatusPendingApproval, ActionReject}:           {StatusRejected, allTypes},
	{StatusRejected, ActionReopen}:                  {StatusDraft, allTypes},
	{StatusApproved, ActionPost}:                    {StatusPosted, []DocumentType{DocInvoice, DocPayment}},
	{StatusApproved, ActionConfirm}:                 {StatusConfirmed, []DocumentType{DocPurchaseOrder}},
	{StatusConfirmed, ActionCancelDelivery}:         {StatusApproved, []DocumentType{DocPurchaseOrder}},
	{StatusConfirmed, ActionReceivePartial}:         {StatusPartiallyReceived, []DocumentType{DocPurchaseOrder}},
	{StatusConfirmed, ActionReceiveFull}:            {StatusReceived, []DocumentType{DocPurchaseOrder}},
	{StatusPartiallyReceived, ActionReceivePartial}: {StatusPartiallyReceived, []DocumentType{DocPurchaseOrder}},
	{StatusPartiallyReceived, ActionReceiveFull}:    {StatusReceived, []DocumentType{DocPurchaseOrder}},
	{StatusReceived, ActionClose}:                   {StatusClosed, []DocumentType{DocPurchaseOrder}},
	{StatusPosted, ActionClose}:                     {StatusClosed, []DocumentType{DocInvoice, DocPayment}},
	{StatusApproved, ActionClose}:                   {StatusClosed, []DocumentType{DocRequisition}},
	{StatusDraft, ActionEdit}:                       {StatusDraft, allTypes},
	{StatusRejected, ActionEdit}:                    {StatusDraft, allTypes},
	{StatusPendingApproval, ActionEdit}:             {StatusPendingApproval, allTypes},
	{StatusApproved, ActionEdit}:                    {StatusPendingApproval, allTypes},
}

// Machine evaluates guarded lifecycle transitions.
type Machine struct{}

// Apply returns the transition for action on doc while it is in status from.
func (Machine) Apply(doc DocumentRef, from Status, action Action) (Transition, error) {
	if action == ActionCancel {
		if from.Terminal() {
			return Transition{}, stateError(doc, action, from)
		}
		return Transition{From: from, To: StatusCancelled}, nil
	}
	r, ok := transitions[edge{from, action}]
	if !ok || !slices.Contains(r.types, doc.Type) {
		return Transition{}, stateError(doc, action, from)
	}
	t := Transition{From: from, To: r.to}
	if action == ActionEdit && (from == StatusPendingApproval || from == StatusApproved) {
		t.ResetApproval = true
	}
	return t, nil
}

// CanDelete reports whether a document may be soft-deleted.
func (Machine) CanDelete(status Status) bool {
	return status == StatusDraft
}

func stateError(doc DocumentRef, action Action, from Status) error {
	return shared.NewStateError(strings.ToLower(string(doc.Type)), doc.ID, string(action), string(from))
}
