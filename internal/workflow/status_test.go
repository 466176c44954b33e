package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/reconciler/internal/shared"
)

func TestMachineTransitions(t *testing.T) {
	var m Machine
	invoice := DocumentRef{Type: DocInvoice, ID: 1}
	order := DocumentRef{Type: DocPurchaseOrder, ID: 2}

	cases := []struct {
		name   string
		doc    DocumentRef
		from   Status
		action Action
		to     Status
		reset  bool
	}{
		{"submit draft", invoice, StatusDraft, ActionSubmit, StatusPendingApproval, false},
		{"approve pending", invoice, StatusPendingApproval, ActionApprove, StatusApproved, false},
		{"reject pending", invoice, StatusPendingApproval, ActionReject, StatusRejected, false},
		{"reopen rejected", invoice, StatusRejected, ActionReopen, StatusDraft, false},
		{"post approved invoice", invoice, StatusApproved, ActionPost, StatusPosted, false},
		{"confirm approved order", order, StatusApproved, ActionConfirm, StatusConfirmed, false},
		{"cancel delivery", order, StatusConfirmed, ActionCancelDelivery, StatusApproved, false},
		{"partial receipt", order, StatusConfirmed, ActionReceivePartial, StatusPartiallyReceived, false},
		{"full receipt", order, StatusPartiallyReceived, ActionReceiveFull, StatusReceived, false},
		{"close received", order, StatusReceived, ActionClose, StatusClosed, false},
		{"edit approved resets", invoice, StatusApproved, ActionEdit, StatusPendingApproval, true},
		{"edit pending resets", invoice, StatusPendingApproval, ActionEdit, StatusPendingApproval, true},
		{"edit rejected returns to draft", invoice, StatusRejected, ActionEdit, StatusDraft, false},
		{"cancel posted", invoice, StatusPosted, ActionCancel, StatusCancelled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := m.Apply(tc.doc, tc.from, tc.action)
			require.NoError(t, err)
			require.Equal(t, tc.to, tr.To)
			require.Equal(t, tc.reset, tr.ResetApproval)
		})
	}
}

func TestMachineRejectsGuardedTransitions(t *testing.T) {
	var m Machine
	invoice := DocumentRef{Type: DocInvoice, ID: 1}
	order := DocumentRef{Type: DocPurchaseOrder, ID: 2}

	cases := []struct {
		name   string
		doc    DocumentRef
		from   Status
		action Action
	}{
		{"submit twice", invoice, StatusPendingApproval, ActionSubmit},
		{"post draft", invoice, StatusDraft, ActionPost},
		{"post order", order, StatusApproved, ActionPost},
		{"confirm invoice", invoice, StatusApproved, ActionConfirm},
		{"edit posted", invoice, StatusPosted, ActionEdit},
		{"cancel cancelled", invoice, StatusCancelled, ActionCancel},
		{"cancel closed", order, StatusClosed, ActionCancel},
		{"cancel delivery on approved", order, StatusApproved, ActionCancelDelivery},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Apply(tc.doc, tc.from, tc.action)
			require.ErrorIs(t, err, shared.ErrState)
		})
	}
}

func TestParseDocumentType(t *testing.T) {
	dt, err := ParseDocumentType("purchase-order")
	require.NoError(t, err)
	require.Equal(t, DocPurchaseOrder, dt)

	_, err = ParseDocumentType("quote")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCanDeleteOnlyDraft(t *testing.T) {
	var m Machine
	require.True(t, m.CanDelete(StatusDraft))
	require.False(t, m.CanDelete(StatusPendingApproval))
}
