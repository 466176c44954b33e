package workflow

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// LogAction enumerates approval log actions.
type LogAction string

const (
	LogSubmit  LogAction = "SUBMIT"
	LogApprove LogAction = "APPROVE"
	LogReject  LogAction = "REJECT"
	LogCancel  LogAction = "CANCEL"
	LogPost    LogAction = "POST"
)

// ApprovalLog is one row of approval history for a document.
type ApprovalLog struct {
	ID         int64
	Document   DocumentRef
	InstanceID uuid.UUID
	StepID     *uuid.UUID
	Actor      string
	Action     LogAction
	Note       string
	At         time.Time
}

// Validate checks the mandatory fields before persistence.
func (l ApprovalLog) Validate() error {
	if l.Document.Type == "" || l.Document.ID == 0 {
		return errors.New("approval log document required")
	}
	if l.Actor == "" {
		return errors.New("approval log actor required")
	}
	if l.Action == "" {
		return errors.New("approval log action required")
	}
	return nil
}
