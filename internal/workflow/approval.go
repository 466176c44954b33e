package workflow

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/shared"
)

// InstanceStatus enumerates approval instance states.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "ACTIVE"
	InstanceApproved  InstanceStatus = "APPROVED"
	InstanceRejected  InstanceStatus = "REJECTED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports whether the instance accepts no further actions.
func (s InstanceStatus) Terminal() bool {
	return s != InstanceActive
}

// StepStatus enumerates step instance states.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepActive    StepStatus = "ACTIVE"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Condition narrows a step to documents of given types and amount ranges.
// Empty fields match everything.
type Condition struct {
	EntityTypes []DocumentType   `json:"entity_types,omitempty"`
	MinAmount   *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount   *decimal.Decimal `json:"max_amount,omitempty"`
}

// Step is one configured approval step.
type Step struct {
	ID               int64
	Sequence         int
	ApproverType     string
	ApprovalRequired bool
	ParallelApproval bool
	MinAmount        *decimal.Decimal
	MaxAmount        *decimal.Decimal
	Condition        *Condition
}

// Workflow is an approval configuration for one document type.
type Workflow struct {
	ID         int64
	Name       string
	EntityType DocumentType
	Active     bool
	Steps      []Step
}

// Subject is the document data steps are evaluated against. Amount is the
// document total in base currency.
type Subject struct {
	Document DocumentRef
	Amount   decimal.Decimal
}

// StepInstance is the live state of one configured step.
type StepInstance struct {
	ID           uuid.UUID
	InstanceID   uuid.UUID
	StepID       int64
	Sequence     int
	Position     int
	ApproverType string
	Required     bool
	Parallel     bool
	Status       StepStatus
	ActivatedAt  *time.Time
	CompletedAt  *time.Time
	ActedBy      string
	Notes        string
}

// Instance binds one workflow to one document.
type Instance struct {
	ID          uuid.UUID
	WorkflowID  int64
	Document    DocumentRef
	Amount      decimal.Decimal
	Status      InstanceStatus
	Steps       []StepInstance
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy so transitions never alias the caller's snapshot.
func (i Instance) Clone() Instance {
	out := i
	out.Steps = make([]StepInstance, len(i.Steps))
	copy(out.Steps, i.Steps)
	if i.CompletedAt != nil {
		at := *i.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// Step looks up a step instance by id.
func (i Instance) Step(id uuid.UUID) (StepInstance, bool) {
	for _, s := range i.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepInstance{}, false
}

// ActiveSteps lists steps currently awaiting an approver.
func (i Instance) ActiveSteps() []StepInstance {
	var out []StepInstance
	for _, s := range i.Steps {
		if s.Status == StepActive {
			out = append(out, s)
		}
	}
	return out
}

// IDGenerator supplies identifiers for new records.
type IDGenerator func() uuid.UUID

// Instantiate evaluates wf against subject and activates the first group.
// An instance whose steps are all skipped is approved immediately.
func Instantiate(wf Workflow, subject Subject, newID IDGenerator, at time.Time) (Instance, error) {
	if wf.EntityType != subject.Document.Type {
		return Instance{}, shared.NewValidationError("workflow", "workflow %d governs %s, not %s", wf.ID, wf.EntityType, subject.Document.Type)
	}
	if newID == nil {
		newID = uuid.New
	}
	inst := Instance{
		ID:         newID(),
		WorkflowID: wf.ID,
		Document:   subject.Document,
		Amount:     subject.Amount,
		Status:     InstanceActive,
		CreatedAt:  at,
	}
	steps := slices.Clone(wf.Steps)
	slices.SortStableFunc(steps, func(a, b Step) int { return a.Sequence - b.Sequence })
	for pos, step := range steps {
		si := StepInstance{
			ID:           newID(),
			InstanceID:   inst.ID,
			StepID:       step.ID,
			Sequence:     step.Sequence,
			Position:     pos,
			ApproverType: step.ApproverType,
			Required:     step.ApprovalRequired,
			Parallel:     step.ParallelApproval,
			Status:       StepPending,
		}
		if !step.Matches(subject) {
			si.Status = StepSkipped
			si.CompletedAt = timePtr(at)
			si.Notes = "condition not met"
		}
		inst.Steps = append(inst.Steps, si)
	}
	advance(&inst, at)
	return inst, nil
}

// Matches reports whether the step applies to subject.
func (s Step) Matches(subject Subject) bool {
	if !inRange(subject.Amount, s.MinAmount, s.MaxAmount) {
		return false
	}
	if s.Condition == nil {
		return true
	}
	if len(s.Condition.EntityTypes) > 0 && !slices.Contains(s.Condition.EntityTypes, subject.Document.Type) {
		return false
	}
	return inRange(subject.Amount, s.Condition.MinAmount, s.Condition.MaxAmount)
}

func inRange(v decimal.Decimal, lo, hi *decimal.Decimal) bool {
	if lo != nil && v.LessThan(*lo) {
		return false
	}
	if hi != nil && v.GreaterThan(*hi) {
		return false
	}
	return true
}

// Approve records an approval on stepID and advances the instance.
func Approve(inst Instance, stepID uuid.UUID, actor, comments string, at time.Time) (Instance, StepInstance, error) {
	out, idx, err := actionable(inst, stepID, "approve")
	if err != nil {
		return inst, StepInstance{}, err
	}
	step := &out.Steps[idx]
	step.Status = StepApproved
	step.CompletedAt = timePtr(at)
	step.ActedBy = actor
	step.Notes = strings.TrimSpace(comments)
	advance(&out, at)
	return out, out.Steps[idx], nil
}

// Reject rejects the instance through stepID. A comment is mandatory and every
// remaining pending or active step is cancelled.
func Reject(inst Instance, stepID uuid.UUID, actor, comments string, at time.Time) (Instance, StepInstance, error) {
	comments = strings.TrimSpace(comments)
	if comments == "" {
		return inst, StepInstance{}, shared.NewValidationError("comments", "rejection requires a comment")
	}
	out, idx, err := actionable(inst, stepID, "reject")
	if err != nil {
		return inst, StepInstance{}, err
	}
	step := &out.Steps[idx]
	step.Status = StepRejected
	step.CompletedAt = timePtr(at)
	step.ActedBy = actor
	step.Notes = comments
	cancelOpen(&out, at, "")
	out.Status = InstanceRejected
	out.CompletedAt = timePtr(at)
	return out, out.Steps[idx], nil
}

// Cancel discards an in-progress instance. Terminal instances are returned unchanged.
func Cancel(inst Instance, reason string, at time.Time) Instance {
	if inst.Status.Terminal() {
		return inst
	}
	out := inst.Clone()
	cancelOpen(&out, at, reason)
	out.Status = InstanceCancelled
	out.CompletedAt = timePtr(at)
	return out
}

func actionable(inst Instance, stepID uuid.UUID, op string) (Instance, int, error) {
	idx := slices.IndexFunc(inst.Steps, func(s StepInstance) bool { return s.ID == stepID })
	if idx < 0 {
		return inst, -1, shared.NewNotFound("approval step", stepID)
	}
	if inst.Status.Terminal() {
		return inst, -1, shared.NewStateError("approval instance", inst.ID.String(), op, string(inst.Status))
	}
	if inst.Steps[idx].Status != StepActive {
		return inst, -1, shared.NewStateError("approval step", stepID.String(), op, string(inst.Steps[idx].Status))
	}
	return inst.Clone(), idx, nil
}

func cancelOpen(inst *Instance, at time.Time, reason string) {
	for i := range inst.Steps {
		s := &inst.Steps[i]
		if s.Status == StepPending || s.Status == StepActive {
			s.Status = StepCancelled
			s.CompletedAt = timePtr(at)
			if reason != "" {
				s.Notes = reason
			}
		}
	}
}

// advance activates the earliest incomplete sequence group. Parallel groups
// activate every pending member at once and complete when all required members
// approve; optional members left open are skipped. Sequential groups admit one
// approver at a time and skip optional members when reached.
func advance(inst *Instance, at time.Time) {
	for _, group := range groups(inst.Steps) {
		if isParallel(inst.Steps, group) {
			if !requiredApproved(inst.Steps, group) {
				for _, i := range group {
					if inst.Steps[i].Status == StepPending {
						inst.Steps[i].Status = StepActive
						inst.Steps[i].ActivatedAt = timePtr(at)
					}
				}
				return
			}
			for _, i := range group {
				if s := &inst.Steps[i]; s.Status == StepPending || s.Status == StepActive {
					s.Status = StepSkipped
					s.CompletedAt = timePtr(at)
					s.Notes = "optional step not required"
				}
			}
			continue
		}
		for _, i := range group {
			s := &inst.Steps[i]
			switch s.Status {
			case StepActive:
				return
			case StepPending:
				if !s.Required {
					s.Status = StepSkipped
					s.CompletedAt = timePtr(at)
					s.Notes = "optional step not required"
					continue
				}
				s.Status = StepActive
				s.ActivatedAt = timePtr(at)
				return
			}
		}
	}
	inst.Status = InstanceApproved
	inst.CompletedAt = timePtr(at)
}

// groups returns step indexes bucketed by sequence in ascending order.
func groups(steps []StepInstance) [][]int {
	var out [][]int
	for i, s := range steps {
		if len(out) > 0 && steps[out[len(out)-1][0]].Sequence == s.Sequence {
			out[len(out)-1] = append(out[len(out)-1], i)
			continue
		}
		out = append(out, []int{i})
	}
	return out
}

func isParallel(steps []StepInstance, group []int) bool {
	for _, i := range group {
		if !steps[i].Parallel {
			return false
		}
	}
	return true
}

func requiredApproved(steps []StepInstance, group []int) bool {
	for _, i := range group {
		s := steps[i]
		if s.Required && s.Status != StepApproved && s.Status != StepSkipped {
			return false
		}
	}
	return true
}

func timePtr(t time.Time) *time.Time {
	return &t
}
