package leave

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// LEAVE REQUEST
// =============================================================================

type RequestStatus string

const (
	StatusDraft           RequestStatus = "draft"
	StatusPendingApproval RequestStatus = "pending_approval"
	StatusApproved        RequestStatus = "approved"
	StatusRejected        RequestStatus = "rejected"
	StatusCancelled       RequestStatus = "cancelled"
)

// Terminal statuses never change again.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// Live requests count toward caps, cooldowns and overlap checks.
func (s RequestStatus) Live() bool {
	return s == StatusPendingApproval || s == StatusApproved
}

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalStep is one level of the approval trail. Steps for later levels
// have a zero EscalationDeadline until the level becomes active.
type ApprovalStep struct {
	Level              int
	ApproverRole       string
	EscalateTo         string
	EscalationHours    int
	Decision           Decision
	DecidedBy          string
	DecidedAt          *time.Time
	Comment            string
	EscalationDeadline time.Time
	EscalatedAt        *time.Time
}

type LeaveRequest struct {
	ID               string
	EmployeeID       generic.EntityID
	OrganizationID   string
	LeaveTypeID      generic.PolicyID
	LeaveTypeVersion int
	SettingsVersion  int

	Start   generic.TimePoint
	End     generic.TimePoint
	HalfDay bool
	Slot    HalfDaySlot
	Note    string

	SubmittedOn generic.TimePoint
	Status      RequestStatus

	// ChargeableDays is fixed at submission and reused at approval and
	// cancellation; it is never recomputed.
	ChargeableDays decimal.Decimal

	CurrentLevel int
	Trail        []ApprovalStep

	// DebitRef names the ledger posting made on final approval. Cancellation
	// compensates exactly that posting.
	DebitRef string

	CancelledBy string
	CancelledAt *time.Time

	// Version is the compare-and-set token for status transitions.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r LeaveRequest) Span() generic.Period {
	return generic.Period{Start: r.Start, End: r.End}
}

// CurrentStep returns the pending step, if any.
func (r *LeaveRequest) CurrentStep() *ApprovalStep {
	if r.Status != StatusPendingApproval || r.CurrentLevel < 1 || r.CurrentLevel > len(r.Trail) {
		return nil
	}
	return &r.Trail[r.CurrentLevel-1]
}

// Draft is the caller's input to evaluation and submission.
type Draft struct {
	EmployeeID  generic.EntityID
	LeaveTypeID generic.PolicyID
	Start       generic.TimePoint
	End         generic.TimePoint
	HalfDay     bool
	Slot        HalfDaySlot
	Note        string
	SubmittedOn generic.TimePoint
}

func (d Draft) Span() generic.Period {
	return generic.Period{Start: d.Start, End: d.End}
}

// =============================================================================
// REQUEST STORE
// =============================================================================

type RequestStore interface {
	CreateRequest(ctx context.Context, req LeaveRequest) error
	GetRequest(ctx context.Context, id string) (LeaveRequest, error)

	// UpdateRequest writes req only if the stored version still equals
	// expectedVersion, and stores it as expectedVersion+1. A mismatch
	// returns generic.ErrConcurrencyConflict.
	UpdateRequest(ctx context.Context, req LeaveRequest, expectedVersion int) error

	ListRequestsByEmployee(ctx context.Context, employeeID generic.EntityID) ([]LeaveRequest, error)
	ListRequestsByStatus(ctx context.Context, status RequestStatus) ([]LeaveRequest, error)
}
