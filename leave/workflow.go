package leave

import (
	"fmt"
	"time"
)

// =============================================================================
// APPROVAL WORKFLOW - Multi-level state machine with logical escalation
// =============================================================================
//
//   PendingApproval(1) --approve--> PendingApproval(2) ... --approve--> Approved
//          |                                |
//          +--reject--> Rejected            +--reject--> Rejected
//
// Escalation deadlines are stored on the trail and compared against the
// clock on every tick, so nothing has to survive a restart except the
// request itself. Escalating never changes the status.
//
// Workflow functions mutate the request in memory and return the
// notifications the transition produces. Persisting the result with
// compare-and-set on Version is the caller's job.

// Start moves a draft into PendingApproval with one trail step per level.
func Start(req *LeaveRequest, approval ApprovalSettings, at time.Time) ([]Notification, error) {
	if req.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot submit a %s request", ErrInvalidTransition, req.Status)
	}
	if len(approval.Levels) == 0 {
		return nil, fmt.Errorf("%w: no approval levels configured", ErrInvalidTransition)
	}

	req.Trail = make([]ApprovalStep, len(approval.Levels))
	for i, lvl := range approval.Levels {
		req.Trail[i] = ApprovalStep{
			Level:           i + 1,
			ApproverRole:    lvl.Role,
			EscalateTo:      lvl.EscalateTo,
			EscalationHours: lvl.EscalationHours,
			Decision:        DecisionPending,
		}
	}
	req.Status = StatusPendingApproval
	req.CurrentLevel = 1
	activate(&req.Trail[0], at)

	return []Notification{submitted(req, &req.Trail[0])}, nil
}

// Decide records role's decision on the current level. Approving the last
// level makes the request Approved; the caller posts the debit before
// persisting that transition.
func Decide(req *LeaveRequest, level int, role string, decision Decision, decidedBy, comment string, at time.Time) ([]Notification, error) {
	step := req.CurrentStep()
	if step == nil {
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, req.Status)
	}
	if level != step.Level {
		return nil, fmt.Errorf("%w: level %d is not pending, level %d is", ErrInvalidTransition, level, step.Level)
	}
	if role != step.ApproverRole {
		return nil, fmt.Errorf("%w: level %d expects %q, got %q", ErrWrongApprover, level, step.ApproverRole, role)
	}

	decidedAt := at.UTC()
	step.DecidedBy = decidedBy
	step.DecidedAt = &decidedAt
	step.Comment = comment

	switch decision {
	case DecisionRejected:
		step.Decision = DecisionRejected
		req.Status = StatusRejected
		return []Notification{{Event: EventRejected, RequestID: req.ID, RecipientRole: RoleEmployee, Level: level}}, nil

	case DecisionApproved:
		step.Decision = DecisionApproved
		if req.CurrentLevel == len(req.Trail) {
			req.Status = StatusApproved
			return []Notification{{Event: EventApproved, RequestID: req.ID, RecipientRole: RoleEmployee, Level: level}}, nil
		}
		req.CurrentLevel++
		next := &req.Trail[req.CurrentLevel-1]
		activate(next, at)
		return []Notification{submitted(req, next)}, nil

	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, decision)
	}
}

// DueEscalations marks the current level escalated when its deadline has
// passed. It fires once per level.
func DueEscalations(req *LeaveRequest, now time.Time) []Notification {
	step := req.CurrentStep()
	if step == nil || step.EscalatedAt != nil || step.EscalationDeadline.IsZero() {
		return nil
	}
	if now.Before(step.EscalationDeadline) {
		return nil
	}
	at := now.UTC()
	step.EscalatedAt = &at

	recipient := step.EscalateTo
	if recipient == "" {
		recipient = step.ApproverRole
	}
	return []Notification{{Event: EventEscalated, RequestID: req.ID, RecipientRole: recipient, Level: step.Level}}
}

// Cancel moves a pending or approved request to Cancelled. Policy checks
// for approved requests happen in the service, which also books the
// compensating credit.
func Cancel(req *LeaveRequest, by string, at time.Time) ([]Notification, error) {
	if req.Status != StatusPendingApproval && req.Status != StatusApproved {
		return nil, fmt.Errorf("%w: cannot cancel a %s request", ErrInvalidTransition, req.Status)
	}

	recipient := RoleEmployee
	if step := req.CurrentStep(); step != nil {
		recipient = step.ApproverRole
	}

	cancelledAt := at.UTC()
	req.Status = StatusCancelled
	req.CancelledBy = by
	req.CancelledAt = &cancelledAt
	return []Notification{{Event: EventCancelled, RequestID: req.ID, RecipientRole: recipient}}, nil
}

func activate(step *ApprovalStep, at time.Time) {
	step.EscalationDeadline = at.UTC().Add(time.Duration(step.EscalationHours) * time.Hour)
}

func submitted(req *LeaveRequest, step *ApprovalStep) Notification {
	return Notification{Event: EventRequestSubmitted, RequestID: req.ID, RecipientRole: step.ApproverRole, Level: step.Level}
}
