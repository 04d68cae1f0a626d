package leave

import (
	"errors"
	"fmt"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrIneligibleRequest is behind every *IneligibleRequestError.
	ErrIneligibleRequest = errors.New("ineligible leave request")

	// ErrCalendarUnavailable is behind every *CalendarUnavailableError.
	ErrCalendarUnavailable = errors.New("calendar unavailable")

	// ErrSchedulerIdempotency marks a period run that had already posted for
	// an (employee, leave type) pair. It is logged and skipped, never fatal.
	ErrSchedulerIdempotency = errors.New("scheduler period already posted")

	// ErrRunInProgress is returned when another run holds the organization+period lock.
	ErrRunInProgress = errors.New("scheduler run already in progress")

	ErrInvalidTransition = errors.New("invalid request state transition")
	ErrWrongApprover     = errors.New("approver role does not match the pending level")

	ErrLeaveTypeNotFound = fmt.Errorf("leave type: %w", generic.ErrPolicyNotFound)
	ErrEmployeeNotFound  = fmt.Errorf("employee: %w", generic.ErrEntityNotFound)
	ErrRequestNotFound   = errors.New("leave request not found")
	ErrSettingsNotFound  = errors.New("organization settings not found")
	ErrBlackoutNotFound  = errors.New("blackout period not found")
	ErrRunNotFound       = errors.New("scheduler run not found")
	ErrCreditNotFound    = errors.New("comp-off credit not found")

	ErrCompOffNotConfigured = errors.New("comp-off leave type not configured")
	ErrCompOffMaxBalance    = errors.New("comp-off credit would exceed maximum balance")
	ErrDuplicateOvertime    = errors.New("comp-off already granted for overtime")
	ErrEncashmentNotAllowed = errors.New("encashment not allowed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// IneligibleRequestError names the specific rule a request failed.
type IneligibleRequestError struct {
	Reason RejectionReason
	Detail string
}

func (e *IneligibleRequestError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ineligible request: %s", e.Reason)
	}
	return fmt.Sprintf("ineligible request: %s: %s", e.Reason, e.Detail)
}

func (e *IneligibleRequestError) Unwrap() error { return ErrIneligibleRequest }

// CalendarUnavailableError wraps a Calendar Provider failure. No leave
// decision is made on an unknown calendar.
type CalendarUnavailableError struct {
	Date generic.TimePoint
	Err  error
}

func (e *CalendarUnavailableError) Error() string {
	return fmt.Sprintf("calendar unavailable for %s: %v", e.Date, e.Err)
}

func (e *CalendarUnavailableError) Unwrap() []error { return []error{ErrCalendarUnavailable, e.Err} }

// IsNotFound extends generic.IsNotFound with the leave lookups.
func IsNotFound(err error) bool {
	return generic.IsNotFound(err) ||
		errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrSettingsNotFound) ||
		errors.Is(err, ErrBlackoutNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrCreditNotFound)
}
