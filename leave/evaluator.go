/*
evaluator.go - Policy evaluation of a leave request

PURPOSE:
  Decides whether a draft request is permitted and how many balance days it
  consumes. Evaluation never writes: callers persist the request and, only
  on final approval, post exactly the ChargeableDays computed here.

ORDER OF CHECKS (first failure wins):
  1. Eligibility       leave type active, employed, service, gender, category
  2. Limits            minimum unit, max days, overlap, monthly/yearly caps, cooldown
  3. Advance notice    start - submission >= notice (backdating if allowed)
  4. Blackout          no overlap with an enabled period unless exempt
  5. Day counting      working days plus sandwiched non-working days
  6. Half day          single date, enabled slot, always 0.5
  7. Balance           chargeable <= balance at start (unless negative allowed)
  8. Comp-off          replaces 7: a credit valid on the start date, then credits >= chargeable

ERRORS:
  Rejections are reported in Evaluation, not as errors. Evaluate returns an
  error only for malformed drafts (*generic.ValidationError) and calendar
  failures (*CalendarUnavailableError).

SEE ALSO:
  - daycount.go: Sandwich algorithm
  - service.go: Loads Facts and persists the outcome
*/
package leave

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// REJECTION REASONS
// =============================================================================

type RejectionReason string

const (
	ReasonLeaveTypeInactive    RejectionReason = "leave_type_inactive"
	ReasonNotEmployed          RejectionReason = "not_employed"
	ReasonInsufficientService  RejectionReason = "insufficient_service"
	ReasonGenderIneligible     RejectionReason = "gender_ineligible"
	ReasonCategoryIneligible   RejectionReason = "category_ineligible"
	ReasonBelowMinimumUnit     RejectionReason = "below_minimum_unit"
	ReasonExceedsMaxDays       RejectionReason = "exceeds_max_days_per_request"
	ReasonOverlapsRequest      RejectionReason = "overlaps_existing_request"
	ReasonMonthlyCapReached    RejectionReason = "monthly_request_cap_reached"
	ReasonYearlyCapReached     RejectionReason = "yearly_request_cap_reached"
	ReasonCooldown             RejectionReason = "cooldown_not_elapsed"
	ReasonInsufficientNotice   RejectionReason = "insufficient_notice"
	ReasonBackdateNotAllowed   RejectionReason = "backdate_not_allowed"
	ReasonBlackout             RejectionReason = "blackout_period"
	ReasonNoChargeableDays     RejectionReason = "no_chargeable_days"
	ReasonHalfDaySpan          RejectionReason = "half_day_must_be_single_date"
	ReasonHalfDaySlot          RejectionReason = "half_day_slot_not_enabled"
	ReasonInsufficientBalance  RejectionReason = "insufficient_balance"
	ReasonNoCompOffInWindow    RejectionReason = "no_comp_off_credit_in_window"
	ReasonInsufficientCompOff  RejectionReason = "insufficient_comp_off_credits"
	ReasonCompOffNotConfigured RejectionReason = "comp_off_not_configured"

	// Cancellation of approved requests.
	ReasonCancellationNotAllowed RejectionReason = "cancellation_not_allowed_after_approval"
	ReasonCancellationNotice     RejectionReason = "insufficient_cancellation_notice"
)

// IsBalance separates balance shortfalls from eligibility failures so
// callers can suggest partial or half-day alternatives.
func (r RejectionReason) IsBalance() bool {
	return r == ReasonInsufficientBalance || r == ReasonInsufficientCompOff
}

// =============================================================================
// INPUT AND OUTPUT
// =============================================================================

// CreditBalance is a comp-off credit with what is left of it.
type CreditBalance struct {
	Credit    CompOffCredit
	Remaining decimal.Decimal
}

// Facts is everything evaluation reads besides the calendar.
type Facts struct {
	Employee  Employee
	LeaveType LeaveType
	Settings  OrganizationPolicySettings

	// History holds the employee's other requests of every type.
	History   []LeaveRequest
	Blackouts []BlackoutPeriod

	// Balance is the ledger balance of the leave type at the request start.
	Balance decimal.Decimal

	// CompOffCredits is consulted when the leave type is comp-off backed.
	CompOffCredits []CreditBalance
}

type Evaluation struct {
	Accepted       bool
	ChargeableDays decimal.Decimal
	Reason         RejectionReason
	Detail         string
	Days           []DayCharge

	// Available is the balance (or comp-off credit) the request was measured against.
	Available decimal.Decimal
}

// Err converts a rejection into the error taxonomy; nil when accepted.
func (e Evaluation) Err(employeeID generic.EntityID, leaveTypeID generic.PolicyID, at generic.TimePoint) error {
	if e.Accepted {
		return nil
	}
	if e.Reason.IsBalance() {
		return &generic.InsufficientBalanceError{
			EntityID:  employeeID,
			PolicyID:  leaveTypeID,
			At:        at,
			Available: generic.Days(e.Available),
			Requested: generic.Days(e.ChargeableDays),
			Shortfall: generic.Days(e.ChargeableDays.Sub(e.Available)),
		}
	}
	return &IneligibleRequestError{Reason: e.Reason, Detail: e.Detail}
}

func rejected(reason RejectionReason, format string, args ...any) Evaluation {
	return Evaluation{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// =============================================================================
// EVALUATOR
// =============================================================================

type Evaluator struct {
	Calendar Calendar
}

func NewEvaluator(cal Calendar) *Evaluator {
	return &Evaluator{Calendar: cal}
}

func (ev *Evaluator) Evaluate(ctx context.Context, d Draft, f Facts) (Evaluation, error) {
	if err := validateDraft(d); err != nil {
		return Evaluation{}, err
	}

	if r, ok := checkEligibility(d, f); !ok {
		return r, nil
	}
	if r, ok := checkLimits(d, f); !ok {
		return r, nil
	}
	if r, ok := checkNotice(d, f.LeaveType); !ok {
		return r, nil
	}
	if r, ok := checkBlackout(d, f); !ok {
		return r, nil
	}

	var result Evaluation
	if d.HalfDay {
		r, ok := resolveHalfDay(d, f.LeaveType)
		if !ok {
			return r, nil
		}
		result = r
	} else {
		sandwich := SandwichApplies(f.LeaveType, f.Settings, d.SubmittedOn, d.Start)
		days, total, err := CountChargeableDays(ctx, ev.Calendar, d.Span(), f.Employee.DepartmentID, sandwich)
		if err != nil {
			return Evaluation{}, err
		}
		if total.IsZero() {
			return rejected(ReasonNoChargeableDays, "every date in %s is a weekend or holiday", d.Span()), nil
		}
		result = Evaluation{ChargeableDays: total, Days: days}
	}

	if f.LeaveType.CompOffBacked {
		return checkCompOff(d, f, result), nil
	}
	return checkBalance(f, result), nil
}

func validateDraft(d Draft) error {
	var errs []generic.FieldError
	if d.EmployeeID == "" {
		errs = append(errs, generic.FieldError{Field: "employee_id", Message: "is required"})
	}
	if d.LeaveTypeID == "" {
		errs = append(errs, generic.FieldError{Field: "leave_type_id", Message: "is required"})
	}
	if d.Start.IsZero() || d.End.IsZero() {
		errs = append(errs, generic.FieldError{Field: "start_date", Message: "start and end dates are required"})
	} else if d.End.Before(d.Start) {
		errs = append(errs, generic.FieldError{Field: "end_date", Message: "must not be before start date"})
	}
	if d.SubmittedOn.IsZero() {
		errs = append(errs, generic.FieldError{Field: "submitted_on", Message: "is required"})
	}
	if d.HalfDay && !d.Slot.Valid() {
		errs = append(errs, generic.FieldError{Field: "slot", Message: "must be first or second"})
	}
	return generic.NewValidationError("leave request", errs)
}

// Step 1.
func checkEligibility(d Draft, f Facts) (Evaluation, bool) {
	lt, emp := f.LeaveType, f.Employee
	if !lt.Active {
		return rejected(ReasonLeaveTypeInactive, "%s is not active", lt.ID), false
	}
	if !emp.EmployedOn(d.Start) || !emp.EmployedOn(d.End) {
		return rejected(ReasonNotEmployed, "employee is not employed for the whole of %s", d.Span()), false
	}
	if months := emp.ServiceMonths(d.Start); months < lt.MinServiceMonths {
		return rejected(ReasonInsufficientService, "%d months of service, %d required", months, lt.MinServiceMonths), false
	}
	if lt.Gender != "" && lt.Gender != GenderAll && lt.Gender != emp.Gender {
		return rejected(ReasonGenderIneligible, "%s is limited to %s employees", lt.ID, lt.Gender), false
	}
	if len(lt.EligibleCategories) > 0 && !contains(lt.EligibleCategories, emp.Category) {
		return rejected(ReasonCategoryIneligible, "category %q is not eligible", emp.Category), false
	}
	return Evaluation{}, true
}

// Step 2.
func checkLimits(d Draft, f Facts) (Evaluation, bool) {
	limits := f.Settings.Limits

	span := decimal.NewFromInt(int64(d.Span().Len()))
	if d.HalfDay && d.Start.Equal(d.End) {
		span = half
	}
	if span.LessThan(limits.MinUnitDays) {
		return rejected(ReasonBelowMinimumUnit, "%s days requested, minimum is %s", span, limits.MinUnitDays), false
	}
	if limits.MaxDaysPerRequest.IsPositive() && span.GreaterThan(limits.MaxDaysPerRequest) {
		return rejected(ReasonExceedsMaxDays, "%s days requested, maximum is %s", span, limits.MaxDaysPerRequest), false
	}

	var monthly, yearly int
	var lastEnd *generic.TimePoint
	for i := range f.History {
		h := &f.History[i]
		if !h.Status.Live() {
			continue
		}
		if h.Span().Overlaps(d.Span()) && !complementaryHalfDays(d, h) {
			return rejected(ReasonOverlapsRequest, "overlaps request %s", h.ID), false
		}
		if h.LeaveTypeID != d.LeaveTypeID {
			continue
		}
		if h.SubmittedOn.Year() == d.SubmittedOn.Year() {
			yearly++
			if h.SubmittedOn.Month() == d.SubmittedOn.Month() {
				monthly++
			}
		}
		if h.End.Before(d.Start) && (lastEnd == nil || h.End.After(*lastEnd)) {
			end := h.End
			lastEnd = &end
		}
	}

	if limits.MaxRequestsPerMonth > 0 && monthly >= limits.MaxRequestsPerMonth {
		return rejected(ReasonMonthlyCapReached, "%d requests this month, cap is %d", monthly, limits.MaxRequestsPerMonth), false
	}
	if limits.MaxRequestsPerYear > 0 && yearly >= limits.MaxRequestsPerYear {
		return rejected(ReasonYearlyCapReached, "%d requests this year, cap is %d", yearly, limits.MaxRequestsPerYear), false
	}
	if lastEnd != nil && limits.CooldownDays > 0 {
		if elapsed := generic.DaysBetween(*lastEnd, d.Start); elapsed < limits.CooldownDays {
			return rejected(ReasonCooldown, "%d days since the last %s leave ended, cooldown is %d",
				elapsed, d.LeaveTypeID, limits.CooldownDays), false
		}
	}
	return Evaluation{}, true
}

// complementaryHalfDays allows a morning and an afternoon half day on one date.
func complementaryHalfDays(d Draft, h *LeaveRequest) bool {
	return d.HalfDay && h.HalfDay && d.Start.Equal(h.Start) && d.End.Equal(d.Start) && h.End.Equal(h.Start) && d.Slot != h.Slot
}

// Step 3.
func checkNotice(d Draft, lt LeaveType) (Evaluation, bool) {
	lead := generic.DaysBetween(d.SubmittedOn, d.Start)
	if lead < 0 {
		if !lt.AllowBackdate {
			return rejected(ReasonBackdateNotAllowed, "start %s is before submission %s", d.Start, d.SubmittedOn), false
		}
		if -lead > lt.BackdateMaxDays {
			return rejected(ReasonBackdateNotAllowed, "backdated %d days, at most %d allowed", -lead, lt.BackdateMaxDays), false
		}
		return Evaluation{}, true
	}
	if lead < lt.AdvanceNoticeDays {
		return rejected(ReasonInsufficientNotice, "%d days notice given, %d required", lead, lt.AdvanceNoticeDays), false
	}
	return Evaluation{}, true
}

// Step 4.
func checkBlackout(d Draft, f Facts) (Evaluation, bool) {
	if f.LeaveType.BlackoutExempt {
		return Evaluation{}, true
	}
	for _, b := range f.Blackouts {
		if b.Enabled && b.Period().Overlaps(d.Span()) {
			return rejected(ReasonBlackout, "overlaps blackout %q %s", b.Name, b.Period()), false
		}
	}
	return Evaluation{}, true
}

// Step 6.
func resolveHalfDay(d Draft, lt LeaveType) (Evaluation, bool) {
	if !d.Start.Equal(d.End) {
		return rejected(ReasonHalfDaySpan, "half day requested over %s", d.Span()), false
	}
	if !lt.HalfDaySlotEnabled(d.Slot) {
		return rejected(ReasonHalfDaySlot, "%s half is not enabled for %s", d.Slot, lt.ID), false
	}
	return Evaluation{
		ChargeableDays: half,
		Days:           []DayCharge{{Date: d.Start, Kind: DayWorking, Charge: half}},
	}, true
}

// Step 7.
func checkBalance(f Facts, result Evaluation) Evaluation {
	result.Available = f.Balance
	if !f.LeaveType.AllowNegative && result.ChargeableDays.GreaterThan(f.Balance) {
		result.Reason = ReasonInsufficientBalance
		result.Detail = fmt.Sprintf("%s days requested, %s available", result.ChargeableDays, f.Balance)
		return result
	}
	result.Accepted = true
	return result
}

// Step 8.
func checkCompOff(d Draft, f Facts, result Evaluation) Evaluation {
	if f.Settings.CompOff.LeaveTypeID == "" {
		result.Reason = ReasonCompOffNotConfigured
		result.Detail = "organization has no comp-off leave type"
		return result
	}

	available := decimal.Zero
	inWindow := false
	for _, cb := range f.CompOffCredits {
		if cb.Remaining.IsPositive() && cb.Credit.UsableOn(d.Start) {
			inWindow = true
			available = available.Add(cb.Remaining)
		}
	}
	result.Available = available
	if !inWindow {
		result.Reason = ReasonNoCompOffInWindow
		result.Detail = fmt.Sprintf("no unexpired comp-off credit covers %s", d.Start)
		return result
	}
	if result.ChargeableDays.GreaterThan(available) {
		result.Reason = ReasonInsufficientCompOff
		result.Detail = fmt.Sprintf("%s days requested, %s comp-off days usable", result.ChargeableDays, available)
		return result
	}
	result.Accepted = true
	return result
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
