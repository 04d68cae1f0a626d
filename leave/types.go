// Package leave implements the leave entitlement and policy engine on top of
// the generic ledger: the leave type registry, organization policy settings,
// the policy evaluator, the comp-off ledger, the approval workflow and the
// accrual scheduler.
package leave

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// LEAVE TYPE - Versioned definition of one kind of leave
// =============================================================================

// EntitlementPeriod is how often a fixed entitlement is granted.
type EntitlementPeriod string

const (
	EntitlementAnnual   EntitlementPeriod = "annual"
	EntitlementBiAnnual EntitlementPeriod = "bi_annual"
	EntitlementMonthly  EntitlementPeriod = "monthly"
	EntitlementOneTime  EntitlementPeriod = "one_time"
)

func (p EntitlementPeriod) Valid() bool {
	switch p {
	case EntitlementAnnual, EntitlementBiAnnual, EntitlementMonthly, EntitlementOneTime:
		return true
	}
	return false
}

type Gender string

const (
	GenderAll    Gender = "all"
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

func (g Gender) Valid() bool {
	switch g {
	case GenderAll, GenderMale, GenderFemale, GenderOther:
		return true
	}
	return false
}

type HalfDaySlot string

const (
	SlotFirst  HalfDaySlot = "first"
	SlotSecond HalfDaySlot = "second"
)

func (s HalfDaySlot) Valid() bool { return s == SlotFirst || s == SlotSecond }

// CancellationPolicy controls cancelling a request after final approval.
// Pending requests can always be cancelled.
type CancellationPolicy struct {
	AllowAfterApproval bool
	NoticeDays         int // minimum days between today and the leave start
}

type LeaveType struct {
	ID   generic.PolicyID
	Name string
	Paid bool

	Entitlement       decimal.Decimal
	EntitlementUnit   generic.Unit
	EntitlementPeriod EntitlementPeriod

	// AccrualRate > 0 replaces fixed grants with an accrual every AccrualPeriod.
	AccrualRate   decimal.Decimal
	AccrualPeriod generic.PeriodKind

	MinServiceMonths   int
	Gender             Gender
	EligibleCategories []string // empty means every category

	CarryForward      bool
	CarryForwardLimit decimal.Decimal

	Encashment        bool
	MaxEncashmentDays decimal.Decimal

	AdvanceNoticeDays int
	AllowBackdate     bool
	BackdateMaxDays   int

	AllowNegative  bool
	BlackoutExempt bool
	SandwichExempt bool
	HalfDaySlots   []HalfDaySlot
	CompOffBacked  bool
	Cancellation   CancellationPolicy

	Active bool

	Version     int
	EffectiveAt time.Time
}

// EntitlementDays is the per-grant entitlement converted to days.
func (lt LeaveType) EntitlementDays() decimal.Decimal {
	return generic.Amount{Value: lt.Entitlement, Unit: lt.EntitlementUnit}.InDays().Value
}

func (lt LeaveType) HalfDaySlotEnabled(slot HalfDaySlot) bool {
	for _, s := range lt.HalfDaySlots {
		if s == slot {
			return true
		}
	}
	return false
}

// ReconcilesAtYearEnd is false for one-time entitlements (e.g. parental leave),
// which are never carried forward or lapsed, and for comp-off which expires
// credit by credit.
func (lt LeaveType) ReconcilesAtYearEnd() bool {
	if lt.CompOffBacked {
		return false
	}
	return lt.AccrualRate.IsPositive() || lt.EntitlementPeriod != EntitlementOneTime
}

// =============================================================================
// EMPLOYEE
// =============================================================================

type Employee struct {
	ID             generic.EntityID
	Name           string
	OrganizationID string
	JoiningDate    generic.TimePoint
	LeavingDate    *generic.TimePoint
	DepartmentID   string
	Gender         Gender
	Category       string
	CreatedAt      time.Time
}

// EmployedOn reports whether date falls within the employment span.
func (e Employee) EmployedOn(date generic.TimePoint) bool {
	if date.Before(e.JoiningDate) {
		return false
	}
	return e.LeavingDate == nil || date.BeforeOrEqual(*e.LeavingDate)
}

// EmployedDuring reports whether employment overlaps p.
func (e Employee) EmployedDuring(p generic.Period) bool {
	end := p.End
	if e.LeavingDate != nil && e.LeavingDate.Before(end) {
		end = *e.LeavingDate
	}
	return !end.Before(e.JoiningDate) && !end.Before(p.Start) && !e.JoiningDate.After(p.End)
}

func (e Employee) ServiceMonths(asOf generic.TimePoint) int {
	return generic.MonthsBetween(e.JoiningDate, asOf)
}

// =============================================================================
// BLACKOUT PERIOD
// =============================================================================

type BlackoutPeriod struct {
	ID             string
	OrganizationID string
	Name           string
	Start          generic.TimePoint
	End            generic.TimePoint
	Enabled        bool
	Version        int
	UpdatedAt      time.Time
}

func (b BlackoutPeriod) Period() generic.Period {
	return generic.Period{Start: b.Start, End: b.End}
}
