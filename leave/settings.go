package leave

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// ORGANIZATION POLICY SETTINGS - One versioned aggregate per organization
// =============================================================================

// OrganizationPolicySettings holds every organization-wide scalar the engine
// consults. Requests record the version they were evaluated against.
type OrganizationPolicySettings struct {
	OrganizationID string
	CompanyName    string

	// SandwichThresholdDays: requests submitted fewer than this many days
	// before their start are charged for enclosed weekends and holidays.
	SandwichThresholdDays int

	Limits    ApplicationLimits
	Approval  ApprovalSettings
	Proration generic.ProrationRule
	CompOff   CompOffSettings

	WeekendDays []time.Weekday

	Version     int
	EffectiveAt time.Time
}

type ApplicationLimits struct {
	MinUnitDays         decimal.Decimal // 0.5 granularity
	MaxDaysPerRequest   decimal.Decimal // 0 = unlimited
	MaxRequestsPerMonth int             // 0 = unlimited
	MaxRequestsPerYear  int             // 0 = unlimited
	CooldownDays        int
}

type ApprovalLevel struct {
	Role            string
	EscalationHours int
	// EscalateTo receives the escalation notification; defaults to Role.
	EscalateTo string
}

type ApprovalSettings struct {
	Levels []ApprovalLevel
}

type CompOffSettings struct {
	LeaveTypeID       generic.PolicyID
	UtilizationDays   int
	MaxBalance        decimal.Decimal // 0 = unlimited
	CreditPerOvertime decimal.Decimal
}

const DefaultSandwichThresholdDays = 14

// DefaultSettings is what an organization starts with before any edit.
func DefaultSettings(organizationID string) OrganizationPolicySettings {
	return OrganizationPolicySettings{
		OrganizationID:        organizationID,
		SandwichThresholdDays: DefaultSandwichThresholdDays,
		Limits: ApplicationLimits{
			MinUnitDays: decimal.NewFromFloat(0.5),
		},
		Approval: ApprovalSettings{Levels: []ApprovalLevel{
			{Role: "manager", EscalationHours: 48},
		}},
		Proration: generic.ProrateExact,
		CompOff: CompOffSettings{
			UtilizationDays:   30,
			CreditPerOvertime: decimal.NewFromInt(1),
		},
		WeekendDays: []time.Weekday{time.Saturday, time.Sunday},
	}
}

// ValidateSettings returns every field-level problem with s.
func ValidateSettings(s OrganizationPolicySettings) []generic.FieldError {
	var errs []generic.FieldError
	add := func(field, msg string) {
		errs = append(errs, generic.FieldError{Field: field, Message: msg})
	}

	if s.OrganizationID == "" {
		add("organization_id", "is required")
	}
	if s.SandwichThresholdDays < 0 {
		add("sandwich_threshold_days", "must not be negative")
	}

	l := s.Limits
	if !l.MinUnitDays.IsPositive() || !generic.IsHalfStep(l.MinUnitDays) {
		add("limits.min_unit_days", "must be a positive multiple of 0.5")
	}
	if l.MaxDaysPerRequest.IsNegative() {
		add("limits.max_days_per_request", "must not be negative")
	}
	if l.MaxDaysPerRequest.IsPositive() && l.MaxDaysPerRequest.LessThan(l.MinUnitDays) {
		add("limits.max_days_per_request", "must not be below the minimum unit")
	}
	if l.MaxRequestsPerMonth < 0 {
		add("limits.max_requests_per_month", "must not be negative")
	}
	if l.MaxRequestsPerYear < 0 {
		add("limits.max_requests_per_year", "must not be negative")
	}
	if l.MaxRequestsPerYear > 0 && l.MaxRequestsPerMonth > l.MaxRequestsPerYear {
		add("limits.max_requests_per_month", "must not exceed the yearly cap")
	}
	if l.CooldownDays < 0 {
		add("limits.cooldown_days", "must not be negative")
	}

	if len(s.Approval.Levels) == 0 {
		add("approval.levels", "at least one approval level is required")
	}
	for i, lvl := range s.Approval.Levels {
		if lvl.Role == "" {
			add(fmt.Sprintf("approval.levels[%d].role", i), "is required")
		}
		if lvl.EscalationHours <= 0 {
			add(fmt.Sprintf("approval.levels[%d].escalation_hours", i), "must be greater than zero")
		}
	}

	if !s.Proration.Valid() {
		add("proration", "must be exact, fifteenth, full or none")
	}

	c := s.CompOff
	if c.LeaveTypeID != "" {
		if c.UtilizationDays <= 0 {
			add("comp_off.utilization_days", "must be greater than zero")
		}
		if c.MaxBalance.IsNegative() {
			add("comp_off.max_balance", "must not be negative")
		}
		if !c.CreditPerOvertime.IsPositive() || !generic.IsHalfStep(c.CreditPerOvertime) {
			add("comp_off.credit_per_overtime", "must be a positive multiple of 0.5")
		}
	}

	seen := make(map[time.Weekday]bool)
	for _, d := range s.WeekendDays {
		if d < time.Sunday || d > time.Saturday || seen[d] {
			add("weekend_days", "must be distinct weekdays")
			break
		}
		seen[d] = true
	}
	if len(s.WeekendDays) >= 7 {
		add("weekend_days", "at least one working weekday is required")
	}

	return errs
}

// =============================================================================
// SETTINGS STORE
// =============================================================================

type SettingsStore interface {
	// SaveSettings appends s as a new version for its organization.
	SaveSettings(ctx context.Context, s OrganizationPolicySettings) error
	GetSettings(ctx context.Context, organizationID string) (OrganizationPolicySettings, error)
	GetSettingsVersion(ctx context.Context, organizationID string, version int) (OrganizationPolicySettings, error)
}

// SaveSettings validates s and stores it as the organization's next version.
func SaveSettings(ctx context.Context, store SettingsStore, s OrganizationPolicySettings, now time.Time) (OrganizationPolicySettings, error) {
	if err := generic.NewValidationError("organization settings", ValidateSettings(s)); err != nil {
		return OrganizationPolicySettings{}, err
	}
	current, err := store.GetSettings(ctx, s.OrganizationID)
	switch {
	case err == nil:
		s.Version = current.Version + 1
	case IsNotFound(err):
		s.Version = 1
	default:
		return OrganizationPolicySettings{}, fmt.Errorf("load current settings: %w", err)
	}
	s.EffectiveAt = now.UTC()
	if err := store.SaveSettings(ctx, s); err != nil {
		return OrganizationPolicySettings{}, fmt.Errorf("save settings: %w", err)
	}
	return s, nil
}

// LoadSettings returns the stored settings or DefaultSettings when the
// organization has never saved any.
func LoadSettings(ctx context.Context, store SettingsStore, organizationID string) (OrganizationPolicySettings, error) {
	s, err := store.GetSettings(ctx, organizationID)
	if IsNotFound(err) {
		return DefaultSettings(organizationID), nil
	}
	return s, err
}
