/*
Package factory converts catalog documents into leave configuration.

PURPOSE:
  HR maintains leave types, organization settings, blackout periods and
  holidays in one YAML (or JSON) document. The factory parses it into
  leave package values and applies it through the registry and stores, so
  the same validation runs as for edits made over the API.

YAML SCHEMA:
  organization:
    id: acme
    company_name: Acme Corp
    sandwich_threshold_days: 14
    limits: {min_unit_days: 0.5, max_days_per_request: 15, cooldown_days: 0}
    approval:
      levels:
        - {role: manager, escalation_hours: 48, escalate_to: hr}
    proration: exact
    comp_off: {leave_type_id: comp-off, utilization_days: 30, max_balance: 5}
    weekend_days: [saturday, sunday]
  leave_types:
    - id: annual
      name: Annual Leave
      entitlement: 20
      entitlement_period: annual
      carry_forward: {limit: 5}
      encashment: {max_days: 10}
  blackouts:
    - {id: year-end-freeze, name: Year-end freeze, start: 2025-12-15, end: 2025-12-31}
  holidays:
    - {id: new-year, name: New Year, date: 2025-01-01, recurring: true}

APPLYING:
  Leave types and settings are only written when they differ from the
  stored latest version, so applying the same catalog at every startup
  does not mint new versions.

SEE ALSO:
  - leave/registry.go: Validation rules for leave types
  - leave/settings.go: Organization settings and defaults
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

type Catalog struct {
	Organization *OrganizationDoc `yaml:"organization" json:"organization"`
	LeaveTypes   []LeaveTypeDoc   `yaml:"leave_types" json:"leave_types"`
	Blackouts    []BlackoutDoc    `yaml:"blackouts" json:"blackouts"`
	Holidays     []HolidayDoc     `yaml:"holidays" json:"holidays"`
}

type OrganizationDoc struct {
	ID                    string       `yaml:"id" json:"id"`
	CompanyName           string       `yaml:"company_name" json:"company_name"`
	SandwichThresholdDays *int         `yaml:"sandwich_threshold_days" json:"sandwich_threshold_days"`
	Limits                *LimitsDoc   `yaml:"limits" json:"limits"`
	Approval              *ApprovalDoc `yaml:"approval" json:"approval"`
	Proration             string       `yaml:"proration" json:"proration"`
	CompOff               *CompOffDoc  `yaml:"comp_off" json:"comp_off"`
	WeekendDays           []string     `yaml:"weekend_days" json:"weekend_days"`
}

type LimitsDoc struct {
	MinUnitDays         *float64 `yaml:"min_unit_days" json:"min_unit_days"`
	MaxDaysPerRequest   float64  `yaml:"max_days_per_request" json:"max_days_per_request"`
	MaxRequestsPerMonth int      `yaml:"max_requests_per_month" json:"max_requests_per_month"`
	MaxRequestsPerYear  int      `yaml:"max_requests_per_year" json:"max_requests_per_year"`
	CooldownDays        int      `yaml:"cooldown_days" json:"cooldown_days"`
}

type ApprovalDoc struct {
	Levels []ApprovalLevelDoc `yaml:"levels" json:"levels"`
}

type ApprovalLevelDoc struct {
	Role            string `yaml:"role" json:"role"`
	EscalationHours int    `yaml:"escalation_hours" json:"escalation_hours"`
	EscalateTo      string `yaml:"escalate_to" json:"escalate_to"`
}

type CompOffDoc struct {
	LeaveTypeID       string   `yaml:"leave_type_id" json:"leave_type_id"`
	UtilizationDays   *int     `yaml:"utilization_days" json:"utilization_days"`
	MaxBalance        float64  `yaml:"max_balance" json:"max_balance"`
	CreditPerOvertime *float64 `yaml:"credit_per_overtime" json:"credit_per_overtime"`
}

type LeaveTypeDoc struct {
	ID                 string           `yaml:"id" json:"id"`
	Name               string           `yaml:"name" json:"name"`
	Unpaid             bool             `yaml:"unpaid" json:"unpaid"`
	Entitlement        float64          `yaml:"entitlement" json:"entitlement"`
	EntitlementUnit    string           `yaml:"entitlement_unit" json:"entitlement_unit"`
	EntitlementPeriod  string           `yaml:"entitlement_period" json:"entitlement_period"`
	Accrual            *AccrualDoc      `yaml:"accrual" json:"accrual"`
	MinServiceMonths   int              `yaml:"min_service_months" json:"min_service_months"`
	Gender             string           `yaml:"gender" json:"gender"`
	EligibleCategories []string         `yaml:"eligible_categories" json:"eligible_categories"`
	CarryForward       *CarryForwardDoc `yaml:"carry_forward" json:"carry_forward"`
	Encashment         *EncashmentDoc   `yaml:"encashment" json:"encashment"`
	AdvanceNoticeDays  int              `yaml:"advance_notice_days" json:"advance_notice_days"`
	BackdateMaxDays    *int             `yaml:"backdate_max_days" json:"backdate_max_days"`
	AllowNegative      bool             `yaml:"allow_negative" json:"allow_negative"`
	BlackoutExempt     bool             `yaml:"blackout_exempt" json:"blackout_exempt"`
	SandwichExempt     bool             `yaml:"sandwich_exempt" json:"sandwich_exempt"`
	HalfDaySlots       []string         `yaml:"half_day_slots" json:"half_day_slots"`
	CompOff            bool             `yaml:"comp_off" json:"comp_off"`
	Cancellation       *CancellationDoc `yaml:"cancellation" json:"cancellation"`
	Inactive           bool             `yaml:"inactive" json:"inactive"`
}

type AccrualDoc struct {
	Rate   float64 `yaml:"rate" json:"rate"`
	Period string  `yaml:"period" json:"period"`
}

type CarryForwardDoc struct {
	Limit float64 `yaml:"limit" json:"limit"`
}

type EncashmentDoc struct {
	MaxDays float64 `yaml:"max_days" json:"max_days"`
}

type CancellationDoc struct {
	NoticeDays int `yaml:"notice_days" json:"notice_days"`
}

type BlackoutDoc struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Start    string `yaml:"start" json:"start"`
	End      string `yaml:"end" json:"end"`
	Disabled bool   `yaml:"disabled" json:"disabled"`
}

type HolidayDoc struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Date         string `yaml:"date" json:"date"`
	DepartmentID string `yaml:"department_id" json:"department_id"`
	Recurring    bool   `yaml:"recurring" json:"recurring"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseFile reads a catalog, choosing JSON for .json files and YAML
// otherwise.
func ParseFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

func ParseYAML(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("invalid catalog YAML: %w", err)
	}
	return c, nil
}

func ParseJSON(data []byte) (Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("invalid catalog JSON: %w", err)
	}
	return c, nil
}

// =============================================================================
// CONVERSION
// =============================================================================

func num(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// LeaveType converts one document. Unset flags take the defaults a new
// leave type gets over the API: paid, active, days, annual, all genders.
func (d LeaveTypeDoc) LeaveType() (leave.LeaveType, error) {
	lt := leave.LeaveType{
		ID:                 generic.PolicyID(d.ID),
		Name:               d.Name,
		Paid:               !d.Unpaid,
		Entitlement:        num(d.Entitlement),
		EntitlementUnit:    generic.Unit(orDefault(d.EntitlementUnit, string(generic.UnitDays))),
		EntitlementPeriod:  leave.EntitlementPeriod(orDefault(d.EntitlementPeriod, string(leave.EntitlementAnnual))),
		MinServiceMonths:   d.MinServiceMonths,
		Gender:             leave.Gender(orDefault(d.Gender, string(leave.GenderAll))),
		EligibleCategories: d.EligibleCategories,
		AdvanceNoticeDays:  d.AdvanceNoticeDays,
		AllowNegative:      d.AllowNegative,
		BlackoutExempt:     d.BlackoutExempt,
		SandwichExempt:     d.SandwichExempt,
		CompOffBacked:      d.CompOff,
		Active:             !d.Inactive,
	}
	if d.Accrual != nil {
		lt.AccrualRate = num(d.Accrual.Rate)
		lt.AccrualPeriod = generic.PeriodKind(d.Accrual.Period)
	}
	if d.CarryForward != nil {
		lt.CarryForward = true
		lt.CarryForwardLimit = num(d.CarryForward.Limit)
	}
	if d.Encashment != nil {
		lt.Encashment = true
		lt.MaxEncashmentDays = num(d.Encashment.MaxDays)
	}
	if d.BackdateMaxDays != nil {
		lt.AllowBackdate = true
		lt.BackdateMaxDays = *d.BackdateMaxDays
	}
	for _, s := range d.HalfDaySlots {
		lt.HalfDaySlots = append(lt.HalfDaySlots, leave.HalfDaySlot(strings.ToLower(s)))
	}
	if d.Cancellation != nil {
		lt.Cancellation = leave.CancellationPolicy{AllowAfterApproval: true, NoticeDays: d.Cancellation.NoticeDays}
	}

	if err := generic.NewValidationError("leave type "+d.ID, leave.Validate(lt)); err != nil {
		return leave.LeaveType{}, err
	}
	return lt, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// Settings overlays the document on leave.DefaultSettings.
func (d OrganizationDoc) Settings() (leave.OrganizationPolicySettings, error) {
	s := leave.DefaultSettings(d.ID)
	s.CompanyName = d.CompanyName
	if d.SandwichThresholdDays != nil {
		s.SandwichThresholdDays = *d.SandwichThresholdDays
	}
	if l := d.Limits; l != nil {
		if l.MinUnitDays != nil {
			s.Limits.MinUnitDays = num(*l.MinUnitDays)
		}
		s.Limits.MaxDaysPerRequest = num(l.MaxDaysPerRequest)
		s.Limits.MaxRequestsPerMonth = l.MaxRequestsPerMonth
		s.Limits.MaxRequestsPerYear = l.MaxRequestsPerYear
		s.Limits.CooldownDays = l.CooldownDays
	}
	if d.Approval != nil {
		s.Approval.Levels = nil
		for _, lvl := range d.Approval.Levels {
			s.Approval.Levels = append(s.Approval.Levels, leave.ApprovalLevel{
				Role:            lvl.Role,
				EscalationHours: lvl.EscalationHours,
				EscalateTo:      lvl.EscalateTo,
			})
		}
	}
	if d.Proration != "" {
		s.Proration = generic.ProrationRule(d.Proration)
	}
	if c := d.CompOff; c != nil {
		s.CompOff.LeaveTypeID = generic.PolicyID(c.LeaveTypeID)
		s.CompOff.MaxBalance = num(c.MaxBalance)
		if c.UtilizationDays != nil {
			s.CompOff.UtilizationDays = *c.UtilizationDays
		}
		if c.CreditPerOvertime != nil {
			s.CompOff.CreditPerOvertime = num(*c.CreditPerOvertime)
		}
	}
	if len(d.WeekendDays) > 0 {
		s.WeekendDays = nil
		for _, name := range d.WeekendDays {
			wd, ok := weekdays[strings.ToLower(name)]
			if !ok {
				return leave.OrganizationPolicySettings{}, generic.NewValidationError("organization settings",
					[]generic.FieldError{{Field: "weekend_days", Message: fmt.Sprintf("unknown weekday %q", name)}})
			}
			s.WeekendDays = append(s.WeekendDays, wd)
		}
	}

	if err := generic.NewValidationError("organization settings", leave.ValidateSettings(s)); err != nil {
		return leave.OrganizationPolicySettings{}, err
	}
	return s, nil
}

func (d BlackoutDoc) Blackout(organizationID string) (leave.BlackoutPeriod, error) {
	if d.ID == "" {
		return leave.BlackoutPeriod{}, generic.NewValidationError("blackout",
			[]generic.FieldError{{Field: "blackouts", Message: "id is required"}})
	}
	start, err := parseDate("blackouts."+d.ID+".start", d.Start)
	if err != nil {
		return leave.BlackoutPeriod{}, err
	}
	end, err := parseDate("blackouts."+d.ID+".end", d.End)
	if err != nil {
		return leave.BlackoutPeriod{}, err
	}
	return leave.BlackoutPeriod{
		ID:             d.ID,
		OrganizationID: organizationID,
		Name:           d.Name,
		Start:          start,
		End:            end,
		Enabled:        !d.Disabled,
	}, nil
}

func (d HolidayDoc) Holiday(organizationID string) (leave.Holiday, error) {
	date, err := parseDate("holidays."+d.ID+".date", d.Date)
	if err != nil {
		return leave.Holiday{}, err
	}
	if d.ID == "" || d.Name == "" {
		return leave.Holiday{}, generic.NewValidationError("holiday",
			[]generic.FieldError{{Field: "holidays", Message: "id and name are required"}})
	}
	return leave.Holiday{
		ID:             d.ID,
		OrganizationID: organizationID,
		DepartmentID:   d.DepartmentID,
		Date:           date,
		Name:           d.Name,
		Recurring:      d.Recurring,
	}, nil
}

func parseDate(field, s string) (generic.TimePoint, error) {
	tp, err := generic.ParseDate(s)
	if err != nil {
		return generic.TimePoint{}, generic.NewValidationError("catalog",
			[]generic.FieldError{{Field: field, Message: "must be a YYYY-MM-DD date"}})
	}
	return tp, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// =============================================================================
// APPLYING
// =============================================================================

// Target is where a catalog is written.
type Target struct {
	Registry *leave.Registry
	Service  *leave.Service
	Holidays leave.HolidayStore
}

// Applied counts what a catalog changed.
type Applied struct {
	LeaveTypes int
	Settings   bool
	Blackouts  int
	Holidays   int
}

// Apply converts every document first and writes nothing if any of them is
// invalid. organizationID is used when the catalog names no organization.
func (c Catalog) Apply(ctx context.Context, t Target, organizationID string) (Applied, error) {
	var applied Applied

	var settings *leave.OrganizationPolicySettings
	if c.Organization != nil {
		doc := *c.Organization
		if doc.ID == "" {
			doc.ID = organizationID
		}
		s, err := doc.Settings()
		if err != nil {
			return applied, err
		}
		settings = &s
		organizationID = s.OrganizationID
	}

	types := make([]leave.LeaveType, 0, len(c.LeaveTypes))
	for _, doc := range c.LeaveTypes {
		lt, err := doc.LeaveType()
		if err != nil {
			return applied, err
		}
		types = append(types, lt)
	}
	blackouts := make([]leave.BlackoutPeriod, 0, len(c.Blackouts))
	for _, doc := range c.Blackouts {
		b, err := doc.Blackout(organizationID)
		if err != nil {
			return applied, err
		}
		blackouts = append(blackouts, b)
	}
	holidays := make([]leave.Holiday, 0, len(c.Holidays))
	for _, doc := range c.Holidays {
		h, err := doc.Holiday(organizationID)
		if err != nil {
			return applied, err
		}
		holidays = append(holidays, h)
	}

	for _, lt := range types {
		current, err := t.Registry.Get(ctx, lt.ID)
		if err == nil && sameLeaveType(current, lt) {
			continue
		}
		if err != nil && !leave.IsNotFound(err) {
			return applied, fmt.Errorf("load leave type %s: %w", lt.ID, err)
		}
		if _, err := t.Registry.Save(ctx, lt); err != nil {
			return applied, err
		}
		applied.LeaveTypes++
	}

	if settings != nil {
		current, err := t.Service.OrganizationSettings(ctx, settings.OrganizationID)
		if err != nil {
			return applied, err
		}
		if current.Version == 0 || !sameSettings(current, *settings) {
			if _, err := t.Service.SaveSettings(ctx, *settings); err != nil {
				return applied, err
			}
			applied.Settings = true
		}
	}

	for _, b := range blackouts {
		current, err := t.Service.Blackouts.GetBlackout(ctx, b.ID)
		if err == nil && sameBlackout(current, b) {
			continue
		}
		if err != nil && !leave.IsNotFound(err) {
			return applied, fmt.Errorf("load blackout %s: %w", b.ID, err)
		}
		if _, err := t.Service.SaveBlackout(ctx, b); err != nil {
			return applied, err
		}
		applied.Blackouts++
	}
	if len(holidays) > 0 && t.Holidays == nil {
		return applied, fmt.Errorf("catalog has holidays but no holiday store is configured")
	}
	for _, h := range holidays {
		if err := t.Holidays.SaveHoliday(ctx, h); err != nil {
			return applied, fmt.Errorf("save holiday %s: %w", h.ID, err)
		}
		applied.Holidays++
	}
	return applied, nil
}

// sameLeaveType compares everything but the version stamp. Decimals are
// compared by value through their JSON form.
func sameLeaveType(a, b leave.LeaveType) bool {
	a.Version, b.Version = 0, 0
	a.EffectiveAt, b.EffectiveAt = time.Time{}, time.Time{}
	return sameJSON(a, b)
}

func sameSettings(a, b leave.OrganizationPolicySettings) bool {
	a.Version, b.Version = 0, 0
	a.EffectiveAt, b.EffectiveAt = time.Time{}, time.Time{}
	return sameJSON(a, b)
}

func sameBlackout(a, b leave.BlackoutPeriod) bool {
	a.Version, b.Version = 0, 0
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return sameJSON(a, b)
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
