/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the leave domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

  Leave types, settings, blackouts and holidays are written with the
  factory catalog documents, so the API and catalog files accept the same
  shapes.

VALIDATION:
  Request bodies carry go-playground/validator tags and are checked by
  decode before they reach a handler. Field names in errors are the JSON
  names. Domain rules (entitlements, approval levels, date order) stay in
  the leave package validators.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: Catalog documents
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// DECODING AND VALIDATION
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. Failures come back
// as *generic.ValidationError.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return generic.NewValidationError("request body",
			[]generic.FieldError{{Field: "body", Message: "invalid JSON: " + err.Error()}})
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate request: %w", err)
	}
	fields := make([]generic.FieldError, len(verrs))
	for i, fe := range verrs {
		fields[i] = generic.FieldError{Field: fe.Field(), Message: fieldMessage(fe)}
	}
	return generic.NewValidationError("request", fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a YYYY-MM-DD date"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	}
	return "is invalid"
}

// optionalDate parses s, returning fallback when s is empty. Format is
// checked by the datetime tag before this runs.
func optionalDate(s string, fallback generic.TimePoint) generic.TimePoint {
	if s == "" {
		return fallback
	}
	return generic.MustParseDate(s)
}

// =============================================================================
// EMPLOYEES
// =============================================================================

type CreateEmployeeRequest struct {
	ID             string `json:"id" validate:"required,max=64"`
	Name           string `json:"name" validate:"required,max=200"`
	OrganizationID string `json:"organization_id"`
	JoiningDate    string `json:"joining_date" validate:"required,datetime=2006-01-02"`
	LeavingDate    string `json:"leaving_date" validate:"omitempty,datetime=2006-01-02"`
	DepartmentID   string `json:"department_id"`
	Gender         string `json:"gender" validate:"omitempty,oneof=male female other"`
	Category       string `json:"category"`
}

func (req CreateEmployeeRequest) employee(defaultOrg string) leave.Employee {
	e := leave.Employee{
		ID:             generic.EntityID(req.ID),
		Name:           req.Name,
		OrganizationID: req.OrganizationID,
		JoiningDate:    generic.MustParseDate(req.JoiningDate),
		DepartmentID:   req.DepartmentID,
		Gender:         leave.Gender(req.Gender),
		Category:       req.Category,
	}
	if e.OrganizationID == "" {
		e.OrganizationID = defaultOrg
	}
	if req.LeavingDate != "" {
		d := generic.MustParseDate(req.LeavingDate)
		e.LeavingDate = &d
	}
	return e
}

type EmployeeDTO struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	OrganizationID string  `json:"organization_id"`
	JoiningDate    string  `json:"joining_date"`
	LeavingDate    *string `json:"leaving_date,omitempty"`
	DepartmentID   string  `json:"department_id,omitempty"`
	Gender         string  `json:"gender,omitempty"`
	Category       string  `json:"category,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

func toEmployeeDTO(e leave.Employee) EmployeeDTO {
	dto := EmployeeDTO{
		ID:             string(e.ID),
		Name:           e.Name,
		OrganizationID: e.OrganizationID,
		JoiningDate:    e.JoiningDate.String(),
		DepartmentID:   e.DepartmentID,
		Gender:         string(e.Gender),
		Category:       e.Category,
	}
	if e.LeavingDate != nil {
		s := e.LeavingDate.String()
		dto.LeavingDate = &s
	}
	if !e.CreatedAt.IsZero() {
		dto.CreatedAt = e.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// BALANCES AND LEDGER
// =============================================================================

type BalanceDTO struct {
	LeaveTypeID    string `json:"leave_type_id"`
	AsOf           string `json:"as_of"`
	Balance        string `json:"balance"`
	Accrued        string `json:"accrued"`
	Debited        string `json:"debited"`
	Adjusted       string `json:"adjusted"`
	CarriedForward string `json:"carried_forward"`
	Encashed       string `json:"encashed"`
	Lapsed         string `json:"lapsed"`
	Entries        int    `json:"entries"`
}

func toBalanceDTO(s generic.BalanceSummary) BalanceDTO {
	return BalanceDTO{
		LeaveTypeID:    string(s.PolicyID),
		AsOf:           s.AsOf.String(),
		Balance:        s.Balance.String(),
		Accrued:        s.Accrued.String(),
		Debited:        s.Debited.String(),
		Adjusted:       s.Adjusted.String(),
		CarriedForward: s.CarriedForward.String(),
		Encashed:       s.Encashed.String(),
		Lapsed:         s.Lapsed.String(),
		Entries:        s.Entries,
	}
}

// TransactionDTO is one ledger entry with the running balance after it.
type TransactionDTO struct {
	ID             string            `json:"id"`
	LeaveTypeID    string            `json:"leave_type_id"`
	EffectiveAt    string            `json:"effective_at"`
	Delta          string            `json:"delta"`
	Kind           string            `json:"kind"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	BalanceAfter   string            `json:"balance_after,omitempty"`
	CreatedAt      string            `json:"created_at,omitempty"`
}

// toTransactionDTOs expects txs in ledger order for one leave type.
func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	running := decimal.Zero
	for i, tx := range txs {
		running = running.Add(tx.Delta.Value)
		out[i] = TransactionDTO{
			ID:             string(tx.ID),
			LeaveTypeID:    string(tx.PolicyID),
			EffectiveAt:    tx.EffectiveAt.String(),
			Delta:          tx.Delta.Value.String(),
			Kind:           string(tx.Kind),
			ReferenceID:    tx.ReferenceID,
			Reason:         tx.Reason,
			IdempotencyKey: tx.IdempotencyKey,
			Metadata:       tx.Metadata,
			BalanceAfter:   running.String(),
		}
		if !tx.CreatedAt.IsZero() {
			out[i].CreatedAt = tx.CreatedAt.Format(time.RFC3339)
		}
	}
	return out
}

// toPostingDTOs lists the entries a request posted. They span several
// balances, so there is no running balance.
func toPostingDTOs(txs []generic.Transaction) []TransactionDTO {
	out := toTransactionDTOs(txs)
	for i := range out {
		out[i].BalanceAfter = ""
	}
	return out
}

// =============================================================================
// COMP-OFF AND ENCASHMENT
// =============================================================================

type GrantCompOffRequest struct {
	OvertimeID string `json:"overtime_id" validate:"required"`
	EarnedOn   string `json:"earned_on" validate:"required,datetime=2006-01-02"`
}

type CompOffCreditDTO struct {
	ID          string `json:"id"`
	OvertimeID  string `json:"overtime_id"`
	LeaveTypeID string `json:"leave_type_id"`
	EarnedOn    string `json:"earned_on"`
	ExpiresOn   string `json:"expires_on"`
	Quantity    string `json:"quantity"`
	Remaining   string `json:"remaining"`
}

func toCompOffCreditDTO(c leave.CompOffCredit, remaining decimal.Decimal) CompOffCreditDTO {
	return CompOffCreditDTO{
		ID:          c.ID,
		OvertimeID:  c.OvertimeID,
		LeaveTypeID: string(c.LeaveTypeID),
		EarnedOn:    c.EarnedOn.String(),
		ExpiresOn:   c.ExpiresOn.String(),
		Quantity:    c.Quantity.String(),
		Remaining:   remaining.String(),
	}
}

type EncashRequest struct {
	LeaveTypeID string  `json:"leave_type_id" validate:"required"`
	Year        int     `json:"year" validate:"required,min=1970"`
	Days        float64 `json:"days" validate:"gt=0"`
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

// DraftRequest is the body of evaluate and create. SubmittedOn lets an
// evaluation preview a later submission date and defaults to today. Created
// requests are always submitted today.
type DraftRequest struct {
	EmployeeID  string `json:"employee_id" validate:"required"`
	LeaveTypeID string `json:"leave_type_id" validate:"required"`
	Start       string `json:"start" validate:"required,datetime=2006-01-02"`
	End         string `json:"end" validate:"required,datetime=2006-01-02"`
	HalfDay     bool   `json:"half_day"`
	Slot        string `json:"slot" validate:"omitempty,oneof=first second"`
	Note        string `json:"note" validate:"max=1000"`
	SubmittedOn string `json:"submitted_on" validate:"omitempty,datetime=2006-01-02"`

	// SaveAsDraft stores the request without evaluating it.
	SaveAsDraft bool `json:"save_as_draft"`
}

func (req DraftRequest) draft(today generic.TimePoint) leave.Draft {
	return leave.Draft{
		EmployeeID:  generic.EntityID(req.EmployeeID),
		LeaveTypeID: generic.PolicyID(req.LeaveTypeID),
		Start:       generic.MustParseDate(req.Start),
		End:         generic.MustParseDate(req.End),
		HalfDay:     req.HalfDay,
		Slot:        leave.HalfDaySlot(req.Slot),
		Note:        req.Note,
		SubmittedOn: optionalDate(req.SubmittedOn, today),
	}
}

type DecisionRequest struct {
	Level     int    `json:"level" validate:"required,min=1"`
	Role      string `json:"role" validate:"required"`
	Decision  string `json:"decision" validate:"required,oneof=approved rejected"`
	DecidedBy string `json:"decided_by" validate:"required"`
	Comment   string `json:"comment" validate:"max=1000"`
}

type CancelRequest struct {
	By string `json:"by" validate:"required"`
}

type DayChargeDTO struct {
	Date       string `json:"date"`
	Kind       string `json:"kind"`
	Charge     string `json:"charge"`
	Sandwiched bool   `json:"sandwiched,omitempty"`
}

type EvaluationDTO struct {
	Accepted       bool           `json:"accepted"`
	ChargeableDays string         `json:"chargeable_days"`
	Reason         string         `json:"reason,omitempty"`
	Detail         string         `json:"detail,omitempty"`
	Available      string         `json:"available"`
	Days           []DayChargeDTO `json:"days,omitempty"`
}

func toEvaluationDTO(ev leave.Evaluation) EvaluationDTO {
	dto := EvaluationDTO{
		Accepted:       ev.Accepted,
		ChargeableDays: ev.ChargeableDays.String(),
		Reason:         string(ev.Reason),
		Detail:         ev.Detail,
		Available:      ev.Available.String(),
	}
	for _, d := range ev.Days {
		dto.Days = append(dto.Days, DayChargeDTO{
			Date:       d.Date.String(),
			Kind:       string(d.Kind),
			Charge:     d.Charge.String(),
			Sandwiched: d.Sandwiched,
		})
	}
	return dto
}

type ApprovalStepDTO struct {
	Level              int     `json:"level"`
	ApproverRole       string  `json:"approver_role"`
	EscalateTo         string  `json:"escalate_to,omitempty"`
	Decision           string  `json:"decision"`
	DecidedBy          string  `json:"decided_by,omitempty"`
	DecidedAt          *string `json:"decided_at,omitempty"`
	Comment            string  `json:"comment,omitempty"`
	EscalationDeadline *string `json:"escalation_deadline,omitempty"`
	EscalatedAt        *string `json:"escalated_at,omitempty"`
}

type RequestDTO struct {
	ID               string            `json:"id"`
	EmployeeID       string            `json:"employee_id"`
	LeaveTypeID      string            `json:"leave_type_id"`
	LeaveTypeVersion int               `json:"leave_type_version"`
	SettingsVersion  int               `json:"settings_version"`
	Start            string            `json:"start"`
	End              string            `json:"end"`
	HalfDay          bool              `json:"half_day,omitempty"`
	Slot             string            `json:"slot,omitempty"`
	Note             string            `json:"note,omitempty"`
	SubmittedOn      string            `json:"submitted_on,omitempty"`
	Status           string            `json:"status"`
	ChargeableDays   string            `json:"chargeable_days"`
	CurrentLevel     int               `json:"current_level,omitempty"`
	Trail            []ApprovalStepDTO `json:"trail"`
	CancelledBy      string            `json:"cancelled_by,omitempty"`
	CancelledAt      *string           `json:"cancelled_at,omitempty"`
	Version          int               `json:"version"`
	Evaluation       *EvaluationDTO    `json:"evaluation,omitempty"`
	Postings         []TransactionDTO  `json:"postings,omitempty"`
}

func stamp(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toRequestDTO(r leave.LeaveRequest) RequestDTO {
	dto := RequestDTO{
		ID:               r.ID,
		EmployeeID:       string(r.EmployeeID),
		LeaveTypeID:      string(r.LeaveTypeID),
		LeaveTypeVersion: r.LeaveTypeVersion,
		SettingsVersion:  r.SettingsVersion,
		Start:            r.Start.String(),
		End:              r.End.String(),
		HalfDay:          r.HalfDay,
		Slot:             string(r.Slot),
		Note:             r.Note,
		Status:           string(r.Status),
		ChargeableDays:   r.ChargeableDays.String(),
		CurrentLevel:     r.CurrentLevel,
		Trail:            make([]ApprovalStepDTO, len(r.Trail)),
		CancelledBy:      r.CancelledBy,
		CancelledAt:      stamp(r.CancelledAt),
		Version:          r.Version,
	}
	if !r.SubmittedOn.IsZero() {
		dto.SubmittedOn = r.SubmittedOn.String()
	}
	for i, s := range r.Trail {
		deadline := s.EscalationDeadline
		dto.Trail[i] = ApprovalStepDTO{
			Level:              s.Level,
			ApproverRole:       s.ApproverRole,
			EscalateTo:         s.EscalateTo,
			Decision:           string(s.Decision),
			DecidedBy:          s.DecidedBy,
			DecidedAt:          stamp(s.DecidedAt),
			Comment:            s.Comment,
			EscalationDeadline: stamp(&deadline),
			EscalatedAt:        stamp(s.EscalatedAt),
		}
	}
	return dto
}

func toRequestDTOs(rs []leave.LeaveRequest) []RequestDTO {
	out := make([]RequestDTO, len(rs))
	for i, r := range rs {
		out[i] = toRequestDTO(r)
	}
	return out
}

// =============================================================================
// CATALOG RESPONSES
// =============================================================================

type LeaveTypeDTO struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Paid               bool     `json:"paid"`
	Entitlement        string   `json:"entitlement"`
	EntitlementUnit    string   `json:"entitlement_unit"`
	EntitlementPeriod  string   `json:"entitlement_period"`
	AccrualRate        string   `json:"accrual_rate,omitempty"`
	AccrualPeriod      string   `json:"accrual_period,omitempty"`
	MinServiceMonths   int      `json:"min_service_months,omitempty"`
	Gender             string   `json:"gender"`
	EligibleCategories []string `json:"eligible_categories,omitempty"`
	CarryForwardLimit  *string  `json:"carry_forward_limit,omitempty"`
	MaxEncashmentDays  *string  `json:"max_encashment_days,omitempty"`
	AdvanceNoticeDays  int      `json:"advance_notice_days,omitempty"`
	BackdateMaxDays    *int     `json:"backdate_max_days,omitempty"`
	AllowNegative      bool     `json:"allow_negative,omitempty"`
	BlackoutExempt     bool     `json:"blackout_exempt,omitempty"`
	SandwichExempt     bool     `json:"sandwich_exempt,omitempty"`
	HalfDaySlots       []string `json:"half_day_slots,omitempty"`
	CompOff            bool     `json:"comp_off,omitempty"`
	CancellationNotice *int     `json:"cancellation_notice_days,omitempty"`
	Active             bool     `json:"active"`
	Version            int      `json:"version"`
	EffectiveAt        string   `json:"effective_at"`
}

func toLeaveTypeDTO(lt leave.LeaveType) LeaveTypeDTO {
	dto := LeaveTypeDTO{
		ID:                 string(lt.ID),
		Name:               lt.Name,
		Paid:               lt.Paid,
		Entitlement:        lt.Entitlement.String(),
		EntitlementUnit:    string(lt.EntitlementUnit),
		EntitlementPeriod:  string(lt.EntitlementPeriod),
		MinServiceMonths:   lt.MinServiceMonths,
		Gender:             string(lt.Gender),
		EligibleCategories: lt.EligibleCategories,
		AdvanceNoticeDays:  lt.AdvanceNoticeDays,
		AllowNegative:      lt.AllowNegative,
		BlackoutExempt:     lt.BlackoutExempt,
		SandwichExempt:     lt.SandwichExempt,
		CompOff:            lt.CompOffBacked,
		Active:             lt.Active,
		Version:            lt.Version,
		EffectiveAt:        lt.EffectiveAt.Format(time.RFC3339),
	}
	if lt.AccrualRate.IsPositive() {
		dto.AccrualRate = lt.AccrualRate.String()
		dto.AccrualPeriod = string(lt.AccrualPeriod)
	}
	if lt.CarryForward {
		s := lt.CarryForwardLimit.String()
		dto.CarryForwardLimit = &s
	}
	if lt.Encashment {
		s := lt.MaxEncashmentDays.String()
		dto.MaxEncashmentDays = &s
	}
	if lt.AllowBackdate {
		n := lt.BackdateMaxDays
		dto.BackdateMaxDays = &n
	}
	if lt.Cancellation.AllowAfterApproval {
		n := lt.Cancellation.NoticeDays
		dto.CancellationNotice = &n
	}
	for _, s := range lt.HalfDaySlots {
		dto.HalfDaySlots = append(dto.HalfDaySlots, string(s))
	}
	return dto
}

type ApprovalLevelDTO struct {
	Role            string `json:"role"`
	EscalationHours int    `json:"escalation_hours"`
	EscalateTo      string `json:"escalate_to,omitempty"`
}

type SettingsDTO struct {
	OrganizationID        string             `json:"id"`
	CompanyName           string             `json:"company_name,omitempty"`
	SandwichThresholdDays int                `json:"sandwich_threshold_days"`
	MinUnitDays           string             `json:"min_unit_days"`
	MaxDaysPerRequest     string             `json:"max_days_per_request"`
	MaxRequestsPerMonth   int                `json:"max_requests_per_month"`
	MaxRequestsPerYear    int                `json:"max_requests_per_year"`
	CooldownDays          int                `json:"cooldown_days"`
	ApprovalLevels        []ApprovalLevelDTO `json:"approval_levels"`
	Proration             string             `json:"proration"`
	CompOffLeaveTypeID    string             `json:"comp_off_leave_type_id,omitempty"`
	CompOffUtilization    int                `json:"comp_off_utilization_days"`
	CompOffMaxBalance     string             `json:"comp_off_max_balance"`
	CompOffCredit         string             `json:"comp_off_credit_per_overtime"`
	WeekendDays           []string           `json:"weekend_days"`
	Version               int                `json:"version"`
}

func toSettingsDTO(s leave.OrganizationPolicySettings) SettingsDTO {
	dto := SettingsDTO{
		OrganizationID:        s.OrganizationID,
		CompanyName:           s.CompanyName,
		SandwichThresholdDays: s.SandwichThresholdDays,
		MinUnitDays:           s.Limits.MinUnitDays.String(),
		MaxDaysPerRequest:     s.Limits.MaxDaysPerRequest.String(),
		MaxRequestsPerMonth:   s.Limits.MaxRequestsPerMonth,
		MaxRequestsPerYear:    s.Limits.MaxRequestsPerYear,
		CooldownDays:          s.Limits.CooldownDays,
		ApprovalLevels:        make([]ApprovalLevelDTO, len(s.Approval.Levels)),
		Proration:             string(s.Proration),
		CompOffLeaveTypeID:    string(s.CompOff.LeaveTypeID),
		CompOffUtilization:    s.CompOff.UtilizationDays,
		CompOffMaxBalance:     s.CompOff.MaxBalance.String(),
		CompOffCredit:         s.CompOff.CreditPerOvertime.String(),
		Version:               s.Version,
	}
	for i, l := range s.Approval.Levels {
		dto.ApprovalLevels[i] = ApprovalLevelDTO{Role: l.Role, EscalationHours: l.EscalationHours, EscalateTo: l.EscalateTo}
	}
	for _, d := range s.WeekendDays {
		dto.WeekendDays = append(dto.WeekendDays, strings.ToLower(d.String()))
	}
	return dto
}

type BlackoutDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Enabled bool   `json:"enabled"`
	Version int    `json:"version"`
}

func toBlackoutDTO(b leave.BlackoutPeriod) BlackoutDTO {
	return BlackoutDTO{
		ID:      b.ID,
		Name:    b.Name,
		Start:   b.Start.String(),
		End:     b.End.String(),
		Enabled: b.Enabled,
		Version: b.Version,
	}
}

type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// =============================================================================
// ADMIN
// =============================================================================

type AccrualRunRequest struct {
	Period      string `json:"period" validate:"required,oneof=monthly yearly"`
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
}

type YearEndRunRequest struct {
	Year int `json:"year" validate:"required,min=1970"`
}

type ExpireCompOffRequest struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

type RunDTO struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Label      string  `json:"label"`
	Status     string  `json:"status"`
	Posted     int     `json:"posted"`
	Skipped    int     `json:"skipped"`
	Error      string  `json:"error,omitempty"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

func toRunDTO(r leave.SchedulerRun) RunDTO {
	return RunDTO{
		ID:         r.ID,
		Kind:       string(r.Kind),
		Label:      r.Label,
		Status:     string(r.Status),
		Posted:     r.Posted,
		Skipped:    r.Skipped,
		Error:      r.Error,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
		FinishedAt: stamp(r.FinishedAt),
	}
}
