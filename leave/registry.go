package leave

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// LEAVE TYPE STORE - Versioned persistence
// =============================================================================

// LeaveTypeStore keeps every version of every leave type. Versions are
// append-only: saving a leave type writes version N+1 and leaves N intact
// for requests submitted under it.
type LeaveTypeStore interface {
	// SaveLeaveType appends lt as a new version. lt.Version must be one more
	// than the latest stored version (1 for a new id).
	SaveLeaveType(ctx context.Context, lt LeaveType) error
	GetLeaveType(ctx context.Context, id generic.PolicyID) (LeaveType, error)
	GetLeaveTypeVersion(ctx context.Context, id generic.PolicyID, version int) (LeaveType, error)
	ListLeaveTypes(ctx context.Context) ([]LeaveType, error)
}

// =============================================================================
// REGISTRY
// =============================================================================

type Registry struct {
	Store LeaveTypeStore
	Now   func() time.Time
}

func NewRegistry(store LeaveTypeStore) *Registry {
	return &Registry{Store: store, Now: time.Now}
}

func (r *Registry) Get(ctx context.Context, id generic.PolicyID) (LeaveType, error) {
	return r.Store.GetLeaveType(ctx, id)
}

func (r *Registry) GetVersion(ctx context.Context, id generic.PolicyID, version int) (LeaveType, error) {
	return r.Store.GetLeaveTypeVersion(ctx, id, version)
}

func (r *Registry) List(ctx context.Context) ([]LeaveType, error) {
	return r.Store.ListLeaveTypes(ctx)
}

// Save validates lt and stores it as the next version of its id.
func (r *Registry) Save(ctx context.Context, lt LeaveType) (LeaveType, error) {
	if err := generic.NewValidationError("leave type", Validate(lt)); err != nil {
		return LeaveType{}, err
	}

	current, err := r.Store.GetLeaveType(ctx, lt.ID)
	switch {
	case err == nil:
		lt.Version = current.Version + 1
	case IsNotFound(err):
		lt.Version = 1
	default:
		return LeaveType{}, fmt.Errorf("load current leave type: %w", err)
	}
	lt.EffectiveAt = r.Now().UTC()

	if err := r.Store.SaveLeaveType(ctx, lt); err != nil {
		return LeaveType{}, fmt.Errorf("save leave type %s: %w", lt.ID, err)
	}
	return lt, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

var half = decimal.NewFromFloat(0.5)

// Validate returns every field-level problem with lt. An empty result means
// lt may be stored.
func Validate(lt LeaveType) []generic.FieldError {
	var errs []generic.FieldError
	add := func(field, msg string) {
		errs = append(errs, generic.FieldError{Field: field, Message: msg})
	}

	if lt.ID == "" {
		add("id", "is required")
	}
	if lt.Name == "" {
		add("name", "is required")
	}

	if lt.Entitlement.IsNegative() {
		add("entitlement", "must not be negative")
	}
	if lt.EntitlementUnit != generic.UnitDays && lt.EntitlementUnit != generic.UnitWeeks {
		add("entitlement_unit", "must be days or weeks")
	}
	if !lt.EntitlementPeriod.Valid() {
		add("entitlement_period", "must be annual, bi_annual, monthly or one_time")
	}

	switch {
	case lt.AccrualRate.IsNegative():
		add("accrual_rate", "must not be negative")
	case lt.AccrualRate.IsPositive() && !lt.AccrualPeriod.Valid():
		add("accrual_period", "is required when accrual rate is set (monthly or yearly)")
	}

	if lt.MinServiceMonths < 0 {
		add("min_service_months", "must not be negative")
	}
	if lt.Gender != "" && !lt.Gender.Valid() {
		add("gender", "must be all, male, female or other")
	}

	if lt.CarryForward && !lt.CarryForwardLimit.IsPositive() {
		add("carry_forward_limit", "must be greater than zero when carry-forward is enabled")
	}

	if lt.Encashment {
		maxAllowed := lt.EntitlementDays().Mul(half)
		switch {
		case !lt.MaxEncashmentDays.IsPositive():
			add("max_encashment_days", "is required when encashment is enabled")
		case lt.MaxEncashmentDays.GreaterThan(maxAllowed):
			add("max_encashment_days", fmt.Sprintf("must not exceed 50%% of entitlement (%s days)", maxAllowed))
		}
	}

	if lt.AdvanceNoticeDays < 0 {
		add("advance_notice_days", "must not be negative")
	}
	if lt.AllowBackdate && lt.BackdateMaxDays < 0 {
		add("backdate_max_days", "must not be negative")
	}
	for _, slot := range lt.HalfDaySlots {
		if !slot.Valid() {
			add("half_day_slots", fmt.Sprintf("unknown slot %q", slot))
		}
	}
	if lt.Cancellation.NoticeDays < 0 {
		add("cancellation.notice_days", "must not be negative")
	}

	return errs
}
