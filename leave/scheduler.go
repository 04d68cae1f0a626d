/*
scheduler.go - Accrual, entitlement grants and year-end reconciliation

PURPOSE:
  Posts the credits that feed every balance and closes each leave year.
  The scheduler never keeps state of its own: every posting carries a
  deterministic idempotency key, so a crashed or repeated run is simply
  run again and posts only what is missing.

RUNS:
  RunPeriod(monthly|yearly)  accruals for leave types with AccrualPeriod == kind,
                             and fixed grants by EntitlementPeriod:
                               annual     yearly runs
                               bi_annual  monthly runs for January and July
                               monthly    monthly runs
                               one_time   monthly runs, once per employee
  RunYearEnd(year)           carry-forward up to the limit, lapse the rest
  Encash(employee, type)     explicit employee action, before RunYearEnd

IDEMPOTENCY KEYS:
  accrual:<employee>:<type>:<label>   label is "2025-03" or "2025"
  grant:<employee>:<type>:<label>     label adds "H1"/"H2" for bi-annual
  grant:<employee>:<type>:one-time
  yearend:<employee>:<type>:<year>:{lapse,carry-out,carry-in}

CONCURRENCY:
  One run per (organization, kind, label) at a time: concurrent callers in
  this process share the same execution, other processes are refused by
  the Locker with ErrRunInProgress.

SEE ALSO:
  - generic/accrual.go: Proration rules
  - generic/reconcile.go: Carry-forward and lapse legs
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/lock"
)

// =============================================================================
// RUN RECORDS
// =============================================================================

type RunKind string

const (
	RunAccrualMonthly RunKind = "accrual_monthly"
	RunAccrualYearly  RunKind = "accrual_yearly"
	RunYearEnd        RunKind = "year_end"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type SchedulerRun struct {
	ID             string
	OrganizationID string
	Kind           RunKind
	Label          string
	Status         RunStatus
	Posted         int
	Skipped        int
	Error          string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// RunStore keeps one record per (organization, kind, label); saving a run
// for an existing triple replaces it.
type RunStore interface {
	SaveRun(ctx context.Context, run SchedulerRun) error
	GetRun(ctx context.Context, organizationID string, kind RunKind, label string) (SchedulerRun, error)
	ListRuns(ctx context.Context, organizationID string) ([]SchedulerRun, error)
}

// =============================================================================
// SCHEDULER
// =============================================================================

type Scheduler struct {
	Employees EmployeeStore
	Registry  *Registry
	Settings  SettingsStore
	Ledger    generic.Ledger
	Runs      RunStore
	Locker    lock.Locker
	Logger    *slog.Logger
	Now       func() time.Time
	LockTTL   time.Duration

	group      singleflight.Group
	reconciler generic.ReconciliationEngine
}

type SchedulerConfig struct {
	Employees EmployeeStore
	Registry  *Registry
	Settings  SettingsStore
	Ledger    generic.Ledger
	Runs      RunStore
	Locker    lock.Locker
	Logger    *slog.Logger
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		Employees: cfg.Employees,
		Registry:  cfg.Registry,
		Settings:  cfg.Settings,
		Ledger:    cfg.Ledger,
		Runs:      cfg.Runs,
		Locker:    cfg.Locker,
		Logger:    cfg.Logger,
		Now:       time.Now,
		LockTTL:   15 * time.Minute,
	}
	if s.Locker == nil {
		s.Locker = lock.NewMemory()
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Logger = s.Logger.With("component", "leave.scheduler")
	return s
}

// RunPeriod posts accruals and grants for the month or year containing
// periodStart.
func (s *Scheduler) RunPeriod(ctx context.Context, organizationID string, kind generic.PeriodKind, periodStart generic.TimePoint) (SchedulerRun, error) {
	if !kind.Valid() {
		return SchedulerRun{}, generic.NewValidationError("scheduler run",
			[]generic.FieldError{{Field: "kind", Message: "must be monthly or yearly"}})
	}
	period := kind.PeriodFor(periodStart)
	runKind := RunAccrualMonthly
	if kind == generic.PeriodYearly {
		runKind = RunAccrualYearly
	}
	return s.execute(ctx, organizationID, runKind, kind.Label(period), func(ctx context.Context, run *SchedulerRun) error {
		return s.accrue(ctx, run, kind, period)
	})
}

// RunYearEnd carries forward and lapses every balance of year.
func (s *Scheduler) RunYearEnd(ctx context.Context, organizationID string, year int) (SchedulerRun, error) {
	label := fmt.Sprintf("%04d", year)
	return s.execute(ctx, organizationID, RunYearEnd, label, func(ctx context.Context, run *SchedulerRun) error {
		return s.closeYear(ctx, run, year)
	})
}

func (s *Scheduler) ListRuns(ctx context.Context, organizationID string) ([]SchedulerRun, error) {
	return s.Runs.ListRuns(ctx, organizationID)
}

// execute coalesces, locks and records one run.
func (s *Scheduler) execute(ctx context.Context, organizationID string, kind RunKind, label string, body func(context.Context, *SchedulerRun) error) (SchedulerRun, error) {
	key := fmt.Sprintf("%s:%s:%s", organizationID, kind, label)

	v, err, _ := s.group.Do(key, func() (any, error) {
		unlock, err := s.Locker.TryLock(ctx, key, s.LockTTL)
		if errors.Is(err, lock.ErrLocked) {
			return SchedulerRun{}, fmt.Errorf("%w: %s", ErrRunInProgress, key)
		}
		if err != nil {
			return SchedulerRun{}, fmt.Errorf("acquire run lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.Logger.Warn("run lock release failed", "run", key, "error", err)
			}
		}()

		run := SchedulerRun{
			ID:             uuid.NewString(),
			OrganizationID: organizationID,
			Kind:           kind,
			Label:          label,
			Status:         RunRunning,
			StartedAt:      s.Now().UTC(),
		}
		if prev, err := s.Runs.GetRun(ctx, organizationID, kind, label); err == nil {
			run.ID = prev.ID
		} else if !IsNotFound(err) {
			return SchedulerRun{}, fmt.Errorf("load run record: %w", err)
		}
		if err := s.Runs.SaveRun(ctx, run); err != nil {
			return SchedulerRun{}, fmt.Errorf("save run record: %w", err)
		}

		log := s.Logger.With("run", key, "run_id", run.ID)
		log.Info("run started")

		bodyErr := body(ctx, &run)

		finished := s.Now().UTC()
		run.FinishedAt = &finished
		run.Status = RunCompleted
		if bodyErr != nil {
			run.Status = RunFailed
			run.Error = bodyErr.Error()
		}
		if err := s.Runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
			log.Error("save run record failed", "error", err)
		}

		if bodyErr != nil {
			log.Error("run failed", "posted", run.Posted, "skipped", run.Skipped, "error", bodyErr)
			return run, bodyErr
		}
		log.Info("run completed", "posted", run.Posted, "skipped", run.Skipped)
		return run, nil
	})
	run, _ := v.(SchedulerRun)
	return run, err
}

// =============================================================================
// ACCRUALS AND GRANTS
// =============================================================================

func (s *Scheduler) accrue(ctx context.Context, run *SchedulerRun, kind generic.PeriodKind, period generic.Period) error {
	employees, types, settings, err := s.load(ctx, run.OrganizationID)
	if err != nil {
		return err
	}

	for _, emp := range employees {
		for _, lt := range types {
			if !accruesFor(lt, emp) {
				continue
			}
			tx, ok := s.plan(lt, emp, kind, period, settings.Proration)
			if !ok {
				continue
			}
			tx.ReferenceID = run.ID
			if err := s.post(ctx, run, []generic.Transaction{tx}, false); err != nil {
				return fmt.Errorf("%s %s: %w", emp.ID, lt.ID, err)
			}
		}
	}
	return nil
}

func accruesFor(lt LeaveType, emp Employee) bool {
	if !lt.Active || lt.CompOffBacked {
		return false
	}
	if lt.Gender != "" && lt.Gender != GenderAll && lt.Gender != emp.Gender {
		return false
	}
	return len(lt.EligibleCategories) == 0 || contains(lt.EligibleCategories, emp.Category)
}

// plan builds the credit lt earns emp for period, if any.
func (s *Scheduler) plan(lt LeaveType, emp Employee, kind generic.PeriodKind, period generic.Period, rule generic.ProrationRule) (generic.Transaction, bool) {
	label := kind.Label(period)
	base := generic.Transaction{
		EntityID: emp.ID,
		PolicyID: lt.ID,
		Kind:     generic.TxAccrual,
	}

	var amount decimal.Decimal
	var span generic.Period

	switch {
	case lt.AccrualRate.IsPositive():
		if lt.AccrualPeriod != kind {
			return generic.Transaction{}, false
		}
		amount, span = lt.AccrualRate, period
		base.Reason = "accrual"
		base.IdempotencyKey = fmt.Sprintf("accrual:%s:%s:%s", emp.ID, lt.ID, label)

	case lt.EntitlementPeriod == EntitlementOneTime:
		if kind != generic.PeriodMonthly || !emp.EmployedDuring(period) {
			return generic.Transaction{}, false
		}
		base.EffectiveAt = latest(emp.JoiningDate, period.Start)
		base.Delta = generic.Days(lt.EntitlementDays())
		base.Reason = "one-time entitlement"
		base.IdempotencyKey = fmt.Sprintf("grant:%s:%s:one-time", emp.ID, lt.ID)
		return base, base.Delta.IsPositive()

	case lt.EntitlementPeriod == EntitlementAnnual && kind == generic.PeriodYearly,
		lt.EntitlementPeriod == EntitlementMonthly && kind == generic.PeriodMonthly:
		amount, span = lt.EntitlementDays(), period
		base.Reason = "entitlement grant"
		base.IdempotencyKey = fmt.Sprintf("grant:%s:%s:%s", emp.ID, lt.ID, label)

	case lt.EntitlementPeriod == EntitlementBiAnnual && kind == generic.PeriodMonthly:
		half := period.Start.Month()
		if half != time.January && half != time.July {
			return generic.Transaction{}, false
		}
		span = generic.Period{Start: period.Start, End: period.Start.AddMonths(6).AddDays(-1)}
		amount = lt.EntitlementDays()
		base.Reason = "entitlement grant"
		base.IdempotencyKey = fmt.Sprintf("grant:%s:%s:%d-H%d", emp.ID, lt.ID, period.Start.Year(), int(half)/6+1)

	default:
		return generic.Transaction{}, false
	}

	credit := rule.ProratedAmount(generic.Days(amount), span, emp.JoiningDate, emp.LeavingDate)
	if !credit.IsPositive() {
		return generic.Transaction{}, false
	}
	base.Delta = credit
	base.EffectiveAt = latest(emp.JoiningDate, span.Start)
	return base, true
}

func latest(a, b generic.TimePoint) generic.TimePoint {
	if a.After(b) {
		return a
	}
	return b
}

// =============================================================================
// YEAR END
// =============================================================================

func (s *Scheduler) closeYear(ctx context.Context, run *SchedulerRun, year int) error {
	employees, types, _, err := s.load(ctx, run.OrganizationID)
	if err != nil {
		return err
	}
	ending := generic.YearPeriod(year)
	next := generic.YearPeriod(year + 1)

	for _, emp := range employees {
		if emp.JoiningDate.After(ending.End) {
			continue
		}
		// Leavers carry nothing into a year they will not work.
		leaving := emp.LeavingDate != nil && emp.LeavingDate.BeforeOrEqual(ending.End)

		for _, lt := range types {
			if !lt.ReconcilesAtYearEnd() {
				continue
			}
			prefix := fmt.Sprintf("yearend:%s:%s:%d", emp.ID, lt.ID, year)
			closedKey, err := s.closedBy(ctx, emp.ID, lt.ID, prefix+":")
			if err != nil {
				return fmt.Errorf("%s %s: %w", emp.ID, lt.ID, err)
			}
			if closedKey != "" {
				s.skip(ctx, run, emp.ID, lt.ID, closedKey, generic.ErrDuplicateIdempotencyKey)
				continue
			}

			remaining, err := s.Ledger.BalanceAt(ctx, emp.ID, lt.ID, ending.End)
			if err != nil {
				return fmt.Errorf("%s %s: balance: %w", emp.ID, lt.ID, err)
			}
			out := s.reconciler.Process(generic.ReconciliationInput{
				EntityID:          emp.ID,
				PolicyID:          lt.ID,
				Remaining:         remaining,
				EndingPeriod:      ending,
				NextPeriod:        next,
				CarryForward:      lt.CarryForward && !leaving,
				Limit:             generic.Days(lt.CarryForwardLimit),
				IdempotencyPrefix: prefix,
				ReferenceID:       run.ID,
			})
			if len(out.Transactions) == 0 {
				continue
			}
			if err := s.post(ctx, run, out.Transactions, true); err != nil {
				return fmt.Errorf("%s %s: %w", emp.ID, lt.ID, err)
			}
		}
	}
	return nil
}

// closedBy returns the first key under prefix already on the ledger. The
// balance after a close no longer shows what the close posted, so reruns
// are detected by key.
func (s *Scheduler) closedBy(ctx context.Context, employeeID generic.EntityID, leaveTypeID generic.PolicyID, prefix string) (string, error) {
	txs, err := s.Ledger.Transactions(ctx, employeeID, leaveTypeID)
	if err != nil {
		return "", fmt.Errorf("transactions: %w", err)
	}
	for _, tx := range txs {
		if strings.HasPrefix(tx.IdempotencyKey, prefix) {
			return tx.IdempotencyKey, nil
		}
	}
	return "", nil
}

// =============================================================================
// ENCASHMENT
// =============================================================================

// Encash converts days of the employee's year balance into a payout. It is
// refused once the year-end run for that year has completed, and the total
// encashed in a year never exceeds MaxEncashmentDays.
func (s *Scheduler) Encash(ctx context.Context, employeeID generic.EntityID, leaveTypeID generic.PolicyID, year int, days decimal.Decimal) (generic.Transaction, error) {
	if !days.IsPositive() || !generic.IsHalfStep(days) {
		return generic.Transaction{}, generic.NewValidationError("encashment",
			[]generic.FieldError{{Field: "days", Message: "must be a positive multiple of 0.5"}})
	}
	today := generic.DateOf(s.Now())
	if year > today.Year() {
		return generic.Transaction{}, generic.NewValidationError("encashment",
			[]generic.FieldError{{Field: "year", Message: "must not be in the future"}})
	}

	emp, err := s.Employees.GetEmployee(ctx, employeeID)
	if err != nil {
		return generic.Transaction{}, err
	}
	lt, err := s.Registry.Get(ctx, leaveTypeID)
	if err != nil {
		return generic.Transaction{}, err
	}
	if !lt.Encashment {
		return generic.Transaction{}, fmt.Errorf("%w: %s is not encashable", ErrEncashmentNotAllowed, lt.ID)
	}

	label := fmt.Sprintf("%04d", year)
	if run, err := s.Runs.GetRun(ctx, emp.OrganizationID, RunYearEnd, label); err == nil && run.Status == RunCompleted {
		return generic.Transaction{}, fmt.Errorf("%w: year %d is already closed", ErrEncashmentNotAllowed, year)
	} else if err != nil && !IsNotFound(err) {
		return generic.Transaction{}, fmt.Errorf("load year-end run: %w", err)
	}

	txs, err := s.Ledger.Transactions(ctx, employeeID, leaveTypeID)
	if err != nil {
		return generic.Transaction{}, err
	}
	version := len(txs)
	yearPeriod := generic.YearPeriod(year)
	encashed, count := decimal.Zero, 0
	for _, tx := range txs {
		if tx.Kind == generic.TxEncashment && yearPeriod.Contains(tx.EffectiveAt) {
			encashed = encashed.Add(tx.Delta.Value.Neg())
			count++
		}
	}
	if encashed.Add(days).GreaterThan(lt.MaxEncashmentDays) {
		return generic.Transaction{}, fmt.Errorf("%w: %s already encashed in %d, maximum %s",
			ErrEncashmentNotAllowed, encashed, year, lt.MaxEncashmentDays)
	}

	at := yearPeriod.End
	if today.Before(at) {
		at = today
	}
	tx := generic.Transaction{
		EntityID:       employeeID,
		PolicyID:       leaveTypeID,
		EffectiveAt:    at,
		Delta:          generic.Days(days.Neg()),
		Kind:           generic.TxEncashment,
		Reason:         "encashed",
		IdempotencyKey: fmt.Sprintf("encash:%s:%s:%d:%d", employeeID, leaveTypeID, year, count+1),
	}
	key := tx.Key()
	ids, err := s.Ledger.Post(ctx, generic.Batch{
		Entries: []generic.Transaction{tx},
		Rules:   map[generic.BalanceKey]generic.PostRule{key: {ExpectedVersion: &version}},
	})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		return generic.Transaction{}, fmt.Errorf("%w: concurrent encashment", generic.ErrConcurrencyConflict)
	}
	if err != nil {
		return generic.Transaction{}, err
	}
	tx.ID = ids[0]
	s.Logger.Info("balance encashed", "employee", employeeID, "leave_type", leaveTypeID, "days", days, "year", year)
	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Scheduler) load(ctx context.Context, organizationID string) ([]Employee, []LeaveType, OrganizationPolicySettings, error) {
	employees, err := s.Employees.ListEmployees(ctx, organizationID)
	if err != nil {
		return nil, nil, OrganizationPolicySettings{}, fmt.Errorf("list employees: %w", err)
	}
	types, err := s.Registry.List(ctx)
	if err != nil {
		return nil, nil, OrganizationPolicySettings{}, fmt.Errorf("list leave types: %w", err)
	}
	settings, err := LoadSettings(ctx, s.Settings, organizationID)
	if err != nil {
		return nil, nil, OrganizationPolicySettings{}, fmt.Errorf("load settings: %w", err)
	}
	return employees, types, settings, nil
}

// post writes one unit of a run. A unit that was already posted is skipped
// and logged; anything else fails the run.
func (s *Scheduler) post(ctx context.Context, run *SchedulerRun, entries []generic.Transaction, allowNegative bool) error {
	batch := generic.Batch{Entries: entries}
	if allowNegative {
		batch.Rules = map[generic.BalanceKey]generic.PostRule{entries[0].Key(): {AllowNegative: true}}
	}
	_, err := s.Ledger.Post(ctx, batch)
	switch {
	case err == nil:
		run.Posted += len(entries)
		return nil
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		s.skip(ctx, run, entries[0].EntityID, entries[0].PolicyID, entries[0].IdempotencyKey, err)
		return nil
	default:
		return err
	}
}

func (s *Scheduler) skip(ctx context.Context, run *SchedulerRun, employeeID generic.EntityID, leaveTypeID generic.PolicyID, key string, cause error) {
	run.Skipped++
	level := slog.LevelWarn
	if isOneTimeKey(key) {
		level = slog.LevelDebug
	}
	s.Logger.Log(ctx, level, "period already posted, skipping",
		"employee", employeeID,
		"leave_type", leaveTypeID,
		"key", key,
		"error", fmt.Errorf("%w: %w", ErrSchedulerIdempotency, cause))
}

// One-time grants are offered on every monthly run, so meeting the key
// again is the normal case.
func isOneTimeKey(key string) bool {
	return strings.HasSuffix(key, ":one-time")
}
