package leave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// STORES CONSUMED BY THE SERVICE
// =============================================================================

type EmployeeStore interface {
	CreateEmployee(ctx context.Context, e Employee) error
	GetEmployee(ctx context.Context, id generic.EntityID) (Employee, error)
	ListEmployees(ctx context.Context, organizationID string) ([]Employee, error)
}

type BlackoutStore interface {
	// SaveBlackout inserts or replaces b by id.
	SaveBlackout(ctx context.Context, b BlackoutPeriod) error
	GetBlackout(ctx context.Context, id string) (BlackoutPeriod, error)
	ListBlackouts(ctx context.Context, organizationID string) ([]BlackoutPeriod, error)
}

// =============================================================================
// SERVICE - Request lifecycle with ledger posting
// =============================================================================

// Service runs leave requests from draft to a terminal status.
//
// Final approval and cancellation touch two stores, the ledger and the
// request table, that share no transaction. The ledger posting goes first
// under an idempotency key derived from the request version, then the
// request is written with compare-and-set. Losing the compare-and-set
// reverses the posting, and a crash in between is repaired by retrying the
// same transition, which finds the posting already there.
type Service struct {
	Registry  *Registry
	Settings  SettingsStore
	Employees EmployeeStore
	Blackouts BlackoutStore
	Requests  RequestStore
	Ledger    generic.Ledger
	CompOff   *CompOffLedger
	Evaluator *Evaluator
	Notifier  Notifier
	Welcome   WelcomeSender
	Logger    *slog.Logger
	Now       func() time.Time

	locks generic.KeyedMutex[string]
}

type ServiceConfig struct {
	Registry  *Registry
	Settings  SettingsStore
	Employees EmployeeStore
	Blackouts BlackoutStore
	Requests  RequestStore
	Ledger    generic.Ledger
	CompOff   *CompOffLedger
	Calendar  Calendar
	Notifier  Notifier
	Welcome   WelcomeSender
	Logger    *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		Registry:  cfg.Registry,
		Settings:  cfg.Settings,
		Employees: cfg.Employees,
		Blackouts: cfg.Blackouts,
		Requests:  cfg.Requests,
		Ledger:    cfg.Ledger,
		CompOff:   cfg.CompOff,
		Evaluator: NewEvaluator(cfg.Calendar),
		Notifier:  cfg.Notifier,
		Welcome:   cfg.Welcome,
		Logger:    cfg.Logger,
		Now:       time.Now,
	}
	if s.Notifier == nil {
		s.Notifier = NopNotifier{}
	}
	if s.Welcome == nil {
		s.Welcome = NopWelcome{}
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Logger = s.Logger.With("component", "leave.service")
	return s
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func ValidateEmployee(e Employee) []generic.FieldError {
	var errs []generic.FieldError
	add := func(field, msg string) {
		errs = append(errs, generic.FieldError{Field: field, Message: msg})
	}
	if e.ID == "" {
		add("id", "is required")
	}
	if e.Name == "" {
		add("name", "is required")
	}
	if e.OrganizationID == "" {
		add("organization_id", "is required")
	}
	if e.JoiningDate.IsZero() {
		add("joining_date", "is required")
	}
	if e.LeavingDate != nil && e.LeavingDate.Before(e.JoiningDate) {
		add("leaving_date", "must not be before joining date")
	}
	if e.Gender != "" && (!e.Gender.Valid() || e.Gender == GenderAll) {
		add("gender", "must be male, female or other")
	}
	return errs
}

// CreateEmployee stores e and hands the welcome payload to the collaborator.
// A failed welcome is logged; the employee exists either way.
func (s *Service) CreateEmployee(ctx context.Context, e Employee) (Employee, error) {
	if err := generic.NewValidationError("employee", ValidateEmployee(e)); err != nil {
		return Employee{}, err
	}
	e.CreatedAt = s.Now().UTC()
	if err := s.Employees.CreateEmployee(ctx, e); err != nil {
		return Employee{}, fmt.Errorf("create employee %s: %w", e.ID, err)
	}

	settings, err := LoadSettings(ctx, s.Settings, e.OrganizationID)
	if err != nil {
		s.Logger.Warn("settings unavailable for welcome payload", "org", e.OrganizationID, "error", err)
	}
	if err := s.Welcome.SendWelcome(ctx, welcomePayload(e, settings.CompanyName)); err != nil {
		s.Logger.Error("welcome delivery failed", "employee", e.ID, "error", err)
	}
	return e, nil
}

func (s *Service) GetEmployee(ctx context.Context, id generic.EntityID) (Employee, error) {
	return s.Employees.GetEmployee(ctx, id)
}

// =============================================================================
// BLACKOUTS AND SETTINGS
// =============================================================================

func ValidateBlackout(b BlackoutPeriod) []generic.FieldError {
	var errs []generic.FieldError
	if b.OrganizationID == "" {
		errs = append(errs, generic.FieldError{Field: "organization_id", Message: "is required"})
	}
	if b.Name == "" {
		errs = append(errs, generic.FieldError{Field: "name", Message: "is required"})
	}
	if b.Start.IsZero() || b.End.IsZero() {
		errs = append(errs, generic.FieldError{Field: "start_date", Message: "start and end dates are required"})
	} else if b.End.Before(b.Start) {
		errs = append(errs, generic.FieldError{Field: "end_date", Message: "must not be before start date"})
	}
	return errs
}

// SaveBlackout creates b, or replaces it as a new version when b.ID exists.
func (s *Service) SaveBlackout(ctx context.Context, b BlackoutPeriod) (BlackoutPeriod, error) {
	if err := generic.NewValidationError("blackout period", ValidateBlackout(b)); err != nil {
		return BlackoutPeriod{}, err
	}
	b.Version = 1
	if b.ID == "" {
		b.ID = uuid.NewString()
	} else {
		current, err := s.Blackouts.GetBlackout(ctx, b.ID)
		switch {
		case err == nil:
			b.Version = current.Version + 1
		case !IsNotFound(err):
			return BlackoutPeriod{}, err
		}
	}
	b.UpdatedAt = s.Now().UTC()
	if err := s.Blackouts.SaveBlackout(ctx, b); err != nil {
		return BlackoutPeriod{}, fmt.Errorf("save blackout %s: %w", b.ID, err)
	}
	return b, nil
}

func (s *Service) SetBlackoutEnabled(ctx context.Context, id string, enabled bool) (BlackoutPeriod, error) {
	b, err := s.Blackouts.GetBlackout(ctx, id)
	if err != nil {
		return BlackoutPeriod{}, err
	}
	b.Enabled = enabled
	return s.SaveBlackout(ctx, b)
}

func (s *Service) ListBlackouts(ctx context.Context, organizationID string) ([]BlackoutPeriod, error) {
	return s.Blackouts.ListBlackouts(ctx, organizationID)
}

func (s *Service) OrganizationSettings(ctx context.Context, organizationID string) (OrganizationPolicySettings, error) {
	return LoadSettings(ctx, s.Settings, organizationID)
}

func (s *Service) SaveSettings(ctx context.Context, settings OrganizationPolicySettings) (OrganizationPolicySettings, error) {
	return SaveSettings(ctx, s.Settings, settings, s.Now())
}

// =============================================================================
// EVALUATION AND SUBMISSION
// =============================================================================

// Evaluate is a dry run: nothing is stored.
func (s *Service) Evaluate(ctx context.Context, d Draft) (Evaluation, error) {
	ev, _, err := s.evaluate(ctx, d, "")
	return ev, err
}

type evaluated struct {
	employee  Employee
	leaveType LeaveType
	settings  OrganizationPolicySettings
}

func (s *Service) evaluate(ctx context.Context, d Draft, excludeRequest string) (Evaluation, evaluated, error) {
	if err := validateDraft(d); err != nil {
		return Evaluation{}, evaluated{}, err
	}
	emp, err := s.Employees.GetEmployee(ctx, d.EmployeeID)
	if err != nil {
		return Evaluation{}, evaluated{}, err
	}
	lt, err := s.Registry.Get(ctx, d.LeaveTypeID)
	if err != nil {
		return Evaluation{}, evaluated{}, err
	}
	settings, err := LoadSettings(ctx, s.Settings, emp.OrganizationID)
	if err != nil {
		return Evaluation{}, evaluated{}, fmt.Errorf("load settings: %w", err)
	}

	history, err := s.Requests.ListRequestsByEmployee(ctx, emp.ID)
	if err != nil {
		return Evaluation{}, evaluated{}, fmt.Errorf("load request history: %w", err)
	}
	if excludeRequest != "" {
		kept := history[:0]
		for _, h := range history {
			if h.ID != excludeRequest {
				kept = append(kept, h)
			}
		}
		history = kept
	}

	blackouts, err := s.Blackouts.ListBlackouts(ctx, emp.OrganizationID)
	if err != nil {
		return Evaluation{}, evaluated{}, fmt.Errorf("load blackouts: %w", err)
	}

	facts := Facts{
		Employee:  emp,
		LeaveType: lt,
		Settings:  settings,
		History:   history,
		Blackouts: blackouts,
	}
	if lt.CompOffBacked {
		if s.CompOff == nil {
			return Evaluation{}, evaluated{}, ErrCompOffNotConfigured
		}
		facts.CompOffCredits, err = s.CompOff.Credits(ctx, emp.ID, lt.ID)
		if err != nil {
			return Evaluation{}, evaluated{}, err
		}
	} else {
		balance, err := s.Ledger.BalanceAt(ctx, emp.ID, lt.ID, d.Start)
		if err != nil {
			return Evaluation{}, evaluated{}, fmt.Errorf("load balance: %w", err)
		}
		facts.Balance = balance.Value
	}

	ev, err := s.Evaluator.Evaluate(ctx, d, facts)
	return ev, evaluated{employee: emp, leaveType: lt, settings: settings}, err
}

// SaveDraft stores d without evaluating it.
func (s *Service) SaveDraft(ctx context.Context, d Draft) (LeaveRequest, error) {
	if err := validateDraft(d); err != nil {
		return LeaveRequest{}, err
	}
	emp, err := s.Employees.GetEmployee(ctx, d.EmployeeID)
	if err != nil {
		return LeaveRequest{}, err
	}
	if _, err := s.Registry.Get(ctx, d.LeaveTypeID); err != nil {
		return LeaveRequest{}, err
	}
	req := s.newRequest(d, emp)
	if err := s.Requests.CreateRequest(ctx, req); err != nil {
		return LeaveRequest{}, fmt.Errorf("create draft: %w", err)
	}
	return req, nil
}

// Submit evaluates d and, when accepted, stores it pending the first
// approval level. A rejection returns the evaluation together with its
// IneligibleRequestError or InsufficientBalanceError.
func (s *Service) Submit(ctx context.Context, d Draft) (LeaveRequest, Evaluation, error) {
	ev, facts, err := s.evaluate(ctx, d, "")
	if err != nil {
		return LeaveRequest{}, Evaluation{}, err
	}
	if err := ev.Err(d.EmployeeID, d.LeaveTypeID, d.Start); err != nil {
		return LeaveRequest{}, ev, err
	}

	req := s.newRequest(d, facts.employee)
	notes, err := s.stamp(&req, ev, facts)
	if err != nil {
		return LeaveRequest{}, ev, err
	}
	if err := s.Requests.CreateRequest(ctx, req); err != nil {
		return LeaveRequest{}, ev, fmt.Errorf("create request: %w", err)
	}
	s.notify(ctx, notes)
	return req, ev, nil
}

// SubmitDraft re-evaluates a stored draft as of submittedOn and submits it.
func (s *Service) SubmitDraft(ctx context.Context, requestID string, submittedOn generic.TimePoint) (LeaveRequest, Evaluation, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return LeaveRequest{}, Evaluation{}, err
	}
	if req.Status != StatusDraft {
		return LeaveRequest{}, Evaluation{}, fmt.Errorf("%w: request is %s", ErrInvalidTransition, req.Status)
	}

	d := req.draft()
	d.SubmittedOn = submittedOn
	ev, facts, err := s.evaluate(ctx, d, req.ID)
	if err != nil {
		return LeaveRequest{}, Evaluation{}, err
	}
	if err := ev.Err(d.EmployeeID, d.LeaveTypeID, d.Start); err != nil {
		return req, ev, err
	}

	expected := req.Version
	req.SubmittedOn = submittedOn
	notes, err := s.stamp(&req, ev, facts)
	if err != nil {
		return LeaveRequest{}, ev, err
	}
	if err := s.Requests.UpdateRequest(ctx, req, expected); err != nil {
		return LeaveRequest{}, ev, err
	}
	req.Version = expected + 1
	s.notify(ctx, notes)
	return req, ev, nil
}

func (s *Service) newRequest(d Draft, emp Employee) LeaveRequest {
	now := s.Now().UTC()
	return LeaveRequest{
		ID:             uuid.NewString(),
		EmployeeID:     d.EmployeeID,
		OrganizationID: emp.OrganizationID,
		LeaveTypeID:    d.LeaveTypeID,
		Start:          d.Start,
		End:            d.End,
		HalfDay:        d.HalfDay,
		Slot:           d.Slot,
		Note:           d.Note,
		SubmittedOn:    d.SubmittedOn,
		Status:         StatusDraft,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// stamp freezes the evaluation outcome and the rule versions onto req.
func (s *Service) stamp(req *LeaveRequest, ev Evaluation, facts evaluated) ([]Notification, error) {
	req.ChargeableDays = ev.ChargeableDays
	req.LeaveTypeVersion = facts.leaveType.Version
	req.SettingsVersion = facts.settings.Version
	req.UpdatedAt = s.Now().UTC()
	return Start(req, facts.settings.Approval, s.Now())
}

func (r LeaveRequest) draft() Draft {
	return Draft{
		EmployeeID:  r.EmployeeID,
		LeaveTypeID: r.LeaveTypeID,
		Start:       r.Start,
		End:         r.End,
		HalfDay:     r.HalfDay,
		Slot:        r.Slot,
		Note:        r.Note,
		SubmittedOn: r.SubmittedOn,
	}
}

// =============================================================================
// DECISIONS
// =============================================================================

type DecisionInput struct {
	Level     int
	Role      string
	Decision  Decision
	DecidedBy string
	Comment   string
}

// Decide applies an approver decision. On final approval the stored
// ChargeableDays are debited; they are never recomputed.
func (s *Service) Decide(ctx context.Context, requestID string, in DecisionInput) (LeaveRequest, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return LeaveRequest{}, err
	}
	expected := req.Version

	notes, err := Decide(&req, in.Level, in.Role, in.Decision, in.DecidedBy, in.Comment, s.Now())
	if err != nil {
		return LeaveRequest{}, err
	}
	req.UpdatedAt = s.Now().UTC()

	if req.Status == StatusApproved {
		lt, err := s.Registry.GetVersion(ctx, req.LeaveTypeID, req.LeaveTypeVersion)
		if err != nil {
			return LeaveRequest{}, err
		}
		req.DebitRef, err = s.debitRef(ctx, req, expected)
		if err != nil {
			return LeaveRequest{}, err
		}
		if err := s.postDebit(ctx, req, lt); err != nil {
			return LeaveRequest{}, err
		}
		if err := s.Requests.UpdateRequest(ctx, req, expected); err != nil {
			s.compensateDebit(ctx, req, lt, err)
			return LeaveRequest{}, err
		}
	} else if err := s.Requests.UpdateRequest(ctx, req, expected); err != nil {
		return LeaveRequest{}, err
	}

	req.Version = expected + 1
	s.notify(ctx, notes)
	return req, nil
}

// debitRef keys the approval debit by request version, so a retry after a
// crash finds its earlier posting. A ref whose posting was already reversed
// is skipped for the next free suffix.
func (s *Service) debitRef(ctx context.Context, req LeaveRequest, expected int) (string, error) {
	txs, err := s.Ledger.Transactions(ctx, req.EmployeeID, req.LeaveTypeID)
	if err != nil {
		return "", fmt.Errorf("load ledger: %w", err)
	}
	reversed := make(map[string]bool)
	for _, tx := range txs {
		if tx.Kind != generic.TxCreditAdjustment {
			continue
		}
		reversed[tx.ReferenceID] = true
		if ref, ok := strings.CutPrefix(tx.IdempotencyKey, "reversal:"); ok {
			reversed[ref] = true
		}
	}

	base := fmt.Sprintf("debit:%s:v%d", req.ID, expected)
	ref := base
	for n := 1; reversed[ref]; n++ {
		ref = fmt.Sprintf("%s:r%d", base, n)
	}
	return ref, nil
}

func (s *Service) postDebit(ctx context.Context, req LeaveRequest, lt LeaveType) error {
	if lt.CompOffBacked {
		if s.CompOff == nil {
			return ErrCompOffNotConfigured
		}
		_, err := s.CompOff.Consume(ctx, req.EmployeeID, lt.ID, req.ChargeableDays, req.Start, req.DebitRef)
		return err
	}

	key := generic.BalanceKey{EntityID: req.EmployeeID, PolicyID: lt.ID}
	_, err := s.Ledger.Post(ctx, generic.Batch{
		Entries: []generic.Transaction{{
			EntityID:       req.EmployeeID,
			PolicyID:       lt.ID,
			EffectiveAt:    req.Start,
			Delta:          generic.Days(req.ChargeableDays.Neg()),
			Kind:           generic.TxDebit,
			ReferenceID:    req.ID,
			Reason:         "leave approved",
			IdempotencyKey: req.DebitRef,
		}},
		Rules: map[generic.BalanceKey]generic.PostRule{key: {AllowNegative: lt.AllowNegative}},
	})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		return nil
	}
	return err
}

// compensateDebit undoes a debit whose request write lost the race, unless
// the winner approved the same request and now owns the debit.
func (s *Service) compensateDebit(ctx context.Context, req LeaveRequest, lt LeaveType, cause error) {
	if !errors.Is(cause, generic.ErrConcurrencyConflict) {
		s.Logger.Error("request update failed after debit", "request", req.ID, "debit", req.DebitRef, "error", cause)
		return
	}
	if current, err := s.Requests.GetRequest(ctx, req.ID); err == nil && current.DebitRef == req.DebitRef {
		return
	}

	var err error
	if lt.CompOffBacked {
		_, err = s.CompOff.Restore(ctx, req.EmployeeID, lt.ID, req.DebitRef)
	} else {
		_, err = s.Ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{{
			EntityID:       req.EmployeeID,
			PolicyID:       lt.ID,
			EffectiveAt:    req.Start,
			Delta:          generic.Days(req.ChargeableDays),
			Kind:           generic.TxCreditAdjustment,
			ReferenceID:    req.ID,
			Reason:         "approval superseded",
			IdempotencyKey: "reversal:" + req.DebitRef,
		}}})
	}
	if err != nil && !errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		s.Logger.Error("debit reversal failed", "request", req.ID, "debit", req.DebitRef, "error", err)
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel withdraws a pending request, or an approved one when the leave
// type in force at submission allows it with enough notice. Cancelling an
// approved request credits back the stored chargeable days.
func (s *Service) Cancel(ctx context.Context, requestID, by string) (LeaveRequest, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return LeaveRequest{}, err
	}
	expected := req.Version
	wasApproved := req.Status == StatusApproved

	var lt LeaveType
	if wasApproved {
		lt, err = s.Registry.GetVersion(ctx, req.LeaveTypeID, req.LeaveTypeVersion)
		if err != nil {
			return LeaveRequest{}, err
		}
		if !lt.Cancellation.AllowAfterApproval {
			return LeaveRequest{}, &IneligibleRequestError{
				Reason: ReasonCancellationNotAllowed,
				Detail: fmt.Sprintf("%s does not allow cancelling approved leave", lt.ID),
			}
		}
		notice := generic.DaysBetween(generic.DateOf(s.Now()), req.Start)
		if notice < lt.Cancellation.NoticeDays {
			return LeaveRequest{}, &IneligibleRequestError{
				Reason: ReasonCancellationNotice,
				Detail: fmt.Sprintf("%d days before start, %d required", notice, lt.Cancellation.NoticeDays),
			}
		}
	}

	notes, err := Cancel(&req, by, s.Now())
	if err != nil {
		return LeaveRequest{}, err
	}
	req.UpdatedAt = s.Now().UTC()

	if wasApproved {
		if err := s.restore(ctx, req, lt); err != nil {
			return LeaveRequest{}, err
		}
	}
	if err := s.Requests.UpdateRequest(ctx, req, expected); err != nil {
		return LeaveRequest{}, err
	}
	req.Version = expected + 1
	s.notify(ctx, notes)
	return req, nil
}

func (s *Service) restore(ctx context.Context, req LeaveRequest, lt LeaveType) error {
	if lt.CompOffBacked {
		if s.CompOff == nil {
			return ErrCompOffNotConfigured
		}
		_, err := s.CompOff.Restore(ctx, req.EmployeeID, lt.ID, req.DebitRef)
		return err
	}
	_, err := s.Ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{{
		EntityID:       req.EmployeeID,
		PolicyID:       lt.ID,
		EffectiveAt:    req.Start,
		Delta:          generic.Days(req.ChargeableDays),
		Kind:           generic.TxCreditAdjustment,
		ReferenceID:    req.ID,
		Reason:         "leave cancelled",
		IdempotencyKey: "cancel:" + req.DebitRef,
	}}})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		return nil
	}
	return err
}

// =============================================================================
// ESCALATION TICK
// =============================================================================

// TickEscalations fires every escalation whose deadline has passed and
// returns how many fired. Deadlines live on the requests, so a restarted
// process picks up exactly where it left off.
func (s *Service) TickEscalations(ctx context.Context) (int, error) {
	pending, err := s.Requests.ListRequestsByStatus(ctx, StatusPendingApproval)
	if err != nil {
		return 0, fmt.Errorf("list pending requests: %w", err)
	}

	fired := 0
	for _, p := range pending {
		n, err := s.escalate(ctx, p.ID)
		if err != nil {
			if errors.Is(err, generic.ErrConcurrencyConflict) {
				s.Logger.Warn("escalation skipped, request changed", "request", p.ID)
				continue
			}
			return fired, err
		}
		fired += n
	}
	return fired, nil
}

func (s *Service) escalate(ctx context.Context, requestID string) (int, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return 0, err
	}
	expected := req.Version
	notes := DueEscalations(&req, s.Now())
	if len(notes) == 0 {
		return 0, nil
	}
	req.UpdatedAt = s.Now().UTC()
	if err := s.Requests.UpdateRequest(ctx, req, expected); err != nil {
		return 0, err
	}
	s.notify(ctx, notes)
	return len(notes), nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) GetRequest(ctx context.Context, id string) (LeaveRequest, error) {
	return s.Requests.GetRequest(ctx, id)
}

func (s *Service) PendingRequests(ctx context.Context) ([]LeaveRequest, error) {
	return s.Requests.ListRequestsByStatus(ctx, StatusPendingApproval)
}

func (s *Service) EmployeeRequests(ctx context.Context, employeeID generic.EntityID) ([]LeaveRequest, error) {
	return s.Requests.ListRequestsByEmployee(ctx, employeeID)
}

// Balances summarizes every leave type for the employee as of asOf.
func (s *Service) Balances(ctx context.Context, employeeID generic.EntityID, asOf generic.TimePoint) ([]generic.BalanceSummary, error) {
	if _, err := s.Employees.GetEmployee(ctx, employeeID); err != nil {
		return nil, err
	}
	types, err := s.Registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]generic.BalanceSummary, 0, len(types))
	for _, lt := range types {
		txs, err := s.Ledger.Transactions(ctx, employeeID, lt.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, generic.Summarize(employeeID, lt.ID, txs, asOf))
	}
	return out, nil
}

// GrantCompOff credits overtime under the employee's organization settings.
func (s *Service) GrantCompOff(ctx context.Context, employeeID generic.EntityID, overtimeID string, earned generic.TimePoint) (CompOffCredit, error) {
	if s.CompOff == nil {
		return CompOffCredit{}, ErrCompOffNotConfigured
	}
	emp, err := s.Employees.GetEmployee(ctx, employeeID)
	if err != nil {
		return CompOffCredit{}, err
	}
	if !emp.EmployedOn(earned) {
		return CompOffCredit{}, generic.NewValidationError("comp-off grant",
			[]generic.FieldError{{Field: "earned_on", Message: "employee was not employed on that date"}})
	}
	settings, err := LoadSettings(ctx, s.Settings, emp.OrganizationID)
	if err != nil {
		return CompOffCredit{}, err
	}
	return s.CompOff.Grant(ctx, settings.CompOff, employeeID, overtimeID, earned)
}

// ExpireCompOff lapses every credit that expired before asOf.
func (s *Service) ExpireCompOff(ctx context.Context, asOf generic.TimePoint) (int, error) {
	if s.CompOff == nil {
		return 0, nil
	}
	n, err := s.CompOff.ExpireDue(ctx, asOf)
	if n > 0 {
		s.Logger.Info("comp-off credits lapsed", "count", n, "as_of", asOf)
	}
	return n, err
}

func (s *Service) notify(ctx context.Context, notes []Notification) {
	for _, n := range notes {
		if err := s.Notifier.Notify(ctx, n); err != nil {
			s.Logger.Error("notification failed", "event", n.Event, "request", n.RequestID, "error", err)
		}
	}
}
