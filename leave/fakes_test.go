package leave_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// IN-MEMORY STORES
// =============================================================================

type memStores struct {
	mu        sync.Mutex
	types     map[generic.PolicyID][]leave.LeaveType
	settings  map[string][]leave.OrganizationPolicySettings
	employees map[generic.EntityID]leave.Employee
	blackouts map[string]leave.BlackoutPeriod
	requests  map[string]leave.LeaveRequest
	credits   []leave.CompOffCredit
	runs      map[string]leave.SchedulerRun
}

func newMemStores() *memStores {
	return &memStores{
		types:     make(map[generic.PolicyID][]leave.LeaveType),
		settings:  make(map[string][]leave.OrganizationPolicySettings),
		employees: make(map[generic.EntityID]leave.Employee),
		blackouts: make(map[string]leave.BlackoutPeriod),
		requests:  make(map[string]leave.LeaveRequest),
		runs:      make(map[string]leave.SchedulerRun),
	}
}

func (m *memStores) SaveLeaveType(_ context.Context, lt leave.LeaveType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[lt.ID] = append(m.types[lt.ID], lt)
	return nil
}

func (m *memStores) GetLeaveType(_ context.Context, id generic.PolicyID) (leave.LeaveType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.types[id]
	if len(versions) == 0 {
		return leave.LeaveType{}, leave.ErrLeaveTypeNotFound
	}
	return versions[len(versions)-1], nil
}

func (m *memStores) GetLeaveTypeVersion(_ context.Context, id generic.PolicyID, version int) (leave.LeaveType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lt := range m.types[id] {
		if lt.Version == version {
			return lt, nil
		}
	}
	return leave.LeaveType{}, leave.ErrLeaveTypeNotFound
}

func (m *memStores) ListLeaveTypes(_ context.Context) ([]leave.LeaveType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leave.LeaveType
	for _, versions := range m.types {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStores) SaveSettings(_ context.Context, s leave.OrganizationPolicySettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.OrganizationID] = append(m.settings[s.OrganizationID], s)
	return nil
}

func (m *memStores) GetSettings(_ context.Context, org string) (leave.OrganizationPolicySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.settings[org]
	if len(versions) == 0 {
		return leave.OrganizationPolicySettings{}, leave.ErrSettingsNotFound
	}
	return versions[len(versions)-1], nil
}

func (m *memStores) GetSettingsVersion(_ context.Context, org string, version int) (leave.OrganizationPolicySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.settings[org] {
		if s.Version == version {
			return s, nil
		}
	}
	return leave.OrganizationPolicySettings{}, leave.ErrSettingsNotFound
}

func (m *memStores) CreateEmployee(_ context.Context, e leave.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.employees[e.ID]; ok {
		return fmt.Errorf("employee %s exists", e.ID)
	}
	m.employees[e.ID] = e
	return nil
}

func (m *memStores) GetEmployee(_ context.Context, id generic.EntityID) (leave.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.employees[id]
	if !ok {
		return leave.Employee{}, leave.ErrEmployeeNotFound
	}
	return e, nil
}

func (m *memStores) ListEmployees(_ context.Context, org string) ([]leave.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leave.Employee
	for _, e := range m.employees {
		if e.OrganizationID == org {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStores) SaveBlackout(_ context.Context, b leave.BlackoutPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blackouts[b.ID] = b
	return nil
}

func (m *memStores) GetBlackout(_ context.Context, id string) (leave.BlackoutPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blackouts[id]
	if !ok {
		return leave.BlackoutPeriod{}, leave.ErrBlackoutNotFound
	}
	return b, nil
}

func (m *memStores) ListBlackouts(_ context.Context, org string) ([]leave.BlackoutPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leave.BlackoutPeriod
	for _, b := range m.blackouts {
		if b.OrganizationID == org {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStores) CreateRequest(_ context.Context, req leave.LeaveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

func (m *memStores) GetRequest(_ context.Context, id string) (leave.LeaveRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return leave.LeaveRequest{}, leave.ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

func (m *memStores) UpdateRequest(_ context.Context, req leave.LeaveRequest, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.requests[req.ID]
	if !ok {
		return leave.ErrRequestNotFound
	}
	if current.Version != expected {
		return generic.ErrConcurrencyConflict
	}
	req.Version = expected + 1
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

func (m *memStores) ListRequestsByEmployee(_ context.Context, id generic.EntityID) ([]leave.LeaveRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leave.LeaveRequest
	for _, r := range m.requests {
		if r.EmployeeID == id {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func (m *memStores) ListRequestsByStatus(_ context.Context, status leave.RequestStatus) ([]leave.LeaveRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leave.LeaveRequest
	for _, r := range m.requests {
		if r.Status == status {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func cloneRequest(r leave.LeaveRequest) leave.LeaveRequest {
	r.Trail = append([]leave.ApprovalStep(nil), r.Trail...)
	return r
}

func (m *memStores) CreateCredit(_ context.Context, c leave.CompOffCredit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.credits {
		if existing.EmployeeID == c.EmployeeID && existing.OvertimeID == c.OvertimeID {
			return leave.ErrDuplicateOvertime
		}
	}
	m.credits = append(m.credits, c)
	return nil
}

func (m *memStores) GetCreditByOvertime(_ context.Context, id generic.EntityID, overtime string) (leave.CompOffCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credits {
		if c.EmployeeID == id && c.OvertimeID == overtime {
			return c, nil
		}
	}
	return leave.CompOffCredit{}, leave.ErrCreditNotFound
}

func (m *memStores) ListCredits(_ context.Context, id generic.EntityID) ([]leave.CompOffCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leave.CompOffCredit
	for _, c := range m.credits {
		if c.EmployeeID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStores) ListCreditsExpiredBy(_ context.Context, asOf generic.TimePoint) ([]leave.CompOffCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leave.CompOffCredit
	for _, c := range m.credits {
		if c.ExpiredBy(asOf) {
			out = append(out, c)
		}
	}
	return out, nil
}

func runKey(org string, kind leave.RunKind, label string) string {
	return org + "/" + string(kind) + "/" + label
}

func (m *memStores) SaveRun(_ context.Context, run leave.SchedulerRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runKey(run.OrganizationID, run.Kind, run.Label)] = run
	return nil
}

func (m *memStores) GetRun(_ context.Context, org string, kind leave.RunKind, label string) (leave.SchedulerRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runKey(org, kind, label)]
	if !ok {
		return leave.SchedulerRun{}, leave.ErrRunNotFound
	}
	return run, nil
}

func (m *memStores) ListRuns(_ context.Context, org string) ([]leave.SchedulerRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leave.SchedulerRun
	for _, r := range m.runs {
		if r.OrganizationID == org {
			out = append(out, r)
		}
	}
	return out, nil
}

// =============================================================================
// COLLABORATORS
// =============================================================================

type recordingNotifier struct {
	mu   sync.Mutex
	sent []leave.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n leave.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) events() []leave.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]leave.Event, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Event
	}
	return out
}

type recordingWelcome struct {
	payloads []map[string]string
	err      error
}

func (r *recordingWelcome) SendWelcome(_ context.Context, p map[string]string) error {
	r.payloads = append(r.payloads, p)
	return r.err
}

type brokenCalendar struct{}

func (brokenCalendar) Classify(context.Context, generic.TimePoint, string) (leave.DayKind, error) {
	return "", errors.New("holiday feed timeout")
}

// =============================================================================
// FIXTURES
// =============================================================================

const testOrg = "org-1"

func d(s string) generic.TimePoint { return generic.MustParseDate(s) }

func dec(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func weekendCalendar(holidays ...leave.Holiday) *leave.StaticCalendar {
	return leave.NewStaticCalendar([]time.Weekday{time.Saturday, time.Sunday}, holidays...)
}

func annualLeave() leave.LeaveType {
	return leave.LeaveType{
		ID:                "annual",
		Name:              "Annual Leave",
		Paid:              true,
		Entitlement:       dec("20"),
		EntitlementUnit:   generic.UnitDays,
		EntitlementPeriod: leave.EntitlementAnnual,
		Gender:            leave.GenderAll,
		CarryForward:      true,
		CarryForwardLimit: dec("5"),
		Encashment:        true,
		MaxEncashmentDays: dec("10"),
		HalfDaySlots:      []leave.HalfDaySlot{leave.SlotFirst, leave.SlotSecond},
		Cancellation:      leave.CancellationPolicy{AllowAfterApproval: true, NoticeDays: 2},
		Active:            true,
	}
}

func compOffLeave() leave.LeaveType {
	return leave.LeaveType{
		ID:                "comp-off",
		Name:              "Compensatory Off",
		Paid:              true,
		EntitlementUnit:   generic.UnitDays,
		EntitlementPeriod: leave.EntitlementOneTime,
		Gender:            leave.GenderAll,
		HalfDaySlots:      []leave.HalfDaySlot{leave.SlotFirst},
		CompOffBacked:     true,
		SandwichExempt:    true,
		Cancellation:      leave.CancellationPolicy{AllowAfterApproval: true},
		Active:            true,
	}
}

func testSettings() leave.OrganizationPolicySettings {
	s := leave.DefaultSettings(testOrg)
	s.CompanyName = "Acme"
	s.CompOff.LeaveTypeID = "comp-off"
	s.CompOff.MaxBalance = dec("3")
	s.Approval.Levels = []leave.ApprovalLevel{
		{Role: "manager", EscalationHours: 24, EscalateTo: "hr"},
		{Role: "hr", EscalationHours: 48},
	}
	return s
}

func alice() leave.Employee {
	return leave.Employee{
		ID:             "emp-1",
		Name:           "Alice",
		OrganizationID: testOrg,
		JoiningDate:    d("2023-01-09"),
		DepartmentID:   "eng",
		Gender:         leave.GenderFemale,
		Category:       "permanent",
	}
}

// harness wires a Service and Scheduler over in-memory stores with a
// fixed clock.
type harness struct {
	stores    *memStores
	ledger    *generic.DefaultLedger
	registry  *leave.Registry
	compOff   *leave.CompOffLedger
	service   *leave.Service
	scheduler *leave.Scheduler
	notifier  *recordingNotifier
	welcome   *recordingWelcome
	now       time.Time
}

func newHarness(t *testing.T, now time.Time, types ...leave.LeaveType) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		stores:   newMemStores(),
		ledger:   generic.NewLedger(store.NewTxMemory()),
		notifier: &recordingNotifier{},
		welcome:  &recordingWelcome{},
		now:      now,
	}
	clock := func() time.Time { return h.now }

	h.registry = leave.NewRegistry(h.stores)
	h.registry.Now = clock
	for _, lt := range types {
		_, err := h.registry.Save(ctx, lt)
		require.NoError(t, err)
	}
	_, err := leave.SaveSettings(ctx, h.stores, testSettings(), now)
	require.NoError(t, err)

	h.compOff = leave.NewCompOffLedger(h.stores, h.ledger)
	h.compOff.Now = clock

	h.service = leave.NewService(leave.ServiceConfig{
		Registry:  h.registry,
		Settings:  h.stores,
		Employees: h.stores,
		Blackouts: h.stores,
		Requests:  h.stores,
		Ledger:    h.ledger,
		CompOff:   h.compOff,
		Calendar:  weekendCalendar(),
		Notifier:  h.notifier,
		Welcome:   h.welcome,
	})
	h.service.Now = clock

	h.scheduler = leave.NewScheduler(leave.SchedulerConfig{
		Employees: h.stores,
		Registry:  h.registry,
		Settings:  h.stores,
		Ledger:    h.ledger,
		Runs:      h.stores,
	})
	h.scheduler.Now = clock
	return h
}

func (h *harness) hire(t *testing.T, e leave.Employee) leave.Employee {
	t.Helper()
	created, err := h.service.CreateEmployee(context.Background(), e)
	require.NoError(t, err)
	return created
}

func (h *harness) credit(t *testing.T, emp generic.EntityID, lt generic.PolicyID, at generic.TimePoint, n string, key string) {
	t.Helper()
	_, err := h.ledger.Post(context.Background(), generic.Batch{Entries: []generic.Transaction{{
		EntityID:       emp,
		PolicyID:       lt,
		EffectiveAt:    at,
		Delta:          generic.Days(dec(n)),
		Kind:           generic.TxAccrual,
		IdempotencyKey: key,
	}}})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, emp generic.EntityID, lt generic.PolicyID, at generic.TimePoint) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.BalanceAt(context.Background(), emp, lt, at)
	require.NoError(t, err)
	return b.Value
}

func at(date string) time.Time {
	return generic.MustParseDate(date).Time.Add(9 * time.Hour)
}
