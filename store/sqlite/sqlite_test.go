package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func date(s string) generic.TimePoint { return generic.MustParseDate(s) }

func days(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func grant(emp generic.EntityID, lt generic.PolicyID, on, n, key string) generic.Transaction {
	return generic.Transaction{
		EntityID:       emp,
		PolicyID:       lt,
		EffectiveAt:    date(on),
		Delta:          generic.Days(days(n)),
		Kind:           generic.TxAccrual,
		IdempotencyKey: key,
	}
}

func annual() leave.LeaveType {
	return leave.LeaveType{
		ID:                "annual",
		Name:              "Annual Leave",
		Paid:              true,
		Entitlement:       days("20"),
		EntitlementUnit:   generic.UnitDays,
		EntitlementPeriod: leave.EntitlementAnnual,
		Gender:            leave.GenderAll,
		CarryForward:      true,
		CarryForwardLimit: days("5"),
		HalfDaySlots:      []leave.HalfDaySlot{leave.SlotFirst},
		Cancellation:      leave.CancellationPolicy{AllowAfterApproval: true},
		Active:            true,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_BalanceReplayAndIdempotency(t *testing.T) {
	// GIVEN: A ledger backed by SQLite with a grant and a backdated debit
	store := newTestStore(t)
	ctx := context.Background()
	ledger := generic.NewLedger(store)

	_, err := ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{grant("emp-1", "annual", "2025-01-01", "10", "grant:1")}})
	require.NoError(t, err)

	debit := grant("emp-1", "annual", "2025-03-03", "-2.5", "debit:1")
	debit.Kind = generic.TxDebit
	debit.Metadata = map[string]string{"request": "req-1"}
	debit.ReferenceID = "req-1"
	_, err = ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{debit}})
	require.NoError(t, err)

	// WHEN: The same debit is posted again
	_, err = ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{debit}})

	// THEN: It is rejected and the balance counts it once
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	before, err := ledger.BalanceAt(ctx, "emp-1", "annual", date("2025-03-02"))
	require.NoError(t, err)
	after, err := ledger.BalanceAt(ctx, "emp-1", "annual", date("2025-03-31"))
	require.NoError(t, err)
	assert.True(t, before.Value.Equal(days("10")), "got %s", before.Value)
	assert.True(t, after.Value.Equal(days("7.5")), "got %s", after.Value)

	txs, err := ledger.Transactions(ctx, "emp-1", "annual")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "req-1", txs[1].Metadata["request"])
	assert.Equal(t, generic.TxDebit, txs[1].Kind)
	assert.Less(t, txs[0].Sequence, txs[1].Sequence)

	refs, err := store.EntriesByReference(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestLedger_FailedBatchWritesNothing(t *testing.T) {
	// GIVEN: A balance of 1 day
	store := newTestStore(t)
	ctx := context.Background()
	ledger := generic.NewLedger(store)
	_, err := ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{grant("emp-1", "annual", "2025-01-01", "1", "g")}})
	require.NoError(t, err)

	// WHEN: A batch credits one balance and overdraws the other
	overdraw := grant("emp-1", "annual", "2025-02-03", "-2", "d")
	overdraw.Kind = generic.TxDebit
	_, err = ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{
		grant("emp-1", "sick", "2025-01-01", "5", "s"),
		overdraw,
	}})

	// THEN: Neither entry is stored
	var insufficient *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	sick, err := ledger.Transactions(ctx, "emp-1", "sick")
	require.NoError(t, err)
	assert.Empty(t, sick)
	exists, err := store.Exists(ctx, "s")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	// GIVEN: 3 days available and ten concurrent 1-day debits
	store := newTestStore(t)
	ctx := context.Background()
	ledger := generic.NewLedger(store)
	_, err := ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{grant("emp-1", "annual", "2025-01-01", "3", "g")}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := grant("emp-1", "annual", "2025-02-03", "-1", "")
			tx.Kind = generic.TxDebit
			if _, err := ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{tx}}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// THEN: Exactly three succeed
	assert.Equal(t, 3, succeeded)
	bal, err := ledger.BalanceAt(ctx, "emp-1", "annual", date("2025-12-31"))
	require.NoError(t, err)
	assert.True(t, bal.Value.IsZero(), "got %s", bal.Value)
}

// =============================================================================
// VERSIONED CATALOG
// =============================================================================

func TestLeaveTypes_VersionsAreAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	registry := leave.NewRegistry(store)

	v1, err := registry.Save(ctx, annual())
	require.NoError(t, err)
	edited := annual()
	edited.Entitlement = days("24")
	v2, err := registry.Save(ctx, edited)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	latest, err := registry.Get(ctx, "annual")
	require.NoError(t, err)
	assert.True(t, latest.Entitlement.Equal(days("24")))

	old, err := registry.GetVersion(ctx, "annual", 1)
	require.NoError(t, err)
	assert.True(t, old.Entitlement.Equal(days("20")))
	assert.Equal(t, []leave.HalfDaySlot{leave.SlotFirst}, old.HalfDaySlots)

	list, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Version)

	_, err = registry.Get(ctx, "missing")
	assert.ErrorIs(t, err, leave.ErrLeaveTypeNotFound)

	// A second writer racing for version 2 loses.
	err = store.SaveLeaveType(ctx, v2)
	assert.ErrorIs(t, err, generic.ErrConcurrencyConflict)
}

func TestSettings_DefaultsThenVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s, err := leave.LoadSettings(ctx, store, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Version)
	assert.Equal(t, leave.DefaultSandwichThresholdDays, s.SandwichThresholdDays)

	s.CompanyName = "Acme"
	s.WeekendDays = []time.Weekday{time.Friday, time.Saturday}
	saved, err := leave.SaveSettings(ctx, store, s, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)

	got, err := store.GetSettings(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.CompanyName)
	assert.Equal(t, []time.Weekday{time.Friday, time.Saturday}, got.WeekendDays)
	assert.True(t, got.Limits.MinUnitDays.Equal(days("0.5")))

	_, err = store.GetSettingsVersion(ctx, "acme", 7)
	assert.ErrorIs(t, err, leave.ErrSettingsNotFound)
}

func TestHolidayCalendar_UsesWeekendSettingsAndDepartments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveHoliday(ctx, leave.Holiday{ID: "ny", OrganizationID: "acme", Date: date("2025-01-01"), Name: "New Year", Recurring: true}))
	require.NoError(t, store.SaveHoliday(ctx, leave.Holiday{ID: "eng-day", OrganizationID: "acme", DepartmentID: "eng", Date: date("2025-03-04"), Name: "Eng day"}))
	cal := sqlite.NewHolidayCalendar(store, "acme")

	tests := []struct {
		date string
		dept string
		want leave.DayKind
	}{
		{"2026-01-01", "", leave.DayHoliday},
		{"2025-03-04", "eng", leave.DayHoliday},
		{"2025-03-04", "sales", leave.DayWorking},
		{"2025-03-08", "", leave.DayWeekend},
	}
	for _, tt := range tests {
		got, err := cal.Classify(ctx, date(tt.date), tt.dept)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s", tt.date, tt.dept)
	}

	// Replacing the holiday by id moves it.
	require.NoError(t, store.SaveHoliday(ctx, leave.Holiday{ID: "eng-day", OrganizationID: "acme", DepartmentID: "eng", Date: date("2025-03-05"), Name: "Eng day"}))
	got, err := cal.Classify(ctx, date("2025-03-04"), "eng")
	require.NoError(t, err)
	assert.Equal(t, leave.DayWorking, got)
}

// =============================================================================
// REQUESTS, CREDITS, RUNS
// =============================================================================

func TestRequests_CompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	req := leave.LeaveRequest{
		ID:               "req-1",
		EmployeeID:       "emp-1",
		OrganizationID:   "acme",
		LeaveTypeID:      "annual",
		LeaveTypeVersion: 1,
		SettingsVersion:  1,
		Start:            date("2025-03-10"),
		End:              date("2025-03-11"),
		SubmittedOn:      date("2025-03-01"),
		Status:           leave.StatusPendingApproval,
		ChargeableDays:   days("2"),
		CurrentLevel:     1,
		Trail: []leave.ApprovalStep{{
			Level: 1, ApproverRole: "manager", EscalationHours: 48,
			Decision: leave.DecisionPending, EscalationDeadline: now.Add(48 * time.Hour),
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateRequest(ctx, req))

	approved := req
	approved.Status = leave.StatusApproved
	approved.DebitRef = "debit:req-1:v1"
	require.NoError(t, store.UpdateRequest(ctx, approved, 1))

	// A writer still holding version 1 loses.
	err := store.UpdateRequest(ctx, req, 1)
	assert.ErrorIs(t, err, generic.ErrConcurrencyConflict)

	got, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, got.Status)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "debit:req-1:v1", got.DebitRef)
	require.Len(t, got.Trail, 1)
	assert.True(t, got.Trail[0].EscalationDeadline.Equal(now.Add(48*time.Hour)))

	pending, err := store.ListRequestsByStatus(ctx, leave.StatusPendingApproval)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = store.UpdateRequest(ctx, leave.LeaveRequest{ID: "nope"}, 1)
	assert.ErrorIs(t, err, leave.ErrRequestNotFound)
}

func TestCredits_DuplicateOvertimeAndExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := leave.CompOffCredit{
		ID: "c-1", EmployeeID: "emp-1", LeaveTypeID: "comp-off", OvertimeID: "ot-1",
		EarnedOn: date("2025-03-01"), ExpiresOn: date("2025-03-31"), Quantity: days("1"),
	}
	require.NoError(t, store.CreateCredit(ctx, c))

	dup := c
	dup.ID = "c-2"
	assert.ErrorIs(t, store.CreateCredit(ctx, dup), leave.ErrDuplicateOvertime)

	expired, err := store.ListCreditsExpiredBy(ctx, date("2025-03-31"))
	require.NoError(t, err)
	assert.Empty(t, expired, "still usable on its last day")

	expired, err = store.ListCreditsExpiredBy(ctx, date("2025-04-01"))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.True(t, expired[0].Quantity.Equal(days("1")))

	_, err = store.GetCreditByOvertime(ctx, "emp-1", "ot-9")
	assert.ErrorIs(t, err, leave.ErrCreditNotFound)
}

func TestRuns_UpsertByPeriod(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	run := leave.SchedulerRun{ID: "run-1", OrganizationID: "acme", Kind: leave.RunAccrualMonthly, Label: "2025-03",
		Status: leave.RunRunning, StartedAt: started}
	require.NoError(t, store.SaveRun(ctx, run))

	finished := started.Add(time.Minute)
	run.Status = leave.RunCompleted
	run.Posted = 4
	run.FinishedAt = &finished
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, "acme", leave.RunAccrualMonthly, "2025-03")
	require.NoError(t, err)
	assert.Equal(t, leave.RunCompleted, got.Status)
	assert.Equal(t, 4, got.Posted)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))

	runs, err := store.ListRuns(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = store.GetRun(ctx, "acme", leave.RunYearEnd, "2025")
	assert.ErrorIs(t, err, leave.ErrRunNotFound)
}

// =============================================================================
// END TO END
// =============================================================================

func TestService_ApproveAndCancelOverSQLite(t *testing.T) {
	// GIVEN: A service wired entirely to one SQLite store
	store := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	ledger := generic.NewLedger(store)
	registry := leave.NewRegistry(store)
	registry.Now = now
	_, err := registry.Save(ctx, annual())
	require.NoError(t, err)
	settings := leave.DefaultSettings("acme")
	_, err = leave.SaveSettings(ctx, store, settings, clock)
	require.NoError(t, err)

	compOff := leave.NewCompOffLedger(store, ledger)
	svc := leave.NewService(leave.ServiceConfig{
		Registry: registry, Settings: store, Employees: store, Blackouts: store,
		Requests: store, Ledger: ledger, CompOff: compOff,
		Calendar: sqlite.NewHolidayCalendar(store, "acme"),
	})
	svc.Now = now

	_, err = svc.CreateEmployee(ctx, leave.Employee{
		ID: "emp-1", Name: "Alice", OrganizationID: "acme", JoiningDate: date("2024-01-01"), Gender: leave.GenderFemale,
	})
	require.NoError(t, err)
	_, err = ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{grant("emp-1", "annual", "2025-01-01", "20", "grant:emp-1:annual:2025")}})
	require.NoError(t, err)

	// WHEN: A Mon-Tue request is submitted and approved
	req, ev, err := svc.Submit(ctx, leave.Draft{
		EmployeeID: "emp-1", LeaveTypeID: "annual",
		Start: date("2025-03-24"), End: date("2025-03-25"), SubmittedOn: date("2025-03-03"),
	})
	require.NoError(t, err)
	require.True(t, ev.Accepted)
	req, err = svc.Decide(ctx, req.ID, leave.DecisionInput{Level: 1, Role: "manager", Decision: leave.DecisionApproved, DecidedBy: "boss"})
	require.NoError(t, err)

	// THEN: Two days are debited, and cancelling restores them
	assert.Equal(t, leave.StatusApproved, req.Status)
	bal, err := ledger.BalanceAt(ctx, "emp-1", "annual", date("2025-12-31"))
	require.NoError(t, err)
	assert.True(t, bal.Value.Equal(days("18")), "got %s", bal.Value)

	_, err = svc.Cancel(ctx, req.ID, "emp-1")
	require.NoError(t, err)
	bal, err = ledger.BalanceAt(ctx, "emp-1", "annual", date("2025-12-31"))
	require.NoError(t, err)
	assert.True(t, bal.Value.Equal(days("20")), "got %s", bal.Value)

	_, err = svc.CreateEmployee(ctx, leave.Employee{ID: "emp-1", Name: "Again", OrganizationID: "acme", JoiningDate: date("2024-01-01")})
	assert.True(t, errors.Is(err, generic.ErrConcurrencyConflict))
}
