package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/lock"
	"github.com/warp/leave-engine/store/sqlite"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

const catalogYAML = `
organization:
  id: acme
  company_name: Acme Corp
  sandwich_threshold_days: 14
  limits:
    min_unit_days: 0.5
    max_requests_per_month: 3
  approval:
    levels:
      - role: manager
        escalation_hours: 48
      - role: hr
        escalation_hours: 72
  proration: fifteenth
leave_types:
  - id: annual
    name: Annual Leave
    entitlement: 20
    carry_forward:
      limit: 5
    cancellation:
      notice_days: 2
  - id: sick
    name: Sick Leave
    accrual:
      rate: 1
      period: monthly
blackouts:
  - id: year-end-freeze
    name: Year-end freeze
    start: "2025-12-15"
    end: "2025-12-31"
`

type fixture struct {
	store     *sqlite.Store
	service   *leave.Service
	scheduler *leave.Scheduler
	handler   *api.Handler
	router    http.Handler
	now       func() time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	ledger := generic.NewLedger(store)
	registry := leave.NewRegistry(store)
	registry.Now = now
	svc := leave.NewService(leave.ServiceConfig{
		Registry: registry, Settings: store, Employees: store, Blackouts: store,
		Requests: store, Ledger: ledger, CompOff: leave.NewCompOffLedger(store, ledger),
		Calendar: sqlite.NewHolidayCalendar(store, "acme"),
	})
	svc.Now = now
	scheduler := leave.NewScheduler(leave.SchedulerConfig{
		Employees: store, Registry: registry, Settings: store, Ledger: ledger,
		Runs: store, Locker: lock.NewMemory(),
	})
	scheduler.Now = now

	h := api.NewHandler(svc, scheduler, store, "acme", nil)
	h.Ping = store.Ping
	h.Postings = store
	h.Now = now

	f := &fixture{
		store:     store,
		service:   svc,
		scheduler: scheduler,
		handler:   h,
		router:    api.NewRouter(h, api.RouterOptions{}),
		now:       now,
	}

	rec := f.raw(t, http.MethodPost, "/api/admin/catalog", "application/yaml", []byte(catalogYAML))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return f
}

func (f *fixture) raw(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	return f.raw(t, method, path, "application/json", payload)
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (f *fixture) hire(t *testing.T, id string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/employees", map[string]string{
		"id": id, "name": "Employee " + id, "joining_date": "2024-01-01", "gender": "female",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (f *fixture) runYearly(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/admin/runs/accrual", map[string]string{"period": "yearly", "period_start": "2025-01-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (f *fixture) balance(t *testing.T, emp, leaveType string) string {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/api/employees/"+emp+"/balances?as_of=2025-12-31", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, b := range decodeAs[[]api.BalanceDTO](t, rec) {
		if b.LeaveTypeID == leaveType {
			return b.Balance
		}
	}
	t.Fatalf("no balance for %s", leaveType)
	return ""
}

// =============================================================================
// TESTS
// =============================================================================

func TestHealth_ReportsOK(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeAs[map[string]string](t, rec)["status"])
}

func TestCreateEmployee_ValidationListsEveryField(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/employees", map[string]string{"joining_date": "01/02/2024"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeAs[struct {
		Code    string               `json:"code"`
		Details []generic.FieldError `json:"details"`
	}](t, rec)
	assert.Equal(t, "validation_failed", resp.Code)
	var fields []string
	for _, d := range resp.Details {
		fields = append(fields, d.Field)
	}
	assert.ElementsMatch(t, []string{"id", "name", "joining_date"}, fields)
}

func TestGetEmployee_UnknownIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/employees/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeAs[api.ErrorResponse](t, rec).Code)
}

func TestRequestLifecycle_SubmitApproveCancel(t *testing.T) {
	// GIVEN: An employee with the yearly annual grant
	f := newFixture(t)
	f.hire(t, "emp-1")
	f.runYearly(t)
	require.Equal(t, "20", f.balance(t, "emp-1", "annual"))

	// WHEN: A Mon-Tue request is submitted and both levels approve
	rec := f.do(t, http.MethodPost, "/api/requests", map[string]string{
		"employee_id": "emp-1", "leave_type_id": "annual", "start": "2025-03-24", "end": "2025-03-25",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeAs[api.RequestDTO](t, rec)
	assert.Equal(t, "pending_approval", created.Status)
	assert.Equal(t, "2", created.ChargeableDays)
	require.NotNil(t, created.Evaluation)
	assert.True(t, created.Evaluation.Accepted)

	pending := decodeAs[[]api.RequestDTO](t, f.do(t, http.MethodGet, "/api/requests/pending?role=manager", nil))
	require.Len(t, pending, 1)

	rec = f.do(t, http.MethodPost, "/api/requests/"+created.ID+"/decision", map[string]any{
		"level": 1, "role": "manager", "decision": "approved", "decided_by": "boss",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeAs[api.RequestDTO](t, rec).CurrentLevel)
	assert.Equal(t, "20", f.balance(t, "emp-1", "annual"), "nothing is debited before the last level")

	rec = f.do(t, http.MethodPost, "/api/requests/"+created.ID+"/decision", map[string]any{
		"level": 2, "role": "hr", "decision": "approved", "decided_by": "hr-lead",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The stored days are debited, and cancellation restores them
	assert.Equal(t, "approved", decodeAs[api.RequestDTO](t, rec).Status)
	assert.Equal(t, "18", f.balance(t, "emp-1", "annual"))

	ledger := decodeAs[[]api.TransactionDTO](t, f.do(t, http.MethodGet, "/api/employees/emp-1/ledger?leave_type=annual", nil))
	require.Len(t, ledger, 2)
	assert.Equal(t, "debit", ledger[1].Kind)
	assert.Equal(t, "18", ledger[1].BalanceAfter)

	rec = f.do(t, http.MethodPost, "/api/requests/"+created.ID+"/cancel", map[string]string{"by": "emp-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeAs[api.RequestDTO](t, rec).Status)
	assert.Equal(t, "20", f.balance(t, "emp-1", "annual"))

	detail := decodeAs[api.RequestDTO](t, f.do(t, http.MethodGet, "/api/requests/"+created.ID, nil))
	require.Len(t, detail.Postings, 2)
	assert.Equal(t, "debit", detail.Postings[0].Kind)
	assert.Equal(t, "-2", detail.Postings[0].Delta)
	assert.Equal(t, "credit_adjustment", detail.Postings[1].Kind)
	assert.Empty(t, detail.Postings[1].BalanceAfter)
}

func TestSubmit_InsufficientBalanceIs422WithEvaluation(t *testing.T) {
	f := newFixture(t)
	f.hire(t, "emp-1")

	rec := f.do(t, http.MethodPost, "/api/requests", map[string]string{
		"employee_id": "emp-1", "leave_type_id": "annual", "start": "2025-03-24", "end": "2025-03-25",
	})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	resp := decodeAs[struct {
		Code    string            `json:"code"`
		Details api.EvaluationDTO `json:"details"`
	}](t, rec)
	assert.Equal(t, "insufficient_balance", resp.Code)
	assert.Equal(t, string(leave.ReasonInsufficientBalance), resp.Details.Reason)
	assert.Equal(t, "2", resp.Details.ChargeableDays)
}

func TestEvaluate_BlackoutIsAcceptedFalse(t *testing.T) {
	f := newFixture(t)
	f.hire(t, "emp-1")
	f.runYearly(t)

	rec := f.do(t, http.MethodPost, "/api/requests/evaluate", map[string]string{
		"employee_id": "emp-1", "leave_type_id": "annual", "start": "2025-12-16", "end": "2025-12-16",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ev := decodeAs[api.EvaluationDTO](t, rec)
	assert.False(t, ev.Accepted)
	assert.Equal(t, string(leave.ReasonBlackout), ev.Reason)

	// Disabling the blackout lets the same request through.
	rec = f.do(t, http.MethodPut, "/api/blackouts/year-end-freeze/enabled", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/api/requests/evaluate", map[string]string{
		"employee_id": "emp-1", "leave_type_id": "annual", "start": "2025-12-16", "end": "2025-12-16",
	})
	assert.True(t, decodeAs[api.EvaluationDTO](t, rec).Accepted)
}

func TestDecision_WrongRoleIs409(t *testing.T) {
	f := newFixture(t)
	f.hire(t, "emp-1")
	f.runYearly(t)
	created := decodeAs[api.RequestDTO](t, f.do(t, http.MethodPost, "/api/requests", map[string]string{
		"employee_id": "emp-1", "leave_type_id": "annual", "start": "2025-03-24", "end": "2025-03-24",
	}))

	rec := f.do(t, http.MethodPost, "/api/requests/"+created.ID+"/decision", map[string]any{
		"level": 1, "role": "hr", "decision": "approved", "decided_by": "hr-lead",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "wrong_approver", decodeAs[api.ErrorResponse](t, rec).Code)
}

func TestDraft_SaveThenSubmit(t *testing.T) {
	f := newFixture(t)
	f.hire(t, "emp-1")
	f.runYearly(t)

	rec := f.do(t, http.MethodPost, "/api/requests", map[string]any{
		"employee_id": "emp-1", "leave_type_id": "annual", "start": "2025-04-07", "end": "2025-04-08", "save_as_draft": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	draft := decodeAs[api.RequestDTO](t, rec)
	assert.Equal(t, "draft", draft.Status)

	rec = f.do(t, http.MethodPost, "/api/requests/"+draft.ID+"/submit", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pending_approval", decodeAs[api.RequestDTO](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/requests/"+draft.ID+"/submit", map[string]string{})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeAs[api.ErrorResponse](t, rec).Code)
}

func TestSubmit_IgnoresClientSubmissionDate(t *testing.T) {
	f := newFixture(t)
	f.hire(t, "emp-1")
	f.runYearly(t)

	// GIVEN: A Fri-Mon request four days out, claimed as submitted a month ago
	body := map[string]any{
		"employee_id": "emp-1", "leave_type_id": "annual", "start": "2025-03-07", "end": "2025-03-10",
		"submitted_on": "2025-02-01",
	}

	// WHEN: It is previewed and then created
	preview := f.do(t, http.MethodPost, "/api/requests/evaluate", body)
	created := f.do(t, http.MethodPost, "/api/requests", body)

	// THEN: Only the preview uses the claimed date; the request is sandwiched as of today
	require.Equal(t, http.StatusOK, preview.Code, preview.Body.String())
	assert.Equal(t, "2", decodeAs[api.EvaluationDTO](t, preview).ChargeableDays)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	req := decodeAs[api.RequestDTO](t, created)
	assert.Equal(t, "2025-03-03", req.SubmittedOn)
	assert.Equal(t, "4", req.ChargeableDays)

	// AND: A saved draft is also stamped with today when submitted
	body["start"], body["end"], body["save_as_draft"] = "2025-04-07", "2025-04-08", true
	draft := decodeAs[api.RequestDTO](t, f.do(t, http.MethodPost, "/api/requests", body))
	assert.Equal(t, "2025-03-03", draft.SubmittedOn)
	rec := f.do(t, http.MethodPost, "/api/requests/"+draft.ID+"/submit", map[string]string{"submitted_on": "2025-01-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-03-03", decodeAs[api.RequestDTO](t, rec).SubmittedOn)
}

func TestLeaveTypes_SaveAppendsVersions(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"id": "study", "name": "Study Leave", "entitlement": 5}

	rec := f.do(t, http.MethodPost, "/api/leave-types", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeAs[api.LeaveTypeDTO](t, rec).Version)

	body["entitlement"] = 6
	rec = f.do(t, http.MethodPost, "/api/leave-types", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decodeAs[api.LeaveTypeDTO](t, f.do(t, http.MethodGet, "/api/leave-types/study", nil))
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "6", got.Entitlement)
}

func TestLeaveTypes_ValidateReportsWithoutSaving(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/leave-types/validate", map[string]any{
		"id": "bonus", "name": "Bonus", "entitlement": 4, "encashment": map[string]any{"max_days": 3},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeAs[struct {
		Valid  bool                 `json:"valid"`
		Errors []generic.FieldError `json:"errors"`
	}](t, rec)
	assert.False(t, resp.Valid)
	var fields []string
	for _, e := range resp.Errors {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "max_encashment_days")
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/leave-types/bonus", nil).Code)
}

func TestSettings_PutCreatesNextVersion(t *testing.T) {
	f := newFixture(t)
	before := decodeAs[api.SettingsDTO](t, f.do(t, http.MethodGet, "/api/settings", nil))
	assert.Equal(t, "Acme Corp", before.CompanyName)

	rec := f.do(t, http.MethodPut, "/api/settings", map[string]any{
		"company_name": "Acme Inc", "sandwich_threshold_days": 7,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	after := decodeAs[api.SettingsDTO](t, rec)
	assert.Equal(t, before.Version+1, after.Version)
	assert.Equal(t, 7, after.SandwichThresholdDays)
}

func TestAdminRuns_RerunPostsNothing(t *testing.T) {
	f := newFixture(t)
	f.hire(t, "emp-1")
	body := map[string]string{"period": "monthly", "period_start": "2025-03-01"}

	first := decodeAs[api.RunDTO](t, f.do(t, http.MethodPost, "/api/admin/runs/accrual", body))
	second := decodeAs[api.RunDTO](t, f.do(t, http.MethodPost, "/api/admin/runs/accrual", body))

	assert.Equal(t, "completed", first.Status)
	assert.Greater(t, first.Posted, 0)
	assert.Equal(t, 0, second.Posted)
	assert.Equal(t, first.ID, second.ID, "a rerun keeps the run record of its period")
	assert.Equal(t, "1", f.balance(t, "emp-1", "sick"))

	runs := decodeAs[[]api.RunDTO](t, f.do(t, http.MethodGet, "/api/admin/runs", nil))
	assert.Len(t, runs, 1)
}

func TestCompOff_GrantWithoutConfiguredTypeIs422(t *testing.T) {
	f := newFixture(t)
	f.hire(t, "emp-1")

	rec := f.do(t, http.MethodPost, "/api/employees/emp-1/comp-off", map[string]string{
		"overtime_id": "ot-1", "earned_on": "2025-03-01",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}

func TestRateLimit_RejectsOverBudget(t *testing.T) {
	f := newFixture(t)
	router := api.NewRouter(f.handler, api.RouterOptions{RateLimitPerMinute: 1})

	codes := make([]int, 2)
	for i := range codes {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		codes[i] = rec.Code
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestBackgroundScheduler_RunNowIsIdempotent(t *testing.T) {
	// GIVEN: One employee and no runs yet
	f := newFixture(t)
	f.hire(t, "emp-1")
	bg := api.NewBackgroundScheduler(f.service, f.scheduler, "acme", nil)
	bg.Now = f.now

	// WHEN: Two ticks run back to back
	require.NoError(t, bg.RunNow(context.Background()))
	require.NoError(t, bg.RunNow(context.Background()))

	// THEN: Every period was credited once and each run kind has one record
	assert.Equal(t, "20", f.balance(t, "emp-1", "annual"))
	assert.Equal(t, "1", f.balance(t, "emp-1", "sick"))

	runs, err := f.scheduler.ListRuns(context.Background(), "acme")
	require.NoError(t, err)
	kinds := map[leave.RunKind]int{}
	for _, run := range runs {
		kinds[run.Kind]++
		assert.Equal(t, leave.RunCompleted, run.Status, "%s %s", run.Kind, run.Label)
	}
	assert.Equal(t, map[leave.RunKind]int{
		leave.RunAccrualMonthly: 1,
		leave.RunAccrualYearly:  1,
		leave.RunYearEnd:        1,
	}, kinds)
}

func TestApplyCatalog_RejectsMalformedYAML(t *testing.T) {
	f := newFixture(t)
	rec := f.raw(t, http.MethodPost, "/api/admin/catalog", "application/yaml", []byte("leave_types: [unclosed"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "invalid catalog YAML"))
}
