/*
handlers.go - HTTP API handlers for the leave engine

PURPOSE:
  Exposes the leave engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the leave service and scheduler.

ENDPOINTS:
  Catalog:
    GET    /api/leave-types               List leave types (latest versions)
    POST   /api/leave-types               Create or update (new version)
    GET    /api/leave-types/{id}          Get latest version
    POST   /api/leave-types/validate      Validate without saving
    GET    /api/settings                  Organization policy settings
    PUT    /api/settings                  Replace settings (new version)
    GET    /api/blackouts                 List blackout periods
    POST   /api/blackouts                 Create or replace a blackout
    PUT    /api/blackouts/{id}/enabled    Enable or disable
    POST   /api/holidays                  Create or replace a holiday

  Employees:
    POST   /api/employees                 Create employee (sends welcome)
    GET    /api/employees/{id}            Get employee
    GET    /api/employees/{id}/balances   Balance per leave type (?as_of=)
    GET    /api/employees/{id}/ledger     Ledger entries (?leave_type=)
    GET    /api/employees/{id}/requests   Requests of the employee
    GET    /api/employees/{id}/comp-off   Comp-off credits with remaining
    POST   /api/employees/{id}/comp-off   Credit an overtime
    POST   /api/employees/{id}/encash     Encash days of a year

  Requests:
    POST   /api/requests/evaluate         Dry run
    POST   /api/requests                  Submit (or save as draft)
    GET    /api/requests/pending          Pending approval
    GET    /api/requests/{id}             Get request
    POST   /api/requests/{id}/submit      Submit a stored draft
    POST   /api/requests/{id}/decision    Approve or reject a level
    POST   /api/requests/{id}/cancel      Cancel

  Admin:
    POST   /api/admin/runs/accrual        Monthly or yearly accrual run
    POST   /api/admin/runs/year-end       Carry-forward and lapse sweep
    GET    /api/admin/runs                Run history
    POST   /api/admin/comp-off/expire     Lapse expired comp-off credits
    POST   /api/admin/escalations/tick    Escalate overdue approvals
    POST   /api/admin/catalog             Apply a YAML or JSON catalog

ERROR HANDLING:
  Errors are returned as JSON with the status their type maps to
  (respond.go):
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflicts (concurrency, duplicate, run in progress, transition)
  - 422: Ineligible request, insufficient balance
  - 503: Calendar unavailable, database down
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Approver identity and role arrive in
  the request body and are trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Background runs
*/
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/factory"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *leave.Service
	Scheduler *leave.Scheduler
	Holidays  leave.HolidayStore

	// Postings, when set, adds the ledger entries of a request to its
	// detail response.
	Postings generic.ReferenceLookup

	// Ping reports database health; nil means always healthy.
	Ping func(ctx context.Context) error

	// OrganizationID scopes settings, blackouts, holidays and runs.
	OrganizationID string

	Logger *slog.Logger
	Now    func() time.Time
}

func NewHandler(svc *leave.Service, scheduler *leave.Scheduler, holidays leave.HolidayStore, organizationID string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service:        svc,
		Scheduler:      scheduler,
		Holidays:       holidays,
		OrganizationID: organizationID,
		Logger:         logger.With("component", "api"),
		Now:            time.Now,
	}
}

func (h *Handler) today() generic.TimePoint {
	return generic.DateOf(h.Now())
}

// dateParam reads an optional YYYY-MM-DD query parameter.
func dateParam(r *http.Request, name string, fallback generic.TimePoint) (generic.TimePoint, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback, nil
	}
	tp, err := generic.ParseDate(s)
	if err != nil {
		return generic.TimePoint{}, generic.NewValidationError("query",
			[]generic.FieldError{{Field: name, Message: "must be a YYYY-MM-DD date"}})
	}
	return tp, nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LEAVE TYPE HANDLERS
// =============================================================================

func (h *Handler) ListLeaveTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Service.Registry.List(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	dtos := make([]LeaveTypeDTO, len(types))
	for i, lt := range types {
		dtos[i] = toLeaveTypeDTO(lt)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetLeaveType(w http.ResponseWriter, r *http.Request) {
	lt, err := h.Service.Registry.Get(r.Context(), generic.PolicyID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveTypeDTO(lt))
}

// SaveLeaveType stores the body as the next version of its id.
func (h *Handler) SaveLeaveType(w http.ResponseWriter, r *http.Request) {
	var doc factory.LeaveTypeDoc
	if err := decode(r, &doc); err != nil {
		writeError(w, r, err, nil)
		return
	}
	lt, err := doc.LeaveType()
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	saved, err := h.Service.Registry.Save(r.Context(), lt)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	status := http.StatusOK
	if saved.Version == 1 {
		status = http.StatusCreated
	}
	h.Logger.Info("leave type saved", "leave_type", saved.ID, "version", saved.Version)
	writeJSON(w, status, toLeaveTypeDTO(saved))
}

// ValidateLeaveType reports every field problem without saving.
func (h *Handler) ValidateLeaveType(w http.ResponseWriter, r *http.Request) {
	var doc factory.LeaveTypeDoc
	if err := decode(r, &doc); err != nil {
		writeError(w, r, err, nil)
		return
	}
	fields := []generic.FieldError{}
	if _, err := doc.LeaveType(); err != nil {
		var verr *generic.ValidationError
		if !errors.As(err, &verr) {
			writeError(w, r, err, nil)
			return
		}
		fields = verr.Fields
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": len(fields) == 0, "errors": fields})
}

// =============================================================================
// SETTINGS, BLACKOUT AND HOLIDAY HANDLERS
// =============================================================================

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Service.OrganizationSettings(r.Context(), h.OrganizationID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(settings))
}

// PutSettings replaces the settings; omitted fields take their defaults.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var doc factory.OrganizationDoc
	if err := decode(r, &doc); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if doc.ID == "" {
		doc.ID = h.OrganizationID
	}
	if doc.ID != h.OrganizationID {
		writeBadRequest(w, "settings belong to organization "+h.OrganizationID)
		return
	}
	settings, err := doc.Settings()
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	saved, err := h.Service.SaveSettings(r.Context(), settings)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	h.Logger.Info("settings saved", "organization", saved.OrganizationID, "version", saved.Version)
	writeJSON(w, http.StatusOK, toSettingsDTO(saved))
}

func (h *Handler) ListBlackouts(w http.ResponseWriter, r *http.Request) {
	blackouts, err := h.Service.ListBlackouts(r.Context(), h.OrganizationID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	dtos := make([]BlackoutDTO, len(blackouts))
	for i, b := range blackouts {
		dtos[i] = toBlackoutDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveBlackout(w http.ResponseWriter, r *http.Request) {
	var doc factory.BlackoutDoc
	if err := decode(r, &doc); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	b, err := doc.Blackout(h.OrganizationID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	saved, err := h.Service.SaveBlackout(r.Context(), b)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toBlackoutDTO(saved))
}

func (h *Handler) SetBlackoutEnabled(w http.ResponseWriter, r *http.Request) {
	var req SetEnabledRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	b, err := h.Service.SetBlackoutEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toBlackoutDTO(b))
}

func (h *Handler) SaveHoliday(w http.ResponseWriter, r *http.Request) {
	var doc factory.HolidayDoc
	if err := decode(r, &doc); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	holiday, err := doc.Holiday(h.OrganizationID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := h.Holidays.SaveHoliday(r.Context(), holiday); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            holiday.ID,
		"name":          holiday.Name,
		"date":          holiday.Date.String(),
		"department_id": holiday.DepartmentID,
		"recurring":     holiday.Recurring,
	})
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	emp, err := h.Service.CreateEmployee(r.Context(), req.employee(h.OrganizationID))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp))
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Service.GetEmployee(r.Context(), generic.EntityID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp))
}

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	asOf, err := dateParam(r, "as_of", h.today())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	summaries, err := h.Service.Balances(r.Context(), generic.EntityID(chi.URLParam(r, "id")), asOf)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	dtos := make([]BalanceDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toBalanceDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLedger returns entries of one leave type (?leave_type=) or of all.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	emp, err := h.Service.GetEmployee(ctx, generic.EntityID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	var ids []generic.PolicyID
	if id := r.URL.Query().Get("leave_type"); id != "" {
		ids = []generic.PolicyID{generic.PolicyID(id)}
	} else {
		types, err := h.Service.Registry.List(ctx)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		for _, lt := range types {
			ids = append(ids, lt.ID)
		}
	}

	out := []TransactionDTO{}
	for _, id := range ids {
		txs, err := h.Service.Ledger.Transactions(ctx, emp.ID, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out = append(out, toTransactionDTOs(txs)...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListEmployeeRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.Service.EmployeeRequests(r.Context(), generic.EntityID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(requests))
}

func (h *Handler) ListCompOff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	emp, err := h.Service.GetEmployee(ctx, generic.EntityID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	settings, err := h.Service.OrganizationSettings(ctx, emp.OrganizationID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if h.Service.CompOff == nil || settings.CompOff.LeaveTypeID == "" {
		writeError(w, r, leave.ErrCompOffNotConfigured, nil)
		return
	}
	credits, err := h.Service.CompOff.Credits(ctx, emp.ID, settings.CompOff.LeaveTypeID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	dtos := make([]CompOffCreditDTO, len(credits))
	for i, c := range credits {
		dtos[i] = toCompOffCreditDTO(c.Credit, c.Remaining)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GrantCompOff(w http.ResponseWriter, r *http.Request) {
	var req GrantCompOffRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	credit, err := h.Service.GrantCompOff(r.Context(), generic.EntityID(chi.URLParam(r, "id")),
		req.OvertimeID, generic.MustParseDate(req.EarnedOn))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toCompOffCreditDTO(credit, credit.Quantity))
}

func (h *Handler) Encash(w http.ResponseWriter, r *http.Request) {
	var req EncashRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	tx, err := h.Scheduler.Encash(r.Context(), generic.EntityID(chi.URLParam(r, "id")),
		generic.PolicyID(req.LeaveTypeID), req.Year, decimal.NewFromFloat(req.Days))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTOs([]generic.Transaction{tx})[0])
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// EvaluateRequest is a dry run. Rejections are a 200 with accepted=false.
func (h *Handler) EvaluateRequest(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	ev, err := h.Service.Evaluate(r.Context(), req.draft(h.today()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toEvaluationDTO(ev))
}

// SubmitRequest submits, or with save_as_draft stores a draft. A rejected
// submission reports the evaluation in the error details.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	ctx := r.Context()
	d := req.draft(h.today())
	d.SubmittedOn = h.today()

	if req.SaveAsDraft {
		saved, err := h.Service.SaveDraft(ctx, d)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toRequestDTO(saved))
		return
	}

	created, ev, err := h.Service.Submit(ctx, d)
	h.respondSubmitted(w, r, http.StatusCreated, created, ev, err)
}

func (h *Handler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	submitted, ev, err := h.Service.SubmitDraft(r.Context(), chi.URLParam(r, "id"), h.today())
	h.respondSubmitted(w, r, http.StatusOK, submitted, ev, err)
}

func (h *Handler) respondSubmitted(w http.ResponseWriter, r *http.Request, status int, req leave.LeaveRequest, ev leave.Evaluation, err error) {
	if err != nil {
		var details any
		if ev.Reason != "" {
			details = toEvaluationDTO(ev)
		}
		writeError(w, r, err, details)
		return
	}
	dto := toRequestDTO(req)
	evDTO := toEvaluationDTO(ev)
	dto.Evaluation = &evDTO
	writeJSON(w, status, dto)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	dto := toRequestDTO(req)
	if h.Postings != nil {
		txs, err := h.Postings.EntriesByReference(r.Context(), req.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		dto.Postings = toPostingDTOs(txs)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.Service.PendingRequests(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if role := r.URL.Query().Get("role"); role != "" {
		filtered := requests[:0]
		for _, req := range requests {
			if step := req.CurrentStep(); step != nil && strings.EqualFold(step.ApproverRole, role) {
				filtered = append(filtered, req)
			}
		}
		requests = filtered
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(requests))
}

func (h *Handler) DecideRequest(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	decided, err := h.Service.Decide(r.Context(), chi.URLParam(r, "id"), leave.DecisionInput{
		Level:     req.Level,
		Role:      req.Role,
		Decision:  leave.Decision(req.Decision),
		DecidedBy: req.DecidedBy,
		Comment:   req.Comment,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(decided))
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	cancelled, err := h.Service.Cancel(r.Context(), chi.URLParam(r, "id"), req.By)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(cancelled))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var req AccrualRunRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	run, err := h.Scheduler.RunPeriod(r.Context(), h.OrganizationID,
		generic.PeriodKind(req.Period), generic.MustParseDate(req.PeriodStart))
	h.respondRun(w, r, run, err)
}

func (h *Handler) RunYearEnd(w http.ResponseWriter, r *http.Request) {
	var req YearEndRunRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	run, err := h.Scheduler.RunYearEnd(r.Context(), h.OrganizationID, req.Year)
	h.respondRun(w, r, run, err)
}

// respondRun reports a failed run with its record so the caller sees what
// was posted before the failure.
func (h *Handler) respondRun(w http.ResponseWriter, r *http.Request, run leave.SchedulerRun, err error) {
	if err != nil {
		var details any
		if run.ID != "" {
			details = toRunDTO(run)
		}
		writeError(w, r, err, details)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Scheduler.ListRuns(r.Context(), h.OrganizationID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ExpireCompOff(w http.ResponseWriter, r *http.Request) {
	var req ExpireCompOffRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	n, err := h.Service.ExpireCompOff(r.Context(), optionalDate(req.AsOf, h.today()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"lapsed": n})
}

func (h *Handler) TickEscalations(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.TickEscalations(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"escalated": n})
}

// ApplyCatalog applies a catalog body. YAML unless the content type is JSON.
func (h *Handler) ApplyCatalog(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeBadRequest(w, "failed to read body")
		return
	}
	var catalog factory.Catalog
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		catalog, err = factory.ParseJSON(body)
	} else {
		catalog, err = factory.ParseYAML(body)
	}
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	applied, err := catalog.Apply(r.Context(), factory.Target{
		Registry: h.Service.Registry,
		Service:  h.Service,
		Holidays: h.Holidays,
	}, h.OrganizationID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	h.Logger.Info("catalog applied",
		"leave_types", applied.LeaveTypes, "settings", applied.Settings,
		"blackouts", applied.Blackouts, "holidays", applied.Holidays)
	writeJSON(w, http.StatusOK, map[string]any{
		"leave_types": applied.LeaveTypes,
		"settings":    applied.Settings,
		"blackouts":   applied.Blackouts,
		"holidays":    applied.Holidays,
	})
}
