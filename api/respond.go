package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/httplog/v3"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusOf maps the error taxonomy to an HTTP status and a stable code.
func statusOf(err error) (int, string) {
	var (
		verr *generic.ValidationError
		ierr *leave.IneligibleRequestError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, generic.ErrInvalidPeriod):
		return http.StatusBadRequest, "invalid_period"
	case errors.As(err, &ierr):
		return http.StatusUnprocessableEntity, string(ierr.Reason)
	case errors.Is(err, generic.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, leave.ErrCompOffMaxBalance):
		return http.StatusUnprocessableEntity, "comp_off_max_balance"
	case errors.Is(err, leave.ErrCompOffNotConfigured):
		return http.StatusUnprocessableEntity, "comp_off_not_configured"
	case errors.Is(err, leave.ErrEncashmentNotAllowed):
		return http.StatusUnprocessableEntity, "encashment_not_allowed"
	case errors.Is(err, leave.ErrRunInProgress):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, leave.ErrDuplicateOvertime):
		return http.StatusConflict, "duplicate_overtime"
	case errors.Is(err, leave.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, leave.ErrWrongApprover):
		return http.StatusConflict, "wrong_approver"
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate"
	case generic.IsRetryable(err):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, leave.ErrCalendarUnavailable):
		return http.StatusServiceUnavailable, "calendar_unavailable"
	case leave.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError writes err with the status its type maps to. details, when
// nil, is derived from structured errors.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code := statusOf(err)

	if details == nil {
		var (
			verr *generic.ValidationError
			ierr *leave.IneligibleRequestError
			berr *generic.InsufficientBalanceError
		)
		switch {
		case errors.As(err, &verr):
			details = verr.Fields
		case errors.As(err, &berr):
			details = map[string]string{
				"available": berr.Available.Value.String(),
				"requested": berr.Requested.Value.String(),
				"shortfall": berr.Shortfall.Value.String(),
			}
		case errors.As(err, &ierr) && ierr.Detail != "":
			details = map[string]string{"detail": ierr.Detail}
		}
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		// Internal errors are logged in full and reported generically.
		httplog.SetAttrs(r.Context(), slog.String("error", err.Error()))
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "bad_request"})
}
