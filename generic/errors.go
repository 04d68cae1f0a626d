/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All ledger-level error types in one place. Domain packages wrap these
  with additional context (leave/errors.go adds eligibility, calendar and
  scheduler errors on top of this taxonomy).

ERROR CATEGORIES:
  1. Ledger errors - idempotency, sufficiency, concurrency
  2. Validation errors - field-level configuration problems
  3. Lookup errors - missing entities or policies

USAGE:
    if errors.Is(err, generic.ErrInsufficientBalance) {
        var ib *generic.InsufficientBalanceError
        errors.As(err, &ib) // shortfall details
    }

SEE ALSO:
  - ledger.go: Returns these errors from Post
  - leave/errors.go: Domain taxonomy
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. Expected for retries and scheduler reruns.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInsufficientBalance is returned when a debit would take a balance
	// below zero and the policy forbids it.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrencyConflict is returned when the state a caller validated
	// against changed before the write. Callers re-submit; never retry with
	// stale numbers.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrValidation is the sentinel behind every *ValidationError.
	ErrValidation = errors.New("validation failed")

	ErrPolicyNotFound = errors.New("policy not found")
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	ErrEmptyBatch = errors.New("empty transaction batch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	EntityID  EntityID
	PolicyID  PolicyID
	At        TimePoint
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s at %s: available %v, requested %v, shortfall %v",
		e.EntityID, e.PolicyID, e.At, e.Available.Value, e.Requested.Value, e.Shortfall.Value)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// FieldError is one field-level configuration problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string { return f.Field + ": " + f.Message }

// ValidationError carries every field error found on one aggregate.
// Configuration that fails validation is rejected at write time.
type ValidationError struct {
	Subject string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError returns nil when there are no field errors, so callers
// can write `return NewValidationError("leave type", errs)` unconditionally.
func NewValidationError(subject string, fields []FieldError) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Subject: subject, Fields: fields}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may re-submit after re-reading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrEntityNotFound)
}
