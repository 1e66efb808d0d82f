/*
errors.go - Centralized error types for the exeat engine

ERROR CATEGORIES:
  1. Transition errors - wrong role or wrong stage, stale state
  2. Lookup errors     - request/debt/student/staff not found
  3. Submission errors - active request, outstanding debt, bad dates
  4. Delivery errors   - notification failures (logged, never returned
                         from a transition)

USAGE:
  if errors.Is(err, exeat.ErrStaleState) {
      // reload the request and retry
  }
*/
package exeat

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidStageTransition is returned when the role/decision pair is
	// not allowed from the request's current status. Nothing is written.
	ErrInvalidStageTransition = errors.New("invalid stage transition")

	// ErrRequestNotFound is returned when an exeat request id is unknown.
	ErrRequestNotFound = errors.New("exeat request not found")

	// ErrStaleState is returned when a concurrent writer changed the
	// request between read and write. Callers should reload and retry.
	ErrStaleState = errors.New("stale request state")

	// ErrDeliveryFailure wraps notification errors. Only ever logged.
	ErrDeliveryFailure = errors.New("notification delivery failed")

	// ErrNotAuthorized is returned when the actor does not hold the role it
	// claims to act with.
	ErrNotAuthorized = errors.New("actor not authorized for role")

	ErrActiveRequestExists      = errors.New("student already has an active exeat request")
	ErrOutstandingDebt          = errors.New("student has an outstanding exeat debt")
	ErrInvalidDates             = errors.New("invalid dates: return before departure")
	ErrDebtNotFound             = errors.New("exeat debt not found")
	ErrInvalidPaymentTransition = errors.New("invalid payment status transition")
	ErrStudentNotFound          = errors.New("student not found")
	ErrStaffNotFound            = errors.New("staff not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes a rejected transition attempt.
type TransitionError struct {
	RequestID string
	From      Status
	Role      Role
	Decision  Decision
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition: %s cannot %s request %s in status %s",
		e.Role, e.Decision, e.RequestID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStageTransition
}

// StaleStateError carries the status the caller expected and what the
// store actually held.
type StaleStateError struct {
	RequestID string
	Expected  Status
	Actual    Status
}

func (e *StaleStateError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("stale request state: %s was modified concurrently", e.RequestID)
	}
	return fmt.Sprintf("stale request state: %s expected %s, found %s",
		e.RequestID, e.Expected, e.Actual)
}

func (e *StaleStateError) Unwrap() error {
	return ErrStaleState
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleState)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidStageTransition) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrActiveRequestExists) ||
		errors.Is(err, ErrOutstandingDebt) ||
		errors.Is(err, ErrInvalidDates) ||
		errors.Is(err, ErrInvalidPaymentTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrDebtNotFound) ||
		errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrStaffNotFound)
}
