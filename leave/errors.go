/*
errors.go - Centralized error types for the leave engine

PURPOSE:
  All error categories in one place. Callers classify failures with
  errors.Is against the four sentinels; structured types carry the
  context needed to act on a failure (e.g. which shifts conflict).

ERROR CATEGORIES:
  ErrNotFound   - referenced leave type, policy, or request missing
  ErrConflict   - duplicate code/policy, overlapping leave, duplicate
                  ledger write, unresolved shift conflicts
  ErrBadRequest - invalid dates, insufficient notice, wrong transition
  ErrForbidden  - caller lacks branch access or role, same-approver rule

USAGE:
  if errors.Is(err, leave.ErrConflict) { ... }

  var sc *leave.ShiftConflictError
  if errors.As(err, &sc) { retry with override after showing sc.Shifts }
*/
package leave

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced leave type, policy, or
	// request does not exist or does not belong to the caller's org.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for uniqueness violations, overlapping
	// approved leave, duplicate ledger writes, and unresolved shift
	// conflicts at approval time.
	ErrConflict = errors.New("conflict")

	// ErrBadRequest is returned for invalid input or an illegal state
	// machine transition.
	ErrBadRequest = errors.New("bad request")

	// ErrForbidden is returned when the caller lacks branch access or
	// role level, and for the same-approver two-step rule.
	ErrForbidden = errors.New("forbidden")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ShiftConflictError reports every scheduled shift that intersects the
// requested interval, so the caller can decide to approve with override.
type ShiftConflictError struct {
	RequestID RequestID
	Shifts    []Shift
}

func (e *ShiftConflictError) Error() string {
	return fmt.Sprintf("request %s conflicts with %d scheduled shift(s)", e.RequestID, len(e.Shifts))
}

func (e *ShiftConflictError) Unwrap() error { return ErrConflict }

// OverlapError reports an intersection with already approved leave.
type OverlapError struct {
	UserID   UserID
	Interval Interval
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("user %s already has approved leave overlapping [%s, %s)",
		e.UserID, e.Interval.Start.Format(time.DateOnly), e.Interval.End.Format(time.DateOnly))
}

func (e *OverlapError) Unwrap() error { return ErrConflict }

// TransitionError reports an event applied in a state that does not
// permit it.
type TransitionError struct {
	From  RequestStatus
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a request in status %s", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrBadRequest }

// DuplicateEntryError reports a ledger append whose idempotency key was
// already used. Expected for accrual reruns; callers skip and continue.
type DuplicateEntryError struct {
	IdempotencyKey string
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("ledger entry already exists for key %q", e.IdempotencyKey)
}

func (e *DuplicateEntryError) Unwrap() error { return ErrConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsBadRequest(err error) bool { return errors.Is(err, ErrBadRequest) }
func IsForbidden(err error) bool  { return errors.Is(err, ErrForbidden) }
