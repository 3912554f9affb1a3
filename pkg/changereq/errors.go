package changereq

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no change request exists under an ID.
var ErrNotFound = errors.New("changereq: not found")

// ErrConflict is returned when an optimistic save loses a version race.
// Callers reload and retry.
var ErrConflict = errors.New("changereq: concurrent modification")

// ErrInvalidTransition is returned for any (state, operation) pair the
// machine does not define.
var ErrInvalidTransition = errors.New("changereq: invalid transition")

// ErrWindowExpired is returned when execution is attempted outside the
// scheduled window. The request must be rescheduled.
var ErrWindowExpired = errors.New("changereq: outside scheduled execution window")

// ErrExecutionBlocked is returned when the production change gate does not
// permit execution. The request returns to APPROVED.
var ErrExecutionBlocked = errors.New("changereq: execution blocked by gate")

// ValidationError lists the required fields missing or malformed at
// submission.
type ValidationError struct {
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid fields: "+strings.Join(e.Invalid, ", "))
	}
	return "changereq: " + strings.Join(parts, "; ")
}

// RollbackError reports that the rollback procedure itself failed. The
// request stays ROLLED_BACK with rollback_successful=false.
type RollbackError struct {
	RequestID string
	Err       error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("changereq: rollback procedure failed for %s: %v", e.RequestID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

func invalidf(from Status, op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, from)
}
