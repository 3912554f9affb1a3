// Package ledger implements the append-only, hash-chained audit ledger.
//
// Every risk-bearing action in the control plane writes through this
// package. Events are sequenced without gaps, each event carries the SHA-256
// digest of its predecessor, and any retroactive edit is detectable by
// re-verification.
package ledger

import (
	"time"

	"github.com/northgate-labs/warden/pkg/canonicalize"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventGateExecuted          EventType = "GATE_EXECUTED"
	EventGateBlocked           EventType = "GATE_BLOCKED"
	EventKillSwitchActivated   EventType = "KILL_SWITCH_ACTIVATED"
	EventKillSwitchDeactivated EventType = "KILL_SWITCH_DEACTIVATED"
	EventChangeSubmitted       EventType = "CHANGE_REQUEST_SUBMITTED"
	EventChangeReviewStarted   EventType = "CHANGE_REVIEW_STARTED"
	EventChangeReviewed        EventType = "CHANGE_REQUEST_REVIEWED"
	EventChangeApproved        EventType = "CHANGE_APPROVED"
	EventChangeScheduled       EventType = "CHANGE_SCHEDULED"
	EventChangeRejected        EventType = "CHANGE_REJECTED"
	EventChangeCancelled       EventType = "CHANGE_CANCELLED"
	EventChangeExecutionStart  EventType = "CHANGE_EXECUTION_STARTED"
	EventChangeExecutionBlock  EventType = "CHANGE_EXECUTION_BLOCKED"
	EventChangeExecutionEnded  EventType = "CHANGE_EXECUTION_ENDED"
	EventChangeCompleted       EventType = "CHANGE_COMPLETED"
	EventChangeFailed          EventType = "CHANGE_FAILED"
	EventChangeVerified        EventType = "CHANGE_VERIFICATION_PASSED"
	EventChangeRolledBack      EventType = "CHANGE_ROLLED_BACK"
)

// ActorType identifies what kind of principal performed an action.
type ActorType string

const (
	ActorUser    ActorType = "USER"
	ActorAgent   ActorType = "AGENT"
	ActorSystem  ActorType = "SYSTEM"
	ActorService ActorType = "SERVICE"
)

// Actor is the principal responsible for an event.
type Actor struct {
	ID   string    `json:"id"`
	Type ActorType `json:"type"`
}

// Resource is a weak reference to the object an event concerns.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Outcome records how the audited action concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeBlocked Outcome = "BLOCKED"
	OutcomeWarning Outcome = "WARNING"
	OutcomeError   Outcome = "ERROR"
)

// Event is one immutable, hash-chained audit record. Created once via
// Ledger.Append; never mutated or deleted.
type Event struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Type         EventType      `json:"event_type"`
	Action       string         `json:"action"`
	Actor        Actor          `json:"actor"`
	Resource     *Resource      `json:"resource"`
	Outcome      Outcome        `json:"outcome"`
	Context      map[string]any `json:"context"`
	PreviousHash string         `json:"previous_hash"`
	EventHash    string         `json:"event_hash"`
	CreatedAt    time.Time      `json:"created_at"`
}

// hashable is the canonical field set covered by the event hash. EventHash
// itself is excluded; PreviousHash is included so the chain link is part of
// the signed content. The timestamp is rendered RFC 3339 UTC so the encoding
// is stable across drivers that round-trip through TEXT columns.
type hashable struct {
	Sequence     uint64         `json:"sequence"`
	Type         EventType      `json:"event_type"`
	Action       string         `json:"action"`
	Actor        Actor          `json:"actor"`
	Resource     *Resource      `json:"resource"`
	Outcome      Outcome        `json:"outcome"`
	Context      map[string]any `json:"context"`
	PreviousHash *string        `json:"previous_hash"`
	CreatedAt    string         `json:"created_at"`
}

// ComputeHash recomputes the event's self-hash from its canonical fields and
// the predecessor digest.
func (e *Event) ComputeHash() (string, error) {
	h := hashable{
		Sequence:  e.Sequence,
		Type:      e.Type,
		Action:    e.Action,
		Actor:     e.Actor,
		Resource:  e.Resource,
		Outcome:   e.Outcome,
		Context:   e.Context,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.PreviousHash != "" {
		prev := e.PreviousHash
		h.PreviousHash = &prev
	}
	return canonicalize.HashChained(h, e.PreviousHash)
}
