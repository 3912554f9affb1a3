// Package changereq implements the production change request lifecycle: a
// strict state machine from draft through review, approval, scheduled
// execution, verification, and rollback. Every transition is window- and
// version-checked, gated through the enforcement layer where it matters, and
// appended to the audit ledger.
package changereq

import (
	"time"
)

// ChangeType classifies what kind of change is being requested.
type ChangeType string

const (
	TypeDeployment     ChangeType = "DEPLOYMENT"
	TypeConfiguration  ChangeType = "CONFIGURATION"
	TypeInfrastructure ChangeType = "INFRASTRUCTURE"
	TypeDataMigration  ChangeType = "DATA_MIGRATION"
	TypePolicyChange   ChangeType = "POLICY_CHANGE"
	TypeAccessChange   ChangeType = "ACCESS_CHANGE"
	TypeEmergency      ChangeType = "EMERGENCY"
)

// RiskLevel drives the approval path. LOW may auto-approve; everything else
// requires sequential review and approval.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// rank orders risk levels for escalation comparisons.
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether r is at or above other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.rank() >= other.rank()
}

// Status is the lifecycle state of a change request.
type Status string

const (
	StatusDraft               Status = "DRAFT"
	StatusSubmitted           Status = "SUBMITTED"
	StatusUnderReview         Status = "UNDER_REVIEW"
	StatusPendingApproval     Status = "PENDING_APPROVAL"
	StatusApproved            Status = "APPROVED"
	StatusScheduled           Status = "SCHEDULED"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusPendingVerification Status = "PENDING_VERIFICATION"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusRejected            Status = "REJECTED"
	StatusCancelled           Status = "CANCELLED"
	StatusRolledBack          Status = "ROLLED_BACK"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusRolledBack:
		return true
	}
	return false
}

// preApproval reports whether the request has not yet been approved, the
// region of the machine where rejection and cancellation are allowed.
func (s Status) preApproval() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusUnderReview, StatusPendingApproval:
		return true
	}
	return false
}

// transitions is the closed successor relation. Anything absent is an
// invalid transition.
var transitions = map[Status][]Status{
	StatusDraft:               {StatusSubmitted, StatusCancelled},
	StatusSubmitted:           {StatusUnderReview, StatusScheduled, StatusRejected, StatusCancelled},
	StatusUnderReview:         {StatusPendingApproval, StatusRejected, StatusCancelled},
	StatusPendingApproval:     {StatusApproved, StatusScheduled, StatusRejected, StatusCancelled},
	StatusApproved:            {StatusScheduled},
	StatusScheduled:           {StatusInProgress, StatusApproved},
	StatusInProgress:          {StatusPendingVerification, StatusCompleted, StatusFailed},
	StatusPendingVerification: {StatusCompleted, StatusFailed},
	StatusFailed:              {StatusRolledBack},
}

// canTransition reports whether from -> to is defined.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionResult reports how the change's execution concluded.
type ExecutionResult struct {
	Success bool           `json:"success"`
	Notes   string         `json:"notes,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// CriterionResult records the check of one verification criterion.
type CriterionResult struct {
	Criterion string `json:"criterion"`
	Passed    bool   `json:"passed"`
	Detail    string `json:"detail,omitempty"`
}

// ChangeRequest is the full change record. The state machine in Service owns
// every mutation; callers treat loaded values as read snapshots.
type ChangeRequest struct {
	ID  string `json:"id"`
	Key string `json:"change_key"`

	Title       string     `json:"title"`
	Description string     `json:"description"`
	Rationale   string     `json:"rationale"`
	Type        ChangeType `json:"change_type"`
	Risk        RiskLevel  `json:"risk_level"`

	// ImpactAssessment narrates blast radius and affected systems.
	ImpactAssessment string `json:"impact_assessment,omitempty"`

	// TargetSystem and the version pair describe deployments. Versions are
	// semver; a major bump escalates risk at submission.
	TargetSystem   string `json:"target_system,omitempty"`
	CurrentVersion string `json:"current_version,omitempty"`
	TargetVersion  string `json:"target_version,omitempty"`

	RollbackProcedure    string   `json:"rollback_procedure"`
	VerificationRequired bool     `json:"verification_required"`
	VerificationCriteria []string `json:"verification_criteria,omitempty"`

	Status Status `json:"status"`

	Requester   string     `json:"requested_by"`
	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`

	Reviewer    string     `json:"reviewed_by,omitempty"`
	ReviewNotes string     `json:"review_notes,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`

	Approver     string     `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	AutoApproved bool       `json:"auto_approved,omitempty"`

	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`

	ExecutionStartedAt *time.Time       `json:"execution_started_at,omitempty"`
	ExecutionEndedAt   *time.Time       `json:"execution_ended_at,omitempty"`
	ExecutionResult    *ExecutionResult `json:"execution_result,omitempty"`

	VerificationResults []CriterionResult `json:"verification_results,omitempty"`
	VerifiedAt          *time.Time        `json:"verified_at,omitempty"`

	RollbackExecuted   bool       `json:"rollback_executed"`
	RollbackSuccessful bool       `json:"rollback_successful"`
	RollbackReason     string     `json:"rollback_reason,omitempty"`
	RolledBackAt       *time.Time `json:"rolled_back_at,omitempty"`

	// AuditEventIDs links every ledger event this request's lifecycle
	// generated, in order. Weak references; the events live in the ledger.
	AuditEventIDs []string `json:"audit_event_ids,omitempty"`

	// Version is the optimistic concurrency token. Incremented on every
	// successful save; a stale version fails the save with ErrConflict.
	Version int64 `json:"version"`
}

// WithinWindow reports whether now falls inside the scheduled execution
// window. A request with no window is never within one.
func (c *ChangeRequest) WithinWindow(now time.Time) bool {
	if c.ScheduledStart == nil || c.ScheduledEnd == nil {
		return false
	}
	return !now.Before(*c.ScheduledStart) && !now.After(*c.ScheduledEnd)
}

// RequiresReview reports whether the request must pass reviewer and approver
// sign-off before scheduling.
func (c *ChangeRequest) RequiresReview() bool {
	return c.Risk != RiskLow || c.Type == TypeEmergency
}
