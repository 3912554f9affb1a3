package changereq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/northgate-labs/warden/pkg/clock"
	"github.com/northgate-labs/warden/pkg/gate"
	"github.com/northgate-labs/warden/pkg/ledger"
	"github.com/northgate-labs/warden/pkg/notify"
)

// GateDecider is the slice of the gate evaluator the state machine needs.
type GateDecider interface {
	Evaluate(ctx context.Context, req gate.Request) (*gate.Execution, error)
}

// RollbackRunner executes a request's rollback procedure. Implementations
// talk to the actual deployment tooling; nil means procedures are operator
// driven and recorded as successful once invoked.
type RollbackRunner interface {
	Run(ctx context.Context, cr *ChangeRequest) error
}

// Config tunes service behavior.
type Config struct {
	// GateKey names the PRODUCTION_CHANGE gate consulted at execution time.
	GateKey string
	// AutoApproveWindow is the execution window granted to auto-approved
	// low-risk requests that carry no explicit schedule.
	AutoApproveWindow time.Duration
}

const defaultAutoApproveWindow = 24 * time.Hour

// Service drives the change request state machine. All transitions are
// optimistic-version checked, audited through the ledger, and never leave a
// request in an undefined state.
type Service struct {
	store    Store
	led      *ledger.Ledger
	gates    GateDecider
	clk      clock.Clock
	notifier notify.Notifier
	rollback RollbackRunner
	cfg      Config
	log      *slog.Logger
}

func NewService(store Store, led *ledger.Ledger, gates GateDecider, clk clock.Clock, notifier notify.Notifier, rollback RollbackRunner, cfg Config, log *slog.Logger) *Service {
	if cfg.AutoApproveWindow <= 0 {
		cfg.AutoApproveWindow = defaultAutoApproveWindow
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Service{
		store:    store,
		led:      led,
		gates:    gates,
		clk:      clk,
		notifier: notifier,
		rollback: rollback,
		cfg:      cfg,
		log:      log.With("component", "changereq"),
	}
}

// Create persists a new draft. No ledger event is written until submission.
func (s *Service) Create(ctx context.Context, cr *ChangeRequest) (*ChangeRequest, error) {
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	if cr.Key == "" {
		cr.Key = "CHG-" + strings.ToUpper(cr.ID[:8])
	}
	cr.Status = StatusDraft
	cr.CreatedAt = s.clk.Now()
	cr.Version = 0
	if err := s.store.Save(ctx, cr); err != nil {
		return nil, err
	}
	return cr, nil
}

// Get returns the current state of a request.
func (s *Service) Get(ctx context.Context, id string) (*ChangeRequest, error) {
	return s.store.Load(ctx, id)
}

// Submit validates the draft and moves it to SUBMITTED. Low-risk requests
// that need no review auto-approve straight to SCHEDULED with a default
// window when none was set.
func (s *Service) Submit(ctx context.Context, id string, actor ledger.Actor) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != StatusDraft {
		return nil, invalidf(cr.Status, "submit")
	}
	if err := s.validateSubmission(cr); err != nil {
		return nil, err
	}

	escalated := s.escalateRisk(cr)
	now := s.clk.Now()
	cr.SubmittedAt = &now
	cr.Requester = actor.ID
	cr.Status = StatusSubmitted

	evCtx := map[string]any{
		"risk_level":  string(cr.Risk),
		"change_type": string(cr.Type),
	}
	if escalated {
		evCtx["risk_escalated"] = "major version bump"
	}
	if _, err := s.commit(ctx, cr, StatusDraft, ledger.EventChangeSubmitted, actor, ledger.OutcomeSuccess, evCtx); err != nil {
		return nil, err
	}

	if cr.RequiresReview() {
		return cr, nil
	}
	return s.autoApprove(ctx, cr)
}

// autoApprove schedules a low-risk request without reviewer or approver.
func (s *Service) autoApprove(ctx context.Context, cr *ChangeRequest) (*ChangeRequest, error) {
	now := s.clk.Now()
	prior := cr.Status
	cr.AutoApproved = true
	cr.Approver = "system"
	cr.ApprovedAt = &now
	if cr.ScheduledStart == nil || cr.ScheduledEnd == nil {
		start := now
		end := now.Add(s.cfg.AutoApproveWindow)
		cr.ScheduledStart = &start
		cr.ScheduledEnd = &end
	}
	cr.Status = StatusScheduled

	_, err := s.commit(ctx, cr, prior, ledger.EventChangeApproved, ledger.Actor{ID: "system", Type: ledger.ActorSystem}, ledger.OutcomeSuccess, map[string]any{
		"auto_approved": true,
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "change auto-approved", "change", cr.Key, "risk", cr.Risk)
	return cr, nil
}

// StartReview claims a submitted request for review.
func (s *Service) StartReview(ctx context.Context, id string, reviewer ledger.Actor) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != StatusSubmitted {
		return nil, invalidf(cr.Status, "start review")
	}
	cr.Status = StatusUnderReview
	cr.Reviewer = reviewer.ID
	if _, err := s.commit(ctx, cr, StatusSubmitted, ledger.EventChangeReviewStarted, reviewer, ledger.OutcomeSuccess, map[string]any{}); err != nil {
		return nil, err
	}
	return cr, nil
}

// Review completes the review and advances the request to PENDING_APPROVAL.
func (s *Service) Review(ctx context.Context, id string, reviewer ledger.Actor, notes string) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != StatusUnderReview {
		return nil, invalidf(cr.Status, "review")
	}
	now := s.clk.Now()
	cr.Reviewer = reviewer.ID
	cr.ReviewNotes = notes
	cr.ReviewedAt = &now
	cr.Status = StatusPendingApproval
	if _, err := s.commit(ctx, cr, StatusUnderReview, ledger.EventChangeReviewed, reviewer, ledger.OutcomeSuccess, map[string]any{}); err != nil {
		return nil, err
	}
	return cr, nil
}

// Approve signs off a reviewed request. A non-zero window schedules it
// directly; otherwise it rests at APPROVED until Schedule is called.
// The approver must not be the reviewer.
func (s *Service) Approve(ctx context.Context, id string, approver ledger.Actor, start, end time.Time) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != StatusPendingApproval {
		return nil, invalidf(cr.Status, "approve")
	}
	if cr.ReviewedAt == nil {
		return nil, fmt.Errorf("%w: approve requires a completed review", ErrInvalidTransition)
	}
	if approver.ID == cr.Reviewer {
		return nil, fmt.Errorf("%w: approver must differ from reviewer", ErrInvalidTransition)
	}

	now := s.clk.Now()
	cr.Approver = approver.ID
	cr.ApprovedAt = &now
	target := StatusApproved
	if !start.IsZero() {
		if err := validWindow(start, end); err != nil {
			return nil, err
		}
		cr.ScheduledStart = &start
		cr.ScheduledEnd = &end
		target = StatusScheduled
	}
	prior := cr.Status
	cr.Status = target
	if _, err := s.commit(ctx, cr, prior, ledger.EventChangeApproved, approver, ledger.OutcomeSuccess, map[string]any{}); err != nil {
		return nil, err
	}
	return cr, nil
}

// Schedule sets or replaces the execution window. Valid from APPROVED and,
// for rescheduling a missed window, from SCHEDULED.
func (s *Service) Schedule(ctx context.Context, id string, actor ledger.Actor, start, end time.Time) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != StatusApproved && cr.Status != StatusScheduled {
		return nil, invalidf(cr.Status, "schedule")
	}
	if err := validWindow(start, end); err != nil {
		return nil, err
	}
	prior := cr.Status
	cr.ScheduledStart = &start
	cr.ScheduledEnd = &end
	cr.Status = StatusScheduled
	if _, err := s.commit(ctx, cr, prior, ledger.EventChangeScheduled, actor, ledger.OutcomeSuccess, map[string]any{
		"scheduled_start": start.UTC().Format(time.RFC3339),
		"scheduled_end":   end.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	return cr, nil
}

// Reject closes a request during review or approval.
func (s *Service) Reject(ctx context.Context, id string, actor ledger.Actor, reason string) (*ChangeRequest, error) {
	return s.closePreApproval(ctx, id, actor, reason, StatusRejected, ledger.EventChangeRejected, "reject", false)
}

// Cancel withdraws a request before approval. Drafts may be cancelled too.
func (s *Service) Cancel(ctx context.Context, id string, actor ledger.Actor, reason string) (*ChangeRequest, error) {
	return s.closePreApproval(ctx, id, actor, reason, StatusCancelled, ledger.EventChangeCancelled, "cancel", true)
}

func (s *Service) closePreApproval(ctx context.Context, id string, actor ledger.Actor, reason string, target Status, et ledger.EventType, op string, fromDraft bool) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cr.Status.preApproval() || (cr.Status == StatusDraft && !fromDraft) {
		return nil, invalidf(cr.Status, op)
	}
	prior := cr.Status
	cr.Status = target
	if _, err := s.commit(ctx, cr, prior, et, actor, ledger.OutcomeSuccess, map[string]any{
		"reason": reason,
	}); err != nil {
		return nil, err
	}
	return cr, nil
}

// BeginExecution moves a scheduled request to IN_PROGRESS. The scheduled
// window is enforced first; then the production change gate decides. A
// non-permissive outcome returns the request to APPROVED and the call fails
// with ErrExecutionBlocked.
func (s *Service) BeginExecution(ctx context.Context, id string, actor ledger.Actor, evalCtx map[string]any) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != StatusScheduled {
		return nil, invalidf(cr.Status, "begin execution")
	}
	now := s.clk.Now()
	if !cr.WithinWindow(now) {
		return nil, fmt.Errorf("%w: change %s scheduled for [%s, %s]", ErrWindowExpired, cr.Key,
			fmtWindow(cr.ScheduledStart), fmtWindow(cr.ScheduledEnd))
	}

	gateCtx := map[string]any{
		"change_type": string(cr.Type),
		"risk_level":  string(cr.Risk),
	}
	for k, v := range evalCtx {
		gateCtx[k] = v
	}
	exec, err := s.gates.Evaluate(ctx, gate.Request{
		GateKey:     s.cfg.GateKey,
		Actor:       actor,
		Operation:   gate.OpWrite,
		Context:     gateCtx,
		ExecutionID: cr.ID,
		Resource:    s.resource(cr),
	})
	if err != nil {
		return nil, fmt.Errorf("changereq: gate evaluation: %w", err)
	}
	if exec.LedgerEventID != "" {
		cr.AuditEventIDs = append(cr.AuditEventIDs, exec.LedgerEventID)
	}

	if !exec.Permitted() {
		cr.Status = StatusApproved
		if _, cerr := s.commit(ctx, cr, StatusScheduled, ledger.EventChangeExecutionBlock, actor, ledger.OutcomeBlocked, map[string]any{
			"gate_outcome": string(exec.Outcome),
		}); cerr != nil {
			return nil, cerr
		}
		s.log.WarnContext(ctx, "change execution blocked by gate",
			"change", cr.Key, "gate", s.cfg.GateKey, "outcome", exec.Outcome)
		return cr, fmt.Errorf("%w: gate %s returned %s", ErrExecutionBlocked, s.cfg.GateKey, exec.Outcome)
	}

	cr.Status = StatusInProgress
	cr.ExecutionStartedAt = &now
	if _, err := s.commit(ctx, cr, StatusScheduled, ledger.EventChangeExecutionStart, actor, ledger.OutcomeSuccess, map[string]any{
		"gate_outcome": string(exec.Outcome),
	}); err != nil {
		return nil, err
	}
	return cr, nil
}

// CompleteExecution records the execution result. Failures roll back
// automatically; successes either complete or park at PENDING_VERIFICATION
// when the request demands verification.
func (s *Service) CompleteExecution(ctx context.Context, id string, actor ledger.Actor, result ExecutionResult) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != StatusInProgress {
		return nil, invalidf(cr.Status, "complete execution")
	}
	now := s.clk.Now()
	cr.ExecutionEndedAt = &now
	cr.ExecutionResult = &result

	if !result.Success {
		cr.Status = StatusFailed
		if _, err := s.commit(ctx, cr, StatusInProgress, ledger.EventChangeFailed, actor, ledger.OutcomeFailure, map[string]any{
			"notes": result.Notes,
		}); err != nil {
			return nil, err
		}
		return s.doRollback(ctx, cr, actor, "execution failed")
	}

	if cr.VerificationRequired {
		cr.Status = StatusPendingVerification
		if _, err := s.commit(ctx, cr, StatusInProgress, ledger.EventChangeExecutionEnded, actor, ledger.OutcomeSuccess, map[string]any{}); err != nil {
			return nil, err
		}
		return cr, nil
	}

	cr.Status = StatusCompleted
	if _, err := s.commit(ctx, cr, StatusInProgress, ledger.EventChangeCompleted, actor, ledger.OutcomeSuccess, map[string]any{}); err != nil {
		return nil, err
	}
	return cr, nil
}

// Verify records post-execution verification results. Every listed
// criterion must be covered; any failed criterion triggers an automatic
// rollback.
func (s *Service) Verify(ctx context.Context, id string, actor ledger.Actor, results []CriterionResult) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != StatusPendingVerification {
		return nil, invalidf(cr.Status, "verify")
	}
	if missing := uncovered(cr.VerificationCriteria, results); len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}
	now := s.clk.Now()
	cr.VerificationResults = results
	cr.VerifiedAt = &now

	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r.Criterion)
		}
	}

	if len(failed) > 0 {
		cr.Status = StatusFailed
		if _, err := s.commit(ctx, cr, StatusPendingVerification, ledger.EventChangeFailed, actor, ledger.OutcomeFailure, map[string]any{
			"failed_criteria": failed,
		}); err != nil {
			return nil, err
		}
		return s.doRollback(ctx, cr, actor, "verification failed: "+strings.Join(failed, ", "))
	}

	cr.Status = StatusCompleted
	if _, err := s.commit(ctx, cr, StatusPendingVerification, ledger.EventChangeVerified, actor, ledger.OutcomeSuccess, map[string]any{}); err != nil {
		return nil, err
	}
	return cr, nil
}

// Rollback manually rolls back an executing or failed change.
func (s *Service) Rollback(ctx context.Context, id string, actor ledger.Actor, reason string) (*ChangeRequest, error) {
	cr, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch cr.Status {
	case StatusInProgress, StatusPendingVerification, StatusFailed:
	default:
		return nil, invalidf(cr.Status, "rollback")
	}
	if cr.Status != StatusFailed {
		// Normalize through FAILED so the machine's history stays uniform.
		prior := cr.Status
		cr.Status = StatusFailed
		if _, err := s.commit(ctx, cr, prior, ledger.EventChangeFailed, actor, ledger.OutcomeFailure, map[string]any{
			"reason": reason,
		}); err != nil {
			return nil, err
		}
	}
	return s.doRollback(ctx, cr, actor, reason)
}

// doRollback runs the rollback procedure and lands the request at
// ROLLED_BACK regardless of whether the procedure itself succeeded. A failed
// procedure raises a critical alert and returns a RollbackError.
func (s *Service) doRollback(ctx context.Context, cr *ChangeRequest, actor ledger.Actor, reason string) (*ChangeRequest, error) {
	if cr.RollbackProcedure == "" {
		// Nothing to run: the request stays FAILED and an operator takes over.
		s.notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Kind:     "change.failed_no_rollback",
			Message:  fmt.Sprintf("change %s failed with no rollback procedure; manual intervention required", cr.Key),
			Fields:   map[string]any{"change": cr.Key, "reason": reason},
		})
		return cr, nil
	}
	now := s.clk.Now()
	var runErr error
	if s.rollback != nil {
		runErr = s.rollback.Run(ctx, cr)
	}
	cr.RollbackExecuted = true
	cr.RollbackSuccessful = runErr == nil
	cr.RollbackReason = reason
	cr.RolledBackAt = &now
	prior := cr.Status
	cr.Status = StatusRolledBack

	outcome := ledger.OutcomeSuccess
	evCtx := map[string]any{
		"reason":              reason,
		"rollback_successful": cr.RollbackSuccessful,
	}
	if runErr != nil {
		outcome = ledger.OutcomeFailure
		evCtx["rollback_error"] = runErr.Error()
	}
	if _, err := s.commit(ctx, cr, prior, ledger.EventChangeRolledBack, actor, outcome, evCtx); err != nil {
		return nil, err
	}

	if runErr != nil {
		s.notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Kind:     "change.rollback_failed",
			Message:  fmt.Sprintf("rollback procedure failed for %s; manual intervention required", cr.Key),
			Fields:   map[string]any{"change": cr.Key, "reason": reason, "error": runErr.Error()},
		})
		return cr, &RollbackError{RequestID: cr.ID, Err: runErr}
	}
	s.notifier.Notify(ctx, notify.Alert{
		Severity: notify.SeverityWarning,
		Kind:     "change.rolled_back",
		Message:  fmt.Sprintf("change %s rolled back", cr.Key),
		Fields:   map[string]any{"change": cr.Key, "reason": reason},
	})
	return cr, nil
}

// commit checks the transition against the successor relation, saves the
// request under its optimistic version, appends the audit event, and links
// the event ID back onto the record. The version save happens before the
// ledger append so a losing racer fails before any audit write. Same-state
// commits (rescheduling) are allowed.
func (s *Service) commit(ctx context.Context, cr *ChangeRequest, prior Status, et ledger.EventType, actor ledger.Actor, outcome ledger.Outcome, evCtx map[string]any) (*ledger.Event, error) {
	if prior != cr.Status && !canTransition(prior, cr.Status) {
		return nil, fmt.Errorf("%w: %s -> %s is not defined", ErrInvalidTransition, prior, cr.Status)
	}
	if err := s.store.Save(ctx, cr); err != nil {
		return nil, err
	}
	evCtx["change_key"] = cr.Key
	evCtx["prior_state"] = string(prior)
	evCtx["new_state"] = string(cr.Status)
	ev, err := s.led.Append(ctx, ledger.Draft{
		Type:     et,
		Action:   "change." + strings.ToLower(string(et)),
		Actor:    actor,
		Resource: s.resource(cr),
		Outcome:  outcome,
		Context:  evCtx,
	})
	if err != nil {
		return nil, fmt.Errorf("changereq: audit append: %w", err)
	}
	cr.AuditEventIDs = append(cr.AuditEventIDs, ev.ID)
	if err := s.store.Save(ctx, cr); err != nil {
		// The transition itself is durable; only the back-link is lost.
		s.log.ErrorContext(ctx, "audit link not persisted", "change", cr.Key, "event", ev.ID, "error", err)
	}
	return ev, nil
}

func (s *Service) resource(cr *ChangeRequest) *ledger.Resource {
	return &ledger.Resource{Type: "change_request", ID: cr.ID, Name: cr.Key}
}

// validateSubmission enforces the required narrative fields and semver
// sanity of the version pair.
func (s *Service) validateSubmission(cr *ChangeRequest) error {
	var verr ValidationError
	if cr.Description == "" {
		verr.Missing = append(verr.Missing, "description")
	}
	if cr.Rationale == "" {
		verr.Missing = append(verr.Missing, "rationale")
	}
	if cr.Risk.rank() < 0 {
		verr.Missing = append(verr.Missing, "risk_level")
	}
	if cr.RollbackProcedure == "" {
		verr.Missing = append(verr.Missing, "rollback_procedure")
	}
	if cr.Risk.AtLeast(RiskHigh) && cr.ImpactAssessment == "" {
		verr.Missing = append(verr.Missing, "impact_assessment")
	}
	if cr.TargetVersion != "" {
		if _, err := semver.NewVersion(cr.TargetVersion); err != nil {
			verr.Invalid = append(verr.Invalid, "target_version")
		}
	}
	if cr.CurrentVersion != "" {
		if _, err := semver.NewVersion(cr.CurrentVersion); err != nil {
			verr.Invalid = append(verr.Invalid, "current_version")
		}
	}
	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		return &verr
	}
	return nil
}

// escalateRisk bumps risk to HIGH for major version jumps. Returns true when
// an escalation happened. Versions are already validated.
func (s *Service) escalateRisk(cr *ChangeRequest) bool {
	if cr.CurrentVersion == "" || cr.TargetVersion == "" {
		return false
	}
	cur, err1 := semver.NewVersion(cr.CurrentVersion)
	tgt, err2 := semver.NewVersion(cr.TargetVersion)
	if err1 != nil || err2 != nil {
		return false
	}
	if tgt.Major() > cur.Major() && !cr.Risk.AtLeast(RiskHigh) {
		cr.Risk = RiskHigh
		return true
	}
	return false
}

func validWindow(start, end time.Time) error {
	if !end.After(start) {
		return &ValidationError{Invalid: []string{"scheduled window (end must follow start)"}}
	}
	return nil
}

func uncovered(criteria []string, results []CriterionResult) []string {
	var missing []string
	for _, c := range criteria {
		found := false
		for _, r := range results {
			if r.Criterion == c {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, "verification result for: "+c)
		}
	}
	return missing
}

func fmtWindow(t *time.Time) string {
	if t == nil {
		return "unset"
	}
	return t.UTC().Format(time.RFC3339)
}
