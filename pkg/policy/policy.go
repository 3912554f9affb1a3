package policy

import (
	"fmt"
	"time"
)

// PolicyOutcome is what a matching control policy recommends.
type PolicyOutcome string

const (
	OutcomeAllow  PolicyOutcome = "ALLOW"
	OutcomeDeny   PolicyOutcome = "DENY"
	OutcomeReview PolicyOutcome = "REVIEW"
)

// ApprovalType describes the human sign-off a REVIEW policy expects.
type ApprovalType string

const (
	ApprovalNone      ApprovalType = "NONE"
	ApprovalSingle    ApprovalType = "SINGLE"
	ApprovalDual      ApprovalType = "DUAL"
	ApprovalCommittee ApprovalType = "COMMITTEE"
)

// ControlPolicy is a conditional governance rule. Policies are soft-deleted
// only (Deactivate) so historical gate evaluations stay reproducible.
type ControlPolicy struct {
	ID          string `json:"id" yaml:"id"`
	Key         string `json:"policy_key" yaml:"policy_key"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Outcome PolicyOutcome `json:"outcome" yaml:"outcome"`

	// Condition gates whether the policy applies. Nil applies always.
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	// AutoDeny short-circuits to DENY when it matches, before Condition or
	// CEL are consulted.
	AutoDeny *Condition `json:"auto_deny,omitempty" yaml:"auto_deny,omitempty"`
	// CEL optionally refines applicability with a boolean CEL expression
	// over the evaluation context. ANDed with Condition when both are set.
	CEL string `json:"cel,omitempty" yaml:"cel,omitempty"`

	// Priority orders evaluation; lower numbers run first. Ties break on ID.
	Priority int `json:"priority" yaml:"priority"`

	Active bool `json:"is_active" yaml:"is_active"`

	ApprovalType  ApprovalType `json:"approval_type,omitempty" yaml:"approval_type,omitempty"`
	ApproverRoles []string     `json:"approver_roles,omitempty" yaml:"approver_roles,omitempty"`

	CreatedBy      string     `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty" yaml:"-"`
	DeactivatedAt  *time.Time `json:"deactivated_at,omitempty" yaml:"-"`
	LastModifiedBy string     `json:"last_modified_by,omitempty" yaml:"-"`
}

// Deactivate soft-deletes the policy.
func (p *ControlPolicy) Deactivate(actor string, now time.Time) {
	p.Active = false
	t := now.UTC()
	p.DeactivatedAt = &t
	p.LastModifiedBy = actor
}

// MatchResult is how a single policy resolved against a context.
type MatchResult string

const (
	// MatchApplies: the policy's conditions hold; its Outcome takes effect.
	MatchApplies MatchResult = "APPLIES"
	// MatchSkipped: conditions do not hold; the policy has no effect.
	MatchSkipped MatchResult = "SKIPPED"
	// MatchAutoDeny: an auto-deny condition fired; treated as DENY.
	MatchAutoDeny MatchResult = "AUTO_DENY"
)

// CELEvaluator evaluates optional CEL refinements. Implemented by
// policy.NewCELEvaluator; abstracted so Match stays usable without CEL.
type CELEvaluator interface {
	EvalBool(expr string, evalCtx map[string]any) (bool, error)
}

// Match resolves whether the policy applies to the given context.
// Auto-deny conditions are checked first and short-circuit. Errors indicate
// a malformed condition or CEL failure; callers must degrade conservatively,
// never to an allow.
func (p *ControlPolicy) Match(evalCtx map[string]any, cel CELEvaluator) (MatchResult, error) {
	if p.AutoDeny != nil {
		hit, err := p.AutoDeny.Eval(evalCtx)
		if err != nil {
			return "", fmt.Errorf("policy %s: auto-deny: %w", p.Key, err)
		}
		if hit {
			return MatchAutoDeny, nil
		}
	}

	applies, err := p.Condition.Eval(evalCtx)
	if err != nil {
		return "", fmt.Errorf("policy %s: condition: %w", p.Key, err)
	}
	if applies && p.CEL != "" {
		if cel == nil {
			return "", fmt.Errorf("policy %s: cel expression present but no evaluator configured", p.Key)
		}
		applies, err = cel.EvalBool(p.CEL, evalCtx)
		if err != nil {
			return "", fmt.Errorf("policy %s: cel: %w", p.Key, err)
		}
	}
	if !applies {
		return MatchSkipped, nil
	}
	return MatchApplies, nil
}
