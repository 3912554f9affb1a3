// Package policy defines the safety controls consumed by enforcement gates:
// kill switches, control policies, and the condition language they are
// expressed in. The package owns the records and their activation rules; the
// pass/block decision itself lives in pkg/gate.
package policy

import (
	"errors"
	"time"
)

// SwitchMode determines how an active kill switch constrains operations.
type SwitchMode string

const (
	// ModeHardStop denies everything. Highest precedence; cannot be
	// bypassed by any other control, including break-glass.
	ModeHardStop SwitchMode = "HARD_STOP"
	// ModeSoftStop denies new changes but lets in-flight work complete.
	ModeSoftStop SwitchMode = "SOFT_STOP"
	// ModeReadOnly allows reads and blocks writes.
	ModeReadOnly SwitchMode = "READ_ONLY"
	// ModeDegrade allows operations but marks them as degraded.
	ModeDegrade SwitchMode = "DEGRADE"
)

// Severity orders modes for precedence resolution. Higher wins.
func (m SwitchMode) Severity() int {
	switch m {
	case ModeHardStop:
		return 3
	case ModeSoftStop:
		return 2
	case ModeReadOnly:
		return 1
	case ModeDegrade:
		return 0
	default:
		return -1
	}
}

// BlocksWrites reports whether the mode denies write operations.
func (m SwitchMode) BlocksWrites() bool {
	return m == ModeHardStop || m == ModeSoftStop || m == ModeReadOnly
}

// SwitchTrigger records what pulled the switch.
type SwitchTrigger string

const (
	TriggerManual      SwitchTrigger = "MANUAL"
	TriggerIncident    SwitchTrigger = "INCIDENT"
	TriggerSecurity    SwitchTrigger = "SECURITY"
	TriggerCompliance  SwitchTrigger = "COMPLIANCE"
	TriggerAutomated   SwitchTrigger = "AUTOMATED"
	TriggerDataAnomaly SwitchTrigger = "DATA_ANOMALY"
)

// Scope narrows a control to a workflow or capability. The zero value is
// global scope.
type Scope struct {
	WorkflowID   string `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	CapabilityID string `json:"capability_id,omitempty" yaml:"capability_id,omitempty"`
}

// Global reports whether the scope covers everything.
func (s Scope) Global() bool {
	return s.WorkflowID == "" && s.CapabilityID == ""
}

// Covers reports whether a control with scope s applies to target.
func (s Scope) Covers(target Scope) bool {
	if s.Global() {
		return true
	}
	if s.WorkflowID != "" && s.WorkflowID == target.WorkflowID {
		return true
	}
	return s.CapabilityID != "" && s.CapabilityID == target.CapabilityID
}

// ErrSwitchReason is returned when a kill switch is activated without a
// documented reason.
var ErrSwitchReason = errors.New("policy: kill switch activation requires a reason")

// KillSwitch is the highest-precedence control. Mutated only through
// Activate/Deactivate; never deleted.
type KillSwitch struct {
	ID          string        `json:"id" yaml:"id"`
	Key         string        `json:"switch_key" yaml:"switch_key"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Scope       Scope         `json:"scope" yaml:"scope"`
	Mode        SwitchMode    `json:"mode" yaml:"mode"`
	Trigger     SwitchTrigger `json:"trigger" yaml:"trigger"`

	Active           bool       `json:"is_active" yaml:"is_active"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty" yaml:"-"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty" yaml:"-"`
	AutoDeactivateAt *time.Time `json:"auto_deactivate_at,omitempty" yaml:"-"`

	ActivatedBy     string `json:"activated_by,omitempty" yaml:"-"`
	DeactivatedBy   string `json:"deactivated_by,omitempty" yaml:"-"`
	Reason          string `json:"reason" yaml:"reason"`
	ResolutionNotes string `json:"resolution_notes,omitempty" yaml:"-"`
	IncidentID      string `json:"incident_id,omitempty" yaml:"incident_id,omitempty"`
}

// Activate pulls the switch. A reason is mandatory; autoDeactivate of zero
// means no automatic release.
func (k *KillSwitch) Activate(actor, reason string, now time.Time, autoDeactivate time.Duration) error {
	if reason == "" {
		return ErrSwitchReason
	}
	k.Active = true
	t := now.UTC()
	k.ActivatedAt = &t
	k.ActivatedBy = actor
	k.Reason = reason
	k.DeactivatedAt = nil
	k.DeactivatedBy = ""
	if autoDeactivate > 0 {
		exp := t.Add(autoDeactivate)
		k.AutoDeactivateAt = &exp
	} else {
		k.AutoDeactivateAt = nil
	}
	return nil
}

// Deactivate releases the switch after incident resolution.
func (k *KillSwitch) Deactivate(actor, resolutionNotes string, now time.Time) {
	k.Active = false
	t := now.UTC()
	k.DeactivatedAt = &t
	k.DeactivatedBy = actor
	k.ResolutionNotes = resolutionNotes
}

// EffectiveActive reports whether the switch constrains operations at the
// given instant, honoring the auto-deactivation deadline.
func (k *KillSwitch) EffectiveActive(now time.Time) bool {
	if !k.Active {
		return false
	}
	if k.AutoDeactivateAt != nil && !now.Before(*k.AutoDeactivateAt) {
		return false
	}
	return true
}
