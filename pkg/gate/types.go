// Package gate implements enforcement checkpoints. A gate resolves kill
// switches and control policies into a single pass/block outcome, records an
// execution with full per-control evidence, and writes through the audit
// ledger. Every caller receives a terminal decision; no error class escapes
// the gate boundary.
package gate

import (
	"context"
	"time"

	"github.com/northgate-labs/warden/pkg/ledger"
	"github.com/northgate-labs/warden/pkg/policy"
)

// Type places a gate in the workflow lifecycle.
type Type string

const (
	TypePreExecution      Type = "PRE_EXECUTION"
	TypePostExecution     Type = "POST_EXECUTION"
	TypeCapabilityRequest Type = "CAPABILITY_REQUEST"
	TypeProductionChange  Type = "PRODUCTION_CHANGE"
	TypeDataAccess        Type = "DATA_ACCESS"
	TypeModelDeployment   Type = "MODEL_DEPLOYMENT"
	TypeBreakGlassEntry   Type = "BREAK_GLASS_ENTRY"
)

// EnforcementMode selects fail-closed or observe-only behavior.
type EnforcementMode string

const (
	// ModeBlocking fails closed: errors and denials block.
	ModeBlocking EnforcementMode = "BLOCKING"
	// ModeMonitoring fails open with warnings; nothing is blocked except
	// kill-switch stops.
	ModeMonitoring EnforcementMode = "MONITORING"
)

// Gate is a named enforcement checkpoint definition.
type Gate struct {
	ID          string `json:"id" yaml:"id"`
	Key         string `json:"gate_key" yaml:"gate_key"`
	Type        Type   `json:"gate_type" yaml:"gate_type"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Scope ties the gate to a workflow/capability for kill-switch matching.
	Scope policy.Scope `json:"scope" yaml:"scope"`

	// PolicyIDs is the ordered policy list evaluated at this gate.
	PolicyIDs []string `json:"policy_ids" yaml:"policy_ids"`

	Mode              EnforcementMode `json:"enforcement_mode" yaml:"enforcement_mode"`
	RequireAllPass    bool            `json:"require_all_pass" yaml:"require_all_pass"`
	CheckKillSwitches bool            `json:"check_kill_switches" yaml:"check_kill_switches"`

	CaptureInputs  bool `json:"capture_inputs" yaml:"capture_inputs"`
	CaptureOutputs bool `json:"capture_outputs" yaml:"capture_outputs"`
	CaptureContext bool `json:"capture_context" yaml:"capture_context"`

	Active bool `json:"is_active" yaml:"is_active"`
}

// Outcome is the terminal decision of one gate evaluation.
type Outcome string

const (
	OutcomeAllow    Outcome = "ALLOW"
	OutcomeBlock    Outcome = "BLOCK"
	OutcomeWarning  Outcome = "WARNING"
	OutcomeHardStop Outcome = "HARD_STOP"
	OutcomeDegrade  Outcome = "DEGRADE"
)

// Permits reports whether the outcome lets the guarded action proceed.
// WARNING permits only under a monitoring-mode gate; the caller passes the
// gate's mode since the decision belongs to the checkpoint configuration.
func (o Outcome) Permits(mode EnforcementMode) bool {
	switch o {
	case OutcomeAllow:
		return true
	case OutcomeWarning:
		return mode == ModeMonitoring
	default:
		return false
	}
}

// Operation marks whether the guarded action mutates state. Unspecified
// operations are treated as writes, the conservative reading.
type Operation string

const (
	OpRead  Operation = "READ"
	OpWrite Operation = "WRITE"
)

// PolicyCheckResult is the recorded outcome of one policy within an
// evaluation. Recorded for every listed policy regardless of
// short-circuiting, for evidence.
type PolicyCheckResult string

const (
	CheckPass  PolicyCheckResult = "PASS"
	CheckFail  PolicyCheckResult = "FAIL"
	CheckError PolicyCheckResult = "ERROR"
)

// PolicyResult itemizes how one policy resolved.
type PolicyResult struct {
	PolicyID  string               `json:"policy_id"`
	PolicyKey string               `json:"policy_key"`
	Result    PolicyCheckResult    `json:"result"`
	Outcome   policy.PolicyOutcome `json:"outcome,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

// SwitchCheck itemizes one kill switch consulted during evaluation.
type SwitchCheck struct {
	SwitchID  string            `json:"switch_id"`
	SwitchKey string            `json:"switch_key"`
	Mode      policy.SwitchMode `json:"mode"`
	Global    bool              `json:"global"`
}

// Execution is the append-only record of one evaluation call.
type Execution struct {
	ID       string `json:"id"`
	GateID   string          `json:"gate_id"`
	GateKey  string          `json:"gate_key"`
	GateType Type            `json:"gate_type"`
	GateMode EnforcementMode `json:"gate_mode"`

	ExecutionID string `json:"execution_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`

	Actor ledger.Actor `json:"actor"`

	Outcome      Outcome        `json:"outcome"`
	Policies     []PolicyResult `json:"controls_evaluated"`
	KillSwitches []SwitchCheck  `json:"kill_switches_checked"`
	Evidence     map[string]any `json:"captured_evidence"`
	Errors       []string       `json:"errors,omitempty"`

	Duration      time.Duration `json:"duration_ns"`
	LedgerEventID string        `json:"ledger_event_id,omitempty"`
	ExecutedAt    time.Time     `json:"executed_at"`
}

// Permitted reports whether the guarded action may proceed under the
// evaluated gate's enforcement mode.
func (e *Execution) Permitted() bool {
	return e.Outcome.Permits(e.GateMode)
}

// ExecutionSink persists gate executions.
type ExecutionSink interface {
	SaveExecution(ctx context.Context, exec *Execution) error
}
