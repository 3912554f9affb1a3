package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/northgate-labs/warden/pkg/clock"
	"github.com/northgate-labs/warden/pkg/ledger"
	"github.com/northgate-labs/warden/pkg/notify"
)

// ErrUnknownSwitch is returned for activation operations on unregistered
// switch keys.
var ErrUnknownSwitch = errors.New("policy: unknown kill switch")

// Source supplies the currently active controls to gate evaluation. Gates
// consume a read snapshot; they never mutate through this interface.
type Source interface {
	// ActiveKillSwitches returns switches whose scope covers the target and
	// which are effectively active (auto-deactivation already applied).
	ActiveKillSwitches(ctx context.Context, target Scope) ([]KillSwitch, error)
	// ActivePolicies returns the active policies bound to a gate, ordered by
	// ascending priority with ties broken by policy ID.
	ActivePolicies(ctx context.Context, gateKey string) ([]ControlPolicy, error)
}

// Registry is the in-process Source and the mutation point for kill switches
// and policies. Activation and deactivation write through the audit ledger;
// hard-stop activations raise a critical alert.
type Registry struct {
	mu       sync.RWMutex
	switches map[string]*KillSwitch    // by switch key
	policies map[string]*ControlPolicy // by policy ID
	bindings map[string][]string       // gate key -> ordered policy IDs

	clk      clock.Clock
	led      *ledger.Ledger
	notifier notify.Notifier
	log      *slog.Logger
}

// NewRegistry creates an empty registry. The ledger and notifier may be nil
// for configuration-only use (e.g. validation tooling); activation through a
// nil ledger is not audited.
func NewRegistry(clk clock.Clock, led *ledger.Ledger, notifier notify.Notifier) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Registry{
		switches: make(map[string]*KillSwitch),
		policies: make(map[string]*ControlPolicy),
		bindings: make(map[string][]string),
		clk:      clk,
		led:      led,
		notifier: notifier,
		log:      slog.Default().With("component", "policy"),
	}
}

// PutSwitch registers (or replaces the definition of) a kill switch.
func (r *Registry) PutSwitch(ks KillSwitch) {
	if ks.ID == "" {
		ks.ID = uuid.New().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.switches[ks.Key] = &ks
}

// PutPolicy registers a control policy.
func (r *Registry) PutPolicy(p ControlPolicy) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.clk.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = &p
}

// BindGate associates an ordered policy ID list with a gate key.
func (r *Registry) BindGate(gateKey string, policyIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[gateKey] = append([]string(nil), policyIDs...)
}

// ActivateSwitch pulls a kill switch, records the audit event, and alerts on
// hard-stop. The decision section holds the lock; the ledger write and the
// notification happen outside it.
func (r *Registry) ActivateSwitch(ctx context.Context, key string, actor ledger.Actor, reason string, autoDeactivate time.Duration) (*KillSwitch, error) {
	r.mu.Lock()
	ks, ok := r.switches[key]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSwitch, key)
	}
	if err := ks.Activate(actor.ID, reason, r.clk.Now(), autoDeactivate); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	snapshot := *ks
	r.mu.Unlock()

	r.audit(ctx, ledger.EventKillSwitchActivated, actor, &snapshot, map[string]any{
		"mode":    string(snapshot.Mode),
		"trigger": string(snapshot.Trigger),
		"reason":  reason,
	})
	if snapshot.Mode == ModeHardStop {
		r.notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Kind:     "kill_switch.hard_stop",
			Message:  "hard-stop kill switch activated",
			Fields:   map[string]any{"switch_key": key, "reason": reason, "actor": actor.ID},
		})
	}
	return &snapshot, nil
}

// DeactivateSwitch releases a kill switch and records the audit event.
func (r *Registry) DeactivateSwitch(ctx context.Context, key string, actor ledger.Actor, resolutionNotes string) (*KillSwitch, error) {
	r.mu.Lock()
	ks, ok := r.switches[key]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSwitch, key)
	}
	ks.Deactivate(actor.ID, resolutionNotes, r.clk.Now())
	snapshot := *ks
	r.mu.Unlock()

	r.audit(ctx, ledger.EventKillSwitchDeactivated, actor, &snapshot, map[string]any{
		"resolution_notes": resolutionNotes,
	})
	return &snapshot, nil
}

// audit records a switch state change. An append failure must not undo the
// switch flip, but it may never pass silently either: it is logged and raised
// as a critical alert so an operator knows the trail has a gap.
func (r *Registry) audit(ctx context.Context, et ledger.EventType, actor ledger.Actor, ks *KillSwitch, evCtx map[string]any) {
	if r.led == nil {
		return
	}
	_, err := r.led.Append(ctx, ledger.Draft{
		Type:     et,
		Action:   string(et),
		Actor:    actor,
		Resource: &ledger.Resource{Type: "KILL_SWITCH", ID: ks.ID, Name: ks.Key},
		Outcome:  ledger.OutcomeSuccess,
		Context:  evCtx,
	})
	if err != nil {
		r.log.ErrorContext(ctx, "kill switch audit append failed",
			"switch", ks.Key, "event", et, "error", err)
		r.notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Kind:     "audit.append_failed",
			Message:  fmt.Sprintf("audit trail gap: %s for switch %s was not recorded", et, ks.Key),
			Fields:   map[string]any{"switch_key": ks.Key, "event": string(et), "error": err.Error()},
		})
	}
}

// ActiveKillSwitches implements Source.
func (r *Registry) ActiveKillSwitches(ctx context.Context, target Scope) ([]KillSwitch, error) {
	now := r.clk.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []KillSwitch
	for _, ks := range r.switches {
		if ks.EffectiveActive(now) && ks.Scope.Covers(target) {
			out = append(out, *ks)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mode.Severity() != out[j].Mode.Severity() {
			return out[i].Mode.Severity() > out[j].Mode.Severity()
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// ActivePolicies implements Source.
func (r *Registry) ActivePolicies(ctx context.Context, gateKey string) ([]ControlPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.bindings[gateKey]
	out := make([]ControlPolicy, 0, len(ids))
	for _, id := range ids {
		p, ok := r.policies[id]
		if !ok || !p.Active {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
