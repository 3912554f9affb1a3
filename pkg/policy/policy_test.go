package policy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northgate-labs/warden/pkg/clock"
	"github.com/northgate-labs/warden/pkg/ledger"
	"github.com/northgate-labs/warden/pkg/notify"
	"github.com/northgate-labs/warden/pkg/policy"
)

var t0 = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func TestKillSwitch_ActivateRequiresReason(t *testing.T) {
	ks := policy.KillSwitch{Key: "global-freeze", Mode: policy.ModeHardStop}
	err := ks.Activate("ops-1", "", t0, 0)
	assert.ErrorIs(t, err, policy.ErrSwitchReason)
	assert.False(t, ks.Active)
}

func TestKillSwitch_AutoDeactivation(t *testing.T) {
	ks := policy.KillSwitch{Key: "after-hours", Mode: policy.ModeSoftStop}
	require.NoError(t, ks.Activate("ops-1", "INC-42", t0, 30*time.Minute))

	assert.True(t, ks.EffectiveActive(t0.Add(29*time.Minute)))
	assert.False(t, ks.EffectiveActive(t0.Add(30*time.Minute)))
}

func TestKillSwitch_ScopeCoverage(t *testing.T) {
	global := policy.Scope{}
	wf := policy.Scope{WorkflowID: "wf-1"}
	cap := policy.Scope{CapabilityID: "cap-9"}

	assert.True(t, global.Covers(wf))
	assert.True(t, wf.Covers(policy.Scope{WorkflowID: "wf-1"}))
	assert.False(t, wf.Covers(policy.Scope{WorkflowID: "wf-2"}))
	assert.True(t, cap.Covers(policy.Scope{CapabilityID: "cap-9", WorkflowID: "wf-2"}))
}

func TestSwitchMode_Precedence(t *testing.T) {
	assert.Greater(t, policy.ModeHardStop.Severity(), policy.ModeSoftStop.Severity())
	assert.Greater(t, policy.ModeSoftStop.Severity(), policy.ModeReadOnly.Severity())
	assert.Greater(t, policy.ModeReadOnly.Severity(), policy.ModeDegrade.Severity())

	assert.True(t, policy.ModeReadOnly.BlocksWrites())
	assert.False(t, policy.ModeDegrade.BlocksWrites())
}

func TestPolicy_Match_AutoDenyShortCircuits(t *testing.T) {
	p := policy.ControlPolicy{
		Key:      "no-after-hours",
		Outcome:  policy.OutcomeAllow,
		AutoDeny: &policy.Condition{Equals: &policy.EqualsTest{Key: "after_hours", Value: true}},
		Active:   true,
	}

	res, err := p.Match(map[string]any{"after_hours": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, policy.MatchAutoDeny, res)

	res, err = p.Match(map[string]any{"after_hours": false}, nil)
	require.NoError(t, err)
	assert.Equal(t, policy.MatchApplies, res)
}

func TestPolicy_Match_CELRefinement(t *testing.T) {
	eval, err := policy.NewCELEvaluator()
	require.NoError(t, err)

	p := policy.ControlPolicy{
		Key:     "big-batches-only",
		Outcome: policy.OutcomeReview,
		CEL:     `context.batch_size > 100`,
		Active:  true,
	}

	res, err := p.Match(map[string]any{"batch_size": 500}, eval)
	require.NoError(t, err)
	assert.Equal(t, policy.MatchApplies, res)

	res, err = p.Match(map[string]any{"batch_size": 10}, eval)
	require.NoError(t, err)
	assert.Equal(t, policy.MatchSkipped, res)
}

func TestPolicy_Match_CELWithoutEvaluatorErrors(t *testing.T) {
	p := policy.ControlPolicy{Key: "cel-only", CEL: `true`, Active: true}
	_, err := p.Match(map[string]any{}, nil)
	assert.Error(t, err)
}

func TestCELEvaluator_NonBoolResultErrors(t *testing.T) {
	eval, err := policy.NewCELEvaluator()
	require.NoError(t, err)

	_, err = eval.EvalBool(`context.batch_size`, map[string]any{"batch_size": 1})
	assert.Error(t, err)
}

func TestRegistry_ActivationWritesLedgerAndAlerts(t *testing.T) {
	clk := clock.NewFake(t0)
	lg := ledger.New(ledger.NewMemoryStore(), clk)
	alerts := &captureNotifier{}
	reg := policy.NewRegistry(clk, lg, alerts)
	ctx := context.Background()

	reg.PutSwitch(policy.KillSwitch{Key: "prod-freeze", Mode: policy.ModeHardStop, Trigger: policy.TriggerIncident})

	actor := ledger.Actor{ID: "ops-1", Type: ledger.ActorUser}
	ks, err := reg.ActivateSwitch(ctx, "prod-freeze", actor, "P0 incident", time.Hour)
	require.NoError(t, err)
	assert.True(t, ks.Active)

	events, err := lg.ReadRange(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventKillSwitchActivated, events[0].Type)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "kill_switch.hard_stop", alerts.alerts[0].Kind)

	_, err = reg.DeactivateSwitch(ctx, "prod-freeze", actor, "patched")
	require.NoError(t, err)
	events, err = lg.ReadRange(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRegistry_ActivationAlertsWhenAuditAppendFails(t *testing.T) {
	clk := clock.NewFake(t0)
	lg := ledger.New(brokenStore{}, clk)
	alerts := &captureNotifier{}
	reg := policy.NewRegistry(clk, lg, alerts)
	ctx := context.Background()

	reg.PutSwitch(policy.KillSwitch{Key: "prod-freeze", Mode: policy.ModeSoftStop, Trigger: policy.TriggerIncident})

	ks, err := reg.ActivateSwitch(ctx, "prod-freeze", ledger.Actor{ID: "ops-1", Type: ledger.ActorUser}, "P1 incident", time.Hour)
	require.NoError(t, err)
	assert.True(t, ks.Active)

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "audit.append_failed", alerts.alerts[0].Kind)
	assert.Equal(t, notify.SeverityCritical, alerts.alerts[0].Severity)
	assert.Equal(t, "prod-freeze", alerts.alerts[0].Fields["switch_key"])
}

func TestRegistry_ActivateUnknownSwitch(t *testing.T) {
	reg := policy.NewRegistry(clock.NewFake(t0), nil, nil)
	_, err := reg.ActivateSwitch(context.Background(), "nope", ledger.Actor{ID: "x"}, "r", 0)
	assert.ErrorIs(t, err, policy.ErrUnknownSwitch)
}

func TestRegistry_ActivePoliciesOrderedByPriority(t *testing.T) {
	reg := policy.NewRegistry(clock.NewFake(t0), nil, nil)
	reg.PutPolicy(policy.ControlPolicy{ID: "p-b", Key: "b", Priority: 10, Outcome: policy.OutcomeDeny, Active: true})
	reg.PutPolicy(policy.ControlPolicy{ID: "p-a", Key: "a", Priority: 10, Outcome: policy.OutcomeAllow, Active: true})
	reg.PutPolicy(policy.ControlPolicy{ID: "p-c", Key: "c", Priority: 5, Outcome: policy.OutcomeAllow, Active: true})
	reg.PutPolicy(policy.ControlPolicy{ID: "p-d", Key: "d", Priority: 1, Outcome: policy.OutcomeDeny, Active: false})
	reg.BindGate("gate-1", []string{"p-a", "p-b", "p-c", "p-d"})

	got, err := reg.ActivePolicies(context.Background(), "gate-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "p-c", got[0].ID) // lowest priority number first
	assert.Equal(t, "p-a", got[1].ID) // tie broken by ID
	assert.Equal(t, "p-b", got[2].ID)
}

func TestRegistry_ActiveKillSwitchesFiltersScopeAndExpiry(t *testing.T) {
	clk := clock.NewFake(t0)
	reg := policy.NewRegistry(clk, nil, nil)
	ctx := context.Background()
	actor := ledger.Actor{ID: "ops", Type: ledger.ActorUser}

	reg.PutSwitch(policy.KillSwitch{Key: "global", Mode: policy.ModeDegrade})
	reg.PutSwitch(policy.KillSwitch{Key: "wf-only", Mode: policy.ModeHardStop, Scope: policy.Scope{WorkflowID: "wf-1"}})
	reg.PutSwitch(policy.KillSwitch{Key: "expiring", Mode: policy.ModeSoftStop})

	_, err := reg.ActivateSwitch(ctx, "global", actor, "drill", 0)
	require.NoError(t, err)
	_, err = reg.ActivateSwitch(ctx, "wf-only", actor, "incident", 0)
	require.NoError(t, err)
	_, err = reg.ActivateSwitch(ctx, "expiring", actor, "freeze", 10*time.Minute)
	require.NoError(t, err)

	got, err := reg.ActiveKillSwitches(ctx, policy.Scope{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "wf-only", got[0].Key) // hard stop sorts first

	got, err = reg.ActiveKillSwitches(ctx, policy.Scope{WorkflowID: "wf-2"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	clk.Advance(11 * time.Minute)
	got, err = reg.ActiveKillSwitches(ctx, policy.Scope{WorkflowID: "wf-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "global", got[0].Key)
}

// brokenStore fails every ledger operation, standing in for a database that
// went away between the switch flip and the audit write.
type brokenStore struct{}

func (brokenStore) AppendEvent(context.Context, *ledger.Event) error {
	return errors.New("db gone")
}

func (brokenStore) ReadTip(context.Context) (*ledger.Event, error) {
	return nil, errors.New("db gone")
}

func (brokenStore) ReadRange(context.Context, uint64, uint64) ([]*ledger.Event, error) {
	return nil, errors.New("db gone")
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (c *captureNotifier) Notify(_ context.Context, a notify.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}
