package gate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northgate-labs/warden/pkg/clock"
	"github.com/northgate-labs/warden/pkg/gate"
	"github.com/northgate-labs/warden/pkg/ledger"
	"github.com/northgate-labs/warden/pkg/notify"
	"github.com/northgate-labs/warden/pkg/policy"
)

var t0 = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clk   *clock.Fake
	led   *ledger.Ledger
	reg   *policy.Registry
	gates *gate.Registry
	sink  *gate.MemoryExecutions
	eval  *gate.Evaluator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	led := ledger.New(ledger.NewMemoryStore(), clk)
	reg := policy.NewRegistry(clk, led, notify.Discard{})
	gates := gate.NewRegistry()
	sink := gate.NewMemoryExecutions()
	cel, err := policy.NewCELEvaluator()
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eval, err := gate.NewEvaluator(gates, reg, cel, led, sink, clk, log)
	require.NoError(t, err)
	return &harness{clk: clk, led: led, reg: reg, gates: gates, sink: sink, eval: eval}
}

func (h *harness) putGate(t *testing.T, g gate.Gate) {
	t.Helper()
	require.NoError(t, h.gates.Put(g))
}

var actor = ledger.Actor{ID: "svc-deployer", Type: ledger.ActorService}

func TestEvaluate_NoControlsAllows(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, CheckKillSwitches: true})

	exec, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeAllow, exec.Outcome)
	assert.Empty(t, exec.Errors)
	assert.NotEmpty(t, exec.LedgerEventID)
}

func TestEvaluate_HardStopAlwaysWins(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, CheckKillSwitches: true})
	h.reg.PutPolicy(policy.ControlPolicy{ID: "p-allow", Key: "allow-all", Outcome: policy.OutcomeAllow, Active: true})
	h.reg.BindGate("deploy", []string{"p-allow"})

	h.reg.PutSwitch(policy.KillSwitch{Key: "global-freeze", Mode: policy.ModeHardStop})
	_, err := h.reg.ActivateSwitch(context.Background(), "global-freeze", actor, "sev1 incident", 0)
	require.NoError(t, err)

	exec, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeHardStop, exec.Outcome)
	assert.Equal(t, "global-freeze", exec.Evidence["kill_switch"])
	// Hard stop short-circuits before any policy runs.
	assert.Empty(t, exec.Policies)
	require.Len(t, exec.KillSwitches, 1)
	assert.Equal(t, policy.ModeHardStop, exec.KillSwitches[0].Mode)
}

func TestEvaluate_ReadOnlySwitchBlocksWritesOnly(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, CheckKillSwitches: true})
	h.reg.PutSwitch(policy.KillSwitch{Key: "read-only", Mode: policy.ModeReadOnly})
	_, err := h.reg.ActivateSwitch(context.Background(), "read-only", actor, "maintenance", 0)
	require.NoError(t, err)

	write, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor, Operation: gate.OpWrite})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, write.Outcome)

	read, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor, Operation: gate.OpRead})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeAllow, read.Outcome)
}

func TestEvaluate_DegradeSwitch(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, CheckKillSwitches: true})
	h.reg.PutSwitch(policy.KillSwitch{Key: "partial-outage", Mode: policy.ModeDegrade})
	_, err := h.reg.ActivateSwitch(context.Background(), "partial-outage", actor, "dependency down", 0)
	require.NoError(t, err)

	write, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor, Operation: gate.OpWrite})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeDegrade, write.Outcome)

	read, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor, Operation: gate.OpRead})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeAllow, read.Outcome)
	assert.Equal(t, true, read.Evidence["degraded"])
}

func TestEvaluate_RequireAllPass_DenyBlocks(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, RequireAllPass: true})
	h.reg.PutPolicy(policy.ControlPolicy{
		ID: "p-env", Key: "prod-allowed", Priority: 10,
		Outcome:   policy.OutcomeAllow,
		Condition: policy.AllEqual(map[string]any{"env": "prod"}),
		Active:    true,
	})
	h.reg.PutPolicy(policy.ControlPolicy{
		ID: "p-hours", Key: "no-after-hours", Priority: 20,
		Outcome:   policy.OutcomeDeny,
		Condition: policy.AllEqual(map[string]any{"after_hours": true}),
		Active:    true,
	})
	h.reg.BindGate("deploy", []string{"p-env", "p-hours"})

	exec, err := h.eval.Evaluate(context.Background(), gate.Request{
		GateKey: "deploy", Actor: actor,
		Context: map[string]any{"env": "prod", "after_hours": true},
	})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, exec.Outcome)
	require.Len(t, exec.Policies, 2)
	assert.Equal(t, gate.CheckPass, exec.Policies[0].Result)
	assert.Equal(t, gate.CheckFail, exec.Policies[1].Result)

	// Exactly one audit event, typed GATE_BLOCKED.
	events, err := h.led.ReadRange(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventGateBlocked, events[0].Type)
	assert.Equal(t, ledger.OutcomeBlocked, events[0].Outcome)
	assert.Equal(t, events[0].ID, exec.LedgerEventID)
}

func TestEvaluate_MostPermissiveWinsWithoutRequireAllPass(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true})
	h.reg.PutPolicy(policy.ControlPolicy{ID: "p-deny", Key: "deny", Priority: 10, Outcome: policy.OutcomeDeny, Active: true})
	h.reg.PutPolicy(policy.ControlPolicy{ID: "p-allow", Key: "allow", Priority: 20, Outcome: policy.OutcomeAllow, Active: true})
	h.reg.BindGate("deploy", []string{"p-deny", "p-allow"})

	exec, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeAllow, exec.Outcome)
}

func TestEvaluate_AutoDenyShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, RequireAllPass: true})
	h.reg.PutPolicy(policy.ControlPolicy{
		ID: "p-breakglass", Key: "no-breakglass", Priority: 1,
		Outcome: policy.OutcomeAllow,
		AutoDeny: policy.AllEqual(map[string]any{"break_glass": true}),
		Active: true,
	})
	h.reg.PutPolicy(policy.ControlPolicy{ID: "p-later", Key: "later", Priority: 9, Outcome: policy.OutcomeAllow, Active: true})
	h.reg.BindGate("deploy", []string{"p-breakglass", "p-later"})

	exec, err := h.eval.Evaluate(context.Background(), gate.Request{
		GateKey: "deploy", Actor: actor,
		Context: map[string]any{"break_glass": true},
	})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, exec.Outcome)
	assert.Equal(t, "no-breakglass", exec.Evidence["auto_denied_by"])
	// Short-circuit: the second policy never ran.
	require.Len(t, exec.Policies, 1)
	assert.Equal(t, gate.CheckFail, exec.Policies[0].Result)
}

func TestEvaluate_PolicyErrorFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, Mode: gate.ModeBlocking})
	// CEL on a policy with a nil evaluator errors during Match.
	h.reg.PutPolicy(policy.ControlPolicy{ID: "p-cel", Key: "cel-only", Outcome: policy.OutcomeAllow, CEL: `context.x > 1`, Active: true})
	h.reg.BindGate("deploy", []string{"p-cel"})

	gates := gate.NewRegistry()
	require.NoError(t, gates.Put(gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, Mode: gate.ModeBlocking}))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eval, err := gate.NewEvaluator(gates, h.reg, nil, h.led, h.sink, h.clk, log)
	require.NoError(t, err)

	exec, err := eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor, Context: map[string]any{"x": 5}})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, exec.Outcome)
	require.Len(t, exec.Policies, 1)
	assert.Equal(t, gate.CheckError, exec.Policies[0].Result)
	assert.NotEmpty(t, exec.Errors)
}

func TestEvaluate_PolicyErrorWarnsInMonitoringMode(t *testing.T) {
	h := newHarness(t)
	h.reg.PutPolicy(policy.ControlPolicy{ID: "p-cel", Key: "cel-only", Outcome: policy.OutcomeAllow, CEL: `true`, Active: true})
	h.reg.BindGate("observe", []string{"p-cel"})

	gates := gate.NewRegistry()
	require.NoError(t, gates.Put(gate.Gate{Key: "observe", Type: gate.TypeDataAccess, Active: true, Mode: gate.ModeMonitoring}))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eval, err := gate.NewEvaluator(gates, h.reg, nil, h.led, h.sink, h.clk, log)
	require.NoError(t, err)

	exec, err := eval.Evaluate(context.Background(), gate.Request{GateKey: "observe", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeWarning, exec.Outcome)
}

func TestEvaluate_SourceFailureBlocks(t *testing.T) {
	h := newHarness(t)
	gates := gate.NewRegistry()
	require.NoError(t, gates.Put(gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, CheckKillSwitches: true}))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eval, err := gate.NewEvaluator(gates, failingSource{}, nil, h.led, h.sink, h.clk, log)
	require.NoError(t, err)

	exec, err := eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, exec.Outcome)
	assert.NotEmpty(t, exec.Errors)
	assert.NotEmpty(t, exec.LedgerEventID)
}

func TestEvaluate_UnknownGateFailsClosed(t *testing.T) {
	h := newHarness(t)
	exec, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "missing", Actor: actor})
	require.ErrorIs(t, err, gate.ErrUnknownGate)
	require.NotNil(t, exec)
	assert.Equal(t, gate.OutcomeBlock, exec.Outcome)
}

func TestEvaluate_InactiveGateFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "retired", Type: gate.TypeDataAccess, Active: false})
	exec, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "retired", Actor: actor})
	require.ErrorIs(t, err, gate.ErrInvalidGate)
	assert.Equal(t, gate.OutcomeBlock, exec.Outcome)
}

func TestEvaluate_EvidenceCaptureFollowsGateFlags(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{
		Key: "deploy", Type: gate.TypeProductionChange, Active: true,
		CaptureContext: true, CaptureInputs: true,
	})
	exec, err := h.eval.Evaluate(context.Background(), gate.Request{
		GateKey: "deploy", Actor: actor,
		Context: map[string]any{"env": "prod"},
		Inputs:  map[string]any{"artifact": "app:1.2.3"},
		Outputs: map[string]any{"ignored": true},
	})
	require.NoError(t, err)
	assert.Contains(t, exec.Evidence, "context")
	assert.Contains(t, exec.Evidence, "inputs")
	assert.NotContains(t, exec.Evidence, "outputs")
}

func TestEvaluate_ExecutionPersistedToSink(t *testing.T) {
	h := newHarness(t)
	h.putGate(t, gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true})
	_, err := h.eval.Evaluate(context.Background(), gate.Request{GateKey: "deploy", Actor: actor, ExecutionID: "run-7"})
	require.NoError(t, err)

	execs := h.sink.All()
	require.Len(t, execs, 1)
	assert.Equal(t, "deploy", execs[0].GateKey)
	assert.Equal(t, "run-7", execs[0].ExecutionID)
	assert.Equal(t, gate.TypeProductionChange, execs[0].GateType)
}

func TestOutcome_Permits(t *testing.T) {
	assert.True(t, gate.OutcomeAllow.Permits(gate.ModeBlocking))
	assert.False(t, gate.OutcomeWarning.Permits(gate.ModeBlocking))
	assert.True(t, gate.OutcomeWarning.Permits(gate.ModeMonitoring))
	assert.False(t, gate.OutcomeBlock.Permits(gate.ModeMonitoring))
	assert.False(t, gate.OutcomeHardStop.Permits(gate.ModeMonitoring))
}

func TestEvaluate_ExpiredContextStillAudited(t *testing.T) {
	clk := clock.NewFake(t0)
	led := ledger.New(ctxStrictStore{ledger.NewMemoryStore()}, clk)
	reg := policy.NewRegistry(clk, nil, notify.Discard{})
	reg.PutPolicy(policy.ControlPolicy{ID: "p-allow", Key: "allow-all", Outcome: policy.OutcomeAllow, Active: true})
	reg.BindGate("deploy", []string{"p-allow"})
	gates := gate.NewRegistry()
	require.NoError(t, gates.Put(gate.Gate{Key: "deploy", Type: gate.TypeProductionChange, Active: true, Mode: gate.ModeBlocking}))
	sink := &ctxStrictSink{next: gate.NewMemoryExecutions()}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eval, err := gate.NewEvaluator(gates, reg, nil, led, sink, clk, log)
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), t0.Add(-time.Second))
	defer cancel()

	exec, err := eval.Evaluate(ctx, gate.Request{GateKey: "deploy", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, exec.Outcome)
	assert.Equal(t, true, exec.Evidence["timeout"])

	// The blocked decision is still recorded: one GATE_BLOCKED event and one
	// persisted execution, even though the caller's deadline is long gone.
	assert.NotEmpty(t, exec.LedgerEventID)
	events, err := led.ReadRange(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventGateBlocked, events[0].Type)
	require.Len(t, sink.next.All(), 1)
}

// ctxStrictStore refuses writes and reads on a dead context, the way a
// SQL-backed store would.
type ctxStrictStore struct {
	next ledger.Persistence
}

func (s ctxStrictStore) AppendEvent(ctx context.Context, ev *ledger.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.next.AppendEvent(ctx, ev)
}

func (s ctxStrictStore) ReadTip(ctx context.Context) (*ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next.ReadTip(ctx)
}

func (s ctxStrictStore) ReadRange(ctx context.Context, from, to uint64) ([]*ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next.ReadRange(ctx, from, to)
}

type ctxStrictSink struct {
	next *gate.MemoryExecutions
}

func (s *ctxStrictSink) SaveExecution(ctx context.Context, exec *gate.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.next.SaveExecution(ctx, exec)
}

// failingSource simulates a policy store outage.
type failingSource struct{}

func (failingSource) ActiveKillSwitches(context.Context, policy.Scope) ([]policy.KillSwitch, error) {
	return nil, errors.New("store unavailable")
}

func (failingSource) ActivePolicies(context.Context, string) ([]policy.ControlPolicy, error) {
	return nil, errors.New("store unavailable")
}
