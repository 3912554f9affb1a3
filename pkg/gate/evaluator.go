package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/northgate-labs/warden/pkg/clock"
	"github.com/northgate-labs/warden/pkg/ledger"
	"github.com/northgate-labs/warden/pkg/policy"
)

const instrumentationName = "github.com/northgate-labs/warden/pkg/gate"

// sourceRetries bounds transient retries against the policy source. The
// caller's context deadline still cuts retries short.
const sourceRetries = 2

// Request describes one action presented to a gate for a decision.
type Request struct {
	GateKey string
	Actor   ledger.Actor

	// Operation defaults to OpWrite when empty.
	Operation Operation

	// Context carries the evaluation variables policies test against.
	Context map[string]any

	// Inputs and Outputs are captured as evidence when the gate asks for it.
	Inputs  map[string]any
	Outputs map[string]any

	// ExecutionID and RequestID correlate the decision to the caller's
	// workflow run and upstream request.
	ExecutionID string
	RequestID   string

	// Resource identifies what the action touches, for the audit trail.
	Resource *ledger.Resource
}

// Evaluator resolves gate requests into outcomes. All dependencies are
// injected; the zero value is not usable.
type Evaluator struct {
	gates  *Registry
	source policy.Source
	cel    policy.CELEvaluator
	led    *ledger.Ledger
	sink   ExecutionSink
	clk    clock.Clock
	log    *slog.Logger

	tracer      trace.Tracer
	evaluations metric.Int64Counter
	durationMS  metric.Float64Histogram
}

// NewEvaluator wires an evaluator. cel may be nil when no registered policy
// carries a CEL refinement; sink may be nil to skip execution persistence.
func NewEvaluator(gates *Registry, source policy.Source, cel policy.CELEvaluator, led *ledger.Ledger, sink ExecutionSink, clk clock.Clock, log *slog.Logger) (*Evaluator, error) {
	meter := otel.Meter(instrumentationName)
	evals, err := meter.Int64Counter("warden.gate.evaluations",
		metric.WithDescription("Gate evaluations by outcome"))
	if err != nil {
		return nil, fmt.Errorf("gate: create evaluations counter: %w", err)
	}
	dur, err := meter.Float64Histogram("warden.gate.duration",
		metric.WithDescription("Gate evaluation latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("gate: create duration histogram: %w", err)
	}
	return &Evaluator{
		gates:       gates,
		source:      source,
		cel:         cel,
		led:         led,
		sink:        sink,
		clk:         clk,
		log:         log.With("component", "gate"),
		tracer:      otel.Tracer(instrumentationName),
		evaluations: evals,
		durationMS:  dur,
	}, nil
}

// Evaluate resolves req into a terminal outcome. It never returns an error
// for policy or infrastructure failures; those degrade the outcome (BLOCK
// under blocking mode, WARNING under monitoring) and are itemized in the
// execution record. The only error paths are an unknown or inactive gate,
// which fail closed with a BLOCK execution and ErrUnknownGate / ErrInvalidGate.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (*Execution, error) {
	ctx, span := e.tracer.Start(ctx, "gate.Evaluate",
		trace.WithAttributes(attribute.String("gate.key", req.GateKey)))
	defer span.End()

	start := e.clk.Now()
	exec := &Execution{
		ID:          uuid.NewString(),
		GateKey:     req.GateKey,
		ExecutionID: req.ExecutionID,
		RequestID:   req.RequestID,
		Actor:       req.Actor,
		Evidence:    map[string]any{},
		ExecutedAt:  start,
	}

	g, err := e.gates.Get(req.GateKey)
	if err != nil || !g.Active {
		if err == nil {
			err = fmt.Errorf("%w: gate %q is inactive", ErrInvalidGate, req.GateKey)
		}
		exec.Outcome = OutcomeBlock
		exec.Errors = append(exec.Errors, err.Error())
		e.finish(ctx, g, req, exec, start)
		return exec, err
	}
	exec.GateID = g.ID
	exec.GateType = g.Type
	exec.GateMode = g.Mode
	span.SetAttributes(attribute.String("gate.type", string(g.Type)))

	if req.Operation == "" {
		req.Operation = OpWrite
	}

	exec.Outcome = e.decide(ctx, g, req, exec)
	e.finish(ctx, g, req, exec, start)
	return exec, nil
}

// decide runs the kill-switch and policy phases and returns the aggregate
// outcome. Per-control results accumulate on exec as a side effect.
func (e *Evaluator) decide(ctx context.Context, g Gate, req Request, exec *Execution) Outcome {
	degraded := false

	if g.CheckKillSwitches {
		switches, err := e.fetchSwitches(ctx, g.Scope)
		if err != nil {
			return e.degradeOnError(g, exec, fmt.Errorf("fetch kill switches: %w", err))
		}
		for _, ks := range switches {
			exec.KillSwitches = append(exec.KillSwitches, SwitchCheck{
				SwitchID:  ks.ID,
				SwitchKey: ks.Key,
				Mode:      ks.Mode,
				Global:    ks.Scope.Global(),
			})
		}
		// Switches arrive sorted by severity; the first one governs.
		if len(switches) > 0 {
			top := switches[0]
			switch {
			case top.Mode == policy.ModeHardStop:
				exec.Evidence["kill_switch"] = top.Key
				return OutcomeHardStop
			case top.Mode.BlocksWrites() && req.Operation == OpWrite:
				exec.Evidence["kill_switch"] = top.Key
				return OutcomeBlock
			case top.Mode == policy.ModeDegrade:
				degraded = true
				exec.Evidence["degraded_by"] = top.Key
			}
		}
	}

	policies, err := e.fetchPolicies(ctx, g.Key)
	if err != nil {
		return e.degradeOnError(g, exec, fmt.Errorf("fetch policies: %w", err))
	}

	var (
		sawError bool
		passes   int
		denies   int
		reviews  int
		applied  int
	)
	for _, p := range policies {
		if err := ctx.Err(); err != nil {
			exec.Evidence["timeout"] = true
			return e.degradeOnError(g, exec, fmt.Errorf("policy %s: %w", p.Key, err))
		}
		match, merr := p.Match(req.Context, e.cel)
		res := PolicyResult{PolicyID: p.ID, PolicyKey: p.Key, Outcome: p.Outcome}
		switch {
		case merr != nil:
			res.Result = CheckError
			res.Reason = merr.Error()
			sawError = true
			exec.Errors = append(exec.Errors, fmt.Sprintf("policy %s: %v", p.Key, merr))
		case match == policy.MatchAutoDeny:
			res.Result = CheckFail
			res.Outcome = policy.OutcomeDeny
			res.Reason = "auto-deny condition met"
			exec.Policies = append(exec.Policies, res)
			exec.Evidence["auto_denied_by"] = p.Key
			return OutcomeBlock
		case match == policy.MatchSkipped:
			res.Result = CheckPass
			res.Reason = "condition not applicable"
		default: // MatchApplies
			applied++
			switch p.Outcome {
			case policy.OutcomeAllow:
				res.Result = CheckPass
				passes++
			case policy.OutcomeReview:
				res.Result = CheckFail
				res.Reason = "review required"
				reviews++
			default:
				res.Result = CheckFail
				res.Reason = "denied by policy"
				denies++
			}
		}
		exec.Policies = append(exec.Policies, res)
	}

	agg := aggregate(g, applied, passes, denies, reviews)
	if sawError && agg == OutcomeAllow {
		// A control that could not be evaluated never resolves to a clean
		// allow. Blocking mode fails closed, monitoring mode warns.
		if g.Mode == ModeBlocking {
			agg = OutcomeBlock
		} else {
			agg = OutcomeWarning
		}
	}

	if degraded {
		if req.Operation == OpWrite {
			return OutcomeDegrade
		}
		exec.Evidence["degraded"] = true
	}
	return agg
}

// aggregate folds per-policy tallies into one outcome.
func aggregate(g Gate, applied, passes, denies, reviews int) Outcome {
	if applied == 0 {
		return OutcomeAllow
	}
	if g.RequireAllPass {
		switch {
		case denies > 0:
			return OutcomeBlock
		case reviews > 0:
			return OutcomeWarning
		default:
			return OutcomeAllow
		}
	}
	// Most permissive applied result wins.
	switch {
	case passes > 0:
		return OutcomeAllow
	case reviews > 0:
		return OutcomeWarning
	default:
		return OutcomeBlock
	}
}

// degradeOnError converts an infrastructure failure into the fail-closed
// outcome for the gate's mode.
func (e *Evaluator) degradeOnError(g Gate, exec *Execution, err error) Outcome {
	exec.Errors = append(exec.Errors, err.Error())
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		exec.Evidence["timeout"] = true
	}
	if g.Mode == ModeMonitoring {
		return OutcomeWarning
	}
	return OutcomeBlock
}

func (e *Evaluator) fetchSwitches(ctx context.Context, scope policy.Scope) ([]policy.KillSwitch, error) {
	var out []policy.KillSwitch
	op := func() error {
		var err error
		out, err = e.source.ActiveKillSwitches(ctx, scope)
		return err
	}
	err := backoff.Retry(op, e.retryPolicy(ctx))
	return out, err
}

func (e *Evaluator) fetchPolicies(ctx context.Context, gateKey string) ([]policy.ControlPolicy, error) {
	var out []policy.ControlPolicy
	op := func() error {
		var err error
		out, err = e.source.ActivePolicies(ctx, gateKey)
		return err
	}
	err := backoff.Retry(op, e.retryPolicy(ctx))
	return out, err
}

func (e *Evaluator) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, sourceRetries), ctx)
}

// finish captures evidence, appends the audit event, persists the execution
// record, and emits telemetry. Failures here are recorded on exec and logged
// but never change the outcome already decided.
func (e *Evaluator) finish(ctx context.Context, g Gate, req Request, exec *Execution, start time.Time) {
	// The decision is already made; recording it must not die with the
	// caller's deadline, or a timed-out request would leave no audit trail.
	ctx = context.WithoutCancel(ctx)

	if g.CaptureContext && req.Context != nil {
		exec.Evidence["context"] = req.Context
	}
	if g.CaptureInputs && req.Inputs != nil {
		exec.Evidence["inputs"] = req.Inputs
	}
	if g.CaptureOutputs && req.Outputs != nil {
		exec.Evidence["outputs"] = req.Outputs
	}
	exec.Duration = e.clk.Now().Sub(start)

	e.appendAudit(ctx, req, exec)

	if e.sink != nil {
		if err := e.sink.SaveExecution(ctx, exec); err != nil {
			exec.Errors = append(exec.Errors, fmt.Sprintf("save execution: %v", err))
			e.log.ErrorContext(ctx, "gate execution not persisted",
				"gate_key", exec.GateKey, "execution", exec.ID, "error", err)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("gate.key", exec.GateKey),
		attribute.String("outcome", string(exec.Outcome)),
	)
	e.evaluations.Add(ctx, 1, attrs)
	e.durationMS.Record(ctx, float64(exec.Duration)/float64(time.Millisecond), attrs)

	e.log.InfoContext(ctx, "gate evaluated",
		"gate_key", exec.GateKey,
		"outcome", exec.Outcome,
		"policies", len(exec.Policies),
		"kill_switches", len(exec.KillSwitches),
		"duration_ms", exec.Duration.Milliseconds(),
		"errors", len(exec.Errors))
}

// appendAudit writes exactly one ledger event per evaluation.
func (e *Evaluator) appendAudit(ctx context.Context, req Request, exec *Execution) {
	evType := ledger.EventGateExecuted
	outcome := ledger.OutcomeSuccess
	switch exec.Outcome {
	case OutcomeBlock, OutcomeHardStop:
		evType = ledger.EventGateBlocked
		outcome = ledger.OutcomeBlocked
	case OutcomeWarning, OutcomeDegrade:
		outcome = ledger.OutcomeWarning
	}

	evCtx := map[string]any{
		"gate_key":     exec.GateKey,
		"gate_outcome": string(exec.Outcome),
		"execution":    exec.ID,
	}
	if exec.ExecutionID != "" {
		evCtx["workflow_execution_id"] = exec.ExecutionID
	}
	if len(exec.Errors) > 0 {
		evCtx["error_count"] = len(exec.Errors)
	}

	ev, err := e.led.Append(ctx, ledger.Draft{
		Type:     evType,
		Action:   "gate.evaluate",
		Actor:    req.Actor,
		Resource: req.Resource,
		Outcome:  outcome,
		Context:  evCtx,
	})
	if err != nil {
		exec.Errors = append(exec.Errors, fmt.Sprintf("audit append: %v", err))
		e.log.ErrorContext(ctx, "gate decision not audited",
			"gate_key", exec.GateKey, "execution", exec.ID, "error", err)
		return
	}
	exec.LedgerEventID = ev.ID
}
