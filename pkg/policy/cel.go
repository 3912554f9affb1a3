package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELConditionEvaluator compiles and caches CEL programs used as policy
// applicability refinements. Expressions see a single `context` variable
// holding the evaluation context map.
type CELConditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEvaluator builds the shared CEL environment.
func NewCELEvaluator() (*CELConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &CELConditionEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvalBool evaluates expr against the context map. Non-boolean results are
// errors so a misconfigured policy can never read as a pass.
func (e *CELConditionEvaluator) EvalBool(expr string, evalCtx map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{"context": evalCtx})
	if err != nil {
		return false, fmt.Errorf("policy: cel eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: cel expression %q did not yield a bool", expr)
	}
	return val, nil
}

func (e *CELConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: cel compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}
