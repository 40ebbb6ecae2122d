package predicate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/invariantlabs/crossing/pkg/registry"
)

// CELEvaluator compiles and runs predicates written in CEL. The output is
// bound to the `output` variable. Compiled programs are cached per
// expression; registrations are immutable so the cache never goes stale.
type CELEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEvaluator creates an evaluator with the standard environment.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("predicate: cel environment: %w", err)
	}
	return &CELEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

func (e *CELEvaluator) Evaluate(ctx context.Context, pred registry.Predicate, output map[string]any) (bool, error) {
	prg, err := e.program(pred.Expr)
	if err != nil {
		return false, err
	}

	val, _, err := prg.Eval(map[string]any{"output": output})
	if err != nil {
		return false, fmt.Errorf("predicate %s: %w", pred.ID, err)
	}
	pass, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate %s: expression is not boolean", pred.ID)
	}
	return pass, nil
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
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
		return nil, fmt.Errorf("predicate: compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("predicate: program %q: %w", expr, err)
	}
	e.cache[expr] = prg
	return prg, nil
}
