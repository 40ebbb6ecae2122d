package predicate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invariantlabs/crossing/pkg/predicate"
	"github.com/invariantlabs/crossing/pkg/registry"
)

func newGate(t *testing.T, preds ...registry.Predicate) *predicate.Gate {
	t.Helper()
	table := registry.NewTable[registry.PredicateEntry]()
	require.NoError(t, table.Register("llm.call", 1, registry.PredicateEntry{Predicates: preds}))
	evaluator, err := predicate.NewCELEvaluator()
	require.NoError(t, err)
	return predicate.NewGate(evaluator, table)
}

func TestCheckPasses(t *testing.T) {
	gate := newGate(t, registry.Predicate{ID: "amount-cap", Expr: `output.amount <= 1000`, Severity: 1})

	err := gate.Check(context.Background(), "llm.call", 1, map[string]any{"amount": 100})
	assert.NoError(t, err)
}

func TestCheckBlocksWithOutputHash(t *testing.T) {
	gate := newGate(t, registry.Predicate{ID: "amount-cap", Expr: `output.amount <= 1000`, Severity: 1})

	err := gate.Check(context.Background(), "llm.call", 1, map[string]any{"amount": 5000})
	var failure *predicate.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "amount-cap", failure.PredicateID)
	assert.NotEmpty(t, failure.OutputHash)
}

func TestCheckSeverityOrderShortCircuits(t *testing.T) {
	gate := newGate(t,
		registry.Predicate{ID: "late-check", Expr: `false`, Severity: 9},
		registry.Predicate{ID: "early-check", Expr: `output.ok == true`, Severity: 1},
	)

	err := gate.Check(context.Background(), "llm.call", 1, map[string]any{"ok": false})
	var failure *predicate.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "early-check", failure.PredicateID, "lowest severity runs first and short-circuits")
}

func TestCheckEvaluationErrorFailsClosed(t *testing.T) {
	gate := newGate(t, registry.Predicate{ID: "bad-field", Expr: `output.missing_field == 1`, Severity: 1})

	err := gate.Check(context.Background(), "llm.call", 1, map[string]any{"amount": 1})
	var failure *predicate.Failure
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, failure.Reason, "evaluation error")
}

type slowEvaluator struct{}

func (slowEvaluator) Evaluate(ctx context.Context, pred registry.Predicate, output map[string]any) (bool, error) {
	select {
	case <-time.After(time.Second):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestCheckTimeoutFailsClosed(t *testing.T) {
	table := registry.NewTable[registry.PredicateEntry]()
	require.NoError(t, table.Register("llm.call", 1, registry.PredicateEntry{
		Predicates: []registry.Predicate{{ID: "slow", Expr: `true`, Severity: 1, Timeout: 10 * time.Millisecond}},
	}))
	gate := predicate.NewGate(slowEvaluator{}, table)

	err := gate.Check(context.Background(), "llm.call", 1, map[string]any{})
	var failure *predicate.Failure
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, failure.Reason, "timed out")
}

type mutatingEvaluator struct{}

func (mutatingEvaluator) Evaluate(ctx context.Context, pred registry.Predicate, output map[string]any) (bool, error) {
	output["tainted"] = true
	return true, nil
}

func TestCheckPredicateCannotTaintOutput(t *testing.T) {
	table := registry.NewTable[registry.PredicateEntry]()
	require.NoError(t, table.Register("llm.call", 1, registry.PredicateEntry{
		Predicates: []registry.Predicate{{ID: "mutator", Expr: `true`, Severity: 1}},
	}))
	gate := predicate.NewGate(mutatingEvaluator{}, table)

	output := map[string]any{"amount": 1}
	require.NoError(t, gate.Check(context.Background(), "llm.call", 1, output))

	_, tainted := output["tainted"]
	assert.False(t, tainted, "predicates receive a private copy, never the live output")
}

func TestCheckNoPredicatesPasses(t *testing.T) {
	table := registry.NewTable[registry.PredicateEntry]()
	require.NoError(t, table.Register("llm.call", 1, registry.PredicateEntry{}))
	evaluator, err := predicate.NewCELEvaluator()
	require.NoError(t, err)

	gate := predicate.NewGate(evaluator, table)
	assert.NoError(t, gate.Check(context.Background(), "llm.call", 1, map[string]any{"x": 1}))
}
