// Package predicate implements the output evaluation gate. Each boundary's
// registered predicates run in ascending severity order against a private
// copy of the output, short-circuiting on the first failure. A predicate that
// errors or exceeds its timeout fails closed: the output is blocked.
package predicate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/invariantlabs/crossing/pkg/canonical"
	"github.com/invariantlabs/crossing/pkg/registry"
)

// DefaultTimeout bounds a predicate evaluation when its registration does
// not set one.
const DefaultTimeout = 2 * time.Second

// Failure reports the first predicate that blocked an output.
type Failure struct {
	PredicateID string
	OutputHash  string
	Reason      string
}

func (e *Failure) Error() string {
	return fmt.Sprintf("predicate: %s failed for output %s: %s", e.PredicateID, e.OutputHash, e.Reason)
}

// Evaluator runs one predicate against an output copy.
type Evaluator interface {
	Evaluate(ctx context.Context, pred registry.Predicate, output map[string]any) (bool, error)
}

// Gate evaluates a boundary's predicate set against an output snapshot.
type Gate struct {
	evaluator  Evaluator
	predicates *registry.Table[registry.PredicateEntry]
}

// NewGate creates a gate over the evaluator and the predicate registry.
func NewGate(evaluator Evaluator, predicates *registry.Table[registry.PredicateEntry]) *Gate {
	return &Gate{evaluator: evaluator, predicates: predicates}
}

// Check runs every registered predicate for (boundaryID, version) against a
// private copy of output. The evaluator never receives the live output
// reference, so no predicate can taint what is ultimately returned.
func (g *Gate) Check(ctx context.Context, boundaryID string, version int, output map[string]any) error {
	entry, err := g.predicates.Get(boundaryID, version)
	if err != nil {
		return err
	}
	if len(entry.Predicates) == 0 {
		return nil
	}

	ordered := make([]registry.Predicate, len(entry.Predicates))
	copy(ordered, entry.Predicates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Severity < ordered[j].Severity
	})

	outputHash, err := canonical.Hash(output)
	if err != nil {
		return &Failure{PredicateID: ordered[0].ID, OutputHash: "", Reason: fmt.Sprintf("output not canonicalizable: %v", err)}
	}

	for _, pred := range ordered {
		pass, reason := g.evaluateOne(ctx, pred, output)
		if !pass {
			return &Failure{PredicateID: pred.ID, OutputHash: outputHash, Reason: reason}
		}
	}
	return nil
}

// evaluateOne runs a single predicate against a fresh copy with its timeout
// enforced. Timeout and evaluation errors both count as failure.
func (g *Gate) evaluateOne(ctx context.Context, pred registry.Predicate, output map[string]any) (bool, string) {
	timeout := pred.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		pass bool
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		pass, err := g.evaluator.Evaluate(evalCtx, pred, deepCopy(output))
		ch <- result{pass: pass, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return false, fmt.Sprintf("evaluation error: %v", res.err)
		}
		if !res.pass {
			return false, "predicate returned false"
		}
		return true, ""
	case <-evalCtx.Done():
		return false, fmt.Sprintf("evaluation timed out after %s", timeout)
	}
}

func deepCopy(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, elem := range v {
		out[k] = deepCopyValue(elem)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopyValue(elem)
		}
		return out
	default:
		return val
	}
}
