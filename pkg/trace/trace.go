// Package trace implements the trace gate: binding an immutable
// (tenant id, correlation id) pair to a crossing and carrying it explicitly
// into spawned sub-work. There is no ambient inheritance mechanism; sub-work
// that needs the identity receives it through NewContext or Spawn, so it can
// never be silently dropped or duplicated.
package trace

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FrozenError reports an attempt to rebind identity fields after the gate
// froze them. This is a programming defect in the caller, never retried.
type FrozenError struct {
	Field string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("trace: field %q is frozen and cannot be rebound", e.Field)
}

// Identity is the immutable trace identity of one crossing.
type Identity struct {
	TenantID      string
	CorrelationID string
}

// Binding holds a crossing's identity. It accepts exactly one Bind; every
// later attempt returns *FrozenError.
type Binding struct {
	mu       sync.Mutex
	bound    bool
	identity Identity
}

// Bind freezes the identity into the binding.
func (b *Binding) Bind(id Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound {
		return &FrozenError{Field: "tenant_id/correlation_id"}
	}
	if id.TenantID == "" {
		return fmt.Errorf("trace: empty tenant id")
	}
	if id.CorrelationID == "" {
		return fmt.Errorf("trace: empty correlation id")
	}
	b.identity = id
	b.bound = true
	return nil
}

// Identity returns the bound identity, if any.
func (b *Binding) Identity() (Identity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity, b.bound
}

type contextKey struct{}

// NewContext returns a context explicitly carrying the identity.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts an identity previously placed by NewContext.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Bind generates or inherits a correlation id for the tenant and freezes it
// into the binding. An identity already carried by ctx (from an upstream
// crossing) supplies the correlation id; otherwise a new one is generated.
func Bind(ctx context.Context, b *Binding, tenantID string) (Identity, error) {
	correlationID := uuid.New().String()
	if inherited, ok := FromContext(ctx); ok && inherited.CorrelationID != "" {
		correlationID = inherited.CorrelationID
	}
	id := Identity{TenantID: tenantID, CorrelationID: correlationID}
	if err := b.Bind(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Spawn runs fn on its own goroutine with the identity explicitly attached
// to the child context. done is closed when fn returns.
func Spawn(ctx context.Context, id Identity, fn func(ctx context.Context)) (done <-chan struct{}) {
	ch := make(chan struct{})
	child := NewContext(ctx, id)
	go func() {
		defer close(ch)
		fn(child)
	}()
	return ch
}
