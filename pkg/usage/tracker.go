// Package usage implements the resource bounds gate: an atomic
// check-and-increment usage counter per (tenant, resource) with a
// floor-guarded decrement for aborted reservations.
package usage

import (
	"context"
	"fmt"
	"sync"
)

// ExceededError reports a reservation that would overrun the budget. It is a
// backpressure signal; callers may retry with backoff.
type ExceededError struct {
	TenantID     string
	ResourceType string
	Requested    int64
	Remaining    int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("usage: budget exceeded for %s/%s: requested %d, remaining %d",
		e.TenantID, e.ResourceType, e.Requested, e.Remaining)
}

// Tracker is the usage-counter protocol. CheckAndIncrement must be atomic:
// N concurrent reservations against the same budget never overshoot it by
// more than one request's amount.
type Tracker interface {
	CheckAndIncrement(ctx context.Context, tenantID, resourceType string, amount, limit int64) (int64, error)
	Decrement(ctx context.Context, tenantID, resourceType string, amount int64) error
}

// MemoryTracker is the in-process tracker.
type MemoryTracker struct {
	mu    sync.Mutex
	usage map[string]int64
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{usage: make(map[string]int64)}
}

func counterKey(tenantID, resourceType string) string {
	return tenantID + "\x00" + resourceType
}

func (t *MemoryTracker) CheckAndIncrement(ctx context.Context, tenantID, resourceType string, amount, limit int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("usage: amount must be positive, got %d", amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := counterKey(tenantID, resourceType)
	current := t.usage[key]
	if current+amount > limit {
		return 0, &ExceededError{
			TenantID:     tenantID,
			ResourceType: resourceType,
			Requested:    amount,
			Remaining:    max(limit-current, 0),
		}
	}
	t.usage[key] = current + amount
	return t.usage[key], nil
}

// Used reports the current counter value without reserving anything.
func (t *MemoryTracker) Used(tenantID, resourceType string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage[counterKey(tenantID, resourceType)]
}

func (t *MemoryTracker) Decrement(ctx context.Context, tenantID, resourceType string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("usage: amount must be positive, got %d", amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := counterKey(tenantID, resourceType)
	next := t.usage[key] - amount
	if next < 0 {
		next = 0
	}
	t.usage[key] = next
	return nil
}
