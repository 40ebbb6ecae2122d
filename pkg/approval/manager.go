package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// resolvedRetention is how long a resolved or expired request stays
// queryable before it is swept. It must comfortably exceed the gate's
// poll interval so a poller between waits never loses its decision.
const resolvedRetention = 5 * time.Minute

// Manager is the in-process Channel implementation: it persists requests,
// notifies reviewers, and resolves decisions. Reviewer tooling calls Approve
// and Reject; the gate calls the Channel side.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	byKey    map[string]string
	waiters  map[string][]chan Decision
	resolved map[string]time.Time

	clock    func() time.Time
	notify   func(Request)
	notifyRL *rate.Limiter
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		requests: make(map[string]*Request),
		byKey:    make(map[string]string),
		waiters:  make(map[string][]chan Decision),
		resolved: make(map[string]time.Time),
		clock:    time.Now,
		notifyRL: rate.NewLimiter(rate.Every(time.Second), 10),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithNotifier sets the reviewer notification hook (webhook, chat message).
// Notifications are rate-limited; a burst of submissions cannot flood the
// reviewer channel.
func (m *Manager) WithNotifier(notify func(Request)) *Manager {
	m.notify = notify
	return m
}

func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.sweepLocked()

	// Content-addressed dedup: a pending request for the same key is reused.
	if existingID, ok := m.byKey[req.Key]; ok {
		if existing := m.requests[existingID]; existing != nil && existing.Status == StatusPending {
			m.mu.Unlock()
			return existingID, nil
		}
	}

	req.ID = uuid.New().String()
	req.Status = StatusPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.clock()
	}
	stored := req
	m.requests[req.ID] = &stored
	m.byKey[req.Key] = req.ID
	notify := m.notify
	m.mu.Unlock()

	if notify != nil && m.notifyRL.Allow() {
		notify(req)
	}
	return req.ID, nil
}

func (m *Manager) AwaitDecision(ctx context.Context, requestID string, wait time.Duration) (Decision, bool, error) {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return Decision{}, false, fmt.Errorf("approval: request %s not found", requestID)
	}

	if decision, resolved := m.resolveLocked(req); resolved {
		m.mu.Unlock()
		return decision, true, nil
	}

	ch := make(chan Decision, 1)
	m.waiters[requestID] = append(m.waiters[requestID], ch)
	m.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision, true, nil
	case <-timer.C:
		// Re-check: the request may have expired while we waited. Either
		// way this caller is done with its channel.
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeWaiterLocked(requestID, ch)
		if req, ok := m.requests[requestID]; ok {
			if decision, resolved := m.resolveLocked(req); resolved {
				return decision, true, nil
			}
		}
		return Decision{}, false, nil
	case <-ctx.Done():
		m.mu.Lock()
		m.removeWaiterLocked(requestID, ch)
		m.mu.Unlock()
		return Decision{}, false, ctx.Err()
	}
}

// removeWaiterLocked drops one abandoned waiter channel; repeated polling
// must not accumulate a channel per poll.
func (m *Manager) removeWaiterLocked(requestID string, ch chan Decision) {
	waiting := m.waiters[requestID]
	for i, w := range waiting {
		if w == ch {
			m.waiters[requestID] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(m.waiters[requestID]) == 0 {
		delete(m.waiters, requestID)
	}
}

// sweepLocked removes requests that have been resolved (or sat expired)
// longer than the retention window and have no one waiting on them.
func (m *Manager) sweepLocked() {
	now := m.clock()
	for id, req := range m.requests {
		at, done := m.resolved[id]
		if !done {
			if req.Status != StatusPending || req.ExpiresAt.IsZero() || !now.After(req.ExpiresAt) {
				continue
			}
			at = req.ExpiresAt
		}
		if now.Sub(at) < resolvedRetention || len(m.waiters[id]) > 0 {
			continue
		}
		delete(m.requests, id)
		delete(m.resolved, id)
		delete(m.waiters, id)
		if m.byKey[req.Key] == id {
			delete(m.byKey, req.Key)
		}
	}
}

// resolveLocked returns the decision for a non-pending request, expiring a
// pending request whose deadline has passed.
func (m *Manager) resolveLocked(req *Request) (Decision, bool) {
	if req.Status == StatusPending && !req.ExpiresAt.IsZero() && m.clock().After(req.ExpiresAt) {
		req.Status = StatusExpired
		m.resolved[req.ID] = m.clock()
	}
	switch req.Status {
	case StatusApproved:
		return Decision{Status: StatusApproved}, true
	case StatusRejected:
		return Decision{Status: StatusRejected}, true
	case StatusExpired:
		return Decision{Status: StatusExpired}, true
	default:
		return Decision{}, false
	}
}

func (m *Manager) Heartbeat(ctx context.Context) bool {
	m.mu.Lock()
	m.sweepLocked()
	m.mu.Unlock()
	return true
}

// Approve resolves a pending request.
func (m *Manager) Approve(requestID, reviewerID string) error {
	return m.decide(requestID, Decision{Status: StatusApproved, DecidedBy: reviewerID})
}

// Reject resolves a pending request with a reason.
func (m *Manager) Reject(requestID, reviewerID, reason string) error {
	return m.decide(requestID, Decision{Status: StatusRejected, DecidedBy: reviewerID, Reason: reason})
}

func (m *Manager) decide(requestID string, decision Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return fmt.Errorf("approval: request %s not found", requestID)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("approval: request %s is not pending (status %s)", requestID, req.Status)
	}
	if !req.ExpiresAt.IsZero() && m.clock().After(req.ExpiresAt) {
		req.Status = StatusExpired
		m.resolved[requestID] = m.clock()
		m.notifyWaitersLocked(requestID, Decision{Status: StatusExpired})
		return fmt.Errorf("approval: request %s already expired", requestID)
	}

	req.Status = decision.Status
	m.resolved[requestID] = m.clock()
	m.notifyWaitersLocked(requestID, decision)
	return nil
}

func (m *Manager) notifyWaitersLocked(requestID string, decision Decision) {
	for _, ch := range m.waiters[requestID] {
		ch <- decision
	}
	delete(m.waiters, requestID)
}

// Get returns a copy of the request.
func (m *Manager) Get(requestID string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}
