package approval_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invariantlabs/crossing/pkg/approval"
)

type fixedScorer float64

func (s fixedScorer) Score(ctx context.Context, key string, payload map[string]any) (float64, error) {
	return float64(s), nil
}

func sampleRequest(key string) approval.Request {
	return approval.Request{
		Key:           key,
		BoundaryID:    "payments.charge",
		TenantID:      "tenant-a",
		CorrelationID: "corr-1",
		Summary:       "charge 100 USD",
	}
}

func TestCheckHighConfidencePassesImmediately(t *testing.T) {
	gate := approval.NewGate(approval.NewManager(), fixedScorer(0.95))

	err := gate.Check(context.Background(), sampleRequest("k1"), nil, 0.9, time.Hour)
	assert.NoError(t, err)
}

func TestCheckApprovedByReviewer(t *testing.T) {
	manager := approval.NewManager()
	var notified atomic.Value
	manager.WithNotifier(func(req approval.Request) {
		notified.Store(req.ID)
		go func() {
			_ = manager.Approve(req.ID, "reviewer-1")
		}()
	})

	gate := approval.NewGate(manager, fixedScorer(0.2)).
		WithHeartbeatInterval(10 * time.Millisecond)

	err := gate.Check(context.Background(), sampleRequest("k2"), nil, 0.9, time.Second)
	assert.NoError(t, err)
	assert.NotNil(t, notified.Load())
}

func TestCheckRejectedByReviewer(t *testing.T) {
	manager := approval.NewManager()
	manager.WithNotifier(func(req approval.Request) {
		go func() {
			_ = manager.Reject(req.ID, "reviewer-1", "too risky")
		}()
	})

	gate := approval.NewGate(manager, fixedScorer(0.2)).
		WithHeartbeatInterval(10 * time.Millisecond)

	err := gate.Check(context.Background(), sampleRequest("k3"), nil, 0.9, time.Second)
	var rejected *approval.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "too risky", rejected.Reason)
}

func TestCheckTimeoutResolvesToRejection(t *testing.T) {
	manager := approval.NewManager()
	gate := approval.NewGate(manager, fixedScorer(0.2)).
		WithHeartbeatInterval(5 * time.Millisecond)

	err := gate.Check(context.Background(), sampleRequest("k4"), nil, 0.9, 30*time.Millisecond)
	var timeout *approval.TimeoutError
	require.ErrorAs(t, err, &timeout, "no decision must resolve to rejection, never approval")
}

type deadChannel struct {
	inner      *approval.Manager
	submits    atomic.Int64
	heartbeats atomic.Int64
}

func (c *deadChannel) Submit(ctx context.Context, req approval.Request) (string, error) {
	c.submits.Add(1)
	return c.inner.Submit(ctx, req)
}

func (c *deadChannel) AwaitDecision(ctx context.Context, id string, wait time.Duration) (approval.Decision, bool, error) {
	return c.inner.AwaitDecision(ctx, id, wait)
}

func (c *deadChannel) Heartbeat(ctx context.Context) bool {
	c.heartbeats.Add(1)
	return false
}

func TestCheckRestartsDeadChannel(t *testing.T) {
	channel := &deadChannel{inner: approval.NewManager()}
	gate := approval.NewGate(channel, fixedScorer(0.2)).
		WithHeartbeatInterval(5 * time.Millisecond)

	err := gate.Check(context.Background(), sampleRequest("k5"), nil, 0.9, 40*time.Millisecond)
	var timeout *approval.TimeoutError
	require.ErrorAs(t, err, &timeout)

	assert.Greater(t, channel.heartbeats.Load(), int64(0))
	assert.Greater(t, channel.submits.Load(), int64(1), "failed heartbeat must resubmit")
}

func TestManagerContentAddressedDedup(t *testing.T) {
	manager := approval.NewManager()
	ctx := context.Background()

	id1, err := manager.Submit(ctx, sampleRequest("same-key"))
	require.NoError(t, err)
	id2, err := manager.Submit(ctx, sampleRequest("same-key"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same content key shares the pending request")

	id3, err := manager.Submit(ctx, sampleRequest("other-key"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3, "distinct payloads never share an approval record")
}

func TestManagerDecisionAfterExpiryIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager := approval.NewManager().WithClock(func() time.Time { return now })

	req := sampleRequest("k6")
	req.ExpiresAt = now.Add(time.Minute)
	id, err := manager.Submit(context.Background(), req)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	err = manager.Approve(id, "reviewer-1")
	require.Error(t, err, "approval after expiry must not succeed")

	stored, ok := manager.Get(id)
	require.True(t, ok)
	assert.Equal(t, approval.StatusExpired, stored.Status)
}

func TestManagerSweepsResolvedRequests(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager := approval.NewManager().WithClock(func() time.Time { return now })
	ctx := context.Background()

	id, err := manager.Submit(ctx, sampleRequest("sweep-key"))
	require.NoError(t, err)
	require.NoError(t, manager.Approve(id, "reviewer-1"))

	decision, resolved, err := manager.AwaitDecision(ctx, id, time.Millisecond)
	require.NoError(t, err)
	require.True(t, resolved)
	require.Equal(t, approval.StatusApproved, decision.Status)

	// Inside the retention window the decision stays queryable.
	assert.True(t, manager.Heartbeat(ctx))
	_, ok := manager.Get(id)
	assert.True(t, ok, "recently resolved request stays queryable")

	now = now.Add(10 * time.Minute)
	assert.True(t, manager.Heartbeat(ctx))
	_, ok = manager.Get(id)
	assert.False(t, ok, "resolved request must be swept after retention")

	id2, err := manager.Submit(ctx, sampleRequest("sweep-key"))
	require.NoError(t, err)
	assert.NotEqual(t, id, id2, "swept key admits a fresh request")
}

func TestManagerSweepsUnobservedExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager := approval.NewManager().WithClock(func() time.Time { return now })

	req := sampleRequest("expiry-key")
	req.ExpiresAt = now.Add(time.Minute)
	id, err := manager.Submit(context.Background(), req)
	require.NoError(t, err)

	// Nobody ever polls or decides; the request expires silently.
	now = now.Add(time.Hour)
	require.True(t, manager.Heartbeat(context.Background()))

	_, ok := manager.Get(id)
	assert.False(t, ok, "expired request with no observers must be swept")
}

func TestManagerDoubleDecisionRejected(t *testing.T) {
	manager := approval.NewManager()
	id, err := manager.Submit(context.Background(), sampleRequest("k7"))
	require.NoError(t, err)

	require.NoError(t, manager.Approve(id, "reviewer-1"))
	assert.Error(t, manager.Reject(id, "reviewer-2", "late"), "a request resolves exactly once")
}
