package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitDecisionTimeoutReleasesWaiter(t *testing.T) {
	manager := NewManager()
	id, err := manager.Submit(context.Background(), Request{Key: "w1", BoundaryID: "payments.charge"})
	require.NoError(t, err)

	// Poll repeatedly without a decision, as the gate does between
	// heartbeats. Each timed-out poll must release its channel.
	for i := 0; i < 5; i++ {
		_, resolved, err := manager.AwaitDecision(context.Background(), id, time.Millisecond)
		require.NoError(t, err)
		require.False(t, resolved)
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	assert.Empty(t, manager.waiters[id], "timed-out polls must not accumulate waiter channels")
}

func TestAwaitDecisionCancellationReleasesWaiter(t *testing.T) {
	manager := NewManager()
	id, err := manager.Submit(context.Background(), Request{Key: "w2", BoundaryID: "payments.charge"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = manager.AwaitDecision(ctx, id, time.Hour)
	require.Error(t, err)

	manager.mu.Lock()
	defer manager.mu.Unlock()
	assert.Empty(t, manager.waiters[id], "cancelled wait must not leave a waiter channel")
}
