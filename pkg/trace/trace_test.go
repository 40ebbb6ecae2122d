package trace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invariantlabs/crossing/pkg/trace"
)

func TestBindFreezesIdentity(t *testing.T) {
	var binding trace.Binding

	id, err := trace.Bind(context.Background(), &binding, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", id.TenantID)
	assert.NotEmpty(t, id.CorrelationID)

	_, err = trace.Bind(context.Background(), &binding, "tenant-b")
	var frozen *trace.FrozenError
	require.ErrorAs(t, err, &frozen)

	// Original identity untouched.
	got, bound := binding.Identity()
	require.True(t, bound)
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, id.CorrelationID, got.CorrelationID)
}

func TestBindInheritsCorrelationID(t *testing.T) {
	upstream := trace.Identity{TenantID: "tenant-a", CorrelationID: "corr-123"}
	ctx := trace.NewContext(context.Background(), upstream)

	var binding trace.Binding
	id, err := trace.Bind(ctx, &binding, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "corr-123", id.CorrelationID)
}

func TestBindRejectsEmptyTenant(t *testing.T) {
	var binding trace.Binding
	_, err := trace.Bind(context.Background(), &binding, "")
	assert.Error(t, err)

	// A rejected bind does not freeze the binding.
	_, err = trace.Bind(context.Background(), &binding, "tenant-a")
	assert.NoError(t, err)
}

func TestFromContextRequiresExplicitPropagation(t *testing.T) {
	_, ok := trace.FromContext(context.Background())
	assert.False(t, ok, "identity is never ambient")
}

func TestSpawnCarriesIdentityExplicitly(t *testing.T) {
	id := trace.Identity{TenantID: "tenant-a", CorrelationID: "corr-9"}

	var got trace.Identity
	var ok bool
	done := trace.Spawn(context.Background(), id, func(ctx context.Context) {
		got, ok = trace.FromContext(ctx)
	})
	<-done

	require.True(t, ok)
	assert.Equal(t, id, got)
}
