package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invariantlabs/crossing/pkg/registry"
)

const sampleManifest = `
id: payments.transfer
version: 2
schema:
  max_depth: 8
  document: |
    {"type": "object", "required": ["amount"]}
permissions:
  required: [payments:write]
budget:
  resource_type: transfer
  limit: 100
  cost: 1
predicates:
  - id: status-ok
    expr: output.status == "ok"
    severity: 1
    timeout_ms: 2000
profile:
  risk_class: HIGH
  confidence_threshold: 0.9
  approval_timeout_ms: 60000
  dedup_window_ms: 3600000
`

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadBoundary(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "boundary_payments.transfer.yaml", sampleManifest)

	m, err := LoadBoundary(dir, "payments.transfer")
	require.NoError(t, err)

	b := m.Boundary()
	assert.Equal(t, "payments.transfer", b.ID)
	assert.Equal(t, 2, b.Version)
	assert.Equal(t, 8, b.Schema.MaxDepth)
	assert.Equal(t, []string{"payments:write"}, b.Permissions.Required)
	assert.Equal(t, int64(100), b.Budget.Limit)
	require.Len(t, b.Predicates.Predicates, 1)
	assert.Equal(t, 2*time.Second, b.Predicates.Predicates[0].Timeout)
	assert.Equal(t, registry.RiskClassHigh, b.Profile.RiskClass)
	assert.Equal(t, time.Minute, b.Profile.ApprovalTimeout)
	assert.Equal(t, time.Hour, b.Profile.DedupWindow)
}

func TestLoadBoundaryMissing(t *testing.T) {
	_, err := LoadBoundary(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestLoadAllBoundariesFillsIDFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "boundary_refunds.yaml", `
version: 1
schema:
  document: '{"type": "object"}'
budget:
  resource_type: refund
  limit: 10
  cost: 1
profile:
  risk_class: STANDARD
`)

	manifests, err := LoadAllBoundaries(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "refunds", manifests[0].ID)
	assert.Equal(t, registry.RiskClassStandard, manifests[0].Boundary().Profile.RiskClass)
}

func TestRegisterAll(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "boundary_payments.transfer.yaml", sampleManifest)

	set := registry.NewSet()
	require.NoError(t, RegisterAll(set, dir))

	profile, version, err := set.Profiles.Latest("payments.transfer")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, registry.RiskClassHigh, profile.RiskClass)

	// Registering the same manifests twice conflicts on the version.
	assert.Error(t, RegisterAll(set, dir))
}

func TestRegisterAllBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "boundary_bad.yaml", "{not yaml::::")

	assert.Error(t, RegisterAll(registry.NewSet(), dir))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("BOUNDARY_DIR", "")
	t.Setenv("DATABASE_URL", "")

	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "boundaries", cfg.BoundaryDir)
	assert.Empty(t, cfg.DatabaseURL)

	t.Setenv("DATABASE_URL", "postgres://crossing@localhost:5432/crossing")
	t.Setenv("WAL_PATH", "audit.db")
	cfg = Load()
	assert.Equal(t, "postgres://crossing@localhost:5432/crossing", cfg.DatabaseURL)
	assert.Equal(t, "audit.db", cfg.WALPath)
}
