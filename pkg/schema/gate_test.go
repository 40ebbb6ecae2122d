package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invariantlabs/crossing/pkg/registry"
	"github.com/invariantlabs/crossing/pkg/schema"
)

const chargeSchema = `{
	"type": "object",
	"properties": {
		"amount": {"type": "integer", "minimum": 1},
		"card_number": {"type": "string", "x-redact": true},
		"memo": {"type": "string"}
	},
	"required": ["amount"],
	"additionalProperties": false
}`

func newGate(t *testing.T, maxDepth int) *schema.Gate {
	t.Helper()
	schemas := registry.NewTable[registry.SchemaEntry]()
	require.NoError(t, schemas.Register("payments.charge", 1, registry.SchemaEntry{
		Document: chargeSchema,
		MaxDepth: maxDepth,
	}))
	return schema.NewGate(schemas)
}

func TestValidateAccepts(t *testing.T) {
	gate := newGate(t, 10)

	err := gate.Validate("payments.charge", 1, map[string]any{"amount": 100})
	assert.NoError(t, err)
}

func TestValidateRejectsWithPath(t *testing.T) {
	gate := newGate(t, 10)

	err := gate.Validate("payments.charge", 1, map[string]any{"amount": "many"})
	require.Error(t, err)

	var violation *schema.Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "payments.charge", violation.BoundaryID)
	assert.Equal(t, "/amount", violation.Path)
}

func TestValidateMissingRequired(t *testing.T) {
	gate := newGate(t, 10)

	err := gate.Validate("payments.charge", 1, map[string]any{"memo": "tip"})
	var violation *schema.Violation
	require.ErrorAs(t, err, &violation)
}

func TestDepthCeilingRejectsBeforeValidation(t *testing.T) {
	gate := newGate(t, 10)

	// 50 levels of nesting against max_depth=10. The payload never reaches
	// the underlying validator (it would fail additionalProperties anyway,
	// but the error must be the ceiling, not a schema violation path).
	payload := map[string]any{"amount": 1}
	leaf := payload
	for i := 0; i < 50; i++ {
		next := map[string]any{}
		leaf["nested"] = next
		leaf = next
	}

	err := gate.Validate("payments.charge", 1, payload)
	var violation *schema.Violation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "max depth 10")
}

func TestValidateUnknownBoundary(t *testing.T) {
	gate := newGate(t, 10)

	err := gate.Validate("unknown.boundary", 1, map[string]any{})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRedactFieldsDerivedFromSchema(t *testing.T) {
	gate := newGate(t, 10)

	fields, err := gate.RedactFields("payments.charge", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"/card_number"}, fields)
}

func TestRedactFieldsNested(t *testing.T) {
	schemas := registry.NewTable[registry.SchemaEntry]()
	require.NoError(t, schemas.Register("users.update", 1, registry.SchemaEntry{
		Document: `{
			"type": "object",
			"properties": {
				"profile": {
					"type": "object",
					"properties": {
						"ssn": {"type": "string", "x-redact": true},
						"name": {"type": "string"}
					}
				}
			}
		}`,
		MaxDepth: 10,
	}))
	gate := schema.NewGate(schemas)

	fields, err := gate.RedactFields("users.update", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"/profile/ssn"}, fields)
}
