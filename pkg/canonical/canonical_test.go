package canonical_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invariantlabs/crossing/pkg/canonical"
)

func TestBytesKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": true, "x": false}}
	b := map[string]any{"c": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}

	ba, err := canonical.Bytes(a)
	require.NoError(t, err)
	bb, err := canonical.Bytes(b)
	require.NoError(t, err)

	assert.Equal(t, ba, bb)
}

func TestHashUnicodeEquivalence(t *testing.T) {
	// "café" composed vs decomposed (e + combining acute accent).
	composed := map[string]any{"name": "café"}
	decomposed := map[string]any{"name": "café"}

	h1, err := canonical.Hash(composed)
	require.NoError(t, err)
	h2, err := canonical.Hash(decomposed)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "NFC-equivalent strings must hash identically")
}

func TestHashUnicodeEquivalentKeys(t *testing.T) {
	h1, err := canonical.Hash(map[string]any{"café": 1})
	require.NoError(t, err)
	h2, err := canonical.Hash(map[string]any{"café": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestBytesDistinctPayloadsDiffer(t *testing.T) {
	h1, err := canonical.Hash(map[string]any{"amount": 100})
	require.NoError(t, err)
	h2, err := canonical.Hash(map[string]any{"amount": 101})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestBytesWhitespaceIndependence(t *testing.T) {
	// {"amount": 100} and {"amount":100} decode to the same value; the
	// canonical form must be identical.
	h1, err := canonical.Hash(map[string]any{"amount": 100})
	require.NoError(t, err)
	h2, err := canonical.Hash(map[string]any{"amount": 100.0})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "100 and 100.0 are the same JSON number")
}

func TestBytesNoHTMLEscaping(t *testing.T) {
	b, err := canonical.Bytes(map[string]any{"html": "<a>&</a>"})
	require.NoError(t, err)
	assert.Contains(t, string(b), "<a>&</a>")
}

func TestNormalizationKeyCollision(t *testing.T) {
	_, err := canonical.Bytes(map[string]any{"café": 1, "café": 2})
	require.Error(t, err)
	var cerr *canonical.Error
	assert.ErrorAs(t, err, &cerr)
}

func TestBytesNilAndScalars(t *testing.T) {
	b, err := canonical.Bytes(map[string]any{"n": nil, "b": true, "s": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":true,"n":null,"s":"x"}`, string(b))
}
