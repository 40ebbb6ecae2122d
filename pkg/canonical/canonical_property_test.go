//go:build property
// +build property

package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"golang.org/x/text/unicode/norm"

	"github.com/invariantlabs/crossing/pkg/canonical"
)

// TestCanonicalDeterminism verifies Bytes(obj) == Bytes(obj) for generated maps.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			b1, err1 := canonical.Bytes(obj)
			b2, err2 := canonical.Bytes(obj)
			if err1 != nil || err2 != nil {
				return (err1 != nil) == (err2 != nil)
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalNFCRoundTrip verifies the NFC round-trip law: hashing any
// string value equals hashing its NFC form.
func TestCanonicalNFCRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Hash(s) == Hash(NFC(s))", prop.ForAll(
		func(s string) bool {
			h1, err1 := canonical.Hash(map[string]any{"v": s})
			h2, err2 := canonical.Hash(map[string]any{"v": norm.NFC.String(s)})
			if err1 != nil || err2 != nil {
				return (err1 != nil) == (err2 != nil)
			}
			return h1 == h2
		},
		gen.UnicodeString(),
	))

	properties.TestingRun(t)
}
