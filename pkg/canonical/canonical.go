// Package canonical provides deterministic serialization of boundary payloads:
// Unicode NFC normalization of every string followed by RFC 8785 (JCS)
// canonical JSON. Two logically identical payloads always canonicalize to the
// same byte sequence regardless of map insertion order, encoding form, or
// locale.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ProfileID identifies the canonicalization profile, recorded alongside
// derived keys so a future profile change cannot silently alias old keys.
const ProfileID = "nfc-v1+jcs-v1"

// Error reports a value that cannot be canonicalized.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("canonical: %s at %q", e.Reason, e.Path)
}

// Bytes returns the canonical byte form of v.
//
// The value is marshalled to intermediate JSON (respecting struct tags),
// re-decoded with number preservation, NFC-normalized, and finally run
// through the JCS transform for key ordering and number formatting.
func Bytes(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Path: "", Reason: fmt.Sprintf("pre-marshal failed: %v", err)}
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &Error{Path: "", Reason: fmt.Sprintf("intermediate decode failed: %v", err)}
	}

	normalized, err := normalize(generic, "")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, &Error{Path: "", Reason: fmt.Sprintf("encode failed: %v", err)}
	}

	canonical, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, &Error{Path: "", Reason: fmt.Sprintf("jcs transform failed: %v", err)}
	}
	return canonical, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalize recursively applies NFC normalization to every string (keys and
// values) in a decoded JSON value.
func normalize(v any, path string) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case json.Number:
		return val, nil
	case string:
		return norm.NFC.String(val), nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := normalize(elem, fmt.Sprintf("%s/%d", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, &Error{Path: path + "/" + k, Reason: "NFC normalization collides with sibling key"}
			}
			n, err := normalize(elem, path+"/"+k)
			if err != nil {
				return nil, err
			}
			out[nk] = n
		}
		return out, nil
	default:
		return nil, &Error{Path: path, Reason: fmt.Sprintf("unsupported type %s", reflect.TypeOf(v))}
	}
}
