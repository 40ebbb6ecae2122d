package kernel

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// snapshot returns an immutable deep copy of a payload or output. Gates and
// caller-supplied validators only ever see snapshots; the caller's live
// object cannot be mutated by the kernel and mutation of the snapshot by a
// gate is detectable by structural comparison.
func snapshot(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kernel: snapshot encode: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("kernel: snapshot decode: %w", err)
	}
	return out, nil
}
