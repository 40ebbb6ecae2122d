// Package schema implements the inbound payload validation gate. Payloads are
// checked against the boundary's registered JSON Schema (draft 2020-12) after
// a constant-cost nesting-depth ceiling check, so adversarial deeply-nested
// input is rejected before any deep traversal begins.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/invariantlabs/crossing/pkg/canonical"
	"github.com/invariantlabs/crossing/pkg/registry"
)

// Violation reports a payload that failed validation.
type Violation struct {
	BoundaryID string
	Path       string
	Reason     string
}

func (e *Violation) Error() string {
	return fmt.Sprintf("schema: boundary %s violated at %q: %s", e.BoundaryID, e.Path, e.Reason)
}

// MutationError reports a validator that mutated its input. This is a
// programming defect in the validator, not a payload problem.
type MutationError struct {
	BoundaryID string
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("schema: validator mutated payload for boundary %s", e.BoundaryID)
}

type compiled struct {
	schema   *jsonschema.Schema
	maxDepth int
	redact   []string
}

// Gate validates payload snapshots against registered schemas. Compiled
// schemas are cached per (boundary, version); registry entries are immutable
// so cached compilations never go stale.
type Gate struct {
	schemas *registry.Table[registry.SchemaEntry]

	mu       sync.Mutex
	compiled map[registry.Key]*compiled
}

// NewGate creates a gate over the schema registry.
func NewGate(schemas *registry.Table[registry.SchemaEntry]) *Gate {
	return &Gate{
		schemas:  schemas,
		compiled: make(map[registry.Key]*compiled),
	}
}

// Validate checks payload against the schema registered for
// (boundaryID, version). The payload must be the kernel's immutable snapshot;
// any mutation by the underlying validator is detected and returned as
// *MutationError.
func (g *Gate) Validate(boundaryID string, version int, payload map[string]any) error {
	c, err := g.compile(boundaryID, version)
	if err != nil {
		return err
	}

	// Ceiling check first: constant in payload size beyond the ceiling.
	if exceeded := depthExceeds(payload, c.maxDepth); exceeded {
		return &Violation{
			BoundaryID: boundaryID,
			Path:       "",
			Reason:     fmt.Sprintf("nesting exceeds max depth %d", c.maxDepth),
		}
	}

	before, err := canonical.Hash(payload)
	if err != nil {
		return &Violation{BoundaryID: boundaryID, Path: "", Reason: fmt.Sprintf("payload not canonicalizable: %v", err)}
	}

	if err := c.schema.Validate(payload); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			leaf := leafCause(verr)
			return &Violation{
				BoundaryID: boundaryID,
				Path:       leaf.InstanceLocation,
				Reason:     leaf.Message,
			}
		}
		return &Violation{BoundaryID: boundaryID, Path: "", Reason: err.Error()}
	}

	after, err := canonical.Hash(payload)
	if err != nil || after != before {
		return &MutationError{BoundaryID: boundaryID}
	}
	return nil
}

// RedactFields returns the JSON pointer paths annotated `x-redact: true` in
// the boundary's schema. Every annotated field is redaction-covered by
// construction; there is no separately maintained pattern list.
func (g *Gate) RedactFields(boundaryID string, version int) ([]string, error) {
	c, err := g.compile(boundaryID, version)
	if err != nil {
		return nil, err
	}
	return c.redact, nil
}

func (g *Gate) compile(boundaryID string, version int) (*compiled, error) {
	key := registry.Key{Boundary: boundaryID, Version: version}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.compiled[key]; ok {
		return c, nil
	}

	entry, err := g.schemas.Get(boundaryID, version)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://crossing.schemas.local/%s/v%d.schema.json", boundaryID, version)
	if err := compiler.AddResource(url, strings.NewReader(entry.Document)); err != nil {
		return nil, fmt.Errorf("schema: load %s v%d: %w", boundaryID, version, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s v%d: %w", boundaryID, version, err)
	}

	maxDepth := entry.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 32
	}

	redact, err := collectRedactFields(entry.Document)
	if err != nil {
		return nil, fmt.Errorf("schema: redaction scan %s v%d: %w", boundaryID, version, err)
	}

	c := &compiled{schema: sch, maxDepth: maxDepth, redact: redact}
	g.compiled[key] = c
	return c, nil
}

// depthExceeds walks v only until limit is crossed, so its cost is bounded by
// the ceiling rather than the payload.
func depthExceeds(v any, limit int) bool {
	if limit <= 0 {
		return v != nil
	}
	switch val := v.(type) {
	case map[string]any:
		for _, elem := range val {
			if depthExceeds(elem, limit-1) {
				return true
			}
		}
	case []any:
		for _, elem := range val {
			if depthExceeds(elem, limit-1) {
				return true
			}
		}
	}
	return false
}

// leafCause descends to the most specific validation cause.
func leafCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err
}

// collectRedactFields walks the raw schema document gathering JSON pointers
// of properties annotated `x-redact: true`.
func collectRedactFields(document string) ([]string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(document), &doc); err != nil {
		return nil, err
	}
	var fields []string
	walkRedact(doc, "", &fields)
	sort.Strings(fields)
	return fields, nil
}

func walkRedact(node map[string]any, pointer string, out *[]string) {
	if flag, ok := node["x-redact"].(bool); ok && flag && pointer != "" {
		*out = append(*out, pointer)
	}
	props, ok := node["properties"].(map[string]any)
	if !ok {
		if items, ok := node["items"].(map[string]any); ok {
			walkRedact(items, pointer+"/-", out)
		}
		return
	}
	for name, sub := range props {
		if subSchema, ok := sub.(map[string]any); ok {
			walkRedact(subSchema, pointer+"/"+name, out)
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		walkRedact(items, pointer+"/-", out)
	}
}
