// Package registry provides the versioned lookup tables the kernel consults
// on every crossing: schemas, required permissions, budgets, output
// predicates, and per-boundary profiles.
//
// Entries are keyed by (boundary, version) and immutable once registered;
// re-registering an existing key is a conflict error, never a silent
// overwrite. Versions are superseded, not edited, so in-flight crossings
// never observe an entry changing underneath them.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotFound indicates no entry exists for the requested key.
	ErrNotFound = errors.New("registry: entry not found")
	// ErrConflict indicates the (boundary, version) key is already registered.
	ErrConflict = errors.New("registry: entry already registered")
)

// Key identifies one immutable registry entry.
type Key struct {
	Boundary string
	Version  int
}

// Table is a thread-safe, append-mostly map of immutable entries.
type Table[T any] struct {
	mu      sync.RWMutex
	entries map[Key]T
	latest  map[string]int
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		entries: make(map[Key]T),
		latest:  make(map[string]int),
	}
}

// Register stores an entry under (boundary, version). Registering an existing
// key returns ErrConflict.
func (t *Table[T]) Register(boundary string, version int, entry T) error {
	if boundary == "" {
		return fmt.Errorf("registry: empty boundary id")
	}
	if version < 1 {
		return fmt.Errorf("registry: version must be >= 1, got %d", version)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key{Boundary: boundary, Version: version}
	if _, exists := t.entries[key]; exists {
		return fmt.Errorf("%w: %s v%d", ErrConflict, boundary, version)
	}
	t.entries[key] = entry
	if version > t.latest[boundary] {
		t.latest[boundary] = version
	}
	return nil
}

// Get returns the entry for (boundary, version).
func (t *Table[T]) Get(boundary string, version int) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[Key{Boundary: boundary, Version: version}]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s v%d", ErrNotFound, boundary, version)
	}
	return entry, nil
}

// Latest returns the highest-versioned entry for boundary and its version.
func (t *Table[T]) Latest(boundary string) (T, int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	version, ok := t.latest[boundary]
	if !ok {
		var zero T
		return zero, 0, fmt.Errorf("%w: %s", ErrNotFound, boundary)
	}
	return t.entries[Key{Boundary: boundary, Version: version}], version, nil
}

// RiskClass classifies a boundary for gate planning.
type RiskClass string

const (
	// RiskClassStandard runs human approval (if triggered) after execution.
	RiskClassStandard RiskClass = "STANDARD"
	// RiskClassHigh gates execution on human approval.
	RiskClassHigh RiskClass = "HIGH"
)

// SchemaEntry declares the inbound payload schema for a boundary.
type SchemaEntry struct {
	// Document is the raw JSON Schema (draft 2020-12).
	Document string
	// MaxDepth is the nesting ceiling checked before deep validation.
	MaxDepth int
}

// PermissionEntry declares the permissions a crossing of the boundary requires.
type PermissionEntry struct {
	Required []string
}

// BudgetEntry declares the resource budget one crossing draws against.
type BudgetEntry struct {
	ResourceType string
	// Limit bounds total consumption per (tenant, resource) in the window.
	Limit int64
	// Cost is the amount one crossing reserves.
	Cost int64
}

// Predicate is one output predicate, evaluated in ascending severity order.
type Predicate struct {
	ID       string
	Expr     string
	Severity int
	Timeout  time.Duration
}

// PredicateEntry declares the output predicate set for a boundary.
type PredicateEntry struct {
	Predicates []Predicate
}

// ProfileEntry carries per-boundary kernel configuration.
type ProfileEntry struct {
	RiskClass           RiskClass
	ConfidenceThreshold float64
	ApprovalTimeout     time.Duration
	DedupWindow         time.Duration
}

// Set bundles the registries the kernel is constructed with. It is built once
// at startup and shared by reference; there is no ambient global instance.
type Set struct {
	Schemas     *Table[SchemaEntry]
	Permissions *Table[PermissionEntry]
	Budgets     *Table[BudgetEntry]
	Predicates  *Table[PredicateEntry]
	Profiles    *Table[ProfileEntry]
}

// NewSet creates an empty registry set.
func NewSet() *Set {
	return &Set{
		Schemas:     NewTable[SchemaEntry](),
		Permissions: NewTable[PermissionEntry](),
		Budgets:     NewTable[BudgetEntry](),
		Predicates:  NewTable[PredicateEntry](),
		Profiles:    NewTable[ProfileEntry](),
	}
}

// Boundary declares everything one boundary registers across the set.
type Boundary struct {
	ID      string
	Version int

	Schema      SchemaEntry
	Permissions PermissionEntry
	Budget      BudgetEntry
	Predicates  PredicateEntry
	Profile     ProfileEntry
}

// RegisterBoundary registers one boundary's entries across all tables. The
// first conflicting table aborts the registration; earlier tables keep their
// entries (versions are append-only, so a partial registration is repaired by
// registering the next version, never by mutation).
func (s *Set) RegisterBoundary(b Boundary) error {
	if err := s.Schemas.Register(b.ID, b.Version, b.Schema); err != nil {
		return err
	}
	if err := s.Permissions.Register(b.ID, b.Version, b.Permissions); err != nil {
		return err
	}
	if err := s.Budgets.Register(b.ID, b.Version, b.Budget); err != nil {
		return err
	}
	if err := s.Predicates.Register(b.ID, b.Version, b.Predicates); err != nil {
		return err
	}
	return s.Profiles.Register(b.ID, b.Version, b.Profile)
}
