package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/invariantlabs/crossing/pkg/registry"
)

// BoundaryManifest is the on-disk declaration of one boundary version.
type BoundaryManifest struct {
	ID      string `yaml:"id" json:"id"`
	Version int    `yaml:"version" json:"version"`

	Schema      SchemaConfig      `yaml:"schema" json:"schema"`
	Permissions PermissionsConfig `yaml:"permissions" json:"permissions"`
	Budget      BudgetConfig      `yaml:"budget" json:"budget"`
	Predicates  []PredicateConfig `yaml:"predicates,omitempty" json:"predicates,omitempty"`
	Profile     ProfileConfig     `yaml:"profile" json:"profile"`
}

// SchemaConfig holds the inbound payload schema.
type SchemaConfig struct {
	Document string `yaml:"document" json:"document"`
	MaxDepth int    `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
}

// PermissionsConfig lists required permissions.
type PermissionsConfig struct {
	Required []string `yaml:"required" json:"required"`
}

// BudgetConfig declares the per-crossing resource draw.
type BudgetConfig struct {
	ResourceType string `yaml:"resource_type" json:"resource_type"`
	Limit        int64  `yaml:"limit" json:"limit"`
	Cost         int64  `yaml:"cost" json:"cost"`
}

// PredicateConfig declares one output predicate.
type PredicateConfig struct {
	ID        string `yaml:"id" json:"id"`
	Expr      string `yaml:"expr" json:"expr"`
	Severity  int    `yaml:"severity" json:"severity"`
	TimeoutMs int    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// ProfileConfig carries boundary-level kernel settings.
type ProfileConfig struct {
	RiskClass           string  `yaml:"risk_class" json:"risk_class"` // "STANDARD" | "HIGH"
	ConfidenceThreshold float64 `yaml:"confidence_threshold,omitempty" json:"confidence_threshold,omitempty"`
	ApprovalTimeoutMs   int     `yaml:"approval_timeout_ms,omitempty" json:"approval_timeout_ms,omitempty"`
	DedupWindowMs       int     `yaml:"dedup_window_ms,omitempty" json:"dedup_window_ms,omitempty"`
}

// LoadBoundary loads a boundary manifest YAML by boundary id.
// It searches the manifests directory for boundary_<id>.yaml.
func LoadBoundary(dir, id string) (*BoundaryManifest, error) {
	path := filepath.Join(dir, fmt.Sprintf("boundary_%s.yaml", strings.ToLower(id)))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load boundary %q: %w", id, err)
	}

	var manifest BoundaryManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse boundary %q: %w", id, err)
	}

	if manifest.ID == "" {
		manifest.ID = id
	}

	return &manifest, nil
}

// LoadAllBoundaries loads every boundary_*.yaml manifest from the directory.
func LoadAllBoundaries(dir string) ([]*BoundaryManifest, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "boundary_*.yaml"))
	if err != nil {
		return nil, err
	}

	manifests := make([]*BoundaryManifest, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var manifest BoundaryManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if manifest.ID == "" {
			// Extract id from filename: boundary_payments.yaml -> payments
			base := filepath.Base(path)
			manifest.ID = strings.TrimSuffix(strings.TrimPrefix(base, "boundary_"), ".yaml")
		}

		manifests = append(manifests, &manifest)
	}

	return manifests, nil
}

// Boundary converts the manifest into registry entries.
func (m *BoundaryManifest) Boundary() registry.Boundary {
	version := m.Version
	if version == 0 {
		version = 1
	}

	predicates := make([]registry.Predicate, 0, len(m.Predicates))
	for _, p := range m.Predicates {
		predicates = append(predicates, registry.Predicate{
			ID:       p.ID,
			Expr:     p.Expr,
			Severity: p.Severity,
			Timeout:  time.Duration(p.TimeoutMs) * time.Millisecond,
		})
	}

	riskClass := registry.RiskClassStandard
	if strings.EqualFold(m.Profile.RiskClass, string(registry.RiskClassHigh)) {
		riskClass = registry.RiskClassHigh
	}

	return registry.Boundary{
		ID:      m.ID,
		Version: version,
		Schema: registry.SchemaEntry{
			Document: m.Schema.Document,
			MaxDepth: m.Schema.MaxDepth,
		},
		Permissions: registry.PermissionEntry{Required: m.Permissions.Required},
		Budget: registry.BudgetEntry{
			ResourceType: m.Budget.ResourceType,
			Limit:        m.Budget.Limit,
			Cost:         m.Budget.Cost,
		},
		Predicates: registry.PredicateEntry{Predicates: predicates},
		Profile: registry.ProfileEntry{
			RiskClass:           riskClass,
			ConfidenceThreshold: m.Profile.ConfidenceThreshold,
			ApprovalTimeout:     time.Duration(m.Profile.ApprovalTimeoutMs) * time.Millisecond,
			DedupWindow:         time.Duration(m.Profile.DedupWindowMs) * time.Millisecond,
		},
	}
}

// RegisterAll loads every manifest in the directory into the registry set.
func RegisterAll(set *registry.Set, dir string) error {
	manifests, err := LoadAllBoundaries(dir)
	if err != nil {
		return err
	}
	for _, m := range manifests {
		if err := set.RegisterBoundary(m.Boundary()); err != nil {
			return fmt.Errorf("register boundary %q: %w", m.ID, err)
		}
	}
	return nil
}
