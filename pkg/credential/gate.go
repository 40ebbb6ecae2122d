// Package credential implements the permission gate: signed-credential
// verification against a rotating public-key set, revocation checking, and
// granted-versus-required permission comparison.
//
// The gate fails closed: an unreachable revocation cache, an unknown key id,
// or any ambiguity in the credential denies the crossing.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidSignature indicates the credential's signature did not verify
	// against the current public-key set.
	ErrInvalidSignature = errors.New("credential: invalid signature")
	// ErrExpired indicates the credential's validity window has passed.
	ErrExpired = errors.New("credential: expired")
	// ErrRevoked indicates the credential's token id is revoked.
	ErrRevoked = errors.New("credential: revoked")
)

// InsufficientPermissionError reports required permissions the credential
// does not grant.
type InsufficientPermissionError struct {
	Missing []string
}

func (e *InsufficientPermissionError) Error() string {
	return fmt.Sprintf("credential: missing permissions %v", e.Missing)
}

// RevocationUnavailableError reports that the revocation cache could not be
// consulted. The gate treats it as a denial.
type RevocationUnavailableError struct {
	Cause error
}

func (e *RevocationUnavailableError) Error() string {
	return fmt.Sprintf("credential: revocation check unavailable (denied): %v", e.Cause)
}

func (e *RevocationUnavailableError) Unwrap() error { return e.Cause }

// Claims are the signed claims a caller presents at the boundary.
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string   `json:"tenant_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Identity is the verified caller identity handed to the rest of the kernel.
type Identity struct {
	AgentID     string
	TenantID    string
	TokenID     string
	Roles       []string
	Permissions []string
}

// Gate verifies credentials and enforces granted ⊇ required.
type Gate struct {
	verifier    *Verifier
	revocations RevocationCache
	clock       func() time.Time
}

// NewGate creates a gate over the verifier and revocation cache.
func NewGate(verifier *Verifier, revocations RevocationCache) *Gate {
	return &Gate{
		verifier:    verifier,
		revocations: revocations,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic expiry testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Check verifies the credential and the required permission set, returning
// the verified identity on success.
func (g *Gate) Check(ctx context.Context, credential string, required []string) (*Identity, error) {
	claims, err := g.verifier.Verify(ctx, credential, g.clock)
	if err != nil {
		return nil, err
	}

	revoked, err := g.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, &RevocationUnavailableError{Cause: err}
	}
	if revoked {
		return nil, fmt.Errorf("%w: token %s", ErrRevoked, claims.ID)
	}

	granted := make(map[string]bool, len(claims.Permissions))
	for _, p := range claims.Permissions {
		granted[p] = true
	}
	var missing []string
	for _, p := range required {
		if !granted[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &InsufficientPermissionError{Missing: missing}
	}

	return &Identity{
		AgentID:     claims.Subject,
		TenantID:    claims.TenantID,
		TokenID:     claims.ID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}
