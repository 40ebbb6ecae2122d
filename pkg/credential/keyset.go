package credential

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySource supplies the current public-key set, keyed by key id. External
// deployments back this with a JWKS endpoint; tests use StaticKeySource.
type KeySource interface {
	PublicKeys(ctx context.Context) (map[string]ed25519.PublicKey, error)
}

// StaticKeySource serves a fixed key set. It counts fetches so tests can
// assert the forced-refresh behavior.
type StaticKeySource struct {
	mu      sync.Mutex
	keys    map[string]ed25519.PublicKey
	fetches int
}

// NewStaticKeySource creates a source over the given keys.
func NewStaticKeySource(keys map[string]ed25519.PublicKey) *StaticKeySource {
	return &StaticKeySource{keys: keys}
}

// Replace swaps the served key set, simulating rotation.
func (s *StaticKeySource) Replace(keys map[string]ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
}

// Fetches returns how many times PublicKeys was called.
func (s *StaticKeySource) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *StaticKeySource) PublicKeys(ctx context.Context) (map[string]ed25519.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	out := make(map[string]ed25519.PublicKey, len(s.keys))
	for kid, key := range s.keys {
		out[kid] = key
	}
	return out, nil
}

// Verifier validates credential signatures against a cached public-key set.
// The cache refreshes on a bounded interval; a signature failure forces one
// immediate refresh and retry so key rotation never strands callers on stale
// keys indefinitely.
type Verifier struct {
	source          KeySource
	refreshInterval time.Duration

	mu        sync.Mutex
	keys      map[string]ed25519.PublicKey
	fetchedAt time.Time
}

// NewVerifier creates a verifier refreshing keys at most every
// refreshInterval.
func NewVerifier(source KeySource, refreshInterval time.Duration) *Verifier {
	return &Verifier{
		source:          source,
		refreshInterval: refreshInterval,
	}
}

// Verify parses and validates the credential, returning its claims.
func (v *Verifier) Verify(ctx context.Context, credential string, clock func() time.Time) (*Claims, error) {
	claims, err := v.parse(ctx, credential, clock, false)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, ErrInvalidSignature) {
		// Possible key rotation: refresh once and retry before denying.
		return v.parse(ctx, credential, clock, true)
	}
	return nil, err
}

func (v *Verifier) parse(ctx context.Context, credential string, clock func() time.Time, forceRefresh bool) (*Claims, error) {
	keys, err := v.currentKeys(ctx, clock(), forceRefresh)
	if err != nil {
		return nil, fmt.Errorf("%w: key set unavailable: %v", ErrInvalidSignature, err)
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}
		key, exists := keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key, nil
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}

func (v *Verifier) currentKeys(ctx context.Context, now time.Time, force bool) (map[string]ed25519.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stale := v.keys == nil || now.Sub(v.fetchedAt) >= v.refreshInterval
	if force || stale {
		keys, err := v.source.PublicKeys(ctx)
		if err != nil {
			if v.keys == nil {
				return nil, err
			}
			// Serve the cached set within its interval; it will be retried
			// on the next refresh boundary.
			return v.keys, nil
		}
		v.keys = keys
		v.fetchedAt = now
	}
	return v.keys, nil
}
