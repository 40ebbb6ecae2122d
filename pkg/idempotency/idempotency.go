// Package idempotency implements duplicate-submission detection. Keys are
// derived from the canonical form of the validated payload together with the
// boundary id and tenant, so logically identical retries (including
// Unicode-equivalent but byte-different payloads) always collide and distinct
// payloads never share a key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/invariantlabs/crossing/pkg/canonical"
)

// Record is the stored outcome of a prior crossing, replayed to duplicates
// instead of re-executing the operation's side effects.
type Record struct {
	Status   string         `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	StoredAt time.Time      `json:"stored_at"`
}

// DuplicateError reports a key reuse within the dedup window. It is the
// alternate success path, not a failure: Cached carries the prior result.
type DuplicateError struct {
	Key    string
	Cached Record
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("idempotency: duplicate request %s (cached status %s)", e.Key, e.Cached.Status)
}

// DeriveKey computes the deterministic idempotency key. The correlation id is
// deliberately excluded: a retry arrives with a fresh correlation id and must
// still collide with the original submission.
func DeriveKey(boundaryID, tenantID string, payload map[string]any) (string, error) {
	canonicalBytes, err := canonical.Bytes(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(canonical.ProfileID))
	h.Write([]byte{0})
	h.Write([]byte(boundaryID))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write(canonicalBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Store persists records for the dedup window.
type Store interface {
	// Lookup returns the record for key when one exists inside the window.
	Lookup(ctx context.Context, key string) (Record, bool, error)
	// Save stores the record for key, retained for at least window.
	Save(ctx context.Context, key string, record Record, window time.Duration) error
}

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore is the in-process store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic window testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Record{}, false, nil
	}
	if s.clock().After(entry.expiresAt) {
		delete(s.entries, key)
		return Record{}, false, nil
	}
	return entry.record, true, nil
}

func (s *MemoryStore) Save(ctx context.Context, key string, record Record, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{record: record, expiresAt: s.clock().Add(window)}
	return nil
}
