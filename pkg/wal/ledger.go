package wal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/invariantlabs/crossing/pkg/canonical"
)

const genesisHash = "genesis"

// Ledger is the in-process Sink: append-only, hash-chained, verifiable.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		headHash: genesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func contentHash(entry Entry) (string, error) {
	hashInput := map[string]any{
		"sequence":       entry.Sequence,
		"correlation_id": entry.CorrelationID,
		"tenant_id":      entry.TenantID,
		"agent_id":       entry.AgentID,
		"operation":      entry.Operation,
		"timestamp":      entry.Timestamp.UTC().Format(time.RFC3339Nano),
		"result":         string(entry.Result),
		"result_summary": entry.ResultSummary,
		"payload":        entry.Payload,
		"prev":           entry.PrevHash,
	}
	h, err := canonical.Hash(hashInput)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}

// Append stores the entry at the chain head.
func (l *Ledger) Append(ctx context.Context, entry Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Sequence = uint64(len(l.entries)) + 1
	entry.PrevHash = l.headHash
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock().UTC()
	}

	hash, err := contentHash(entry)
	if err != nil {
		return Entry{}, &WriteError{Operation: entry.Operation, Cause: err}
	}
	entry.ContentHash = hash

	l.entries = append(l.entries, entry)
	l.headHash = hash
	return entry, nil
}

// Entries returns a copy of all stored entries.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// VerifyChain recomputes every content hash and checks chain linkage.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for i, entry := range l.entries {
		if entry.PrevHash != prev {
			return fmt.Errorf("wal: entry %d prev-hash mismatch", i+1)
		}
		recomputed, err := contentHash(entry)
		if err != nil {
			return fmt.Errorf("wal: entry %d rehash: %w", i+1, err)
		}
		if recomputed != entry.ContentHash {
			return fmt.Errorf("wal: entry %d content-hash mismatch", i+1)
		}
		prev = entry.ContentHash
	}
	return nil
}
