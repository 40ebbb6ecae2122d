package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists entries to a local SQLite database. The chain head is
// serialized under an in-process mutex; the table itself carries no UPDATE or
// DELETE path.
type SQLiteSink struct {
	db    *sql.DB
	clock func() time.Time

	mu       sync.Mutex
	sequence uint64
	headHash string
}

// NewSQLiteSink creates the sink and its table, recovering the chain head
// from existing rows.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db, clock: time.Now, headHash: genesisHash}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.loadHead(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteSink) WithClock(clock func() time.Time) *SQLiteSink {
	s.clock = clock
	return s
}

func (s *SQLiteSink) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS wal_entries (
		sequence        INTEGER PRIMARY KEY,
		correlation_id  TEXT NOT NULL,
		tenant_id       TEXT NOT NULL,
		agent_id        TEXT NOT NULL,
		operation       TEXT NOT NULL,
		timestamp       TEXT NOT NULL,
		result          TEXT NOT NULL,
		result_summary  TEXT NOT NULL,
		payload         JSON,
		content_hash    TEXT NOT NULL,
		prev_hash       TEXT NOT NULL
	)`)
	return err
}

func (s *SQLiteSink) loadHead() error {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT sequence, content_hash FROM wal_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	err := row.Scan(&seq, &head)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: load head: %w", err)
	}
	s.sequence = seq
	s.headHash = head
	return nil
}

func (s *SQLiteSink) Append(ctx context.Context, entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Sequence = s.sequence + 1
	entry.PrevHash = s.headHash
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock().UTC()
	}

	hash, err := contentHash(entry)
	if err != nil {
		return Entry{}, &WriteError{Operation: entry.Operation, Cause: err}
	}
	entry.ContentHash = hash

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return Entry{}, &WriteError{Operation: entry.Operation, Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wal_entries
			(sequence, correlation_id, tenant_id, agent_id, operation,
			 timestamp, result, result_summary, payload, content_hash, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sequence, entry.CorrelationID, entry.TenantID, entry.AgentID,
		entry.Operation, entry.Timestamp.Format(time.RFC3339Nano),
		string(entry.Result), entry.ResultSummary, string(payload),
		entry.ContentHash, entry.PrevHash)
	if err != nil {
		return Entry{}, &WriteError{Operation: entry.Operation, Cause: err}
	}

	s.sequence = entry.Sequence
	s.headHash = entry.ContentHash
	return entry, nil
}

// List returns up to limit entries in append order.
func (s *SQLiteSink) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, correlation_id, tenant_id, agent_id, operation,
		       timestamp, result, result_summary, payload, content_hash, prev_hash
		FROM wal_entries ORDER BY sequence ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, result, payload string
		if err := rows.Scan(&e.Sequence, &e.CorrelationID, &e.TenantID, &e.AgentID,
			&e.Operation, &ts, &result, &e.ResultSummary, &payload,
			&e.ContentHash, &e.PrevHash); err != nil {
			return nil, err
		}
		e.Result = Result(result)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("wal: parse timestamp: %w", err)
		}
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("wal: decode payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
