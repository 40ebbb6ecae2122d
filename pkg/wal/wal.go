// Package wal implements the durability gate: an append-only, hash-chained
// audit log with exactly one entry per crossing that reaches the exit path.
// Entries are never updated or deleted here; retention and archival belong to
// external collaborators.
package wal

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Result classifies the crossing outcome recorded in an entry.
type Result string

const (
	ResultCommitted Result = "committed"
	ResultBlocked   Result = "blocked"
	ResultFaulted   Result = "faulted"
)

// Entry is one append-only audit record.
type Entry struct {
	Sequence      uint64         `json:"sequence"`
	CorrelationID string         `json:"correlation_id"`
	TenantID      string         `json:"tenant_id"`
	AgentID       string         `json:"agent_id"`
	Operation     string         `json:"operation"`
	Timestamp     time.Time      `json:"timestamp"`
	Result        Result         `json:"result"`
	ResultSummary string         `json:"result_summary"`
	Payload       map[string]any `json:"redacted_payload"`
	ContentHash   string         `json:"content_hash"`
	PrevHash      string         `json:"prev_hash"`
}

// WriteError reports a failed append. It is fatal to the crossing: an
// operation that cannot be durably recorded must never report success.
type WriteError struct {
	Operation string
	Cause     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("wal: append failed for %s: %v", e.Operation, e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// Sink persists entries. Append assigns sequence and chain hashes and returns
// the stored entry.
type Sink interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
}

// RedactedPlaceholder replaces redacted values in stored payloads.
const RedactedPlaceholder = "[REDACTED]"

// Redact returns a deep copy of payload with every field named by the JSON
// pointers replaced by RedactedPlaceholder. Pointer segments of "-" address
// all elements of an array. Missing targets are ignored: a pointer derived
// from the schema may be absent from a particular payload.
func Redact(payload map[string]any, pointers []string) map[string]any {
	copied, ok := deepCopyValue(payload).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	for _, pointer := range pointers {
		segments := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
		redactAt(copied, segments)
	}
	return copied
}

func redactAt(node any, segments []string) {
	if len(segments) == 0 {
		return
	}
	head, rest := segments[0], segments[1:]

	switch val := node.(type) {
	case map[string]any:
		child, ok := val[head]
		if !ok {
			return
		}
		if len(rest) == 0 {
			val[head] = RedactedPlaceholder
			return
		}
		redactAt(child, rest)
	case []any:
		if head != "-" {
			return
		}
		for i := range val {
			if len(rest) == 0 {
				val[i] = RedactedPlaceholder
			} else {
				redactAt(val[i], rest)
			}
		}
	}
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = deepCopyValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopyValue(elem)
		}
		return out
	default:
		return val
	}
}
