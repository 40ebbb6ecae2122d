package kernel

import (
	"errors"
	"fmt"
)

// ErrGateUnavailable is wrapped in a *GateError when a boundary's profile
// requires a gate (approval threshold, high risk class, registered
// predicates) whose backend was not provided in Deps. Missing governance is
// a denial, never a pass-through.
var ErrGateUnavailable = errors.New("kernel: required gate backend not configured")

// Error marks every kernel-defined error type. The marker method seals the
// set: a broad error handler elsewhere can test for kernel invariant
// violations with errors.As and can never absorb one by accident.
type Error interface {
	error
	kernelError()
}

// GateError wraps a typed gate failure with the gate that raised it. The
// underlying gate error (schema.Violation, credential errors, usage
// exceeded, trace frozen-field, wal write, approval, predicate failures)
// is reachable through Unwrap.
type GateError struct {
	Gate string
	Err  error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("kernel: gate %s failed: %v", e.Gate, e.Err)
}

func (e *GateError) Unwrap() error { return e.Err }
func (e *GateError) kernelError()  {}

// ReentrancyError reports a task attempting to open a second crossing while
// one is already open. This is a programming defect, never retried.
type ReentrancyError struct {
	OpenBoundaryID string
}

func (e *ReentrancyError) Error() string {
	return fmt.Sprintf("kernel: crossing already open for boundary %s", e.OpenBoundaryID)
}

func (e *ReentrancyError) kernelError() {}

// StateError reports an operation invoked in the wrong lifecycle state.
type StateError struct {
	Op   string
	From State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("kernel: %s not allowed in state %s", e.Op, e.From)
}

func (e *StateError) kernelError() {}

// DuplicateError reports a submission whose idempotency key matched a prior
// crossing inside the dedup window. It is the alternate success path: Cached
// holds the prior result and no side effect was re-executed.
type DuplicateError struct {
	Key    string
	Cached Result
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("kernel: duplicate request %s (cached status %s)", e.Key, e.Cached.Status)
}

func (e *DuplicateError) kernelError() {}

// BlockedError reports a crossing denied by a pre-execution approval gate.
// Like DuplicateError it is a policy outcome, not a crash: the crossing is
// audited and Outcome carries the blocked result.
type BlockedError struct {
	Outcome Result
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("kernel: crossing blocked: %s", e.Outcome.Reason)
}

func (e *BlockedError) kernelError() {}
