package kernel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/invariantlabs/crossing/pkg/approval"
	"github.com/invariantlabs/crossing/pkg/canonical"
	"github.com/invariantlabs/crossing/pkg/credential"
	"github.com/invariantlabs/crossing/pkg/idempotency"
	"github.com/invariantlabs/crossing/pkg/registry"
	"github.com/invariantlabs/crossing/pkg/trace"
	"github.com/invariantlabs/crossing/pkg/wal"
)

// State is the lifecycle position of one crossing.
type State string

const (
	StateIdle     State = "IDLE"
	StateEntering State = "ENTERING"
	StateActive   State = "ACTIVE"
	StateExiting  State = "EXITING"
	StateFaulted  State = "FAULTED"
)

func (s State) String() string { return string(s) }

// Crossing is one in-flight boundary traversal, exclusively owned by the
// task that opened it. It moves Entering -> Active in Begin, Active ->
// Exiting -> Idle in Complete, and any state -> Faulted on failure.
type Crossing struct {
	kernel     *Kernel
	boundaryID string
	version    int

	mu    sync.Mutex
	state State

	binding  trace.Binding
	identity *credential.Identity
	profile  registry.ProfileEntry
	budget   registry.BudgetEntry
	redact   []string
	idemKey  string
	reserved bool

	payloadSnapshot map[string]any
	startedAt       time.Time
	endedAt         time.Time
}

// BoundaryID reports the boundary this crossing traverses.
func (c *Crossing) BoundaryID() string { return c.boundaryID }

// Version reports the registry version the crossing was admitted under.
func (c *Crossing) Version() int { return c.version }

// State reports the current lifecycle state.
func (c *Crossing) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity reports the frozen trace identity. ok is false before the trace
// gate has bound it.
func (c *Crossing) Identity() (trace.Identity, bool) {
	return c.binding.Identity()
}

// Attach marks ctx as carrying this crossing and propagates the frozen trace
// identity. The operation body runs under the returned context; Begin on it
// (or any context derived from it) reports re-entrancy while the crossing is
// open.
func (c *Crossing) Attach(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, openCrossingKey{}, c)
	if id, ok := c.binding.Identity(); ok {
		ctx = trace.NewContext(ctx, id)
	}
	return ctx
}

func (c *Crossing) terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateIdle || c.state == StateFaulted
}

func (c *Crossing) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// transition moves the crossing from exactly one expected state.
func (c *Crossing) transition(op string, from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return &StateError{Op: op, From: c.state}
	}
	c.state = to
	return nil
}

// Complete closes an Active crossing: it snapshots the output, runs the
// post-execution gates (approval for standard-risk boundaries, then output
// predicates), appends exactly one audit entry carrying the final result,
// records the idempotency outcome, and returns the result. The entry is
// durable before the outcome is visible to the caller; an append failure
// faults the crossing regardless of how the gates decided.
func (c *Crossing) Complete(ctx context.Context, output map[string]any, opts ...CompleteOption) Result {
	if err := c.transition("complete", StateActive, StateExiting); err != nil {
		return Result{Status: StatusFaulted, Reason: "complete called out of order", Err: err}
	}

	ctx, span := c.kernel.tracer.Start(ctx, "kernel.Complete")
	defer span.End()

	var options completeOptions
	for _, opt := range opts {
		opt(&options)
	}

	// Cleanup must survive a cancelled caller: the abandoned entry and the
	// idempotency record are what make a retry safe.
	cleanupCtx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		return c.finish(cleanupCtx, Result{Status: StatusFaulted, Reason: "abandoned", Err: err}, nil)
	}

	outSnap, err := snapshot(output)
	if err != nil {
		gateErr := &GateError{Gate: "predicate", Err: err}
		return c.finish(cleanupCtx, Result{Status: StatusFaulted, Reason: "output snapshot failed", Err: gateErr}, nil)
	}
	preGateHash, err := canonical.Hash(outSnap)
	if err != nil {
		gateErr := &GateError{Gate: "predicate", Err: err}
		return c.finish(cleanupCtx, Result{Status: StatusFaulted, Reason: "output snapshot failed", Err: gateErr}, nil)
	}

	result := Result{Status: StatusCommitted, Output: outSnap}

	// Approval runs post-execution for standard-risk boundaries: confidence may
	// depend on what the operation actually produced. A required approval
	// backend that was never wired is a fault, not a bypass.
	if c.profile.RiskClass != registry.RiskClassHigh && c.profile.ConfidenceThreshold > 0 {
		if c.kernel.deps.Approval == nil {
			result = Result{Status: StatusFaulted, Reason: "approval gate unavailable",
				Err: &GateError{Gate: "approval", Err: ErrGateUnavailable}}
		} else {
			id, _ := c.binding.Identity()
			req := approval.Request{
				Key:           c.idemKey,
				BoundaryID:    c.boundaryID,
				TenantID:      id.TenantID,
				CorrelationID: id.CorrelationID,
				Summary:       "post-execution approval for " + c.boundaryID,
			}
			approvalCtx, approvalSpan := c.kernel.tracer.Start(ctx, "kernel.approval")
			aerr := c.kernel.deps.Approval.Check(approvalCtx, req, outSnap,
				c.profile.ConfidenceThreshold, approvalTimeout(c.profile))
			approvalSpan.End()
			if aerr != nil {
				gateErr := &GateError{Gate: "approval", Err: aerr}
				if isGovernanceDenial(aerr) {
					result = Result{Status: StatusBlocked, Reason: "approval denied", Err: gateErr}
				} else {
					result = Result{Status: StatusFaulted, Reason: "approval channel failed", Err: gateErr}
				}
			}
		}
	}

	// Output predicates run over a private copy; any failure, error, or
	// timeout withholds the output. Registered predicates with no evaluator
	// wired are a fault.
	if result.Status == StatusCommitted && c.kernel.deps.Predicate == nil {
		if entry, perr := c.kernel.registries.Predicates.Get(c.boundaryID, c.version); perr != nil || len(entry.Predicates) > 0 {
			result = Result{Status: StatusFaulted, Reason: "predicate gate unavailable",
				Err: &GateError{Gate: "predicate", Err: ErrGateUnavailable}}
		}
	}
	if result.Status == StatusCommitted && c.kernel.deps.Predicate != nil {
		if perr := c.kernel.deps.Predicate.Check(ctx, c.boundaryID, c.version, outSnap); perr != nil {
			result = Result{Status: StatusBlocked, Reason: "output predicate failed", Err: &GateError{Gate: "predicate", Err: perr}}
			if options.compensate != nil {
				if cerr := options.compensate(cleanupCtx); cerr != nil {
					c.kernel.logger.Error("compensation failed",
						"boundary", c.boundaryID, "error", cerr)
					result.Reason = "output predicate failed; compensation failed"
				}
			}
		}
	}

	// The snapshot handed to the gates must come back byte-identical.
	if result.Status == StatusCommitted {
		postGateHash, herr := canonical.Hash(outSnap)
		if herr != nil || postGateHash != preGateHash {
			result = Result{Status: StatusFaulted, Reason: "output snapshot mutated during gating",
				Err: &GateError{Gate: "predicate", Err: errors.New("kernel: gate mutated output snapshot")}}
		}
	}

	if result.Status != StatusCommitted {
		result.Output = nil
	}
	return c.finish(cleanupCtx, result, outputForRecord(result))
}

// Abandon faults an Active crossing whose operation body failed or was
// cancelled. The abandoned entry is still appended so the attempt is
// auditable; no idempotency record is stored, so a retry with the same
// payload re-executes instead of replaying a half-finished result.
func (c *Crossing) Abandon(ctx context.Context, cause error) Result {
	if err := c.transition("abandon", StateActive, StateExiting); err != nil {
		return Result{Status: StatusFaulted, Reason: "abandon called out of order", Err: err}
	}
	return c.finish(context.WithoutCancel(ctx), Result{Status: StatusFaulted, Reason: "abandoned", Err: cause}, nil)
}

// finish appends the single audit entry for this crossing, records the
// outcome for deduplication, and settles the terminal state. It is the only
// exit path out of Exiting.
func (c *Crossing) finish(ctx context.Context, result Result, recordOutput map[string]any) Result {
	if _, err := c.kernel.deps.WAL.Append(ctx, c.auditEntry(result)); err != nil {
		c.setState(StateFaulted)
		c.kernel.logger.Error("audit append failed",
			"boundary", c.boundaryID, "error", err)
		return Result{Status: StatusFaulted, Reason: "durability write failed",
			Err: &GateError{Gate: "durability", Err: err}}
	}

	// Faulted attempts are not recorded: a retry must re-execute.
	if result.Status != StatusFaulted {
		record := idempotency.Record{
			Status:   string(result.Status),
			Output:   recordOutput,
			Reason:   result.Reason,
			StoredAt: c.kernel.clock(),
		}
		if err := c.kernel.deps.Idempotency.Save(ctx, c.idemKey, record, dedupWindow(c.profile)); err != nil {
			c.kernel.logger.Warn("idempotency save failed",
				"boundary", c.boundaryID, "key", c.idemKey, "error", err)
		}
	}

	c.endedAt = c.kernel.clock()
	if result.Status == StatusFaulted {
		c.releaseReservation(ctx)
		c.setState(StateFaulted)
	} else {
		c.setState(StateIdle)
	}
	return result
}

// blockOutcome settles a crossing denied before execution: the denial is
// audited and deduplicated like any other outcome, the unused reservation is
// released, and the crossing returns to Idle.
func (c *Crossing) blockOutcome(ctx context.Context, reason string, cause error) Result {
	c.setState(StateExiting)
	result := c.finish(context.WithoutCancel(ctx),
		Result{Status: StatusBlocked, Reason: reason, Err: cause}, nil)
	if result.Status == StatusBlocked {
		c.releaseReservation(context.WithoutCancel(ctx))
	}
	return result
}

// fault settles a crossing that failed a pre-execution gate. The attempt is
// audited when an identity exists to attribute it to; reservations are
// released because nothing executed.
func (c *Crossing) fault(ctx context.Context, summary string, cause error) {
	cleanupCtx := context.WithoutCancel(ctx)
	if c.identity != nil {
		if _, err := c.kernel.deps.WAL.Append(cleanupCtx, c.auditEntry(Result{Status: StatusFaulted, Reason: summary})); err != nil {
			c.kernel.logger.Error("audit append failed",
				"boundary", c.boundaryID, "error", err)
		}
	}
	c.releaseReservation(cleanupCtx)
	c.endedAt = c.kernel.clock()
	c.setState(StateFaulted)
	c.kernel.logger.Error("crossing faulted",
		"boundary", c.boundaryID, "summary", summary, "error", cause)
}

func (c *Crossing) releaseReservation(ctx context.Context) {
	if !c.reserved {
		return
	}
	c.reserved = false
	if err := c.kernel.deps.Usage.Decrement(ctx,
		c.identity.TenantID, c.budget.ResourceType, c.budget.Cost); err != nil {
		c.kernel.logger.Warn("reservation release failed",
			"boundary", c.boundaryID, "tenant", c.identity.TenantID, "error", err)
	}
}

// auditEntry builds the single audit record for this crossing. The payload
// is the redacted admission snapshot, never the live object.
func (c *Crossing) auditEntry(result Result) wal.Entry {
	id, _ := c.binding.Identity()
	tenant := id.TenantID
	agent := ""
	if c.identity != nil {
		agent = c.identity.AgentID
		if tenant == "" {
			tenant = c.identity.TenantID
		}
	}
	summary := result.Reason
	if summary == "" {
		if result.Status == StatusCommitted {
			summary = "ok"
		} else {
			summary = string(result.Status)
		}
	}
	return wal.Entry{
		CorrelationID: id.CorrelationID,
		TenantID:      tenant,
		AgentID:       agent,
		Operation:     c.boundaryID,
		Result:        wal.Result(result.Status),
		ResultSummary: summary,
		Payload:       wal.Redact(c.payloadSnapshot, c.redact),
	}
}

func outputForRecord(result Result) map[string]any {
	if result.Status == StatusCommitted {
		return result.Output
	}
	return nil
}

type completeOptions struct {
	compensate func(ctx context.Context) error
}

// CompleteOption configures one Complete call.
type CompleteOption func(*completeOptions)

// WithCompensation registers a hook invoked when output predicates block a
// committed execution, giving the caller a chance to unwind side effects.
// The hook runs before the audit entry is appended and its failure is
// reflected in the result summary.
func WithCompensation(fn func(ctx context.Context) error) CompleteOption {
	return func(o *completeOptions) { o.compensate = fn }
}
