// Package kernel implements the boundary-crossing state machine. Every
// privileged operation passes through Begin (schema, permission, bounds,
// trace, idempotency, and approval for high-risk boundaries) before it
// executes and through Complete (durability, approval, output predicates)
// before its result leaves the trust boundary. Every crossing ends in a
// terminal, audited state: Idle via the exit path, or Faulted.
package kernel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/invariantlabs/crossing/pkg/approval"
	"github.com/invariantlabs/crossing/pkg/credential"
	"github.com/invariantlabs/crossing/pkg/idempotency"
	"github.com/invariantlabs/crossing/pkg/predicate"
	"github.com/invariantlabs/crossing/pkg/registry"
	"github.com/invariantlabs/crossing/pkg/schema"
	"github.com/invariantlabs/crossing/pkg/trace"
	"github.com/invariantlabs/crossing/pkg/usage"
	"github.com/invariantlabs/crossing/pkg/wal"
)

// Default lifetimes applied when a boundary profile leaves them unset.
const (
	DefaultApprovalTimeout = 24 * time.Hour
	DefaultDedupWindow     = 24 * time.Hour
)

// Deps are the gate backends the kernel drives. Schema, Credential, Usage,
// Idempotency and WAL are required. Approval and Predicate may be nil only
// when no boundary needs them: a crossing whose profile demands approval or
// whose registration carries predicates faults with ErrGateUnavailable
// rather than skipping the gate.
type Deps struct {
	Schema      *schema.Gate
	Credential  *credential.Gate
	Usage       usage.Tracker
	Idempotency idempotency.Store
	WAL         wal.Sink
	Approval    *approval.Gate
	Predicate   *predicate.Gate
}

// Kernel sequences crossings. It is safe for concurrent use; each crossing
// is exclusively owned by the task that began it.
type Kernel struct {
	registries *registry.Set
	deps       Deps
	tracer     oteltrace.Tracer
	logger     *slog.Logger
	clock      func() time.Time
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(k *Kernel) { k.clock = clock }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) { k.logger = logger }
}

// WithTracer sets the tracer used for crossing spans.
func WithTracer(tracer oteltrace.Tracer) Option {
	return func(k *Kernel) { k.tracer = tracer }
}

// New creates a kernel over the registry set and gate backends.
func New(registries *registry.Set, deps Deps, opts ...Option) *Kernel {
	k := &Kernel{
		registries: registries,
		deps:       deps,
		tracer:     otel.Tracer("invariantlabs/crossing"),
		logger:     slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

type openCrossingKey struct{}

// openCrossing returns the non-terminal crossing attached to ctx, if any.
func openCrossing(ctx context.Context) *Crossing {
	c, _ := ctx.Value(openCrossingKey{}).(*Crossing)
	if c == nil || c.terminal() {
		return nil
	}
	return c
}

// Begin opens a crossing for one operation against boundaryID: it snapshots
// the payload and runs the pre-execution gates in fixed order (schema,
// permission, bounds, trace, idempotency, then approval for high-risk
// boundaries). On success the crossing is Active and the caller executes the
// operation body before calling Complete.
//
// Gate failures return a typed *GateError and leave the crossing Faulted.
// A duplicate submission returns *DuplicateError carrying the cached result.
// A pre-execution approval denial returns *BlockedError; both are audited,
// normal outcomes rather than faults.
func (k *Kernel) Begin(ctx context.Context, boundaryID string, payload map[string]any, cred string) (*Crossing, error) {
	if open := openCrossing(ctx); open != nil {
		return nil, &ReentrancyError{OpenBoundaryID: open.boundaryID}
	}

	ctx, span := k.tracer.Start(ctx, "kernel.Begin")
	defer span.End()

	c := &Crossing{
		kernel:     k,
		boundaryID: boundaryID,
		state:      StateEntering,
		startedAt:  k.clock(),
	}

	fail := func(gate string, err error) (*Crossing, error) {
		gateErr := &GateError{Gate: gate, Err: err}
		c.fault(ctx, "begin: "+gate+" gate failed", gateErr)
		return nil, gateErr
	}

	snap, err := snapshot(payload)
	if err != nil {
		return fail("schema", err)
	}
	c.payloadSnapshot = snap

	profile, version, err := k.registries.Profiles.Latest(boundaryID)
	if err != nil {
		return fail("registry", err)
	}
	c.version = version
	c.profile = profile

	// Structural validation against the registered schema.
	if err := k.deps.Schema.Validate(boundaryID, version, snap); err != nil {
		return fail("schema", err)
	}
	redact, err := k.deps.Schema.RedactFields(boundaryID, version)
	if err != nil {
		return fail("schema", err)
	}
	c.redact = redact

	// Credential verification and permission comparison.
	perms, err := k.registries.Permissions.Get(boundaryID, version)
	if err != nil {
		return fail("registry", err)
	}
	identity, err := k.deps.Credential.Check(ctx, cred, perms.Required)
	if err != nil {
		return fail("permission", err)
	}
	c.identity = identity

	// Atomic budget reservation.
	budgetEntry, err := k.registries.Budgets.Get(boundaryID, version)
	if err != nil {
		return fail("registry", err)
	}
	c.budget = budgetEntry
	if budgetEntry.Cost > 0 {
		if _, err := k.deps.Usage.CheckAndIncrement(ctx, identity.TenantID,
			budgetEntry.ResourceType, budgetEntry.Cost, budgetEntry.Limit); err != nil {
			return fail("bounds", err)
		}
		c.reserved = true
	}

	// Freeze the trace identity.
	traceID, err := trace.Bind(ctx, &c.binding, identity.TenantID)
	if err != nil {
		return fail("trace", err)
	}

	// Duplicate detection over the canonical payload.
	key, err := idempotency.DeriveKey(boundaryID, identity.TenantID, snap)
	if err != nil {
		return fail("idempotency", err)
	}
	c.idemKey = key
	record, found, err := k.deps.Idempotency.Lookup(ctx, key)
	if err != nil {
		return fail("idempotency", err)
	}
	if found {
		// The original crossing already executed and was audited; release
		// this attempt's reservation and replay its result.
		c.releaseReservation(context.WithoutCancel(ctx))
		c.setState(StateIdle)
		return nil, &DuplicateError{Key: key, Cached: resultFromRecord(record)}
	}

	if err := ctx.Err(); err != nil {
		return fail("cancellation", err)
	}

	// Approval runs pre-execution for high-risk boundaries: it gates the
	// Active window itself, not just the release of the output.
	if profile.RiskClass == registry.RiskClassHigh {
		if k.deps.Approval == nil {
			return fail("approval", ErrGateUnavailable)
		}
		req := approval.Request{
			Key:           key,
			BoundaryID:    boundaryID,
			TenantID:      traceID.TenantID,
			CorrelationID: traceID.CorrelationID,
			Summary:       "pre-execution approval for " + boundaryID,
		}
		approvalCtx, approvalSpan := k.tracer.Start(ctx, "kernel.approval")
		err := k.deps.Approval.Check(approvalCtx, req, snap, profile.ConfidenceThreshold, approvalTimeout(profile))
		approvalSpan.End()
		if err != nil {
			if isGovernanceDenial(err) {
				outcome := c.blockOutcome(ctx, "approval denied before execution", &GateError{Gate: "approval", Err: err})
				return nil, &BlockedError{Outcome: outcome}
			}
			return fail("approval", err)
		}
	}

	c.setState(StateActive)
	return c, nil
}

// isGovernanceDenial separates policy outcomes (rejection, timeout) from
// channel infrastructure failures.
func isGovernanceDenial(err error) bool {
	var rejected *approval.RejectedError
	var timeout *approval.TimeoutError
	return errors.As(err, &rejected) || errors.As(err, &timeout)
}

func approvalTimeout(profile registry.ProfileEntry) time.Duration {
	if profile.ApprovalTimeout > 0 {
		return profile.ApprovalTimeout
	}
	return DefaultApprovalTimeout
}

func dedupWindow(profile registry.ProfileEntry) time.Duration {
	if profile.DedupWindow > 0 {
		return profile.DedupWindow
	}
	return DefaultDedupWindow
}

func resultFromRecord(record idempotency.Record) Result {
	return Result{
		Status: Status(record.Status),
		Output: record.Output,
		Reason: record.Reason,
	}
}
