// Package approval implements the human-in-the-loop gate. Low-confidence or
// high-risk crossings create a persisted pending request on a reviewer
// channel and block until a decision arrives or the timeout elapses. Timeout
// always resolves to rejection; there is no silent-approval path.
package approval

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of a request. A request leaves Pending for
// exactly one of the other states.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Request is one pending human decision. Key is content-addressed (derived
// identically to the idempotency key) so two distinct payloads can never
// share an approval record.
type Request struct {
	ID            string
	Key           string
	BoundaryID    string
	TenantID      string
	CorrelationID string
	Confidence    float64
	Summary       string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Status        Status
}

// Decision is a resolved request.
type Decision struct {
	Status    Status
	DecidedBy string
	Reason    string
}

// TimeoutError reports a request that received no decision in time. The
// operation is rejected, never silently approved.
type TimeoutError struct {
	RequestID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("approval: request %s timed out (rejected)", e.RequestID)
}

// RejectedError reports an explicit reviewer rejection.
type RejectedError struct {
	RequestID string
	DecidedBy string
	Reason    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("approval: request %s rejected by %s: %s", e.RequestID, e.DecidedBy, e.Reason)
}

// ChannelError reports a reviewer-channel failure.
type ChannelError struct {
	Cause error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("approval: channel error: %v", e.Cause)
}

func (e *ChannelError) Unwrap() error { return e.Cause }

// Channel is the reviewer-channel protocol.
type Channel interface {
	// Submit persists a pending request and notifies reviewers, returning
	// the request id. Submitting the same content key again returns the
	// existing pending request's id.
	Submit(ctx context.Context, req Request) (string, error)
	// AwaitDecision blocks up to wait for a decision. decided is false when
	// the request is still pending after wait.
	AwaitDecision(ctx context.Context, requestID string, wait time.Duration) (decision Decision, decided bool, err error)
	// Heartbeat reports whether the channel is alive.
	Heartbeat(ctx context.Context) bool
}

// Scorer computes the confidence score for a crossing, keyed by the
// idempotency key so distinct payloads never share a cached score.
type Scorer interface {
	Score(ctx context.Context, key string, payload map[string]any) (float64, error)
}

// Gate drives the approval flow for one crossing.
type Gate struct {
	channel        Channel
	scorer         Scorer
	heartbeatEvery time.Duration
	clock          func() time.Time
}

// NewGate creates a gate over the reviewer channel and scorer.
func NewGate(channel Channel, scorer Scorer) *Gate {
	return &Gate{
		channel:        channel,
		scorer:         scorer,
		heartbeatEvery: 30 * time.Second,
		clock:          time.Now,
	}
}

// WithHeartbeatInterval overrides how often a silent channel is probed.
func (g *Gate) WithHeartbeatInterval(d time.Duration) *Gate {
	g.heartbeatEvery = d
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Check passes immediately when confidence meets the threshold; otherwise it
// submits a request and blocks for a decision. nil means approved (or
// confident enough to not need approval).
func (g *Gate) Check(ctx context.Context, req Request, payload map[string]any, threshold float64, timeout time.Duration) error {
	score, err := g.scorer.Score(ctx, req.Key, payload)
	if err != nil {
		return &ChannelError{Cause: fmt.Errorf("confidence scorer: %w", err)}
	}
	if score >= threshold {
		return nil
	}

	now := g.clock()
	req.Confidence = score
	req.CreatedAt = now
	req.ExpiresAt = now.Add(timeout)
	req.Status = StatusPending

	requestID, err := g.channel.Submit(ctx, req)
	if err != nil {
		return &ChannelError{Cause: err}
	}

	deadline := now.Add(timeout)
	for {
		remaining := deadline.Sub(g.clock())
		if remaining <= 0 {
			return &TimeoutError{RequestID: requestID}
		}
		wait := g.heartbeatEvery
		if wait > remaining {
			wait = remaining
		}

		decision, decided, err := g.channel.AwaitDecision(ctx, requestID, wait)
		if err != nil {
			return &ChannelError{Cause: err}
		}
		if decided {
			switch decision.Status {
			case StatusApproved:
				return nil
			case StatusRejected:
				return &RejectedError{RequestID: requestID, DecidedBy: decision.DecidedBy, Reason: decision.Reason}
			default:
				return &TimeoutError{RequestID: requestID}
			}
		}

		// Still pending: probe the channel. A dead channel is restarted by
		// resubmitting rather than blocking forever on a connection that
		// looks alive but is not.
		if !g.channel.Heartbeat(ctx) {
			requestID, err = g.channel.Submit(ctx, req)
			if err != nil {
				return &ChannelError{Cause: err}
			}
		}
	}
}
