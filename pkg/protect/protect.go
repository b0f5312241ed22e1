// Package protect implements C6: the protection chain middleware stack around the
// user action — RateLimiter, CircuitBreaker, Bulkhead, TimeoutPolicy, HedgePolicy.
// Each is an interface; a NoOp implementation exists for every one and is the default
// when a caller does not supply a policy (spec.md §4.5).
package protect

import (
	"context"
	"time"

	"github.com/orbitcore/orbit/pkg/opid"
)

// Permit is returned by any resource-acquiring policy and must be released exactly
// once on every exit path, including cancellation (spec.md §4.5, §9).
type Permit interface {
	Release()
}

type noopPermit struct{}

func (noopPermit) Release() {}

// Refusal is returned by a policy when it declines to grant a permit. The executor
// converts any Refusal into a Retry Outcome (spec.md §7: PROTECTION_REFUSED).
type Refusal struct {
	Reason string
	Delay  time.Duration
}

func (r Refusal) Error() string { return "protect: refused: " + r.Reason }

// RateLimiter bounds the attempt rate. tryAcquire blocks up to an optional timeout
// (zero means don't block) and returns a Permit or a Refusal.
type RateLimiter interface {
	TryAcquire(ctx context.Context, id opid.OpId, timeout time.Duration) (Permit, error)
}

// BreakerState mirrors spec.md §4.5's three states.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker refuses acquisition when OPEN. recordSuccess/recordFailure drive the
// transitions; threshold policy is implementation-defined but must be deterministic
// for given inputs (spec.md §4.5).
type CircuitBreaker interface {
	TryAcquire(ctx context.Context, id opid.OpId) (Permit, error)
	RecordSuccess(id opid.OpId)
	RecordFailure(id opid.OpId)
	State() BreakerState
	// ResetWindow is the delay the executor should size a Retry to when refused
	// because the breaker is OPEN.
	ResetWindow() time.Duration
}

// Bulkhead bounds concurrency per domain or operation class.
type Bulkhead interface {
	TryAcquire(ctx context.Context, class string) (Permit, error)
}

// TimeoutPolicy returns the per-attempt timeout for an operation. Zero means no
// timeout.
type TimeoutPolicy interface {
	PerAttemptTimeout(id opid.OpId) time.Duration
}

// HedgePolicy decides whether to launch a parallel hedge attempt after a delay,
// bounded by a maximum hedge count. The first non-Retry response wins; the rest are
// cancelled (spec.md §4.5).
type HedgePolicy interface {
	HedgeDelay(id opid.OpId) time.Duration
	MaxHedges(id opid.OpId) int
}
