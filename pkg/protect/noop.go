package protect

import (
	"context"
	"time"

	"github.com/orbitcore/orbit/pkg/opid"
)

// NoOpRateLimiter never refuses.
type NoOpRateLimiter struct{}

func (NoOpRateLimiter) TryAcquire(context.Context, opid.OpId, time.Duration) (Permit, error) {
	return noopPermit{}, nil
}

// NoOpCircuitBreaker stays CLOSED forever.
type NoOpCircuitBreaker struct{}

func (NoOpCircuitBreaker) TryAcquire(context.Context, opid.OpId) (Permit, error) {
	return noopPermit{}, nil
}
func (NoOpCircuitBreaker) RecordSuccess(opid.OpId)      {}
func (NoOpCircuitBreaker) RecordFailure(opid.OpId)      {}
func (NoOpCircuitBreaker) State() BreakerState          { return Closed }
func (NoOpCircuitBreaker) ResetWindow() time.Duration   { return 0 }

// NoOpBulkhead never refuses.
type NoOpBulkhead struct{}

func (NoOpBulkhead) TryAcquire(context.Context, string) (Permit, error) {
	return noopPermit{}, nil
}

// NoOpTimeoutPolicy enforces no timeout.
type NoOpTimeoutPolicy struct{}

func (NoOpTimeoutPolicy) PerAttemptTimeout(opid.OpId) time.Duration { return 0 }

// NoOpHedgePolicy never hedges.
type NoOpHedgePolicy struct{}

func (NoOpHedgePolicy) HedgeDelay(opid.OpId) time.Duration { return 0 }
func (NoOpHedgePolicy) MaxHedges(opid.OpId) int            { return 0 }

// Chain bundles the five policies with NoOp defaults filled in for any nil field,
// mirroring the teacher's pattern of constructors that default missing collaborators
// to safe no-ops (e.g. NewExecutor's nil-logger handling).
type Chain struct {
	RateLimiter    RateLimiter
	CircuitBreaker CircuitBreaker
	Bulkhead       Bulkhead
	Timeout        TimeoutPolicy
	Hedge          HedgePolicy
}

// NewChain fills any nil field with its NoOp implementation.
func NewChain(c Chain) Chain {
	if c.RateLimiter == nil {
		c.RateLimiter = NoOpRateLimiter{}
	}
	if c.CircuitBreaker == nil {
		c.CircuitBreaker = NoOpCircuitBreaker{}
	}
	if c.Bulkhead == nil {
		c.Bulkhead = NoOpBulkhead{}
	}
	if c.Timeout == nil {
		c.Timeout = NoOpTimeoutPolicy{}
	}
	if c.Hedge == nil {
		c.Hedge = NoOpHedgePolicy{}
	}
	return c
}
