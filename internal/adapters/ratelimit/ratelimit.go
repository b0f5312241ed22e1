// Package ratelimit adapts golang.org/x/time/rate to pkg/protect.RateLimiter,
// replacing the teacher's hand-rolled token bucket (services/gateway's
// middleware.limiter) with the stdlib-adjacent x/time/rate implementation of the same
// token-bucket algorithm.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/protect"
)

// Limiter bounds the aggregate attempt rate for one Executor, mirroring the teacher's
// global per-process limiter rather than per-caller buckets: one Limiter is shared by
// every domain and operation class that Executor serves.
type Limiter struct {
	lim *rate.Limiter
}

// New builds a Limiter allowing ratePerSecond sustained attempts with burst headroom.
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 100
	}
	if burst <= 0 {
		burst = int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

type permit struct{}

func (permit) Release() {}

func (l *Limiter) TryAcquire(ctx context.Context, id opid.OpId, timeout time.Duration) (protect.Permit, error) {
	if timeout <= 0 {
		r := l.lim.Reserve()
		if !r.OK() {
			return nil, protect.Refusal{Reason: "rate_limited", Delay: time.Second}
		}
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			return nil, protect.Refusal{Reason: "rate_limited", Delay: delay}
		}
		return permit{}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := l.lim.Wait(waitCtx); err != nil {
		return nil, protect.Refusal{Reason: "rate_limited", Delay: timeout}
	}
	return permit{}, nil
}
