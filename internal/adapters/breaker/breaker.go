// Package breaker adapts github.com/sony/gobreaker to pkg/protect.CircuitBreaker,
// replacing the teacher's hand-rolled connector-hub pool.Manager (sliding-window
// failure counter + explicit closed/open/half-open state) with the same thresholds
// expressed through gobreaker's Settings/Counts.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/protect"
)

// Config mirrors the teacher's pool.CircuitConfig, translated into gobreaker.Settings.
type Config struct {
	Name             string
	FailureThreshold uint32 // consecutive failures before tripping
	SuccessThreshold uint32 // consecutive half-open successes required to close
	OpenTimeout      time.Duration
	Window           time.Duration // counter reset interval while closed
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Name == "" {
		c.Name = "orbit"
	}
	return c
}

// Breaker implements protect.CircuitBreaker over a single gobreaker.CircuitBreaker.
// TryAcquire/RecordSuccess/RecordFailure are split because the real action runs
// between acquisition and reporting, so RecordSuccess/RecordFailure feed a trivial
// callback into Execute purely to drive gobreaker's internal Counts.
type Breaker struct {
	cb          *gobreaker.CircuitBreaker
	resetWindow time.Duration
}

func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), resetWindow: cfg.OpenTimeout}
}

type permit struct{}

func (permit) Release() {}

func (b *Breaker) TryAcquire(ctx context.Context, id opid.OpId) (protect.Permit, error) {
	if b.cb.State() == gobreaker.StateOpen {
		return nil, protect.Refusal{Reason: "circuit open", Delay: b.resetWindow}
	}
	return permit{}, nil
}

func (b *Breaker) RecordSuccess(id opid.OpId) {
	_, _ = b.cb.Execute(func() (any, error) { return nil, nil })
}

func (b *Breaker) RecordFailure(id opid.OpId) {
	_, _ = b.cb.Execute(func() (any, error) { return nil, errRecordedFailure })
}

func (b *Breaker) State() protect.BreakerState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return protect.Open
	case gobreaker.StateHalfOpen:
		return protect.HalfOpen
	default:
		return protect.Closed
	}
}

func (b *Breaker) ResetWindow() time.Duration { return b.resetWindow }

var errRecordedFailure = recordedFailure{}

type recordedFailure struct{}

func (recordedFailure) Error() string { return "breaker: recorded failure" }
