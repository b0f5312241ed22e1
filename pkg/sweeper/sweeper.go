// Package sweeper implements C8: the periodic reconciliation pass that recovers
// operations stuck after a crash between Accept and Finalize (spec.md §4.7).
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/orbitcore/orbit/pkg/bus"
	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/statemachine"
	"github.com/orbitcore/orbit/pkg/store"
)

// LoggerFn matches the executor package's logger shape.
type LoggerFn func(level, msg string, fields map[string]any)

// Clock abstracts time.Now so sweep windows are testable.
type Clock func() time.Time

// Config enumerates the sweeper's own knobs, independent of the executor's.
type Config struct {
	WALBudget      time.Duration
	InflightBudget time.Duration
	RetryDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.WALBudget <= 0 {
		c.WALBudget = 30 * time.Second
	}
	if c.InflightBudget <= 0 {
		c.InflightBudget = 2 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Sweeper runs the two reconciliation passes from spec.md §4.7. It holds no OpId
// state of its own; every decision is re-derived from Store on each pass, so a
// crashed or duplicate sweeper run is always safe.
type Sweeper struct {
	store store.Store
	bus   bus.Bus
	cfg   Config
	clock Clock
	log   LoggerFn
}

// New constructs a Sweeper.
func New(st store.Store, b bus.Bus, cfg Config) *Sweeper {
	return &Sweeper{
		store: st,
		bus:   b,
		cfg:   cfg.withDefaults(),
		clock: func() time.Time { return time.Now().UTC() },
		log:   func(string, string, map[string]any) {},
	}
}

// WithClock overrides the clock (tests).
func (s *Sweeper) WithClock(c Clock) *Sweeper {
	if c != nil {
		s.clock = c
	}
	return s
}

// WithLogger overrides the logger.
func (s *Sweeper) WithLogger(l LoggerFn) *Sweeper {
	if l != nil {
		s.log = l
	}
	return s
}

// Result summarizes one Sweep call, for logging/metrics at the call site.
type Result struct {
	WAFinalized   int
	WAResched     int
	InProgressResched int
	Errors        []error
}

// Sweep runs both passes once. Callers (cmd/orbitd) drive this on a ticker at
// executor.Config.SweeperInterval.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result
	s.sweepWAPending(ctx, &res)
	s.sweepInProgress(ctx, &res)
	return res
}

// sweepWAPending is spec.md §4.7's "WA-PENDING pass": for every OpId whose latest WAL
// row is still PENDING and older than walBudget, re-derive the right action from that
// row's Outcome — finalize a terminal Outcome, or re-enqueue a Retry.
func (s *Sweeper) sweepWAPending(ctx context.Context, res *Result) {
	ids, err := s.store.ScanWA(ctx, s.clock().Add(-s.cfg.WALBudget))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("sweeper: scanWA: %w", err))
		return
	}
	for _, id := range ids {
		if err := s.reconcileWAPending(ctx, id, res); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("sweeper: reconcile %s: %w", id, err))
		}
	}
}

func (s *Sweeper) reconcileWAPending(ctx context.Context, id opid.OpId, res *Result) error {
	state, err := s.store.GetState(ctx, id)
	if err != nil {
		return err
	}
	if state.Terminal() {
		// Already finalized by another worker or a prior sweep; nothing to do.
		return nil
	}

	wal, err := s.store.LatestWAL(ctx, id)
	if err != nil {
		return err
	}

	switch wal.Outcome.Kind {
	case opid.KindOk:
		if err := s.store.Finalize(ctx, id, statemachine.Completed); err != nil {
			if err == store.ErrConflict {
				return nil
			}
			return err
		}
		res.WAFinalized++
		s.log("info", "sweeper_finalized_ok", map[string]any{"op_id": string(id)})
	case opid.KindFail:
		if err := s.store.Finalize(ctx, id, statemachine.Failed); err != nil {
			if err == store.ErrConflict {
				return nil
			}
			return err
		}
		res.WAFinalized++
		s.log("info", "sweeper_finalized_fail", map[string]any{"op_id": string(id)})
	case opid.KindRetry:
		env, err := s.store.GetEnvelope(ctx, id)
		if err != nil {
			return err
		}
		delay := wal.Outcome.Delay
		if delay <= 0 {
			delay = s.cfg.RetryDelay
		}
		if err := s.bus.Enqueue(ctx, id, env.Command, delay); err != nil {
			return err
		}
		res.WAResched++
		s.log("info", "sweeper_rescheduled_retry", map[string]any{"op_id": string(id)})
	}
	return nil
}

// sweepInProgress is spec.md §4.7's "IN_PROGRESS pass": operations that crashed
// between storeEnvelope/setState (S1) and the first writeAhead (S2) have no WAL row
// at all to drive reconciliation from, so they are re-enqueued directly from their
// envelope for a fresh attempt.
func (s *Sweeper) sweepInProgress(ctx context.Context, res *Result) {
	ids, err := s.store.ScanInProgress(ctx, s.clock().Add(-s.cfg.InflightBudget))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("sweeper: scanInProgress: %w", err))
		return
	}
	for _, id := range ids {
		if err := s.reconcileInProgress(ctx, id, res); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("sweeper: reconcile in-progress %s: %w", id, err))
		}
	}
}

func (s *Sweeper) reconcileInProgress(ctx context.Context, id opid.OpId, res *Result) error {
	// A latest WAL row still PENDING, whatever its age, means S2 already ran; leave it
	// to the WA-PENDING pass (or to the worker that's actively handling it) rather than
	// double-enqueue.
	if wal, err := s.store.LatestWAL(ctx, id); err == nil {
		if wal.WALState == store.WALPending {
			return nil
		}
	} else if err != store.ErrNotFound {
		return err
	}

	env, err := s.store.GetEnvelope(ctx, id)
	if err != nil {
		return err
	}
	if err := s.bus.Enqueue(ctx, id, env.Command, 0); err != nil {
		return err
	}
	res.InProgressResched++
	s.log("info", "sweeper_rescheduled_in_progress", map[string]any{"op_id": string(id)})
	return nil
}
