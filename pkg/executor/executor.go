// Package executor implements C7: the Accept -> Execute -> Finalize orchestration
// that is the public heart of Orbit (spec.md §4.6).
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orbitcore/orbit/pkg/bus"
	"github.com/orbitcore/orbit/pkg/idempotency"
	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/protect"
	"github.com/orbitcore/orbit/pkg/statemachine"
	"github.com/orbitcore/orbit/pkg/store"
)

// Action is the outbound port the core calls into: the user-supplied business
// action. It must be idempotent under the same OpId (spec.md §6).
type Action interface {
	Run(ctx context.Context, id opid.OpId, payload opid.Payload) opid.Outcome
}

// ActionFunc adapts a plain function to Action.
type ActionFunc func(ctx context.Context, id opid.OpId, payload opid.Payload) opid.Outcome

func (f ActionFunc) Run(ctx context.Context, id opid.OpId, payload opid.Payload) opid.Outcome {
	return f(ctx, id, payload)
}

// LoggerFn is a structured logger signature, in the teacher's
// (level, msg string, fields map[string]any) shape
// (services/orchestrator/internal/workflow/executor.go).
type LoggerFn func(level, msg string, fields map[string]any)

// Clock abstracts time.Now so tests can control AcceptedAt deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// StatusURLFunc derives the polling URL for an async OperationHandle. The core
// itself has no notion of HTTP routes; this hook lets the enclosing facade decide.
type StatusURLFunc func(id opid.OpId) string

func defaultStatusURL(id opid.OpId) string {
	return fmt.Sprintf("/v1/operations/%s", id)
}

// Executor is C7: the orchestrator. All collaborators are injected at construction;
// there is no ambient global state (spec.md §9).
type Executor struct {
	idem  idempotency.Manager
	store store.Store
	bus   bus.Bus
	chain protect.Chain
	cfg   Config

	clock     Clock
	statusURL StatusURLFunc
	logger    LoggerFn
}

// New constructs an Executor. idem, store and the action's bus may not be nil; chain
// defaults every nil policy to its NoOp implementation.
func New(idem idempotency.Manager, st store.Store, b bus.Bus, chain protect.Chain, cfg Config) (*Executor, error) {
	if idem == nil {
		return nil, errors.New("executor: idempotency manager is required")
	}
	if st == nil {
		return nil, errors.New("executor: store is required")
	}
	if b == nil {
		return nil, errors.New("executor: bus is required")
	}
	return &Executor{
		idem:      idem,
		store:     st,
		bus:       b,
		chain:     protect.NewChain(chain),
		cfg:       cfg.withDefaults(),
		clock:     systemClock{},
		statusURL: defaultStatusURL,
		logger:    func(string, string, map[string]any) {},
	}, nil
}

// WithLogger overrides the logger.
func (e *Executor) WithLogger(l LoggerFn) *Executor {
	if l != nil {
		e.logger = l
	}
	return e
}

// WithClock overrides the clock (primarily for tests).
func (e *Executor) WithClock(c Clock) *Executor {
	if c != nil {
		e.clock = c
	}
	return e
}

// WithStatusURL overrides how async status URLs are derived.
func (e *Executor) WithStatusURL(f StatusURLFunc) *Executor {
	if f != nil {
		e.statusURL = f
	}
	return e
}

// DLQOnMaxAttempts reports whether a forced MAX_ATTEMPTS Fail (see Retry) should be
// moved to the bus's DLQ by the caller. The executor itself has no Receipt to dead-
// letter with — only the bus poller that owns the Delivery does — so this is the
// signal a worker checks before Ack'ing a MAX_ATTEMPTS outcome.
func (e *Executor) DLQOnMaxAttempts() bool {
	return e.cfg.DLQOnMaxAttempts
}

// MaxAttemptsCode is the Outcome.Code a forced Fail from Retry's MAX_ATTEMPTS branch
// carries, so callers can distinguish it from an ordinary business Fail.
const MaxAttemptsCode = "MAX_ATTEMPTS"

// Execute runs the full S1(Accept) -> S2(Execute) -> S3(Finalize) -> S4(Return)
// pipeline for cmd (spec.md §4.6). It is the inbound execute(Command) port.
func (e *Executor) Execute(ctx context.Context, cmd opid.Command, action Action) (OperationHandle, error) {
	if err := cmd.Validate(); err != nil {
		return OperationHandle{}, err
	}

	// S1 Accept.
	id, err := e.idem.GetOrCreate(ctx, cmd.Key())
	if err != nil {
		return OperationHandle{}, fmt.Errorf("accept: getOrCreate: %w", err)
	}

	env, err := opid.NewEnvelope(id, cmd, e.clock.Now())
	if err != nil {
		return OperationHandle{}, err
	}

	if err := e.store.StoreEnvelope(ctx, env); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return OperationHandle{}, fmt.Errorf("accept: store envelope: %w", err)
	}

	if err := e.store.SetState(ctx, id, statemachine.Pending, statemachine.InProgress); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return OperationHandle{}, fmt.Errorf("accept: set state: %w", err)
		}
		cur, gerr := e.store.GetState(ctx, id)
		if gerr != nil {
			return OperationHandle{}, fmt.Errorf("accept: re-read state: %w", gerr)
		}
		if cur.Terminal() {
			wal, werr := e.store.LatestWAL(ctx, id)
			if werr != nil {
				return OperationHandle{}, fmt.Errorf("accept: re-read wal: %w", werr)
			}
			e.logger("info", "accept_short_circuit_terminal", map[string]any{"op_id": string(id), "state": string(cur)})
			return CompletedHandle(id, wal.Outcome)
		}
		// Already IN_PROGRESS: proceed as a duplicate attempt (S2/S3 below).
		e.logger("info", "accept_duplicate_in_progress", map[string]any{"op_id": string(id)})
	}

	return e.runAttempt(ctx, id, cmd, 1, action)
}

// Retry re-drives an already-accepted operation for another attempt, invoked by a
// worker after a Bus delivery (spec.md §4.4, §4.7). It returns the attempt's Outcome;
// the caller (typically a queue runner) uses Outcome.Kind to decide Ack/Nack.
func (e *Executor) Retry(ctx context.Context, id opid.OpId, cmd opid.Command, attempt int, action Action) (opid.Outcome, error) {
	state, err := e.store.GetState(ctx, id)
	if err != nil {
		return opid.Outcome{}, fmt.Errorf("retry: get state: %w", err)
	}
	if state.Terminal() {
		wal, werr := e.store.LatestWAL(ctx, id)
		if werr != nil {
			return opid.Outcome{}, fmt.Errorf("retry: read wal for terminal op: %w", werr)
		}
		return wal.Outcome, nil
	}

	if attempt > e.cfg.MaxAttempts {
		outcome := opid.FailOutcome(MaxAttemptsCode, 0, MaxAttemptsCode)
		if werr := e.store.WriteAhead(ctx, id, outcome); werr != nil {
			return opid.Outcome{}, fmt.Errorf("retry: write ahead (max attempts): %w", werr)
		}
		if ferr := e.store.Finalize(ctx, id, statemachine.Failed); ferr != nil && !errors.Is(ferr, store.ErrConflict) {
			return opid.Outcome{}, fmt.Errorf("retry: finalize (max attempts): %w", ferr)
		}
		e.logger("warn", "max_attempts_exceeded", map[string]any{"op_id": string(id), "attempt": attempt})
		return outcome, nil
	}

	handle, err := e.runAttempt(ctx, id, cmd, attempt, action)
	if err != nil {
		return opid.Outcome{}, err
	}
	if handle.Completed {
		return *handle.Outcome, nil
	}
	return opid.RetryOutcome(e.cfg.DefaultRetryDelay, "rescheduled", true), nil
}

// runAttempt is S2 (Execute) + S3 (Finalize) + S4 (Return), shared by Execute and Retry.
func (e *Executor) runAttempt(ctx context.Context, id opid.OpId, cmd opid.Command, attempt int, action Action) (OperationHandle, error) {
	class := cmd.Domain + ":" + cmd.EventType

	outcome, attempted := e.runProtected(ctx, id, class, cmd.Payload, action)

	if attempted {
		switch outcome.Kind {
		case opid.KindOk:
			e.chain.CircuitBreaker.RecordSuccess(id)
		default:
			e.chain.CircuitBreaker.RecordFailure(id)
		}
	}

	// S3 Finalize.
	if err := e.store.WriteAhead(ctx, id, outcome); err != nil {
		return OperationHandle{}, fmt.Errorf("finalize: write ahead: %w", err)
	}

	switch outcome.Kind {
	case opid.KindOk:
		if err := e.store.Finalize(ctx, id, statemachine.Completed); err != nil && !errors.Is(err, store.ErrConflict) {
			return OperationHandle{}, fmt.Errorf("finalize: %w", err)
		}
		return CompletedHandle(id, outcome)
	case opid.KindFail:
		if err := e.store.Finalize(ctx, id, statemachine.Failed); err != nil && !errors.Is(err, store.ErrConflict) {
			return OperationHandle{}, fmt.Errorf("finalize: %w", err)
		}
		return CompletedHandle(id, outcome)
	default: // KindRetry
		delay := outcome.Delay
		if delay <= 0 {
			delay = e.cfg.DefaultRetryDelay
		}
		if err := e.bus.Enqueue(ctx, id, cmd, delay); err != nil {
			return OperationHandle{}, fmt.Errorf("finalize: enqueue retry: %w", err)
		}
		e.logger("info", "retry_scheduled", map[string]any{
			"op_id": string(id), "attempt": attempt, "delay_ms": delay.Milliseconds(), "reason": outcome.Reason,
		})
		return AsyncHandle(id, e.statusURL(id))
	}
}

// QueryStatus is the inbound queryStatus(OpId) port (spec.md §6).
func (e *Executor) QueryStatus(ctx context.Context, id opid.OpId) (statemachine.State, *opid.Outcome, error) {
	state, err := e.store.GetState(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !state.Terminal() {
		return state, nil, nil
	}
	wal, err := e.store.LatestWAL(ctx, id)
	if err != nil {
		return state, nil, err
	}
	return state, &wal.Outcome, nil
}

// runProtected applies the protection chain in the order spec.md §4.5 requires —
// RateLimiter, CircuitBreaker, Bulkhead, Timeout+Hedge — around the user action.
// attempted reports whether the action was actually invoked (false if a policy
// refused before the action ran, in which case no breaker feedback is recorded).
func (e *Executor) runProtected(ctx context.Context, id opid.OpId, class string, payload opid.Payload, action Action) (opid.Outcome, bool) {
	rl, err := e.chain.RateLimiter.TryAcquire(ctx, id, 0)
	if err != nil {
		return retryFromRefusal(err, e.cfg.DefaultRetryDelay, "rate_limited"), false
	}
	defer rl.Release()

	cb, err := e.chain.CircuitBreaker.TryAcquire(ctx, id)
	if err != nil {
		return opid.RetryOutcome(e.chain.CircuitBreaker.ResetWindow(), "circuit_open", true), false
	}
	defer cb.Release()

	bh, err := e.chain.Bulkhead.TryAcquire(ctx, class)
	if err != nil {
		return retryFromRefusal(err, e.cfg.DefaultRetryDelay, "bulkhead_saturated"), false
	}
	defer bh.Release()

	timeout := e.chain.Timeout.PerAttemptTimeout(id)
	if timeout <= 0 {
		timeout = e.cfg.DefaultPerAttemptTimeout
	}

	outcome := e.runWithHedge(ctx, id, payload, action, timeout)
	return outcome, true
}

// runWithHedge launches the primary attempt and, per HedgePolicy, up to MaxHedges
// parallel siblings after HedgeDelay. The first non-Retry response wins and cancels
// the rest (spec.md §4.5, §5).
func (e *Executor) runWithHedge(ctx context.Context, id opid.OpId, payload opid.Payload, action Action, timeout time.Duration) opid.Outcome {
	maxHedges := e.chain.Hedge.MaxHedges(id)
	if maxHedges < 0 {
		maxHedges = 0
	}
	hedgeDelay := e.chain.Hedge.HedgeDelay(id)

	type attemptResult struct {
		outcome opid.Outcome
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult, maxHedges+1)
	var wg sync.WaitGroup

	launch := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ac := attemptCtx
			if timeout > 0 {
				var tcancel context.CancelFunc
				ac, tcancel = context.WithTimeout(attemptCtx, timeout)
				defer tcancel()
			}
			out := e.invokeAction(ac, id, payload, action)
			select {
			case results <- attemptResult{out}:
			case <-attemptCtx.Done():
			}
		}()
	}

	launch()
	launched := 1
	pending := 1

	var hedgeTimer *time.Timer
	var hedgeCh <-chan time.Time
	if maxHedges > 0 && hedgeDelay > 0 {
		hedgeTimer = time.NewTimer(hedgeDelay)
		defer hedgeTimer.Stop()
		hedgeCh = hedgeTimer.C
	}

	for pending > 0 {
		select {
		case r := <-results:
			pending--
			if r.outcome.Kind != opid.KindRetry || pending == 0 {
				cancel()
				wg.Wait()
				return r.outcome
			}
		case <-hedgeCh:
			if launched <= maxHedges {
				launch()
				launched++
				pending++
			}
			if launched <= maxHedges {
				hedgeTimer.Reset(hedgeDelay)
			} else {
				hedgeCh = nil
			}
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return opid.RetryOutcome(e.cfg.DefaultRetryDelay, "context_done", true)
		}
	}
	// Unreachable: the loop only exits via an explicit return above.
	return opid.RetryOutcome(e.cfg.DefaultRetryDelay, "no_attempts", true)
}

// invokeAction runs action, converting a panic into a terminal Fail so a defective
// user action can never crash the worker, and converting an attempt that ran past its
// deadline into a transient Retry unless the action itself already reported Ok.
func (e *Executor) invokeAction(ctx context.Context, id opid.OpId, payload opid.Payload, action Action) (outcome opid.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger("error", "action_panic", map[string]any{"op_id": string(id), "panic": fmt.Sprintf("%v", r)})
			outcome = opid.FailOutcome("ACTION_PANIC", 0, fmt.Sprintf("%v", r))
		}
	}()
	outcome = action.Run(ctx, id, payload)
	if outcome.Kind != opid.KindOk && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return opid.RetryOutcome(0, "attempt_timeout", true)
	}
	return outcome
}

func retryFromRefusal(err error, defaultDelay time.Duration, reason string) opid.Outcome {
	var refusal protect.Refusal
	if errors.As(err, &refusal) {
		delay := refusal.Delay
		if delay <= 0 {
			delay = defaultDelay
		}
		return opid.RetryOutcome(delay, refusal.Reason, true)
	}
	return opid.RetryOutcome(defaultDelay, reason, true)
}
