package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbitcore/orbit/internal/adapters/inmem"
	"github.com/orbitcore/orbit/pkg/idempotency"
	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/protect"
	"github.com/orbitcore/orbit/pkg/statemachine"
)

func testCommand(bizKey string) opid.Command {
	return opid.Command{
		Domain:    "payments",
		EventType: "PAYMENT_CANCEL",
		BizKey:    bizKey,
		Payload:   opid.Payload("{}"),
		IdemKey:   "I-" + bizKey,
	}
}

func newHarness(t *testing.T) (*Executor, *inmem.Store, *inmem.Bus) {
	t.Helper()
	st := inmem.NewStore()
	b := inmem.NewBus()
	idm := idempotency.NewInMemoryManager(nil)
	ex, err := New(idm, st, b, protect.Chain{}, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ex, st, b
}

type okAction struct{ calls int32 }

func (a *okAction) Run(_ context.Context, id opid.OpId, _ opid.Payload) opid.Outcome {
	atomic.AddInt32(&a.calls, 1)
	return opid.OkOutcome("provider-"+string(id), opid.Payload("done"))
}

func TestExecute_HappyPath(t *testing.T) {
	ex, st, _ := newHarness(t)
	ctx := context.Background()
	action := &okAction{}

	handle, err := ex.Execute(ctx, testCommand("BK-1"), action)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !handle.Completed || handle.Outcome == nil || handle.Outcome.Kind != opid.KindOk {
		t.Fatalf("expected an inline Ok completion, got %+v", handle)
	}
	if atomic.LoadInt32(&action.calls) != 1 {
		t.Fatalf("expected the action to run exactly once, got %d", action.calls)
	}

	state, outcome, err := ex.QueryStatus(ctx, handle.OpId)
	if err != nil {
		t.Fatal(err)
	}
	if state != statemachine.Completed || outcome == nil || outcome.Kind != opid.KindOk {
		t.Fatalf("expected COMPLETED with an Ok outcome, got state=%s outcome=%+v", state, outcome)
	}
	_ = st
}

func TestExecute_DuplicateSubmitIsIdempotent(t *testing.T) {
	ex, _, _ := newHarness(t)
	ctx := context.Background()
	action := &okAction{}
	cmd := testCommand("BK-2")

	first, err := ex.Execute(ctx, cmd, action)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ex.Execute(ctx, cmd, action)
	if err != nil {
		t.Fatal(err)
	}
	if first.OpId != second.OpId {
		t.Fatalf("expected the same OpId for a duplicate submit, got %q and %q", first.OpId, second.OpId)
	}
	if atomic.LoadInt32(&action.calls) != 1 {
		t.Fatalf("expected the action to run exactly once across both submits, got %d", action.calls)
	}
	if !second.Completed || second.Outcome.Kind != opid.KindOk {
		t.Fatalf("expected the second submit to short-circuit to the terminal outcome, got %+v", second)
	}
}

type sequenceAction struct {
	mu        sync.Mutex
	i         int
	sequence  []opid.Outcome
}

func (a *sequenceAction) Run(_ context.Context, _ opid.OpId, _ opid.Payload) opid.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.sequence[a.i]
	if a.i < len(a.sequence)-1 {
		a.i++
	}
	return out
}

func TestExecute_TransientThenSuccessViaRetryWorker(t *testing.T) {
	ex, st, b := newHarness(t)
	ctx := context.Background()
	cmd := testCommand("BK-3")
	action := &sequenceAction{sequence: []opid.Outcome{
		opid.RetryOutcome(0, "transient", true),
		opid.OkOutcome("provider-1", nil),
	}}

	handle, err := ex.Execute(ctx, cmd, action)
	if err != nil {
		t.Fatal(err)
	}
	if handle.Completed {
		t.Fatalf("expected the first attempt to reschedule, got %+v", handle)
	}

	state, _, err := ex.QueryStatus(ctx, handle.OpId)
	if err != nil {
		t.Fatal(err)
	}
	if state != statemachine.InProgress {
		t.Fatalf("expected IN_PROGRESS while a retry is pending, got %s", state)
	}

	// The retry is enqueued after DefaultRetryDelay; poll from a point past that delay.
	b.Clock = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	delivery, err := b.Poll(ctx, time.Minute)
	if err != nil {
		t.Fatalf("expected the retry to have been enqueued: %v", err)
	}
	outcome, err := ex.Retry(ctx, delivery.Message.OpId, delivery.Message.Command, delivery.Message.Attempt, action)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if outcome.Kind != opid.KindOk {
		t.Fatalf("expected the second attempt to succeed, got %+v", outcome)
	}
	if err := b.Ack(ctx, delivery.Receipt); err != nil {
		t.Fatal(err)
	}

	state, final, err := ex.QueryStatus(ctx, handle.OpId)
	if err != nil {
		t.Fatal(err)
	}
	if state != statemachine.Completed || final.Kind != opid.KindOk {
		t.Fatalf("expected COMPLETED after the redriven attempt, got state=%s outcome=%+v", state, final)
	}
	_ = st
}

type failAction struct{}

func (failAction) Run(context.Context, opid.OpId, opid.Payload) opid.Outcome {
	return opid.FailOutcome("BUSINESS_REJECTED", 422, "INSUFFICIENT_FUNDS")
}

func TestExecute_TerminalFail(t *testing.T) {
	ex, _, _ := newHarness(t)
	ctx := context.Background()

	handle, err := ex.Execute(ctx, testCommand("BK-4"), failAction{})
	if err != nil {
		t.Fatal(err)
	}
	if !handle.Completed || handle.Outcome.Kind != opid.KindFail {
		t.Fatalf("expected an inline terminal Fail, got %+v", handle)
	}

	state, _, err := ex.QueryStatus(ctx, handle.OpId)
	if err != nil {
		t.Fatal(err)
	}
	if state != statemachine.Failed {
		t.Fatalf("expected FAILED, got %s", state)
	}
}

type refusingBreaker struct{ resetWindow time.Duration }

func (refusingBreaker) TryAcquire(context.Context, opid.OpId) (protect.Permit, error) {
	return nil, protect.Refusal{Reason: "circuit open"}
}
func (refusingBreaker) RecordSuccess(opid.OpId) {}
func (refusingBreaker) RecordFailure(opid.OpId) {}
func (refusingBreaker) State() protect.BreakerState { return protect.Open }
func (r refusingBreaker) ResetWindow() time.Duration { return r.resetWindow }

func TestExecute_CircuitOpenYieldsRetryWithoutRunningAction(t *testing.T) {
	st := inmem.NewStore()
	b := inmem.NewBus()
	idm := idempotency.NewInMemoryManager(nil)
	ex, err := New(idm, st, b, protect.Chain{CircuitBreaker: refusingBreaker{resetWindow: 5 * time.Second}}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	action := &okAction{}

	handle, err := ex.Execute(context.Background(), testCommand("BK-5"), action)
	if err != nil {
		t.Fatal(err)
	}
	if handle.Completed {
		t.Fatalf("expected a Retry handle while the breaker is open, got %+v", handle)
	}
	if atomic.LoadInt32(&action.calls) != 0 {
		t.Fatalf("expected the action to never run while the breaker refuses, got %d calls", action.calls)
	}

	// The refused attempt is enqueued after the breaker's 5s reset window; poll from a
	// point past that delay.
	b.Clock = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	d, err := b.Poll(context.Background(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if d.Message.OpId != handle.OpId {
		t.Fatalf("expected the refused attempt to be rescheduled for the same OpId")
	}
}

func TestExecute_MaxAttemptsForcesFailAndDeadLetters(t *testing.T) {
	ex, st, b := newHarness(t)
	ex.cfg.MaxAttempts = 1
	ctx := context.Background()
	cmd := testCommand("BK-6")
	action := ActionFunc(func(context.Context, opid.OpId, opid.Payload) opid.Outcome {
		return opid.RetryOutcome(0, "still failing", true)
	})

	handle, err := ex.Execute(ctx, cmd, action)
	if err != nil {
		t.Fatal(err)
	}
	if handle.Completed {
		t.Fatal("expected the first attempt to reschedule")
	}

	// The retry is enqueued after DefaultRetryDelay; poll from a point past that delay.
	b.Clock = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	d, err := b.Poll(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	outcome, err := ex.Retry(ctx, d.Message.OpId, d.Message.Command, d.Message.Attempt+1, action)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != opid.KindFail || outcome.Code != MaxAttemptsCode {
		t.Fatalf("expected a forced MAX_ATTEMPTS fail, got %+v", outcome)
	}
	if !ex.DLQOnMaxAttempts() {
		t.Fatal("expected DLQOnMaxAttempts to be on by default")
	}
	// cmd/orbit-worker's poller is what actually calls DeadLetter in production,
	// gated on outcome.Code == MaxAttemptsCode; simulate that here.
	if err := b.DeadLetter(ctx, d.Receipt, outcome.Code); err != nil {
		t.Fatal(err)
	}

	state, final, err := ex.QueryStatus(ctx, handle.OpId)
	if err != nil {
		t.Fatal(err)
	}
	if state != statemachine.Failed || final.Code != MaxAttemptsCode {
		t.Fatalf("expected FAILED/MAX_ATTEMPTS, got state=%s outcome=%+v", state, final)
	}
	_ = st
}

func TestExecute_InvalidCommandRejectedSynchronously(t *testing.T) {
	ex, _, _ := newHarness(t)
	_, err := ex.Execute(context.Background(), opid.Command{}, &okAction{})
	if err == nil {
		t.Fatal("expected validation error for an empty command")
	}
	if !errors.Is(err, opid.ErrInvalid) {
		t.Fatalf("expected an opid.ErrInvalid wrapped error, got %v", err)
	}
}
