package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/orbitcore/orbit/internal/adapters/inmem"
	"github.com/orbitcore/orbit/pkg/bus"
	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/statemachine"
)

func acceptedEnvelope(t *testing.T, st *inmem.Store, bizKey string, now time.Time) opid.Envelope {
	t.Helper()
	cmd := opid.Command{Domain: "payments", EventType: "PAYMENT_CANCEL", BizKey: bizKey, IdemKey: "I-" + bizKey}
	env, err := opid.NewEnvelope(opid.OpId("op-"+bizKey), cmd, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.StoreEnvelope(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if err := st.SetState(context.Background(), env.OpId, statemachine.Pending, statemachine.InProgress); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestSweeper_WAPending_FinalizesStaleOk(t *testing.T) {
	now := time.Unix(10_000, 0)
	st := inmem.NewStore()
	st.Clock = func() time.Time { return now }
	env := acceptedEnvelope(t, st, "BK-1", now)

	ctx := context.Background()
	if err := st.WriteAhead(ctx, env.OpId, opid.OkOutcome("txn", nil)); err != nil {
		t.Fatal(err)
	}

	b := inmem.NewBus()
	sw := New(st, b, Config{WALBudget: time.Second}).WithClock(func() time.Time { return now.Add(2 * time.Second) })

	res := sw.Sweep(ctx)
	if res.WAFinalized != 1 {
		t.Fatalf("expected one finalize, got %+v", res)
	}
	state, err := st.GetState(ctx, env.OpId)
	if err != nil {
		t.Fatal(err)
	}
	if state != statemachine.Completed {
		t.Fatalf("expected COMPLETED, got %s", state)
	}
}

func TestSweeper_WAPending_ReschedulesStaleRetry(t *testing.T) {
	now := time.Unix(10_000, 0)
	st := inmem.NewStore()
	st.Clock = func() time.Time { return now }
	env := acceptedEnvelope(t, st, "BK-2", now)

	ctx := context.Background()
	if err := st.WriteAhead(ctx, env.OpId, opid.RetryOutcome(5*time.Second, "transient", true)); err != nil {
		t.Fatal(err)
	}

	b := inmem.NewBus()
	sw := New(st, b, Config{WALBudget: time.Second}).WithClock(func() time.Time { return now.Add(2 * time.Second) })

	res := sw.Sweep(ctx)
	if res.WAResched != 1 {
		t.Fatalf("expected one reschedule, got %+v", res)
	}
	if _, err := b.Poll(ctx, time.Minute); err != bus.ErrEmpty {
		t.Fatalf("expected the retry to still be delayed, got %v", err)
	}
}

func TestSweeper_WAPending_SkipsFreshRows(t *testing.T) {
	now := time.Unix(10_000, 0)
	st := inmem.NewStore()
	st.Clock = func() time.Time { return now }
	env := acceptedEnvelope(t, st, "BK-3", now)

	ctx := context.Background()
	if err := st.WriteAhead(ctx, env.OpId, opid.RetryOutcome(0, "transient", true)); err != nil {
		t.Fatal(err)
	}

	b := inmem.NewBus()
	sw := New(st, b, Config{WALBudget: time.Minute}).WithClock(func() time.Time { return now.Add(time.Second) })

	res := sw.Sweep(ctx)
	if res.WAResched != 0 || res.WAFinalized != 0 {
		t.Fatalf("expected nothing to reconcile within the WAL budget, got %+v", res)
	}
}

func TestSweeper_WAPending_DoubleRunIsIdempotent(t *testing.T) {
	now := time.Unix(10_000, 0)
	st := inmem.NewStore()
	st.Clock = func() time.Time { return now }
	env := acceptedEnvelope(t, st, "BK-4", now)

	ctx := context.Background()
	if err := st.WriteAhead(ctx, env.OpId, opid.OkOutcome("txn", nil)); err != nil {
		t.Fatal(err)
	}

	b := inmem.NewBus()
	sw := New(st, b, Config{WALBudget: time.Second}).WithClock(func() time.Time { return now.Add(2 * time.Second) })

	first := sw.Sweep(ctx)
	second := sw.Sweep(ctx)
	if first.WAFinalized != 1 {
		t.Fatalf("expected the first sweep to finalize, got %+v", first)
	}
	if second.WAFinalized != 0 || len(second.Errors) != 0 {
		t.Fatalf("expected the second sweep to be a no-op, got %+v", second)
	}
}

func TestSweeper_InProgress_ReenqueuesCrashBetweenAcceptAndExecute(t *testing.T) {
	now := time.Unix(10_000, 0)
	st := inmem.NewStore()
	st.Clock = func() time.Time { return now }
	env := acceptedEnvelope(t, st, "BK-5", now)
	_ = env

	b := inmem.NewBus()
	ctx := context.Background()
	sw := New(st, b, Config{InflightBudget: time.Second}).WithClock(func() time.Time { return now.Add(2 * time.Second) })

	res := sw.Sweep(ctx)
	if res.InProgressResched != 1 {
		t.Fatalf("expected the stuck in-progress op to be re-enqueued, got %+v", res)
	}
	d, err := b.Poll(ctx, time.Minute)
	if err != nil {
		t.Fatalf("expected a due delivery: %v", err)
	}
	if d.Message.OpId != env.OpId {
		t.Fatalf("expected to re-enqueue %q, got %q", env.OpId, d.Message.OpId)
	}
}

func TestSweeper_InProgress_SkipsWhenWALAlreadyPending(t *testing.T) {
	now := time.Unix(10_000, 0)
	st := inmem.NewStore()
	st.Clock = func() time.Time { return now }
	env := acceptedEnvelope(t, st, "BK-6", now)

	ctx := context.Background()
	// A WAL row exists (an attempt is in flight or just landed); the WA pass owns this
	// OpId, not the in-progress pass.
	if err := st.WriteAhead(ctx, env.OpId, opid.RetryOutcome(time.Minute, "transient", true)); err != nil {
		t.Fatal(err)
	}

	b := inmem.NewBus()
	sw := New(st, b, Config{InflightBudget: time.Second, WALBudget: time.Hour}).
		WithClock(func() time.Time { return now.Add(2 * time.Second) })

	res := sw.Sweep(ctx)
	if res.InProgressResched != 0 {
		t.Fatalf("expected the in-progress pass to defer to the WA pass, got %+v", res)
	}
}
