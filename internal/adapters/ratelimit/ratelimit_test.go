package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/orbitcore/orbit/pkg/protect"
)

func TestLimiter_TryAcquire_RefusesOverBurst(t *testing.T) {
	l := New(1, 1)
	ctx := context.Background()

	if _, err := l.TryAcquire(ctx, "op-1", 0); err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}
	_, err := l.TryAcquire(ctx, "op-2", 0)
	if err == nil {
		t.Fatalf("second immediate acquire should be refused")
	}
	var refusal protect.Refusal
	if !asRefusal(err, &refusal) {
		t.Fatalf("expected a protect.Refusal, got %T: %v", err, err)
	}
	if refusal.Delay <= 0 {
		t.Fatalf("expected a positive retry delay, got %v", refusal.Delay)
	}
}

func TestLimiter_TryAcquire_WaitsWithinTimeout(t *testing.T) {
	l := New(1000, 1)
	ctx := context.Background()

	if _, err := l.TryAcquire(ctx, "op-1", 0); err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}
	if _, err := l.TryAcquire(ctx, "op-2", 50*time.Millisecond); err != nil {
		t.Fatalf("second acquire should succeed once it waits out the refill: %v", err)
	}
}

func asRefusal(err error, out *protect.Refusal) bool {
	r, ok := err.(protect.Refusal)
	if ok {
		*out = r
	}
	return ok
}
