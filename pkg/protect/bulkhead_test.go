package protect

import (
	"context"
	"testing"
)

func TestLocalBulkhead_RefusesWhenSaturated(t *testing.T) {
	b := NewLocalBulkhead(1)
	ctx := context.Background()

	p1, err := b.TryAcquire(ctx, "classA")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := b.TryAcquire(ctx, "classA"); err == nil {
		t.Fatal("expected refusal when bulkhead saturated")
	}

	p1.Release()

	if _, err := b.TryAcquire(ctx, "classA"); err != nil {
		t.Fatalf("expected acquire to succeed after release: %v", err)
	}
}

func TestLocalBulkhead_ClassesAreIndependent(t *testing.T) {
	b := NewLocalBulkhead(1)
	ctx := context.Background()

	if _, err := b.TryAcquire(ctx, "classA"); err != nil {
		t.Fatalf("classA acquire: %v", err)
	}
	if _, err := b.TryAcquire(ctx, "classB"); err != nil {
		t.Fatalf("classB should be independently bounded: %v", err)
	}
}

func TestLocalBulkhead_ReleaseIsIdempotent(t *testing.T) {
	b := NewLocalBulkhead(1)
	ctx := context.Background()

	p, err := b.TryAcquire(ctx, "classA")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release()
	p.Release() // must not panic or double-free the slot

	if _, err := b.TryAcquire(ctx, "classA"); err != nil {
		t.Fatalf("acquire after double release: %v", err)
	}
}

func TestNewChain_FillsNoOpDefaults(t *testing.T) {
	c := NewChain(Chain{})
	if c.RateLimiter == nil || c.CircuitBreaker == nil || c.Bulkhead == nil ||
		c.Timeout == nil || c.Hedge == nil {
		t.Fatal("expected every field to default to a NoOp implementation")
	}
	if c.CircuitBreaker.State() != Closed {
		t.Fatalf("NoOp breaker should be CLOSED, got %s", c.CircuitBreaker.State())
	}
}
