package idempotency

import (
	"context"
	"sync"
	"testing"

	"github.com/orbitcore/orbit/pkg/opid"
)

func testKey() opid.IdempotencyKey {
	return opid.IdempotencyKey{
		Domain:    "payments",
		EventType: "PAYMENT_CANCEL",
		BizKey:    "BK-1",
		IdemKey:   "I-1",
	}
}

func TestGetOrCreate_SameKeySameOpId(t *testing.T) {
	m := NewInMemoryManager(nil)
	ctx := context.Background()
	k := testKey()

	first, err := m.GetOrCreate(ctx, k)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := m.GetOrCreate(ctx, k)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable OpId for equal keys, got %q then %q", first, second)
	}
}

func TestGetOrCreate_DistinctKeysNeverCollide(t *testing.T) {
	m := NewInMemoryManager(nil)
	ctx := context.Background()

	k1 := testKey()
	k2 := testKey()
	k2.BizKey = "BK-2"

	id1, _ := m.GetOrCreate(ctx, k1)
	id2, _ := m.GetOrCreate(ctx, k2)
	if id1 == id2 {
		t.Fatalf("distinct keys collided on OpId %q", id1)
	}
}

// TestGetOrCreate_Concurrent exercises property P1: concurrent callers with equal
// IdempotencyKeys must all observe exactly one minted OpId.
func TestGetOrCreate_Concurrent(t *testing.T) {
	var calls int
	var mu sync.Mutex
	gen := GeneratorFunc(func(_ context.Context, _ opid.IdempotencyKey) (opid.OpId, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return opid.OpId("minted-once"), nil
	})
	m := NewInMemoryManager(gen)
	k := testKey()

	const n = 64
	results := make([]opid.OpId, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id, err := m.GetOrCreate(context.Background(), k)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			results[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		if id != "minted-once" {
			t.Fatalf("expected all callers to observe the single minted OpId, got %q", id)
		}
	}
	if calls != 1 {
		t.Fatalf("expected generator invoked exactly once, got %d", calls)
	}
}

func TestGetOrCreate_InvalidKeyRejected(t *testing.T) {
	m := NewInMemoryManager(nil)
	_, err := m.GetOrCreate(context.Background(), opid.IdempotencyKey{})
	if err == nil {
		t.Fatal("expected error for empty key")
	}
}
