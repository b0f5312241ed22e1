package protect

import (
	"context"
	"fmt"
	"sync"
)

// LocalBulkhead bounds concurrency per class using a fixed-size semaphore per class,
// grounded on the teacher's coordinator.Pool bounded-channel pattern
// (services/orchestrator/internal/coordinator/worker_pool.go): a buffered channel of
// tokens stands in for the semaphore, acquisition is ctx-aware, and release always
// happens through the returned Permit so a cancelled or panicking caller can't leak a
// slot.
type LocalBulkhead struct {
	limit int

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLocalBulkhead builds a bulkhead allowing up to limit concurrent permits per
// class. limit <= 0 is treated as 1.
func NewLocalBulkhead(limit int) *LocalBulkhead {
	if limit <= 0 {
		limit = 1
	}
	return &LocalBulkhead{limit: limit, sems: make(map[string]chan struct{})}
}

func (b *LocalBulkhead) semFor(class string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.sems[class]
	if !ok {
		sem = make(chan struct{}, b.limit)
		b.sems[class] = sem
	}
	return sem
}

type bulkheadPermit struct {
	sem chan struct{}
	once sync.Once
}

func (p *bulkheadPermit) Release() {
	p.once.Do(func() {
		<-p.sem
	})
}

// TryAcquire acquires a slot for class without blocking; if the class is saturated it
// returns a Refusal immediately rather than queueing, matching spec.md §4.5's
// "refusal yields Retry" contract.
func (b *LocalBulkhead) TryAcquire(ctx context.Context, class string) (Permit, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	sem := b.semFor(class)
	select {
	case sem <- struct{}{}:
		return &bulkheadPermit{sem: sem}, nil
	default:
		return nil, Refusal{Reason: fmt.Sprintf("bulkhead saturated for class %q", class)}
	}
}
