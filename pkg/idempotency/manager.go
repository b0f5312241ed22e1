// Package idempotency implements C4: the idempotency manager. Its single operation,
// GetOrCreate, collapses an opid.IdempotencyKey to an opid.OpId atomically — for any
// number of concurrent callers presenting an equal key, exactly one OpId is minted and
// every caller observes it (spec.md §4.3, property P1).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/orbitcore/orbit/pkg/opid"
)

// Generator mints a new OpId for a key that has never been seen before. Adapters
// typically back this with a UUID or ULID generator (see internal/adapters/idgen).
type Generator interface {
	NewOpId(ctx context.Context, key opid.IdempotencyKey) (opid.OpId, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, key opid.IdempotencyKey) (opid.OpId, error)

func (f GeneratorFunc) NewOpId(ctx context.Context, key opid.IdempotencyKey) (opid.OpId, error) {
	return f(ctx, key)
}

// Manager is the C4 port: getOrCreate(key) -> OpId.
type Manager interface {
	GetOrCreate(ctx context.Context, key opid.IdempotencyKey) (opid.OpId, error)
}

// InMemoryManager is the reference adapter assumed for testing (spec.md §1). It is
// safe for concurrent use and guarantees the mapping is injective from the caller's
// viewpoint: distinct keys never collide on the same OpId.
//
// Retention is unbounded for the lifetime of the process, matching the deployment
// assumption in spec.md §4.3 that the mapping survives at least as long as any
// possible in-flight retry; production deployments should back this with a durable,
// uniquely-indexed table instead (see DESIGN.md).
type InMemoryManager struct {
	gen Generator

	mu      sync.Mutex
	byKey   map[string]opid.OpId
	pending map[string]chan struct{}
}

// NewInMemoryManager constructs a Manager. If gen is nil, a default generator
// producing OpIds of the form "op-<hex sha256 of the canonical key>" is used
// (deterministic, convenient for tests; production should inject internal/adapters/idgen).
// The canonical key itself contains ':', which OpId does not allow, hence the hash.
func NewInMemoryManager(gen Generator) *InMemoryManager {
	if gen == nil {
		gen = GeneratorFunc(func(_ context.Context, key opid.IdempotencyKey) (opid.OpId, error) {
			sum := sha256.Sum256([]byte(key.Canonical()))
			return opid.OpId("op-" + hex.EncodeToString(sum[:])), nil
		})
	}
	return &InMemoryManager{
		gen:     gen,
		byKey:   make(map[string]opid.OpId),
		pending: make(map[string]chan struct{}),
	}
}

// GetOrCreate is atomic: concurrent callers with an equal key race to become the
// "minting" caller; every loser waits on the minter's result instead of calling gen
// again, so the generator is invoked at most once per distinct key.
func (m *InMemoryManager) GetOrCreate(ctx context.Context, key opid.IdempotencyKey) (opid.OpId, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	canonical := key.Canonical()

	for {
		m.mu.Lock()
		if id, ok := m.byKey[canonical]; ok {
			m.mu.Unlock()
			return id, nil
		}
		if wait, inFlight := m.pending[canonical]; inFlight {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		done := make(chan struct{})
		m.pending[canonical] = done
		m.mu.Unlock()

		id, err := m.gen.NewOpId(ctx, key)

		m.mu.Lock()
		if err == nil {
			m.byKey[canonical] = id
		}
		delete(m.pending, canonical)
		close(done)
		m.mu.Unlock()

		return id, err
	}
}
