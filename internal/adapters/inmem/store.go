// Package inmem provides dependency-free reference adapters for Store and Bus,
// grounded on the teacher's in-process test doubles for pkg/idempotency and
// pkg/queue. They are not meant for production (no persistence across restarts) but
// implement the full CAS and WAL contracts so the core packages can be exercised
// without a real database or broker.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/statemachine"
	"github.com/orbitcore/orbit/pkg/store"
)

type record struct {
	env            opid.Envelope
	state          statemachine.State
	wal            []store.WALEntry
	stateChangedAt time.Time
}

// Store is an in-memory implementation of the C3 port.
type Store struct {
	mu   sync.Mutex
	recs map[opid.OpId]*record

	// Clock lets tests control WAL/state timestamps deterministically.
	Clock func() time.Time
}

// NewStore builds an empty in-memory Store.
func NewStore() *Store {
	return &Store{recs: make(map[opid.OpId]*record), Clock: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) now() time.Time { return s.Clock() }

func (s *Store) StoreEnvelope(_ context.Context, env opid.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[env.OpId]; ok {
		return store.ErrAlreadyExists
	}
	s.recs[env.OpId] = &record{env: env, state: statemachine.Pending, stateChangedAt: s.now()}
	return nil
}

func (s *Store) SetState(_ context.Context, id opid.OpId, from, to statemachine.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := statemachine.Validate(from, to); err != nil {
		return err
	}
	if rec.state != from {
		return store.ErrConflict
	}
	rec.state = to
	rec.stateChangedAt = s.now()
	return nil
}

func (s *Store) GetState(_ context.Context, id opid.OpId) (statemachine.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return statemachine.Unknown, store.ErrNotFound
	}
	return rec.state, nil
}

func (s *Store) GetEnvelope(_ context.Context, id opid.OpId) (opid.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return opid.Envelope{}, store.ErrNotFound
	}
	return rec.env, nil
}

func (s *Store) WriteAhead(_ context.Context, id opid.OpId, outcome opid.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.wal = append(rec.wal, store.WALEntry{OpId: id, Outcome: outcome, WALState: store.WALPending, OccurredAt: s.now()})
	return nil
}

func (s *Store) Finalize(_ context.Context, id opid.OpId, terminalState statemachine.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	if len(rec.wal) == 0 {
		return store.ErrRetryNoFinal
	}
	last := &rec.wal[len(rec.wal)-1]
	if !last.Outcome.IsTerminal() {
		return store.ErrRetryNoFinal
	}
	if err := statemachine.Validate(rec.state, terminalState); err != nil {
		if rec.state != statemachine.InProgress {
			return store.ErrConflict
		}
		return err
	}
	last.WALState = store.WALCompleted
	rec.state = terminalState
	rec.stateChangedAt = s.now()
	return nil
}

func (s *Store) LatestWAL(_ context.Context, id opid.OpId) (store.WALEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || len(rec.wal) == 0 {
		return store.WALEntry{}, store.ErrNotFound
	}
	return rec.wal[len(rec.wal)-1], nil
}

func (s *Store) ScanWA(_ context.Context, olderThan time.Time) ([]opid.OpId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []opid.OpId
	for id, rec := range s.recs {
		if len(rec.wal) == 0 {
			continue
		}
		last := rec.wal[len(rec.wal)-1]
		if last.WALState == store.WALPending && last.OccurredAt.Before(olderThan) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) ScanInProgress(_ context.Context, olderThan time.Time) ([]opid.OpId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []opid.OpId
	for id, rec := range s.recs {
		if rec.state == statemachine.InProgress && rec.stateChangedAt.Before(olderThan) {
			out = append(out, id)
		}
	}
	return out, nil
}
