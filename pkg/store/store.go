// Package store defines C3: the Store port. This package is a CONTRACT only —
// value types, errors, and the Store interface. Concrete backends (Postgres, SQLite,
// in-memory) live under internal/adapters and import this package, never the other
// way around.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/statemachine"
)

// Sentinel errors every Store implementation must return for the corresponding
// contract failure (spec.md §4.2, §7).
var (
	ErrAlreadyExists = errors.New("store: envelope already exists")
	ErrConflict      = errors.New("store: compare-and-set lost")
	ErrNotFound      = errors.New("store: not found")
	ErrUnavailable   = errors.New("store: backend unavailable")
	ErrRetryNoFinal  = errors.New("store: latest WAL outcome is Retry, cannot finalize")
)

// WALState is the durability state of one WALEntry.
type WALState string

const (
	WALPending   WALState = "PENDING"
	WALCompleted WALState = "COMPLETED"
)

// WALEntry is one append-only, per-attempt row in the write-ahead log (spec.md §3).
type WALEntry struct {
	OpId       opid.OpId
	Outcome    opid.Outcome
	WALState   WALState
	OccurredAt time.Time
}

// Store is the C3 port. Every method must be durable before it returns; partial
// success is forbidden, most importantly in Finalize (spec.md §4.2).
type Store interface {
	// StoreEnvelope persists env under env.OpId and initializes its state to
	// statemachine.Pending. First-write-wins: a second call for the same OpId returns
	// ErrAlreadyExists and leaves the existing envelope and state intact.
	StoreEnvelope(ctx context.Context, env opid.Envelope) error

	// SetState performs a compare-and-set transition using statemachine.Validate. On a
	// lost race (the stored state no longer matches what the caller expected as
	// "from"), it returns ErrConflict.
	SetState(ctx context.Context, id opid.OpId, from, to statemachine.State) error

	// GetState returns the current state. ErrNotFound if the OpId is unknown.
	GetState(ctx context.Context, id opid.OpId) (statemachine.State, error)

	// GetEnvelope returns the stored envelope. ErrNotFound if the OpId is unknown.
	GetEnvelope(ctx context.Context, id opid.OpId) (opid.Envelope, error)

	// WriteAhead appends a WAL row with WALState=PENDING. Multiple calls for the same
	// OpId are allowed (one per attempt) and are ordered by OccurredAt.
	WriteAhead(ctx context.Context, id opid.OpId, outcome opid.Outcome) error

	// Finalize atomically: validates the IN_PROGRESS -> terminalState transition,
	// flips the most recent WAL row to COMPLETED, and sets the operation state, all in
	// one transaction. terminalState must be a terminal statemachine.State. Returns
	// ErrRetryNoFinal if the latest WAL row's Outcome is a Retry. Returns ErrConflict
	// on a lost CAS, leaving both the WAL row and the state untouched.
	Finalize(ctx context.Context, id opid.OpId, terminalState statemachine.State) error

	// LatestWAL returns the most recently written WALEntry for id.
	LatestWAL(ctx context.Context, id opid.OpId) (WALEntry, error)

	// ScanWA returns OpIds with a WAL row in WALPending older than olderThan.
	ScanWA(ctx context.Context, olderThan time.Time) ([]opid.OpId, error)

	// ScanInProgress returns OpIds in statemachine.InProgress older than olderThan.
	ScanInProgress(ctx context.Context, olderThan time.Time) ([]opid.OpId, error)
}

// Outcome is a convenience alias re-exported so adapters don't need a second import
// just to talk about WAL outcomes.
type Outcome = opid.Outcome
