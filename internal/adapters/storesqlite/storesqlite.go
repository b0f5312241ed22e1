// Package storesqlite implements pkg/store.Store on SQLite via database/sql, for
// single-node deployments and tests that want real durability without a Postgres
// instance. Schema and CAS semantics mirror internal/adapters/storepg; SQLite has no
// SELECT ... FOR UPDATE, so Finalize runs its read-check-write in an ordinary
// transaction on a pool capped at one open connection (New sets SetMaxOpenConns(1)),
// which serializes every statement in the process and gives the same-process CAS
// guarantee the port requires. The driver
// (github.com/mattn/go-sqlite3) is registered by the caller via a blank import.
package storesqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/statemachine"
	"github.com/orbitcore/orbit/pkg/store"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storesqlite: db is nil")
	}
	db.SetMaxOpenConns(1) // SQLite allows one writer; avoid pool-level write contention
	return &Store{db: db}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orbit_operations (
			op_id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			event_type TEXT NOT NULL,
			biz_key TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			payload BLOB NOT NULL,
			version INTEGER NOT NULL,
			state TEXT NOT NULL,
			accepted_at TEXT NOT NULL,
			state_changed_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS orbit_operations_wal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id TEXT NOT NULL REFERENCES orbit_operations(op_id),
			outcome_json TEXT NOT NULL,
			wal_state TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS orbit_operations_wal_op_id_idx ON orbit_operations_wal (op_id, id DESC);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", store.ErrUnavailable, err)
		}
	}
	return nil
}

func nowRFC3339(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func (s *Store) StoreEnvelope(ctx context.Context, env opid.Envelope) error {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO orbit_operations (op_id, domain, event_type, biz_key, idem_key, payload, version, state, accepted_at, state_changed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		string(env.OpId), env.Command.Domain, env.Command.EventType, env.Command.BizKey, env.Command.IdemKey,
		[]byte(env.Command.Payload), env.Version, string(statemachine.Pending), nowRFC3339(env.AcceptedAt), nowRFC3339(env.AcceptedAt))
	if err != nil {
		return fmt.Errorf("%w: store envelope: %v", store.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: store envelope: %v", store.ErrUnavailable, err)
	}
	if n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) SetState(ctx context.Context, id opid.OpId, from, to statemachine.State) error {
	if err := statemachine.Validate(from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE orbit_operations SET state = ?, state_changed_at = ? WHERE op_id = ? AND state = ?;`,
		string(to), nowRFC3339(time.Now()), string(id), string(from))
	if err != nil {
		return fmt.Errorf("%w: set state: %v", store.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: set state: %v", store.ErrUnavailable, err)
	}
	if n == 0 {
		if _, getErr := s.GetState(ctx, id); getErr != nil {
			return getErr
		}
		return store.ErrConflict
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, id opid.OpId) (statemachine.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM orbit_operations WHERE op_id = ?;`, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return statemachine.Unknown, store.ErrNotFound
	}
	if err != nil {
		return statemachine.Unknown, fmt.Errorf("%w: get state: %v", store.ErrUnavailable, err)
	}
	return statemachine.State(raw), nil
}

func (s *Store) GetEnvelope(ctx context.Context, id opid.OpId) (opid.Envelope, error) {
	var (
		domain, eventType, bizKey, idemKey, acceptedAt string
		payload                                        []byte
		version                                        int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT domain, event_type, biz_key, idem_key, payload, version, accepted_at FROM orbit_operations WHERE op_id = ?;`, string(id)).
		Scan(&domain, &eventType, &bizKey, &idemKey, &payload, &version, &acceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return opid.Envelope{}, store.ErrNotFound
	}
	if err != nil {
		return opid.Envelope{}, fmt.Errorf("%w: get envelope: %v", store.ErrUnavailable, err)
	}
	return opid.Envelope{
		OpId: id,
		Command: opid.Command{
			Domain: domain, EventType: eventType, BizKey: bizKey, IdemKey: idemKey, Payload: opid.Payload(payload),
		},
		Version:    version,
		AcceptedAt: parseTime(acceptedAt),
	}, nil
}

func (s *Store) WriteAhead(ctx context.Context, id opid.OpId, outcome opid.Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("storesqlite: marshal outcome: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO orbit_operations_wal (op_id, outcome_json, wal_state, occurred_at) VALUES (?, ?, ?, ?);`,
		string(id), string(raw), string(store.WALPending), nowRFC3339(time.Now())); err != nil {
		return fmt.Errorf("%w: write ahead: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Finalize(ctx context.Context, id opid.OpId, terminalState statemachine.State) error {
	if !terminalState.Terminal() {
		return fmt.Errorf("storesqlite: %s is not a terminal state", terminalState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: finalize: begin: %v", store.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var curState string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM orbit_operations WHERE op_id = ?;`, string(id)).Scan(&curState); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("%w: finalize: read state: %v", store.ErrUnavailable, err)
	}
	if err := statemachine.Validate(statemachine.State(curState), terminalState); err != nil {
		if statemachine.State(curState) != statemachine.InProgress {
			return store.ErrConflict
		}
		return err
	}

	var walID int64
	var outcomeJSON string
	if err := tx.QueryRowContext(ctx, `SELECT id, outcome_json FROM orbit_operations_wal WHERE op_id = ? ORDER BY id DESC LIMIT 1;`, string(id)).
		Scan(&walID, &outcomeJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no WAL row", store.ErrRetryNoFinal)
		}
		return fmt.Errorf("%w: finalize: latest wal: %v", store.ErrUnavailable, err)
	}
	var outcome opid.Outcome
	if err := json.Unmarshal([]byte(outcomeJSON), &outcome); err != nil {
		return fmt.Errorf("storesqlite: decode outcome: %w", err)
	}
	if !outcome.IsTerminal() {
		return store.ErrRetryNoFinal
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orbit_operations_wal SET wal_state = ? WHERE id = ?;`, string(store.WALCompleted), walID); err != nil {
		return fmt.Errorf("%w: finalize: update wal: %v", store.ErrUnavailable, err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE orbit_operations SET state = ?, state_changed_at = ? WHERE op_id = ? AND state = ?;`,
		string(terminalState), nowRFC3339(time.Now()), string(id), curState)
	if err != nil {
		return fmt.Errorf("%w: finalize: update state: %v", store.ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: finalize: commit: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) LatestWAL(ctx context.Context, id opid.OpId) (store.WALEntry, error) {
	var outcomeJSON, walState, occurredAt string
	err := s.db.QueryRowContext(ctx, `SELECT outcome_json, wal_state, occurred_at FROM orbit_operations_wal WHERE op_id = ? ORDER BY id DESC LIMIT 1;`, string(id)).
		Scan(&outcomeJSON, &walState, &occurredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.WALEntry{}, store.ErrNotFound
	}
	if err != nil {
		return store.WALEntry{}, fmt.Errorf("%w: latest wal: %v", store.ErrUnavailable, err)
	}
	var outcome opid.Outcome
	if err := json.Unmarshal([]byte(outcomeJSON), &outcome); err != nil {
		return store.WALEntry{}, fmt.Errorf("storesqlite: decode outcome: %w", err)
	}
	return store.WALEntry{OpId: id, Outcome: outcome, WALState: store.WALState(walState), OccurredAt: parseTime(occurredAt)}, nil
}

func (s *Store) ScanWA(ctx context.Context, olderThan time.Time) ([]opid.OpId, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT w.op_id FROM orbit_operations_wal w
WHERE w.wal_state = ? AND w.occurred_at < ?
  AND w.id = (SELECT MAX(id) FROM orbit_operations_wal w2 WHERE w2.op_id = w.op_id)
ORDER BY w.op_id;`, string(store.WALPending), nowRFC3339(olderThan))
	if err != nil {
		return nil, fmt.Errorf("%w: scan wa: %v", store.ErrUnavailable, err)
	}
	return scanIds(rows)
}

func (s *Store) ScanInProgress(ctx context.Context, olderThan time.Time) ([]opid.OpId, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT op_id FROM orbit_operations WHERE state = ? AND state_changed_at < ? ORDER BY op_id;`,
		string(statemachine.InProgress), nowRFC3339(olderThan))
	if err != nil {
		return nil, fmt.Errorf("%w: scan in progress: %v", store.ErrUnavailable, err)
	}
	return scanIds(rows)
}

func scanIds(rows *sql.Rows) ([]opid.OpId, error) {
	defer rows.Close()
	var out []opid.OpId
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", store.ErrUnavailable, err)
		}
		out = append(out, opid.OpId(raw))
	}
	return out, rows.Err()
}
