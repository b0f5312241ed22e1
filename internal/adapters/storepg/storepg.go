// Package storepg implements pkg/store.Store on PostgreSQL via database/sql,
// grounded on the teacher's services/storage/internal/relational.PostgresStore:
// standard-library-only SQL (the driver is registered with a blank import by the
// caller, e.g. github.com/lib/pq), an EnsureSchema bootstrap, a validated table name,
// and a caller-injectable Clock for deterministic timestamps.
//
// Two tables back one Store: operations (the envelope + current state, one row per
// OpId) and operations_wal (append-only attempt history). Finalize uses row-level
// locking (SELECT ... FOR UPDATE) inside a transaction, and SetState a single
// UPDATE guarded by the expected state, to implement the CAS semantics the port
// requires.
package storepg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/statemachine"
	"github.com/orbitcore/orbit/pkg/store"
)

var validIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if !validIdent.MatchString(name) {
		return fmt.Errorf("storepg: invalid table name %q", name)
	}
	return nil
}

// Clock supplies the current time; tests may override it for determinism.
type Clock func() time.Time

// Options configures Store, mirroring the teacher's relational.Options.
type Options struct {
	OpsTable  string // default "orbit_operations"
	WALTable  string // default "orbit_operations_wal"
	Clock     Clock
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.OpsTable) == "" {
		o.OpsTable = "orbit_operations"
	}
	if strings.TrimSpace(o.WALTable) == "" {
		o.WALTable = "orbit_operations_wal"
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db   *sql.DB
	opts Options
}

func New(db *sql.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storepg: db is nil")
	}
	opts = opts.withDefaults()
	if err := validateTableName(opts.OpsTable); err != nil {
		return nil, err
	}
	if err := validateTableName(opts.WALTable); err != nil {
		return nil, err
	}
	return &Store{db: db, opts: opts}, nil
}

// EnsureSchema creates the backing tables if they do not exist. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ops := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  op_id       TEXT PRIMARY KEY,
  domain      TEXT NOT NULL,
  event_type  TEXT NOT NULL,
  biz_key     TEXT NOT NULL,
  idem_key    TEXT NOT NULL,
  payload     BYTEA NOT NULL,
  version     BIGINT NOT NULL,
  state       TEXT NOT NULL,
  accepted_at TIMESTAMPTZ NOT NULL,
  state_changed_at TIMESTAMPTZ NOT NULL
);`, s.opts.OpsTable)
	wal := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id           BIGSERIAL PRIMARY KEY,
  op_id        TEXT NOT NULL REFERENCES %s(op_id),
  outcome_json TEXT NOT NULL,
  wal_state    TEXT NOT NULL,
  occurred_at  TIMESTAMPTZ NOT NULL
);`, s.opts.WALTable, s.opts.OpsTable)
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_op_id_idx ON %s (op_id, id DESC);`, s.opts.WALTable, s.opts.WALTable)

	for _, q := range []string{ops, wal, idx} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", store.ErrUnavailable, err)
		}
	}
	return nil
}

func (s *Store) StoreEnvelope(ctx context.Context, env opid.Envelope) error {
	q := fmt.Sprintf(`
INSERT INTO %s (op_id, domain, event_type, biz_key, idem_key, payload, version, state, accepted_at, state_changed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (op_id) DO NOTHING;`, s.opts.OpsTable)

	res, err := s.db.ExecContext(ctx, q,
		string(env.OpId), env.Command.Domain, env.Command.EventType, env.Command.BizKey, env.Command.IdemKey,
		[]byte(env.Command.Payload), env.Version, string(statemachine.Pending), env.AcceptedAt)
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
	q := fmt.Sprintf(`UPDATE %s SET state = $1, state_changed_at = $4 WHERE op_id = $2 AND state = $3;`, s.opts.OpsTable)
	res, err := s.db.ExecContext(ctx, q, string(to), string(id), string(from), s.opts.Clock())
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
	q := fmt.Sprintf(`SELECT state FROM %s WHERE op_id = $1;`, s.opts.OpsTable)
	var raw string
	err := s.db.QueryRowContext(ctx, q, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return statemachine.Unknown, store.ErrNotFound
	}
	if err != nil {
		return statemachine.Unknown, fmt.Errorf("%w: get state: %v", store.ErrUnavailable, err)
	}
	return statemachine.State(raw), nil
}

func (s *Store) GetEnvelope(ctx context.Context, id opid.OpId) (opid.Envelope, error) {
	q := fmt.Sprintf(`SELECT domain, event_type, biz_key, idem_key, payload, version, accepted_at FROM %s WHERE op_id = $1;`, s.opts.OpsTable)
	var (
		domain, eventType, bizKey, idemKey string
		payload                            []byte
		version                            int64
		acceptedAt                         time.Time
	)
	err := s.db.QueryRowContext(ctx, q, string(id)).Scan(&domain, &eventType, &bizKey, &idemKey, &payload, &version, &acceptedAt)
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
		AcceptedAt: acceptedAt.UTC(),
	}, nil
}

func (s *Store) WriteAhead(ctx context.Context, id opid.OpId, outcome opid.Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("storepg: marshal outcome: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (op_id, outcome_json, wal_state, occurred_at) VALUES ($1, $2, $3, $4);`, s.opts.WALTable)
	if _, err := s.db.ExecContext(ctx, q, string(id), string(raw), string(store.WALPending), s.opts.Clock()); err != nil {
		return fmt.Errorf("%w: write ahead: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Finalize(ctx context.Context, id opid.OpId, terminalState statemachine.State) error {
	if !terminalState.Terminal() {
		return fmt.Errorf("storepg: %s is not a terminal state", terminalState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: finalize: begin: %v", store.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var curState string
	lockQ := fmt.Sprintf(`SELECT state FROM %s WHERE op_id = $1 FOR UPDATE;`, s.opts.OpsTable)
	if err := tx.QueryRowContext(ctx, lockQ, string(id)).Scan(&curState); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("%w: finalize: lock: %v", store.ErrUnavailable, err)
	}
	if err := statemachine.Validate(statemachine.State(curState), terminalState); err != nil {
		if statemachine.State(curState) != statemachine.InProgress {
			return store.ErrConflict
		}
		return err
	}

	var walID int64
	var outcomeJSON string
	walQ := fmt.Sprintf(`SELECT id, outcome_json FROM %s WHERE op_id = $1 ORDER BY id DESC LIMIT 1 FOR UPDATE;`, s.opts.WALTable)
	if err := tx.QueryRowContext(ctx, walQ, string(id)).Scan(&walID, &outcomeJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no WAL row", store.ErrRetryNoFinal)
		}
		return fmt.Errorf("%w: finalize: latest wal: %v", store.ErrUnavailable, err)
	}
	var outcome opid.Outcome
	if err := json.Unmarshal([]byte(outcomeJSON), &outcome); err != nil {
		return fmt.Errorf("storepg: decode outcome: %w", err)
	}
	if !outcome.IsTerminal() {
		return store.ErrRetryNoFinal
	}

	updWAL := fmt.Sprintf(`UPDATE %s SET wal_state = $1 WHERE id = $2;`, s.opts.WALTable)
	if _, err := tx.ExecContext(ctx, updWAL, string(store.WALCompleted), walID); err != nil {
		return fmt.Errorf("%w: finalize: update wal: %v", store.ErrUnavailable, err)
	}

	updState := fmt.Sprintf(`UPDATE %s SET state = $1, state_changed_at = $4 WHERE op_id = $2 AND state = $3;`, s.opts.OpsTable)
	res, err := tx.ExecContext(ctx, updState, string(terminalState), string(id), curState, s.opts.Clock())
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
	q := fmt.Sprintf(`SELECT outcome_json, wal_state, occurred_at FROM %s WHERE op_id = $1 ORDER BY id DESC LIMIT 1;`, s.opts.WALTable)
	var outcomeJSON, walState string
	var occurredAt time.Time
	err := s.db.QueryRowContext(ctx, q, string(id)).Scan(&outcomeJSON, &walState, &occurredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.WALEntry{}, store.ErrNotFound
	}
	if err != nil {
		return store.WALEntry{}, fmt.Errorf("%w: latest wal: %v", store.ErrUnavailable, err)
	}
	var outcome opid.Outcome
	if err := json.Unmarshal([]byte(outcomeJSON), &outcome); err != nil {
		return store.WALEntry{}, fmt.Errorf("storepg: decode outcome: %w", err)
	}
	return store.WALEntry{OpId: id, Outcome: outcome, WALState: store.WALState(walState), OccurredAt: occurredAt.UTC()}, nil
}

func (s *Store) ScanWA(ctx context.Context, olderThan time.Time) ([]opid.OpId, error) {
	q := fmt.Sprintf(`
SELECT DISTINCT w.op_id FROM %s w
WHERE w.wal_state = $1 AND w.occurred_at < $2
  AND w.id = (SELECT MAX(id) FROM %s w2 WHERE w2.op_id = w.op_id)
ORDER BY w.op_id;`, s.opts.WALTable, s.opts.WALTable)
	return s.scanIds(ctx, q, string(store.WALPending), olderThan)
}

func (s *Store) ScanInProgress(ctx context.Context, olderThan time.Time) ([]opid.OpId, error) {
	q := fmt.Sprintf(`SELECT op_id FROM %s WHERE state = $1 AND state_changed_at < $2 ORDER BY op_id;`, s.opts.OpsTable)
	return s.scanIds(ctx, q, string(statemachine.InProgress), olderThan)
}

func (s *Store) scanIds(ctx context.Context, q string, args ...any) ([]opid.OpId, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", store.ErrUnavailable, err)
	}
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
