package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists instances as JSON documents next to the columns the sweeper
// queries. The version column carries the compare-and-set.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS saga_instances (
			saga TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			state TEXT NOT NULL,
			deadline INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			outbox INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL,
			doc BLOB NOT NULL,
			PRIMARY KEY (saga, correlation_id)
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_saga_instances_state_deadline
		ON saga_instances(state, deadline)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, inst *Instance) error {
	next := inst.Clone()
	next.Version = 1

	doc, err := MarshalInstance(next)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_instances (saga, correlation_id, state, deadline, finished_at, outbox, updated_at, version, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(saga, correlation_id) DO NOTHING
	`, next.Saga, next.CorrelationID.String(), string(next.State), unixNano(next.Deadline),
		unixNano(next.FinishedAt), len(next.Outbox), next.UpdatedAt.UnixNano(), doc)
	if err != nil {
		return fmt.Errorf("insert saga instance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert saga instance: %w", err)
	}
	if n == 0 {
		return ErrExists
	}
	inst.Version = 1

	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, saga string, correlationID uuid.UUID) (*Instance, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM saga_instances WHERE saga = ? AND correlation_id = ?`,
		saga, correlationID.String(),
	).Scan(&doc)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load saga instance: %w", err)
	}

	return UnmarshalInstance(doc)
}

func (s *SQLiteStore) Update(ctx context.Context, inst *Instance, expected int64) error {
	next := inst.Clone()
	next.Version = expected + 1

	doc, err := MarshalInstance(next)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_instances
		SET state = ?, deadline = ?, finished_at = ?, outbox = ?, updated_at = ?, version = ?, doc = ?
		WHERE saga = ? AND correlation_id = ? AND version = ?
	`, string(next.State), unixNano(next.Deadline), unixNano(next.FinishedAt), len(next.Outbox),
		next.UpdatedAt.UnixNano(), next.Version, doc,
		next.Saga, next.CorrelationID.String(), expected)
	if err != nil {
		return fmt.Errorf("update saga instance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga instance: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, next.Saga, next.CorrelationID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	inst.Version = next.Version

	return nil
}

func (s *SQLiteStore) ListDue(ctx context.Context, t time.Time) ([]*Instance, error) {
	return s.query(ctx, `
		SELECT doc FROM saga_instances
		WHERE state IN (?, ?) AND deadline > 0 AND deadline <= ?
		ORDER BY updated_at
	`, string(StateStarted), string(StateStepCompleted), t.UnixNano())
}

func (s *SQLiteStore) ListOutbox(ctx context.Context) ([]*Instance, error) {
	return s.query(ctx, `SELECT doc FROM saga_instances WHERE outbox > 0 ORDER BY updated_at`)
}

func (s *SQLiteStore) DeleteFinished(ctx context.Context, saga string, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_instances
		WHERE saga = ? AND state IN (?, ?) AND outbox = 0 AND finished_at > 0 AND finished_at <= ?
	`, saga, string(StateCompleted), string(StateFailed), t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("archive saga instances: %w", err)
	}

	return res.RowsAffected()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list saga instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan saga instance: %w", err)
		}
		inst, err := UnmarshalInstance(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}

	return out, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

var _ Store = (*SQLiteStore)(nil)
