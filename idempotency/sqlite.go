package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists records in SQLite. It suits single-host deployments where
// several dispatcher processes share one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path; ":memory:" works for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_events (
			handler_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			processed_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (handler_id, event_id)
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_processed_events_expires_at
		ON processed_events(expires_at)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Insert replaces a record only when the existing one has expired.
func (s *SQLiteStore) Insert(ctx context.Context, key Key, processedAt, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (handler_id, event_id, processed_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(handler_id, event_id) DO UPDATE SET
			processed_at = excluded.processed_at,
			expires_at = excluded.expires_at
		WHERE processed_events.expires_at <= excluded.processed_at
	`, key.HandlerID, key.EventID.String(), processedAt.UnixNano(), expiresAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert processed event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert processed event: %w", err)
	}

	return n > 0, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key Key, now time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_events
		WHERE handler_id = ? AND event_id = ? AND expires_at > ?
	`, key.HandlerID, key.EventID.String(), now.UnixNano()).Scan(&one)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup processed event: %w", err)
	}

	return true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE handler_id = ? AND event_id = ?`,
		key.HandlerID, key.EventID.String(),
	); err != nil {
		return fmt.Errorf("delete processed event: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}

	return res.RowsAffected()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
