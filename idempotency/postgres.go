package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type processedEvent struct {
	HandlerID   string    `gorm:"column:handler_id;primaryKey"`
	EventID     string    `gorm:"column:event_id;primaryKey"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
	ExpiresAt   time.Time `gorm:"column:expires_at;not null;index"`
}

func (processedEvent) TableName() string { return "processed_events" }

// PostgresStore persists records in PostgreSQL through gorm. Replicas sharing the
// database race on the primary key; the conditional upsert picks one winner.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the processed_events table.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return NewPostgresStore(ctx, db)
}

// NewPostgresStore wraps an existing gorm handle and migrates the schema.
func NewPostgresStore(ctx context.Context, db *gorm.DB) (*PostgresStore, error) {
	if err := db.WithContext(ctx).AutoMigrate(&processedEvent{}); err != nil {
		return nil, fmt.Errorf("migrate processed_events: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// claim builds the conditional insert: a conflicting row is only overwritten once expired.
func claim(tx *gorm.DB, row *processedEvent) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "handler_id"}, {Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"processed_at", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "processed_events.expires_at <= ?", Vars: []any{row.ProcessedAt}},
		}},
	}).Create(row)
}

func (s *PostgresStore) Insert(ctx context.Context, key Key, processedAt, expiresAt time.Time) (bool, error) {
	row := processedEvent{
		HandlerID:   key.HandlerID,
		EventID:     key.EventID.String(),
		ProcessedAt: processedAt.UTC(),
		ExpiresAt:   expiresAt.UTC(),
	}

	res := claim(s.db.WithContext(ctx), &row)
	if res.Error != nil {
		return false, fmt.Errorf("insert processed event: %w", res.Error)
	}

	return res.RowsAffected > 0, nil
}

func (s *PostgresStore) Exists(ctx context.Context, key Key, now time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&processedEvent{}).
		Where("handler_id = ? AND event_id = ? AND expires_at > ?", key.HandlerID, key.EventID.String(), now.UTC()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("lookup processed event: %w", err)
	}

	return n > 0, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	err := s.db.WithContext(ctx).
		Where("handler_id = ? AND event_id = ?", key.HandlerID, key.EventID.String()).
		Delete(&processedEvent{}).Error
	if err != nil {
		return fmt.Errorf("delete processed event: %w", err)
	}

	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&processedEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge processed events: %w", res.Error)
	}

	return res.RowsAffected, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
