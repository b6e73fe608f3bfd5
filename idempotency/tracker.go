// Package idempotency records which handler processed which event so redelivered
// messages do not repeat side effects.
//
// The tracker upgrades at-least-once delivery into effectively-once handling: before a
// handler with side effects runs, the dispatcher claims {handlerID, eventID} with a
// conditional insert. The first claimant wins; every other replica or redelivery
// observes the record and skips the handler.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention covers plausible broker redelivery delays.
const DefaultRetention = 24 * time.Hour

// Key is the idempotency key of one handler invocation.
type Key struct {
	HandlerID string
	EventID   uuid.UUID
}

func (k Key) String() string { return k.HandlerID + "/" + k.EventID.String() }

// Store persists processed-event records. Implementations must make Insert atomic:
// exactly one of any number of concurrent callers for the same key may observe true.
type Store interface {
	// Insert records key unless a live (not yet expired at processedAt) record exists.
	// It reports whether this call created the record.
	Insert(ctx context.Context, key Key, processedAt, expiresAt time.Time) (bool, error)
	// Exists reports whether a record for key is live at now.
	Exists(ctx context.Context, key Key, now time.Time) (bool, error)
	// Delete removes the record for key, if any.
	Delete(ctx context.Context, key Key) error
}

// Purger is implemented by stores that can drop expired records in bulk.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Tracker is safe for concurrent use as long as its Store is.
type Tracker struct {
	store     Store
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRetention sets how long records are kept (default 24h).
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// NewTracker constructs a Tracker over store.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Retention returns the configured record lifetime.
func (t *Tracker) Retention() time.Duration { return t.retention }

// ShouldProcess reports whether handlerID has not yet processed eventID.
// It is a cheap pre-check; MarkProcessed is the authoritative claim.
func (t *Tracker) ShouldProcess(ctx context.Context, handlerID string, eventID uuid.UUID) (bool, error) {
	key := Key{HandlerID: handlerID, EventID: eventID}

	ok, err := t.store.Exists(ctx, key, t.now())
	if err != nil {
		return false, fmt.Errorf("idempotency check %s: %w", key, err)
	}

	return !ok, nil
}

// MarkProcessed claims {handlerID, eventID}. It returns true when this caller won the
// claim and false when another caller already holds it.
func (t *Tracker) MarkProcessed(ctx context.Context, handlerID string, eventID uuid.UUID) (bool, error) {
	key := Key{HandlerID: handlerID, EventID: eventID}
	now := t.now().UTC()

	won, err := t.store.Insert(ctx, key, now, now.Add(t.retention))
	if err != nil {
		return false, fmt.Errorf("idempotency mark %s: %w", key, err)
	}

	return won, nil
}

// Forget releases a claim so a redelivery can process the event again.
func (t *Tracker) Forget(ctx context.Context, handlerID string, eventID uuid.UUID) error {
	key := Key{HandlerID: handlerID, EventID: eventID}
	if err := t.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("idempotency forget %s: %w", key, err)
	}

	return nil
}

// RunJanitor purges expired records every interval until ctx is done.
// It returns immediately when the store expires records on its own.
func (t *Tracker) RunJanitor(ctx context.Context, interval time.Duration) error {
	p, ok := t.store.(Purger)
	if !ok {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.Purge(ctx, t.now().UTC())
			if err != nil {
				t.logger.WarnContext(ctx, "idempotency purge failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				t.logger.DebugContext(ctx, "idempotency records purged", slog.Int64("count", n))
			}
		}
	}
}
