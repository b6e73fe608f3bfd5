package idempotency_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-saga-bus/idempotency"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func stores(t *testing.T) map[string]idempotency.Store {
	t.Helper()

	sq, err := idempotency.NewSQLiteStore(filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]idempotency.Store{
		"memory": idempotency.NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestTrackerLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clk := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
			tr := idempotency.NewTracker(store, idempotency.WithClock(clk.Now), idempotency.WithRetention(time.Hour))
			ctx := t.Context()
			ev := uuid.New()

			ok, err := tr.ShouldProcess(ctx, "inventory", ev)
			require.NoError(t, err)
			assert.True(t, ok)

			won, err := tr.MarkProcessed(ctx, "inventory", ev)
			require.NoError(t, err)
			assert.True(t, won)

			ok, err = tr.ShouldProcess(ctx, "inventory", ev)
			require.NoError(t, err)
			assert.False(t, ok, "processed event must be suppressed")

			won, err = tr.MarkProcessed(ctx, "inventory", ev)
			require.NoError(t, err)
			assert.False(t, won, "second claim must lose")

			ok, err = tr.ShouldProcess(ctx, "notification", ev)
			require.NoError(t, err)
			assert.True(t, ok, "keys are per handler")

			require.NoError(t, tr.Forget(ctx, "inventory", ev))
			ok, err = tr.ShouldProcess(ctx, "inventory", ev)
			require.NoError(t, err)
			assert.True(t, ok, "forgotten claim is released")

			won, err = tr.MarkProcessed(ctx, "inventory", ev)
			require.NoError(t, err)
			require.True(t, won)

			clk.Advance(time.Hour)
			ok, err = tr.ShouldProcess(ctx, "inventory", ev)
			require.NoError(t, err)
			assert.True(t, ok, "expired record no longer suppresses")

			won, err = tr.MarkProcessed(ctx, "inventory", ev)
			require.NoError(t, err)
			assert.True(t, won, "expired record can be reclaimed")
		})
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			replicaA := idempotency.NewTracker(store)
			replicaB := idempotency.NewTracker(store)
			ev := uuid.New()

			var (
				wins atomic.Int32
				wg   sync.WaitGroup
			)
			for i := range 32 {
				tr := replicaA
				if i%2 == 1 {
					tr = replicaB
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					won, err := tr.MarkProcessed(context.Background(), "payment", ev)
					assert.NoError(t, err)
					if won {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestPurgeRemovesExpiredRecords(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p, ok := store.(idempotency.Purger)
			require.True(t, ok)

			base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
			ctx := t.Context()
			old := idempotency.Key{HandlerID: "h", EventID: uuid.New()}
			fresh := idempotency.Key{HandlerID: "h", EventID: uuid.New()}

			_, err := store.Insert(ctx, old, base, base.Add(time.Minute))
			require.NoError(t, err)
			_, err = store.Insert(ctx, fresh, base, base.Add(time.Hour))
			require.NoError(t, err)

			n, err := p.Purge(ctx, base.Add(10*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			live, err := store.Exists(ctx, fresh, base.Add(10*time.Minute))
			require.NoError(t, err)
			assert.True(t, live)
		})
	}
}

func TestJanitorPurgesPeriodically(t *testing.T) {
	store := idempotency.NewMemoryStore()
	clk := &clock{now: time.Now()}
	tr := idempotency.NewTracker(store, idempotency.WithClock(clk.Now), idempotency.WithRetention(time.Minute))

	_, err := tr.MarkProcessed(t.Context(), "h", uuid.New())
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- tr.RunJanitor(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
