// Package perkey provides a scheduler that serializes work per key
// while allowing work for different keys to execute concurrently.
//
// The dispatcher uses it with the correlation id as key: envelopes of one business
// transaction are handled strictly in arrival order, different transactions in parallel.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerClosed is returned when work is submitted to a closed scheduler.
var ErrSchedulerClosed = errors.New("perkey: scheduler is closed")

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the task buffer size per key (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// Scheduler runs tasks such that for any given key tasks execute sequentially in
// submission order. Tasks for different keys proceed in parallel. A key's worker
// goroutine exits as soon as its queue drains, so idle keys hold no resources.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	wg         sync.WaitGroup // tracks submitted, unfinished tasks
	bufferSize int
}

type worker struct {
	tasks   chan func()
	pending int // guarded by Scheduler.mu
}

// New creates a Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		bufferSize: cfg.bufferSize,
	}
}

// Submit enqueues fn for key and returns once it is queued, not when it ran.
// Submit blocks while the key's buffer is full; a done ctx aborts the wait.
// Callers that need arrival order must call Submit sequentially.
func (s *Scheduler[K]) Submit(ctx context.Context, key K, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	w := s.workers[key]
	if w == nil {
		w = &worker{tasks: make(chan func(), s.bufferSize)}
		s.workers[key] = w
		go s.run(key, w)
	}
	w.pending++
	s.wg.Add(1)
	s.mu.Unlock()

	select {
	case w.tasks <- fn:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		w.pending--
		if w.pending == 0 {
			// The worker is parked on an empty queue and nobody else holds a claim on it.
			delete(s.workers, key)
			close(w.tasks)
		}
		s.mu.Unlock()
		s.wg.Done()
		return ctx.Err()
	}
}

// Do runs fn for key and waits for its result.
// If ctx is done while waiting, Do returns ctx.Err(); a queued fn still runs.
func (s *Scheduler[K]) Do(ctx context.Context, key K, fn func() error) error {
	done := make(chan error, 1)
	if err := s.Submit(ctx, key, func() { done <- fn() }); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of keys with queued or running work.
func (s *Scheduler[K]) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting work and waits until every queued task has run.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler[K]) run(key K, w *worker) {
	for fn := range w.tasks {
		fn()

		s.mu.Lock()
		w.pending--
		idle := w.pending == 0
		if idle {
			delete(s.workers, key)
		}
		s.mu.Unlock()
		s.wg.Done()

		if idle {
			return
		}
	}
}
