package saga

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("saga: instance not found")
	ErrExists          = errors.New("saga: instance already exists")
	ErrVersionConflict = errors.New("saga: version conflict")
	ErrNotCancellable  = errors.New("saga: not cancellable")
	ErrUnknownSaga     = errors.New("saga: unknown saga")
)

// Store persists saga instances with compare-and-set writes. Replicas of the
// coordinator may race on one instance; the loser of a write sees ErrVersionConflict.
type Store interface {
	// Create inserts inst with version 1, or fails with ErrExists.
	Create(ctx context.Context, inst *Instance) error
	// Get returns a copy of the instance or ErrNotFound.
	Get(ctx context.Context, saga string, correlationID uuid.UUID) (*Instance, error)
	// Update writes inst when the stored version equals expected and then sets
	// inst.Version to expected+1.
	Update(ctx context.Context, inst *Instance, expected int64) error
	// ListDue returns live instances whose deadline is at or before t.
	ListDue(ctx context.Context, t time.Time) ([]*Instance, error)
	// ListOutbox returns instances holding unpublished envelopes.
	ListOutbox(ctx context.Context) ([]*Instance, error)
	// DeleteFinished archives terminal instances of saga with an empty outbox that
	// finished at or before t.
	DeleteFinished(ctx context.Context, saga string, t time.Time) (int64, error)
}

// MemoryStore keeps instances in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[Key]*Instance
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[Key]*Instance)}
}

func (s *MemoryStore) Create(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.Key()]; ok {
		return ErrExists
	}
	inst.Version = 1
	s.instances[inst.Key()] = inst.Clone()

	return nil
}

func (s *MemoryStore) Get(_ context.Context, saga string, correlationID uuid.UUID) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[Key{Saga: saga, CorrelationID: correlationID}]
	if !ok {
		return nil, ErrNotFound
	}

	return inst.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, inst *Instance, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.Key()]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	inst.Version = expected + 1
	s.instances[inst.Key()] = inst.Clone()

	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, t time.Time) ([]*Instance, error) {
	return s.list(func(i *Instance) bool {
		return i.State.Live() && !i.Deadline.IsZero() && !i.Deadline.After(t)
	}), nil
}

func (s *MemoryStore) ListOutbox(context.Context) ([]*Instance, error) {
	return s.list(func(i *Instance) bool { return len(i.Outbox) > 0 }), nil
}

func (s *MemoryStore) DeleteFinished(_ context.Context, saga string, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, inst := range s.instances {
		if k.Saga == saga && inst.State.Terminal() && len(inst.Outbox) == 0 && !inst.FinishedAt.After(t) {
			delete(s.instances, k)
			n++
		}
	}

	return n, nil
}

// Len returns the number of stored instances.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func (s *MemoryStore) list(match func(*Instance) bool) []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Instance
	for _, inst := range s.instances {
		if match(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })

	return out
}

var _ Store = (*MemoryStore)(nil)
