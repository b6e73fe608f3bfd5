package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It is only correct for a single
// dispatcher process; replicas need a shared store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]time.Time // expiry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]time.Time)}
}

func (s *MemoryStore) Insert(_ context.Context, key Key, processedAt, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.records[key]; ok && exp.After(processedAt) {
		return false, nil
	}
	s.records[key] = expiresAt

	return true, nil
}

func (s *MemoryStore) Exists(_ context.Context, key Key, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.records[key]
	return ok && exp.After(now), nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, exp := range s.records {
		if !exp.After(now) {
			delete(s.records, k)
			n++
		}
	}

	return n, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
