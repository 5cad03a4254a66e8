package breaker

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local counter store. Suitable for tests and
// single-process deployments only; it cannot provide cross-worker isolation.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	now      func() time.Time
}

type memCounter struct {
	n      int64
	expiry time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		now:      time.Now,
	}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || s.now().After(c.expiry) {
		c = &memCounter{expiry: s.now().Add(window)}
		s.counters[key] = c
	}
	c.n++
	return c.n, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || s.now().After(c.expiry) {
		return 0, nil
	}
	return c.n, nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}
