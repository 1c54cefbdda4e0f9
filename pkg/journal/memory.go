package journal

import (
	"context"
	"sync"
	"time"
)

const defaultCapacity = 10000

// MemoryStore keeps the newest entries in a bounded slice
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	nextSeq  int64
	closed   bool
}

// NewMemoryStore creates an in-memory store holding at most capacity entries
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryStore{
		entries:  make([]Entry, 0),
		capacity: capacity,
	}
}

// Append stores e
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.nextSeq++
	e.Seq = s.nextSeq
	s.entries = append(s.entries, *e)
	if over := len(s.entries) - s.capacity; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
	return nil
}

// Recent returns up to limit of the newest entries, oldest first
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.entries) > limit {
		start = len(s.entries) - limit
	}
	return append([]Entry(nil), s.entries[start:]...), nil
}

// Prune drops entries recorded before the cutoff
func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !e.Time.Before(before) {
			kept = append(kept, e)
		}
	}
	removed := int64(len(s.entries) - len(kept))
	s.entries = kept
	return removed, nil
}

// HealthCheck always succeeds for an open store
func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close rejects further appends
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
