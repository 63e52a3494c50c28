package usage

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	used    int
	resetAt time.Time
}

// MemoryStore keeps counters in process. Suitable for a single server.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration) (int, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	entry, ok := s.entries[key]
	if !ok {
		entry = &memoryEntry{resetAt: now.Add(window)}
		s.entries[key] = entry
	}

	if entry.used >= limit {
		return entry.used, entry.resetAt, false, nil
	}

	entry.used++
	return entry.used, entry.resetAt, true, nil
}

func (s *MemoryStore) Peek(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	if entry, ok := s.entries[key]; ok {
		return entry.used, entry.resetAt, nil
	}
	return 0, now.Add(window), nil
}

func (s *MemoryStore) expireLocked(now time.Time) {
	for key, entry := range s.entries {
		if !now.Before(entry.resetAt) {
			delete(s.entries, key)
		}
	}
}
