package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemStore is an in-process Store for tests and single-node development.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]memEntry
	now    func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tables: make(map[string]map[string]memEntry),
		now:    time.Now,
	}
}

func (s *MemStore) Get(_ context.Context, table, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tables[table][key]
	if !ok || s.expired(e) {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(e.value), nil
}

func (s *MemStore) Set(_ context.Context, table, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		t = make(map[string]memEntry)
		s.tables[table] = t
	}

	e := memEntry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	t[key] = e
	return nil
}

func (s *MemStore) Delete(_ context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tables[table], key)
	return nil
}

func (s *MemStore) Keys(_ context.Context, table string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.tables[table]))
	for key, e := range s.tables[table] {
		if s.expired(e) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *MemStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}
