package sideeffect

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore keeps side-effect records in process memory. Suitable for
// tests and single-process deployments; records do not survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok {
		return nil, nil
	}

	clone := *record
	clone.Output = maps.Clone(record.Output)

	return &clone, nil
}

func (s *MemoryStore) Put(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	clone.Output = maps.Clone(record.Output)

	if clone.RecordedAt.IsZero() {
		clone.RecordedAt = time.Now()
	}

	s.records[clone.Key] = &clone

	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
