// Package memory provides an in-process dedup store for tests and
// single-shot deployments.
package memory

import (
	"context"
	"sync"

	"github.com/docrag/intake/internal/dedup"
)

// Store keeps dedup records in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	records map[string]dedup.Record
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]dedup.Record)}
}

// Lookup implements dedup.Store.
func (s *Store) Lookup(_ context.Context, digest string) (dedup.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[digest]
	return rec, ok, nil
}

// Save implements dedup.Store.
func (s *Store) Save(_ context.Context, rec dedup.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Digest] = rec
	return nil
}

// Count implements dedup.Store.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close implements dedup.Store.
func (s *Store) Close() error { return nil }
