// Package runstore houses concrete implementations of the
// orchestration.Store contract: persistence for a run's append-only tracked
// state. The in-memory store suits tests and ephemeral daemons; the SQLite
// store survives restarts so a resumed run keeps its audit trail.
package runstore

import (
	"sync"

	"github.com/durapensa/ksi/orchestration"
)

// InMemoryStore is a volatile Store keeping tracked entries in a process
// local map. Safe for concurrent access.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]orchestration.TrackedEntry
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: map[string][]orchestration.TrackedEntry{}}
}

// Append implements orchestration.Store.
func (s *InMemoryStore) Append(runID string, e orchestration.TrackedEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[runID] = append(s.entries[runID], e)
	return nil
}

// Load implements orchestration.Store, returning a defensive copy.
func (s *InMemoryStore) Load(runID string) ([]orchestration.TrackedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]orchestration.TrackedEntry(nil), s.entries[runID]...), nil
}
