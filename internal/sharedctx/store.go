// Package sharedctx provides the versioned key/value store workers use to
// exchange data beyond message payloads. Writes use optimistic
// concurrency: every put or delete carries the version the caller last
// observed and is rejected as stale if the entry moved on. No lock is
// exposed to callers; compare-and-swap is the only mutation primitive.
package sharedctx

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/anvilworks/anvil/pkg/models"
)

// ErrNotFound indicates the key has no current value.
var ErrNotFound = errors.New("key not found")

// ErrStale indicates a put or delete supplied an expected version that no
// longer matches. The caller should re-read and retry.
var ErrStale = errors.New("stale version")

// Store is the shared context store for one orchestration session. Safe
// for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*models.ContextEntry
	// lastVersion persists across deletes so a re-created key continues
	// its version sequence and versions never repeat.
	lastVersion map[string]uint64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entries:     make(map[string]*models.ContextEntry),
		lastVersion: make(map[string]uint64),
	}
}

// Get returns the current value and version for a key.
func (s *Store) Get(key string) (any, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, 0, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	return e.Value, e.Version, nil
}

// Put writes a value if expectedVersion matches the entry's current
// version, returning the new version. A first write (or a write after a
// delete) uses expectedVersion 0. On mismatch the write is rejected with
// ErrStale and the store is unchanged.
func (s *Store) Put(key string, value any, expectedVersion uint64, writer string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := uint64(0)
	if e, ok := s.entries[key]; ok {
		current = e.Version
	}
	if expectedVersion != current {
		return 0, fmt.Errorf("put %q: expected version %d, have %d: %w",
			key, expectedVersion, current, ErrStale)
	}

	next := s.lastVersion[key] + 1
	s.entries[key] = &models.ContextEntry{
		Key:        key,
		Value:      value,
		Version:    next,
		LastWriter: writer,
	}
	s.lastVersion[key] = next
	return next, nil
}

// Delete removes a key if expectedVersion matches its current version.
// The key's version counter survives the delete, so a later re-create
// continues the sequence.
func (s *Store) Delete(key string, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("delete %q: %w", key, ErrNotFound)
	}
	if e.Version != expectedVersion {
		return fmt.Errorf("delete %q: expected version %d, have %d: %w",
			key, expectedVersion, e.Version, ErrStale)
	}
	delete(s.entries, key)
	return nil
}

// Snapshot returns a copy of all current entries, sorted by key. Values
// are shared, not deep-copied; callers must treat them as read-only.
func (s *Store) Snapshot() []models.ContextEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ContextEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of current entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
