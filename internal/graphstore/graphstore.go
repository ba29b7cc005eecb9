// Package graphstore implements the thread-safe key → entry mapping with
// create-if-absent semantics (spec §4.C). It provides total order per-key
// for observers via the entry's own lock, not a global lock across keys.
package graphstore

import (
	"sync"

	"github.com/evalgraph/evalgraph/internal/entry"
	"github.com/evalgraph/evalgraph/internal/key"
)

// Store is the graph's flat arena of node entries (spec §9.1: never
// reference-counted parent↔child pointers, always a flat map keyed by
// interned Key).
type Store struct {
	entries sync.Map // key.Key -> *entry.Entry

	interned *key.Table

	// createMu serializes the create half of create-if-absent so two
	// concurrent callers for the same brand-new key cannot both win; it is
	// never held while operating on an existing entry.
	createMu sync.Mutex
}

// New returns an empty graph store.
func New() *Store {
	return &Store{interned: key.NewTable()}
}

// Get returns the entry for k, if one has been created.
func (s *Store) Get(k key.Key) (*entry.Entry, bool) {
	v, ok := s.entries.Load(k)
	if !ok {
		return nil, false
	}
	return v.(*entry.Entry), true
}

// CreateIfAbsent returns the entry for k, creating a Fresh one on first call.
func (s *Store) CreateIfAbsent(k key.Key) *entry.Entry {
	if v, ok := s.entries.Load(k); ok {
		return v.(*entry.Entry)
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()
	if v, ok := s.entries.Load(k); ok {
		return v.(*entry.Entry)
	}
	canonical := s.interned.Intern(k)
	e := entry.New(*canonical)
	s.entries.Store(k, e)
	return e
}

// Remove deletes the entry for k, e.g. after pruning an interrupted
// never-completed node.
func (s *Store) Remove(k key.Key) {
	s.entries.Delete(k)
}

// Range calls f for every (key, entry) pair currently stored. f must not
// block on another entry's lock.
func (s *Store) Range(f func(key.Key, *entry.Entry) bool) {
	s.entries.Range(func(k, v any) bool {
		return f(k.(key.Key), v.(*entry.Entry))
	})
}

// InternedKeys reports how many distinct keys the weak-reference intern
// table is currently retaining; exposed for diagnostics/tests only.
func (s *Store) InternedKeys() int {
	return s.interned.Len()
}
