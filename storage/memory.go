// Package storage provides StorageClient implementations backing the
// coordinator: an in-memory store used by tests and embedded deployments,
// and (in sub-package sqlitestore) a SQLite-backed store which persists
// collection frontiers and hold pins across process restarts.
//
// The storage engine proper, with its durability and compaction machinery,
// is an external collaborator; these implementations model only the surface
// the coordinator interacts with: per-collection read/write frontiers, one
// hold pin per collection, and a compaction step bounded by that pin.
package storage

import (
	"sync"

	"github.com/pkg/errors"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/holds"
)

type memCollection struct {
	read, write frontier.Frontier
	pin         *frontier.Time
}

// MemoryStore is an in-memory StorageClient. It is safe for concurrent use.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[pc.CollectionID]*memCollection
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[pc.CollectionID]*memCollection)}
}

// CreateCollection registers collection |id| with initial |read| and |write|
// frontiers.
func (s *MemoryStore) CreateCollection(id pc.CollectionID, read, write frontier.Frontier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[id]; ok {
		return errors.Errorf("collection %s already exists", id)
	} else if write.Less(read) {
		return errors.Errorf("read frontier %s exceeds write frontier %s", read, write)
	}
	s.collections[id] = &memCollection{read: read, write: write}
	return nil
}

// AcquireHold pins |id|'s read frontier at or before |at|, replacing any
// prior pin. It returns holds.ErrAlreadyCompacted if |at| precedes the
// current read frontier.
func (s *MemoryStore) AcquireHold(id pc.CollectionID, at frontier.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var col, ok = s.collections[id]
	if !ok {
		return errors.Errorf("no such collection %s", id)
	}
	if !col.read.LessEqual(frontier.At(at)) {
		return errors.WithMessagef(holds.ErrAlreadyCompacted,
			"collection %s at %s (read frontier %s)", id, at, col.read)
	}
	col.pin = &at
	return nil
}

// ReleaseHold removes the pin of collection |id|, if any.
func (s *MemoryStore) ReleaseHold(id pc.CollectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[id]; ok {
		col.pin = nil
	}
}

// Pin returns the current hold pin of collection |id|, if one is outstanding.
func (s *MemoryStore) Pin(id pc.CollectionID) (frontier.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var col, ok = s.collections[id]
	if !ok {
		return 0, false, errors.Errorf("no such collection %s", id)
	} else if col.pin == nil {
		return 0, false, nil
	}
	return *col.pin, true, nil
}

// Frontiers returns the current read and write frontiers of collection |id|.
func (s *MemoryStore) Frontiers(id pc.CollectionID) (read, write frontier.Frontier, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var col, ok = s.collections[id]
	if !ok {
		return read, write, errors.Errorf("no such collection %s", id)
	}
	return col.read, col.write, nil
}

// AdvanceWrite advances the write frontier of collection |id|. A regression
// is discarded.
func (s *MemoryStore) AdvanceWrite(id pc.CollectionID, write frontier.Frontier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var col, ok = s.collections[id]
	if !ok {
		return errors.Errorf("no such collection %s", id)
	}
	col.write, _ = col.write.Advance(write)
	return nil
}

// Compact advances the read frontier of collection |id| toward |upTo|,
// irreversibly discarding history before it. Compaction is bounded by the
// hold pin (history at and after the pin is retained) and by the write
// frontier.
func (s *MemoryStore) Compact(id pc.CollectionID, upTo frontier.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var col, ok = s.collections[id]
	if !ok {
		return errors.Errorf("no such collection %s", id)
	}
	var bound = frontier.At(upTo)
	if col.pin != nil {
		bound = bound.Meet(frontier.At(*col.pin))
	}
	bound = bound.Meet(col.write)
	col.read, _ = col.read.Advance(bound)
	return nil
}
