package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/nathoo/mythcore/bus"
	"github.com/nathoo/mythcore/types"
)

// IDs is the set of every id in use by a persisted entity. Executable ids
// share the namespace through the reserved function, which reads the live
// registry, so executables dropped by a reset need no bookkeeping here.
type IDs struct {
	mu       sync.RWMutex
	ids      map[string]struct{}
	reserved func(id string) bool
}

// NewIDs creates an empty id set.
func NewIDs() *IDs {
	return &IDs{ids: map[string]struct{}{}}
}

// Load fills the set from storage.
func (s *IDs) Load(ctx context.Context, c *Cache) error {
	ids, err := c.Repo().IDs(ctx)
	if err != nil {
		return fmt.Errorf("loading id cache: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return nil
}

// Reserve installs the check for ids owned outside storage.
func (s *IDs) Reserve(fn func(id string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = fn
}

// Has reports whether a persisted entity uses id.
func (s *IDs) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// IsUsed reports whether id is taken by an entity or a reserved owner.
func (s *IDs) IsUsed(id string) bool {
	s.mu.RLock()
	_, ok := s.ids[id]
	reserved := s.reserved
	s.mu.RUnlock()
	return ok || (reserved != nil && reserved(id))
}

// Add records an id.
func (s *IDs) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

// Remove forgets an id.
func (s *IDs) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Subscribe tracks creations and deletions of any origin.
func (s *IDs) Subscribe(b *bus.Bus) func() {
	return b.OnChange(func(rec types.ChangeRecord) {
		if rec.Kind == types.KindExecutable {
			return
		}
		id, _ := rec.Changes["id"].(string)
		if id == "" {
			return
		}
		switch rec.Operation {
		case types.OpCreation:
			s.Add(id)
		case types.OpDeletion:
			s.Remove(id)
		}
	})
}
