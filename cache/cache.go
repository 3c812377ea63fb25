// Package cache keeps the live entities of one process: a per-kind identity
// map acting as a read-through accelerator over storage, and the set of
// every id in use.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nathoo/mythcore/bus"
	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/types"
)

// Cache maps ids to shared entity instances, one map per kind.
type Cache struct {
	repo *storage.Repo
	log  zerolog.Logger

	mu     sync.RWMutex
	byKind map[types.Kind]map[string]*model.Entity
}

// New creates an empty identity cache reading through repo.
func New(repo *storage.Repo, log zerolog.Logger) *Cache {
	return &Cache{
		repo:   repo,
		log:    log.With().Str("component", "cache").Logger(),
		byKind: map[types.Kind]map[string]*model.Entity{},
	}
}

// Repo returns the repository the cache reads through.
func (c *Cache) Repo() *storage.Repo { return c.repo }

// Save persists an entity through the repository interceptors.
func (c *Cache) Save(ctx context.Context, e *model.Entity) error {
	return c.repo.Save(ctx, e)
}

// Remove deletes an entity through the repository interceptors.
func (c *Cache) Remove(ctx context.Context, e *model.Entity) error {
	return c.repo.Remove(ctx, e)
}

// Get returns a cached instance without any I/O.
func (c *Cache) Get(kind types.Kind, id string) (*model.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byKind[kind][id]
	return e, ok
}

// Len returns the number of cached instances of a kind.
func (c *Cache) Len(kind types.Kind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKind[kind])
}

// FindCached returns the entities of ids in input order. Cached hits need no
// I/O; misses are loaded from storage and cached. Ids resolving to nothing
// are dropped.
func (c *Cache) FindCached(ctx context.Context, kind types.Kind, ids []string) ([]*model.Entity, error) {
	found := make(map[string]*model.Entity, len(ids))
	var misses []string
	c.mu.RLock()
	for _, id := range ids {
		if e, ok := c.byKind[kind][id]; ok {
			found[id] = e
		} else {
			misses = append(misses, id)
		}
	}
	c.mu.RUnlock()

	if len(misses) > 0 {
		loaded, err := c.repo.Find(ctx, kind, misses)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", kind, err)
		}
		for _, e := range c.adopt(loaded) {
			found[e.ID()] = e
		}
	}

	out := make([]*model.Entity, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if e, ok := found[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, e)
		}
	}
	return out, nil
}

// FindWhere queries storage and returns cached instances in place of the
// loaded copies, caching the others.
func (c *Cache) FindWhere(ctx context.Context, kind types.Kind, where storage.Where) ([]*model.Entity, error) {
	loaded, err := c.repo.FindWhere(ctx, kind, where)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", kind, err)
	}
	return c.adopt(loaded), nil
}

// FindAny looks an id up in each kind in order and returns the first hit.
func (c *Cache) FindAny(ctx context.Context, id string, kinds ...types.Kind) (*model.Entity, error) {
	for _, kind := range kinds {
		found, err := c.FindCached(ctx, kind, []string{id})
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}
	return nil, nil
}

// Put caches an instance, replacing any previous one.
func (c *Cache) Put(e *model.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot(e.Kind())[e.ID()] = e
}

// Evict drops an instance from the cache.
func (c *Cache) Evict(kind types.Kind, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKind[kind], id)
}

// adopt swaps loaded copies for already cached instances and caches the rest.
func (c *Cache) adopt(loaded []*model.Entity) []*model.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Entity, len(loaded))
	for i, e := range loaded {
		slot := c.slot(e.Kind())
		if cached, ok := slot[e.ID()]; ok {
			out[i] = cached
			continue
		}
		slot[e.ID()] = e
		out[i] = e
	}
	return out
}

func (c *Cache) slot(kind types.Kind) map[string]*model.Entity {
	m, ok := c.byKind[kind]
	if !ok {
		m = map[string]*model.Entity{}
		c.byKind[kind] = m
	}
	return m
}

// Apply replays a change record received from another process. Local
// records are ignored: this cache already holds their effect.
func (c *Cache) Apply(b *bus.Bus, rec types.ChangeRecord) {
	if b.IsLocal(rec.Origin) || rec.Kind == types.KindExecutable {
		return
	}
	id, _ := rec.Changes["id"].(string)
	if id == "" {
		return
	}
	switch rec.Operation {
	case types.OpCreation:
		if cached, ok := c.Get(rec.Kind, id); ok {
			cached.Merge(rec.Changes, rec.Links)
			return
		}
		e := model.New(rec.Kind, id, nil)
		e.Merge(rec.Changes, rec.Links)
		e.MarkPersisted()
		c.Put(e)
	case types.OpUpdate:
		if cached, ok := c.Get(rec.Kind, id); ok {
			cached.Merge(rec.Changes, rec.Links)
		}
	case types.OpDeletion:
		c.Evict(rec.Kind, id)
	}
	c.log.Debug().
		Str("operation", string(rec.Operation)).
		Str("kind", string(rec.Kind)).
		Str("id", id).
		Str("origin", rec.Origin).
		Msg("replayed change")
}

// Subscribe replays every remote change record published on b.
func (c *Cache) Subscribe(b *bus.Bus) func() {
	return b.OnChange(func(rec types.ChangeRecord) { c.Apply(b, rec) })
}

// Fetch loads the entities linked from e, recursively, binding them to their
// links. Each entity is expanded once, so reference cycles terminate.
func (c *Cache) Fetch(ctx context.Context, e *model.Entity) error {
	return c.fetch(ctx, e, map[*model.Entity]bool{})
}

func (c *Cache) fetch(ctx context.Context, e *model.Entity, visited map[*model.Entity]bool) error {
	if e == nil || visited[e] {
		return nil
	}
	visited[e] = true

	pending := map[types.Kind][]string{}
	var kinds []types.Kind
	for _, l := range e.Links() {
		if l.Entity != nil || l.Kind == "" {
			continue
		}
		if _, ok := pending[l.Kind]; !ok {
			kinds = append(kinds, l.Kind)
		}
		pending[l.Kind] = append(pending[l.Kind], l.ID)
	}
	for _, kind := range kinds {
		found, err := c.FindCached(ctx, kind, pending[kind])
		if err != nil {
			return fmt.Errorf("fetching links of %s: %w", e.ID(), err)
		}
		for _, linked := range found {
			e.Bind(linked)
		}
	}

	for _, linked := range e.LinkedEntities() {
		if err := c.fetch(ctx, linked, visited); err != nil {
			return err
		}
	}
	return nil
}
