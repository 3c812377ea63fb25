package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/nathoo/mythcore/bus"
	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/types"
)

// ErrIDInUse is returned when a new entity reuses an id of the global namespace.
var ErrIDInUse = errors.New("cache: id already used")

// Schema returns the interceptors of every cached kind: id assignment and
// uniqueness before inserts, cache upkeep and change emission after writes.
func Schema(c *Cache, ids *IDs, b *bus.Bus) storage.Schema {
	schema := storage.Schema{}
	schema.Use(storage.Interceptor{
		PreSave: func(_ context.Context, e *model.Entity) error {
			if !e.IsNew() {
				return nil
			}
			id := e.ID()
			if id == "" {
				id = ulid.Make().String()
				e.SetID(id)
			}
			if !model.ValidID(id) {
				return fmt.Errorf("invalid id %q for %s: only word characters, '$' and '-' allowed", id, e.Kind())
			}
			if ids.IsUsed(id) {
				return fmt.Errorf("%s %s: %w", e.Kind(), id, ErrIDInUse)
			}
			return nil
		},
		PostSave: func(_ context.Context, op types.Operation, e *model.Entity, modified []string) {
			if op == types.OpCreation {
				ids.Add(e.ID())
				c.Put(e)
			}
			b.Change(op, e, modified)
		},
		PostRemove: func(_ context.Context, e *model.Entity) {
			c.Evict(e.Kind(), e.ID())
			ids.Remove(e.ID())
			b.Change(types.OpDeletion, e, nil)
		},
	}, types.KindItem, types.KindEvent, types.KindPlayer, types.KindField, types.KindMap)
	return schema
}

// Open builds the cache of one process over store. Writes run the schema
// interceptors, remote changes published on b are replayed, and the id set
// is loaded from storage.
func Open(ctx context.Context, store storage.Store, b *bus.Bus, log zerolog.Logger) (*Cache, *IDs, error) {
	schema := storage.Schema{}
	c := New(storage.NewRepo(store, schema), log)
	ids := NewIDs()
	for kind, in := range Schema(c, ids, b) {
		schema[kind] = in
	}
	if err := ids.Load(ctx, c); err != nil {
		return nil, nil, err
	}
	c.Subscribe(b)
	ids.Subscribe(b)
	return c, ids, nil
}
