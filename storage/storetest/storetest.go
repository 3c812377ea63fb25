// Package storetest holds the behavior every storage.Store must share.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/types"
)

// Run exercises a store created fresh for each subtest.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("InsertFind", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		hero := model.New(types.KindItem, "hero", map[string]any{"name": "Hero", "x": 1})
		if err := s.Insert(ctx, hero); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		got, err := s.Find(ctx, types.KindItem, []string{"hero", "missing"})
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if len(got) != 1 || got[0].ID() != "hero" {
			t.Fatalf("Find = %v, want [hero]", got)
		}
		if name, _ := got[0].Get("name"); name != "Hero" {
			t.Errorf("name = %v", name)
		}
		if got[0] == hero {
			t.Error("store returned the inserted instance")
		}
		other, err := s.Find(ctx, types.KindEvent, []string{"hero"})
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if len(other) != 0 {
			t.Errorf("Find with another kind = %v, want none", other)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := s.Insert(ctx, model.New(types.KindItem, "dup", nil)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		err := s.Insert(ctx, model.New(types.KindEvent, "dup", nil))
		if !errors.Is(err, storage.ErrDuplicateID) {
			t.Errorf("second Insert = %v, want ErrDuplicateID", err)
		}
	})

	t.Run("UpdateDelete", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		e := model.New(types.KindMap, "world", map[string]any{"name": "World"})
		if err := s.Update(ctx, e); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Update missing = %v, want ErrNotFound", err)
		}
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		e.Set("name", "Earth")
		if err := s.Update(ctx, e); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, _ := s.Find(ctx, types.KindMap, []string{"world"})
		if len(got) != 1 {
			t.Fatalf("Find = %v", got)
		}
		if name, _ := got[0].Get("name"); name != "Earth" {
			t.Errorf("name = %v, want Earth", name)
		}
		if err := s.Delete(ctx, types.KindMap, "world"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Delete(ctx, types.KindMap, "world"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second Delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("FindWhere", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		world := model.New(types.KindMap, "world", nil)
		items := []*model.Entity{
			model.New(types.KindItem, "a", map[string]any{"x": 1, "y": 2, "map": world}),
			model.New(types.KindItem, "b", map[string]any{"x": 1, "y": 2}),
			model.New(types.KindItem, "c", map[string]any{"x": 3, "y": 2, "map": world}),
		}
		for _, e := range append([]*model.Entity{world}, items...) {
			if err := s.Insert(ctx, e); err != nil {
				t.Fatalf("Insert %s: %v", e.ID(), err)
			}
		}
		got, err := s.FindWhere(ctx, types.KindItem, storage.Where{"x": 1, "y": 2})
		if err != nil {
			t.Fatalf("FindWhere: %v", err)
		}
		if len(got) != 2 || got[0].ID() != "a" || got[1].ID() != "b" {
			t.Errorf("FindWhere x,y = %v, want [a b]", ids(got))
		}
		got, err = s.FindWhere(ctx, types.KindItem, storage.Where{"map": "world"})
		if err != nil {
			t.Fatalf("FindWhere: %v", err)
		}
		if len(got) != 2 || got[0].ID() != "a" || got[1].ID() != "c" {
			t.Errorf("FindWhere map = %v, want [a c]", ids(got))
		}
		l, _ := got[0].Get("map")
		if link, ok := l.(*model.Link); !ok || link.Kind != types.KindMap {
			t.Errorf("map field = %#v, want link", l)
		}
	})

	t.Run("IDs", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for _, id := range []string{"b", "a"} {
			if err := s.Insert(ctx, model.New(types.KindItem, id, nil)); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}
		got, err := s.IDs(ctx)
		if err != nil {
			t.Fatalf("IDs: %v", err)
		}
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Errorf("IDs = %v, want [a b]", got)
		}
	})
}

func ids(entities []*model.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID()
	}
	return out
}
