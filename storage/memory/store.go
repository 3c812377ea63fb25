// Package memory provides an in-memory document store. Documents are kept
// encoded so callers never share instances with the store.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/types"
)

type record struct {
	kind types.Kind
	doc  []byte
}

// Store is a mutex-guarded map of encoded documents keyed by id.
type Store struct {
	mu   sync.RWMutex
	docs map[string]record
}

// New returns an empty store.
func New() *Store {
	return &Store{docs: map[string]record{}}
}

// Find implements storage.Store.
func (s *Store) Find(ctx context.Context, kind types.Kind, ids []string) ([]*model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Entity
	for _, id := range ids {
		rec, ok := s.docs[id]
		if !ok || rec.kind != kind {
			continue
		}
		e, err := model.Decode(kind, rec.doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// FindWhere implements storage.Store.
func (s *Store) FindWhere(ctx context.Context, kind types.Kind, where storage.Where) ([]*model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id, rec := range s.docs {
		if rec.kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []*model.Entity
	for _, id := range ids {
		e, err := model.Decode(kind, s.docs[id].doc)
		if err != nil {
			return nil, err
		}
		if matches(e.Plain(), where) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Insert implements storage.Store.
func (s *Store) Insert(ctx context.Context, e *model.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := json.Marshal(e.Document())
	if err != nil {
		return fmt.Errorf("encoding %s: %w", e.ID(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[e.ID()]; ok {
		return storage.ErrDuplicateID
	}
	s.docs[e.ID()] = record{kind: e.Kind(), doc: doc}
	return nil
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, e *model.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := json.Marshal(e.Document())
	if err != nil {
		return fmt.Errorf("encoding %s: %w", e.ID(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[e.ID()]
	if !ok || rec.kind != e.Kind() {
		return storage.ErrNotFound
	}
	s.docs[e.ID()] = record{kind: e.Kind(), doc: doc}
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, kind types.Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[id]
	if !ok || rec.kind != kind {
		return storage.ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// IDs implements storage.Store.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

func matches(plain map[string]any, where storage.Where) bool {
	for k, want := range where {
		if !reflect.DeepEqual(plain[k], model.Flatten(want)) {
			return false
		}
	}
	return true
}

var _ storage.Store = (*Store)(nil)
