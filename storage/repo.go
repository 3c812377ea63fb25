package storage

import (
	"context"
	"fmt"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

// Interceptor observes the writes of one entity kind. Pre hooks may veto
// the write by returning an error. Post hooks run after a successful write;
// modified lists the fields changed by an update.
type Interceptor struct {
	PreSave    func(ctx context.Context, e *model.Entity) error
	PostSave   func(ctx context.Context, op types.Operation, e *model.Entity, modified []string)
	PreRemove  func(ctx context.Context, e *model.Entity) error
	PostRemove func(ctx context.Context, e *model.Entity)
}

// Schema maps each kind to the interceptors registered for it.
type Schema map[types.Kind][]Interceptor

// Use registers interceptors for the given kinds.
func (s Schema) Use(in Interceptor, kinds ...types.Kind) {
	for _, k := range kinds {
		s[k] = append(s[k], in)
	}
}

// Repo wraps a Store and runs the schema interceptors around every write.
type Repo struct {
	store  Store
	schema Schema
}

// NewRepo creates a repository over store.
func NewRepo(store Store, schema Schema) *Repo {
	if schema == nil {
		schema = Schema{}
	}
	return &Repo{store: store, schema: schema}
}

// Store returns the underlying store.
func (r *Repo) Store() Store { return r.store }

// Find loads entities by id.
func (r *Repo) Find(ctx context.Context, kind types.Kind, ids []string) ([]*model.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.store.Find(ctx, kind, ids)
}

// FindWhere loads entities by field equality.
func (r *Repo) FindWhere(ctx context.Context, kind types.Kind, where Where) ([]*model.Entity, error) {
	return r.store.FindWhere(ctx, kind, where)
}

// Save inserts a new entity or updates a modified one. Clean persisted
// entities are left untouched.
func (r *Repo) Save(ctx context.Context, e *model.Entity) error {
	if !e.IsModified() {
		return nil
	}
	for _, in := range r.schema[e.Kind()] {
		if in.PreSave == nil {
			continue
		}
		if err := in.PreSave(ctx, e); err != nil {
			return err
		}
	}

	op := types.OpUpdate
	modified := e.Modified()
	var err error
	if e.IsNew() {
		op = types.OpCreation
		err = r.store.Insert(ctx, e)
	} else {
		err = r.store.Update(ctx, e)
	}
	if err != nil {
		return fmt.Errorf("saving %s %s: %w", e.Kind(), e.ID(), err)
	}
	e.MarkPersisted()

	for _, in := range r.schema[e.Kind()] {
		if in.PostSave != nil {
			in.PostSave(ctx, op, e, modified)
		}
	}
	return nil
}

// Remove deletes a stored entity.
func (r *Repo) Remove(ctx context.Context, e *model.Entity) error {
	for _, in := range r.schema[e.Kind()] {
		if in.PreRemove == nil {
			continue
		}
		if err := in.PreRemove(ctx, e); err != nil {
			return err
		}
	}
	if err := r.store.Delete(ctx, e.Kind(), e.ID()); err != nil {
		return fmt.Errorf("removing %s %s: %w", e.Kind(), e.ID(), err)
	}
	for _, in := range r.schema[e.Kind()] {
		if in.PostRemove != nil {
			in.PostRemove(ctx, e)
		}
	}
	return nil
}

// IDs lists every stored id.
func (r *Repo) IDs(ctx context.Context) ([]string, error) {
	return r.store.IDs(ctx)
}
