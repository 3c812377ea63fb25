// Package storage defines the document store contract shared by every
// process and the interceptors that observe its writes.
package storage

import (
	"context"
	"errors"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

var (
	// ErrNotFound is returned when removing or updating a missing entity.
	ErrNotFound = errors.New("storage: entity not found")
	// ErrDuplicateID is returned when a new entity reuses a stored id.
	ErrDuplicateID = errors.New("storage: id already used")
)

// Where is a conjunction of field equalities. A link field matches the id
// of the linked entity.
type Where map[string]any

// Store persists entity documents. Ids are unique across all kinds.
type Store interface {
	// Find returns the entities of kind whose id is in ids, in no particular order.
	Find(ctx context.Context, kind types.Kind, ids []string) ([]*model.Entity, error)
	// FindWhere returns the entities of kind matching every equality of where.
	FindWhere(ctx context.Context, kind types.Kind, where Where) ([]*model.Entity, error)
	// Insert stores a new entity and fails with ErrDuplicateID when its id exists.
	Insert(ctx context.Context, e *model.Entity) error
	// Update replaces a stored entity and fails with ErrNotFound when missing.
	Update(ctx context.Context, e *model.Entity) error
	// Delete removes an entity and fails with ErrNotFound when missing.
	Delete(ctx context.Context, kind types.Kind, id string) error
	// IDs lists every stored id.
	IDs(ctx context.Context) ([]string, error)
	Close() error
}
