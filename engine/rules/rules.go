// Package rules defines the contracts rule scripts fulfil and the helpers
// shared by resolution, execution and scheduled turns.
package rules

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/types"
)

// World is the read access rules have on persisted entities.
type World interface {
	FindCached(ctx context.Context, kind types.Kind, ids []string) ([]*model.Entity, error)
	FindWhere(ctx context.Context, kind types.Kind, where storage.Where) ([]*model.Entity, error)
	Fetch(ctx context.Context, e *model.Entity) error
}

// Context is handed to every rule invocation.
type Context struct {
	Player *model.Entity
	Now    time.Time
	World  World
	Notify func(scope, name string, details ...any)
	Log    zerolog.Logger
}

// TargetedRule applies to an actor and a target, gated by category.
type TargetedRule interface {
	ID() string
	Category() string
	Active() bool
	Effects() *Effects
	// CanExecute returns the expected parameters, and false when the rule
	// does not apply.
	CanExecute(ctx context.Context, actor, target *model.Entity, rc *Context) ([]types.Param, bool, error)
	Execute(ctx context.Context, actor, target *model.Entity, params map[string]any, rc *Context) (any, error)
}

// TurnRule runs once per turn, ordered by rank.
type TurnRule interface {
	ID() string
	Rank() int
	Active() bool
	Effects() *Effects
	// Select returns the targets of this turn, and false to skip it.
	Select(ctx context.Context, rc *Context) ([]*model.Entity, bool, error)
	Execute(ctx context.Context, target *model.Entity, rc *Context) error
}

// Removal is an entity, or the bare id of one, a rule asked to remove.
type Removal struct {
	ID     string
	Entity *model.Entity
}

// Effects is the side-effect log of one rule invocation.
type Effects struct {
	mu      sync.Mutex
	saved   []*model.Entity
	removed []Removal
}

// Save records an entity to persist.
func (e *Effects) Save(ent *model.Entity) {
	if ent == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saved = append(e.saved, ent)
}

// Remove records an entity to delete.
func (e *Effects) Remove(ent *model.Entity) {
	if ent == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, Removal{ID: ent.ID(), Entity: ent})
}

// RemoveID records the id of an entity to delete.
func (e *Effects) RemoveID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, Removal{ID: id})
}

// Saved returns a copy of the entities to persist.
func (e *Effects) Saved() []*model.Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*model.Entity(nil), e.saved...)
}

// Removed returns a copy of the removals.
func (e *Effects) Removed() []Removal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Removal(nil), e.removed...)
}

// Reset empties the log before a new invocation.
func (e *Effects) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saved = nil
	e.removed = nil
}
