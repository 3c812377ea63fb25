// Package resolve maps the selector of a resolution request to the actor
// and the candidate targets it designates.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/types"
)

// ErrBadSelector is returned for selectors matching none of the three forms.
var ErrBadSelector = errors.New("resolve() must be called with player id, actor and target ids, or actor id and coordinates")

// Finder looks entities up through the identity cache.
type Finder interface {
	FindAny(ctx context.Context, id string, kinds ...types.Kind) (*model.Entity, error)
	FindWhere(ctx context.Context, kind types.Kind, where storage.Where) ([]*model.Entity, error)
}

// Lookup orders, first hit wins.
var (
	actorKinds  = []types.Kind{types.KindItem, types.KindPlayer}
	targetKinds = []types.Kind{types.KindItem, types.KindEvent, types.KindField}
)

// NotFoundError indicates no entity matched an id.
type NotFoundError struct {
	Role string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("No %s with id %s", e.Role, e.ID)
}

// Result holds the resolved actor and its candidate targets.
type Result struct {
	Actor   *model.Entity
	Targets []*model.Entity
}

// Resolve accepts a player id (the player acts on itself), an actor and a
// target id, or an actor id and map coordinates.
func Resolve(ctx context.Context, f Finder, sel types.Selector) (Result, error) {
	switch {
	case sel.PlayerID != "":
		player, err := Player(ctx, f, sel.PlayerID)
		if err != nil {
			return Result{}, err
		}
		return Result{Actor: player, Targets: []*model.Entity{player}}, nil

	case sel.ActorID != "" && sel.TargetID != "":
		actor, target, err := Pair(ctx, f, sel.ActorID, sel.TargetID)
		if err != nil {
			return Result{}, err
		}
		return Result{Actor: actor, Targets: []*model.Entity{target}}, nil

	case sel.ActorID != "" && sel.X != nil && sel.Y != nil:
		return atPosition(ctx, f, sel.ActorID, *sel.X, *sel.Y)
	}
	return Result{}, ErrBadSelector
}

// Player returns the player of id.
func Player(ctx context.Context, f Finder, id string) (*model.Entity, error) {
	player, err := f.FindAny(ctx, id, types.KindPlayer)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve player (%s): %w", id, err)
	}
	if player == nil {
		return nil, &NotFoundError{Role: "player", ID: id}
	}
	return player, nil
}

// Pair returns an actor (item or player) and a target (item, event or field).
func Pair(ctx context.Context, f Finder, actorID, targetID string) (*model.Entity, *model.Entity, error) {
	actor, err := f.FindAny(ctx, actorID, actorKinds...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to retrieve actor (%s): %w", actorID, err)
	}
	if actor == nil {
		return nil, nil, &NotFoundError{Role: "actor", ID: actorID}
	}
	target, err := f.FindAny(ctx, targetID, targetKinds...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to retrieve target (%s): %w", targetID, err)
	}
	if target == nil {
		return nil, nil, &NotFoundError{Role: "target", ID: targetID}
	}
	return actor, target, nil
}

// atPosition targets the field and the items at (x, y) on the actor's map.
// The actor is a candidate only when it stands there.
func atPosition(ctx context.Context, f Finder, actorID string, x, y int) (Result, error) {
	actor, err := f.FindAny(ctx, actorID, types.KindItem)
	if err != nil {
		return Result{}, fmt.Errorf("failed to retrieve actor (%s): %w", actorID, err)
	}
	if actor == nil {
		return Result{}, &NotFoundError{Role: "actor", ID: actorID}
	}
	mapID := MapOf(actor)
	if mapID == "" {
		return Result{}, fmt.Errorf("cannot resolve rules for actor %s on map if it does not have a map", actorID)
	}

	items, err := f.FindWhere(ctx, types.KindItem, storage.Where{"x": x, "y": y})
	if err != nil {
		return Result{}, fmt.Errorf("failed to retrieve items at position x:%d y:%d: %w", x, y, err)
	}
	var targets []*model.Entity
	fields, err := f.FindWhere(ctx, types.KindField, storage.Where{"mapId": mapID, "x": x, "y": y})
	if err != nil {
		return Result{}, fmt.Errorf("failed to retrieve field at position x:%d y:%d: %w", x, y, err)
	}
	if len(fields) > 0 {
		targets = append(targets, fields[0])
	}
	for _, item := range items {
		if MapOf(item) == mapID {
			targets = append(targets, item)
		}
	}
	return Result{Actor: actor, Targets: targets}, nil
}

// MapOf returns the id of the map an item stands on.
func MapOf(e *model.Entity) string {
	v, ok := e.Get("map")
	if !ok {
		return ""
	}
	switch m := v.(type) {
	case *model.Link:
		return m.ID
	case string:
		return m
	}
	return ""
}
