package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

// FilterModified appends to modified every dirty entity reachable from obj:
// obj itself, a player's characters, and the entities linked from items and
// events. Each entity is visited once.
func FilterModified(obj *model.Entity, modified []*model.Entity) []*model.Entity {
	return filterModified(obj, modified, map[*model.Entity]bool{})
}

func filterModified(obj *model.Entity, modified []*model.Entity, visited map[*model.Entity]bool) []*model.Entity {
	if obj == nil || visited[obj] {
		return modified
	}
	visited[obj] = true
	if obj.IsModified() {
		modified = append(modified, obj)
	}
	switch obj.Kind() {
	case types.KindPlayer, types.KindItem, types.KindEvent:
		for _, linked := range obj.LinkedEntities() {
			modified = filterModified(linked, modified, visited)
		}
	}
	return modified
}

// PurgeDuplicates keeps the first occurrence of each entity.
func PurgeDuplicates(list []*model.Entity) []*model.Entity {
	out := make([]*model.Entity, 0, len(list))
	for _, e := range list {
		dup := false
		for _, kept := range out {
			if kept.Equals(e) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether list holds an entity equal to e.
func Contains(list []*model.Entity, e *model.Entity) bool {
	for _, item := range list {
		if item.Equals(e) {
			return true
		}
	}
	return false
}

// GetProp walks a dotted path such as "characters[0].inventory" from obj,
// fetching links on the way. A missing step yields nil.
func GetProp(ctx context.Context, world World, obj *model.Entity, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid path '%s'", path)
	}
	var current any = obj
	for _, step := range strings.Split(path, ".") {
		name, index := splitIndex(step)
		var value any
		switch cur := current.(type) {
		case *model.Entity:
			v, ok := cur.Get(name)
			if !ok {
				return nil, nil
			}
			if hasUnloadedLink(v) {
				if err := world.Fetch(ctx, cur); err != nil {
					return nil, fmt.Errorf("error on loading step %s along path %s: %w", step, path, err)
				}
				v, _ = cur.Get(name)
			}
			value = resolveLinks(v)
		case map[string]any:
			v, ok := cur[name]
			if !ok {
				return nil, nil
			}
			value = resolveLinks(v)
		default:
			return nil, nil
		}
		if index >= 0 {
			arr, ok := value.([]any)
			if !ok || index >= len(arr) {
				return nil, nil
			}
			value = arr[index]
		}
		current = value
	}
	return current, nil
}

// splitIndex separates "name[2]" into "name" and 2, or returns -1.
func splitIndex(step string) (string, int) {
	open := strings.IndexByte(step, '[')
	if open == -1 {
		return step, -1
	}
	end := strings.IndexByte(step[open:], ']')
	if end <= 1 {
		return step, -1
	}
	n, err := strconv.Atoi(step[open+1 : open+end])
	if err != nil {
		return step, -1
	}
	return step[:open], n
}

func hasUnloadedLink(v any) bool {
	switch val := v.(type) {
	case *model.Link:
		return val.Entity == nil
	case []any:
		for _, item := range val {
			if l, ok := item.(*model.Link); ok && l.Entity == nil {
				return true
			}
		}
	}
	return false
}

// resolveLinks replaces loaded links by their entities.
func resolveLinks(v any) any {
	switch val := v.(type) {
	case *model.Link:
		if val.Entity != nil {
			return val.Entity
		}
		return val.ID
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveLinks(item)
		}
		return out
	default:
		return v
	}
}
