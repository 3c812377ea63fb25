// Package model holds the live, mutable world entities shared by reference
// inside one process.
package model

import (
	"sort"
	"sync"
	"time"

	"github.com/nathoo/mythcore/types"
)

// Link is a reference from one entity field to another entity. Entity is
// nil until the link has been fetched.
type Link struct {
	ID     string
	Kind   types.Kind
	Entity *Entity
}

// Entity is a persisted world object: an item, event, player, field or map.
type Entity struct {
	mu        sync.RWMutex
	kind      types.Kind
	id        string
	fields    map[string]any
	modified  map[string]bool
	persisted bool
}

// New creates an entity that has not been saved yet.
func New(kind types.Kind, id string, fields map[string]any) *Entity {
	e := &Entity{
		kind:     kind,
		id:       id,
		fields:   map[string]any{},
		modified: map[string]bool{},
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		e.fields[k] = normalize(v)
	}
	return e
}

// Kind returns the entity family.
func (e *Entity) Kind() types.Kind { return e.kind }

// ID returns the entity id, empty until assigned.
func (e *Entity) ID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

// SetID assigns the id of an entity that was never persisted.
func (e *Entity) SetID(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.persisted {
		return false
	}
	e.id = id
	return true
}

// Get returns a field value. Arrays and maps are returned as copies.
func (e *Entity) Get(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.fields[name]
	return clone(v), ok
}

// Set assigns a field and marks it modified.
func (e *Entity) Set(name string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fields[name] = normalize(value)
	e.modified[name] = true
}

// Unset removes a field and marks it modified.
func (e *Entity) Unset(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.fields, name)
	e.modified[name] = true
}

// Fields returns a copy of all fields.
func (e *Entity) Fields() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		out[k] = clone(v)
	}
	return out
}

// Modified returns the sorted names of fields changed since the last save.
func (e *Entity) Modified() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.modified))
	for k := range e.modified {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsNew reports whether the entity was never persisted.
func (e *Entity) IsNew() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.persisted
}

// IsModified reports whether the entity needs saving.
func (e *Entity) IsModified() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.persisted || len(e.modified) > 0
}

// MarkPersisted clears the modification set after a successful save or load.
func (e *Entity) MarkPersisted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persisted = true
	e.modified = map[string]bool{}
}

// Merge applies fields received from another process without marking them
// modified. links gives the kind of every field whose ids are references;
// when it is nil, a bare id replacing a link keeps the link kind.
func (e *Entity) Merge(changes map[string]any, links map[string]types.Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range changes {
		if k == "id" {
			continue
		}
		if v == nil {
			delete(e.fields, k)
			continue
		}
		if links == nil {
			e.fields[k] = relink(e.kind, k, e.fields[k], normalize(v))
			continue
		}
		if target, ok := links[k]; ok {
			e.fields[k] = toLinks(normalize(v), target)
			continue
		}
		e.fields[k] = normalize(v)
	}
}

// LinkKinds maps every field holding a link, directly or inside an array,
// to the kind of the first link found.
func (e *Entity) LinkKinds() map[string]types.Kind {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := map[string]types.Kind{}
	for name, v := range e.fields {
		switch val := v.(type) {
		case *Link:
			out[name] = val.Kind
		case []any:
			for _, item := range val {
				if l, ok := item.(*Link); ok {
					out[name] = l.Kind
					break
				}
			}
		}
	}
	return out
}

// Equals compares entity identity.
func (e *Entity) Equals(other *Entity) bool {
	if e == nil || other == nil {
		return false
	}
	if e == other {
		return true
	}
	id := e.ID()
	return id != "" && id == other.ID()
}

// Links returns the distinct links held by the entity fields, top level and
// inside arrays.
func (e *Entity) Links() []Link {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Link
	seen := map[string]bool{}
	add := func(l *Link) {
		if l == nil || seen[l.ID] {
			return
		}
		seen[l.ID] = true
		out = append(out, *l)
	}
	for _, name := range sortedKeys(e.fields) {
		switch v := e.fields[name].(type) {
		case *Link:
			add(v)
		case []any:
			for _, item := range v {
				if l, ok := item.(*Link); ok {
					add(l)
				}
			}
		}
	}
	return out
}

// Bind attaches a loaded entity to every link pointing at its id.
func (e *Entity) Bind(target *Entity) {
	if target == nil {
		return
	}
	id := target.ID()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.fields {
		switch v := v.(type) {
		case *Link:
			if v.ID == id {
				v.Entity = target
			}
		case []any:
			for _, item := range v {
				if l, ok := item.(*Link); ok && l.ID == id {
					l.Entity = target
				}
			}
		}
	}
}

// LinkedEntities returns the loaded entities reachable through links.
func (e *Entity) LinkedEntities() []*Entity {
	var out []*Entity
	for _, l := range e.Links() {
		if l.Entity != nil {
			out = append(out, l.Entity)
		}
	}
	return out
}

// normalize converts Go values into the entity value space: float64
// numbers, []any arrays, map[string]any objects and *Link references.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *Entity:
		if val == nil {
			return nil
		}
		return &Link{ID: val.ID(), Kind: val.Kind(), Entity: val}
	case Link:
		return &Link{ID: val.ID, Kind: val.Kind, Entity: val.Entity}
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []*Entity:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// clone copies arrays and maps so callers cannot mutate fields in place.
// Links are shared.
func clone(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = clone(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = clone(item)
		}
		return out
	default:
		return v
	}
}

// relink turns bare ids received for a link field back into links, using
// the previous value or the known link fields of the kind.
func relink(kind types.Kind, name string, previous, next any) any {
	target, known := LinkKind(kind, name)
	if l, ok := previous.(*Link); ok {
		target, known = l.Kind, true
	}
	if arr, ok := previous.([]any); ok {
		for _, item := range arr {
			if l, ok := item.(*Link); ok {
				target, known = l.Kind, true
				break
			}
		}
	}
	if !known {
		return next
	}
	return toLinks(next, target)
}

// toLinks turns bare ids, alone or in an array, into links of kind target.
func toLinks(v any, target types.Kind) any {
	switch val := v.(type) {
	case string:
		return &Link{ID: val, Kind: target}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			if s, ok := item.(string); ok {
				out[i] = &Link{ID: s, Kind: target}
			} else {
				out[i] = item
			}
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
