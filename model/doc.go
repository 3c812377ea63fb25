package model

import (
	"fmt"
	"regexp"

	"github.com/goccy/go-json"

	"github.com/nathoo/mythcore/types"
)

const (
	refKey  = "$ref"
	kindKey = "$kind"
)

var idPattern = regexp.MustCompile(`^[\w$-]+$`)

// ValidID reports whether id only uses word characters, '$' and '-'.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// linkFields lists the reference fields every entity of a kind carries.
var linkFields = map[types.Kind]map[string]types.Kind{
	types.KindItem:   {"map": types.KindMap},
	types.KindEvent:  {"from": types.KindItem},
	types.KindPlayer: {"characters": types.KindItem},
}

// LinkKind returns the target kind of a well-known reference field.
func LinkKind(kind types.Kind, field string) (types.Kind, bool) {
	k, ok := linkFields[kind][field]
	return k, ok
}

// Document returns the storage form of the entity: fields plus id and kind,
// with links written as {"$ref": id, "kind": K}.
func (e *Entity) Document() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc := make(map[string]any, len(e.fields)+2)
	for k, v := range e.fields {
		doc[k] = encodeValue(v)
	}
	doc["id"] = e.id
	doc[kindKey] = string(e.kind)
	return doc
}

// Plain returns the fields with links flattened to bare ids.
func (e *Entity) Plain() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.fields)+1)
	for k, v := range e.fields {
		out[k] = flatten(v)
	}
	out["id"] = e.id
	return out
}

// MarshalJSON encodes the storage form.
func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Document())
}

// Decode builds a persisted entity from its storage form. An empty kind is
// read from the document.
func Decode(kind types.Kind, data []byte) (*Entity, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding entity: %w", err)
	}
	return FromDocument(kind, doc)
}

// FromDocument builds a persisted entity from a decoded storage form.
func FromDocument(kind types.Kind, doc map[string]any) (*Entity, error) {
	if kind == "" {
		s, _ := doc[kindKey].(string)
		kind = types.Kind(s)
	}
	if kind == "" {
		return nil, fmt.Errorf("entity document without kind")
	}
	id, _ := doc["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%s document without id", kind)
	}
	fields := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "id" || k == kindKey {
			continue
		}
		fields[k] = decodeValue(v)
	}
	e := New(kind, id, fields)
	e.MarkPersisted()
	return e, nil
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case *Link:
		return map[string]any{refKey: val.ID, "kind": string(val.Kind)}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if id, ok := val[refKey].(string); ok {
			kind, _ := val["kind"].(string)
			return &Link{ID: id, Kind: types.Kind(kind)}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = decodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out
	default:
		return v
	}
}

// flatten replaces links by their ids.
func flatten(v any) any {
	switch val := v.(type) {
	case *Link:
		return val.ID
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = flatten(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = flatten(item)
		}
		return out
	default:
		return v
	}
}

// Flatten replaces links by their ids in an arbitrary value.
func Flatten(v any) any {
	return flatten(normalize(v))
}
