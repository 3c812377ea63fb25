package rules

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

// CheckParameters validates the values a caller supplied against the
// parameters a rule declared in canExecute. Object parameters are matched
// against their candidate entities, listed by "within" or read from a
// property of the actor or the target.
func CheckParameters(ctx context.Context, actual map[string]any, expected []types.Param, actor, target *model.Entity, world World) error {
	for _, param := range expected {
		if err := checkParameter(ctx, actual, param, actor, target, world); err != nil {
			return err
		}
	}
	return nil
}

func checkParameter(ctx context.Context, actual map[string]any, param types.Param, actor, target *model.Entity, world World) error {
	if param.Name == "" || param.Type == "" {
		raw, _ := json.Marshal(param)
		return fmt.Errorf("invalid name or type within expected parameter %s", raw)
	}
	raw, ok := actual[param.Name]
	if !ok || raw == nil {
		return fmt.Errorf("missing parameter %s", param.Name)
	}
	values, isList := raw.([]any)
	if !isList {
		values = []any{raw}
	}

	min, max := 1, 1
	if param.NumMin != nil {
		min = *param.NumMin
	}
	if param.NumMax != nil {
		max = *param.NumMax
	}
	if len(values) < min {
		return fmt.Errorf("%s: expected at least %d value(s)", param.Name, min)
	}
	if len(values) > max {
		return fmt.Errorf("%s: expected at most %d value(s)", param.Name, max)
	}

	var candidates []*model.Entity
	if param.Type == "object" {
		var err error
		if candidates, err = objectCandidates(ctx, param, actor, target, world); err != nil {
			return err
		}
	}

	for _, value := range values {
		if param.Type != "object" {
			if err := CheckPropertyType(value, param.Type); err != nil {
				return fmt.Errorf("%s: %w", param.Name, err)
			}
		}
		if err := checkBounds(value, param, candidates); err != nil {
			return err
		}
	}
	return nil
}

func checkBounds(value any, param types.Param, candidates []*model.Entity) error {
	switch param.Type {
	case "integer", "float":
		n, _ := toFloat(value)
		if lo, ok := toFloat(param.Min); ok && n < lo {
			return fmt.Errorf("%s: %v is lower than %v", param.Name, value, param.Min)
		}
		if hi, ok := toFloat(param.Max); ok && n > hi {
			return fmt.Errorf("%s: %v is higher than %v", param.Name, value, param.Max)
		}

	case "date", "time", "datetime":
		d, _ := toTime(value)
		if lo, ok := toTime(param.Min); ok && d.Before(lo) {
			return fmt.Errorf("%s: %v is lower than %v", param.Name, value, param.Min)
		}
		if hi, ok := toTime(param.Max); ok && d.After(hi) {
			return fmt.Errorf("%s: %v is higher than %v", param.Name, value, param.Max)
		}

	case "string", "text":
		s, _ := value.(string)
		if param.Within != nil && !slices.Contains(param.Within, any(s)) {
			return fmt.Errorf("%s: %s is not a valid option", param.Name, s)
		}
		if param.Match != "" {
			re, err := regexp.Compile(param.Match)
			if err != nil {
				return fmt.Errorf("%s: invalid match %q: %w", param.Name, param.Match, err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("%s: %s does not match conditions", param.Name, s)
			}
		}

	case "object":
		return checkObject(value, param, candidates)
	}
	return nil
}

// checkObject accepts an id or an {id, qty} pair naming one of candidates.
func checkObject(value any, param types.Param, candidates []*model.Entity) error {
	var (
		id     string
		qty    float64
		hasQty bool
	)
	switch v := value.(type) {
	case string:
		id = v
	case map[string]any:
		sid, okID := v["id"].(string)
		n, okQty := toFloat(v["qty"])
		if !okID || !okQty {
			raw, _ := json.Marshal(value)
			return fmt.Errorf("%s: %s isn't a valid object id or id+qty", param.Name, raw)
		}
		if n <= 0 {
			return fmt.Errorf("%s: quantity must be a positive number", param.Name)
		}
		id, qty, hasQty = sid, n, true
	default:
		raw, _ := json.Marshal(value)
		return fmt.Errorf("%s: %s isn't a valid object id or id+qty", param.Name, raw)
	}

	var match *model.Entity
	for _, c := range candidates {
		if c.ID() == id {
			match = c
			break
		}
	}
	if match == nil {
		return fmt.Errorf("%s: %s is not a valid option", param.Name, id)
	}
	raw, _ := match.Get("quantity")
	available, quantifiable := toFloat(raw)
	if quantifiable && !hasQty {
		return fmt.Errorf("%s: %s is missing quantity", param.Name, id)
	}
	if hasQty && quantifiable && qty > available {
		return fmt.Errorf("%s: not enough %s to honor quantity %v", param.Name, id, qty)
	}
	return nil
}

// objectCandidates lists the entities an object parameter may designate.
func objectCandidates(ctx context.Context, param types.Param, actor, target *model.Entity, world World) ([]*model.Entity, error) {
	if param.Within != nil {
		var (
			candidates []*model.Entity
			ids        []string
		)
		for _, w := range param.Within {
			switch v := w.(type) {
			case *model.Entity:
				candidates = append(candidates, v)
			case string:
				ids = append(ids, v)
			}
		}
		for _, kind := range []types.Kind{types.KindItem, types.KindEvent} {
			if len(ids) == 0 {
				break
			}
			found, err := world.FindCached(ctx, kind, ids)
			if err != nil {
				return nil, fmt.Errorf("%s: failed to resolve possible %ss: %w", param.Name, strings.ToLower(string(kind)), err)
			}
			candidates = append(candidates, found...)
			ids = slices.DeleteFunc(ids, func(id string) bool {
				return slices.ContainsFunc(found, func(e *model.Entity) bool { return e.ID() == id })
			})
		}
		return candidates, nil
	}

	if param.Property != nil && param.Property.Path != "" && param.Property.From != "" {
		from := actor
		if param.Property.From == "target" {
			from = target
		}
		value, err := GetProp(ctx, world, from, param.Property.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to resolve possible values: %w", param.Name, err)
		}
		var candidates []*model.Entity
		switch v := value.(type) {
		case *model.Entity:
			candidates = append(candidates, v)
		case []any:
			for _, item := range v {
				if e, ok := item.(*model.Entity); ok {
					candidates = append(candidates, e)
				}
			}
		}
		return candidates, nil
	}
	return nil, fmt.Errorf("%s: missing 'within' constraint or invalid 'property' constraint", param.Name)
}

// CheckPropertyType reports whether value suits a declared parameter type.
// A nil value is accepted by every type.
func CheckPropertyType(value any, typ string) error {
	if value == nil {
		return nil
	}
	switch typ {
	case "integer":
		n, ok := toFloat(value)
		if !ok || n != math.Trunc(n) {
			return fmt.Errorf("%v isn't a valid integer", value)
		}
	case "float":
		n, ok := toFloat(value)
		if !ok || math.IsNaN(n) {
			return fmt.Errorf("%v isn't a valid float", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%v isn't a valid boolean", value)
		}
	case "date", "time", "datetime":
		if _, ok := toTime(value); !ok {
			return fmt.Errorf("%v isn't a valid date", value)
		}
	case "string", "text":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("'%v' isn't a valid %s", value, typ)
		}
	case "object":
	default:
		return fmt.Errorf("%s isn't a valid type", typ)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toTime accepts RFC 3339 strings, time values and unix milliseconds.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.DateTime, time.DateOnly, time.TimeOnly} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	}
	if ms, ok := toFloat(v); ok {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}
