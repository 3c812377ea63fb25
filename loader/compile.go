package loader

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/nathoo/mythcore/model"
)

// Compile parses and compiles a script source. Syntax errors are reported
// with their line.
func Compile(id, source string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), id+Extension)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", id, err)
	}
	proto, err := lua.Compile(chunk, id+Extension)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", id, err)
	}
	return proto, nil
}

// getString returns a string field from a Lua table, or "" if missing.
func getString(tbl *lua.LTable, key string) string {
	v := tbl.RawGetString(key)
	if s, ok := v.(lua.LString); ok {
		return string(s)
	}
	return ""
}

// getBool returns a bool field from a Lua table, or the default if missing.
func getBool(tbl *lua.LTable, key string, def bool) bool {
	v := tbl.RawGetString(key)
	if b, ok := v.(lua.LBool); ok {
		return bool(b)
	}
	return def
}

// getNumber returns a numeric field from a Lua table, or 0 if missing.
func getNumber(tbl *lua.LTable, key string) float64 {
	v := tbl.RawGetString(key)
	if n, ok := v.(lua.LNumber); ok {
		return float64(n)
	}
	return 0
}

// getInt returns an int field from a Lua table, or 0 if missing.
func getInt(tbl *lua.LTable, key string) int {
	return int(getNumber(tbl, key))
}

// getOptInt returns an int field, or nil if missing.
func getOptInt(tbl *lua.LTable, key string) *int {
	if n, ok := tbl.RawGetString(key).(lua.LNumber); ok {
		v := int(n)
		return &v
	}
	return nil
}

// getTable returns a table field from a Lua table, or nil if missing.
func getTable(tbl *lua.LTable, key string) *lua.LTable {
	v := tbl.RawGetString(key)
	if t, ok := v.(*lua.LTable); ok {
		return t
	}
	return nil
}

// getFunction returns a function field from a Lua table, or nil if missing.
func getFunction(tbl *lua.LTable, key string) *lua.LFunction {
	v := tbl.RawGetString(key)
	if fn, ok := v.(*lua.LFunction); ok {
		return fn
	}
	return nil
}

// toGoValue converts a Lua value to a Go value recursively. Numbers become
// float64 and entity userdata become *model.Entity.
func toGoValue(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LNilType:
		return nil
	case lua.LString:
		return string(val)
	case *lua.LUserData:
		if e, ok := val.Value.(*model.Entity); ok {
			return e
		}
		return nil
	case *lua.LTable:
		// Check if it's an array (sequential integer keys starting at 1).
		maxN := val.MaxN()
		if maxN > 0 {
			arr := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				arr = append(arr, toGoValue(val.RawGetInt(i)))
			}
			return arr
		}
		// Otherwise treat as map.
		m := map[string]any{}
		val.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				m[string(ks)] = toGoValue(v)
			}
		})
		return m
	default:
		return nil
	}
}

// toLuaValue converts an entity field value into Lua. Loaded links become
// entity userdata, unloaded ones their id. Arrays and objects are copied
// into fresh tables.
func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case *model.Entity:
		return newEntityValue(L, val)
	case *model.Link:
		if val.Entity != nil {
			return newEntityValue(L, val.Entity)
		}
		return lua.LString(val.ID)
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(toLuaValue(L, item))
		}
		return tbl
	case []*model.Entity:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(newEntityValue(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, toLuaValue(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
