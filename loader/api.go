package loader

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/nathoo/mythcore/engine/rules"
	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/types"
)

const entityTypeName = "Entity"

// registerEntityType installs the metatable backing entity userdata.
func registerEntityType(L *lua.LState) {
	mt := L.NewTypeMetatable(entityTypeName)
	L.SetField(mt, "__index", L.NewFunction(entityIndex))
	L.SetField(mt, "__newindex", L.NewFunction(entityNewIndex))
	L.SetField(mt, "__eq", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(checkEntity(L, 1).Equals(checkEntity(L, 2))))
		return 1
	}))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		e := checkEntity(L, 1)
		L.Push(lua.LString(fmt.Sprintf("%s %s", e.Kind(), e.ID())))
		return 1
	}))
}

func newEntityValue(L *lua.LState, e *model.Entity) lua.LValue {
	if e == nil {
		return lua.LNil
	}
	ud := L.NewUserData()
	ud.Value = e
	L.SetMetatable(ud, L.GetTypeMetatable(entityTypeName))
	return ud
}

func checkEntity(L *lua.LState, n int) *model.Entity {
	ud := L.CheckUserData(n)
	if e, ok := ud.Value.(*model.Entity); ok {
		return e
	}
	L.ArgError(n, "entity expected")
	return nil
}

// entity.field reads a field. Arrays and objects are copies: change them
// and assign them back.
func entityIndex(L *lua.LState) int {
	e := checkEntity(L, 1)
	key := L.CheckString(2)
	switch key {
	case "id":
		L.Push(lua.LString(e.ID()))
	case "kind":
		L.Push(lua.LString(e.Kind()))
	default:
		v, ok := e.Get(key)
		if !ok {
			L.Push(lua.LNil)
		} else {
			L.Push(toLuaValue(L, v))
		}
	}
	return 1
}

// entity.field = value writes a field and marks it modified. Assigning an
// entity stores a link to it; assigning nil removes the field.
func entityNewIndex(L *lua.LState) int {
	e := checkEntity(L, 1)
	key := L.CheckString(2)
	value := L.Get(3)
	switch key {
	case "id":
		if !e.SetID(L.CheckString(3)) {
			L.RaiseError("id of saved %s %s cannot change", e.Kind(), e.ID())
		}
	case "kind":
		L.RaiseError("kind of %s %s cannot change", e.Kind(), e.ID())
	default:
		if value == lua.LNil {
			e.Unset(key)
		} else {
			e.Set(key, toGoValue(value))
		}
	}
	return 0
}

var entityKinds = map[string]types.Kind{
	string(types.KindItem):   types.KindItem,
	string(types.KindEvent):  types.KindEvent,
	string(types.KindPlayer): types.KindPlayer,
	string(types.KindField):  types.KindField,
	string(types.KindMap):    types.KindMap,
}

func checkKind(L *lua.LState, n int) types.Kind {
	name := L.CheckString(n)
	kind, ok := entityKinds[name]
	if !ok {
		L.ArgError(n, fmt.Sprintf("unknown entity kind %q", name))
	}
	return kind
}

// newContext builds the ctx table handed to rule functions. Every function
// is called with method syntax: ctx:save(e).
func newContext(ctx context.Context, L *lua.LState, id string, fx *rules.Effects, rc *rules.Context) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("player", newEntityValue(L, rc.Player))
	tbl.RawSetString("now", lua.LNumber(rc.Now.UnixMilli()))
	tbl.RawSetString("rule", lua.LString(id))

	fns := map[string]lua.LGFunction{
		"save": func(L *lua.LState) int {
			fx.Save(checkEntity(L, 2))
			return 0
		},
		"remove": func(L *lua.LState) int {
			if s, ok := L.Get(2).(lua.LString); ok {
				fx.RemoveID(string(s))
			} else {
				fx.Remove(checkEntity(L, 2))
			}
			return 0
		},
		"new": func(L *lua.LState) int {
			kind := checkKind(L, 2)
			fields, _ := toGoValue(L.OptTable(3, L.NewTable())).(map[string]any)
			entityID, _ := fields["id"].(string)
			L.Push(newEntityValue(L, model.New(kind, entityID, fields)))
			return 1
		},
		"get": func(L *lua.LState) int {
			kind := checkKind(L, 2)
			found, err := rc.World.FindCached(ctx, kind, []string{L.CheckString(3)})
			if err != nil {
				L.RaiseError("get %s: %s", kind, err.Error())
			}
			if len(found) == 0 {
				L.Push(lua.LNil)
			} else {
				L.Push(newEntityValue(L, found[0]))
			}
			return 1
		},
		"find": func(L *lua.LState) int {
			kind := checkKind(L, 2)
			where := storage.Where{}
			if m, ok := toGoValue(L.OptTable(3, L.NewTable())).(map[string]any); ok {
				for k, v := range m {
					where[k] = v
				}
			}
			found, err := rc.World.FindWhere(ctx, kind, where)
			if err != nil {
				L.RaiseError("find %s: %s", kind, err.Error())
			}
			L.Push(toLuaValue(L, found))
			return 1
		},
		"fetch": func(L *lua.LState) int {
			if err := rc.World.Fetch(ctx, checkEntity(L, 2)); err != nil {
				L.RaiseError("fetch: %s", err.Error())
			}
			return 0
		},
		"notify": func(L *lua.LState) int {
			scope := L.CheckString(2)
			name := L.CheckString(3)
			var details []any
			for i := 4; i <= L.GetTop(); i++ {
				details = append(details, plainDetail(toGoValue(L.Get(i))))
			}
			if rc.Notify != nil {
				rc.Notify(scope, name, details...)
			}
			return 0
		},
		"log": func(L *lua.LState) int {
			rc.Log.Info().Str("rule", id).Msg(L.ToStringMeta(L.Get(2)).String())
			return 0
		},
	}
	for name, fn := range fns {
		tbl.RawSetString(name, L.NewFunction(fn))
	}
	return tbl
}

// plainDetail turns entities into plain objects for notifications.
func plainDetail(v any) any {
	switch val := v.(type) {
	case *model.Entity:
		plain := val.Plain()
		plain["kind"] = string(val.Kind())
		return plain
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = plainDetail(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = plainDetail(item)
		}
		return out
	default:
		return v
	}
}
