package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/nathoo/mythcore/engine/rules"
	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

// Module is a loaded script: the table it returned, held in its own VM.
// Calls into the VM are serialized.
type Module struct {
	id      string
	meta    types.ExecutableMeta
	effects rules.Effects

	mu    sync.Mutex
	L     *lua.LState
	table *lua.LTable
}

// Require runs a compiled script in a fresh sandbox and classifies the value
// it returns. A script that raises an error while loading is rejected.
func Require(id string, proto *lua.FunctionProto, log zerolog.Logger) (*Module, error) {
	L := newState(log.With().Str("executable", id).Logger())
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("requiring %s: %w", id, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	m := &Module{id: id, L: L, meta: types.ExecutableMeta{Kind: types.ScriptPlain}}
	if tbl, ok := ret.(*lua.LTable); ok {
		m.table = tbl
		m.meta = classify(tbl)
	}
	return m, nil
}

// classify reads the declared kind and checks that the functions of that
// kind are present. Anything else is a plain script.
func classify(tbl *lua.LTable) types.ExecutableMeta {
	meta := types.ExecutableMeta{Kind: types.ScriptPlain}
	switch types.ScriptKind(getString(tbl, "kind")) {
	case types.ScriptRule:
		if getFunction(tbl, "canExecute") != nil && getFunction(tbl, "execute") != nil {
			meta.Kind = types.ScriptRule
			meta.Category = getString(tbl, "category")
			meta.Active = getBool(tbl, "active", true)
		}
	case types.ScriptTurn:
		if getFunction(tbl, "select") != nil && getFunction(tbl, "execute") != nil {
			meta.Kind = types.ScriptTurn
			meta.Rank = getInt(tbl, "rank")
			meta.Active = getBool(tbl, "active", true)
		}
	}
	return meta
}

// ID returns the executable id.
func (m *Module) ID() string { return m.id }

// Meta returns the classification and the metadata declared by the script.
func (m *Module) Meta() types.ExecutableMeta { return m.meta }

// Close releases the VM.
func (m *Module) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L != nil {
		m.L.Close()
		m.L = nil
	}
}

// Rule returns the targeted rule view of the module.
func (m *Module) Rule() (rules.TargetedRule, bool) {
	if m.meta.Kind != types.ScriptRule {
		return nil, false
	}
	return &targetedRule{m}, true
}

// Turn returns the turn rule view of the module.
func (m *Module) Turn() (rules.TurnRule, bool) {
	if m.meta.Kind != types.ScriptTurn {
		return nil, false
	}
	return &turnRule{m}, true
}

// call invokes a function of the module table. args receives the VM to
// build its arguments.
func (m *Module) call(ctx context.Context, name string, rc *rules.Context, args func(L *lua.LState, luaCtx *lua.LTable) []lua.LValue) (ret lua.LValue, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L == nil {
		return nil, fmt.Errorf("executable %s was unloaded", m.id)
	}
	fn := getFunction(m.table, name)
	if fn == nil {
		return nil, fmt.Errorf("executable %s has no %s function", m.id, name)
	}

	m.L.SetContext(ctx)
	defer m.L.RemoveContext()

	luaCtx := newContext(ctx, m.L, m.id, &m.effects, rc)
	if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args(m.L, luaCtx)...); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", m.id, name, err)
	}
	ret = m.L.Get(-1)
	m.L.Pop(1)
	return ret, nil
}

type targetedRule struct{ m *Module }

func (r *targetedRule) ID() string              { return r.m.id }
func (r *targetedRule) Category() string        { return r.m.meta.Category }
func (r *targetedRule) Active() bool            { return r.m.meta.Active }
func (r *targetedRule) Effects() *rules.Effects { return &r.m.effects }

func (r *targetedRule) CanExecute(ctx context.Context, actor, target *model.Entity, rc *rules.Context) ([]types.Param, bool, error) {
	ret, err := r.m.call(ctx, "canExecute", rc, func(L *lua.LState, luaCtx *lua.LTable) []lua.LValue {
		return []lua.LValue{newEntityValue(L, actor), newEntityValue(L, target), luaCtx}
	})
	if err != nil {
		return nil, false, err
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, false, nil
	}
	params, err := paramsFromTable(tbl)
	if err != nil {
		return nil, false, fmt.Errorf("%s.canExecute: %w", r.m.id, err)
	}
	return params, true, nil
}

func (r *targetedRule) Execute(ctx context.Context, actor, target *model.Entity, params map[string]any, rc *rules.Context) (any, error) {
	ret, err := r.m.call(ctx, "execute", rc, func(L *lua.LState, luaCtx *lua.LTable) []lua.LValue {
		return []lua.LValue{newEntityValue(L, actor), newEntityValue(L, target), toLuaValue(L, params), luaCtx}
	})
	if err != nil {
		return nil, err
	}
	return plainDetail(toGoValue(ret)), nil
}

type turnRule struct{ m *Module }

func (r *turnRule) ID() string              { return r.m.id }
func (r *turnRule) Rank() int               { return r.m.meta.Rank }
func (r *turnRule) Active() bool            { return r.m.meta.Active }
func (r *turnRule) Effects() *rules.Effects { return &r.m.effects }

func (r *turnRule) Select(ctx context.Context, rc *rules.Context) ([]*model.Entity, bool, error) {
	ret, err := r.m.call(ctx, "select", rc, func(L *lua.LState, luaCtx *lua.LTable) []lua.LValue {
		return []lua.LValue{luaCtx}
	})
	if err != nil {
		return nil, false, err
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, false, nil
	}
	var targets []*model.Entity
	for i := 1; i <= tbl.MaxN(); i++ {
		if ud, ok := tbl.RawGetInt(i).(*lua.LUserData); ok {
			if e, ok := ud.Value.(*model.Entity); ok {
				targets = append(targets, e)
			}
		}
	}
	return targets, true, nil
}

func (r *turnRule) Execute(ctx context.Context, target *model.Entity, rc *rules.Context) error {
	_, err := r.m.call(ctx, "execute", rc, func(L *lua.LState, luaCtx *lua.LTable) []lua.LValue {
		return []lua.LValue{newEntityValue(L, target), luaCtx}
	})
	return err
}

// paramsFromTable reads the parameter descriptors returned by canExecute.
func paramsFromTable(tbl *lua.LTable) ([]types.Param, error) {
	params := []types.Param{}
	for i := 1; i <= tbl.MaxN(); i++ {
		pt, ok := tbl.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("invalid expected parameter at position %d", i)
		}
		p := types.Param{
			Name:   getString(pt, "name"),
			Type:   getString(pt, "type"),
			NumMin: getOptInt(pt, "numMin"),
			NumMax: getOptInt(pt, "numMax"),
			Min:    toGoValue(pt.RawGetString("min")),
			Max:    toGoValue(pt.RawGetString("max")),
			Match:  getString(pt, "match"),
		}
		if within := getTable(pt, "within"); within != nil {
			p.Within = []any{}
			for j := 1; j <= within.MaxN(); j++ {
				p.Within = append(p.Within, toGoValue(within.RawGetInt(j)))
			}
		}
		if prop := getTable(pt, "property"); prop != nil {
			p.Property = &types.PropertyRef{Path: getString(prop, "path"), From: getString(prop, "from")}
		}
		params = append(params, p)
	}
	return params, nil
}
