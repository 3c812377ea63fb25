// Package effects persists the side effects of a rule invocation: removals
// first, then every modified entity that was not removed.
package effects

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nathoo/mythcore/engine/rules"
	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

// Store resolves bare ids and writes entities.
type Store interface {
	FindCached(ctx context.Context, kind types.Kind, ids []string) ([]*model.Entity, error)
	Save(ctx context.Context, e *model.Entity) error
	Remove(ctx context.Context, e *model.Entity) error
}

// removalKinds is the lookup order of removals given by id.
var removalKinds = []types.Kind{types.KindItem, types.KindEvent, types.KindPlayer, types.KindField, types.KindMap}

// Outcome lists what was written.
type Outcome struct {
	Removed []*model.Entity
	Saved   []*model.Entity
}

// Apply commits a side-effect log. Explicit saves are completed with the
// modified entities reachable from roots. Removed entities are never saved,
// and no entity is written twice.
func Apply(ctx context.Context, st Store, log zerolog.Logger, removals []rules.Removal, saved []*model.Entity, roots ...*model.Entity) (Outcome, error) {
	var out Outcome

	// Step 1. Resolve removals given by id.
	removed, err := materialize(ctx, st, log, removals)
	if err != nil {
		return out, err
	}

	// Step 2. Remove.
	for _, e := range rules.PurgeDuplicates(removed) {
		log.Debug().Str("kind", string(e.Kind())).Str("id", e.ID()).Msg("remove")
		if err := st.Remove(ctx, e); err != nil {
			return out, fmt.Errorf("removing %s %s: %w", e.Kind(), e.ID(), err)
		}
		out.Removed = append(out.Removed, e)
	}

	// Step 3. Save what was explicitly saved or modified in place.
	toSave := append([]*model.Entity(nil), saved...)
	for _, root := range roots {
		toSave = rules.FilterModified(root, toSave)
	}
	for _, e := range rules.PurgeDuplicates(toSave) {
		if rules.Contains(out.Removed, e) {
			continue
		}
		log.Debug().Str("kind", string(e.Kind())).Str("id", e.ID()).Strs("modified", e.Modified()).Msg("save")
		if err := st.Save(ctx, e); err != nil {
			return out, fmt.Errorf("saving %s %s: %w", e.Kind(), e.ID(), err)
		}
		out.Saved = append(out.Saved, e)
	}
	return out, nil
}

// materialize turns removals into entities, looking bare ids up kind by
// kind. Ids that resolve to nothing are dropped.
func materialize(ctx context.Context, st Store, log zerolog.Logger, removals []rules.Removal) ([]*model.Entity, error) {
	out := make([]*model.Entity, len(removals))
	pending := map[string][]int{}
	var ids []string
	for i, r := range removals {
		if r.Entity != nil {
			out[i] = r.Entity
			continue
		}
		if _, ok := pending[r.ID]; !ok {
			ids = append(ids, r.ID)
		}
		pending[r.ID] = append(pending[r.ID], i)
	}

	for _, kind := range removalKinds {
		if len(ids) == 0 {
			break
		}
		found, err := st.FindCached(ctx, kind, ids)
		if err != nil {
			return nil, fmt.Errorf("resolving removed %s: %w", kind, err)
		}
		for _, e := range found {
			for _, i := range pending[e.ID()] {
				out[i] = e
			}
			delete(pending, e.ID())
		}
		ids = ids[:0]
		for id := range pending {
			ids = append(ids, id)
		}
	}
	for id := range pending {
		log.Warn().Str("id", id).Msg("removed id matches no entity")
	}

	entities := out[:0]
	for _, e := range out {
		if e != nil {
			entities = append(entities, e)
		}
	}
	return entities, nil
}
