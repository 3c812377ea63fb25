package rules

import (
	"context"
	"testing"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

func ids(list []*model.Entity) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID()
	}
	return out
}

func TestFilterModified_WalksLinksOnce(t *testing.T) {
	sword := persisted(types.KindItem, "sword", map[string]any{"power": 2})
	hero := persisted(types.KindItem, "hero", map[string]any{"weapon": sword})
	// Cycle back to hero.
	sword.Merge(map[string]any{"owner": hero}, nil)
	sword.Bind(hero)

	hero.Set("hp", 3)
	sword.Set("power", 4)

	got := FilterModified(hero, nil)
	if len(got) != 2 || got[0] != hero || got[1] != sword {
		t.Errorf("FilterModified = %v, want [hero sword]", ids(got))
	}
}

func TestFilterModified_PlayerCharactersOnly(t *testing.T) {
	char := persisted(types.KindItem, "char", nil)
	char.Set("x", 1)
	player := persisted(types.KindPlayer, "p", map[string]any{"characters": []*model.Entity{char}})

	got := FilterModified(player, nil)
	if len(got) != 1 || got[0] != char {
		t.Errorf("FilterModified = %v, want [char]", ids(got))
	}

	field := persisted(types.KindField, "f", map[string]any{"map": &model.Link{ID: "m", Kind: types.KindMap}})
	if got := FilterModified(field, nil); len(got) != 0 {
		t.Errorf("clean field reported modified: %v", ids(got))
	}
}

func TestPurgeDuplicates(t *testing.T) {
	a := persisted(types.KindItem, "a", nil)
	a2 := persisted(types.KindItem, "a", nil)
	b := persisted(types.KindItem, "b", nil)

	got := PurgeDuplicates([]*model.Entity{a, b, a2, a})
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("PurgeDuplicates = %v", ids(got))
	}
	if !Contains(got, a2) {
		t.Error("Contains should match by id")
	}
}

func TestGetProp(t *testing.T) {
	potion := persisted(types.KindItem, "potion", map[string]any{"quantity": 3})
	bag := persisted(types.KindItem, "bag", map[string]any{
		"content": []any{&model.Link{ID: "potion", Kind: types.KindItem}},
		"stats":   map[string]any{"weight": 5},
	})
	hero := persisted(types.KindItem, "hero", map[string]any{"bag": &model.Link{ID: "bag", Kind: types.KindItem}})
	world := newFakeWorld(potion, bag, hero)
	ctx := context.Background()

	tests := []struct {
		path string
		want any
	}{
		{"bag", bag},
		{"bag.content[0]", potion},
		{"bag.content[0].quantity", 3.0},
		{"bag.stats.weight", 5.0},
		{"bag.content[4]", nil},
		{"missing.thing", nil},
	}
	for _, tt := range tests {
		got, err := GetProp(ctx, world, hero, tt.path)
		if err != nil {
			t.Fatalf("GetProp(%q): %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("GetProp(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if world.fetches == 0 {
		t.Error("unloaded links were not fetched")
	}
	if _, err := GetProp(ctx, world, hero, ""); err == nil {
		t.Error("empty path accepted")
	}
}
