package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nathoo/mythcore/bus"
	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/storage/memory"
	"github.com/nathoo/mythcore/types"
)

// countingStore records how many Find calls reach storage.
type countingStore struct {
	*memory.Store
	finds int
}

func (s *countingStore) Find(ctx context.Context, kind types.Kind, ids []string) ([]*model.Entity, error) {
	s.finds++
	return s.Store.Find(ctx, kind, ids)
}

type fixture struct {
	store *countingStore
	bus   *bus.Bus
	cache *Cache
	ids   *IDs
	repo  *storage.Repo
}

func newFixture(t *testing.T, origin string) *fixture {
	t.Helper()
	return newFixtureOn(t, origin, &countingStore{Store: memory.New()})
}

func newFixtureOn(t *testing.T, origin string, store *countingStore) *fixture {
	t.Helper()
	f := &fixture{store: store, bus: bus.New(origin, zerolog.Nop()), ids: NewIDs()}
	schema := storage.Schema{}
	f.repo = storage.NewRepo(store, schema)
	f.cache = New(f.repo, zerolog.Nop())
	for k, v := range Schema(f.cache, f.ids, f.bus) {
		schema[k] = v
	}
	f.cache.Subscribe(f.bus)
	f.ids.Subscribe(f.bus)
	return f
}

func (f *fixture) save(t *testing.T, e *model.Entity) *model.Entity {
	t.Helper()
	if err := f.repo.Save(context.Background(), e); err != nil {
		t.Fatalf("save %s: %v", e.ID(), err)
	}
	return e
}

func TestFindCached_PreservesOrderAndDropsMissing(t *testing.T) {
	f := newFixture(t, "p1")
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := f.store.Insert(ctx, model.New(types.KindItem, id, nil)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := f.cache.FindCached(ctx, types.KindItem, []string{"c", "missing", "a"})
	if err != nil {
		t.Fatalf("FindCached: %v", err)
	}
	if len(got) != 2 || got[0].ID() != "c" || got[1].ID() != "a" {
		t.Fatalf("FindCached = %v, want [c a]", got)
	}

	before := f.store.finds
	again, err := f.cache.FindCached(ctx, types.KindItem, []string{"a", "c"})
	if err != nil {
		t.Fatalf("FindCached: %v", err)
	}
	if f.store.finds != before {
		t.Error("cached hits reached storage")
	}
	if again[0] != got[1] {
		t.Error("cache returned a different instance for the same id")
	}
}

func TestSchema_AssignsIDsAndRejectsReuse(t *testing.T) {
	f := newFixture(t, "p1")
	ctx := context.Background()

	e := f.save(t, model.New(types.KindEvent, "", map[string]any{"content": "hi"}))
	if e.ID() == "" || !model.ValidID(e.ID()) {
		t.Fatalf("generated id %q", e.ID())
	}
	if !f.ids.Has(e.ID()) {
		t.Error("id cache not updated on creation")
	}
	if cached, ok := f.cache.Get(types.KindEvent, e.ID()); !ok || cached != e {
		t.Error("created entity not cached")
	}

	err := f.repo.Save(ctx, model.New(types.KindItem, e.ID(), nil))
	if !errors.Is(err, ErrIDInUse) {
		t.Errorf("reusing id: %v, want ErrIDInUse", err)
	}
	if err := f.repo.Save(ctx, model.New(types.KindItem, "bad id", nil)); err == nil {
		t.Error("invalid id accepted")
	}

	f.ids.Reserve(func(id string) bool { return id == "rule_move" })
	if err := f.repo.Save(ctx, model.New(types.KindItem, "rule_move", nil)); !errors.Is(err, ErrIDInUse) {
		t.Errorf("executable id accepted for an entity: %v", err)
	}
}

func TestSchema_EmitsChangesAndEvicts(t *testing.T) {
	f := newFixture(t, "p1")
	var recs []types.ChangeRecord
	f.bus.OnChange(func(rec types.ChangeRecord) { recs = append(recs, rec) })

	e := f.save(t, model.New(types.KindItem, "hero", map[string]any{"x": 1}))
	e.Set("x", 2)
	f.save(t, e)
	if err := f.repo.Remove(context.Background(), e); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	wantOps := []types.Operation{types.OpCreation, types.OpUpdate, types.OpDeletion}
	for i, op := range wantOps {
		if recs[i].Operation != op {
			t.Errorf("record %d = %s, want %s", i, recs[i].Operation, op)
		}
	}
	if _, ok := f.cache.Get(types.KindItem, "hero"); ok {
		t.Error("removed entity still cached")
	}
	if f.ids.Has("hero") {
		t.Error("removed id still in id cache")
	}
}

func TestApply_ReplaysRemoteChangesOnly(t *testing.T) {
	shared := &countingStore{Store: memory.New()}
	p1 := newFixtureOn(t, "p1", shared)
	p2 := newFixtureOn(t, "p2", shared)
	// Relay p1 records into p2, as the supervisor does.
	p1.bus.OnChange(func(rec types.ChangeRecord) { p2.bus.Publish(rec) })

	e := p1.save(t, model.New(types.KindItem, "hero", map[string]any{"x": 1}))
	remote, ok := p2.cache.Get(types.KindItem, "hero")
	if !ok {
		t.Fatal("creation not replayed in p2")
	}
	if remote == e {
		t.Fatal("processes share an instance")
	}

	e.Set("x", 7)
	p1.save(t, e)
	if x, _ := remote.Get("x"); x != 7.0 {
		t.Errorf("replayed x = %v, want 7", x)
	}
	if remote.IsModified() {
		t.Error("replay marked the remote instance modified")
	}

	// A record stamped with the local origin must not be applied again.
	local := e.Plain()
	local["x"] = 99.0
	p1.cache.Apply(p1.bus, types.ChangeRecord{Operation: types.OpUpdate, Kind: types.KindItem, Changes: local, Origin: "p1"})
	if x, _ := e.Get("x"); x != 7.0 {
		t.Errorf("echo applied: x = %v", x)
	}

	if err := p1.repo.Remove(context.Background(), e); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := p2.cache.Get(types.KindItem, "hero"); ok {
		t.Error("deletion not replayed in p2")
	}
	if p2.ids.Has("hero") {
		t.Error("deletion not reflected in p2 id cache")
	}
}

func TestApply_KeepsCustomLinkFields(t *testing.T) {
	ctx := context.Background()
	shared := &countingStore{Store: memory.New()}
	p1 := newFixtureOn(t, "p1", shared)
	p2 := newFixtureOn(t, "p2", shared)
	// Relay through the wire encoding, as between processes.
	p1.bus.OnChange(func(rec types.ChangeRecord) {
		data, err := json.Marshal(rec)
		if err != nil {
			t.Fatalf("encoding record: %v", err)
		}
		var relayed types.ChangeRecord
		if err := json.Unmarshal(data, &relayed); err != nil {
			t.Fatalf("decoding record: %v", err)
		}
		p2.bus.Publish(relayed)
	})

	gem := p1.save(t, model.New(types.KindItem, "gem", map[string]any{"value": 10}))
	p1.save(t, model.New(types.KindItem, "chest", map[string]any{
		"content": []*model.Entity{gem},
		"owner":   gem,
		"label":   "gem",
	}))

	chest, ok := p2.cache.Get(types.KindItem, "chest")
	if !ok {
		t.Fatal("creation not replayed in p2")
	}
	if v, _ := chest.Get("owner"); !isLinkTo(v, "gem") {
		t.Fatalf("replayed owner = %#v, want link to gem", v)
	}
	if v, _ := chest.Get("label"); v != "gem" {
		t.Errorf("replayed label = %#v, want plain string", v)
	}
	if err := p2.cache.Fetch(ctx, chest); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if linked := chest.LinkedEntities(); len(linked) != 1 || linked[0].ID() != "gem" {
		t.Errorf("linked = %v, want [gem]", linked)
	}

	chest.Set("hp", 3)
	p2.save(t, chest)

	stored, err := shared.Store.Find(ctx, types.KindItem, []string{"chest"})
	if err != nil || len(stored) != 1 {
		t.Fatalf("Find: %v %v", stored, err)
	}
	if v, _ := stored[0].Get("owner"); !isLinkTo(v, "gem") {
		t.Errorf("stored owner = %#v, want link to gem", v)
	}
	v, _ := stored[0].Get("content")
	if content, ok := v.([]any); !ok || len(content) != 1 || !isLinkTo(content[0], "gem") {
		t.Errorf("stored content = %#v, want [link to gem]", v)
	}
}

func isLinkTo(v any, id string) bool {
	l, ok := v.(*model.Link)
	return ok && l.ID == id && l.Kind == types.KindItem
}

func TestApply_UpdateOfUnknownInstanceIsIgnored(t *testing.T) {
	f := newFixture(t, "p1")
	f.cache.Apply(f.bus, types.ChangeRecord{
		Operation: types.OpUpdate,
		Kind:      types.KindItem,
		Changes:   map[string]any{"id": "stranger", "x": 1.0},
		Origin:    "p2",
	})
	if _, ok := f.cache.Get(types.KindItem, "stranger"); ok {
		t.Error("update created a cache slot")
	}
}

func TestFetch_BreaksCycles(t *testing.T) {
	f := newFixture(t, "p1")
	ctx := context.Background()
	a := model.New(types.KindItem, "a", map[string]any{"next": &model.Link{ID: "b", Kind: types.KindItem}})
	b := model.New(types.KindItem, "b", map[string]any{"next": &model.Link{ID: "a", Kind: types.KindItem}})
	for _, e := range []*model.Entity{a, b} {
		if err := f.store.Insert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := f.cache.FindCached(ctx, types.KindItem, []string{"a"})
	if err != nil || len(got) != 1 {
		t.Fatalf("FindCached: %v %v", got, err)
	}
	if err := f.cache.Fetch(ctx, got[0]); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	next := got[0].LinkedEntities()
	if len(next) != 1 || next[0].ID() != "b" {
		t.Fatalf("a.next = %v", next)
	}
	back := next[0].LinkedEntities()
	if len(back) != 1 || back[0] != got[0] {
		t.Error("b.next should be bound to the cached a")
	}
}

func TestIDs_ReservedFollowsRegistry(t *testing.T) {
	f := newFixture(t, "p1")
	executables := map[string]bool{"old_rule": true}
	f.ids.Reserve(func(id string) bool { return executables[id] })
	if !f.ids.IsUsed("old_rule") {
		t.Fatal("executable id not reserved")
	}
	if f.ids.Has("old_rule") {
		t.Error("executable id recorded as an entity id")
	}

	// A reset dropping the executable frees its id.
	delete(executables, "old_rule")
	f.bus.Reset([]string{"old_rule"})
	if f.ids.IsUsed("old_rule") {
		t.Error("removed executable id still in use")
	}
}
