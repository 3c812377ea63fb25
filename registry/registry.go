// Package registry keeps the executables of one process: script sources on
// disk, their compiled artifacts, and the loaded modules the engine runs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/nathoo/mythcore/bus"
	"github.com/nathoo/mythcore/engine/rules"
	"github.com/nathoo/mythcore/loader"
	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

// Lang is the language tag of every executable.
const Lang = "lua"

// EntityIDs tells whether a persisted entity already uses an id.
type EntityIDs interface {
	Has(id string) bool
}

// Options configures a registry.
type Options struct {
	SourceDir   string
	CompiledDir string
	// Encoding of source files, as an IANA or WHATWG label. Defaults to utf-8.
	Encoding string
	// Supervising is set in the process that owns the worker pool. Only it
	// signals registry resets.
	Supervising bool
	// Entities guards the shared id namespace. May be nil.
	Entities EntityIDs
}

type entry struct {
	exe    types.Executable
	module *loader.Module
}

// Registry maps executable ids to their loaded modules.
type Registry struct {
	opts Options
	enc  encoding.Encoding
	bus  *bus.Bus
	log  zerolog.Logger

	// resetMu is held exclusively while the registry is rebuilt.
	resetMu sync.RWMutex
	group   singleflight.Group
	locks   sync.Map // id -> *sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates an empty registry. Call ResetAll to load the source directory.
func New(opts Options, b *bus.Bus, log zerolog.Logger) (*Registry, error) {
	if opts.SourceDir == "" || opts.CompiledDir == "" {
		return nil, errors.New("registry: source and compiled directories are required")
	}
	if opts.Encoding == "" {
		opts.Encoding = "utf-8"
	}
	enc, err := htmlindex.Get(opts.Encoding)
	if err != nil {
		return nil, fmt.Errorf("registry: unsupported encoding %q: %w", opts.Encoding, err)
	}
	return &Registry{
		opts:    opts,
		enc:     enc,
		bus:     b,
		log:     log.With().Str("component", "registry").Logger(),
		entries: map[string]*entry{},
	}, nil
}

// Has reports whether an executable uses id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Get returns one executable.
func (r *Registry) Get(id string) (types.Executable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return types.Executable{}, false
	}
	return e.exe, true
}

// Find returns the executables in discovery order, filtered by q when not nil.
func (r *Registry) Find(q *Query) []types.Executable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Executable, 0, len(r.order))
	for _, id := range r.order {
		exe := r.entries[id].exe
		if q == nil || q.Match(exe) {
			out = append(out, exe)
		}
	}
	return out
}

// FindString parses a JSON query and runs it. An empty query returns all.
func (r *Registry) FindString(raw string) ([]types.Executable, error) {
	if raw == "" {
		return r.Find(nil), nil
	}
	q, err := ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	return r.Find(q), nil
}

// Rules returns the targeted rules in discovery order.
func (r *Registry) Rules() []rules.TargetedRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []rules.TargetedRule
	for _, id := range r.order {
		if rule, ok := r.entries[id].module.Rule(); ok {
			out = append(out, rule)
		}
	}
	return out
}

// TurnRules returns the turn rules in discovery order.
func (r *Registry) TurnRules() []rules.TurnRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []rules.TurnRule
	for _, id := range r.order {
		if turn, ok := r.entries[id].module.Turn(); ok {
			out = append(out, turn)
		}
	}
	return out
}

// ResetAll drops every executable and reloads the source directory. With
// clean, compiled artifacts are wiped first. Concurrent calls share one
// reload. Scripts that fail to load are left out and reported in the
// returned error; the others stay registered.
func (r *Registry) ResetAll(ctx context.Context, clean bool) error {
	key := "reset"
	if clean {
		key = "reset-clean"
	}
	_, err, _ := r.group.Do(key, func() (any, error) {
		return nil, r.resetAll(ctx, clean)
	})
	return err
}

func (r *Registry) resetAll(ctx context.Context, clean bool) error {
	r.resetMu.Lock()
	defer r.resetMu.Unlock()

	// Step 1. Forget the previous executables.
	r.mu.Lock()
	previous := r.entries
	r.entries = map[string]*entry{}
	r.order = nil
	r.mu.Unlock()
	for _, e := range previous {
		e.module.Close()
	}

	// Step 2. Prepare the compiled directory.
	if clean {
		if err := os.RemoveAll(r.opts.CompiledDir); err != nil {
			return fmt.Errorf("cleaning compiled directory: %w", err)
		}
	}
	if err := os.MkdirAll(r.opts.CompiledDir, 0o755); err != nil {
		return fmt.Errorf("creating compiled directory: %w", err)
	}

	// Step 3. Load every source file.
	files, err := loader.Discover(r.opts.SourceDir)
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := loader.IDOf(f)
		raw, err := os.ReadFile(filepath.Join(r.opts.SourceDir, f))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("reading executable %s: %w", id, err))
			continue
		}
		source, err := r.decode(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("decoding executable %s: %w", id, err))
			continue
		}
		e, err := r.load(id, source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.writeCompiled(e.exe); err != nil {
			e.module.Close()
			errs = append(errs, err)
			continue
		}
		r.install(e)
	}

	// Step 4. Signal the ids that disappeared.
	var removed []string
	for id := range previous {
		if !r.Has(id) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	r.log.Debug().Int("executables", len(r.order)).Strs("removed", removed).Msg("local executables reset")
	if r.opts.Supervising && r.bus != nil {
		r.bus.Reset(removed)
	}
	return errors.Join(errs...)
}

// Save writes the source of exe, compiles and loads it, and only then
// replaces the registered version. A script that fails to compile or load
// leaves disk and registry untouched.
func (r *Registry) Save(ctx context.Context, exe types.Executable) error {
	if !model.ValidID(exe.ID) {
		return fmt.Errorf("id %s for executable: %w", exe.ID, ErrInvalidID)
	}
	r.resetMu.RLock()
	defer r.resetMu.RUnlock()
	unlock := r.lock(exe.ID)
	defer unlock()

	isNew := !r.Has(exe.ID)
	if isNew && r.opts.Entities != nil && r.opts.Entities.Has(exe.ID) {
		return fmt.Errorf("id %s for executable: %w", exe.ID, ErrIDInUse)
	}

	e, err := r.load(exe.ID, exe.Content)
	if err != nil {
		return err
	}
	encoded, err := r.enc.NewEncoder().Bytes([]byte(exe.Content))
	if err != nil {
		e.module.Close()
		return fmt.Errorf("encoding executable %s: %w", exe.ID, err)
	}
	if err := os.WriteFile(e.exe.SourcePath, encoded, 0o644); err != nil {
		e.module.Close()
		return fmt.Errorf("error while saving executable %s: %w", exe.ID, err)
	}
	if err := r.writeCompiled(e.exe); err != nil {
		e.module.Close()
		return err
	}
	r.install(e)

	op := types.OpUpdate
	if isNew {
		op = types.OpCreation
	}
	r.log.Debug().Str("id", exe.ID).Str("kind", string(e.exe.Meta.Kind)).Msg("executable saved")
	r.emit(op, e.exe)
	return nil
}

// Remove deletes the source and compiled artifact of an executable and
// evicts it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.resetMu.RLock()
	defer r.resetMu.RUnlock()
	unlock := r.lock(id)
	defer unlock()

	exe := r.describe(id, "")
	if _, err := os.Stat(exe.SourcePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error while removing executable %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("error while removing executable %s: %w", id, err)
	}
	if current, ok := r.Get(id); ok {
		exe = current
	}
	r.evict(id)
	if err := os.Remove(exe.SourcePath); err != nil {
		return fmt.Errorf("error while removing executable %s: %w", id, err)
	}
	if err := os.Remove(exe.CompiledPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn().Err(err).Str("id", id).Msg("compiled artifact not removed")
	}
	r.log.Debug().Str("id", id).Msg("executable removed")
	r.emit(types.OpDeletion, exe)
	return nil
}

// Apply replays an executable change record received from another process:
// the single executable is reloaded from the record, or evicted.
func (r *Registry) Apply(rec types.ChangeRecord) {
	if rec.Kind != types.KindExecutable || (r.bus != nil && r.bus.IsLocal(rec.Origin)) {
		return
	}
	id, _ := rec.Changes["id"].(string)
	if id == "" {
		return
	}
	r.resetMu.RLock()
	defer r.resetMu.RUnlock()
	unlock := r.lock(id)
	defer unlock()

	switch rec.Operation {
	case types.OpCreation, types.OpUpdate:
		content, ok := rec.Changes["content"].(string)
		if !ok {
			return
		}
		e, err := r.load(id, content)
		if err != nil {
			r.log.Error().Err(err).Str("id", id).Msg("replayed executable rejected")
			return
		}
		r.install(e)
	case types.OpDeletion:
		r.evict(id)
	}
	r.log.Debug().Str("operation", string(rec.Operation)).Str("id", id).Msg("executable replayed")
}

// Subscribe replays remote executable changes published on the bus.
func (r *Registry) Subscribe() func() {
	if r.bus == nil {
		return func() {}
	}
	return r.bus.OnChange(r.Apply)
}

// Close unloads every module.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.module.Close()
	}
	r.entries = map[string]*entry{}
	r.order = nil
}

// load compiles and requires a source in memory.
func (r *Registry) load(id, source string) (*entry, error) {
	proto, err := loader.Compile(id, source)
	if err != nil {
		return nil, &CompileError{ID: id, Phase: PhaseSyntax, Err: err}
	}
	module, err := loader.Require(id, proto, r.log)
	if err != nil {
		return nil, &CompileError{ID: id, Phase: PhaseRequire, Err: err}
	}
	exe := r.describe(id, source)
	exe.Meta = module.Meta()
	return &entry{exe: exe, module: module}, nil
}

func (r *Registry) describe(id, source string) types.Executable {
	return types.Executable{
		ID:           id,
		Lang:         Lang,
		Content:      source,
		SourcePath:   filepath.Join(r.opts.SourceDir, id+loader.Extension),
		CompiledPath: filepath.Join(r.opts.CompiledDir, id+loader.Extension),
	}
}

// writeCompiled stores the UTF-8 source that was compiled.
func (r *Registry) writeCompiled(exe types.Executable) error {
	if err := os.WriteFile(exe.CompiledPath, []byte(exe.Content), 0o644); err != nil {
		return fmt.Errorf("error while saving compiled executable %s: %w", exe.ID, err)
	}
	return nil
}

func (r *Registry) decode(raw []byte) (string, error) {
	out, err := r.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decode exposes the configured source decoding.
func (r *Registry) Decode(raw []byte) (string, error) { return r.decode(raw) }

// install registers e, closing the version it replaces.
func (r *Registry) install(e *entry) {
	r.mu.Lock()
	previous, existed := r.entries[e.exe.ID]
	r.entries[e.exe.ID] = e
	if !existed {
		r.order = append(r.order, e.exe.ID)
		sort.Slice(r.order, func(i, j int) bool {
			return r.order[i]+loader.Extension < r.order[j]+loader.Extension
		})
	}
	r.mu.Unlock()
	if existed {
		previous.module.Close()
	}
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	previous, existed := r.entries[id]
	delete(r.entries, id)
	if existed {
		for i, other := range r.order {
			if other == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if existed {
		previous.module.Close()
	}
}

func (r *Registry) emit(op types.Operation, exe types.Executable) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(types.ChangeRecord{
		Operation: op,
		Kind:      types.KindExecutable,
		Changes: map[string]any{
			"id":           exe.ID,
			"lang":         exe.Lang,
			"content":      exe.Content,
			"path":         exe.SourcePath,
			"compiledPath": exe.CompiledPath,
			"meta": map[string]any{
				"kind":     string(exe.Meta.Kind),
				"active":   exe.Meta.Active,
				"rank":     exe.Meta.Rank,
				"category": exe.Meta.Category,
			},
		},
	})
}

// lock serializes operations on one id.
func (r *Registry) lock(id string) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
