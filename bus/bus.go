// Package bus carries change records, notifications and executable reset
// signals inside one process. Records replayed from other processes keep
// their origin so subscribers can suppress echoes.
package bus

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

// credentialFields are never emitted for players.
var credentialFields = []string{"password", "token", "key", "socketId"}

// Bus is a synchronous publish/subscribe hub. Delivery preserves emission
// order.
type Bus struct {
	origin string
	log    zerolog.Logger

	mu         sync.RWMutex
	nextID     int
	changeSubs map[int]func(types.ChangeRecord)
	notifySubs map[int]func(types.Notification)
	resetSubs  map[int]func([]string)
}

// New creates a bus for the process identified by origin.
func New(origin string, log zerolog.Logger) *Bus {
	return &Bus{
		origin:     origin,
		log:        log.With().Str("component", "bus").Logger(),
		changeSubs: map[int]func(types.ChangeRecord){},
		notifySubs: map[int]func(types.Notification){},
		resetSubs:  map[int]func([]string){},
	}
}

// Origin returns the process-local id stamped on locally emitted records.
func (b *Bus) Origin() string { return b.origin }

// IsLocal reports whether a record was emitted by this process.
func (b *Bus) IsLocal(origin string) bool { return origin == b.origin }

// Change normalizes a persisted write into a change record and publishes it.
// Updates only carry the modified fields. Nothing is published when an
// update is left without any field.
func (b *Bus) Change(op types.Operation, e *model.Entity, modified []string) {
	rec, ok := Normalize(op, e, modified)
	if !ok {
		return
	}
	rec.Origin = b.origin
	b.log.Debug().
		Str("operation", string(op)).
		Str("kind", string(rec.Kind)).
		Str("id", e.ID()).
		Msg("change propagation")
	b.publish(rec)
}

// Publish emits a record built elsewhere, stamping the local origin when unset.
func (b *Bus) Publish(rec types.ChangeRecord) {
	if rec.Origin == "" {
		rec.Origin = b.origin
	}
	b.publish(rec)
}

func (b *Bus) publish(rec types.ChangeRecord) {
	b.mu.RLock()
	subs := make([]func(types.ChangeRecord), 0, len(b.changeSubs))
	for _, id := range sortedIDs(b.changeSubs) {
		subs = append(subs, b.changeSubs[id])
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(rec)
	}
}

// OnChange subscribes to change records. The returned function unsubscribes.
func (b *Bus) OnChange(fn func(types.ChangeRecord)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.changeSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.changeSubs, id)
	}
}

// Notify emits a local notification.
func (b *Bus) Notify(scope, name string, details ...any) {
	b.Relay(types.Notification{Scope: scope, Name: name, Details: details, Origin: b.origin})
}

// Relay emits a notification, keeping its origin.
func (b *Bus) Relay(n types.Notification) {
	if n.Origin == "" {
		n.Origin = b.origin
	}
	b.mu.RLock()
	subs := make([]func(types.Notification), 0, len(b.notifySubs))
	for _, id := range sortedIDs(b.notifySubs) {
		subs = append(subs, b.notifySubs[id])
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(n)
	}
}

// OnNotify subscribes to notifications.
func (b *Bus) OnNotify(fn func(types.Notification)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.notifySubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.notifySubs, id)
	}
}

// Reset signals that the executable registry was rebuilt; removed lists the
// executable ids that disappeared.
func (b *Bus) Reset(removed []string) {
	b.mu.RLock()
	subs := make([]func([]string), 0, len(b.resetSubs))
	for _, id := range sortedIDs(b.resetSubs) {
		subs = append(subs, b.resetSubs[id])
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(removed)
	}
}

// OnReset subscribes to registry reset signals.
func (b *Bus) OnReset(fn func(removed []string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.resetSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.resetSubs, id)
	}
}

// Normalize turns an entity write into a plain change record: links become
// bare ids listed in the record links, internal fields are stripped, updates
// keep only modified fields and player credentials are purged.
func Normalize(op types.Operation, e *model.Entity, modified []string) (types.ChangeRecord, bool) {
	plain := e.Plain()
	for k := range plain {
		if strings.HasPrefix(k, "_") || k == "version" {
			delete(plain, k)
		}
	}

	changes := plain
	if op == types.OpUpdate {
		changes = map[string]any{"id": e.ID()}
		for _, name := range modified {
			if strings.HasPrefix(name, "_") || name == "version" {
				continue
			}
			changes[name] = plain[name]
		}
	}

	if e.Kind() == types.KindPlayer {
		for _, f := range credentialFields {
			delete(changes, f)
		}
	}
	if op == types.OpUpdate && len(changes) <= 1 {
		return types.ChangeRecord{}, false
	}
	links := map[string]types.Kind{}
	for name, kind := range e.LinkKinds() {
		if _, ok := changes[name]; ok {
			links[name] = kind
		}
	}
	return types.ChangeRecord{Operation: op, Kind: e.Kind(), Changes: changes, Links: links}, true
}

func sortedIDs[T any](m map[int]T) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
