// Package types defines the shared records exchanged between the registry,
// the change bus, the engine and the worker pool.
// This package contains only type definitions, no logic.
package types

// Kind names a persisted entity family.
type Kind string

// Entity kinds held by the identity cache.
const (
	KindItem   Kind = "Item"
	KindEvent  Kind = "Event"
	KindPlayer Kind = "Player"
	KindField  Kind = "Field"
	KindMap    Kind = "Map"

	// KindExecutable tags change records emitted by the executable registry.
	KindExecutable Kind = "Executable"
)

// Operation is the kind of write a change record describes.
type Operation string

const (
	OpCreation Operation = "creation"
	OpUpdate   Operation = "update"
	OpDeletion Operation = "deletion"
)

// ChangeRecord is a normalized write, used for cache replay and outbound
// notification. Changes holds the full document on creation and deletion
// and only the modified fields (plus id) on update. Changes holds links as
// bare ids; Links maps each such field to the kind it references.
type ChangeRecord struct {
	Operation Operation       `json:"operation"`
	Kind      Kind            `json:"kind"`
	Changes   map[string]any  `json:"changes"`
	Links     map[string]Kind `json:"links"`
	Origin    string          `json:"origin,omitempty"`
}

// Notification is an out-of-band event such as turn progress or clock ticks.
type Notification struct {
	Scope   string `json:"scope"`
	Name    string `json:"name"`
	Details []any  `json:"details,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// ScriptKind classifies an executable by the capability it implements.
type ScriptKind string

const (
	ScriptPlain ScriptKind = "Script"
	ScriptRule  ScriptKind = "Rule"
	ScriptTurn  ScriptKind = "TurnRule"
)

// ExecutableMeta holds the metadata read from a loaded executable.
type ExecutableMeta struct {
	Kind     ScriptKind `json:"kind"`
	Active   bool       `json:"active"`
	Rank     int        `json:"rank,omitempty"`
	Category string     `json:"category,omitempty"`
}

// Executable is a hot-loadable script artifact.
type Executable struct {
	ID           string         `json:"id"`
	Lang         string         `json:"lang"`
	Content      string         `json:"content,omitempty"`
	SourcePath   string         `json:"sourcePath"`
	CompiledPath string         `json:"compiledPath"`
	Meta         ExecutableMeta `json:"meta"`
}

// Restriction narrows the candidate rules of a resolution. An empty
// restriction means every active rule.
type Restriction struct {
	RuleID     string   `json:"ruleId,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Selector designates the actor and targets of a resolution or execution:
// a player alone, an actor and a target, or an actor and map coordinates.
type Selector struct {
	PlayerID string `json:"playerId,omitempty"`
	ActorID  string `json:"actorId,omitempty"`
	TargetID string `json:"targetId,omitempty"`
	X        *int   `json:"x,omitempty"`
	Y        *int   `json:"y,omitempty"`
}

// Applicable is one (rule, target) pair returned by a resolution, in wire form.
type Applicable struct {
	Rule     string         `json:"rule,omitempty"`
	Category string         `json:"category,omitempty"`
	Target   map[string]any `json:"target"`
	Params   []Param        `json:"params"`
}

// Param describes one parameter a rule expects at execution time.
type Param struct {
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	NumMin   *int         `json:"numMin,omitempty"`
	NumMax   *int         `json:"numMax,omitempty"`
	Min      any          `json:"min,omitempty"`
	Max      any          `json:"max,omitempty"`
	Within   []any        `json:"within,omitempty"`
	Match    string       `json:"match,omitempty"`
	Property *PropertyRef `json:"property,omitempty"`
}

// PropertyRef points at a property of the actor or the target whose value
// lists the valid options of an object parameter.
type PropertyRef struct {
	Path string `json:"path"`
	From string `json:"from"`
}
