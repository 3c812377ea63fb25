// Package engine resolves which rules apply to an actor and its targets, and
// executes one of them, committing its side effects.
package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathoo/mythcore/engine/effects"
	"github.com/nathoo/mythcore/engine/resolve"
	"github.com/nathoo/mythcore/engine/rules"
	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/types"
)

// Rules lists the loaded targeted rules.
type Rules interface {
	Rules() []rules.TargetedRule
}

// World is everything the engine needs from the identity cache.
type World interface {
	rules.World
	resolve.Finder
	effects.Store
}

// Options tunes an Engine. Zero values are replaced by defaults.
type Options struct {
	Now    func() time.Time
	Notify func(scope, name string, details ...any)
	Tracer trace.Tracer
}

// Engine serves resolve and execute requests. Calls are serialized: rule
// modules keep a single side-effect log each.
type Engine struct {
	rules  Rules
	world  World
	log    zerolog.Logger
	now    func() time.Time
	notify func(scope, name string, details ...any)
	tracer trace.Tracer

	mu sync.Mutex
}

// New creates an engine over the rules of reg and the entities of world.
func New(reg Rules, world World, log zerolog.Logger, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notify == nil {
		opts.Notify = func(string, string, ...any) {}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/nathoo/mythcore/engine")
	}
	return &Engine{
		rules:  reg,
		world:  world,
		log:    log.With().Str("component", "engine").Logger(),
		now:    opts.Now,
		notify: opts.Notify,
		tracer: opts.Tracer,
	}
}

// applicable is one rule applying to one target, before wire conversion.
type applicable struct {
	rule   rules.TargetedRule
	target *model.Entity
	params []types.Param
}

// resolution is the outcome of internalResolve.
type resolution struct {
	actor   *model.Entity
	player  *model.Entity
	matches []applicable
}

// Resolve returns the rules applying to the selected actor and targets. With
// wholeRule, results are keyed by rule id; otherwise by rule category.
func (e *Engine) Resolve(ctx context.Context, restriction types.Restriction, sel types.Selector, email string, wholeRule bool) (map[string][]types.Applicable, error) {
	ctx, span := e.tracer.Start(ctx, "engine.resolve", trace.WithAttributes(
		attribute.String("rule.id", restriction.RuleID),
		attribute.StringSlice("rule.categories", restriction.Categories),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.internalResolve(ctx, restriction, sel, email)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := map[string][]types.Applicable{}
	for _, m := range res.matches {
		entry := types.Applicable{Target: wireEntity(m.target), Params: m.params}
		key := m.rule.ID()
		if wholeRule {
			entry.Category = m.rule.Category()
		} else {
			key = m.rule.Category()
			entry.Rule = m.rule.ID()
		}
		out[key] = append(out[key], entry)
	}
	span.SetAttributes(attribute.Int("rule.matches", len(res.matches)))
	e.log.Debug().Str("actor", res.actor.ID()).Int("matches", len(res.matches)).Msg("resolved")
	return out, nil
}

// Execute re-validates that ruleID still applies to the selected target,
// checks params against its current descriptors, runs it and commits its
// side effects. The rule's return value is passed through.
func (e *Engine) Execute(ctx context.Context, ruleID string, sel types.Selector, params map[string]any, email string) (any, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(attribute.String("rule.id", ruleID)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.execute(ctx, ruleID, sel, params, email)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (e *Engine) execute(ctx context.Context, ruleID string, sel types.Selector, params map[string]any, email string) (any, error) {
	if sel.PlayerID == "" && (sel.ActorID == "" || sel.TargetID == "") {
		return nil, ErrBadSelector
	}

	// Step 1. Resolve again: applicability may have changed since the
	// caller last resolved.
	res, err := e.internalResolve(ctx, types.Restriction{RuleID: ruleID}, sel, email)
	if err != nil {
		return nil, err
	}
	targetID := sel.TargetID
	if sel.PlayerID != "" {
		targetID = sel.PlayerID
	}
	idx := slices.IndexFunc(res.matches, func(m applicable) bool { return m.target.ID() == targetID })
	if idx < 0 {
		return nil, fmt.Errorf("rule %s of %s does not apply any more for %s", ruleID, res.actor.ID(), targetID)
	}
	match := res.matches[idx]
	fx := match.rule.Effects()
	fx.Reset()

	// Step 2. Validate parameters against the fresh descriptors.
	if params == nil {
		params = map[string]any{}
	}
	if err := rules.CheckParameters(ctx, params, match.params, res.actor, match.target, e.world); err != nil {
		return nil, fmt.Errorf("invalid parameter for %s: %w", ruleID, err)
	}

	// Step 3. Run the rule.
	result, err := match.rule.Execute(ctx, res.actor, match.target, params, e.ruleContext(res.player))
	if err != nil {
		return nil, &ExecutionError{RuleID: ruleID, ActorID: res.actor.ID(), TargetID: targetID, Err: err}
	}

	// Step 4. Commit removals then saves, including entities modified in
	// place on the actor's and target's graphs.
	out, err := effects.Apply(ctx, e.world, e.log, fx.Removed(), fx.Saved(), res.actor, match.target)
	fx.Reset()
	if err != nil {
		return nil, fmt.Errorf("failed to commit rule %s: %w", ruleID, err)
	}
	e.log.Info().
		Str("rule", ruleID).
		Str("actor", res.actor.ID()).
		Str("target", targetID).
		Int("saved", len(out.Saved)).
		Int("removed", len(out.Removed)).
		Msg("rule executed")
	return result, nil
}

// internalResolve computes every (rule, target) pair that applies. The first
// canExecute error aborts the whole resolution.
func (e *Engine) internalResolve(ctx context.Context, restriction types.Restriction, sel types.Selector, email string) (resolution, error) {
	var res resolution

	// Step 1. Identify the caller.
	player, err := e.currentPlayer(ctx, email)
	if err != nil {
		return res, err
	}
	res.player = player

	// Step 2. Select the candidate rules.
	candidates := e.candidates(restriction)
	for _, r := range candidates {
		r.Effects().Reset()
	}

	// Step 3. Resolve actor and targets, with their linked graphs.
	found, err := resolve.Resolve(ctx, e.world, sel)
	if err != nil {
		return res, err
	}
	res.actor = found.Actor
	if err := e.world.Fetch(ctx, found.Actor); err != nil {
		return res, fmt.Errorf("failed to fetch actor %s: %w", found.Actor.ID(), err)
	}
	for _, target := range found.Targets {
		if err := e.world.Fetch(ctx, target); err != nil {
			return res, fmt.Errorf("failed to fetch target %s: %w", target.ID(), err)
		}
	}

	// Step 4. Ask every rule about every target.
	rc := e.ruleContext(player)
	for _, target := range found.Targets {
		for _, r := range candidates {
			params, ok, err := r.CanExecute(ctx, found.Actor, target, rc)
			if err != nil {
				return res, &ApplicabilityError{RuleID: r.ID(), Err: err}
			}
			if ok {
				res.matches = append(res.matches, applicable{rule: r, target: target, params: params})
			}
		}
	}
	return res, nil
}

// candidates returns the active rules matching restriction.
func (e *Engine) candidates(restriction types.Restriction) []rules.TargetedRule {
	var out []rules.TargetedRule
	for _, r := range e.rules.Rules() {
		if !r.Active() {
			continue
		}
		switch {
		case restriction.RuleID != "":
			if r.ID() != restriction.RuleID {
				continue
			}
		case len(restriction.Categories) > 0:
			if !slices.Contains(restriction.Categories, r.Category()) {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// currentPlayer finds the player the caller is logged in as.
func (e *Engine) currentPlayer(ctx context.Context, email string) (*model.Entity, error) {
	if email == "" {
		return nil, fmt.Errorf("no player with email %s", email)
	}
	players, err := e.world.FindWhere(ctx, types.KindPlayer, storage.Where{"email": email})
	if err != nil {
		return nil, fmt.Errorf("failed to consult players: %w", err)
	}
	if len(players) == 0 {
		return nil, fmt.Errorf("no player with email %s", email)
	}
	return players[0], nil
}

func (e *Engine) ruleContext(player *model.Entity) *rules.Context {
	return &rules.Context{
		Player: player,
		Now:    e.now(),
		World:  e.world,
		Notify: e.notify,
		Log:    e.log,
	}
}

// wireEntity converts an entity to the plain form sent to callers.
func wireEntity(ent *model.Entity) map[string]any {
	plain := ent.Plain()
	plain["kind"] = string(ent.Kind())
	return plain
}
