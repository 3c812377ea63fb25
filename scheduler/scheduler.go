// Package scheduler runs turns: one pass over every active turn rule, in
// rank order, never two at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathoo/mythcore/engine/effects"
	"github.com/nathoo/mythcore/engine/rules"
	"github.com/nathoo/mythcore/model"
)

// ErrFatal is returned once a rule crashed outside its own error channel.
// The process is expected to exit and be respawned.
var ErrFatal = errors.New("scheduler: fatal turn error")

// Notification scope and names emitted during a turn.
const (
	Scope        = "turns"
	EventBegin   = "begin"
	EventRule    = "rule"
	EventSuccess = "success"
	EventFailure = "failure"
	EventEnd     = "end"
	EventError   = "error"
)

// Source lists the loaded turn rules.
type Source interface {
	TurnRules() []rules.TurnRule
}

// World is the entity access turn rules and commits need.
type World interface {
	rules.World
	effects.Store
}

// Options tunes a Scheduler.
type Options struct {
	// Frequency is the turn cadence. Turns start on wall-clock multiples of it.
	Frequency time.Duration
	// Now is the game time handed to rules.
	Now    func() time.Time
	Notify func(scope, name string, details ...any)
	Tracer trace.Tracer
}

// Scheduler triggers turns, by hand or on a cadence.
type Scheduler struct {
	src    Source
	world  World
	log    zerolog.Logger
	opts   Options
	tracer trace.Tracer

	inProgress atomic.Bool
	fatal      atomic.Bool
}

// New creates a scheduler over the turn rules of src.
func New(src Source, world World, log zerolog.Logger, opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notify == nil {
		opts.Notify = func(string, string, ...any) {}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/nathoo/mythcore/scheduler")
	}
	return &Scheduler{
		src:    src,
		world:  world,
		log:    log.With().Str("component", "scheduler").Logger(),
		opts:   opts,
		tracer: opts.Tracer,
	}
}

// InProgress reports whether a turn is running.
func (s *Scheduler) InProgress() bool { return s.inProgress.Load() }

// Fatal reports whether a turn crashed. No further turn is started.
func (s *Scheduler) Fatal() bool { return s.fatal.Load() }

// Trigger runs one turn and reports whether it ran. It is a no-op while
// another turn is in progress. Rule failures are notified, not returned;
// the only error is ErrFatal.
func (s *Scheduler) Trigger(ctx context.Context) (bool, error) {
	if s.fatal.Load() {
		return false, ErrFatal
	}
	if !s.inProgress.CompareAndSwap(false, true) {
		return false, nil
	}
	defer s.inProgress.Store(false)

	ctx, span := s.tracer.Start(ctx, "scheduler.turn")
	defer span.End()

	s.log.Debug().Msg("triggers turn rules...")
	s.opts.Notify(Scope, EventBegin)

	turnRules := slices.Clone(s.src.TurnRules())
	slices.SortStableFunc(turnRules, func(a, b rules.TurnRule) int { return a.Rank() - b.Rank() })

	for _, rule := range turnRules {
		if !rule.Active() {
			continue
		}
		if err := s.runRule(ctx, rule); err != nil {
			s.fatal.Store(true)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.opts.Notify(Scope, EventError, rule.ID(), err.Error())
			break
		}
	}

	s.log.Debug().Msg("end of turn")
	s.opts.Notify(Scope, EventEnd)
	if s.fatal.Load() {
		return true, ErrFatal
	}
	return true, nil
}

// Run triggers a turn on every cadence boundary until ctx is done or a turn
// crashes.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.Frequency <= 0 {
		return fmt.Errorf("scheduler: invalid frequency %s", s.opts.Frequency)
	}
	if s.fatal.Load() {
		return ErrFatal
	}
	timer := time.NewTimer(NextTurn(time.Now(), s.opts.Frequency))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := s.Trigger(ctx); err != nil {
			return err
		}
		timer.Reset(NextTurn(time.Now(), s.opts.Frequency))
	}
}

// NextTurn returns the delay until the next multiple of freq.
func NextTurn(now time.Time, freq time.Duration) time.Duration {
	return now.Truncate(freq).Add(freq).Sub(now)
}

// runRule selects and executes one rule, then commits its effects. Rule
// errors are notified and isolated. A panic is returned as fatal.
func (s *Scheduler) runRule(ctx context.Context, rule rules.TurnRule) (fatal error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.rule", trace.WithAttributes(
		attribute.String("rule.id", rule.ID()),
		attribute.Int("rule.rank", rule.Rank()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("failed to select or execute rule %s: %v", rule.ID(), r)
			s.log.Error().Str("rule", rule.ID()).Msg(msg)
			s.opts.Notify(Scope, EventFailure, rule.ID(), msg)
			fatal = fmt.Errorf("%w: %s", ErrFatal, msg)
		}
	}()

	s.opts.Notify(Scope, EventRule, rule.ID())
	fail := func(msg string) error {
		s.log.Warn().Str("rule", rule.ID()).Msg(msg)
		s.opts.Notify(Scope, EventFailure, rule.ID(), msg)
		span.SetStatus(codes.Error, msg)
		return nil
	}

	fx := rule.Effects()
	fx.Reset()
	rc := &rules.Context{
		Now:    s.opts.Now(),
		World:  s.world,
		Notify: s.opts.Notify,
		Log:    s.log,
	}

	// Step 1. Select.
	targets, ok, err := rule.Select(ctx, rc)
	if err != nil {
		return fail(fmt.Sprintf("failed to select rule %s: %v", rule.ID(), err))
	}
	if !ok {
		s.opts.Notify(Scope, EventSuccess, rule.ID())
		return nil
	}
	s.log.Debug().Str("rule", rule.ID()).Int("targets", len(targets)).Msg("targets selected")

	// Step 2. Execute on each target in turn, accumulating effects.
	var (
		saved   []*model.Entity
		removed []rules.Removal
	)
	for _, target := range targets {
		fx.Reset()
		if err := rule.Execute(ctx, target, rc); err != nil {
			return fail(fmt.Sprintf("failed to execute rule %s: %v", rule.ID(), err))
		}
		saved = rules.FilterModified(target, append(saved, fx.Saved()...))
		removed = append(removed, fx.Removed()...)
	}
	fx.Reset()

	// Step 3. Commit.
	if _, err := effects.Apply(ctx, s.world, s.log, removed, saved); err != nil {
		return fail(fmt.Sprintf("failed to commit rule %s at the end of the turn: %v", rule.ID(), err))
	}
	s.opts.Notify(Scope, EventSuccess, rule.ID())
	return nil
}
