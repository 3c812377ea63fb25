// Package worker is the runtime of one worker process. It loads the
// executables, answers resolve, execute and trigger requests from the
// master, replays the changes the master relays and relays its own.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nathoo/mythcore/bus"
	"github.com/nathoo/mythcore/cache"
	"github.com/nathoo/mythcore/clock"
	"github.com/nathoo/mythcore/engine"
	"github.com/nathoo/mythcore/ipc"
	"github.com/nathoo/mythcore/logging"
	"github.com/nathoo/mythcore/registry"
	"github.com/nathoo/mythcore/scheduler"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/types"
)

// ErrPanic is returned by Serve after a request handler panicked. The
// master respawns the worker.
var ErrPanic = errors.New("worker: request handler panicked")

// Options configures a worker.
type Options struct {
	Spec ipc.Spec
	// Store is the shared entity store. Serve does not close it.
	Store       storage.Store
	SourceDir   string
	CompiledDir string
	Encoding    string
	// Frequency of automatic turns. Only the scheduler module uses it.
	Frequency time.Duration
	// Log sets the level and context of the worker logs. Their output is
	// replaced by the channel to the master.
	Log zerolog.Logger
}

// Worker holds the state of a running worker.
type Worker struct {
	spec ipc.Spec
	out  *ipc.Outbox
	log  zerolog.Logger

	bus   *bus.Bus
	cache *cache.Cache
	ids   *cache.IDs
	reg   *registry.Registry
	clock *clock.Clock
	eng   *engine.Engine
	sched *scheduler.Scheduler

	ready    atomic.Bool
	resetMu  sync.Mutex
	handlers sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	exit     chan error
	exitOnce sync.Once
}

// Serve runs a worker over conn until the master closes it, ctx is done or
// the worker hits a fatal error.
func Serve(ctx context.Context, conn ipc.Conn, opts Options) error {
	if opts.Store == nil {
		return errors.New("worker: a store is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &Worker{spec: opts.Spec, exit: make(chan error, 1)}
	w.out = ipc.NewOutbox(conn, 256)
	defer w.out.Close()
	origin := opts.Spec.Origin
	w.log = opts.Log.Output(logging.Writer{Send: func(line []byte) error {
		return w.out.Send(ipc.LogEvent(origin, line))
	}}).With().Str("module", opts.Spec.Module).Logger()

	if err := w.build(ctx, opts); err != nil {
		w.log.Error().Err(err).Msg("worker failed to start")
		w.flush()
		return err
	}
	defer w.reg.Close()

	// Step 1. Relay local writes and notifications to the master.
	w.bus.OnChange(w.relayChange)
	w.bus.OnNotify(w.relayNotify)

	// Step 2. Load executables while already answering "not ready".
	w.handlers.Add(1)
	go w.load(ctx)

	// Step 3. Serve messages until the channel closes or a handler fails.
	received := make(chan struct{})
	go func() {
		defer close(received)
		w.receive(ctx, conn)
	}()

	var err error
	select {
	case <-received:
	case <-ctx.Done():
	case err = <-w.exit:
	}
	cancel()
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.handlers.Wait()
	if err != nil {
		w.log.Error().Err(err).Msg("worker exits")
	} else {
		w.log.Debug().Msg("worker stopped")
	}
	w.flush()
	conn.Close()
	return err
}

func (w *Worker) build(ctx context.Context, opts Options) error {
	w.bus = bus.New(opts.Spec.Origin, w.log)
	c, ids, err := cache.Open(ctx, opts.Store, w.bus, w.log)
	if err != nil {
		return err
	}
	w.cache, w.ids = c, ids

	reg, err := registry.New(registry.Options{
		SourceDir:   opts.SourceDir,
		CompiledDir: opts.CompiledDir,
		Encoding:    opts.Encoding,
		Entities:    ids,
	}, w.bus, w.log)
	if err != nil {
		return err
	}
	w.reg = reg
	ids.Reserve(reg.Has)
	reg.Subscribe()

	w.clock = clock.New(nil)
	w.eng = engine.New(reg, c, w.log, engine.Options{Now: w.clock.Now, Notify: w.bus.Notify})
	w.sched = scheduler.New(reg, c, w.log, scheduler.Options{
		Frequency: opts.Frequency,
		Now:       w.clock.Now,
		Notify:    w.bus.Notify,
	})
	return nil
}

// flush gives queued messages a chance to reach the master before exit.
func (w *Worker) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.out.Flush(ctx)
}

func (w *Worker) fail(err error) {
	w.exitOnce.Do(func() { w.exit <- err })
}

// load reads every executable then starts serving. The scheduler module
// also starts automatic turns.
func (w *Worker) load(ctx context.Context) {
	defer w.handlers.Done()
	w.resetMu.Lock()
	err := w.reg.ResetAll(ctx, false)
	w.resetMu.Unlock()
	if err != nil {
		w.log.Warn().Err(err).Msg("some executables failed to load")
	}
	if ctx.Err() != nil {
		return
	}
	w.ready.Store(true)
	w.log.Info().Int("rules", len(w.reg.Rules())).Int("turnRules", len(w.reg.TurnRules())).Msg("worker ready")

	if w.spec.Module == ipc.ModuleScheduler {
		if err := w.sched.Run(ctx); errors.Is(err, scheduler.ErrFatal) {
			w.fail(err)
		} else if err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("automatic turns stopped")
		}
	}
}

// receive dispatches incoming messages. Requests run in their own
// goroutine; events are applied in order.
func (w *Worker) receive(ctx context.Context, conn ipc.Conn) {
	for {
		msg, err := conn.Recv()
		if errors.Is(err, ipc.ErrMalformed) {
			w.log.Warn().Err(err).Msg("dropped master message")
			continue
		}
		if err != nil {
			return
		}
		switch {
		case msg.IsRequest():
			if !w.ready.Load() {
				w.respond(msg, errors.New(ipc.NotReady))
				continue
			}
			if !w.track() {
				return
			}
			go w.handle(ctx, msg)

		case msg.Event == ipc.EventChange:
			rec, err := ipc.DecodeChange(msg)
			if err != nil {
				w.log.Warn().Err(err).Msg("dropped change")
				continue
			}
			w.bus.Publish(rec)

		case msg.Event == ipc.EventNotify:
			n, err := ipc.DecodeNotify(msg)
			if err != nil {
				w.log.Warn().Err(err).Msg("dropped notification")
				continue
			}
			w.clock.Sync(n.Scope, n.Name, n.Details)

		case msg.Event == ipc.EventReset:
			removed, err := ipc.DecodeReset(msg)
			if err != nil {
				w.log.Warn().Err(err).Msg("malformed reset")
			}
			w.ready.Store(false)
			if !w.track() {
				return
			}
			go w.reset(ctx, removed)

		default:
			w.log.Warn().Str("event", msg.Event).Msg("unexpected master message")
		}
	}
}

// track counts a new handler, unless the worker is stopping.
func (w *Worker) track() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.handlers.Add(1)
	return true
}

// reset reloads the executables after the master rebuilt its registry.
func (w *Worker) reset(ctx context.Context, removed []string) {
	defer w.handlers.Done()
	w.resetMu.Lock()
	defer w.resetMu.Unlock()
	if err := w.reg.ResetAll(ctx, false); err != nil {
		w.log.Warn().Err(err).Msg("some executables failed to reload")
	}
	w.ready.Store(true)
	w.log.Debug().Strs("removed", removed).Msg("executables reloaded")
}

// handle serves one request. A panic is answered with an error, then the
// worker exits.
func (w *Worker) handle(ctx context.Context, msg ipc.Message) {
	defer w.handlers.Done()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %s: %v", ErrPanic, msg.Method, r)
			w.respond(msg, err)
			w.fail(err)
		}
	}()
	ctx = ipc.Extract(ctx, msg)

	switch msg.Method {
	case ipc.MethodResolve:
		var (
			restriction types.Restriction
			sel         types.Selector
			email       string
			wholeRule   bool
		)
		if err := decodeArgs(msg, &restriction, &sel, &email, &wholeRule); err != nil {
			w.respond(msg, err)
			return
		}
		result, err := w.eng.Resolve(ctx, restriction, sel, email, wholeRule)
		w.respond(msg, err, result)

	case ipc.MethodExecute:
		var (
			ruleID string
			sel    types.Selector
			params map[string]any
			email  string
		)
		if err := decodeArgs(msg, &ruleID, &sel, &params, &email); err != nil {
			w.respond(msg, err)
			return
		}
		result, err := w.eng.Execute(ctx, ruleID, sel, params, email)
		w.respond(msg, err, result)

	case ipc.MethodTrigger:
		ran, err := w.sched.Trigger(ctx)
		w.respond(msg, err, ran)
		if errors.Is(err, scheduler.ErrFatal) {
			w.fail(err)
		}

	default:
		w.respond(msg, fmt.Errorf("unknown method %s", msg.Method))
	}
}

func decodeArgs(msg ipc.Message, args ...any) error {
	for i, v := range args {
		if err := msg.Arg(i, v); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) respond(req ipc.Message, err error, results ...any) {
	if err != nil {
		results = nil
	}
	resp, encErr := ipc.Respond(req, err, results...)
	if encErr != nil {
		resp, _ = ipc.Respond(req, fmt.Errorf("encoding %s response: %w", req.Method, encErr))
	}
	if err := w.out.Send(resp); err != nil {
		w.log.Debug().Err(err).Str("method", req.Method).Msg("response not sent")
	}
}

// relayChange sends local writes to the master, which relays them to the
// other workers.
func (w *Worker) relayChange(rec types.ChangeRecord) {
	if !w.bus.IsLocal(rec.Origin) {
		return
	}
	msg, err := ipc.ChangeEvent(w.spec.Origin, rec)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to encode change")
		return
	}
	w.out.Send(msg)
}

func (w *Worker) relayNotify(n types.Notification) {
	if !w.bus.IsLocal(n.Origin) {
		return
	}
	msg, err := ipc.NotifyEvent(w.spec.Origin, n)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to encode notification")
		return
	}
	w.out.Send(msg)
}
