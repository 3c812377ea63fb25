// Package supervisor runs the worker pool of the master process: it spawns
// workers at fixed indexes, respawns them when they die, relays changes and
// notifications between them and the master, and correlates requests with
// their responses.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathoo/mythcore/bus"
	"github.com/nathoo/mythcore/ipc"
	"github.com/nathoo/mythcore/logging"
	"github.com/nathoo/mythcore/types"
)

var (
	// ErrNotReady means the worker is loading or being respawned. Calls
	// retry it.
	ErrNotReady = errors.New(ipc.NotReady)
	// ErrClosed is returned once the supervisor shuts down.
	ErrClosed = errors.New("supervisor: closed")
)

// Options tunes calls to workers.
type Options struct {
	// CallTimeout bounds a call, retries included.
	CallTimeout time.Duration
	// RetryDelay separates attempts on a worker that is not ready.
	RetryDelay time.Duration
	// MaxTries bounds the attempts of a call. Zero means until the deadline.
	MaxTries uint
	Tracer   trace.Tracer
}

type slot struct {
	spec   ipc.Spec
	gen    int
	origin string
	proc   ipc.Process
	out    *ipc.Outbox
}

type call struct {
	index int
	ch    chan ipc.Message
}

// Supervisor owns a fixed table of workers.
type Supervisor struct {
	spawner ipc.Spawner
	bus     *bus.Bus
	log     zerolog.Logger
	opts    Options
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  []func()

	mu      sync.Mutex
	slots   []*slot
	pending map[string]call
	closing bool
}

// New creates a supervisor relaying through b, the bus of the master.
func New(spawner ipc.Spawner, b *bus.Bus, log zerolog.Logger, opts Options) *Supervisor {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/nathoo/mythcore/supervisor")
	}
	return &Supervisor{
		spawner: spawner,
		bus:     b,
		log:     log.With().Str("component", "supervisor").Logger(),
		opts:    opts,
		tracer:  opts.Tracer,
		pending: map[string]call{},
	}
}

// Start spawns one worker per spec, at the index of its position, and
// starts relaying the master bus to them.
func (s *Supervisor) Start(ctx context.Context, specs ...ipc.Spec) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.slots = make([]*slot, len(specs))
	for i, spec := range specs {
		spec.Index = i
		s.slots[i] = &slot{spec: spec}
	}
	s.mu.Unlock()

	for i := range specs {
		if err := s.spawn(i); err != nil {
			s.Close(ctx)
			return err
		}
	}
	s.unsub = append(s.unsub,
		s.bus.OnChange(s.relayChange),
		s.bus.OnReset(s.relayReset),
		s.bus.OnNotify(s.relayNotify),
	)
	return nil
}

// Origin returns the bus origin of the worker at index, which changes on
// every respawn.
func (s *Supervisor) Origin(index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) {
		return ""
	}
	return s.slots[index].origin
}

// Generation counts the spawns of the worker at index.
func (s *Supervisor) Generation(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) {
		return 0
	}
	return s.slots[index].gen
}

// Kill stops the worker at index as if it crashed. It is respawned.
func (s *Supervisor) Kill(index int) error {
	s.mu.Lock()
	var proc ipc.Process
	if index >= 0 && index < len(s.slots) {
		proc = s.slots[index].proc
	}
	s.mu.Unlock()
	if proc == nil {
		return ErrNotReady
	}
	return proc.Kill()
}

func (s *Supervisor) spawn(index int) error {
	s.mu.Lock()
	sl := s.slots[index]
	sl.gen++
	spec := sl.spec
	spec.Origin = fmt.Sprintf("%s-%d.%d", spec.Module, index, sl.gen)
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(s.ctx, spec)
	if err != nil {
		return fmt.Errorf("spawning worker %s: %w", spec.Module, err)
	}
	out := ipc.NewOutbox(proc, 256)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		out.Close()
		proc.Kill()
		proc.Close()
		return ErrClosed
	}
	sl.proc = proc
	sl.out = out
	sl.origin = spec.Origin
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(index, spec.Origin, proc, out)
	s.log.Info().Int("index", index).Str("worker", spec.Origin).Int("pid", proc.PID()).Msg("spawn worker " + spec.Module)
	return nil
}

// watch reads the messages of one worker until it exits, then respawns it
// at the same index unless the supervisor is closing.
func (s *Supervisor) watch(index int, origin string, proc ipc.Process, out *ipc.Outbox) {
	defer s.wg.Done()
	log := s.log.With().Int("index", index).Str("worker", origin).Logger()

	for {
		msg, err := proc.Recv()
		if errors.Is(err, ipc.ErrMalformed) {
			log.Warn().Err(err).Msg("dropped worker message")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Err(err).Msg("worker channel closed")
			}
			break
		}
		if msg.From == "" {
			msg.From = origin
		}
		s.dispatch(log, msg)
	}

	out.Close()
	proc.Close()
	waitErr := proc.Wait()

	s.mu.Lock()
	sl := s.slots[index]
	if sl.proc == proc {
		sl.proc = nil
		sl.out = nil
	}
	closing := s.closing
	s.failPending(index)
	s.mu.Unlock()

	if closing {
		return
	}
	log.Warn().Err(waitErr).Msg("worker exited")
	respawn := func() (struct{}, error) {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing {
			return struct{}{}, backoff.Permanent(ErrClosed)
		}
		err := s.spawn(index)
		if errors.Is(err, ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	if _, err := backoff.Retry(s.ctx, respawn, backoff.WithBackOff(backoff.NewExponentialBackOff())); err != nil && !errors.Is(err, ErrClosed) {
		log.Error().Err(err).Msg("failed to respawn worker")
		return
	}
	log.Info().Str("respawned", s.Origin(index)).Msg("respawn worker")
}

// failPending answers the calls in flight on a dead worker with the
// not-ready sentinel so they retry on its replacement. Callers hold mu.
func (s *Supervisor) failPending(index int) {
	for id, c := range s.pending {
		if c.index != index {
			continue
		}
		resp, _ := ipc.Respond(ipc.Message{ID: id}, ErrNotReady)
		select {
		case c.ch <- resp:
		default:
		}
	}
}

// dispatch routes one worker message: responses to their caller, changes
// and notifications to the master bus, logs to the master logger.
func (s *Supervisor) dispatch(log zerolog.Logger, msg ipc.Message) {
	switch {
	case msg.IsResponse():
		s.mu.Lock()
		c, ok := s.pending[msg.ID]
		s.mu.Unlock()
		if !ok {
			log.Debug().Str("method", msg.Method).Str("id", msg.ID).Msg("response without caller")
			return
		}
		select {
		case c.ch <- msg:
		default:
		}

	case msg.Event == ipc.EventChange:
		rec, err := ipc.DecodeChange(msg)
		if err != nil {
			log.Warn().Err(err).Msg("dropped change")
			return
		}
		s.bus.Publish(rec)

	case msg.Event == ipc.EventNotify:
		n, err := ipc.DecodeNotify(msg)
		if err != nil {
			log.Warn().Err(err).Msg("dropped notification")
			return
		}
		s.bus.Relay(n)

	case msg.Event == ipc.EventLog:
		logging.Relay(log, ipc.DecodeLog(msg))

	default:
		log.Warn().Str("event", msg.Event).Str("method", msg.Method).Msg("unexpected worker message")
	}
}

// relayChange forwards a change record to every worker but its origin.
func (s *Supervisor) relayChange(rec types.ChangeRecord) {
	msg, err := ipc.ChangeEvent(s.bus.Origin(), rec)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode change")
		return
	}
	for _, out := range s.outboxes(rec.Origin) {
		if err := out.Send(msg); err != nil {
			s.log.Debug().Err(err).Msg("change not relayed")
		}
	}
}

// relayNotify forwards notifications emitted by the master, such as clock
// ticks, to every worker.
func (s *Supervisor) relayNotify(n types.Notification) {
	if !s.bus.IsLocal(n.Origin) {
		return
	}
	msg, err := ipc.NotifyEvent(s.bus.Origin(), n)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode notification")
		return
	}
	for _, out := range s.outboxes("") {
		if err := out.Send(msg); err != nil {
			s.log.Debug().Err(err).Msg("notification not relayed")
		}
	}
}

// relayReset tells every worker to reload its executables.
func (s *Supervisor) relayReset(removed []string) {
	msg, err := ipc.ResetEvent(s.bus.Origin(), removed)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode reset")
		return
	}
	for _, out := range s.outboxes("") {
		if err := out.Send(msg); err != nil {
			s.log.Debug().Err(err).Msg("reset not relayed")
		}
	}
}

// outboxes returns the outboxes of live workers, except the one of origin.
func (s *Supervisor) outboxes(except string) []*ipc.Outbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ipc.Outbox
	for _, sl := range s.slots {
		if sl.out != nil && sl.origin != except {
			out = append(out, sl.out)
		}
	}
	return out
}

// Call sends a request to the worker at index and waits for its response.
// Not-ready answers, and workers dying mid-call, are retried every
// RetryDelay until MaxTries or the call deadline. A worker error is
// returned as an *ipc.RemoteError.
func (s *Supervisor) Call(ctx context.Context, index int, method string, args ...any) (ipc.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "supervisor.call", trace.WithAttributes(
		attribute.String("ipc.method", method),
		attribute.Int("ipc.worker", index),
	))
	defer span.End()

	tries := 0
	op := func() (ipc.Message, error) {
		tries++
		resp, err := s.attempt(ctx, index, method, args)
		if err != nil {
			if errors.Is(err, ErrNotReady) {
				return resp, err
			}
			return resp, backoff.Permanent(err)
		}
		if resp.NotReady() {
			return resp, ErrNotReady
		}
		if rerr := resp.Err(); rerr != nil {
			return resp, backoff.Permanent(rerr)
		}
		return resp, nil
	}
	opts := []backoff.RetryOption{backoff.WithBackOff(backoff.NewConstantBackOff(s.opts.RetryDelay))}
	if s.opts.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(s.opts.MaxTries))
	}
	resp, err := backoff.Retry(ctx, op, opts...)
	span.SetAttributes(attribute.Int("ipc.tries", tries))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	return resp, nil
}

// attempt sends one request. Its pending entry is removed on return.
func (s *Supervisor) attempt(ctx context.Context, index int, method string, args []any) (ipc.Message, error) {
	id := uuid.NewString()
	req, err := ipc.Request(method, id, args...)
	if err != nil {
		return ipc.Message{}, err
	}
	ipc.Inject(ctx, &req)
	ch := make(chan ipc.Message, 1)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ipc.Message{}, ErrClosed
	}
	if index < 0 || index >= len(s.slots) {
		s.mu.Unlock()
		return ipc.Message{}, fmt.Errorf("supervisor: no worker at index %d", index)
	}
	out := s.slots[index].out
	if out == nil {
		s.mu.Unlock()
		return ipc.Message{}, ErrNotReady
	}
	s.pending[id] = call{index: index, ch: ch}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := out.Send(req); err != nil {
		return ipc.Message{}, ErrNotReady
	}
	select {
	case <-ctx.Done():
		return ipc.Message{}, fmt.Errorf("%s on worker %d: %w", method, index, ctx.Err())
	case resp := <-ch:
		return resp, nil
	}
}

// Pending returns the number of calls waiting for a response.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops relaying, closes every worker channel and waits for the
// workers to exit. Workers still running when ctx is done are killed.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	var procs []ipc.Process
	for _, sl := range s.slots {
		if sl.proc != nil {
			procs = append(procs, sl.proc)
		}
	}
	s.mu.Unlock()

	for _, off := range s.unsub {
		off()
	}
	for _, p := range procs {
		p.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, p := range procs {
			p.Kill()
		}
		<-done
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Info().Msg("worker pool stopped")
	return nil
}
