package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nathoo/mythcore/bus"
	"github.com/nathoo/mythcore/ipc"
	"github.com/nathoo/mythcore/types"
)

// echo answers every request with its first argument.
func echo(ctx context.Context, spec ipc.Spec, conn ipc.Conn) error {
	for {
		msg, err := conn.Recv()
		if err != nil {
			return nil
		}
		if !msg.IsRequest() {
			continue
		}
		var arg any
		_ = msg.Arg(0, &arg)
		resp, _ := ipc.Respond(msg, nil, arg)
		if err := conn.Send(resp); err != nil {
			return nil
		}
	}
}

func start(t *testing.T, run func(context.Context, ipc.Spec, ipc.Conn) error, specs ...ipc.Spec) (*Supervisor, *bus.Bus) {
	t.Helper()
	b := bus.New("master", zerolog.Nop())
	s := New(ipc.PipeSpawner{Run: run}, b, zerolog.Nop(), Options{CallTimeout: 2 * time.Second, RetryDelay: 5 * time.Millisecond})
	if len(specs) == 0 {
		specs = []ipc.Spec{{Module: ipc.ModuleExecutor}}
	}
	if err := s.Start(context.Background(), specs...); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s, b
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCall_RoundTrip(t *testing.T) {
	s, _ := start(t, echo)

	resp, err := s.Call(context.Background(), 0, ipc.MethodExecute, "hello")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got string
	if err := resp.Result(0, &got); err != nil || got != "hello" {
		t.Errorf("result = %q, %v", got, err)
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d after the call", s.Pending())
	}
	if s.Origin(0) != "executor-0.1" {
		t.Errorf("origin = %q", s.Origin(0))
	}
}

func TestCall_RetriesNotReady(t *testing.T) {
	var asked atomic.Int32
	s, _ := start(t, func(ctx context.Context, spec ipc.Spec, conn ipc.Conn) error {
		for {
			msg, err := conn.Recv()
			if err != nil {
				return nil
			}
			var resp ipc.Message
			if asked.Add(1) < 3 {
				resp, _ = ipc.Respond(msg, errors.New(ipc.NotReady))
			} else {
				resp, _ = ipc.Respond(msg, nil, true)
			}
			conn.Send(resp)
		}
	})

	ran, err := s.Trigger(context.Background())
	if err != nil || !ran {
		t.Fatalf("Trigger = %v, %v", ran, err)
	}
	if n := asked.Load(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestCall_RemoteErrorIsNotRetried(t *testing.T) {
	var asked atomic.Int32
	s, _ := start(t, func(ctx context.Context, spec ipc.Spec, conn ipc.Conn) error {
		for {
			msg, err := conn.Recv()
			if err != nil {
				return nil
			}
			asked.Add(1)
			resp, _ := ipc.Respond(msg, errors.New("no player with email x"))
			conn.Send(resp)
		}
	})

	_, err := s.Call(context.Background(), 0, ipc.MethodResolve)
	var re *ipc.RemoteError
	if !errors.As(err, &re) || re.Message != "no player with email x" {
		t.Fatalf("err = %v, want remote error", err)
	}
	if n := asked.Load(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestCall_MaxTries(t *testing.T) {
	b := bus.New("master", zerolog.Nop())
	s := New(ipc.PipeSpawner{Run: func(ctx context.Context, spec ipc.Spec, conn ipc.Conn) error {
		for {
			msg, err := conn.Recv()
			if err != nil {
				return nil
			}
			resp, _ := ipc.Respond(msg, errors.New(ipc.NotReady))
			conn.Send(resp)
		}
	}}, b, zerolog.Nop(), Options{CallTimeout: time.Second, RetryDelay: time.Millisecond, MaxTries: 4})
	if err := s.Start(context.Background(), ipc.Spec{Module: ipc.ModuleExecutor}); err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	if _, err := s.Call(context.Background(), 0, ipc.MethodResolve); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestRespawn_SameIndex(t *testing.T) {
	s, _ := start(t, echo)

	if err := s.Kill(0); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	eventually(t, "respawn", func() bool { return s.Generation(0) == 2 && s.Origin(0) == "executor-0.2" })

	resp, err := s.Call(context.Background(), 0, ipc.MethodExecute, "again")
	if err != nil {
		t.Fatalf("Call after respawn: %v", err)
	}
	var got string
	if resp.Result(0, &got); got != "again" {
		t.Errorf("result = %q", got)
	}
}

func TestCall_SurvivesWorkerCrash(t *testing.T) {
	// The first generation dies on its first request without answering.
	s, _ := start(t, func(ctx context.Context, spec ipc.Spec, conn ipc.Conn) error {
		if spec.Origin == "executor-0.1" {
			conn.Recv()
			return errors.New("crashed")
		}
		return echo(ctx, spec, conn)
	})

	resp, err := s.Call(context.Background(), 0, ipc.MethodExecute, "retried")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got string
	if resp.Result(0, &got); got != "retried" {
		t.Errorf("result = %q", got)
	}
	if s.Generation(0) < 2 {
		t.Errorf("generation = %d, want a respawn", s.Generation(0))
	}
}

// recorder is a worker body recording the events it receives and sending
// whatever is pushed on its outgoing channel.
type recorder struct {
	mu     sync.Mutex
	events map[string][]ipc.Message
	send   map[string]chan ipc.Message
}

func newRecorder(origins ...string) *recorder {
	r := &recorder{events: map[string][]ipc.Message{}, send: map[string]chan ipc.Message{}}
	for _, o := range origins {
		r.send[o] = make(chan ipc.Message, 8)
	}
	return r
}

func (r *recorder) run(ctx context.Context, spec ipc.Spec, conn ipc.Conn) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-r.send[spec.Origin]:
				conn.Send(m)
			}
		}
	}()
	for {
		msg, err := conn.Recv()
		if err != nil {
			return nil
		}
		r.mu.Lock()
		r.events[spec.Origin] = append(r.events[spec.Origin], msg)
		r.mu.Unlock()
	}
}

func (r *recorder) received(origin string) []ipc.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ipc.Message(nil), r.events[origin]...)
}

func TestRelay_ChangesSkipTheirOrigin(t *testing.T) {
	rec := newRecorder("executor-0.1", "scheduler-1.1")
	s, b := start(t, rec.run, DefaultSpecs(nil)...)

	var mu sync.Mutex
	var seen []types.ChangeRecord
	b.OnChange(func(c types.ChangeRecord) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})

	change := types.ChangeRecord{
		Operation: types.OpUpdate,
		Kind:      types.KindItem,
		Changes:   map[string]any{"id": "sword", "damage": 3.0, "owner": "hero", "runes": []any{"fire"}},
		Links:     map[string]types.Kind{"owner": types.KindItem, "runes": types.KindItem},
	}
	msg, err := ipc.ChangeEvent(s.Origin(0), change)
	if err != nil {
		t.Fatal(err)
	}
	rec.send["executor-0.1"] <- msg

	eventually(t, "relay to scheduler", func() bool { return len(rec.received("scheduler-1.1")) == 1 })
	relayed, err := ipc.DecodeChange(rec.received("scheduler-1.1")[0])
	if err != nil {
		t.Fatal(err)
	}
	if relayed.Origin != "executor-0.1" || relayed.Changes["id"] != "sword" {
		t.Errorf("relayed = %+v", relayed)
	}
	if len(relayed.Links) != 2 || relayed.Links["owner"] != types.KindItem || relayed.Links["runes"] != types.KindItem {
		t.Errorf("relayed links = %v", relayed.Links)
	}
	eventually(t, "master bus", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0].Origin == "executor-0.1"
	})

	// Changes made by the master reach every worker.
	b.Publish(types.ChangeRecord{Operation: types.OpDeletion, Kind: types.KindItem, Changes: map[string]any{"id": "sword"}})
	eventually(t, "master change", func() bool {
		return len(rec.received("executor-0.1")) == 1 && len(rec.received("scheduler-1.1")) == 2
	})
}

func TestRelay_NotificationsAndReset(t *testing.T) {
	rec := newRecorder("executor-0.1")
	_, b := start(t, rec.run)

	got := make(chan types.Notification, 1)
	b.OnNotify(func(n types.Notification) { got <- n })

	msg, _ := ipc.NotifyEvent("executor-0.1", types.Notification{Scope: "turns", Name: "rule", Details: []any{"decay"}})
	rec.send["executor-0.1"] <- msg
	select {
	case n := <-got:
		if n.Scope != "turns" || n.Name != "rule" || n.Origin != "executor-0.1" || len(n.Details) != 1 {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not relayed")
	}

	b.Reset([]string{"old-rule"})
	eventually(t, "reset", func() bool { return len(rec.received("executor-0.1")) == 1 })
	m := rec.received("executor-0.1")[0]
	removed, err := ipc.DecodeReset(m)
	if m.Event != ipc.EventReset || err != nil || len(removed) != 1 || removed[0] != "old-rule" {
		t.Errorf("reset = %+v, %v", m, err)
	}
}

func TestClose_StopsCalls(t *testing.T) {
	s, _ := start(t, echo)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Call(context.Background(), 0, ipc.MethodExecute, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Call after Close = %v", err)
	}
	if s.Generation(0) != 1 {
		t.Errorf("worker respawned after Close")
	}
}

func TestRelay_MasterNotificationsReachWorkers(t *testing.T) {
	rec := newRecorder("executor-0.1")
	_, b := start(t, rec.run)

	b.Notify("time", "change", int64(1700000000000))
	eventually(t, "notification", func() bool { return len(rec.received("executor-0.1")) == 1 })
	n, err := ipc.DecodeNotify(rec.received("executor-0.1")[0])
	if err != nil || n.Scope != "time" || n.Origin != "master" {
		t.Errorf("notification = %+v, %v", n, err)
	}
}
