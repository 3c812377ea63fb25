package ipc

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathoo/mythcore/types"
)

func TestStreamConn_RoundTrip(t *testing.T) {
	var buf strings.Builder
	out := NewStreamConn(strings.NewReader(""), &buf)
	req, err := Request(MethodResolve, "abc", map[string]any{"ruleId": "move"}, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Send(req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, _ := Respond(req, nil, map[string]int{"n": 1})
	if err := out.Send(resp); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Fatalf("wrote %d lines, want 2", n)
	}

	in := NewStreamConn(strings.NewReader("\n"+buf.String()), io.Discard)
	got, err := in.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !got.IsRequest() || got.ID != "abc" {
		t.Errorf("request = %+v", got)
	}
	var email string
	if err := got.Arg(1, &email); err != nil || email != "alice@example.com" {
		t.Errorf("Arg(1) = %q, %v", email, err)
	}
	if err := got.Arg(2, &email); err == nil {
		t.Error("missing argument decoded")
	}

	got, err = in.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !got.IsResponse() || got.Err() != nil {
		t.Fatalf("response = %+v, err %v", got, got.Err())
	}
	var result map[string]int
	if err := got.Result(0, &result); err != nil || result["n"] != 1 {
		t.Errorf("Result(0) = %v, %v", result, err)
	}
	if _, err := in.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv at end = %v, want EOF", err)
	}
}

func TestRespond_ErrorsAndNotReady(t *testing.T) {
	req := Message{Method: MethodExecute, ID: "1"}
	resp, err := Respond(req, errors.New("boom"))
	if err != nil {
		t.Fatal(err)
	}
	var re *RemoteError
	if !errors.As(resp.Err(), &re) || re.Message != "boom" {
		t.Errorf("Err = %v", resp.Err())
	}
	if resp.NotReady() {
		t.Error("plain error taken for not ready")
	}
	resp, _ = Respond(req, errors.New(NotReady))
	if !resp.NotReady() {
		t.Error("not-ready sentinel missed")
	}
}

func TestDecodeChange_LinkKinds(t *testing.T) {
	msg, err := ChangeEvent("executor-0.1", types.ChangeRecord{
		Operation: types.OpCreation,
		Kind:      types.KindItem,
		Changes:   map[string]any{"id": "chest", "owner": "gem"},
		Links:     map[string]types.Kind{"owner": types.KindItem},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := DecodeChange(msg)
	if err != nil {
		t.Fatalf("DecodeChange: %v", err)
	}
	if rec.Origin != "executor-0.1" || rec.Links["owner"] != types.KindItem {
		t.Errorf("record = %+v", rec)
	}

	// Records without link kinds decode with none.
	msg.Args = msg.Args[:4]
	rec, err = DecodeChange(msg)
	if err != nil || rec.Links != nil {
		t.Errorf("without links = %+v, %v", rec, err)
	}
}

func TestPipeSpawner_Echo(t *testing.T) {
	spawner := PipeSpawner{Run: func(ctx context.Context, spec Spec, conn Conn) error {
		for {
			m, err := conn.Recv()
			if err != nil {
				return nil
			}
			resp, _ := Respond(m, nil, spec.Origin)
			if err := conn.Send(resp); err != nil {
				return err
			}
		}
	}}
	p, err := spawner.Spawn(context.Background(), Spec{Index: 0, Module: "executor", Origin: "executor-0.1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	out := NewOutbox(p, 4)
	defer out.Close()
	if err := out.Send(Message{Method: MethodTrigger, ID: "t1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := p.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var origin string
	if err := resp.Result(0, &origin); err != nil || origin != "executor-0.1" {
		t.Errorf("origin = %q, %v", origin, err)
	}

	p.Kill()
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("killed worker did not exit")
	}
	if err := p.Send(Message{Event: EventNotify}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after kill = %v, want ErrClosed", err)
	}
}

func TestTrace_InjectExtract(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var m Message
	Inject(ctx, &m)
	if m.Trace["traceparent"] == "" {
		t.Fatalf("trace = %v", m.Trace)
	}
	got := trace.SpanContextFromContext(Extract(context.Background(), m))
	if got.TraceID() != traceID {
		t.Errorf("trace id = %s, want %s", got.TraceID(), traceID)
	}
}
