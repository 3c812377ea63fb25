package cli

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nathoo/mythcore/types"
)

type fakeBackend struct {
	resolved map[string][]types.Applicable
	result   any
	ran      bool
	err      error

	restriction types.Restriction
	sel         types.Selector
	params      map[string]any
	email       string
	executed    []string
}

func (f *fakeBackend) Resolve(_ context.Context, r types.Restriction, sel types.Selector, email string, _ bool) (map[string][]types.Applicable, error) {
	f.restriction, f.sel, f.email = r, sel, email
	return f.resolved, f.err
}

func (f *fakeBackend) Execute(_ context.Context, ruleID string, sel types.Selector, params map[string]any, email string) (any, error) {
	f.sel, f.params, f.email = sel, params, email
	f.executed = append(f.executed, ruleID)
	return f.result, f.err
}

func (f *fakeBackend) Trigger(context.Context) (bool, error) {
	return f.ran, f.err
}

type fakeRegistry struct {
	exes   []types.Executable
	resets int
	clean  bool
	err    error
}

func (f *fakeRegistry) FindString(string) ([]types.Executable, error) {
	return f.exes, nil
}

func (f *fakeRegistry) ResetAll(_ context.Context, clean bool) error {
	f.resets++
	f.clean = clean
	return f.err
}

type fakeClock struct {
	now    time.Time
	paused bool
}

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Set(t time.Time) { f.now = t }
func (f *fakeClock) Pause() { f.paused = true }
func (f *fakeClock) Resume() { f.paused = false }
func (f *fakeClock) Paused() bool { return f.paused }

const testEmail = "alice@example.com"

func newTestConsole() (*Console, *fakeBackend, *fakeRegistry, *fakeClock) {
	b := &fakeBackend{}
	r := &fakeRegistry{exes: []types.Executable{
		{ID: "open-door", Meta: types.ExecutableMeta{Kind: types.ScriptRule, Active: true, Category: "use"}},
		{ID: "decay", Meta: types.ExecutableMeta{Kind: types.ScriptTurn, Rank: 2}},
		{ID: "helpers", Meta: types.ExecutableMeta{Kind: types.ScriptPlain}},
	}}
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &Console{Backend: b, Registry: r, Clock: clk, Email: testEmail}, b, r, clk
}

func newTestCLI(t *testing.T, input string) (*CLI, *bytes.Buffer, *fakeBackend) {
	t.Helper()
	console, b, _, _ := newTestConsole()
	var out bytes.Buffer
	c := &CLI{
		Console: console,
		In:      strings.NewReader(input),
		Out:     &out,
	}
	return c, &out, b
}

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		verb string
		args []string
		ok   bool
	}{
		{"", "", nil, false},
		{"   ", "", nil, false},
		{"rules", "rules", []string{}, true},
		{"ls", "rules", []string{}, true},
		{"/Resolve hero door", "resolve", []string{"hero", "door"}, true},
		{"x open-door hero door", "execute", []string{"open-door", "hero", "door"}, true},
		{"trigger", "turn", []string{}, true},
		{"reload clean", "reset", []string{"clean"}, true},
		{"?", "help", []string{}, true},
		{"exit", "quit", []string{}, true},
	}
	for _, tt := range tests {
		cmd, ok := Parse(tt.line)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if cmd.Verb != tt.verb {
			t.Errorf("Parse(%q) verb = %q, want %q", tt.line, cmd.Verb, tt.verb)
		}
		if strings.Join(cmd.Args, " ") != strings.Join(tt.args, " ") {
			t.Errorf("Parse(%q) args = %v, want %v", tt.line, cmd.Args, tt.args)
		}
	}
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		rest    int
		wantErr bool
	}{
		{"player", []string{"player", "alice"}, "player=alice", 0, false},
		{"target", []string{"hero", "door", "key=1"}, "hero->door", 1, false},
		{"coordinates", []string{"hero", "3", "4"}, "hero@3,4", 0, false},
		{"one number is a target", []string{"hero", "3", "x"}, "hero->3", 1, false},
		{"too short", []string{"hero"}, "", 0, true},
		{"empty", nil, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, rest, err := parseSelector(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected an error, got %+v", sel)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var got string
			switch {
			case sel.PlayerID != "":
				got = "player=" + sel.PlayerID
			case sel.X != nil && sel.Y != nil:
				got = sel.ActorID + "@" + strconv.Itoa(*sel.X) + "," + strconv.Itoa(*sel.Y)
			default:
				got = sel.ActorID + "->" + sel.TargetID
			}
			if got != tt.want {
				t.Errorf("selector = %s, want %s", got, tt.want)
			}
			if len(rest) != tt.rest {
				t.Errorf("rest = %v, want %d args", rest, tt.rest)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"count=3", "name=torch", `tags=["a","b"]`, "on=true"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params["count"] != float64(3) {
		t.Errorf("count = %#v", params["count"])
	}
	if params["name"] != "torch" {
		t.Errorf("name = %#v", params["name"])
	}
	if tags, ok := params["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("tags = %#v", params["tags"])
	}
	if params["on"] != true {
		t.Errorf("on = %#v", params["on"])
	}

	for _, bad := range []string{"count", "=3"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) should fail", bad)
		}
	}
}

func TestDispatch_Rules(t *testing.T) {
	console, _, _, _ := newTestConsole()
	reply := console.Dispatch(context.Background(), "rules")
	if reply.Failed || len(reply.Lines) != 3 {
		t.Fatalf("reply = %+v", reply)
	}
	if !strings.Contains(reply.Lines[0], "open-door") || !strings.Contains(reply.Lines[0], "category=use") {
		t.Errorf("rule line = %q", reply.Lines[0])
	}
	if !strings.Contains(reply.Lines[1], "rank=2") || !strings.Contains(reply.Lines[1], "(inactive)") {
		t.Errorf("turn rule line = %q", reply.Lines[1])
	}
	if strings.Contains(reply.Lines[2], "inactive") {
		t.Errorf("plain script line = %q", reply.Lines[2])
	}
}

func TestDispatch_Resolve(t *testing.T) {
	console, b, _, _ := newTestConsole()
	lo, hi := 1, 5
	b.resolved = map[string][]types.Applicable{
		"open-door": {{Category: "use", Target: map[string]any{"id": "door"}}},
		"attack": {{Category: "fight", Target: map[string]any{"id": "door"}, Params: []types.Param{
			{Name: "strength", Type: "integer", Min: 1, Max: 10},
			{Name: "items", Type: "object", NumMin: &lo, NumMax: &hi},
		}}},
	}

	reply := console.Dispatch(context.Background(), "resolve category=use,fight hero door")
	if reply.Failed {
		t.Fatalf("reply = %+v", reply)
	}
	want := []string{
		"attack (fight) on door",
		"    strength: integer between 1 and 10",
		"    items: object [1..5]",
		"open-door (use) on door",
	}
	if strings.Join(reply.Lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("lines = %q, want %q", reply.Lines, want)
	}
	if len(b.restriction.Categories) != 2 || b.restriction.Categories[1] != "fight" {
		t.Errorf("restriction = %+v", b.restriction)
	}
	if b.sel.ActorID != "hero" || b.sel.TargetID != "door" || b.email != testEmail {
		t.Errorf("selector = %+v, email = %q", b.sel, b.email)
	}
}

func TestDispatch_ResolveNothing(t *testing.T) {
	console, _, _, _ := newTestConsole()
	reply := console.Dispatch(context.Background(), "resolve rule=open-door player alice")
	if reply.Failed || len(reply.Lines) != 1 || reply.Lines[0] != "No rule applies." {
		t.Errorf("reply = %+v", reply)
	}
}

func TestDispatch_Execute(t *testing.T) {
	console, b, _, _ := newTestConsole()
	b.result = map[string]any{"opened": true}

	reply := console.Dispatch(context.Background(), "execute open-door hero door force=2")
	if reply.Failed || len(reply.Lines) != 1 {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Lines[0] != `open-door executed: {"opened":true}` {
		t.Errorf("line = %q", reply.Lines[0])
	}
	if b.params["force"] != float64(2) {
		t.Errorf("params = %+v", b.params)
	}

	b.result = nil
	reply = console.Dispatch(context.Background(), "run open-door hero door")
	if len(reply.Lines) != 1 || reply.Lines[0] != "open-door executed." {
		t.Errorf("reply = %+v", reply)
	}
}

func TestDispatch_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"unknown verb", "dance", "Unknown command: dance"},
		{"missing rule", "execute", "Usage: execute"},
		{"bad selector", "resolve hero", "expected <actor> <target>"},
		{"bad restriction", "resolve kind=x hero door", "Unknown restriction kind"},
		{"extra args", "resolve hero door now", "Unexpected arguments: now"},
		{"bad param", "execute open-door hero door oops", "expected name=value"},
		{"bad time", "time set yesterday", "Invalid time yesterday"},
		{"bad time verb", "time rewind", "Usage: time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			console, _, _, _ := newTestConsole()
			reply := console.Dispatch(context.Background(), tt.line)
			if !reply.Failed || len(reply.Lines) == 0 || !strings.Contains(reply.Lines[0], tt.want) {
				t.Errorf("reply = %+v, want failure containing %q", reply, tt.want)
			}
		})
	}
}

func TestDispatch_BackendError(t *testing.T) {
	console, b, _, _ := newTestConsole()
	b.err = errors.New("worker not ready")
	reply := console.Dispatch(context.Background(), "turn")
	if !reply.Failed || reply.Lines[0] != "worker not ready" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestDispatch_Turn(t *testing.T) {
	console, b, _, _ := newTestConsole()
	reply := console.Dispatch(context.Background(), "t")
	if reply.Lines[0] != "A turn is already in progress." {
		t.Errorf("busy reply = %+v", reply)
	}
	b.ran = true
	reply = console.Dispatch(context.Background(), "t")
	if reply.Lines[0] != "Turn done." {
		t.Errorf("reply = %+v", reply)
	}
}

func TestDispatch_Reset(t *testing.T) {
	console, _, r, _ := newTestConsole()
	reply := console.Dispatch(context.Background(), "reset clean")
	if reply.Failed || reply.Lines[0] != "3 executables loaded." {
		t.Errorf("reply = %+v", reply)
	}
	if r.resets != 1 || !r.clean {
		t.Errorf("resets = %d, clean = %v", r.resets, r.clean)
	}

	r.err = errors.New("decay: syntax error")
	reply = console.Dispatch(context.Background(), "reload")
	if !reply.Failed || len(reply.Lines) != 2 || reply.Lines[1] != "decay: syntax error" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestDispatch_Time(t *testing.T) {
	console, _, _, clk := newTestConsole()

	reply := console.Dispatch(context.Background(), "time")
	if reply.Lines[0] != "Game time: 2026-03-01T12:00:00Z" {
		t.Errorf("line = %q", reply.Lines[0])
	}

	reply = console.Dispatch(context.Background(), "time set 2027-01-02T03:04:05Z")
	if reply.Failed || !clk.now.Equal(time.Date(2027, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("reply = %+v, now = %v", reply, clk.now)
	}

	reply = console.Dispatch(context.Background(), "clock pause")
	if !clk.paused || !strings.HasSuffix(reply.Lines[0], "(paused)") {
		t.Errorf("reply = %+v, paused = %v", reply, clk.paused)
	}
	console.Dispatch(context.Background(), "time resume")
	if clk.paused {
		t.Error("clock still paused")
	}
}

func TestFormatNotification(t *testing.T) {
	n := types.Notification{Scope: "turns", Name: "rule", Details: []any{"decay", 2}}
	if got := FormatNotification(n); got != "turns rule decay 2" {
		t.Errorf("got %q", got)
	}
}

func TestRun_Script(t *testing.T) {
	input := "# comment\n\nrules\nturn\ndance\nquit\nrules\n"
	c, out, _ := newTestCLI(t, input)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"[Game time: 2026-03-01T12:00:00Z]",
		"open-door",
		"A turn is already in progress.",
		"[Unknown command: dance. Type help for available commands.]",
		"Goodbye.",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	// Commands after quit are not read.
	if strings.Count(text, "open-door") != 1 {
		t.Errorf("rules listed %d times", strings.Count(text, "open-door"))
	}
}

func TestRun_Again(t *testing.T) {
	c, out, b := newTestCLI(t, "g\nexecute open-door hero door\nagain\ng\n")
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "[Nothing to repeat.]") {
		t.Errorf("output = %q", out.String())
	}
	if len(b.executed) != 3 {
		t.Errorf("executed %d times, want 3", len(b.executed))
	}
}

func TestRun_EchoInput(t *testing.T) {
	c, out, _ := newTestCLI(t, "help\n")
	c.EchoInput = true
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "> help\n") {
		t.Errorf("input not echoed: %q", out.String())
	}
}

func TestRun_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	console, _, _, _ := newTestConsole()
	c := &CLI{Console: console, In: blockingReader{}, Out: &bytes.Buffer{}}
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) { select {} }

func TestNotify_Trace(t *testing.T) {
	c, out, _ := newTestCLI(t, "")
	n := types.Notification{Scope: "time", Name: "change", Details: []any{1}}
	c.Notify(n)
	if out.Len() != 0 {
		t.Errorf("notified without trace: %q", out.String())
	}
	c.Trace = true
	c.Notify(n)
	if out.String() != "[time change 1]\n" {
		t.Errorf("output = %q", out.String())
	}
}
