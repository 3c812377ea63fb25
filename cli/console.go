package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/nathoo/mythcore/types"
)

// Backend runs rules, usually through the worker pool.
type Backend interface {
	Resolve(ctx context.Context, restriction types.Restriction, sel types.Selector, email string, wholeRule bool) (map[string][]types.Applicable, error)
	Execute(ctx context.Context, ruleID string, sel types.Selector, params map[string]any, email string) (any, error)
	Trigger(ctx context.Context) (bool, error)
}

// Registry lists and reloads executables.
type Registry interface {
	FindString(query string) ([]types.Executable, error)
	ResetAll(ctx context.Context, clean bool) error
}

// Clock is the game clock.
type Clock interface {
	Now() time.Time
	Set(t time.Time)
	Pause()
	Resume()
	Paused() bool
}

// Console turns command lines into calls on the runtime. It is shared by
// the plain and the full-screen front ends.
type Console struct {
	Backend  Backend
	Registry Registry
	Clock    Clock
	// Email identifies the player the console acts as.
	Email string
}

// Reply is the outcome of one command line.
type Reply struct {
	Lines []string
	// Failed is set when the command returned an error.
	Failed bool
	Quit   bool
}

func failed(format string, args ...any) Reply {
	return Reply{Lines: []string{fmt.Sprintf(format, args...)}, Failed: true}
}

var commandAliases = map[string]string{
	"ls":      "rules",
	"list":    "rules",
	"r":       "resolve",
	"x":       "execute",
	"exec":    "execute",
	"run":     "execute",
	"t":       "turn",
	"trigger": "turn",
	"reload":  "reset",
	"clock":   "time",
	"?":       "help",
	"h":       "help",
	"q":       "quit",
	"exit":    "quit",
}

// Command is a parsed command line.
type Command struct {
	Verb string
	Args []string
}

// Parse splits a line into a verb and its arguments, expanding aliases.
// Leading slashes are accepted.
func Parse(line string) (Command, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return Command{}, false
	}
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if alias, ok := commandAliases[verb]; ok {
		verb = alias
	}
	return Command{Verb: verb, Args: fields[1:]}, true
}

// Dispatch runs one command line.
func (c *Console) Dispatch(ctx context.Context, line string) Reply {
	cmd, ok := Parse(line)
	if !ok {
		return Reply{}
	}
	switch cmd.Verb {
	case "rules":
		return c.cmdRules(strings.Join(cmd.Args, " "))
	case "resolve":
		return c.cmdResolve(ctx, cmd.Args)
	case "execute":
		return c.cmdExecute(ctx, cmd.Args)
	case "turn":
		return c.cmdTurn(ctx)
	case "reset":
		return c.cmdReset(ctx, cmd.Args)
	case "time":
		return c.cmdTime(cmd.Args)
	case "help":
		return Reply{Lines: Help()}
	case "quit":
		return Reply{Lines: []string{"Goodbye."}, Quit: true}
	default:
		return failed("Unknown command: %s. Type help for available commands.", cmd.Verb)
	}
}

// Help lists the console commands.
func Help() []string {
	return []string{
		"Commands:",
		"  rules [query]                           List executables, filtered by a JSON query",
		"  resolve [rule=<id>|category=<a,b>] <selector>",
		"                                          List the rules applying to a selection",
		"  execute <rule> <selector> [name=value]  Run a rule",
		"  turn                                    Trigger a turn",
		"  reset [clean]                           Reload every executable",
		"  time [set <RFC3339>|pause|resume]       Show or change the game time",
		"  again (g)                               Repeat the last command",
		"  help, quit",
		"",
		"Selectors: <actor> <target> | <actor> <x> <y> | player <id>",
	}
}

func (c *Console) cmdRules(query string) Reply {
	if c.Registry == nil {
		return failed("No registry available.")
	}
	exes, err := c.Registry.FindString(query)
	if err != nil {
		return failed("%v", err)
	}
	if len(exes) == 0 {
		return Reply{Lines: []string{"No executable."}}
	}
	lines := make([]string, 0, len(exes))
	for _, exe := range exes {
		lines = append(lines, describeExecutable(exe))
	}
	return Reply{Lines: lines}
}

func describeExecutable(exe types.Executable) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-8s", exe.ID, exe.Meta.Kind)
	switch exe.Meta.Kind {
	case types.ScriptRule:
		fmt.Fprintf(&b, " category=%s", exe.Meta.Category)
	case types.ScriptTurn:
		fmt.Fprintf(&b, " rank=%d", exe.Meta.Rank)
	}
	if exe.Meta.Kind != types.ScriptPlain && !exe.Meta.Active {
		b.WriteString(" (inactive)")
	}
	return strings.TrimRight(b.String(), " ")
}

// parseSelector reads a selector from the start of args and returns the
// remaining arguments.
func parseSelector(args []string) (types.Selector, []string, error) {
	if len(args) >= 2 && args[0] == "player" {
		return types.Selector{PlayerID: args[1]}, args[2:], nil
	}
	if len(args) < 2 {
		return types.Selector{}, nil, errors.New("expected <actor> <target>, <actor> <x> <y> or player <id>")
	}
	if len(args) >= 3 {
		x, errX := strconv.Atoi(args[1])
		y, errY := strconv.Atoi(args[2])
		if errX == nil && errY == nil {
			return types.Selector{ActorID: args[0], X: &x, Y: &y}, args[3:], nil
		}
	}
	return types.Selector{ActorID: args[0], TargetID: args[1]}, args[2:], nil
}

func (c *Console) cmdResolve(ctx context.Context, args []string) Reply {
	var restriction types.Restriction
	for len(args) > 0 {
		name, value, ok := strings.Cut(args[0], "=")
		if !ok {
			break
		}
		switch name {
		case "rule":
			restriction.RuleID = value
		case "category":
			restriction.Categories = strings.Split(value, ",")
		default:
			return failed("Unknown restriction %s.", name)
		}
		args = args[1:]
	}
	sel, rest, err := parseSelector(args)
	if err != nil {
		return failed("%v", err)
	}
	if len(rest) > 0 {
		return failed("Unexpected arguments: %s", strings.Join(rest, " "))
	}
	byRule, err := c.Backend.Resolve(ctx, restriction, sel, c.Email, true)
	if err != nil {
		return failed("%v", err)
	}
	if len(byRule) == 0 {
		return Reply{Lines: []string{"No rule applies."}}
	}
	ids := make([]string, 0, len(byRule))
	for id := range byRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var lines []string
	for _, id := range ids {
		for _, entry := range byRule[id] {
			lines = append(lines, fmt.Sprintf("%s (%s) on %v", id, entry.Category, entry.Target["id"]))
			for _, p := range entry.Params {
				lines = append(lines, "    "+describeParam(p))
			}
		}
	}
	return Reply{Lines: lines}
}

func describeParam(p types.Param) string {
	s := p.Name + ": " + p.Type
	if p.NumMin != nil || p.NumMax != nil {
		lo, hi := "1", "1"
		if p.NumMin != nil {
			lo = strconv.Itoa(*p.NumMin)
		}
		if p.NumMax != nil {
			hi = strconv.Itoa(*p.NumMax)
		}
		s += " [" + lo + ".." + hi + "]"
	}
	if p.Min != nil || p.Max != nil {
		s += fmt.Sprintf(" between %v and %v", p.Min, p.Max)
	}
	if len(p.Within) > 0 {
		s += fmt.Sprintf(" within %v", p.Within)
	}
	if p.Match != "" {
		s += " matching " + p.Match
	}
	return s
}

// parseParams reads name=value pairs. Values that are valid JSON are
// decoded, others are taken as strings.
func parseParams(args []string) (map[string]any, error) {
	params := map[string]any{}
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		if gjson.Valid(raw) {
			params[name] = gjson.Parse(raw).Value()
		} else {
			params[name] = raw
		}
	}
	return params, nil
}

func (c *Console) cmdExecute(ctx context.Context, args []string) Reply {
	if len(args) < 1 {
		return failed("Usage: execute <rule> <selector> [name=value ...]")
	}
	ruleID := args[0]
	sel, rest, err := parseSelector(args[1:])
	if err != nil {
		return failed("%v", err)
	}
	params, err := parseParams(rest)
	if err != nil {
		return failed("%v", err)
	}
	result, err := c.Backend.Execute(ctx, ruleID, sel, params, c.Email)
	if err != nil {
		return failed("%v", err)
	}
	if result == nil {
		return Reply{Lines: []string{fmt.Sprintf("%s executed.", ruleID)}}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Reply{Lines: []string{fmt.Sprintf("%s executed: %v", ruleID, result)}}
	}
	return Reply{Lines: []string{fmt.Sprintf("%s executed: %s", ruleID, raw)}}
}

func (c *Console) cmdTurn(ctx context.Context) Reply {
	ran, err := c.Backend.Trigger(ctx)
	if err != nil {
		return failed("%v", err)
	}
	if !ran {
		return Reply{Lines: []string{"A turn is already in progress."}}
	}
	return Reply{Lines: []string{"Turn done."}}
}

func (c *Console) cmdReset(ctx context.Context, args []string) Reply {
	if c.Registry == nil {
		return failed("No registry available.")
	}
	clean := len(args) > 0 && args[0] == "clean"
	err := c.Registry.ResetAll(ctx, clean)
	exes, _ := c.Registry.FindString("")
	lines := []string{fmt.Sprintf("%d executables loaded.", len(exes))}
	if err != nil {
		lines = append(lines, err.Error())
		return Reply{Lines: lines, Failed: true}
	}
	return Reply{Lines: lines}
}

func (c *Console) cmdTime(args []string) Reply {
	if c.Clock == nil {
		return failed("No clock available.")
	}
	if len(args) > 0 {
		switch args[0] {
		case "set":
			if len(args) < 2 {
				return failed("Usage: time set <RFC3339 time>")
			}
			t, err := time.Parse(time.RFC3339, args[1])
			if err != nil {
				return failed("Invalid time %s: %v", args[1], err)
			}
			c.Clock.Set(t)
		case "pause":
			c.Clock.Pause()
		case "resume":
			c.Clock.Resume()
		default:
			return failed("Usage: time [set <RFC3339 time>|pause|resume]")
		}
	}
	return Reply{Lines: []string{c.TimeLine()}}
}

// TimeLine describes the game time.
func (c *Console) TimeLine() string {
	if c.Clock == nil {
		return ""
	}
	line := "Game time: " + c.Clock.Now().Format(time.RFC3339)
	if c.Clock.Paused() {
		line += " (paused)"
	}
	return line
}

// FormatNotification renders a notification on one line.
func FormatNotification(n types.Notification) string {
	parts := []string{n.Scope, n.Name}
	for _, d := range n.Details {
		parts = append(parts, fmt.Sprint(d))
	}
	return strings.Join(parts, " ")
}
