package ipc

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/nathoo/mythcore/types"
)

// Worker modules.
const (
	ModuleExecutor  = "executor"
	ModuleScheduler = "scheduler"
)

// ChangeEvent relays a change record: args are operation, kind, changes,
// origin and link kinds.
func ChangeEvent(from string, rec types.ChangeRecord) (Message, error) {
	links := rec.Links
	if links == nil {
		links = map[string]types.Kind{}
	}
	return Event(EventChange, from, rec.Operation, rec.Kind, rec.Changes, rec.Origin, links)
}

// DecodeChange reads a change event. A missing origin defaults to the sender.
func DecodeChange(m Message) (types.ChangeRecord, error) {
	var rec types.ChangeRecord
	if err := m.Arg(0, &rec.Operation); err != nil {
		return rec, err
	}
	if err := m.Arg(1, &rec.Kind); err != nil {
		return rec, err
	}
	if err := m.Arg(2, &rec.Changes); err != nil {
		return rec, err
	}
	if len(m.Args) > 3 {
		if err := m.Arg(3, &rec.Origin); err != nil {
			return rec, err
		}
	}
	if len(m.Args) > 4 {
		if err := m.Arg(4, &rec.Links); err != nil {
			return rec, err
		}
	}
	if rec.Origin == "" {
		rec.Origin = m.From
	}
	switch rec.Operation {
	case types.OpCreation, types.OpUpdate, types.OpDeletion:
	default:
		return rec, fmt.Errorf("change: unknown operation %q", rec.Operation)
	}
	return rec, nil
}

// NotifyEvent relays a notification: args are scope, name, then details.
func NotifyEvent(from string, n types.Notification) (Message, error) {
	return Event(EventNotify, from, append([]any{n.Scope, n.Name}, n.Details...)...)
}

// DecodeNotify reads a notification event, stamped with its sender.
func DecodeNotify(m Message) (types.Notification, error) {
	n := types.Notification{Origin: m.From}
	if err := m.Arg(0, &n.Scope); err != nil {
		return n, err
	}
	if err := m.Arg(1, &n.Name); err != nil {
		return n, err
	}
	for i := 2; i < len(m.Args); i++ {
		var detail any
		if err := m.Arg(i, &detail); err != nil {
			return n, err
		}
		n.Details = append(n.Details, detail)
	}
	return n, nil
}

// ResetEvent signals a registry reset with the executable ids removed.
func ResetEvent(from string, removed []string) (Message, error) {
	if removed == nil {
		removed = []string{}
	}
	return Event(EventReset, from, removed)
}

// DecodeReset reads the removed ids of a reset event, if any.
func DecodeReset(m Message) ([]string, error) {
	if len(m.Args) == 0 {
		return nil, nil
	}
	var removed []string
	err := m.Arg(0, &removed)
	return removed, err
}

// LogEvent forwards one log line. Lines that are not JSON travel as
// strings.
func LogEvent(from string, line []byte) Message {
	if !json.Valid(line) {
		line, _ = json.Marshal(string(line))
	}
	return Message{Event: EventLog, From: from, Args: []json.RawMessage{line}}
}

// DecodeLog returns the forwarded log line.
func DecodeLog(m Message) []byte {
	if len(m.Args) == 0 {
		return nil
	}
	var text string
	if json.Unmarshal(m.Args[0], &text) == nil {
		return []byte(text)
	}
	return m.Args[0]
}
