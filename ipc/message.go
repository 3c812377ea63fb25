// Package ipc defines the messages exchanged between the master process and
// its workers, and the channels that carry them.
package ipc

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Methods a worker serves.
const (
	MethodResolve = "resolve"
	MethodExecute = "execute"
	MethodTrigger = "trigger"
)

// Events relayed in both directions.
const (
	EventChange = "change"
	EventNotify = "notify"
	EventLog    = "log"
	EventReset  = "executableReset"
)

// NotReady is the error a worker answers while it loads its executables.
// Callers retry instead of failing.
const NotReady = "worker not ready"

// Message is either a request (Method and ID set, Args), a response (Method
// and ID set, Results) or an event (Event set, Args). Only Results[0]
// carries error state: a JSON string, or null on success.
type Message struct {
	Method  string            `json:"method,omitempty"`
	ID      string            `json:"id,omitempty"`
	Event   string            `json:"event,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Results []json.RawMessage `json:"results,omitempty"`
	From    string            `json:"from,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// IsRequest reports whether m asks for a response.
func (m Message) IsRequest() bool { return m.Method != "" && m.Results == nil }

// IsResponse reports whether m answers a request.
func (m Message) IsResponse() bool { return m.Method != "" && m.Results != nil }

// Encode marshals each value into a raw argument.
func Encode(values ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

// Request builds a request message.
func Request(method, id string, args ...any) (Message, error) {
	raw, err := Encode(args...)
	if err != nil {
		return Message{}, err
	}
	return Message{Method: method, ID: id, Args: raw}, nil
}

// Event builds an event message.
func Event(event, from string, args ...any) (Message, error) {
	raw, err := Encode(args...)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, From: from, Args: raw}, nil
}

// Respond builds the response to req. A nil err is encoded as null.
func Respond(req Message, err error, results ...any) (Message, error) {
	var first any
	if err != nil {
		first = err.Error()
	}
	raw, encErr := Encode(append([]any{first}, results...)...)
	if encErr != nil {
		return Message{}, encErr
	}
	return Message{Method: req.Method, ID: req.ID, Results: raw}, nil
}

// Err returns the error carried by a response, or nil.
func (m Message) Err() error {
	if len(m.Results) == 0 {
		return errors.New("empty response")
	}
	var msg *string
	if err := json.Unmarshal(m.Results[0], &msg); err != nil {
		return fmt.Errorf("malformed response error: %w", err)
	}
	if msg == nil {
		return nil
	}
	return &RemoteError{Message: *msg}
}

// NotReady reports whether a response is the not-ready sentinel.
func (m Message) NotReady() bool {
	var re *RemoteError
	return errors.As(m.Err(), &re) && re.Message == NotReady
}

// Arg decodes the i-th argument into v.
func (m Message) Arg(i int, v any) error {
	if i >= len(m.Args) {
		return fmt.Errorf("%s: missing argument %d", m.name(), i)
	}
	if err := json.Unmarshal(m.Args[i], v); err != nil {
		return fmt.Errorf("%s: argument %d: %w", m.name(), i, err)
	}
	return nil
}

// Result decodes the i-th return value (after the error slot) into v.
func (m Message) Result(i int, v any) error {
	if i+1 >= len(m.Results) {
		return fmt.Errorf("%s: missing result %d", m.name(), i)
	}
	if err := json.Unmarshal(m.Results[i+1], v); err != nil {
		return fmt.Errorf("%s: result %d: %w", m.name(), i, err)
	}
	return nil
}

func (m Message) name() string {
	if m.Method != "" {
		return m.Method
	}
	return m.Event
}

// RemoteError is an error string received from another process.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
