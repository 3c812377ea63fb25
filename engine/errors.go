package engine

import (
	"errors"
	"fmt"
)

// ErrBadSelector is returned by Execute for selectors naming no single target.
var ErrBadSelector = errors.New("execute() must be called with player id or actor and target ids")

// ApplicabilityError reports a canExecute failure. It aborts the whole
// resolution it happened in.
type ApplicabilityError struct {
	RuleID string
	Err    error
}

func (e *ApplicabilityError) Error() string {
	return fmt.Sprintf("failed to resolve rule %s: %v", e.RuleID, e.Err)
}

func (e *ApplicabilityError) Unwrap() error { return e.Err }

// ExecutionError reports an execute failure. Nothing was committed.
type ExecutionError struct {
	RuleID   string
	ActorID  string
	TargetID string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("failed to execute rule %s of %s for %s: %v", e.RuleID, e.ActorID, e.TargetID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
