package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when removing an executable whose source does
	// not exist.
	ErrNotFound = errors.New("registry: executable does not exist")

	// ErrIDInUse is returned when a new executable takes the id of an entity.
	ErrIDInUse = errors.New("registry: id already used")

	// ErrInvalidID is returned for ids outside the allowed character set.
	ErrInvalidID = errors.New("registry: invalid id")
)

// Phase tells which loading step rejected a script.
type Phase string

const (
	PhaseSyntax  Phase = "syntax"
	PhaseRequire Phase = "require"
)

// CompileError reports a script that could not be compiled or loaded. The
// previous version of the executable, if any, stays registered.
type CompileError struct {
	ID    string
	Phase Phase
	Err   error
}

func (e *CompileError) Error() string {
	if e.Phase == PhaseRequire {
		return fmt.Sprintf("failed to require executable %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("error while compiling executable %s: %v", e.ID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }
