package engine

import (
	"errors"
	"fmt"

	"flowline/internal/domain"
)

var (
	// ErrSelfReference rejects a task listed as its own prerequisite.
	ErrSelfReference = errors.New("task cannot be its own prerequisite")
	// ErrCyclicDependency rejects an edge that would close a dependency cycle.
	ErrCyclicDependency = errors.New("prerequisite edge would create a cycle")
	// ErrAlreadyMember rejects a duplicate enrollment.
	ErrAlreadyMember = errors.New("principal is already enrolled")
	// ErrNotMember rejects removal of a principal that is not on the roster.
	ErrNotMember = errors.New("principal is not on the roster")
	// ErrProtectedPrincipal rejects removal of the workflow owner.
	ErrProtectedPrincipal = errors.New("workflow owner cannot be removed")
)

// InvalidParameterError reports a malformed input field.
type InvalidParameterError struct {
	Field  string
	Reason string
}

func (e InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a task state transition that is not the next
// step in the lifecycle.
type InvalidTransitionError struct {
	From domain.TaskState
	To   domain.TaskState
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition %s -> %s", e.From, e.To)
}
