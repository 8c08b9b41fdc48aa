package task

import (
	"errors"
	"fmt"
)

// Sentinel errors for the store contract. Structural errors abort the
// specific operation; they are never retried.
var (
	ErrNotFound               = errors.New("task not found")
	ErrDuplicateID            = errors.New("task id already exists")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
)

// TransitionError carries the rejected edge alongside ErrInvalidTransition.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: transition %s -> %s not allowed", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// DependencyError identifies which dependency blocked a transition to done.
type DependencyError struct {
	TaskID       string
	DependencyID string
	DepStatus    Status
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %s: dependency %s is %s, not done", e.TaskID, e.DependencyID, e.DepStatus)
}

func (e *DependencyError) Unwrap() error {
	return ErrDependencyNotSatisfied
}
