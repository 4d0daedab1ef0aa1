package task

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the Store.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDependenciesUnmet = errors.New("dependencies not satisfied")
	ErrCheckpointGated   = errors.New("checkpoint gated by earlier phase")
)

// ParseError indicates the task file could not be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError aggregates every invariant violation found on load.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task file validation failed: %s", strings.Join(e.Problems, "; "))
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("task %s: transition %s -> %s not allowed", e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
