package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrAgentAtCapacity = errors.New("agent is at capacity")
	ErrAgentInactive   = errors.New("agent is not active")
	ErrNotAuthorized   = errors.New("agent is not authorized for delegation")
	ErrChildLimit      = errors.New("agent child limit reached")
	ErrAlreadyQueued   = errors.New("task is already in an agent queue")
	// ErrNoEligibleAgent leaves the task queued for the next pass; it is not a failure.
	ErrNoEligibleAgent = errors.New("no eligible agent")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task %s: %s", e.Field, e.Reason)
}

type CycleError struct {
	TaskID       string
	DependencyID string
	Path         []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency %s -> %s would create a cycle", e.TaskID, e.DependencyID)
	}
	return fmt.Sprintf("dependency %s -> %s would create a cycle (%s)", e.TaskID, e.DependencyID, strings.Join(e.Path, " -> "))
}

// IllegalTransitionError carries the unchanged current state back to the caller.
type IllegalTransitionError struct {
	TaskID  string
	Current TaskStatus
	Event   Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("task %s: event %q not permitted from status %s", e.TaskID, e.Event, e.Current)
}

type ExecutionFailure struct {
	TaskID  string
	AgentID string
	Message string
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("task %s failed on agent %s: %s", e.TaskID, e.AgentID, e.Message)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsCycle(err error) bool {
	var c *CycleError
	return errors.As(err, &c)
}

func IsIllegalTransition(err error) bool {
	var e *IllegalTransitionError
	return errors.As(err, &e)
}
