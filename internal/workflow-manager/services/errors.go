package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTemplate       = errors.New("invalid template")
	ErrInvalidDueDateRule    = errors.New("invalid due date rule")
	ErrTaskBlocked           = errors.New("task is blocked by incomplete predecessors")
	ErrAutomatorCycle        = errors.New("automator cascade limit exceeded")
	ErrUnknownRecurrenceRule = errors.New("unknown recurrence rule")
	ErrTemplateNotFound      = errors.New("template not found")
	ErrClientNotFound        = errors.New("client not found")
	ErrTaskNotFound          = errors.New("task not found")
	ErrUnknownStatus         = errors.New("unknown status")
	ErrStatusConflict        = errors.New("task status changed concurrently")
	ErrDependencyCycle       = errors.New("dependency would create a cycle")
	ErrConcurrentRun         = errors.New("template advanced by a concurrent scheduler run")
	ErrStartDateRequired     = errors.New("start_date is required")
	ErrWrongFirm             = errors.New("resource belongs to another firm")
)

// BlockedError names the predecessors that keep a task blocked.
type BlockedError struct {
	TaskID       uint
	Predecessors []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("task %d is blocked by: %s", e.TaskID, strings.Join(e.Predecessors, ", "))
}

func (e *BlockedError) Unwrap() error { return ErrTaskBlocked }

// CascadeError is returned when a status cascade fails part way. Applied holds the actions
// that were committed before the failure.
type CascadeError struct {
	Applied []AppliedAction
	Err     error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("cascade failed after %d applied actions: %v", len(e.Applied), e.Err)
}

func (e *CascadeError) Unwrap() error { return e.Err }
