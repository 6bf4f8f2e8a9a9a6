// Package task tracks long-running operations started by request handlers.
//
// A task moves Created -> Running -> Completed | Failed | Cancelled. The
// terminal states absorb: a second terminal transition is an error and the
// stored outcome is kept. Cancellation is advisory: Cancel sets a flag and
// cancels the task's context, and the work confirms it by returning.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s absorbs all further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is a snapshot of one task.
type Task struct {
	ID              string
	Owner           string
	Status          Status
	Progress        float64
	Total           *float64
	Message         string
	Result          any
	Err             error
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Info converts the snapshot to its wire form.
func (t Task) Info() protocol.TaskInfo {
	info := protocol.TaskInfo{
		ID:        t.ID,
		Status:    string(t.Status),
		Progress:  t.Progress,
		Total:     t.Total,
		Message:   t.Message,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.Result != nil {
		if raw, err := json.Marshal(t.Result); err == nil {
			info.Result = raw
		} else {
			info.Error = protocol.InternalError(fmt.Errorf("unencodable task result: %w", err))
		}
	}
	if t.Err != nil {
		info.Error = protocol.AsErrorPayload(t.Err)
	}
	return info
}

// ErrorKind classifies task errors.
type ErrorKind int

const (
	// KindNotFound means no task has the given id.
	KindNotFound ErrorKind = iota + 1
	// KindInvalidTransition means the operation is not allowed in the task's state.
	KindInvalidTransition
	// KindTerminal means the task already reached a terminal state.
	KindTerminal
)

// Error is returned by Manager operations that cannot be applied.
type Error struct {
	Op     string
	ID     string
	Kind   ErrorKind
	Status Status
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("task %s: %s: not found", e.Op, e.ID)
	case KindTerminal:
		return fmt.Sprintf("task %s: %s: already %s", e.Op, e.ID, e.Status)
	}
	return fmt.Sprintf("task %s: %s: not allowed while %s", e.Op, e.ID, e.Status)
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.ID == ""
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrTerminal          = &Error{Kind: KindTerminal}
)

// IsTaskError reports whether err came from the task manager.
func IsTaskError(err error) bool {
	var terr *Error
	return errors.As(err, &terr)
}
