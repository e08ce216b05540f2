package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents the class of a cluster error. Codes survive
// serialization, so a client can match errors returned by a remote master.
type ErrorCode string

const (
	// CodeNotReady indicates no eligible workers are registered.
	CodeNotReady ErrorCode = "NOT_READY"
	// CodeTaskTimeout indicates a submitted task exceeded its overall deadline.
	CodeTaskTimeout ErrorCode = "TASK_TIMEOUT"
	// CodeTaskCancelled indicates a submitted task was cancelled.
	CodeTaskCancelled ErrorCode = "TASK_CANCELLED"
	// CodeUnknownTaskType indicates no handler is registered for a task type.
	CodeUnknownTaskType ErrorCode = "UNKNOWN_TASK_TYPE"
	// CodeUnknownTask indicates the referenced task id is not in flight.
	CodeUnknownTask ErrorCode = "UNKNOWN_TASK"
	// CodeUnknownWorker indicates the referenced worker is not registered.
	CodeUnknownWorker ErrorCode = "UNKNOWN_WORKER"
	// CodeBusy indicates the master reached its concurrent execution limit.
	CodeBusy ErrorCode = "BUSY"
	// CodeSubTaskTimeout indicates a subtask exceeded its soft deadline.
	CodeSubTaskTimeout ErrorCode = "SUBTASK_TIMEOUT"
	// CodeInvalidTask indicates a malformed request or fork result.
	CodeInvalidTask ErrorCode = "INVALID_TASK"
	// CodeWorkerStopped indicates the worker is shutting down.
	CodeWorkerStopped ErrorCode = "WORKER_STOPPED"
)

// Error is the typed error exchanged between cluster nodes.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%s]", e.Code)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new typed error.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors for errors.Is comparisons.
var (
	ErrNotReady        = &Error{Code: CodeNotReady, Message: "no workers available"}
	ErrTaskTimeout     = &Error{Code: CodeTaskTimeout, Message: "task timed out"}
	ErrTaskCancelled   = &Error{Code: CodeTaskCancelled, Message: "task cancelled"}
	ErrUnknownTaskType = &Error{Code: CodeUnknownTaskType, Message: "unknown task type"}
	ErrUnknownTask     = &Error{Code: CodeUnknownTask, Message: "unknown task"}
	ErrUnknownWorker   = &Error{Code: CodeUnknownWorker, Message: "unknown worker"}
	ErrBusy            = &Error{Code: CodeBusy, Message: "too many concurrent executions"}
	ErrSubTaskTimeout  = &Error{Code: CodeSubTaskTimeout, Message: "subtask timed out"}
	ErrInvalidTask     = &Error{Code: CodeInvalidTask, Message: "invalid task"}
	ErrWorkerStopped   = &Error{Code: CodeWorkerStopped, Message: "worker stopped"}
)

// IsCode checks whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
