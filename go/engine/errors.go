package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/store"
)

// Code identifies a class of failure on the wire. Codes are part of
// the HTTP contract; clients switch on them.
type Code string

const (
	// NotFound: the referenced project, task, or dependency does not
	// exist.
	NotFound Code = "not_found"

	// CycleDetected: the proposed dependency would close a cycle.
	CycleDetected Code = "cycle_detected"

	// DuplicateDependency: the edge already exists.
	DuplicateDependency Code = "duplicate_dependency"

	// SelfDependency: a task may not depend on itself.
	SelfDependency Code = "self_dependency"

	// CrossProjectDependency: the two tasks live in different projects.
	CrossProjectDependency Code = "cross_project_dependency"

	// ValidationError: a request field failed validation.
	ValidationError Code = "validation_error"

	// RecalcError: a recalculation job could not complete.
	RecalcError Code = "recalc_error"

	// InternalError: anything else.
	InternalError Code = "internal_error"
)

// Error is the error type every Engine method returns. It carries the
// wire code, a human-readable message, and optional structured
// details.
type Error struct {
	Code    Code                   `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError returns an *Error with the given code and formatted
// message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails attaches structured details and returns the receiver.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// AsError classifies an arbitrary error into an *Error. Typed errors
// pass through and store sentinels map to their codes. Anything else
// is logged here and becomes internal_error; the original text never
// reaches the wire.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if store.IsNotFound(err) {
		return NewError(NotFound, "object not found")
	}
	if store.IsAlreadyExists(err) {
		return NewError(DuplicateDependency, "object already exists")
	}
	cclog.Errorf("Internal error: %s", err)
	return NewError(InternalError, "internal error")
}

func errProjectNotFound(id string) *Error {
	return NewError(NotFound, "project %s not found", id).WithDetails(map[string]interface{}{
		"projectId": id,
	})
}

func errTaskNotFound(id string) *Error {
	return NewError(NotFound, "task %s not found", id).WithDetails(map[string]interface{}{
		"taskId": id,
	})
}

func errDependencyNotFound(predecessorID, successorID string) *Error {
	return NewError(NotFound, "dependency %s -> %s not found", predecessorID, successorID).WithDetails(map[string]interface{}{
		"predecessorId": predecessorID,
		"successorId":   successorID,
	})
}

func errValidation(field, format string, args ...interface{}) *Error {
	return NewError(ValidationError, format, args...).WithDetails(map[string]interface{}{
		"field": field,
	})
}
