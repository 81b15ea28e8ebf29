// Copyright 2025 James Ross
package jobqueue

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error classifications the engine reports to
// callers. Stable codes, not a type hierarchy.
type Kind string

const (
	KindNotFound           Kind = "NOT_FOUND"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindHandlerFailure     Kind = "HANDLER_FAILURE"
	KindTimeout            Kind = "TIMEOUT_ERROR"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
	KindNoHandler          Kind = "NO_HANDLER_REGISTERED"
)

// Error is the structured error value returned from synchronous API calls.
// Code carries a handler- or engine-supplied stable string (e.g. "TIMEOUT",
// "NO_HANDLER", or a handler's own code); it is what ends up in a terminal
// Job's Error.Code field.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newErr(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Code: code}
}

// ErrorKind returns the Kind of err if it is (or wraps) a *Error, and ok=true.
func ErrorKind(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}

// JobError is the normalized {message, code} recorded on a failed Job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
