// Copyright 2025 James Ross
package jobqueue

import "context"

// HandlerContext is the capability a handler receives for a single attempt:
// the job's opaque data, its id, a progress reporter, and a
// cancellation signal shared between explicit CancelJob calls and the
// worker's own timeout enforcement.
type HandlerContext struct {
	Context context.Context
	JobID   string
	Data    any
	Cancel  *CancelSignal

	progress func(percent int, message string)
}

// Progress reports a clamped-to-[0,100], monotonic-within-attempt progress
// update. Each call is written to storage synchronously and then published
// to subscribers; calls are not coalesced, so every call costs one storage
// write.
func (h *HandlerContext) Progress(percent int, message string) {
	if h.progress != nil {
		h.progress(percent, message)
	}
}

// Handler executes one attempt of a job. It returns a result on success, or
// an error. A HandlerError may be returned to supply a stable error code
// that survives into the job's terminal Error.Code field.
type Handler func(hctx *HandlerContext) (any, error)

// HandlerError lets a handler attach a stable code to a failure, preserved
// verbatim in the job's terminal error record instead of being normalized
// to EXECUTION_ERROR.
type HandlerError struct {
	Message string
	Code    string
}

func (e *HandlerError) Error() string { return e.Message }
