// Copyright 2025 James Ross

// Package sse implements the SSE Projection contract: given a job id, it
// subscribes to lifecycle events and forwards them verbatim as
// text/event-stream frames, synthesizing a terminal event when the job was
// already finished at subscription time.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/queueforge/queueforge/internal/jobqueue"
)

// frame is the wire shape written for every event, one JSON object per SSE
// "data:" line.
type frame struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Percent int    `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *jobqueue.JobError `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Service is the subset of *jobqueue.Service the projector depends on,
// letting callers project against a fake in tests.
type Service interface {
	Subscribe(jobID string, observer jobqueue.Observer) func()
	GetJob(ctx context.Context, id string, queueName string) (*jobqueue.Job, error)
}

// Project subscribes to jobID's lifecycle events on svc and writes each one
// to w as an SSE frame until a terminal event is observed, ctx is
// cancelled, or the job does not exist. If the job is already terminal at
// subscribe time, a single synthesized terminal frame is written instead of
// waiting on events that will never arrive (the registry drops a
// terminal job's subscribers, so nothing would otherwise be delivered).
func Project(ctx context.Context, svc Service, jobID string, w io.Writer) error {
	events := make(chan frame, 16)
	done := make(chan struct{})

	unsubscribe := svc.Subscribe(jobID, jobqueue.Observer{
		OnProgress: func(percent int, message string) {
			send(events, frame{Type: "progress", JobID: jobID, Percent: percent, Message: message})
		},
		OnCompleted: func(result any) {
			send(events, frame{Type: "completed", JobID: jobID, Result: result})
			closeOnce(done)
		},
		OnFailed: func(jobErr jobqueue.JobError) {
			send(events, frame{Type: "failed", JobID: jobID, Error: &jobErr})
			closeOnce(done)
		},
		OnCancelled: func(reason string) {
			send(events, frame{Type: "cancelled", JobID: jobID, Reason: reason})
			closeOnce(done)
		},
	})
	defer unsubscribe()

	job, err := svc.GetJob(ctx, jobID, "")
	if err != nil {
		return fmt.Errorf("sse: get job %s: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("sse: job %s not found", jobID)
	}
	if job.Status.Terminal() {
		return writeFrame(w, synthesize(job))
	}

	flusher, _ := w.(http.Flusher)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-events:
			if err := writeFrame(w, f); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			if f.Type == "completed" || f.Type == "failed" || f.Type == "cancelled" {
				return nil
			}
		case <-done:
			// A terminal callback fired and already wrote its frame via the
			// events branch above in the common case; this branch only
			// guards against the unsubscribe racing the final send.
			select {
			case f := <-events:
				if err := writeFrame(w, f); err != nil {
					return err
				}
			default:
			}
			return nil
		}
	}
}

func synthesize(job *jobqueue.Job) frame {
	switch job.Status {
	case jobqueue.StatusCompleted:
		return frame{Type: "completed", JobID: job.ID, Result: job.Result}
	case jobqueue.StatusFailed:
		return frame{Type: "failed", JobID: job.ID, Error: job.Error}
	case jobqueue.StatusCancelled:
		return frame{Type: "cancelled", JobID: job.ID, Reason: "already cancelled"}
	default:
		return frame{Type: "progress", JobID: job.ID, Percent: job.Progress, Message: job.ProgressMessage}
	}
}

func writeFrame(w io.Writer, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("sse: marshal frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, payload)
	return err
}

func send(ch chan<- frame, f frame) {
	select {
	case ch <- f:
	default:
		// Slow reader: the frame is dropped. A dropped progress frame is
		// lost, since progress is not coalesced upstream; a dropped
		// terminal frame is still recoverable since GetJob
		// reflects the same terminal state the caller can resynthesize.
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
