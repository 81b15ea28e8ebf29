// Copyright 2025 James Ross
package jobqueue

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusQueued:    false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestNewJobAppliesQueueDefaults(t *testing.T) {
	defaults := QueueConfig{Concurrency: 5, DefaultTimeout: 30 * time.Second, DefaultMaxRetries: 3}
	job := NewJob("default", "email", map[string]any{"to": "a@b.com"}, defaults, SubmitOptions{})

	if job.ID == "" {
		t.Fatal("expected a generated id")
	}
	if job.Status != StatusQueued {
		t.Fatalf("expected new job to start queued, got %s", job.Status)
	}
	if job.Timeout != defaults.DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", job.Timeout)
	}
	if job.MaxRetries != defaults.DefaultMaxRetries {
		t.Fatalf("expected default max retries, got %d", job.MaxRetries)
	}
}

func TestNewJobExplicitZeroMaxRetriesOverridesDefault(t *testing.T) {
	defaults := QueueConfig{Concurrency: 5, DefaultTimeout: 30 * time.Second, DefaultMaxRetries: 3}
	zero := 0
	job := NewJob("default", "email", nil, defaults, SubmitOptions{MaxRetries: &zero})
	if job.MaxRetries != 0 {
		t.Fatalf("expected explicit 0 max retries to stick, got %d", job.MaxRetries)
	}
}

func TestJobCloneDeepCopiesMutableFields(t *testing.T) {
	started := time.Now()
	original := &Job{
		ID:        "a",
		StartedAt: &started,
		Error:     &JobError{Message: "boom", Code: "X"},
		Metadata:  map[string]any{"k": "v"},
	}
	clone := original.Clone()

	clone.Metadata["k"] = "changed"
	if original.Metadata["k"] != "v" {
		t.Fatal("expected clone's metadata mutation not to affect original")
	}

	*clone.StartedAt = started.Add(time.Hour)
	if original.StartedAt.Equal(*clone.StartedAt) {
		t.Fatal("expected clone's StartedAt to be an independent pointer")
	}

	clone.Error.Message = "changed"
	if original.Error.Message != "boom" {
		t.Fatal("expected clone's Error to be an independent pointer")
	}
}
