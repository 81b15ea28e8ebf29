// Copyright 2025 James Ross
package jobqueue

import (
	"testing"
	"time"
)

func TestPriorityQueueOrdersByPriorityThenFIFO(t *testing.T) {
	pq := NewPriorityQueue()
	low := &Job{ID: "low"}
	highA := &Job{ID: "high-a"}
	highB := &Job{ID: "high-b"}

	if err := pq.Enqueue(low, 1); err != nil {
		t.Fatal(err)
	}
	if err := pq.Enqueue(highA, 5); err != nil {
		t.Fatal(err)
	}
	if err := pq.Enqueue(highB, 5); err != nil {
		t.Fatal(err)
	}

	if got := pq.Dequeue(); got.ID != "high-a" {
		t.Fatalf("expected high-a first, got %s", got.ID)
	}
	if got := pq.Dequeue(); got.ID != "high-b" {
		t.Fatalf("expected high-b second, got %s", got.ID)
	}
	if got := pq.Dequeue(); got.ID != "low" {
		t.Fatalf("expected low last, got %s", got.ID)
	}
	if got := pq.Dequeue(); got != nil {
		t.Fatalf("expected nil on empty queue, got %v", got)
	}
}

func TestPriorityQueueSkipsEntriesNotYetEligible(t *testing.T) {
	pq := NewPriorityQueue()
	delayed := &Job{ID: "delayed"}
	ready := &Job{ID: "ready"}

	if err := pq.EnqueueAt(delayed, 10, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := pq.Enqueue(ready, 1); err != nil {
		t.Fatal(err)
	}

	got := pq.Dequeue()
	if got == nil || got.ID != "ready" {
		t.Fatalf("expected ready job despite lower priority, got %v", got)
	}
	if pq.Size() != 1 {
		t.Fatalf("expected delayed entry to remain, size=%d", pq.Size())
	}
	if pq.Dequeue() != nil {
		t.Fatal("delayed entry should not be eligible yet")
	}
}

func TestPriorityQueueRemove(t *testing.T) {
	pq := NewPriorityQueue()
	job := &Job{ID: "a"}
	if err := pq.Enqueue(job, 1); err != nil {
		t.Fatal(err)
	}
	if !pq.Remove("a") {
		t.Fatal("expected Remove to report the job was present")
	}
	if pq.Remove("a") {
		t.Fatal("expected second Remove to report absence")
	}
	if !pq.IsEmpty() {
		t.Fatal("expected queue to be empty after removal")
	}
}

func TestPriorityQueueEnqueueAfterShutdownFails(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Shutdown()
	if err := pq.Enqueue(&Job{ID: "a"}, 1); err == nil {
		t.Fatal("expected enqueue after shutdown to fail")
	}
}
