// Copyright 2025 James Ross
package jobqueue

import (
	"testing"

	"go.uber.org/zap"
)

func TestSubscriptionRegistryFansOutToMultipleObservers(t *testing.T) {
	reg := NewSubscriptionRegistry(zap.NewNop())

	var gotA, gotB int
	reg.Subscribe("job-1", Observer{OnProgress: func(percent int, message string) { gotA = percent }})
	reg.Subscribe("job-1", Observer{OnProgress: func(percent int, message string) { gotB = percent }})

	reg.PublishProgress("job-1", 42, "working")
	if gotA != 42 || gotB != 42 {
		t.Fatalf("expected both observers to receive progress, got %d and %d", gotA, gotB)
	}
}

func TestSubscriptionRegistryDropsObserversAfterTerminalEvent(t *testing.T) {
	reg := NewSubscriptionRegistry(zap.NewNop())

	calls := 0
	reg.Subscribe("job-1", Observer{OnCompleted: func(result any) { calls++ }})

	reg.PublishCompleted("job-1", "done")
	reg.PublishCompleted("job-1", "done-again")

	if calls != 1 {
		t.Fatalf("expected exactly one completion delivery, got %d", calls)
	}
}

func TestSubscriptionRegistryProgressIsNoopAfterTerminal(t *testing.T) {
	reg := NewSubscriptionRegistry(zap.NewNop())

	var progressCalls int
	reg.Subscribe("job-1", Observer{
		OnProgress:  func(percent int, message string) { progressCalls++ },
		OnCompleted: func(result any) {},
	})

	reg.PublishCompleted("job-1", "done")
	reg.PublishProgress("job-1", 99, "late update")

	if progressCalls != 0 {
		t.Fatalf("expected no progress delivery after terminal event, got %d calls", progressCalls)
	}
}

func TestSubscriptionRegistryUnsubscribeStopsDelivery(t *testing.T) {
	reg := NewSubscriptionRegistry(zap.NewNop())

	calls := 0
	unsubscribe := reg.Subscribe("job-1", Observer{OnProgress: func(percent int, message string) { calls++ }})
	unsubscribe()

	reg.PublishProgress("job-1", 1, "x")
	if calls != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", calls)
	}

	// Idempotent.
	unsubscribe()
}

func TestSubscriptionRegistrySubscribeAfterTerminalIsNoop(t *testing.T) {
	reg := NewSubscriptionRegistry(zap.NewNop())
	reg.PublishCancelled("job-1", "already done")

	calls := 0
	reg.Subscribe("job-1", Observer{OnCancelled: func(reason string) { calls++ }})
	reg.PublishCancelled("job-1", "again")

	if calls != 0 {
		t.Fatal("expected subscribing to an already-terminal job to receive nothing")
	}
}

func TestSubscriptionRegistryObserverPanicDoesNotAffectOthers(t *testing.T) {
	reg := NewSubscriptionRegistry(zap.NewNop())

	var secondCalled bool
	reg.Subscribe("job-1", Observer{OnProgress: func(percent int, message string) { panic("boom") }})
	reg.Subscribe("job-1", Observer{OnProgress: func(percent int, message string) { secondCalled = true }})

	reg.PublishProgress("job-1", 10, "x")
	if !secondCalled {
		t.Fatal("expected the second observer to still run after the first panicked")
	}
}
