package reaper

import (
	"context"
	"testing"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/runtime"
)

func TestHandleDedupsConsecutiveIdenticalEvents(t *testing.T) {
	var calls []string
	r := &Reaper{cleanup: func(ctx context.Context, containerID string, exitStatus uint32) {
		calls = append(calls, containerID)
	}}

	evt := runtime.ContainerEvent{ContainerID: "c1", ExitStatus: 0}
	r.handle(context.Background(), evt)
	r.handle(context.Background(), evt) // consecutive duplicate, P7
	r.handle(context.Background(), runtime.ContainerEvent{ContainerID: "c2", ExitStatus: 0})

	if len(calls) != 2 {
		t.Fatalf("cleanup called %d times, want 2: %v", len(calls), calls)
	}
	if calls[0] != "c1" || calls[1] != "c2" {
		t.Errorf("calls = %v", calls)
	}
}

func TestHandleRepublishesAfterDifferentEventInBetween(t *testing.T) {
	var calls int
	r := &Reaper{cleanup: func(ctx context.Context, containerID string, exitStatus uint32) {
		calls++
	}}

	r.handle(context.Background(), runtime.ContainerEvent{ContainerID: "c1", ExitStatus: 0})
	r.handle(context.Background(), runtime.ContainerEvent{ContainerID: "c2", ExitStatus: 0})
	r.handle(context.Background(), runtime.ContainerEvent{ContainerID: "c1", ExitStatus: 0})

	if calls != 3 {
		t.Errorf("cleanup called %d times, want 3 (c1 reappears after an intervening c2)", calls)
	}
}
