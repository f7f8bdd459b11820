package orchestrator

import (
	"context"
	"testing"
)

func TestDestroyKernel_NotFoundIsIdempotent(t *testing.T) {
	o, _ := testOrchestrator(t, newFakeDaemon())
	stat, err := o.DestroyKernel(context.Background(), "missing", "user-requested")
	if err != nil {
		t.Fatalf("DestroyKernel on a missing kernel should not error, got: %v", err)
	}
	if stat != nil {
		t.Fatalf("expected no stat for a missing kernel, got %v", stat)
	}
}

func TestDestroyKernel_StopsTheContainer(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.labels["img"] = basicLabels()
	o, _ := testOrchestrator(t, daemon)

	created, err := o.CreateKernel(context.Background(), CreateKernelRequest{
		KernelID: "k1",
		ImageRef: "img",
		Limits:   Limits{CPUSlot: "1", MemSlot: "1"},
	})
	if err != nil {
		t.Fatalf("CreateKernel: %v", err)
	}

	if _, err := o.DestroyKernel(context.Background(), "k1", "user-requested"); err != nil {
		t.Fatalf("DestroyKernel: %v", err)
	}
	if len(daemon.stopCalls) != 1 || daemon.stopCalls[0] != created.ContainerID {
		t.Fatalf("expected daemon.Stop to be called with %s, got %v", created.ContainerID, daemon.stopCalls)
	}
}

// TestCleanKernel_FreesEverythingOutsideRestart covers the non-restart
// branch of clean_kernel: host ports, cpu shares, the registry entry and
// the container index entry must all be released.
func TestCleanKernel_FreesEverythingOutsideRestart(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.labels["img"] = basicLabels()
	o, _ := testOrchestrator(t, daemon)

	created, err := o.CreateKernel(context.Background(), CreateKernelRequest{
		KernelID: "k1",
		ImageRef: "img",
		Limits:   Limits{CPUSlot: "2", MemSlot: "1"},
	})
	if err != nil {
		t.Fatalf("CreateKernel: %v", err)
	}

	freeBefore := o.cpu.FreeCPUCount()
	portsBefore := o.ports.FreeCount()

	o.CleanKernel(context.Background(), "k1", created.ContainerID)

	if _, ok := o.registry.Get("k1"); ok {
		t.Fatal("expected the registry entry to be removed")
	}
	if got := o.cpu.FreeCPUCount(); got <= freeBefore {
		t.Fatalf("expected cpu shares to be freed: before=%d after=%d", freeBefore, got)
	}
	if got := o.ports.FreeCount(); got <= portsBefore {
		t.Fatalf("expected host ports to be freed: before=%d after=%d", portsBefore, got)
	}
	if _, ok := o.KernelIDForContainer(created.ContainerID); ok {
		t.Fatal("expected the container index entry to be dropped")
	}
}

func TestHandleContainerExit_CleansUpTheOwningKernel(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.labels["img"] = basicLabels()
	o, _ := testOrchestrator(t, daemon)

	created, err := o.CreateKernel(context.Background(), CreateKernelRequest{
		KernelID: "k1",
		ImageRef: "img",
		Limits:   Limits{CPUSlot: "1", MemSlot: "1"},
	})
	if err != nil {
		t.Fatalf("CreateKernel: %v", err)
	}

	o.HandleContainerExit(context.Background(), created.ContainerID, 1)

	if _, ok := o.registry.Get("k1"); ok {
		t.Fatal("expected the kernel record to be removed after its container died")
	}
}

func TestHandleContainerExit_UnknownContainerIsANoop(t *testing.T) {
	o, _ := testOrchestrator(t, newFakeDaemon())
	o.HandleContainerExit(context.Background(), "unknown-container", 1) // must not panic
}
