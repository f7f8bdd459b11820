package orchestrator

import (
	"context"
	"errors"
	"testing"
)

func TestCreateKernel_Succeeds(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.labels["img"] = basicLabels()
	o, _ := testOrchestrator(t, daemon)

	res, err := o.CreateKernel(context.Background(), CreateKernelRequest{
		KernelID: "k1",
		ImageRef: "img",
		Limits:   Limits{CPUSlot: "1", MemSlot: "1"},
	})
	if err != nil {
		t.Fatalf("CreateKernel: %v", err)
	}
	if res.ContainerID == "" {
		t.Fatal("expected a container id")
	}
	if res.ReplInPort == 0 || res.ReplOutPort == 0 {
		t.Fatal("expected repl ports to be assigned")
	}
	if _, ok := o.registry.Get("k1"); !ok {
		t.Fatal("expected kernel record in registry")
	}
	if kid, ok := o.KernelIDForContainer(res.ContainerID); !ok || kid != "k1" {
		t.Fatal("expected container index to resolve back to kernel id")
	}
}

// TestCreateKernel_RollsBackOnDaemonFailure exercises P4: when the daemon
// create call fails after CPU and ports have already been reserved, both
// must be returned to their pools and nothing left in the registry.
func TestCreateKernel_RollsBackOnDaemonFailure(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.labels["img"] = basicLabels()
	daemon.createErr = errors.New("daemon unreachable")
	o, _ := testOrchestrator(t, daemon)

	freeBefore := o.cpu.FreeCPUCount()
	portsBefore := o.ports.FreeCount()

	_, err := o.CreateKernel(context.Background(), CreateKernelRequest{
		KernelID: "k1",
		ImageRef: "img",
		Limits:   Limits{CPUSlot: "2", MemSlot: "1"},
	})
	if err == nil {
		t.Fatal("expected an error from the failing daemon")
	}

	if got := o.cpu.FreeCPUCount(); got != freeBefore {
		t.Fatalf("expected CPU allocation to roll back: before=%d after=%d", freeBefore, got)
	}
	if got := o.ports.FreeCount(); got != portsBefore {
		t.Fatalf("expected port allocation to roll back: before=%d after=%d", portsBefore, got)
	}
	if _, ok := o.registry.Get("k1"); ok {
		t.Fatal("expected no registry entry after a failed create")
	}
}

// TestCreateKernel_RollsBackOnStartFailure confirms the rollback reaches
// all the way through phase 6: a failing Start must still free CPU, ports,
// delete the just-created container, and drop the container index entry.
func TestCreateKernel_RollsBackOnStartFailure(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.labels["img"] = basicLabels()
	daemon.startErr = errors.New("start failed")
	o, _ := testOrchestrator(t, daemon)

	freeBefore := o.cpu.FreeCPUCount()

	_, err := o.CreateKernel(context.Background(), CreateKernelRequest{
		KernelID: "k1",
		ImageRef: "img",
		Limits:   Limits{CPUSlot: "1", MemSlot: "1"},
	})
	if err == nil {
		t.Fatal("expected an error from the failing start")
	}
	if got := o.cpu.FreeCPUCount(); got != freeBefore {
		t.Fatalf("expected CPU allocation to roll back after start failure: before=%d after=%d", freeBefore, got)
	}
	if len(daemon.deleteCalls) != 1 {
		t.Fatalf("expected the created container to be deleted on rollback, got %d deletes", len(daemon.deleteCalls))
	}
	if _, ok := o.KernelIDForContainer(daemon.deleteCalls[0]); ok {
		t.Fatal("expected the container index entry to be rolled back")
	}
}

func TestCreateKernel_PinnedCPUSetSkipsAllocator(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.labels["img"] = basicLabels()
	o, _ := testOrchestrator(t, daemon)

	_, err := o.CreateKernel(context.Background(), CreateKernelRequest{
		KernelID: "k1",
		ImageRef: "img",
		Limits:   Limits{CPUSlot: "2", MemSlot: "1"},
		CPUSet:   []int{2, 3},
	})
	if err != nil {
		t.Fatalf("CreateKernel: %v", err)
	}
	rec, _ := o.registry.Get("k1")
	if got := rec.ResourceSpec.CPUSet; len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected the pinned cpu set to be used verbatim, got %v", got)
	}
}

func TestCreateKernel_GitImageExposesLegacyPorts(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.labels["lablup/kernel-git"] = basicLabels()
	o, _ := testOrchestrator(t, daemon)

	res, err := o.CreateKernel(context.Background(), CreateKernelRequest{
		KernelID: "k1",
		ImageRef: "lablup/kernel-git",
		Limits:   Limits{CPUSlot: "1", MemSlot: "1"},
	})
	if err != nil {
		t.Fatalf("CreateKernel: %v", err)
	}
	if res.StdinPort == 0 || res.StdoutPort == 0 {
		t.Fatal("expected legacy stdin/stdout ports for a git-flavored image")
	}
}

func TestCreateKernel_ServicePortsRoundTrip(t *testing.T) {
	daemon := newFakeDaemon()
	labels := basicLabels()
	labels["ai.backend.service-ports"] = "jupyter:http:8080,ssh:tcp:2200"
	daemon.labels["img"] = labels
	o, _ := testOrchestrator(t, daemon)

	res, err := o.CreateKernel(context.Background(), CreateKernelRequest{
		KernelID: "k1",
		ImageRef: "img",
		Limits:   Limits{CPUSlot: "1", MemSlot: "1"},
	})
	if err != nil {
		t.Fatalf("CreateKernel: %v", err)
	}
	if len(res.ServicePorts) != 2 {
		t.Fatalf("expected 2 service ports, got %d", len(res.ServicePorts))
	}
	for _, sp := range res.ServicePorts {
		if sp.HostPort == 0 {
			t.Fatalf("expected service port %s to have a host port assigned", sp.Name)
		}
	}
	// Declared in jupyter,ssh order but stamped output is sorted by name.
	if res.ServicePorts[0].Name != "jupyter" || res.ServicePorts[1].Name != "ssh" {
		t.Fatalf("expected service ports sorted by name, got %+v", res.ServicePorts)
	}
}

// TestCreateKernel_DisjointCPUAllocation is P2 at the orchestrator level:
// two kernels created back to back must never share a host cpu index.
func TestCreateKernel_DisjointCPUAllocation(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.labels["img"] = basicLabels()
	o, _ := testOrchestrator(t, daemon)

	_, err := o.CreateKernel(context.Background(), CreateKernelRequest{KernelID: "k1", ImageRef: "img", Limits: Limits{CPUSlot: "2", MemSlot: "1"}})
	if err != nil {
		t.Fatalf("create k1: %v", err)
	}
	_, err = o.CreateKernel(context.Background(), CreateKernelRequest{KernelID: "k2", ImageRef: "img", Limits: Limits{CPUSlot: "2", MemSlot: "1"}})
	if err != nil {
		t.Fatalf("create k2: %v", err)
	}

	r1, _ := o.registry.Get("k1")
	r2, _ := o.registry.Get("k2")
	seen := map[int]bool{}
	for _, c := range r1.ResourceSpec.CPUSet {
		seen[c] = true
	}
	for _, c := range r2.ResourceSpec.CPUSet {
		if seen[c] {
			t.Fatalf("cpu %d allocated to both k1 and k2", c)
		}
	}
}
