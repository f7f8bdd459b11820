package resources

import "testing"

func TestCPUAllocMap_AllocPrefersSingleNode(t *testing.T) {
	topology := map[int]int{0: 0, 1: 0, 2: 1, 3: 1}
	m := NewCPUAllocMap([]int{0, 1, 2, 3}, topology)

	node, set, err := m.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("len(set) = %d, want 2", len(set))
	}
	if set[0] < 0 || set[0] > 3 {
		t.Fatalf("unexpected cpu in set: %v", set)
	}
	if topology[set[0]] != node || topology[set[1]] != node {
		t.Fatalf("set %v spans nodes, want every cpu on node %d", set, node)
	}
}

func TestCPUAllocMap_UnderProvisioned(t *testing.T) {
	// Scenario 2: CPU mask {0,1}, request cpu_slot 4 -> allocated 2 (min).
	m := NewCPUAllocMap([]int{0, 1}, nil)
	_, set, err := m.Alloc(2) // orchestrator computes min(requested, available) before calling Alloc
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("len(set) = %d, want 2", len(set))
	}
	if _, _, err := m.Alloc(1); err == nil {
		t.Fatal("expected INSUFFICIENT_CPU once pool is exhausted")
	}
}

func TestCPUAllocMap_FreeIsIdempotent(t *testing.T) {
	m := NewCPUAllocMap([]int{0, 1, 2, 3}, nil)
	_, set, err := m.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	m.Free(set)
	m.Free(set) // idempotent: freeing twice must not panic or double-count
	if got := m.FreeCPUCount(); got != 4 {
		t.Errorf("FreeCPUCount() = %d, want 4", got)
	}
}

func TestCPUAllocMap_Disjointness(t *testing.T) {
	// P2: cpu_sets of distinct live kernels are pairwise disjoint.
	m := NewCPUAllocMap([]int{0, 1, 2, 3}, nil)
	_, a, err := m.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	_, b, err := m.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	seen := make(map[int]bool)
	for _, cpu := range append(a, b...) {
		if seen[cpu] {
			t.Fatalf("cpu %d allocated twice", cpu)
		}
		seen[cpu] = true
	}
}

func TestCPUAllocMap_Update(t *testing.T) {
	m := NewCPUAllocMap([]int{0, 1, 2, 3}, nil)
	m.Update([]int{0, 1})
	if got := m.FreeCPUCount(); got != 2 {
		t.Errorf("FreeCPUCount() = %d, want 2", got)
	}
	if _, _, err := m.Alloc(3); err == nil {
		t.Fatal("expected error: only 2 cpus free after Update reserved 2")
	}
}
