package resources

import "testing"

func TestPortPool_CreateThenDestroy(t *testing.T) {
	// Scenario 1: port range [30000, 30005], draw 2, then free -> 6 free again.
	p := NewPortPool(30000, 30005, nil)
	if got := p.FreeCount(); got != 6 {
		t.Fatalf("FreeCount() = %d, want 6", got)
	}

	ports, err := p.AllocN(2)
	if err != nil {
		t.Fatalf("AllocN() error = %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("len(ports) = %d, want 2", len(ports))
	}
	if got := p.FreeCount(); got != 4 {
		t.Fatalf("FreeCount() = %d, want 4", got)
	}

	p.Free(ports)
	if got := p.FreeCount(); got != 6 {
		t.Fatalf("FreeCount() after Free = %d, want 6", got)
	}
}

func TestPortPool_AllocNRollsBackOnFailure(t *testing.T) {
	// P4: a failed draw must not leave port-pool holes.
	p := NewPortPool(30000, 30001, nil)
	if _, err := p.AllocN(3); err == nil {
		t.Fatal("expected error: only 2 ports available")
	}
	if got := p.FreeCount(); got != 2 {
		t.Errorf("FreeCount() after rollback = %d, want 2", got)
	}
}

func TestPortPool_ReservedPortsExcluded(t *testing.T) {
	p := NewPortPool(30000, 30002, []int{30001})
	if got := p.FreeCount(); got != 2 {
		t.Fatalf("FreeCount() = %d, want 2", got)
	}
}
