package bootstrap

import (
	"testing"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
)

func TestDetectAccelerators_Empty(t *testing.T) {
	accel := detectAccelerators(nil)
	if len(accel) != 0 {
		t.Fatalf("detectAccelerators(nil) = %v, want empty map", accel)
	}
}

func TestDetectAccelerators_BuildsCudaSet(t *testing.T) {
	accel := detectAccelerators([]string{"gpu0", "gpu1"})
	set, ok := accel["cuda"]
	if !ok {
		t.Fatal("expected a \"cuda\" accelerator set")
	}
	if len(set.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(set.Devices))
	}
	dev, ok := set.Device("gpu0")
	if !ok {
		t.Fatal("expected device gpu0 to be registered")
	}
	mem, proc := dev.ShareToSpec(0.5)
	if proc != 0.5 {
		t.Errorf("ShareToSpec processor limit = %v, want 0.5", proc)
	}
	if mem <= 0 {
		t.Errorf("ShareToSpec memory limit = %d, want > 0", mem)
	}
}

func TestReconcileAccelerators_ReReservesShare(t *testing.T) {
	accel := detectAccelerators([]string{"gpu0"})
	spec := &kernel.ResourceSpec{
		AcceleratorDevs: map[string]map[string]float64{
			"cuda": {"gpu0": 0.75},
		},
	}

	reconcileAccelerators(accel, spec)

	if got := accel["cuda"].Alloc.FreeShare(); got > 0.25+1e-9 {
		t.Errorf("FreeShare() = %v, want <= 0.25", got)
	}
}

func TestReconcileAccelerators_NilSpecIsNoop(t *testing.T) {
	accel := detectAccelerators([]string{"gpu0"})
	reconcileAccelerators(accel, nil)
	if got := accel["cuda"].Alloc.FreeShare(); got != 1.0 {
		t.Errorf("FreeShare() = %v, want 1.0 (untouched)", got)
	}
}
