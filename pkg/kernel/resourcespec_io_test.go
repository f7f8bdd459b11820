package kernel

import "testing"

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	// P5: resource_spec must be bit-identical (for our purposes,
	// field-identical) across a restart's re-read of the on-disk spec.
	spec := &ResourceSpec{
		Shares:          map[string]float64{ShareCPU: 2, ShareMem: 1, ShareGPU: 0, ShareTPU: 0},
		AcceleratorDevs: map[string]map[string]float64{"cuda": {"gpu0": 0.5}},
		Mounts: []Mount{
			{HostPath: "/vfolders/u/home", KernelPath: "/home/work/home", Permission: MountRW},
		},
		NUMANode:        0,
		CPUSet:          []int{0, 1},
		MemoryLimit:     1 << 30,
		ScratchDiskSize: 0,
	}

	data := Serialize(spec)
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}

	if got.MemoryLimit != spec.MemoryLimit {
		t.Errorf("MemoryLimit = %d, want %d", got.MemoryLimit, spec.MemoryLimit)
	}
	if len(got.CPUSet) != 2 || got.CPUSet[0] != 0 || got.CPUSet[1] != 1 {
		t.Errorf("CPUSet = %v, want [0 1]", got.CPUSet)
	}
	if got.Shares[ShareCPU] != 2 {
		t.Errorf("Shares[_cpu] = %v, want 2", got.Shares[ShareCPU])
	}
	if got.AcceleratorDevs["cuda"]["gpu0"] != 0.5 {
		t.Errorf("AcceleratorDevs[cuda][gpu0] = %v, want 0.5", got.AcceleratorDevs["cuda"]["gpu0"])
	}
	if len(got.Mounts) != 1 || got.Mounts[0].KernelPath != "/home/work/home" {
		t.Errorf("Mounts = %v", got.Mounts)
	}
}

func TestDeserializeIgnoresUnknownLines(t *testing.T) {
	data := "CPU_SET=0,1\nNUMA_NODE=0\nMEMORY_LIMIT=1073741824\nSCRATCH_DISK_SIZE=0\n" +
		"CUDA_MEMORY_LIMITS=gpu0:4294967296\nCUDA_PROCESSOR_LIMITS=gpu0:0.5\n"
	spec, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if spec.MemoryLimit != 1073741824 {
		t.Errorf("MemoryLimit = %d", spec.MemoryLimit)
	}
}
