package bootstrap

import (
	"fmt"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/resources"
)

// cudaMemoryLimit is the assumed per-device memory size used to translate
// a fractional share into a byte limit. There is no accelerator-plugin
// package in this tree to query an actual device (spec §1 keeps vendor
// driver specifics out of scope); a fixed figure lets --gpu-mask exercise
// the same resources.Device contract a real plugin would implement.
const cudaMemoryLimit = 16 << 30 // 16GiB, a P100/V100-class card

// maskDevice is a resources.Device backed by nothing but a device id drawn
// from --gpu-mask. It stands in for the accelerator-plugin discovery the
// spec defers to vendor code: good enough to exercise AcceleratorAllocMap
// and the resource-spec ACCEL_/MEMORY_LIMITS/PROCESSOR_LIMITS wire format
// end to end without a real CUDA/ROCm dependency in the tree.
type maskDevice struct {
	id string
}

func (d maskDevice) ID() string { return d.id }

func (d maskDevice) ShareToSpec(share float64) (memoryLimit int64, processorLimit float64) {
	return int64(float64(cudaMemoryLimit) * share), share
}

// detectAccelerators builds the "cuda" accelerator set from cfg.GPUMask, or
// an empty map if no GPU ids were configured (spec §4.12, "detect
// accelerator plugins").
func detectAccelerators(gpuMask []string) map[string]*resources.AcceleratorSet {
	if len(gpuMask) == 0 {
		return map[string]*resources.AcceleratorSet{}
	}
	devices := make([]resources.Device, 0, len(gpuMask))
	for i, id := range gpuMask {
		if id == "" {
			id = fmt.Sprintf("gpu%d", i)
		}
		devices = append(devices, maskDevice{id: id})
	}
	return map[string]*resources.AcceleratorSet{
		"cuda": resources.NewAcceleratorSet("cuda", devices),
	}
}
