package resources

import (
	"fmt"
	"sort"
	"sync"
)

// Device is an accelerator device exposed by an accelerator plugin. Vendor
// driver specifics are out of scope (spec §1); the agent only needs to turn
// a fractional share into resource limits to pass to the container daemon.
type Device interface {
	ID() string
	// ShareToSpec converts a fractional share of this device into concrete
	// resource limits: a memory limit in bytes and a processor limit
	// expressed as a fraction of the device's compute capacity.
	ShareToSpec(share float64) (memoryLimit int64, processorLimit float64)
}

// AcceleratorAllocMap tracks free share (0..1) per device for one
// accelerator kind (e.g. "cuda", "rocm", "tpu").
type AcceleratorAllocMap struct {
	mu   sync.Mutex
	free map[string]float64 // device id -> free share
	ids  []string           // stable iteration order
}

// NewAcceleratorAllocMap builds an allocator over the given device ids, each
// starting fully free (share 1.0).
func NewAcceleratorAllocMap(deviceIDs []string) *AcceleratorAllocMap {
	m := &AcceleratorAllocMap{
		free: make(map[string]float64, len(deviceIDs)),
		ids:  append([]string(nil), deviceIDs...),
	}
	for _, id := range deviceIDs {
		m.free[id] = 1.0
	}
	return m
}

// Alloc reserves totalShare of aggregate device capacity by greedy packing:
// the device with the most free share absorbs as much of the request as it
// can hold before the allocator moves to the next device.
func (m *AcceleratorAllocMap) Alloc(totalShare float64) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if totalShare <= 0 {
		return nil, nil
	}

	totalFree := 0.0
	for _, f := range m.free {
		totalFree += f
	}
	if totalFree+1e-9 < totalShare {
		return nil, fmt.Errorf("insufficient accelerator share: requested %.4f, %.4f free", totalShare, totalFree)
	}

	ids := append([]string(nil), m.ids...)
	sort.Slice(ids, func(i, j int) bool {
		if m.free[ids[i]] != m.free[ids[j]] {
			return m.free[ids[i]] > m.free[ids[j]]
		}
		return ids[i] < ids[j]
	})

	remaining := totalShare
	result := make(map[string]float64)
	for _, id := range ids {
		if remaining <= 1e-9 {
			break
		}
		take := m.free[id]
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		m.free[id] -= take
		result[id] = take
		remaining -= take
	}
	return result, nil
}

// Free restores a previously allocated per-device share map.
func (m *AcceleratorAllocMap) Free(perDevice map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, share := range perDevice {
		if _, ok := m.free[id]; ok {
			m.free[id] += share
			if m.free[id] > 1.0 {
				m.free[id] = 1.0
			}
		}
	}
}

// FreeShare returns the total free share across all devices, used by tests
// asserting full release (P3).
func (m *AcceleratorAllocMap) FreeShare() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, f := range m.free {
		total += f
	}
	return total
}

// AcceleratorSet bundles one accelerator kind's device list with its
// allocator, mirroring the spec's {class, devices[], alloc_map} triple.
type AcceleratorSet struct {
	Class   string
	Devices []Device
	Alloc   *AcceleratorAllocMap
}

// NewAcceleratorSet builds a set from a list of devices already discovered
// by pkg/bootstrap's detectAccelerators.
func NewAcceleratorSet(class string, devices []Device) *AcceleratorSet {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID()
	}
	return &AcceleratorSet{
		Class:   class,
		Devices: devices,
		Alloc:   NewAcceleratorAllocMap(ids),
	}
}

// Device looks up a device by id within this set.
func (s *AcceleratorSet) Device(id string) (Device, bool) {
	for _, d := range s.Devices {
		if d.ID() == id {
			return d, true
		}
	}
	return nil, false
}
