// Package resources implements the agent's in-memory allocation maps: the
// NUMA-aware CPU allocator, the per-device accelerator allocator, and the
// host port pool. All three are plain synchronized data structures with no
// external dependency.
package resources

import (
	"fmt"
	"sort"
	"sync"
)

// CPUAllocMap tracks which CPUs are free/taken, grouped by NUMA node, and
// hands out CPU sets on request with a same-node preference.
type CPUAllocMap struct {
	mu       sync.Mutex
	nodeOf   map[int]int         // cpu index -> numa node
	free     map[int]map[int]bool // numa node -> set of free cpu indices
	allCPUs  []int
}

// NewCPUAllocMap builds an allocator over the given CPU mask. topology maps
// each CPU index to its NUMA node; a nil or incomplete topology assigns
// unmapped CPUs to node 0, matching a single-node host.
func NewCPUAllocMap(mask []int, topology map[int]int) *CPUAllocMap {
	m := &CPUAllocMap{
		nodeOf:  make(map[int]int),
		free:    make(map[int]map[int]bool),
		allCPUs: append([]int(nil), mask...),
	}
	for _, cpu := range mask {
		node := 0
		if topology != nil {
			if n, ok := topology[cpu]; ok {
				node = n
			}
		}
		m.nodeOf[cpu] = node
		if m.free[node] == nil {
			m.free[node] = make(map[int]bool)
		}
		m.free[node][cpu] = true
	}
	return m
}

// NumCores returns the count of allocatable CPUs (free and taken).
func (m *CPUAllocMap) NumCores() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allCPUs)
}

// nodesByPreferenceLocked returns the node ids ordered by free CPU count,
// most free first, ties broken by lowest node id.
func (m *CPUAllocMap) nodesByPreferenceLocked() []int {
	nodes := make([]int, 0, len(m.free))
	for n := range m.free {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		fi, fj := len(m.free[nodes[i]]), len(m.free[nodes[j]])
		if fi != fj {
			return fi > fj
		}
		return nodes[i] < nodes[j]
	})
	return nodes
}

// Alloc reserves n CPUs, preferring a single NUMA node. If a single node has
// enough free CPUs, it is chosen by the node with the greatest number of
// free CPUs, tie-broken by lowest node id. Otherwise CPUs are drawn from as
// few nodes as possible, most-free-first, and the node contributing the
// most CPUs is reported as numa_node.
func (m *CPUAllocMap) Alloc(n int) (numaNode int, cpuSet []int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 {
		return 0, nil, nil
	}

	totalFree := 0
	for _, s := range m.free {
		totalFree += len(s)
	}
	if totalFree < n {
		return 0, nil, fmt.Errorf("insufficient cpu: requested %d, %d free", n, totalFree)
	}

	nodes := m.nodesByPreferenceLocked()

	// Prefer a single node that can satisfy the whole request.
	for _, node := range nodes {
		if len(m.free[node]) >= n {
			set := takeLocked(m.free[node], n)
			return node, set, nil
		}
	}

	// Fall back to spanning nodes, most-free-first.
	remaining := n
	bestNode := nodes[0]
	bestCount := 0
	var cpus []int
	for _, node := range nodes {
		if remaining == 0 {
			break
		}
		take := len(m.free[node])
		if take > remaining {
			take = remaining
		}
		taken := takeLocked(m.free[node], take)
		cpus = append(cpus, taken...)
		remaining -= take
		if take > bestCount {
			bestCount = take
			bestNode = node
		}
	}
	sort.Ints(cpus)
	return bestNode, cpus, nil
}

func takeLocked(set map[int]bool, n int) []int {
	cpus := make([]int, 0, len(set))
	for cpu := range set {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	cpus = cpus[:n]
	for _, cpu := range cpus {
		delete(set, cpu)
	}
	return cpus
}

// Free returns a previously allocated CPU set to the pool. Already-free
// indices are silently ignored, making Free idempotent.
func (m *CPUAllocMap) Free(cpuSet []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cpu := range cpuSet {
		node, ok := m.nodeOf[cpu]
		if !ok {
			continue
		}
		if m.free[node] == nil {
			m.free[node] = make(map[int]bool)
		}
		m.free[node][cpu] = true
	}
}

// Update marks a CPU set as taken without going through Alloc, used when
// reconciling a pre-existing container's cpuset on bootstrap.
func (m *CPUAllocMap) Update(cpuSet []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cpu := range cpuSet {
		node, ok := m.nodeOf[cpu]
		if !ok {
			continue
		}
		if m.free[node] != nil {
			delete(m.free[node], cpu)
		}
	}
}

// FreeCPUCount returns the total number of free CPUs across all nodes, used
// by tests asserting full release.
func (m *CPUAllocMap) FreeCPUCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, s := range m.free {
		total += len(s)
	}
	return total
}
