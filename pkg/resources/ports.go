package resources

import (
	"fmt"
	"sort"
	"sync"
)

// PortPool is a set of free host ports drawn from a configured inclusive
// range. The orchestrator draws several ports at once per kernel (one per
// exposed container port) and must be able to return that whole group
// atomically if kernel creation fails partway through (P4, rollback
// atomicity).
type PortPool struct {
	mu   sync.Mutex
	free map[int]bool
	lo   int
	hi   int
}

// NewPortPool builds a pool covering the inclusive range [lo, hi], minus any
// ports pre-reserved (e.g. already bound by a reconciled kernel on
// bootstrap).
func NewPortPool(lo, hi int, reserved []int) *PortPool {
	p := &PortPool{free: make(map[int]bool), lo: lo, hi: hi}
	reservedSet := make(map[int]bool, len(reserved))
	for _, r := range reserved {
		reservedSet[r] = true
	}
	for port := lo; port <= hi; port++ {
		if !reservedSet[port] {
			p.free[port] = true
		}
	}
	return p
}

// Alloc draws one free port, the lowest available.
func (p *PortPool) Alloc() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocLocked()
}

func (p *PortPool) allocLocked() (int, error) {
	if len(p.free) == 0 {
		return 0, fmt.Errorf("insufficient ports: none free in range [%d, %d]", p.lo, p.hi)
	}
	ports := make([]int, 0, len(p.free))
	for port := range p.free {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	port := ports[0]
	delete(p.free, port)
	return port, nil
}

// AllocN draws n ports at once. On partial failure it returns every port it
// had already drawn to the pool before returning the error, so the caller
// never needs to track a partial group for rollback.
func (p *PortPool) AllocN(n int) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	drawn := make([]int, 0, n)
	for i := 0; i < n; i++ {
		port, err := p.allocLocked()
		if err != nil {
			for _, d := range drawn {
				p.free[d] = true
			}
			return nil, err
		}
		drawn = append(drawn, port)
	}
	return drawn, nil
}

// Free returns a group of ports to the pool. Ports outside the configured
// range are ignored (they were never drawn from here). Idempotent.
func (p *PortPool) Free(ports []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, port := range ports {
		if port < p.lo || port > p.hi {
			continue
		}
		p.free[port] = true
	}
}

// FreeCount returns the number of free ports, used by tests asserting
// port conservation (P1).
func (p *PortPool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
