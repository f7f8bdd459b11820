package metrics

import (
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/resources"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/stats"
)

// Collector periodically polls the agent's in-memory state (registry,
// resource allocators, stats cache) into the gauges above. Unlike the
// per-RPC counters and histograms, which are updated inline by the callers
// that own the event (pkg/api's dispatcher, pkg/reaper), these values only
// make sense as a point-in-time snapshot, so they're polled on a timer.
type Collector struct {
	registry  *kernel.Registry
	cpu       *resources.CPUAllocMap
	ports     *resources.PortPool
	portsLo   int
	portsHi   int
	accel     map[string]*resources.AcceleratorSet
	statCache *stats.Cache

	stopCh chan struct{}
}

// NewCollector builds a collector over the same resource maps and registry
// the orchestrator was constructed with (pkg/bootstrap owns all of these
// and wires one set into both).
func NewCollector(registry *kernel.Registry, cpu *resources.CPUAllocMap, ports *resources.PortPool, portsLo, portsHi int, accel map[string]*resources.AcceleratorSet, statCache *stats.Cache) *Collector {
	return &Collector{
		registry:  registry,
		cpu:       cpu,
		ports:     ports,
		portsLo:   portsLo,
		portsHi:   portsHi,
		accel:     accel,
		statCache: statCache,
		stopCh:    make(chan struct{}),
	}
}

// Start begins polling metrics every 15 seconds until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectKernelMetrics()
	c.collectCPUMetrics()
	c.collectPortMetrics()
	c.collectAcceleratorMetrics()
	c.collectStatsMetrics()
}

func (c *Collector) collectKernelMetrics() {
	KernelsTotal.Set(float64(c.registry.Len()))
}

func (c *Collector) collectCPUMetrics() {
	if c.cpu == nil {
		return
	}
	CPUCoresTotal.Set(float64(c.cpu.NumCores()))
	CPUCoresFree.Set(float64(c.cpu.FreeCPUCount()))
}

func (c *Collector) collectPortMetrics() {
	if c.ports == nil {
		return
	}
	PortsTotal.Set(float64(c.portsHi - c.portsLo + 1))
	PortsFree.Set(float64(c.ports.FreeCount()))
}

func (c *Collector) collectAcceleratorMetrics() {
	for class, set := range c.accel {
		AcceleratorDevicesTotal.WithLabelValues(class).Set(float64(len(set.Devices)))
		AcceleratorShareFree.WithLabelValues(class).Set(set.Alloc.FreeShare())
	}
}

func (c *Collector) collectStatsMetrics() {
	if c.statCache == nil {
		return
	}
	StatsCacheSize.Set(float64(c.statCache.Len()))
}
