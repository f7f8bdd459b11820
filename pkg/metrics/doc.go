/*
Package metrics provides Prometheus metrics collection and exposition for
the kernel agent.

The metrics package defines and registers every agent metric using the
Prometheus client library, and exposes them over HTTP for a Prometheus
server to scrape.

# Architecture

	┌─────────────────────────────────────────────────────┐
	│                    Agent Process                    │
	│                                                       │
	│  ┌──────────────┐   ┌──────────────┐  ┌───────────┐ │
	│  │   pkg/api     │   │ pkg/reaper   │  │ pkg/stats │ │
	│  │  RPC counters │   │ exit counter │  │  ingest   │ │
	│  │  + durations  │   │              │  │  counter  │ │
	│  └──────┬───────┘   └──────┬───────┘  └─────┬─────┘ │
	│         │                  │                 │       │
	│         └──────────┬───────┴─────────────────┘       │
	│                    ▼                                 │
	│           prometheus registry (this package)          │
	│                    ▲                                  │
	│         ┌──────────┴──────────┐                       │
	│         │   metrics.Collector  │  (polls gauges)      │
	│         └──────────┬──────────┘                       │
	│                    │                                  │
	│   registry / cpu / ports / accel / stats cache        │
	└────────────────────┬──────────────────────────────────┘
	                     ▼
	              GET /metrics (Handler)

Two kinds of metric are produced. Counters and histograms attached to a
specific event (an RPC call completing, a container exiting, a stats frame
arriving) are updated inline, at the point the event happens, by the
package that owns it. Gauges that only make sense as a snapshot of current
state (free CPU cores, free ports, kernel count) are polled on a timer by
Collector, mirroring the poll-based pattern of this package's predecessor
cluster-metrics collector but reading from the kernel registry and resource
allocators instead of a cluster manager.

# Kernel Metrics

agent_kernels_total:
  - Type: Gauge
  - Description: number of kernels currently tracked by the registry
  - Updated by: Collector, every 15s

agent_kernels_created_total:
  - Type: Counter
  - Description: kernels successfully created
  - Updated by: pkg/api, on create_kernel success

agent_kernels_failed_total{operation}:
  - Type: CounterVec
  - Description: kernel operations that returned an error, by operation
  - Updated by: pkg/api, on any RPC error

# RPC Metrics

agent_rpc_requests_total{method, status}:
  - Type: CounterVec
  - Description: RPC calls by method name and outcome ("ok"/"error")
  - Updated by: pkg/api's dispatcher, on every call

agent_rpc_request_duration_seconds{method}:
  - Type: HistogramVec
  - Description: RPC call latency by method
  - Updated by: pkg/api's dispatcher, via Timer

# Kernel Operation Durations

agent_kernel_create_duration_seconds, agent_kernel_destroy_duration_seconds,
agent_kernel_restart_duration_seconds, agent_kernel_execute_duration_seconds:
  - Type: Histogram
  - Description: wall time of one call to the corresponding orchestrator
    method, recorded by pkg/api alongside the RPC-level timing above so the
    orchestrator's own cost can be isolated from transport/codec overhead.

# Resource Utilization

agent_cpu_cores_free / agent_cpu_cores_total:
  - Type: Gauge
  - Description: free vs. total CPU cores in the agent's CPU mask

agent_ports_free / agent_ports_total:
  - Type: Gauge
  - Description: free vs. total host ports in the configured port range

agent_accelerator_share_free{class} / agent_accelerator_devices_total{class}:
  - Type: GaugeVec
  - Description: free fractional share and device count per accelerator
    class (e.g. "cuda")

All four are updated by Collector every 15s.

# Stats Fan-in Metrics

agent_stats_frames_ingested_total:
  - Type: Counter
  - Description: stats frames ingested from container sidecars
  - Updated by: no package; it is registered but never incremented, so it
    stays at zero (pkg/stats does not import pkg/metrics)

agent_stats_cache_size:
  - Type: Gauge
  - Description: kernels with a live (unexpired) stats cache entry
  - Updated by: Collector, every 15s

# Reaper Metrics

agent_reaper_events_total{outcome}:
  - Type: CounterVec
  - Description: container exit events observed, by outcome ("handled"
    when the container maps to a kernel, "unmatched" otherwise); events
    the reaper drops as duplicates are not counted
  - Updated by: pkg/orchestrator, in HandleContainerExit (the reaper's
    cleanup callback)

agent_idle_reaped_kernels_total:
  - Type: Counter
  - Description: kernels destroyed by the idle reaper for exceeding the
    configured idle timeout
  - Updated by: pkg/orchestrator's idle reaper loop

# Usage

	import "github.com/tlqaksqhr/backend.ai-agent/pkg/metrics"

	metrics.RPCRequestsTotal.WithLabelValues("execute", "ok").Add(1)

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.KernelCreateDuration)
	timer.ObserveDurationVec(metrics.RPCRequestDuration, "create_kernel")

Wiring a Collector once the orchestrator's resource maps exist:

	collector := metrics.NewCollector(registry, cpuAlloc, portPool, portLo, portHi, accelSets, statCache)
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())

# Useful Queries

  - Kernel count: agent_kernels_total
  - Create failure rate: rate(agent_kernels_failed_total{operation="create_kernel"}[5m])
  - RPC error rate: rate(agent_rpc_requests_total{status="error"}[1m])
  - p95 execute latency: histogram_quantile(0.95, agent_kernel_execute_duration_seconds_bucket)
  - CPU pressure: 1 - (agent_cpu_cores_free / agent_cpu_cores_total)
  - Port exhaustion risk: agent_ports_free < 10
  - Idle reaping rate: rate(agent_idle_reaped_kernels_total[1h])
*/
package metrics
