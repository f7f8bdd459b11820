package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Kernel population metrics
	KernelsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_kernels_total",
			Help: "Total number of kernels currently tracked by the registry",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_rpc_requests_total",
			Help: "Total number of agent RPC calls by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_rpc_request_duration_seconds",
			Help:    "Agent RPC call duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Kernel lifecycle operation metrics
	KernelCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_kernel_create_duration_seconds",
			Help:    "Time taken to create a kernel in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	KernelDestroyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_kernel_destroy_duration_seconds",
			Help:    "Time taken to destroy a kernel in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	KernelRestartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_kernel_restart_duration_seconds",
			Help:    "Time taken to restart a kernel in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	KernelExecuteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_kernel_execute_duration_seconds",
			Help:    "Time taken to service one execute call in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	KernelsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_kernels_created_total",
			Help: "Total number of kernels successfully created",
		},
	)

	KernelsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_kernels_failed_total",
			Help: "Total number of kernel operations that failed, by operation",
		},
		[]string{"operation"},
	)

	// Resource utilization gauges, polled by Collector
	CPUCoresFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_cpu_cores_free",
			Help: "Number of CPU cores currently unallocated",
		},
	)

	CPUCoresTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_cpu_cores_total",
			Help: "Total number of CPU cores available to the agent",
		},
	)

	PortsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_ports_free",
			Help: "Number of host ports currently unallocated",
		},
	)

	PortsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_ports_total",
			Help: "Total number of host ports in the configured range",
		},
	)

	AcceleratorShareFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_accelerator_share_free",
			Help: "Free accelerator share (0..devices) by accelerator class",
		},
		[]string{"class"},
	)

	AcceleratorDevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_accelerator_devices_total",
			Help: "Total accelerator device count by accelerator class",
		},
		[]string{"class"},
	)

	// Stats fan-in metrics
	StatsFramesIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_stats_frames_ingested_total",
			Help: "Total number of stats frames ingested from container sidecars",
		},
	)

	StatsCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_stats_cache_size",
			Help: "Number of kernels with a live entry in the stats cache",
		},
	)

	// Event reaper metrics
	ReaperEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_reaper_events_total",
			Help: "Total number of container exit events observed by the reaper",
		},
		[]string{"outcome"},
	)

	// Idle reaper metrics
	IdleReapedKernelsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_idle_reaped_kernels_total",
			Help: "Total number of kernels destroyed for exceeding the idle timeout",
		},
	)
)

func init() {
	prometheus.MustRegister(KernelsTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)

	prometheus.MustRegister(KernelCreateDuration)
	prometheus.MustRegister(KernelDestroyDuration)
	prometheus.MustRegister(KernelRestartDuration)
	prometheus.MustRegister(KernelExecuteDuration)
	prometheus.MustRegister(KernelsCreatedTotal)
	prometheus.MustRegister(KernelsFailedTotal)

	prometheus.MustRegister(CPUCoresFree)
	prometheus.MustRegister(CPUCoresTotal)
	prometheus.MustRegister(PortsFree)
	prometheus.MustRegister(PortsTotal)
	prometheus.MustRegister(AcceleratorShareFree)
	prometheus.MustRegister(AcceleratorDevicesTotal)

	prometheus.MustRegister(StatsFramesIngestedTotal)
	prometheus.MustRegister(StatsCacheSize)
	prometheus.MustRegister(ReaperEventsTotal)
	prometheus.MustRegister(IdleReapedKernelsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
