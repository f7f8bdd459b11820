// Package kernel defines the agent's core data model: the kernel record,
// its resource spec, the restart coordination state machine, and the
// thread-safe registry mapping kernel-id to record.
package kernel

import (
	"sync"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/imagemeta"
)

// MountPermission is the access mode of a bind mount into a kernel.
type MountPermission string

const (
	MountRO MountPermission = "RO"
	MountRW MountPermission = "RW"
)

// Mount is one host-path to kernel-path bind mount.
type Mount struct {
	HostPath   string
	KernelPath string
	Permission MountPermission
}

// Reserved share kinds. All other share kinds are accelerator-plugin
// defined (one nested device-id -> share map per kind).
const (
	ShareCPU = "_cpu"
	ShareMem = "_mem"
	ShareGPU = "_gpu"
	ShareTPU = "_tpu"
)

// ResourceSpec is persisted verbatim to
// <scratch>/<kernel>/config/resource.txt and re-read on restart without
// re-allocating CPU or accelerator shares.
type ResourceSpec struct {
	// Shares holds the reserved kinds (_cpu, _mem, _gpu, _tpu) as flat
	// fractional amounts, and any accelerator kind as a nested
	// device-id -> fractional-share map.
	Shares          map[string]float64
	AcceleratorDevs map[string]map[string]float64

	Mounts          []Mount
	NUMANode        int
	CPUSet          []int
	MemoryLimit     int64
	ScratchDiskSize int64 // reserved, currently always 0
}

// Clone returns a deep copy, used so restart can compare the pre- and
// post-restart spec without aliasing (P5, restart identity).
func (r *ResourceSpec) Clone() *ResourceSpec {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Shares = make(map[string]float64, len(r.Shares))
	for k, v := range r.Shares {
		clone.Shares[k] = v
	}
	clone.AcceleratorDevs = make(map[string]map[string]float64, len(r.AcceleratorDevs))
	for kind, devs := range r.AcceleratorDevs {
		m := make(map[string]float64, len(devs))
		for d, s := range devs {
			m[d] = s
		}
		clone.AcceleratorDevs[kind] = m
	}
	clone.Mounts = append([]Mount(nil), r.Mounts...)
	clone.CPUSet = append([]int(nil), r.CPUSet...)
	return &clone
}

// Record is the registry value for one live kernel.
type Record struct {
	mu sync.Mutex

	ID            string
	Image         imagemeta.ImageRef
	ImageVersion  int
	ContainerID   string
	KernelHost    string

	ReplInPort  int // host port bound to intrinsic container port 2000
	ReplOutPort int // host port bound to intrinsic container port 2001
	StdinPort   int // host port bound to legacy container port 2002, 0 when absent
	StdoutPort  int // host port bound to legacy container port 2003, 0 when absent

	ServicePorts []imagemeta.ServicePort
	HostPorts    []int // every host port bound for this kernel

	ExecTimeout time.Duration
	LastUsed    time.Time // monotonic-ish wall clock; see Touch

	ResourceSpec *ResourceSpec

	RunnerTasks map[string]struct{} // in-flight execute run-ids
	Runner      Runner               // nil until lazily constructed

	InitialFileStats map[string]FileStat
}

// Runner is the minimal surface the orchestrator needs from a kernel's
// in-container runner channel (spec §4.6). The concrete implementation
// lives in pkg/runner; this interface lets pkg/kernel stay free of that
// package's network concerns.
type Runner interface {
	Close() error
}

// FileStat is a lightweight snapshot of one output file, used to compute
// which files changed during an execute call.
type FileStat struct {
	Size    int64
	ModTime time.Time
}

// Touch updates LastUsed to now. Called on every user-facing RPC except
// ping (I5: LastUsed is monotonically non-decreasing per kernel).
func (r *Record) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.After(r.LastUsed) {
		r.LastUsed = now
	}
}

func (r *Record) touchedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.LastUsed
}

// IdleFor reports how long the kernel has gone without RPC activity.
func (r *Record) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.touchedAt())
}

// AddRunnerTask records an in-flight execute run-id.
func (r *Record) AddRunnerTask(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RunnerTasks == nil {
		r.RunnerTasks = make(map[string]struct{})
	}
	r.RunnerTasks[runID] = struct{}{}
}

// RemoveRunnerTask drops a completed/cancelled execute run-id.
func (r *Record) RemoveRunnerTask(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.RunnerTasks, runID)
}

// RunnerTaskIDs returns a snapshot of in-flight execute run-ids, for
// interrupt_kernel to target every currently running task.
func (r *Record) RunnerTaskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.RunnerTasks))
	for id := range r.RunnerTasks {
		ids = append(ids, id)
	}
	return ids
}

// SetRunner installs the lazily-constructed runner handle. Per I6, callers
// must hold the process-wide runner-construction lock (pkg/orchestrator)
// while calling this for a kernel that doesn't have one yet.
func (r *Record) SetRunner(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Runner = runner
}

// GetRunner returns the current runner handle, or nil.
func (r *Record) GetRunner() Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Runner
}

// ClearRunner drops the runner reference without closing it; the caller is
// expected to have already closed it (execute's cancellation path does
// this, spec §4.7 step 9).
func (r *Record) ClearRunner() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Runner = nil
}

// StatCollectorState is the per-container stats fan-in state (spec §4.8),
// keyed by container id rather than kernel-id since stats frames arrive
// tagged with the container id.
type StatCollectorState struct {
	KernelID   string
	LastStat   map[string]interface{}
	Terminated chan struct{}
	once       sync.Once
}

// NewStatCollectorState creates fan-in state for a newly started container.
func NewStatCollectorState(kernelID string) *StatCollectorState {
	return &StatCollectorState{KernelID: kernelID, Terminated: make(chan struct{})}
}

// MarkTerminated signals the one-shot terminated channel. Safe to call more
// than once.
func (s *StatCollectorState) MarkTerminated() {
	s.once.Do(func() { close(s.Terminated) })
}

// RestartTracker coordinates a destroy-then-create restart cycle for one
// kernel (spec §4.5, §9): a per-kernel request_lock serializes concurrent
// restart calls, destroy_event signals that the old container is fully
// torn down, done_event signals that the new container is published.
type RestartTracker struct {
	RequestLock  sync.Mutex
	destroyEvent chan struct{}
	doneEvent    chan struct{}
}

// NewRestartTracker creates a tracker with both events open (unset).
func NewRestartTracker() *RestartTracker {
	return &RestartTracker{
		destroyEvent: make(chan struct{}),
		doneEvent:    make(chan struct{}),
	}
}

// SignalDestroyed closes destroy_event; safe to call once per restart.
func (t *RestartTracker) SignalDestroyed() { safeClose(t.destroyEvent) }

// WaitDestroyed blocks until destroy_event fires or the channel is
// returned, for the caller to select against a timeout.
func (t *RestartTracker) WaitDestroyed() <-chan struct{} { return t.destroyEvent }

// ResetDestroyed replaces destroy_event with a fresh, unset channel ahead
// of the next restart cycle (spec §4.5 step 3, "clear destroy_event").
func (t *RestartTracker) ResetDestroyed() { t.destroyEvent = make(chan struct{}) }

// SignalDone closes done_event, unblocking any execute() calls waiting on
// restart completion.
func (t *RestartTracker) SignalDone() { safeClose(t.doneEvent) }

// WaitDone blocks until done_event fires.
func (t *RestartTracker) WaitDone() <-chan struct{} { return t.doneEvent }

func safeClose(ch chan struct{}) {
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
}
