// Package orchestrator is the agent's kernel lifecycle core (spec §4.3
// through §4.11): create, destroy, restart, execute and the background
// idle-reaper/heartbeat tasks, coordinating the resource maps, the kernel
// registry, the container daemon, the runner channel, and the event/stats
// pipelines. This is the algorithmic heart the distilled specification
// names ~30% of the system's budget.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/eventbus"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/resources"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/runtime"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/stats"
)

// ContainerDaemon is the subset of *runtime.Runtime the orchestrator
// drives, narrowed to an interface at the point of use (matching
// pkg/kernel.Runner's same decoupling move) so tests can supply a fake
// instead of a live containerd connection.
type ContainerDaemon interface {
	Create(ctx context.Context, spec runtime.CreateSpec) (string, error)
	Start(ctx context.Context, containerID, logDir string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Delete(ctx context.Context, containerID string) error
	GetStatus(ctx context.Context, containerID string) (runtime.Status, error)
	List(ctx context.Context) ([]runtime.ContainerInfo, error)
	Logs(logDir string, maxBytes int64) (string, error)
	Labels(ctx context.Context, imageRef string) (map[string]string, error)
	Exec(ctx context.Context, containerID string, args []string) (string, error)
}

// StatsWaiter is the subset of *stats.Listener the destroy path needs to
// observe a kernel's terminal stats sample before returning. It is
// injected via SetStatsListener rather than the constructor because the
// stats listener is itself constructed with the orchestrator as its
// Resolver (see stats.Resolver), creating a two-step init order.
type StatsWaiter interface {
	State(cid string) (*stats.CollectorState, bool)
}

// Config is the host-wide configuration the orchestrator needs beyond what
// any single request carries.
type Config struct {
	AgentHost         string // published as kernel_host
	ScratchRoot       string
	IdleTimeout       time.Duration // 0 disables the idle reaper (spec §4.11)
	ExecTimeout       time.Duration // default per-kernel exec timeout
	RunnerDialTimeout time.Duration
}

// Orchestrator is the agent's algorithmic core: every exported method here
// corresponds to one RPC in spec §6, or to one background task in §4.11.
type Orchestrator struct {
	cfg Config

	registry  *kernel.Registry
	daemon    ContainerDaemon
	events    *eventbus.Publisher
	statCache *stats.Cache
	stats     StatsWaiter

	cpu   *resources.CPUAllocMap
	ports *resources.PortPool
	accel map[string]*resources.AcceleratorSet

	// runnerMu serializes runner construction across all kernels (P6, I6).
	// It is held only while deciding whether to dial and while dialing; it
	// is never held across subsequent runner I/O (feed_code, etc.).
	runnerMu sync.Mutex

	// mu guards the three maps below, which are mutated from multiple
	// goroutines (RPC handlers, the idle reaper, the container-event
	// reaper via HandleContainerExit).
	mu             sync.Mutex
	restarts       map[string]*kernel.RestartTracker
	blockingCleans map[string]chan struct{}
	containerIndex map[string]string // containerID -> kernelID
}

// New builds an orchestrator over already-constructed collaborators. The
// resource maps and registry are owned by the caller (typically
// pkg/bootstrap) so bootstrap reconciliation can seed them before the RPC
// server starts accepting requests.
func New(
	cfg Config,
	registry *kernel.Registry,
	daemon ContainerDaemon,
	events *eventbus.Publisher,
	statCache *stats.Cache,
	cpu *resources.CPUAllocMap,
	ports *resources.PortPool,
	accel map[string]*resources.AcceleratorSet,
) *Orchestrator {
	if accel == nil {
		accel = make(map[string]*resources.AcceleratorSet)
	}
	return &Orchestrator{
		cfg:            cfg,
		registry:       registry,
		daemon:         daemon,
		events:         events,
		statCache:      statCache,
		cpu:            cpu,
		ports:          ports,
		accel:          accel,
		restarts:       make(map[string]*kernel.RestartTracker),
		blockingCleans: make(map[string]chan struct{}),
		containerIndex: make(map[string]string),
	}
}

// SetStatsListener wires the stats fan-in listener in once it exists (see
// StatsWaiter's doc comment for why this can't happen in New).
func (o *Orchestrator) SetStatsListener(w StatsWaiter) {
	o.stats = w
}

// KernelIDForContainer implements stats.Resolver, letting the stats fan-in
// resolve a container id it has not seen yet (e.g. right after bootstrap
// reconciliation, before any stats frame has arrived for it) back to the
// kernel id the cache should be keyed under.
func (o *Orchestrator) KernelIDForContainer(cid string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.containerIndex[cid]
	return id, ok
}

// IndexContainer records a containerID -> kernelID mapping. Exported so
// bootstrap reconciliation can seed it for containers discovered on
// startup, in addition to CreateKernel populating it for new ones.
func (o *Orchestrator) IndexContainer(containerID, kernelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.containerIndex[containerID] = kernelID
}

func (o *Orchestrator) deindexContainer(containerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.containerIndex, containerID)
}

func (o *Orchestrator) restartTracker(kernelID string) (*kernel.RestartTracker, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr, ok := o.restarts[kernelID]
	return tr, ok
}

func (o *Orchestrator) getOrCreateRestartTracker(kernelID string) *kernel.RestartTracker {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr, ok := o.restarts[kernelID]
	if !ok {
		tr = kernel.NewRestartTracker()
		o.restarts[kernelID] = tr
	}
	return tr
}

func (o *Orchestrator) dropRestartTracker(kernelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.restarts, kernelID)
}

// awaitRestart blocks until any in-flight restart for kernelID completes
// (spec §4.5: "execute blocks on done_event when a tracker is present").
// A kernel with no tracker returns immediately.
func (o *Orchestrator) awaitRestart(ctx context.Context, kernelID string) error {
	tr, ok := o.restartTracker(kernelID)
	if !ok {
		return nil
	}
	select {
	case <-tr.WaitDone():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// registerBlockingClean returns a channel that closes when CleanKernel next
// completes for kernelID, used by shutdown's agent-termination path to wait
// for every kernel's teardown before exiting (spec §4.10, §4.12).
func (o *Orchestrator) registerBlockingClean(kernelID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.blockingCleans[kernelID]
	if !ok {
		ch = make(chan struct{})
		o.blockingCleans[kernelID] = ch
	}
	return ch
}

func (o *Orchestrator) signalBlockingClean(kernelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.blockingCleans[kernelID]; ok {
		close(ch)
		delete(o.blockingCleans, kernelID)
	}
}
