package bootstrap

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sort"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/api"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/eventbus"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/imagemeta"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/metadata"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/orchestrator"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/reaper"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/resources"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/runtime"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/stats"
)

// Agent is a fully wired, running agent process: every collaborator New
// constructs, plus the background-task context that Shutdown cancels.
type Agent struct {
	cfg Config

	runtime  *runtime.Runtime
	meta     *metadata.Client
	events   *eventbus.Publisher
	registry *kernel.Registry
	orch     *orchestrator.Orchestrator
	statsLn  *stats.Listener
	reap     *reaper.Reaper
	rpc      *api.Server
	health   *api.HealthServer

	images  []orchestrator.ImageTag
	numCPUs int
	numGPUs int

	bgCancel context.CancelFunc
	rpcErrs  chan error
}

// New runs the full bootstrap sequence (spec §4.12) and returns a running
// agent: daemon version, metadata connect, accelerator detection, optional
// manager wait, config read, starting mark, image scan, container
// reconciliation, then the RPC server, health server and every background
// task are all spawned before New returns.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	logger := log.New("bootstrap")

	rt, err := runtime.New(cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("connect to container daemon: %w", err)
	}
	if v, err := rt.Version(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to read container daemon version")
	} else {
		logger.Info().Str("version", v).Msg("connected to container daemon")
	}

	meta, err := metadata.New(cfg.MetadataEndpoints)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("connect to metadata service: %w", err)
	}

	accel := detectAccelerators(cfg.GPUMask)

	if cfg.WaitForManager {
		waitCtx, cancel := context.WithTimeout(ctx, defaultManagerWaitTimeout)
		_, err := meta.WatchOnce(waitCtx, "nodes/manager")
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("no manager appeared within wait window, continuing without one")
		}
	}

	mcfg, err := meta.ReadConfig(ctx)
	if err != nil {
		rt.Close()
		meta.Close()
		return nil, fmt.Errorf("read cluster config: %w", err)
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = mcfg.IdleTimeout
	}
	dockerRegistry := cfg.DockerRegistry
	if dockerRegistry == "" {
		dockerRegistry = mcfg.DockerRegistry
	}

	if err := meta.SetAgentStarting(ctx, cfg.InstanceID); err != nil {
		logger.Warn().Err(err).Msg("failed to mark agent starting")
	}

	events := eventbus.New(mcfg.EventAddr, cfg.InstanceID)
	events.Start()

	images, err := scanKernelImages(ctx, rt, dockerRegistry)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to scan local images")
	}

	survivors, err := reconcileContainers(ctx, rt, cfg.ScratchRoot, events, cfg.SkipContainerDeletion)
	if err != nil {
		logger.Warn().Err(err).Msg("container reconciliation failed, starting with an empty registry")
	}

	cpuMask := cfg.CPUMask
	if len(cpuMask) == 0 {
		cpuMask = make([]int, goruntime.NumCPU())
		for i := range cpuMask {
			cpuMask[i] = i
		}
	}
	cpu := resources.NewCPUAllocMap(cpuMask, nil)
	for _, s := range survivors {
		if s.spec != nil {
			cpu.Update(s.spec.CPUSet)
		}
	}

	ports := resources.NewPortPool(cfg.PortRangeStart, cfg.PortRangeEnd, reservedPorts(survivors))

	for _, s := range survivors {
		reconcileAccelerators(accel, s.spec)
	}

	registry := kernel.NewRegistry()
	for _, s := range survivors {
		registry.Insert(s.toRecord(cfg.KernelHost))
	}

	statCache := stats.NewCache()
	orch := orchestrator.New(orchestrator.Config{
		AgentHost:   cfg.AgentHost,
		ScratchRoot: cfg.ScratchRoot,
		IdleTimeout: idleTimeout,
	}, registry, rt, events, statCache, cpu, ports, accel)
	for _, s := range survivors {
		orch.IndexContainer(s.containerID, s.kernelID)
	}

	statAddr := fmt.Sprintf("127.0.0.1:%d", cfg.StatPort)
	statsLn, err := stats.Listen(statAddr, statCache, orch)
	if err != nil {
		rt.Close()
		meta.Close()
		events.Close()
		return nil, fmt.Errorf("start stats listener on %s: %w", statAddr, err)
	}
	orch.SetStatsListener(statsLn)

	reap := reaper.New(rt, orch.HandleContainerExit)

	svc := api.NewService(orch, registry)
	rpcServer, err := api.NewServer(cfg.InstanceID, cfg.CertDir, registry, svc)
	if err != nil {
		statsLn.Close()
		rt.Close()
		meta.Close()
		events.Close()
		return nil, fmt.Errorf("build rpc server: %w", err)
	}

	healthServer := api.NewHealthServer(registry, cfg.ContainerdSocket)

	bgCtx, bgCancel := context.WithCancel(context.Background())

	a := &Agent{
		cfg:      cfg,
		runtime:  rt,
		meta:     meta,
		events:   events,
		registry: registry,
		orch:     orch,
		statsLn:  statsLn,
		reap:     reap,
		rpc:      rpcServer,
		health:   healthServer,
		images:   images,
		numCPUs:  cpu.NumCores(),
		numGPUs:  len(cfg.GPUMask),
		bgCancel: bgCancel,
		rpcErrs:  make(chan error, 2),
	}

	go reap.Run(bgCtx)
	go orch.RunIdleReaper(bgCtx, idleTimeout)
	go orch.RunHeartbeat(bgCtx, a.heartbeatInfo)

	agentAddr := fmt.Sprintf("%s:%d", cfg.AgentHost, cfg.AgentPort)
	go func() {
		if err := rpcServer.Start(agentAddr); err != nil {
			a.rpcErrs <- fmt.Errorf("rpc server: %w", err)
		}
	}()
	healthAddr := fmt.Sprintf("%s:%d", cfg.AgentHost, cfg.StatPort+1)
	go func() {
		if err := healthServer.Start(healthAddr); err != nil {
			a.rpcErrs <- fmt.Errorf("health server: %w", err)
		}
	}()

	if err := meta.SetAgentRunning(ctx, cfg.InstanceID, cfg.AgentHost); err != nil {
		logger.Warn().Err(err).Msg("failed to mark agent running")
	}
	events.Publish(eventbus.InstanceStarted, cfg.AgentHost)

	logger.Info().
		Str("instance_id", cfg.InstanceID).
		Int("reconciled_kernels", len(survivors)).
		Int("kernel_images", len(images)).
		Msg("agent started")

	return a, nil
}

// Errs returns the channel background listeners report fatal errors on
// (e.g. the RPC or health HTTP listener dying). cmd/agent selects on this
// alongside the OS signal channel.
func (a *Agent) Errs() <-chan error {
	return a.rpcErrs
}

func scanKernelImages(ctx context.Context, rt *runtime.Runtime, registryPrefix string) ([]orchestrator.ImageTag, error) {
	all, err := rt.Images(ctx)
	if err != nil {
		return nil, err
	}
	var out []orchestrator.ImageTag
	for _, img := range all {
		if !imagemeta.IsKernelImage(img.Name) {
			continue
		}
		out = append(out, orchestrator.ImageTag{Tag: img.Name, ID: img.Digest})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// reconcileAccelerators re-reserves a survivor's accelerator shares by
// summed-per-kind total, losing exact per-device identity (the allocator
// only exposes Alloc/Free, not "mark this exact device taken") — an
// acceptable bootstrap approximation since a freshly restarted agent has
// no way to learn which physical device a share was drawn from anyway
// without also persisting that mapping, which the resource file doesn't.
func reconcileAccelerators(accel map[string]*resources.AcceleratorSet, spec *kernel.ResourceSpec) {
	if spec == nil {
		return
	}
	for kind, devs := range spec.AcceleratorDevs {
		set, ok := accel[kind]
		if !ok {
			continue
		}
		var total float64
		for _, share := range devs {
			total += share
		}
		if total <= 0 {
			continue
		}
		if _, err := set.Alloc.Alloc(total); err != nil {
			log.New("bootstrap").Warn().Str("kind", kind).Err(err).Msg("failed to re-reserve accelerator share on reconcile")
		}
	}
}

func (a *Agent) heartbeatInfo() orchestrator.HeartbeatInfo {
	return orchestrator.HeartbeatInfo{
		IP:       a.cfg.AgentHost,
		Addr:     fmt.Sprintf("%s:%d", a.cfg.AgentHost, a.cfg.AgentPort),
		CPUSlots: float64(a.numCPUs),
		GPUSlots: float64(a.numGPUs),
		Images:   a.images,
	}
}

// Shutdown runs spec §4.12's shutdown sequence. graceful is true for
// SIGTERM (destroy every kernel and wait for cleanup) and false for
// SIGINT (leave containers running for the next reconcile).
func (a *Agent) Shutdown(ctx context.Context, graceful bool) {
	logger := log.New("bootstrap")

	if err := a.meta.DeregisterMyself(ctx, a.cfg.InstanceID); err != nil {
		logger.Warn().Err(err).Msg("failed to deregister from metadata service")
	}

	a.rpc.Stop()
	if err := a.health.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to stop health server")
	}

	for _, rec := range a.registry.List() {
		if runner := rec.GetRunner(); runner != nil {
			if err := runner.Close(); err != nil {
				logger.Warn().Str("kernel_id", rec.ID).Err(err).Msg("failed to close runner")
			}
		}
	}

	if graceful {
		reason := string(eventbus.ReasonAgentTerminated)
		a.orch.Shutdown(ctx, reason)
	}

	a.bgCancel()

	if err := a.runtime.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close container daemon connection")
	}
	if err := a.statsLn.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close stats listener")
	}

	a.events.Publish(eventbus.InstanceTerminated, "shutdown")
	time.Sleep(50 * time.Millisecond) // give the drain loop a chance to flush before Close
	if err := a.events.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close event publisher")
	}
	if err := a.meta.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close metadata client")
	}

	logger.Info().Str("instance_id", a.cfg.InstanceID).Msg("agent shut down")
}
