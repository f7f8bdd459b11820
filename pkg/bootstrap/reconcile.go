package bootstrap

import (
	"context"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/eventbus"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/imagemeta"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/runtime"
)

// survivor is one kernel container found alive (running) on reconnect,
// carrying everything the resource maps and registry need to absorb it
// without re-running CreateKernel's allocation path.
type survivor struct {
	kernelID    string
	containerID string
	spec        *kernel.ResourceSpec
	ports       map[int]int // container port -> host port
}

// reconcileContainers implements spec §4.12's bootstrap reconciliation: for
// every container whose name follows the kernel.<image>.<kernel-id>
// convention, a running/paused container is rehydrated from its persisted
// resource.txt/ports.txt; anything else still bearing that name is treated
// as dead and reported as self-terminated. The container daemon's own
// state is always the source of truth for which kernels are alive, never
// the mere presence of a scratch directory.
func reconcileContainers(ctx context.Context, rt *runtime.Runtime, scratchRoot string, events *eventbus.Publisher, skipDeletion bool) ([]survivor, error) {
	logger := log.New("bootstrap")

	containers, err := rt.List(ctx)
	if err != nil {
		return nil, err
	}

	var survivors []survivor
	for _, c := range containers {
		kernelID, ok := imagemeta.KernelIDFromContainerName(c.ID)
		if !ok {
			continue
		}

		status, err := rt.GetStatus(ctx, c.ID)
		if err != nil {
			logger.Warn().Str("container_id", c.ID).Err(err).Msg("reconcile: status check failed, treating as dead")
			status = runtime.StatusMissing
		}

		if status == runtime.StatusRunning {
			spec, err := readReconciledResourceSpec(scratchRoot, kernelID)
			if err != nil {
				logger.Warn().Str("kernel_id", kernelID).Err(err).Msg("reconcile: resource spec unreadable, destroying container")
				terminateDeadContainer(ctx, rt, events, c.ID, kernelID, skipDeletion)
				continue
			}
			ports, err := readReconciledPorts(scratchRoot, kernelID)
			if err != nil {
				logger.Warn().Str("kernel_id", kernelID).Err(err).Msg("reconcile: port map unreadable, destroying container")
				terminateDeadContainer(ctx, rt, events, c.ID, kernelID, skipDeletion)
				continue
			}
			survivors = append(survivors, survivor{kernelID: kernelID, containerID: c.ID, spec: spec, ports: ports})
			logger.Info().Str("kernel_id", kernelID).Str("container_id", c.ID).Msg("reconciled running kernel")
			continue
		}

		terminateDeadContainer(ctx, rt, events, c.ID, kernelID, skipDeletion)
	}
	return survivors, nil
}

func terminateDeadContainer(ctx context.Context, rt *runtime.Runtime, events *eventbus.Publisher, containerID, kernelID string, skipDeletion bool) {
	events.KernelTerminatedEvent(kernelID, eventbus.ReasonSelfTerminated, "")
	if skipDeletion {
		return
	}
	if err := rt.Delete(ctx, containerID); err != nil {
		log.New("bootstrap").Warn().Str("container_id", containerID).Err(err).Msg("reconcile: failed to delete dead container")
	}
}

// reservedPorts collects every host port a survivor already occupies, so
// the port pool is constructed without handing those back out.
func reservedPorts(survivors []survivor) []int {
	var ports []int
	for _, s := range survivors {
		for _, hp := range s.ports {
			ports = append(ports, hp)
		}
	}
	return ports
}

// toRecord builds the kernel.Record a survivor is reinserted into the
// registry as. ReplInPort/ReplOutPort are the host ports mapped to the
// intrinsic container ports 2000/2001, and StdinPort/StdoutPort those
// mapped to 2002/2003 (zero when absent); any other container port present
// in the persisted port map is exposed as a HostPort but cannot be matched back to a named
// ServicePort without re-reading the image's labels, which reconciliation
// deliberately skips (the container is already running with whatever
// ports it was given).
func (s survivor) toRecord(kernelHost string) *kernel.Record {
	hostPorts := make([]int, 0, len(s.ports))
	for _, hp := range s.ports {
		hostPorts = append(hostPorts, hp)
	}
	rec := &kernel.Record{
		ID:           s.kernelID,
		ContainerID:  s.containerID,
		KernelHost:   kernelHost,
		ReplInPort:   s.ports[2000],
		ReplOutPort:  s.ports[2001],
		StdinPort:    s.ports[2002],
		StdoutPort:   s.ports[2003],
		HostPorts:    hostPorts,
		ResourceSpec: s.spec,
	}
	rec.Touch()
	return rec
}
