package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/eventbus"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/metrics"
)

const containerStopTimeout = 10 * time.Second

// DestroyKernel implements destroy_kernel (spec §4.4): it tells the daemon
// to stop the container and waits for the stats state's terminal sample,
// but leaves resource freeing and registry removal to CleanKernel, which
// the event reaper drives once the daemon actually reports the die event.
func (o *Orchestrator) DestroyKernel(ctx context.Context, kernelID, reason string) (map[string]interface{}, error) {
	rec, ok := o.registry.Get(kernelID)
	if !ok {
		o.events.KernelTerminatedEvent(kernelID, eventbus.ReasonSelfTerminated, "")
		o.CleanKernel(context.Background(), kernelID, "")
		return nil, nil
	}
	rec.Touch()
	o.events.KernelTerminatedEvent(kernelID, eventbus.Reason(reason), "")

	if runner := rec.GetRunner(); runner != nil {
		runner.Close()
		rec.ClearRunner()
	}

	if err := o.daemon.Stop(ctx, rec.ContainerID, containerStopTimeout); err != nil {
		log.New("orchestrator").Warn().Str("kernel_id", kernelID).Err(err).Msg("stop container failed")
	}

	var lastStat map[string]interface{}
	if o.stats != nil {
		if state, ok := o.stats.State(rec.ContainerID); ok {
			select {
			case <-state.Terminated:
				lastStat = state.LastStat
			case <-ctx.Done():
			case <-time.After(containerStopTimeout):
			}
		}
	}

	return lastStat, nil
}

// CleanKernel implements clean_kernel (spec §4.10): close the runner,
// delete the container, return host ports to the pool, and — unless a
// restart is in flight for this kernel, in which case allocations must
// survive for the upcoming re-create — free CPU/accelerator shares, delete
// the scratch directory, and drop the registry entry.
func (o *Orchestrator) CleanKernel(ctx context.Context, kernelID, containerID string) {
	logger := log.New("orchestrator")

	rec, ok := o.registry.Get(kernelID)
	if ok {
		if containerID == "" {
			containerID = rec.ContainerID
		}
		if runner := rec.GetRunner(); runner != nil {
			runner.Close()
			rec.ClearRunner()
		}
	}

	if containerID != "" {
		if err := o.daemon.Delete(ctx, containerID); err != nil {
			logger.Debug().Str("kernel_id", kernelID).Err(err).Msg("delete container failed, assuming already gone")
		}
		o.deindexContainer(containerID)
	}

	if ok {
		o.ports.Free(rec.HostPorts)
	}

	if tr, inRestart := o.restartTracker(kernelID); inRestart {
		tr.SignalDestroyed()
		return
	}

	if ok {
		if rec.ResourceSpec != nil {
			o.cpu.Free(rec.ResourceSpec.CPUSet)
			o.freeAccelerators(rec.ResourceSpec)
		}
		os.RemoveAll(filepath.Join(o.cfg.ScratchRoot, kernelID))
	}
	o.registry.Remove(kernelID)
	o.signalBlockingClean(kernelID)
}

// HandleContainerExit is the reaper.CleanupFunc the container-event reaper
// invokes on a distinct die event (spec §4.9): resolve the owning kernel,
// publish kernel_terminated, and clean up.
func (o *Orchestrator) HandleContainerExit(ctx context.Context, containerID string, exitStatus uint32) {
	kernelID, ok := o.KernelIDForContainer(containerID)
	if !ok {
		metrics.ReaperEventsTotal.WithLabelValues("unmatched").Inc()
		return
	}
	metrics.ReaperEventsTotal.WithLabelValues("handled").Inc()
	o.events.KernelTerminatedEvent(kernelID, eventbus.ReasonSelfTerminated, "")
	o.CleanKernel(ctx, kernelID, containerID)
}
