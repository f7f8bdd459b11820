package orchestrator

import (
	"context"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/agenterrors"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/eventbus"
)

const restartTimeout = 30 * time.Second

// RestartKernel implements restart_kernel (spec §4.5): destroy the kernel,
// wait for the old container to fully tear down, then re-create it from
// its on-disk resource spec without re-allocating CPU or accelerator
// shares (P5, restart identity). Concurrent restarts of the same kernel
// are serialized by RequestLock.
func (o *Orchestrator) RestartKernel(ctx context.Context, kernelID string, mountOverride []MountRequest) (*CreateKernelResult, error) {
	tr := o.getOrCreateRestartTracker(kernelID)
	tr.RequestLock.Lock()
	defer tr.RequestLock.Unlock()

	tr.ResetDestroyed()

	if _, err := o.DestroyKernel(ctx, kernelID, string(eventbus.ReasonRestarting)); err != nil {
		o.dropRestartTracker(kernelID)
		return nil, agenterrors.New(agenterrors.RestartTimeout, kernelID, err)
	}

	select {
	case <-tr.WaitDestroyed():
	case <-time.After(restartTimeout):
		o.dropRestartTracker(kernelID)
		go o.CleanKernel(context.Background(), kernelID, "")
		return nil, agenterrors.New(agenterrors.RestartTimeout, kernelID, context.DeadlineExceeded)
	}

	rec, ok := o.registry.Get(kernelID)
	if !ok {
		o.dropRestartTracker(kernelID)
		return nil, agenterrors.New(agenterrors.NotFound, kernelID, context.Canceled)
	}

	req := CreateKernelRequest{
		KernelID:   kernelID,
		ImageRef:   rec.Image.Canonical,
		Restarting: true,
		Mounts:     mountOverride,
	}

	result, err := o.CreateKernel(ctx, req)
	o.dropRestartTracker(kernelID)
	if err != nil {
		return nil, err
	}

	tr.SignalDone()
	return result, nil
}
