package orchestrator

import (
	"context"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
)

const shutdownCleanTimeout = 15 * time.Second

// Shutdown destroys every live kernel with reason and blocks until each
// one's CleanKernel has actually run, via the same blocking_cleans signal
// DestroyKernel's reaper-driven cleanup closes (spec §4.12's SIGTERM path:
// "destroy every kernel ... and wait for each kernel's blocking_cleans
// event"). The reaper must still be running while this is in flight, since
// CleanKernel only fires once the daemon reports the container's die event.
func (o *Orchestrator) Shutdown(ctx context.Context, reason string) {
	logger := log.New("orchestrator")
	recs := o.registry.List()

	type pending struct {
		kernelID string
		done     <-chan struct{}
	}
	waits := make([]pending, 0, len(recs))

	for _, rec := range recs {
		waits = append(waits, pending{kernelID: rec.ID, done: o.registerBlockingClean(rec.ID)})
		if _, err := o.DestroyKernel(ctx, rec.ID, reason); err != nil {
			logger.Warn().Str("kernel_id", rec.ID).Err(err).Msg("shutdown destroy failed")
		}
	}

	for _, w := range waits {
		select {
		case <-w.done:
		case <-time.After(shutdownCleanTimeout):
			logger.Warn().Str("kernel_id", w.kernelID).Msg("timed out waiting for kernel cleanup on shutdown")
		}
	}
}
