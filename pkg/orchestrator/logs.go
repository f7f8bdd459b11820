package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/agenterrors"
)

const maxLogBytes = 10 * 1024 * 1024 // 10 MiB, generous tail for get_logs

// GetLogs returns the kernel's container log tail (spec §6 get_logs),
// reading from the same <config>/logs directory Start wrote to in
// CreateKernel.
func (o *Orchestrator) GetLogs(ctx context.Context, kernelID string) (string, error) {
	rec, ok := o.registry.Get(kernelID)
	if !ok {
		return "", agenterrors.New(agenterrors.NotFound, kernelID, fmt.Errorf("kernel not found"))
	}
	rec.Touch()

	_, configDir := scratchDirs(o.cfg.ScratchRoot, kernelID)
	logDir := filepath.Join(configDir, "logs")
	return o.daemon.Logs(logDir, maxLogBytes)
}
