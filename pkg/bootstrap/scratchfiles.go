package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
)

// The two functions below duplicate pkg/orchestrator's unexported
// writeResourceFile/writePortsFile read side rather than importing it: the
// <scratch>/<kernel>/config/{resource,ports}.txt layout is a stable
// on-disk contract between whichever process created a kernel and
// whichever process reconciles it on restart, not a Go API either package
// should export to the other. bootstrap only ever reads these files, never
// writes them — a kernel record is always recreated by CreateKernel in the
// orchestrator package.

func scratchConfigDir(scratchRoot, kernelID string) string {
	return filepath.Join(scratchRoot, kernelID, "config")
}

func readReconciledResourceSpec(scratchRoot, kernelID string) (*kernel.ResourceSpec, error) {
	data, err := os.ReadFile(filepath.Join(scratchConfigDir(scratchRoot, kernelID), "resource.txt"))
	if err != nil {
		return nil, fmt.Errorf("read resource spec for %s: %w", kernelID, err)
	}
	return kernel.Deserialize(string(data))
}

func readReconciledPorts(scratchRoot, kernelID string) (map[int]int, error) {
	data, err := os.ReadFile(filepath.Join(scratchConfigDir(scratchRoot, kernelID), "ports.txt"))
	if err != nil {
		return nil, fmt.Errorf("read ports for %s: %w", kernelID, err)
	}
	portMap := make(map[int]int)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var cp, hp int
		if _, err := fmt.Sscanf(line, "%d=%d", &cp, &hp); err != nil {
			return nil, fmt.Errorf("parse ports line %q for %s: %w", line, kernelID, err)
		}
		portMap[cp] = hp
	}
	return portMap, nil
}
