package bootstrap

import (
	"time"
)

// Config is every value cmd/agent's flags (and optional --config YAML
// overlay) resolve down to before Start can run (spec §2.1, §4.12).
type Config struct {
	InstanceID string
	Namespace  string

	AgentHost  string
	KernelHost string
	AgentPort  int
	StatPort   int

	PortRangeStart int
	PortRangeEnd   int

	MetadataEndpoints []string
	WaitForManager    bool

	IdleTimeout time.Duration // 0 means "use whatever the metadata service reports"

	ScratchRoot      string
	ContainerdSocket string

	CPUMask []int
	GPUMask []string // device ids; empty disables the "cuda" accelerator set

	SkipContainerDeletion bool
	DockerRegistry        string // "" means "use whatever the metadata service reports"

	CertDir string
}

const defaultManagerWaitTimeout = 30 * time.Second
