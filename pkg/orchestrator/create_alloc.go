package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/agenterrors"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/imagemeta"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
)

// EnvDevice is an optional extension of resources.Device: accelerator
// plugins that need to inject environment variables (device visibility
// masks, vendor runtime flags) implement it in addition to Device. Kept
// separate from Device itself so the base allocator contract stays minimal
// and existing Device implementations without env needs are unaffected.
type EnvDevice interface {
	Env(share float64) []string
}

func parseDecimal(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// allocateCPU reserves n CPUs, preferring a pinned set if the caller
// supplied one (spec §4.3 step 2: "unless caller pinned cpu_set").
func (o *Orchestrator) allocateCPU(rb *rollbackStack, kernelID string, n int, pinned []int) (numaNode int, cpuSet []int, err error) {
	if len(pinned) > 0 {
		o.cpu.Update(pinned)
		rb.push(func() { o.cpu.Free(pinned) })
		return 0, pinned, nil
	}
	numaNode, cpuSet, err = o.cpu.Alloc(n)
	if err != nil {
		return 0, nil, agenterrors.New(agenterrors.InsufficientCPU, kernelID, err)
	}
	rb.push(func() { o.cpu.Free(cpuSet) })
	return numaNode, cpuSet, nil
}

// allocateAccelerator reserves totalShare of one accelerator kind, if any
// devices of that kind are registered.
func (o *Orchestrator) allocateAccelerator(rb *rollbackStack, kernelID, kind string, totalShare float64) (map[string]float64, error) {
	if totalShare <= 0 {
		return nil, nil
	}
	set, ok := o.accel[kind]
	if !ok {
		return nil, agenterrors.New(agenterrors.InsufficientAccel, kernelID, fmt.Errorf("no %s accelerator devices registered", kind))
	}
	perDevice, err := set.Alloc.Alloc(totalShare)
	if err != nil {
		return nil, agenterrors.New(agenterrors.InsufficientAccel, kernelID, err)
	}
	rb.push(func() { set.Alloc.Free(perDevice) })
	return perDevice, nil
}

func (o *Orchestrator) freeAccelerators(spec *kernel.ResourceSpec) {
	for kind, perDevice := range spec.AcceleratorDevs {
		if set, ok := o.accel[kind]; ok {
			set.Alloc.Free(perDevice)
		}
	}
}

// accelEnviron collects the environment variables any accelerator device
// holding a share in perDevice wants injected (spec §4.3 step 3, "merge any
// accelerator-supplied env").
func (o *Orchestrator) accelEnviron(kind string, perDevice map[string]float64) []string {
	set, ok := o.accel[kind]
	if !ok {
		return nil
	}
	var env []string
	ids := make([]string, 0, len(perDevice))
	for id := range perDevice {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		dev, ok := set.Device(id)
		if !ok {
			continue
		}
		if ed, ok := dev.(EnvDevice); ok {
			env = append(env, ed.Env(perDevice[id])...)
		}
	}
	return env
}

// serializeResourceSpecFull appends the accelerator MEMORY_LIMITS/
// PROCESSOR_LIMITS lines (spec §4.3 step 4) to the base kernel.Serialize
// output, computed per-device via Device.ShareToSpec.
func (o *Orchestrator) serializeResourceSpecFull(spec *kernel.ResourceSpec) string {
	var b strings.Builder
	b.WriteString(kernel.Serialize(spec))

	kinds := make([]string, 0, len(spec.AcceleratorDevs))
	for kind := range spec.AcceleratorDevs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		set, ok := o.accel[kind]
		if !ok {
			continue
		}
		devs := spec.AcceleratorDevs[kind]
		ids := make([]string, 0, len(devs))
		for id := range devs {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		memEntries := make([]string, 0, len(ids))
		procEntries := make([]string, 0, len(ids))
		for _, id := range ids {
			dev, ok := set.Device(id)
			if !ok {
				continue
			}
			mem, proc := dev.ShareToSpec(devs[id])
			memEntries = append(memEntries, fmt.Sprintf("%s:%d", id, mem))
			procEntries = append(procEntries, fmt.Sprintf("%s:%s", id, strconv.FormatFloat(proc, 'f', -1, 64)))
		}
		fmt.Fprintf(&b, "%s_MEMORY_LIMITS=%s\n", strings.ToUpper(kind), strings.Join(memEntries, ","))
		fmt.Fprintf(&b, "%s_PROCESSOR_LIMITS=%s\n", strings.ToUpper(kind), strings.Join(procEntries, ","))
	}
	return b.String()
}

// exposedContainerPorts is the set of container ports to expose: the
// intrinsic REPL ports, every declared service port, and the legacy
// stdin/stdout ports when the image name carries the "git" substring
// (spec §4.3 step 5).
func exposedContainerPorts(imageShortName string, servicePorts []imagemeta.ServicePort) []int {
	ports := []int{2000, 2001}
	for _, sp := range servicePorts {
		ports = append(ports, sp.ContainerPort)
	}
	if imagemeta.ContainsGit(imageShortName) {
		ports = append(ports, 2002, 2003)
	}
	return ports
}

func scratchDirs(root, kernelID string) (work, config string) {
	base := filepath.Join(root, kernelID)
	return filepath.Join(base, "work"), filepath.Join(base, "config")
}

// writeEnviron writes <config>/environ.txt as K=V lines.
func writeEnviron(configDir string, env []string) error {
	var b strings.Builder
	for _, kv := range env {
		b.WriteString(kv)
		b.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(configDir, "environ.txt"), []byte(b.String()), 0o640)
}

func writeResourceFile(configDir, serialized string) error {
	return os.WriteFile(filepath.Join(configDir, "resource.txt"), []byte(serialized), 0o640)
}

func readResourceFile(configDir string) (*kernel.ResourceSpec, error) {
	data, err := os.ReadFile(filepath.Join(configDir, "resource.txt"))
	if err != nil {
		return nil, fmt.Errorf("read resource spec: %w", err)
	}
	return kernel.Deserialize(string(data))
}

// writePortsFile persists the container-port -> host-port map as
// "<container_port>=<host_port>" lines. Unlike the Docker Engine API a
// containerd host-networked container carries no queryable port-binding
// record, so bootstrap reconciliation (pkg/bootstrap) re-derives a
// surviving kernel's port map from this file instead of from the daemon.
func writePortsFile(configDir string, portMap map[int]int) error {
	containerPorts := make([]int, 0, len(portMap))
	for cp := range portMap {
		containerPorts = append(containerPorts, cp)
	}
	sort.Ints(containerPorts)

	var b strings.Builder
	for _, cp := range containerPorts {
		fmt.Fprintf(&b, "%d=%d\n", cp, portMap[cp])
	}
	return os.WriteFile(filepath.Join(configDir, "ports.txt"), []byte(b.String()), 0o640)
}

// readPortsFile reads back a port map written by writePortsFile.
func readPortsFile(configDir string) (map[int]int, error) {
	data, err := os.ReadFile(filepath.Join(configDir, "ports.txt"))
	if err != nil {
		return nil, fmt.Errorf("read ports file: %w", err)
	}
	portMap := make(map[int]int)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var cp, hp int
		if _, err := fmt.Sscanf(line, "%d=%d", &cp, &hp); err != nil {
			return nil, fmt.Errorf("parse ports file line %q: %w", line, err)
		}
		portMap[cp] = hp
	}
	return portMap, nil
}

// buildMounts turns user-declared MountRequests into kernel.Mount values
// rooted under vfolderMountRoot, materialized as
// <vfolder_mount>/<host>/<id> -> /home/work/<name> (spec §4.3 step 2).
func buildMounts(vfolderMountRoot string, reqs []MountRequest) []kernel.Mount {
	mounts := make([]kernel.Mount, 0, len(reqs))
	for _, m := range reqs {
		perm := m.Permission
		if perm == "" {
			perm = kernel.MountRW
		}
		mounts = append(mounts, kernel.Mount{
			HostPath:   filepath.Join(vfolderMountRoot, m.Host, m.ID),
			KernelPath: filepath.Join("/home/work", m.Name),
			Permission: perm,
		})
	}
	return mounts
}

