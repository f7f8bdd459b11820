package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/agenterrors"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/eventbus"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/imagemeta"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/runtime"
)

// Limits is the decimal resource request carried in a create/restart call,
// mirroring the control plane's wire shape exactly (spec §4.3 step 2).
type Limits struct {
	CPUSlot string
	MemSlot string
	GPUSlot string
	TPUSlot string
}

// MountRequest is one user-declared virtual-folder mount.
type MountRequest struct {
	Name       string // mounted at /home/work/<name>
	Host       string // storage host segment of the vfolder path
	ID         string // vfolder id segment of the vfolder path
	Permission kernel.MountPermission
}

// CreateKernelRequest is everything create_kernel needs beyond what the
// orchestrator already knows about the host.
type CreateKernelRequest struct {
	KernelID   string
	ImageRef   string // canonical reference
	Restarting bool
	Limits     Limits
	CPUSet     []int // caller-pinned cpu set, nil means allocate
	Mounts     []MountRequest

	VFolderMountRoot string
}

// CreateKernelResult is the create_kernel/restart_kernel response shape
// (spec §6).
type CreateKernelResult struct {
	ID           string
	KernelHost   string
	ReplInPort   int
	ReplOutPort  int
	StdinPort    int
	StdoutPort   int
	ServicePorts []imagemeta.ServicePort
	ContainerID  string
	ResourceSpec string
}

// CreateKernel runs the seven-phase creation pipeline (spec §4.3), rolling
// back every resource acquired so far on any failure (P4).
func (o *Orchestrator) CreateKernel(ctx context.Context, req CreateKernelRequest) (*CreateKernelResult, error) {
	logger := log.New("orchestrator").With().Str("kernel_id", req.KernelID).Logger()
	o.events.Publish(eventbus.KernelCreating, req.KernelID)

	var rb rollbackStack
	defer rb.run() // no-op once disarm() has been called on the success path

	workDir, configDir := scratchDirs(o.cfg.ScratchRoot, req.KernelID)

	// Phase 1: resolve image, read labels.
	labels, err := o.daemon.Labels(ctx, req.ImageRef)
	if err != nil {
		return nil, agenterrors.New(agenterrors.ImagePullFailed, req.KernelID, err)
	}
	imageRef := imagemeta.ParseImageRef(req.ImageRef)
	versionStr := imagemeta.Label(labels, "version", "1")
	timeoutSec := imagemeta.Label(labels, "timeout", "10")
	corecountVar := imagemeta.Label(labels, "envs.corecount", "")
	features := imagemeta.Label(labels, "features", "")
	servicePortsLabel := imagemeta.Label(labels, "service-ports", "")
	imageVersion, err := strconv.Atoi(versionStr)
	if err != nil {
		imageVersion = 1
	}

	servicePorts, err := imagemeta.ParseServicePorts(servicePortsLabel)
	if err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, fmt.Errorf("parse service-ports label: %w", err))
	}

	// Phase 2: build or reuse resource spec.
	var spec *kernel.ResourceSpec
	if req.Restarting {
		spec, err = readResourceFile(configDir)
		if err != nil {
			return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, err)
		}
	} else {
		spec, err = o.planResourceSpec(&rb, req)
		if err != nil {
			return nil, err
		}
	}

	// Phase 3: environment.
	env := []string{"LD_PRELOAD=/home/backend.ai/libbaihook.so"}
	if corecountVar != "" {
		for _, name := range splitNonEmpty(corecountVar, ",") {
			env = append(env, fmt.Sprintf("%s=%d", name, len(spec.CPUSet)))
		}
	}
	if containsFlag(features, "UID_MATCH") {
		env = append(env, fmt.Sprintf("LOCAL_USER_ID=%d", os.Getuid()))
	}
	for kind, perDevice := range spec.AcceleratorDevs {
		env = append(env, o.accelEnviron(kind, perDevice)...)
	}

	// Phase 4: persist config.
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, err)
	}
	rb.push(func() { os.RemoveAll(filepath.Join(o.cfg.ScratchRoot, req.KernelID)) })
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, err)
	}
	if err := writeEnviron(configDir, env); err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, err)
	}
	serializedSpec := o.serializeResourceSpecFull(spec)
	if err := writeResourceFile(configDir, serializedSpec); err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, err)
	}

	// Phase 5: compose container config, draw ports.
	containerPorts := exposedContainerPorts(imageRef.ShortName, servicePorts)
	hostPorts, err := o.ports.AllocN(len(containerPorts))
	if err != nil {
		return nil, agenterrors.New(agenterrors.InsufficientPorts, req.KernelID, err)
	}
	rb.push(func() { o.ports.Free(hostPorts) })

	portMap := make(map[int]int, len(containerPorts))
	for i, cp := range containerPorts {
		portMap[cp] = hostPorts[i]
	}
	if err := writePortsFile(configDir, portMap); err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, err)
	}

	bindings := make([]runtime.PortBinding, 0, len(containerPorts))
	for _, cp := range containerPorts {
		bindings = append(bindings, runtime.PortBinding{ContainerPort: cp, HostPort: portMap[cp]})
	}

	mounts := []runtime.MountSpec{
		{HostPath: configDir, ContainerPath: "/home/config", ReadOnly: true},
		{HostPath: workDir, ContainerPath: "/home/work", ReadOnly: false},
	}
	for _, m := range spec.Mounts {
		mounts = append(mounts, runtime.MountSpec{
			HostPath:      m.HostPath,
			ContainerPath: m.KernelPath,
			ReadOnly:      m.Permission == kernel.MountRO,
		})
	}

	containerName := imagemeta.ContainerName(imageRef.ShortName, req.KernelID)
	createSpec := runtime.CreateSpec{
		ContainerName: containerName,
		ImageRef:      req.ImageRef,
		Env:           env,
		CPUSet:        spec.CPUSet,
		NUMANode:      spec.NUMANode,
		CPUSlot:       spec.Shares[kernel.ShareCPU],
		MemoryLimit:   spec.MemoryLimit,
		Mounts:        mounts,
		Ports:         bindings,
		HostNet:       true,
	}

	// Phase 6: create, index container, start.
	containerID, err := o.daemon.Create(ctx, createSpec)
	if err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, err)
	}
	rb.push(func() { o.daemon.Delete(context.Background(), containerID) })
	o.IndexContainer(containerID, req.KernelID)
	rb.push(func() { o.deindexContainer(containerID) })

	logDir := filepath.Join(configDir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, err)
	}
	if err := o.daemon.Start(ctx, containerID, logDir); err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, err)
	}

	// Phase 7: publish.
	execTimeout := secondsToDuration(timeoutSec)
	rec := &kernel.Record{
		ID:           req.KernelID,
		Image:        imageRef,
		ImageVersion: imageVersion,
		ContainerID:  containerID,
		KernelHost:   o.cfg.AgentHost,
		ReplInPort:   portMap[2000],
		ReplOutPort:  portMap[2001],
		ServicePorts: stampServicePortHosts(servicePorts, portMap),
		HostPorts:    hostPorts,
		ExecTimeout:  execTimeout,
		ResourceSpec: spec,
	}
	if p, ok := portMap[2002]; ok {
		rec.StdinPort = p
	}
	if p, ok := portMap[2003]; ok {
		rec.StdoutPort = p
	}
	rec.Touch()
	o.registry.Insert(rec)

	rb.disarm()
	logger.Info().Str("container_id", containerID).Msg("kernel created")

	return &CreateKernelResult{
		ID:           req.KernelID,
		KernelHost:   rec.KernelHost,
		ReplInPort:   rec.ReplInPort,
		ReplOutPort:  rec.ReplOutPort,
		StdinPort:    rec.StdinPort,
		StdoutPort:   rec.StdoutPort,
		ServicePorts: rec.ServicePorts,
		ContainerID:  containerID,
		ResourceSpec: serializedSpec,
	}, nil
}

// planResourceSpec allocates CPU, memory sizing, and accelerator shares
// from a fresh request's limits (spec §4.3 step 2). Restart's re-create
// skips this entirely and re-reads the on-disk spec instead.
func (o *Orchestrator) planResourceSpec(rb *rollbackStack, req CreateKernelRequest) (*kernel.ResourceSpec, error) {
	cpuSlot, err := parseDecimal(req.Limits.CPUSlot)
	if err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, fmt.Errorf("parse cpu_slot: %w", err))
	}
	memSlot, err := parseDecimal(req.Limits.MemSlot)
	if err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, fmt.Errorf("parse mem_slot: %w", err))
	}
	gpuSlot, err := parseDecimal(req.Limits.GPUSlot)
	if err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, fmt.Errorf("parse gpu_slot: %w", err))
	}
	tpuSlot, err := parseDecimal(req.Limits.TPUSlot)
	if err != nil {
		return nil, agenterrors.New(agenterrors.ContainerStartFailed, req.KernelID, fmt.Errorf("parse tpu_slot: %w", err))
	}

	numCores := int(cpuSlot)
	if numCores < 1 {
		numCores = 1
	}
	if avail := o.cpu.NumCores(); numCores > avail {
		numCores = avail
	}

	numaNode, cpuSet, err := o.allocateCPU(rb, req.KernelID, numCores, req.CPUSet)
	if err != nil {
		return nil, err
	}

	spec := &kernel.ResourceSpec{
		Shares: map[string]float64{
			kernel.ShareCPU: cpuSlot,
			kernel.ShareMem: memSlot,
			kernel.ShareGPU: gpuSlot,
			kernel.ShareTPU: tpuSlot,
		},
		AcceleratorDevs: make(map[string]map[string]float64),
		Mounts:          buildMounts(req.VFolderMountRoot, req.Mounts),
		NUMANode:        numaNode,
		CPUSet:          cpuSet,
		MemoryLimit:     int64(memSlot * (1 << 30)),
	}

	for kind, share := range map[string]float64{"gpu": gpuSlot, "tpu": tpuSlot} {
		if share <= 0 {
			continue
		}
		perDevice, err := o.allocateAccelerator(rb, req.KernelID, kind, share)
		if err != nil {
			return nil, err
		}
		spec.AcceleratorDevs[kind] = perDevice
	}

	return spec, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsFlag(features, flag string) bool {
	for _, f := range splitNonEmpty(features, ",") {
		if f == flag {
			return true
		}
	}
	return false
}

func secondsToDuration(s string) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		n = 10
	}
	return time.Duration(n) * time.Second
}

func stampServicePortHosts(ports []imagemeta.ServicePort, portMap map[int]int) []imagemeta.ServicePort {
	out := make([]imagemeta.ServicePort, len(ports))
	copy(out, ports)
	for i := range out {
		out[i].HostPort = portMap[out[i].ContainerPort]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
