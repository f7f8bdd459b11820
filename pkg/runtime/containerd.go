package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace kernel containers live
	// under, isolated from anything else the host's containerd manages.
	DefaultNamespace = "backendai-agent"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	cpuPeriodUs = uint64(100000)
)

// Runtime is the container-daemon collaborator used by pkg/orchestrator and
// pkg/reaper.
type Runtime struct {
	client    *containerd.Client
	namespace string
}

// New connects to containerd at socketPath (DefaultSocketPath if empty)
// under namespace (DefaultNamespace if empty).
func New(socketPath, namespace string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}

	return &Runtime{client: client, namespace: namespace}, nil
}

// Close closes the containerd client connection.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Version reports the connected daemon's version string, logged once at
// bootstrap (spec §4.12, "fetch daemon version").
func (r *Runtime) Version(ctx context.Context) (string, error) {
	v, err := r.client.Version(r.ctx(ctx))
	if err != nil {
		return "", fmt.Errorf("daemon version: %w", err)
	}
	return fmt.Sprintf("%s (%s)", v.Version, v.Revision), nil
}

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// MountSpec is one bind mount to add to a kernel container, mirroring
// kernel.Mount but decoupled from pkg/kernel so this package stays a leaf.
type MountSpec struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// PortBinding is one port the kernel's in-container runner is expected to
// bind to. Containerd has no NAT-style publish step the way the Docker
// Engine API does; kernel containers run host-networked (CreateSpec.HostNet)
// so "binding" a port is the runner binding it directly. The struct stays
// so callers can reason about which host ports a kernel occupies without
// reaching into networking internals.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// CreateSpec is everything needed to materialize one kernel container.
type CreateSpec struct {
	ContainerName string // pkg/imagemeta.ContainerName(image, kernelID)
	ImageRef      string
	Env           []string

	CPUSet      []int // host cpu indices, empty means unrestricted
	NUMANode    int
	CPUSlot     float64 // fractional cpu shares, e.g. 1.5
	MemoryLimit int64   // bytes, 0 means unrestricted

	Mounts []MountSpec
	Ports  []PortBinding

	// HostNet runs the container in the host network namespace so the
	// runner can bind the exact ports the resource pool assigned it.
	HostNet bool
}

// Create pulls the image if needed, composes the OCI spec, and creates (but
// does not start) the container. Returns the containerd container id, which
// is ContainerName.
func (r *Runtime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.resolveImage(ctx, spec.ImageRef)
	if err != nil {
		return "", err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithSeccompUnconfined,
	}

	if spec.HostNet {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
		opts = append(opts, oci.WithHostHostsFile, oci.WithHostResolvconf)
	}

	if spec.CPUSlot > 0 {
		// shares: relative weight, 1024 per core. quota/period: absolute
		// CFS budget, period fixed at 100ms (spec §4.3 step 5).
		shares := uint64(spec.CPUSlot * 1024)
		quota := int64(spec.CPUSlot * float64(cpuPeriodUs))
		opts = append(opts, oci.WithCPUShares(shares))
		opts = append(opts, oci.WithCPUCFS(quota, int64(cpuPeriodUs)))
	}
	if len(spec.CPUSet) > 0 {
		opts = append(opts, oci.WithCPUs(cpuSetString(spec.CPUSet)))
		opts = append(opts, oci.WithCPUsMems(fmt.Sprintf("%d", spec.NUMANode)))
	}
	if spec.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimit)))
	}

	if mounts := toOCIMounts(spec.Mounts); len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		spec.ContainerName,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerName+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.ContainerName, err)
	}

	return ctrdContainer.ID(), nil
}

// resolveImage returns the named image, pulling it on a 404 from GetImage
// (spec §4.3 step 1, "pull if the daemon reports 404 on inspect").
func (r *Runtime) resolveImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := r.client.GetImage(ctx, ref)
	if errdefs.IsNotFound(err) {
		image, err = r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve image %s: %w", ref, err)
	}
	return image, nil
}

// Labels reads the OCI image config's Labels (Dockerfile LABEL instructions),
// pulling the image first if it isn't already present locally. This backs
// pkg/imagemeta.Label's ai.backend.*/io.sorna.* fallback lookups in create's
// phase 1.
func (r *Runtime) Labels(ctx context.Context, imageRef string) (map[string]string, error) {
	ctx = r.ctx(ctx)

	image, err := r.resolveImage(ctx, imageRef)
	if err != nil {
		return nil, err
	}

	ociSpec, err := image.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("read image spec %s: %w", imageRef, err)
	}
	return ociSpec.Config.Labels, nil
}

func toOCIMounts(mounts []MountSpec) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		perm := "rw"
		if m.ReadOnly {
			perm = "ro"
		}
		out = append(out, specs.Mount{
			Source:      m.HostPath,
			Destination: m.ContainerPath,
			Type:        "bind",
			Options:     []string{perm, "bind"},
		})
	}
	return out
}

func cpuSetString(cpus []int) string {
	s := ""
	for i, c := range cpus {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d", c)
	}
	return s
}

// Start creates the container's task and starts it. When logDir is set,
// stdout/stderr are redirected there so Logs has something to read.
func (r *Runtime) Start(ctx context.Context, containerID string, logDir string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	creator := cio.NullIO
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("create log dir %s: %w", logDir, err)
		}
		creator = cio.LogFile(filepath.Join(logDir, "stdout.log"))
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("create task for %s: %w", containerID, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task for %s: %w", containerID, err)
	}

	return nil
}

// Stop sends SIGINT (the kernel image's documented stop signal) and waits
// up to timeout for graceful exit before SIGKILL, then deletes the task. A
// container with no task (never started, or already reaped) is a no-op,
// matching the "already in progress" tolerance destroy needs (spec §4.4).
func (r *Runtime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGINT); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("signal task %s: %w", containerID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait on task %s: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("force kill task %s: %w", containerID, err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete task %s: %w", containerID, err)
	}

	return nil
}

// Delete removes the container and its snapshot. Stop should be called
// first; Delete tolerates an already-stopped or already-gone container.
func (r *Runtime) Delete(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete container %s: %w", containerID, err)
	}
	return nil
}

// Status is the coarse container lifecycle state the orchestrator reasons
// about; it collapses containerd's task-status vocabulary down to what the
// restart/reaper paths need.
type Status int

const (
	StatusMissing Status = iota
	StatusCreated
	StatusRunning
	StatusExited
)

// GetStatus reports a container's current lifecycle state.
func (r *Runtime) GetStatus(ctx context.Context, containerID string) (Status, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if errdefs.IsNotFound(err) {
		return StatusMissing, nil
	}
	if err != nil {
		return StatusMissing, fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return StatusCreated, nil
	}

	st, err := task.Status(ctx)
	if err != nil {
		return StatusMissing, fmt.Errorf("task status for %s: %w", containerID, err)
	}

	switch st.Status {
	case containerd.Running, containerd.Paused:
		return StatusRunning, nil
	case containerd.Stopped:
		return StatusExited, nil
	default:
		return StatusCreated, nil
	}
}

// ContainerInfo is one entry from List, used by bootstrap reconciliation
// (spec §2.3) to rediscover kernel containers that survived an agent
// restart.
type ContainerInfo struct {
	ID     string
	Labels map[string]string
}

// ImageInfo is one locally available image, as reported by Images.
type ImageInfo struct {
	Name   string
	Digest string
}

// Images lists every image the daemon has pulled locally (spec §4.12,
// "scan images"), for bootstrap to filter down to the agent's kernel-image
// naming convention via pkg/imagemeta.IsKernelImage.
func (r *Runtime) Images(ctx context.Context) ([]ImageInfo, error) {
	ctx = r.ctx(ctx)
	images, err := r.client.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	out := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		out = append(out, ImageInfo{Name: img.Name(), Digest: img.Target().Digest.String()})
	}
	return out, nil
}

// List returns every container in the runtime's namespace, for bootstrap
// reconciliation to filter down to the "kernel.*" naming convention.
func (r *Runtime) List(ctx context.Context) ([]ContainerInfo, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			labels = nil
		}
		out = append(out, ContainerInfo{ID: c.ID(), Labels: labels})
	}
	return out, nil
}

// Logs returns up to maxBytes from the tail of a container's redirected
// stdio log (see Start's logDir), satisfying the get_logs RPC (spec §2.3).
// It is a thin read of whatever cio.LogFile wrote, not a live stream.
func (r *Runtime) Logs(logDir string, maxBytes int64) (string, error) {
	path := filepath.Join(logDir, "stdout.log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat log file %s: %w", path, err)
	}

	if maxBytes > 0 && info.Size() > maxBytes {
		if _, err := f.Seek(-maxBytes, io.SeekEnd); err != nil {
			return "", fmt.Errorf("seek log file %s: %w", path, err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("read log file %s: %w", path, err)
	}
	return string(data), nil
}

// Exec runs a one-shot process inside a running container and returns its
// combined stdout/stderr. This backs list_files' docker-exec-based listing
// (spec §9, a documented transport wart carried over as-is rather than
// redesigned to a direct archive read).
func (r *Runtime) Exec(ctx context.Context, containerID string, args []string) (string, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("load task for %s: %w", containerID, err)
	}

	procSpec, err := task.Spec(ctx)
	if err != nil {
		return "", fmt.Errorf("read task spec for %s: %w", containerID, err)
	}
	pspec := *procSpec.Process
	pspec.Args = args
	pspec.Terminal = false

	var out bytes.Buffer
	process, err := task.Exec(ctx, uuid.New().String(), &pspec, cio.NewCreator(cio.WithStreams(nil, &out, &out)))
	if err != nil {
		return "", fmt.Errorf("exec in %s: %w", containerID, err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("wait on exec in %s: %w", containerID, err)
	}
	if err := process.Start(ctx); err != nil {
		return "", fmt.Errorf("start exec in %s: %w", containerID, err)
	}
	<-statusC

	return out.String(), nil
}
