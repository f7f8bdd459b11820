package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/eventbus"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/resources"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/runtime"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/stats"
)

// fakeDaemon is a hand-written ContainerDaemon double: no containerd
// socket, no real processes, just enough bookkeeping to drive the
// orchestrator's rollback, restart and reaper paths under test.
type fakeDaemon struct {
	mu sync.Mutex

	labels map[string]map[string]string

	createErr   error
	createCalls int
	deleteCalls []string
	stopCalls   []string
	startErr    error

	containers map[string]bool
	execOutput string
	execErr    error

	nextID int
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		labels:     make(map[string]map[string]string),
		containers: make(map[string]bool),
	}
}

func (f *fakeDaemon) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.containers[id] = true
	return id, nil
}

func (f *fakeDaemon) Start(ctx context.Context, containerID, logDir string) error {
	return f.startErr
}

func (f *fakeDaemon) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, containerID)
	return nil
}

func (f *fakeDaemon) Delete(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, containerID)
	delete(f.containers, containerID)
	return nil
}

func (f *fakeDaemon) GetStatus(ctx context.Context, containerID string) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.containers[containerID] {
		return runtime.StatusRunning, nil
	}
	return runtime.StatusMissing, nil
}

func (f *fakeDaemon) List(ctx context.Context) ([]runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.ContainerInfo, 0, len(f.containers))
	for id := range f.containers {
		out = append(out, runtime.ContainerInfo{ID: id})
	}
	return out, nil
}

func (f *fakeDaemon) Logs(logDir string, maxBytes int64) (string, error) {
	return "", nil
}

func (f *fakeDaemon) Labels(ctx context.Context, imageRef string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labels[imageRef], nil
}

func (f *fakeDaemon) Exec(ctx context.Context, containerID string, args []string) (string, error) {
	return f.execOutput, f.execErr
}

// testOrchestrator wires a minimal Orchestrator over in-memory resource
// maps and a fakeDaemon, for tests that don't need a live containerd or
// runner connection.
func testOrchestrator(t *testing.T, daemon *fakeDaemon) (*Orchestrator, func()) {
	t.Helper()
	dir := t.TempDir()

	cpu := resources.NewCPUAllocMap([]int{0, 1, 2, 3}, nil)
	ports := resources.NewPortPool(30000, 30020, nil)
	registry := kernel.NewRegistry()
	events := eventbus.New("", "test-instance")

	o := New(Config{
		AgentHost:         "127.0.0.1",
		ScratchRoot:       dir,
		RunnerDialTimeout: 2 * time.Second,
	}, registry, daemon, events, stats.NewCache(), cpu, ports, nil)

	return o, func() {}
}

func basicLabels() map[string]string {
	return map[string]string{
		"ai.backend.version":       "1",
		"ai.backend.timeout":       "10",
		"ai.backend.service-ports": "",
	}
}
