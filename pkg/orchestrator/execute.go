package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/agenterrors"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/eventbus"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/runner"
)

// ensureRunner lazily constructs rec's runner if it doesn't have one yet
// (spec §4.6, P6). The process-wide runnerMu is held across the
// construction dial but never across subsequent runner I/O.
func (o *Orchestrator) ensureRunner(rec *kernel.Record) (*runner.Runner, error) {
	o.runnerMu.Lock()
	defer o.runnerMu.Unlock()

	if existing := rec.GetRunner(); existing != nil {
		r, ok := existing.(*runner.Runner)
		if !ok {
			return nil, fmt.Errorf("ensure runner: unexpected runner type for kernel %s", rec.ID)
		}
		return r, nil
	}

	r, err := runner.Dial(rec.KernelHost, rec.ReplInPort, rec.ReplOutPort, o.cfg.RunnerDialTimeout)
	if err != nil {
		return nil, agenterrors.New(agenterrors.RunnerTimeout, rec.ID, err)
	}
	rec.SetRunner(r)
	return r, nil
}

// ExecuteRequest is one execute RPC call (spec §6, §4.7).
type ExecuteRequest struct {
	KernelID          string
	RunID             string
	APIVersion        int
	Mode              string // batch | query | input | continue
	Code              string
	Opts              runner.Opts
	FlushTimeout      time.Duration
	UploadOutputFiles bool
}

// ExecuteResult mirrors the runner.Result plus the file-delta list.
type ExecuteResult struct {
	Status  string
	Console []interface{}
	Options map[string]interface{}
	Files   []string
}

// Execute implements the execute RPC pipeline (spec §4.7).
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if err := o.awaitRestart(ctx, req.KernelID); err != nil {
		return nil, err
	}

	rec, ok := o.registry.Get(req.KernelID)
	if !ok {
		o.events.KernelTerminatedEvent(req.KernelID, eventbus.ReasonSelfTerminated, "")
		return nil, agenterrors.New(agenterrors.NotFound, req.KernelID, fmt.Errorf("kernel not found"))
	}
	rec.Touch()

	r, err := o.ensureRunner(rec)
	if err != nil {
		return nil, err
	}

	rec.AddRunnerTask(req.RunID)
	defer rec.RemoveRunnerTask(req.RunID)
	r.AttachOutputQueue(req.RunID)

	workDir, _ := scratchDirs(o.cfg.ScratchRoot, req.KernelID)
	outputDir := filepath.Join(workDir, ".output")

	var before map[string]kernel.FileStat
	if req.Mode == "batch" || req.Mode == "query" {
		before = scanOutputFiles(outputDir)
		rec.InitialFileStats = before
	} else {
		before = rec.InitialFileStats
	}

	switch req.Mode {
	case "batch":
		err = r.FeedBatch(req.RunID, req.Opts)
	case "query":
		err = r.FeedCode(req.RunID, req.Code)
	case "input":
		err = r.FeedInput(req.RunID, req.Code)
	case "continue":
		// no-op feed: the runner already has work queued for this run id.
	default:
		return nil, agenterrors.New(agenterrors.ExecTimeout, req.KernelID, fmt.Errorf("unknown execute mode %q", req.Mode))
	}
	if err != nil {
		return nil, agenterrors.New(agenterrors.RunnerTimeout, req.KernelID, err)
	}

	flushTimeout := req.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}

	select {
	case <-ctx.Done():
		r.Close()
		rec.ClearRunner()
		return nil, ctx.Err()
	default:
	}

	res, err := r.GetNextResult(req.RunID, req.APIVersion, flushTimeout)
	if err != nil {
		return nil, agenterrors.New(agenterrors.RunnerTimeout, req.KernelID, err)
	}

	result := &ExecuteResult{Status: res.Status, Console: res.Console, Options: res.Options}

	if res.Status == "finished" || res.Status == "exec-timeout" {
		changed := collectChangedFiles(outputDir, before)
		if req.UploadOutputFiles {
			result.Files = changed
		}
	}

	if res.Status == "exec-timeout" {
		go func() {
			o.DestroyKernel(context.Background(), req.KernelID, string(eventbus.ReasonExecTimeout))
		}()
	}

	return result, nil
}

// InterruptKernel sends a SIGINT-equivalent into the kernel's runner.
func (o *Orchestrator) InterruptKernel(ctx context.Context, kernelID string) error {
	rec, ok := o.registry.Get(kernelID)
	if !ok {
		return agenterrors.New(agenterrors.NotFound, kernelID, fmt.Errorf("kernel not found"))
	}
	rec.Touch()
	r, err := o.ensureRunner(rec)
	if err != nil {
		return err
	}
	for _, runID := range rec.RunnerTaskIDs() {
		if err := r.FeedInterrupt(runID); err != nil {
			return err
		}
	}
	return nil
}

// GetCompletions requests completion candidates from the kernel's runner.
func (o *Orchestrator) GetCompletions(ctx context.Context, kernelID, text string, opts runner.Opts) ([]string, error) {
	rec, ok := o.registry.Get(kernelID)
	if !ok {
		return nil, agenterrors.New(agenterrors.NotFound, kernelID, fmt.Errorf("kernel not found"))
	}
	rec.Touch()
	r, err := o.ensureRunner(rec)
	if err != nil {
		return nil, err
	}
	return r.FeedAndGetCompletion(text, opts)
}

// StartService requests the kernel's runner launch a service process.
func (o *Orchestrator) StartService(ctx context.Context, kernelID string, opts runner.StartServiceOpts) error {
	rec, ok := o.registry.Get(kernelID)
	if !ok {
		return agenterrors.New(agenterrors.NotFound, kernelID, fmt.Errorf("kernel not found"))
	}
	rec.Touch()
	r, err := o.ensureRunner(rec)
	if err != nil {
		return err
	}
	return r.FeedStartService(opts)
}

// scanOutputFiles snapshots the <work>/.output directory. A missing
// directory (nothing has been written yet) yields an empty snapshot
// rather than an error.
func scanOutputFiles(dir string) map[string]kernel.FileStat {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return map[string]kernel.FileStat{}
	}
	stats := make(map[string]kernel.FileStat, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats[e.Name()] = kernel.FileStat{Size: info.Size(), ModTime: info.ModTime()}
	}
	return stats
}

const maxOutputFileSize = 100 * 1024 * 1024

// collectChangedFiles rescans dir and returns names that are new or
// changed since before, excluding anything outside (0, 100MiB] (spec §4.7
// step 7).
func collectChangedFiles(dir string, before map[string]kernel.FileStat) []string {
	after := scanOutputFiles(dir)
	var changed []string
	for name, stat := range after {
		if stat.Size <= 0 || stat.Size > maxOutputFileSize {
			continue
		}
		prior, existed := before[name]
		if !existed || !prior.ModTime.Equal(stat.ModTime) || prior.Size != stat.Size {
			changed = append(changed, name)
		}
	}
	return changed
}
