package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/agenterrors"
)

const maxDownloadFileSize = 1 * 1024 * 1024 // 1 MiB, spec §7 FileTooLarge

// resolveWorkPath joins name onto the kernel's work directory and rejects
// any result that escapes it (spec §7 MalformedPath).
func resolveWorkPath(workDir, name string) (string, error) {
	resolved := filepath.Join(workDir, name)
	if resolved != workDir && !strings.HasPrefix(resolved, workDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes work directory", name)
	}
	return resolved, nil
}

// UploadFile writes data to <work>/<name>, creating parent directories as
// needed.
func (o *Orchestrator) UploadFile(ctx context.Context, kernelID, name string, data []byte) error {
	rec, ok := o.registry.Get(kernelID)
	if !ok {
		return agenterrors.New(agenterrors.NotFound, kernelID, fmt.Errorf("kernel not found"))
	}
	rec.Touch()

	workDir, _ := scratchDirs(o.cfg.ScratchRoot, kernelID)
	dest, err := resolveWorkPath(workDir, name)
	if err != nil {
		return agenterrors.New(agenterrors.MalformedPath, kernelID, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o640); err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	return nil
}

// DownloadFile reads <work>/<path>, rejecting anything over the 1 MiB cap.
func (o *Orchestrator) DownloadFile(ctx context.Context, kernelID, path string) ([]byte, error) {
	rec, ok := o.registry.Get(kernelID)
	if !ok {
		return nil, agenterrors.New(agenterrors.NotFound, kernelID, fmt.Errorf("kernel not found"))
	}
	rec.Touch()

	workDir, _ := scratchDirs(o.cfg.ScratchRoot, kernelID)
	src, err := resolveWorkPath(workDir, path)
	if err != nil {
		return nil, agenterrors.New(agenterrors.MalformedPath, kernelID, err)
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if info.Size() > maxDownloadFileSize {
		return nil, agenterrors.New(agenterrors.FileTooLarge, kernelID, fmt.Errorf("file %s is %d bytes, exceeds 1MiB cap", path, info.Size()))
	}

	return os.ReadFile(src)
}

// ListFilesResult mirrors list_files's response shape exactly (spec §9's
// preserved source wart).
type ListFilesResult struct {
	Files   []string
	Errors  string
	AbsPath string
}

// ListFiles lists a directory inside the kernel container via the
// container daemon's exec API, preserving the original implementation's
// docker-exec-based listing rather than reading the host-side bind mount
// directly (spec §9, decided in DESIGN.md Open Questions).
func (o *Orchestrator) ListFiles(ctx context.Context, kernelID, path string) (*ListFilesResult, error) {
	rec, ok := o.registry.Get(kernelID)
	if !ok {
		return nil, agenterrors.New(agenterrors.NotFound, kernelID, fmt.Errorf("kernel not found"))
	}
	rec.Touch()

	out, err := o.daemon.Exec(ctx, rec.ContainerID, []string{"ls", "-1a", path})
	if err != nil {
		return &ListFilesResult{Errors: err.Error(), AbsPath: path}, nil
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "." || line == ".." {
			continue
		}
		files = append(files, line)
	}

	return &ListFilesResult{Files: files, AbsPath: path}, nil
}
