package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestScratch(t *testing.T, root, kernelID, resourceTxt, portsTxt string) {
	t.Helper()
	dir := scratchConfigDir(root, kernelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if resourceTxt != "" {
		if err := os.WriteFile(filepath.Join(dir, "resource.txt"), []byte(resourceTxt), 0o640); err != nil {
			t.Fatalf("write resource.txt: %v", err)
		}
	}
	if portsTxt != "" {
		if err := os.WriteFile(filepath.Join(dir, "ports.txt"), []byte(portsTxt), 0o640); err != nil {
			t.Fatalf("write ports.txt: %v", err)
		}
	}
}

func TestReadReconciledResourceSpec(t *testing.T) {
	root := t.TempDir()
	writeTestScratch(t, root, "kernel-1", "CPU_SET=0,1\nNUMA_NODE=0\nMEMORY_LIMIT=1024\nSCRATCH_DISK_SIZE=0\n", "")

	spec, err := readReconciledResourceSpec(root, "kernel-1")
	if err != nil {
		t.Fatalf("readReconciledResourceSpec() error = %v", err)
	}
	if len(spec.CPUSet) != 2 || spec.CPUSet[0] != 0 || spec.CPUSet[1] != 1 {
		t.Errorf("CPUSet = %v, want [0 1]", spec.CPUSet)
	}
	if spec.MemoryLimit != 1024 {
		t.Errorf("MemoryLimit = %d, want 1024", spec.MemoryLimit)
	}
}

func TestReadReconciledResourceSpec_Missing(t *testing.T) {
	root := t.TempDir()
	if _, err := readReconciledResourceSpec(root, "no-such-kernel"); err == nil {
		t.Fatal("expected error for missing resource.txt")
	}
}

func TestReadReconciledPorts(t *testing.T) {
	root := t.TempDir()
	writeTestScratch(t, root, "kernel-1", "", "2000=30010\n2001=30011\n")

	ports, err := readReconciledPorts(root, "kernel-1")
	if err != nil {
		t.Fatalf("readReconciledPorts() error = %v", err)
	}
	if ports[2000] != 30010 || ports[2001] != 30011 {
		t.Errorf("ports = %v, want {2000:30010 2001:30011}", ports)
	}
}

func TestReadReconciledPorts_MalformedLine(t *testing.T) {
	root := t.TempDir()
	writeTestScratch(t, root, "kernel-1", "", "not-a-port-line\n")

	if _, err := readReconciledPorts(root, "kernel-1"); err == nil {
		t.Fatal("expected parse error for malformed ports line")
	}
}
