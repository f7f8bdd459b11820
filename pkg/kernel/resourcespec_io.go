package kernel

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Serialize renders a ResourceSpec to the line-oriented format persisted at
// <scratch>/<kernel>/config/resource.txt. The orchestrator appends
// "<KIND>_MEMORY_LIMITS=..."/"<KIND>_PROCESSOR_LIMITS=..." lines after this
// (those require accelerator device objects this package doesn't have);
// Deserialize ignores any line it doesn't recognize so those pass through
// untouched on restart.
func Serialize(spec *ResourceSpec) string {
	var b strings.Builder

	cpuSet := append([]int(nil), spec.CPUSet...)
	sort.Ints(cpuSet)
	parts := make([]string, len(cpuSet))
	for i, c := range cpuSet {
		parts[i] = strconv.Itoa(c)
	}
	fmt.Fprintf(&b, "CPU_SET=%s\n", strings.Join(parts, ","))
	fmt.Fprintf(&b, "NUMA_NODE=%d\n", spec.NUMANode)
	fmt.Fprintf(&b, "MEMORY_LIMIT=%d\n", spec.MemoryLimit)
	fmt.Fprintf(&b, "SCRATCH_DISK_SIZE=%d\n", spec.ScratchDiskSize)

	shareKinds := make([]string, 0, len(spec.Shares))
	for k := range spec.Shares {
		shareKinds = append(shareKinds, k)
	}
	sort.Strings(shareKinds)
	for _, k := range shareKinds {
		fmt.Fprintf(&b, "SHARE_%s=%s\n", k, strconv.FormatFloat(spec.Shares[k], 'f', -1, 64))
	}

	accelKinds := make([]string, 0, len(spec.AcceleratorDevs))
	for k := range spec.AcceleratorDevs {
		accelKinds = append(accelKinds, k)
	}
	sort.Strings(accelKinds)
	for _, kind := range accelKinds {
		devs := spec.AcceleratorDevs[kind]
		devIDs := make([]string, 0, len(devs))
		for d := range devs {
			devIDs = append(devIDs, d)
		}
		sort.Strings(devIDs)
		entries := make([]string, len(devIDs))
		for i, d := range devIDs {
			entries[i] = fmt.Sprintf("%s:%s", d, strconv.FormatFloat(devs[d], 'f', -1, 64))
		}
		fmt.Fprintf(&b, "ACCEL_%s=%s\n", kind, strings.Join(entries, ","))
	}

	for _, m := range spec.Mounts {
		fmt.Fprintf(&b, "MOUNT=%s:%s:%s\n", m.HostPath, m.KernelPath, m.Permission)
	}

	return b.String()
}

// Deserialize parses the format written by Serialize. Lines it doesn't
// recognize (e.g. the _MEMORY_LIMITS/_PROCESSOR_LIMITS lines the
// orchestrator appends) are skipped.
func Deserialize(data string) (*ResourceSpec, error) {
	spec := &ResourceSpec{
		Shares:          make(map[string]float64),
		AcceleratorDevs: make(map[string]map[string]float64),
	}

	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key, val := line[:idx], line[idx+1:]

		switch {
		case key == "CPU_SET":
			if val == "" {
				continue
			}
			for _, s := range strings.Split(val, ",") {
				n, err := strconv.Atoi(s)
				if err != nil {
					return nil, fmt.Errorf("parse resource spec: bad cpu index %q: %w", s, err)
				}
				spec.CPUSet = append(spec.CPUSet, n)
			}
		case key == "NUMA_NODE":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("parse resource spec: bad numa node: %w", err)
			}
			spec.NUMANode = n
		case key == "MEMORY_LIMIT":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse resource spec: bad memory limit: %w", err)
			}
			spec.MemoryLimit = n
		case key == "SCRATCH_DISK_SIZE":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse resource spec: bad scratch disk size: %w", err)
			}
			spec.ScratchDiskSize = n
		case strings.HasPrefix(key, "SHARE_"):
			kind := strings.TrimPrefix(key, "SHARE_")
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("parse resource spec: bad share for %s: %w", kind, err)
			}
			spec.Shares[kind] = f
		case strings.HasPrefix(key, "ACCEL_"):
			kind := strings.TrimPrefix(key, "ACCEL_")
			devs := make(map[string]float64)
			if val != "" {
				for _, entry := range strings.Split(val, ",") {
					parts := strings.SplitN(entry, ":", 2)
					if len(parts) != 2 {
						continue
					}
					f, err := strconv.ParseFloat(parts[1], 64)
					if err != nil {
						return nil, fmt.Errorf("parse resource spec: bad accel share %q: %w", entry, err)
					}
					devs[parts[0]] = f
				}
			}
			spec.AcceleratorDevs[kind] = devs
		case key == "MOUNT":
			parts := strings.SplitN(val, ":", 3)
			if len(parts) != 3 {
				return nil, fmt.Errorf("parse resource spec: bad mount entry %q", val)
			}
			spec.Mounts = append(spec.Mounts, Mount{
				HostPath:   parts[0],
				KernelPath: parts[1],
				Permission: MountPermission(parts[2]),
			})
		default:
			// Unrecognized line (e.g. an accelerator *_MEMORY_LIMITS /
			// *_PROCESSOR_LIMITS line appended at persist time): ignore.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse resource spec: %w", err)
	}
	return spec, nil
}
