// Package imagemeta reads kernel image metadata: the ai.backend.* labels
// (with io.sorna.* fallback), the service-port grammar, and the image-name
// pattern the agent treats as a kernel image.
package imagemeta

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// kernelImagePattern matches image repository names the agent will scan and
// offer as kernel images, e.g. "lablup/kernel-python".
var kernelImagePattern = regexp.MustCompile(`^.+/kernel-.+$`)

// IsKernelImage reports whether a repository name looks like a kernel image.
func IsKernelImage(repository string) bool {
	return kernelImagePattern.MatchString(repository)
}

// ReservedPorts are the intrinsic REPL ports; they can never appear in a
// service-port declaration.
var ReservedPorts = map[int]struct{}{2000: {}, 2001: {}}

// Label reads a label by name, preferring the "ai.backend.<name>" key and
// falling back to the legacy "io.sorna.<name>" key. This fallback must be
// preserved exactly: external kernel images still only carry the legacy
// keys.
func Label(labels map[string]string, name, def string) string {
	if v, ok := labels["ai.backend."+name]; ok {
		return v
	}
	if v, ok := labels["io.sorna."+name]; ok {
		return v
	}
	return def
}

// ServicePort is a user-declared service endpoint parsed from the
// "name:protocol:port" grammar.
type ServicePort struct {
	Name          string
	Protocol      string
	ContainerPort int
	HostPort      int // 0 until the container is started
}

var validProtocols = map[string]struct{}{"tcp": {}, "pty": {}, "http": {}}

// ParseServicePort parses one "name:protocol:port" entry from an image's
// service-ports label.
func ParseServicePort(s string) (ServicePort, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ServicePort{}, fmt.Errorf("invalid service port definition format: %q", s)
	}
	name, protocol, portStr := parts[0], parts[1], parts[2]
	if _, ok := validProtocols[protocol]; !ok {
		return ServicePort{}, fmt.Errorf("unsupported service port protocol: %s", protocol)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ServicePort{}, fmt.Errorf("invalid port number: %s", portStr)
	}
	if port <= 1024 {
		return ServicePort{}, fmt.Errorf("service port number must be larger than 1024")
	}
	if _, reserved := ReservedPorts[port]; reserved {
		return ServicePort{}, fmt.Errorf("service port %d is reserved for internal use", port)
	}
	return ServicePort{Name: name, Protocol: protocol, ContainerPort: port}, nil
}

// ParseServicePorts parses a comma-separated list of service-port entries,
// as found in the "service-ports" image label.
func ParseServicePorts(label string) ([]ServicePort, error) {
	if strings.TrimSpace(label) == "" {
		return nil, nil
	}
	entries := strings.Split(label, ",")
	ports := make([]ServicePort, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		sp, err := ParseServicePort(e)
		if err != nil {
			return nil, err
		}
		ports = append(ports, sp)
	}
	return ports, nil
}

// ImageRef is a parsed, canonical kernel image reference.
type ImageRef struct {
	Canonical string // e.g. "index.docker.io/lablup/kernel-python:3.8-ubuntu18.04"
	ShortName string // e.g. "kernel-python"
	Tag       string
}

// ParseImageRef splits a canonical reference into short name and tag. The
// agent requires images to already be fully resolved to canonical form by
// the time they reach create_kernel; this only extracts display fields.
func ParseImageRef(canonical string) ImageRef {
	ref := ImageRef{Canonical: canonical, Tag: "latest"}
	repo := canonical
	if idx := strings.LastIndex(canonical, ":"); idx > strings.LastIndex(canonical, "/") {
		repo = canonical[:idx]
		ref.Tag = canonical[idx+1:]
	}
	if idx := strings.LastIndex(repo, "/"); idx >= 0 {
		ref.ShortName = repo[idx+1:]
	} else {
		ref.ShortName = repo
	}
	return ref
}

// ContainsGit reports whether the image's short name contains "git", which
// per the container-compose phase of kernel creation enables the legacy
// stdin/stdout ports (2002/2003).
func ContainsGit(imageShortName string) bool {
	return strings.Contains(imageShortName, "git")
}

// ContainerName builds the daemon container name for a kernel:
// "kernel.<image-name>.<kernel-id>".
func ContainerName(imageShortName, kernelID string) string {
	return fmt.Sprintf("kernel.%s.%s", imageShortName, kernelID)
}

// KernelIDFromContainerName extracts the kernel-id from a container name
// following the "kernel.<image>.<kernel-id>" pattern. Names not starting
// with "kernel." are rejected.
func KernelIDFromContainerName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, "kernel.") {
		return "", false
	}
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return "", false
	}
	return name[idx+1:], true
}
