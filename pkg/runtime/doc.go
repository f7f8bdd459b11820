// Package runtime wraps a containerd client to create, start, stop, and
// tear down kernel containers, and to subscribe to their exit events.
//
// Containers run host-networked: unlike the Docker Engine API this system's
// on-disk container-config vocabulary was modeled on, containerd has no
// NAT-style PortBindings step, so a kernel's assigned ports are the exact
// ports its in-container runner binds to (see PortBinding).
package runtime
