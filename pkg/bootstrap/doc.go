// Package bootstrap assembles every other package into one running agent
// process (spec §4.12): it owns the init sequence (daemon version, metadata
// connect, accelerator detection, optional manager wait, config read,
// container reconciliation, background task fan-out, RPC/health listeners)
// and the shutdown sequence cmd/agent drives on SIGTERM/SIGINT.
//
// Nothing here is itself an RPC handler or an allocation algorithm; those
// live in pkg/api and pkg/orchestrator. bootstrap's only job is wiring —
// deciding construction order and, on reconciliation, reading back what a
// previous process run already wrote to disk (pkg/orchestrator's
// resource.txt/ports.txt convention) before any of those collaborators
// exist.
package bootstrap
