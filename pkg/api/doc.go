/*
Package api is the agent's RPC surface: a single mTLS gRPC listener
dispatching the kernel lifecycle and execution calls into pkg/orchestrator,
plus a plain-HTTP health/readiness/metrics server served alongside it.

# Architecture

	┌────────────────── control plane client ──────────────────┐
	│         gRPC client, mTLS, msgpack-coded Call(CallRequest) │
	└─────────────────────────┬───────────────────────────────┘
	                          │ tcp, --agent-port
	┌─────────────────────────▼──────────────── Agent Process ──┐
	│  ┌────────────────────────────────────────────────────┐  │
	│  │         api.Server (gRPC, mTLS, msgpack codec)       │  │
	│  │  ReadOnlyInterceptor (loopback listener only)        │  │
	│  │  TouchLastUsedInterceptor                            │  │
	│  └──────────────────────┬───────────────────────────────┘  │
	│                         ▼                                   │
	│                  api.Service.Call                           │
	│            (dispatch on CallRequest.Method)                 │
	│                         ▼                                   │
	│                pkg/orchestrator.Orchestrator                │
	│                                                               │
	│  ┌────────────────────────────────────────────────────┐   │
	│  │        api.HealthServer (plain HTTP)                │   │
	│  │        /health  /ready  /metrics                     │   │
	│  └────────────────────────────────────────────────────┘   │
	└───────────────────────────────────────────────────────────┘

# RPC Surface

There is no generated service: no .proto is compiled anywhere in this tree
(api/proto/agent.proto documents the wire contract for reference only).
Every RPC goes through one hand-written grpc.ServiceDesc method, Call,
taking a CallRequest{Method, KernelID, Payload} envelope and returning a
CallReply{Payload, ErrMsg}; Payload is a msgpack-encoded, per-method
argument or result struct. Service.dispatch switches on Method across the
twelve calls the spec's kernel agent exposes (spec §2/§6):

	ping_kernel       create_kernel     destroy_kernel    restart_kernel
	interrupt_kernel  get_completions   get_logs          execute
	start_service     upload_file       download_file     list_files

# Wire Codec

msgpackCodec implements grpc/encoding.Codec over vmihailenco/msgpack/v5,
forced on the server with grpc.ForceServerCodec so clients don't need a
content-type negotiation round trip. This is the same serialization the
orchestrator already speaks to aiozmq.rpc-style kernel runners
(pkg/orchestrator/background.go) and pkg/runner, reused here for the
control-plane transport instead of introducing protobuf purely for this
package.

# mTLS

NewServer roots a local security.CertAuthority at --cert-dir and issues
this agent's own node certificate the first time it starts, persisting the
CA root and node cert/key to disk for subsequent restarts (CertExists /
LoadFromDir short-circuit re-issuing). Unlike the teacher's manager, which
requests its certificate from the cluster's Raft-replicated CA, the agent
has no cluster manager to ask, so it is its own CA — pkg/security's
DESIGN.md entry documents that Open Question decision.

# Interceptors

ReadOnlyInterceptor rejects any CallRequest.Method not in a small read-only
set (ping_kernel, get_logs, get_completions, list_files, download_file).
It exists for a future unauthenticated loopback listener, mirroring the
teacher's Unix-socket-vs-mTLS split, but keyed off Method instead of gRPC
method name since every RPC here shares one gRPC method.

TouchLastUsedInterceptor marks Record.LastUsed after every successful call
by KernelID, on top of the Touch() calls pkg/orchestrator's methods already
make at their own call sites — explicit, interceptor-level defense against
a future handler forgetting to touch its own kernel.

# Health and Metrics

HealthServer serves /health (liveness), /ready (containerd reachability +
registry readiness, via pkg/health.TCPChecker), and /metrics (pkg/metrics'
Prometheus handler) on a plain HTTP listener separate from the mTLS RPC
port, so operational tooling doesn't need a client certificate to poll
them.

# Usage

	registry := kernel.NewRegistry()
	orch := orchestrator.New(cfg, registry, daemon, events, statCache, cpu, ports, accel)
	svc := api.NewService(orch, registry)

	srv, err := api.NewServer(nodeID, certDir, registry, svc)
	if err != nil {
		log.Fatal(err)
	}
	go srv.Start(agentAddr)
	defer srv.Stop()

	hs := api.NewHealthServer(registry, containerdSocket)
	go hs.Start(statAddr)
*/
package api
