package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/health"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/metrics"
)

// HealthServer provides the plain-HTTP health/readiness/metrics endpoints
// served alongside the mTLS RPC listener (spec §4.12: these run on
// --stat-port's neighbor, not through the RPC codec, so a bare curl works
// without a client certificate).
type HealthServer struct {
	registry      *kernel.Registry
	containerd    *health.TCPChecker
	containerdSoc string
	mux           *http.ServeMux
	srv           *http.Server
}

// NewHealthServer creates a health check HTTP server. containerdSocket is
// probed as a TCP/unix reachability check on each /ready call.
func NewHealthServer(registry *kernel.Registry, containerdSocket string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		registry:      registry,
		containerd:    health.NewTCPChecker(containerdSocket).WithTimeout(2 * time.Second),
		containerdSoc: containerdSocket,
		mux:           mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server; it blocks until Stop is
// called or the listener fails.
func (hs *HealthServer) Start(addr string) error {
	hs.srv = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	err := hs.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the health check HTTP server.
func (hs *HealthServer) Stop(ctx context.Context) error {
	if hs.srv == nil {
		return nil
	}
	return hs.srv.Shutdown(ctx)
}

// HealthResponse is the /health response body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the /ready response body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// Version is set by cmd/agent from build info.
var Version = "dev"

// healthHandler implements the /health endpoint: a simple liveness check,
//200 as long as the process is alive and serving.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint: ready once the container
// daemon socket answers and the kernel registry is constructed.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.registry != nil {
		checks["registry"] = "ok"
	} else {
		checks["registry"] = "not initialized"
		ready = false
		message = "Registry not initialized"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	result := hs.containerd.Check(ctx)
	if result.Healthy {
		checks["containerd"] = "ok"
	} else {
		checks["containerd"] = "unreachable: " + result.Message
		ready = false
		if message == "" {
			message = "containerd socket not reachable"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
