package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
)

// readOnlyMethods is the set of CallRequest.Method values that don't mutate
// kernel state, used by ReadOnlyInterceptor to gate the loopback listener.
var readOnlyMethods = map[string]bool{
	"ping_kernel":     true,
	"get_logs":        true,
	"get_completions": true,
	"list_files":      true,
	"download_file":   true,
}

// ReadOnlyInterceptor rejects write methods (create_kernel, destroy_kernel,
// execute, ...) on a listener meant for local, unauthenticated inspection
// only - mirroring the teacher's Unix-socket-vs-mTLS split, but keyed off
// CallRequest.Method instead of the gRPC method name since every RPC here
// goes through the single Call envelope.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		call, ok := req.(*CallRequest)
		if !ok {
			return handler(ctx, req)
		}
		if !readOnlyMethods[call.Method] {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"write method %q not allowed on the read-only listener",
				call.Method,
			)
		}
		return handler(ctx, req)
	}
}

// TouchLastUsedInterceptor marks the target kernel's Record.LastUsed after
// every successful call, on top of the per-method Touch() calls already
// made inside pkg/orchestrator (create.go, destroy.go, execute.go,
// files.go). It is redundant with those call sites but kept as an explicit,
// interceptor-level guarantee that idle tracking can't silently regress if
// a future RPC handler forgets to touch its own kernel.
func TouchLastUsedInterceptor(registry *kernel.Registry) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return resp, err
		}
		if call, ok := req.(*CallRequest); ok && call.KernelID != "" {
			if rec, found := registry.Get(call.KernelID); found {
				rec.Touch()
			}
		}
		return resp, err
	}
}

// chainInterceptors composes unary interceptors so the first listed runs
// outermost (read-only gating before last-used tracking).
func chainInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := chain
			chain = func(ctx context.Context, req interface{}) (interface{}, error) {
				return interceptor(ctx, req, info, next)
			}
		}
		return chain(ctx, req)
	}
}
