// Package agenterrors defines the error kinds the orchestrator and RPC
// layer use to classify failures, and the gRPC status mapping for them.
package agenterrors

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind identifies a class of agent error, independent of the specific
// operation or kernel that produced it.
type Kind string

const (
	NotFound            Kind = "NOT_FOUND"
	InsufficientCPU      Kind = "INSUFFICIENT_CPU"
	InsufficientPorts    Kind = "INSUFFICIENT_PORTS"
	InsufficientAccel    Kind = "INSUFFICIENT_ACCEL"
	ImagePullFailed      Kind = "IMAGE_PULL_FAILED"
	ContainerStartFailed Kind = "CONTAINER_START_FAILED"
	RestartTimeout       Kind = "RESTART_TIMEOUT"
	FileTooLarge         Kind = "FILE_TOO_LARGE"
	MalformedPath        Kind = "MALFORMED_PATH"
	RunnerTimeout        Kind = "RUNNER_TIMEOUT"
	ExecTimeout          Kind = "EXEC_TIMEOUT"
	DaemonUnavailable    Kind = "DAEMON_UNAVAILABLE"
)

// AgentError wraps an underlying error with a classification kind and the
// kernel it concerns, when applicable.
type AgentError struct {
	Kind     Kind
	KernelID string
	Err      error
}

func (e *AgentError) Error() string {
	if e.KernelID != "" {
		return string(e.Kind) + " (kernel " + e.KernelID + "): " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *AgentError) Unwrap() error { return e.Err }

// New builds an AgentError for the given kind.
func New(kind Kind, kernelID string, err error) *AgentError {
	return &AgentError{Kind: kind, KernelID: kernelID, Err: err}
}

// Is reports whether err, or any error it wraps, is an *AgentError of the
// given kind (matched via errors.As).
func Is(err error, kind Kind) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// ToGRPCStatus converts an AgentError (or a plain error) to the gRPC status
// error that pkg/api's Service.Call returns to the control plane.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var ae *AgentError
	if !errors.As(err, &ae) {
		return status.Error(codes.Internal, err.Error())
	}
	switch ae.Kind {
	case NotFound:
		return status.Error(codes.NotFound, ae.Error())
	case InsufficientCPU, InsufficientPorts, InsufficientAccel:
		return status.Error(codes.ResourceExhausted, ae.Error())
	case MalformedPath:
		return status.Error(codes.InvalidArgument, ae.Error())
	case FileTooLarge:
		return status.Error(codes.OutOfRange, ae.Error())
	case RestartTimeout, RunnerTimeout, ExecTimeout:
		return status.Error(codes.DeadlineExceeded, ae.Error())
	case DaemonUnavailable:
		return status.Error(codes.Unavailable, ae.Error())
	case ImagePullFailed, ContainerStartFailed:
		return status.Error(codes.Aborted, ae.Error())
	default:
		return status.Error(codes.Internal, ae.Error())
	}
}
