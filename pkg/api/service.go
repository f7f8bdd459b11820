package api

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/agenterrors"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/metrics"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/orchestrator"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/runner"
)

var errKernelNotFound = fmt.Errorf("kernel not found")

// CallRequest is the single RPC envelope the agent exposes. There is no
// generated service per kernel RPC (no .proto in this tree - see
// api/proto/agent.proto for the documented wire contract instead); Method
// selects one of the twelve calls the spec's kernel agent exposes over
// aiozmq.rpc (spec §2/§6), and Payload is that call's msgpack-encoded
// argument struct.
type CallRequest struct {
	Method   string
	KernelID string
	Payload  []byte
}

// CallReply carries either a msgpack-encoded result or an error message.
// ErrMsg is populated in addition to the gRPC status error so clients that
// only decode the envelope (rather than inspecting gRPC status) still see
// the failure reason.
type CallReply struct {
	Payload []byte
	ErrMsg  string
}

// AgentControlServer is implemented by Service and registered against
// agentControlServiceDesc.
type AgentControlServer interface {
	Call(ctx context.Context, req *CallRequest) (*CallReply, error)
}

// Service dispatches CallRequest.Method into the orchestrator.
type Service struct {
	orch     *orchestrator.Orchestrator
	registry *kernel.Registry
}

// NewService builds the RPC dispatcher over an already-constructed
// orchestrator and the same registry it was given (spec §4.12: both are
// owned by bootstrap, which wires this Service in alongside the idle
// reaper and heartbeat loops).
func NewService(orch *orchestrator.Orchestrator, registry *kernel.Registry) *Service {
	return &Service{orch: orch, registry: registry}
}

// Call implements AgentControlServer. Every RPC is timed and counted here
// so per-method instrumentation can't be forgotten in an individual
// handler (spec's ambient metrics stack, pkg/metrics). A panic inside a
// handler is recovered, logged and counted as an error, and returned as
// codes.Internal.
func (s *Service) Call(ctx context.Context, req *CallRequest) (reply *CallReply, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.New("api").Error().Str("method", req.Method).Interface("panic", r).Msg("rpc handler panicked")
			metrics.RPCRequestsTotal.WithLabelValues(req.Method, "error").Inc()
			metrics.KernelsFailedTotal.WithLabelValues(req.Method).Inc()
			reply = &CallReply{ErrMsg: fmt.Sprintf("panic: %v", r)}
			err = status.Errorf(codes.Internal, "%s panicked: %v", req.Method, r)
		}
	}()
	timer := metrics.NewTimer()
	result, err := s.dispatch(ctx, req)
	timer.ObserveDurationVec(metrics.RPCRequestDuration, req.Method)

	if err != nil {
		metrics.RPCRequestsTotal.WithLabelValues(req.Method, "error").Inc()
		metrics.KernelsFailedTotal.WithLabelValues(req.Method).Inc()
		return &CallReply{ErrMsg: err.Error()}, agenterrors.ToGRPCStatus(err)
	}
	metrics.RPCRequestsTotal.WithLabelValues(req.Method, "ok").Inc()

	if result == nil {
		return &CallReply{}, nil
	}
	payload, merr := msgpack.Marshal(result)
	if merr != nil {
		return nil, status.Errorf(codes.Internal, "marshal %s result: %v", req.Method, merr)
	}
	return &CallReply{Payload: payload}, nil
}

func (s *Service) dispatch(ctx context.Context, req *CallRequest) (interface{}, error) {
	switch req.Method {
	case "ping_kernel":
		return s.pingKernel(req.KernelID)
	case "create_kernel":
		return s.createKernel(ctx, req)
	case "destroy_kernel":
		return s.destroyKernel(ctx, req)
	case "restart_kernel":
		return s.restartKernel(ctx, req)
	case "interrupt_kernel":
		return nil, s.orch.InterruptKernel(ctx, req.KernelID)
	case "get_completions":
		return s.getCompletions(ctx, req)
	case "get_logs":
		return s.getLogs(ctx, req)
	case "execute":
		return s.execute(ctx, req)
	case "start_service":
		return nil, s.startService(ctx, req)
	case "upload_file":
		return nil, s.uploadFile(ctx, req)
	case "download_file":
		return s.downloadFile(ctx, req)
	case "list_files":
		return s.listFiles(ctx, req)
	default:
		return nil, status.Errorf(codes.Unimplemented, "unknown method %q", req.Method)
	}
}

func decodePayload(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode payload: %v", err)
	}
	return nil
}

type pingResult struct {
	Alive bool
}

func (s *Service) pingKernel(kernelID string) (*pingResult, error) {
	rec, ok := s.registry.Get(kernelID)
	if !ok {
		return nil, agenterrors.New(agenterrors.NotFound, kernelID, errKernelNotFound)
	}
	rec.Touch()
	return &pingResult{Alive: true}, nil
}

type createKernelPayload struct {
	ImageRef         string
	Restarting       bool
	Limits           orchestrator.Limits
	CPUSet           []int
	Mounts           []orchestrator.MountRequest
	VFolderMountRoot string
}

func (s *Service) createKernel(ctx context.Context, req *CallRequest) (*orchestrator.CreateKernelResult, error) {
	var p createKernelPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()
	res, err := s.orch.CreateKernel(ctx, orchestrator.CreateKernelRequest{
		KernelID:         req.KernelID,
		ImageRef:         p.ImageRef,
		Restarting:       p.Restarting,
		Limits:           p.Limits,
		CPUSet:           p.CPUSet,
		Mounts:           p.Mounts,
		VFolderMountRoot: p.VFolderMountRoot,
	})
	timer.ObserveDuration(metrics.KernelCreateDuration)
	if err != nil {
		return nil, err
	}
	metrics.KernelsCreatedTotal.Inc()
	return res, nil
}

type destroyKernelPayload struct {
	Reason string
}

func (s *Service) destroyKernel(ctx context.Context, req *CallRequest) (map[string]interface{}, error) {
	var p destroyKernelPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()
	res, err := s.orch.DestroyKernel(ctx, req.KernelID, p.Reason)
	timer.ObserveDuration(metrics.KernelDestroyDuration)
	return res, err
}

type restartKernelPayload struct {
	Mounts []orchestrator.MountRequest
}

func (s *Service) restartKernel(ctx context.Context, req *CallRequest) (*orchestrator.CreateKernelResult, error) {
	var p restartKernelPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()
	res, err := s.orch.RestartKernel(ctx, req.KernelID, p.Mounts)
	timer.ObserveDuration(metrics.KernelRestartDuration)
	return res, err
}

type getCompletionsPayload struct {
	Text string
	Opts runner.Opts
}

func (s *Service) getCompletions(ctx context.Context, req *CallRequest) ([]string, error) {
	var p getCompletionsPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}
	return s.orch.GetCompletions(ctx, req.KernelID, p.Text, p.Opts)
}

type getLogsResult struct {
	Logs string
}

func (s *Service) getLogs(ctx context.Context, req *CallRequest) (*getLogsResult, error) {
	logs, err := s.orch.GetLogs(ctx, req.KernelID)
	if err != nil {
		return nil, err
	}
	return &getLogsResult{Logs: logs}, nil
}

type executePayload struct {
	RunID             string
	APIVersion        int
	Mode              string
	Code              string
	Opts              runner.Opts
	FlushTimeoutMS    int64
	UploadOutputFiles bool
}

func (s *Service) execute(ctx context.Context, req *CallRequest) (*orchestrator.ExecuteResult, error) {
	var p executePayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()
	res, err := s.orch.Execute(ctx, orchestrator.ExecuteRequest{
		KernelID:          req.KernelID,
		RunID:             p.RunID,
		APIVersion:        p.APIVersion,
		Mode:              p.Mode,
		Code:              p.Code,
		Opts:              p.Opts,
		FlushTimeout:      time.Duration(p.FlushTimeoutMS) * time.Millisecond,
		UploadOutputFiles: p.UploadOutputFiles,
	})
	timer.ObserveDuration(metrics.KernelExecuteDuration)
	return res, err
}

func (s *Service) startService(ctx context.Context, req *CallRequest) error {
	var opts runner.StartServiceOpts
	if err := decodePayload(req.Payload, &opts); err != nil {
		return err
	}
	return s.orch.StartService(ctx, req.KernelID, opts)
}

type uploadFilePayload struct {
	Name string
	Data []byte
}

func (s *Service) uploadFile(ctx context.Context, req *CallRequest) error {
	var p uploadFilePayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return err
	}
	return s.orch.UploadFile(ctx, req.KernelID, p.Name, p.Data)
}

type downloadFilePayload struct {
	Path string
}

type downloadFileResult struct {
	Data []byte
}

func (s *Service) downloadFile(ctx context.Context, req *CallRequest) (*downloadFileResult, error) {
	var p downloadFilePayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}
	data, err := s.orch.DownloadFile(ctx, req.KernelID, p.Path)
	if err != nil {
		return nil, err
	}
	return &downloadFileResult{Data: data}, nil
}

type listFilesPayload struct {
	Path string
}

func (s *Service) listFiles(ctx context.Context, req *CallRequest) (*orchestrator.ListFilesResult, error) {
	var p listFilesPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}
	return s.orch.ListFiles(ctx, req.KernelID, p.Path)
}
