package api

import (
	"context"

	"google.golang.org/grpc"
)

// agentControlServiceDesc is the hand-written grpc.ServiceDesc for the
// agent's RPC surface. There is no api/proto/agent_grpc.pb.go because there
// is no .proto compiled anywhere in this tree (api/proto/agent.proto
// documents the wire contract but protoc is never run against it) - this
// plays the role protoc-gen-go-grpc would otherwise fill.
var agentControlServiceDesc = grpc.ServiceDesc{
	ServiceName: "agent.AgentControl",
	HandlerType: (*AgentControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agent.proto",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CallRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentControlServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/agent.AgentControl/Call",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentControlServer).Call(ctx, req.(*CallRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAgentControlServer registers srv's Call method on s, using the
// msgpack codec forced on s by NewServer.
func RegisterAgentControlServer(s *grpc.Server, srv AgentControlServer) {
	s.RegisterService(&agentControlServiceDesc, srv)
}
