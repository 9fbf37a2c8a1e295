package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "palisade.agent_engine.v1.AgentEngineService"

// AgentEngineService is the gRPC surface of the engine. Requests and
// responses are google.protobuf.Struct documents with the same fields as
// the HTTP API's JSON bodies.
type AgentEngineService interface {
	ExecuteTool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecideApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignalWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(AgentEngineService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(AgentEngineService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes AgentEngineService for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentEngineService)(nil),
	Methods: []grpc.MethodDesc{
		unary("ExecuteTool", AgentEngineService.ExecuteTool),
		unary("DecideApproval", AgentEngineService.DecideApproval),
		unary("StartWorkflow", AgentEngineService.StartWorkflow),
		unary("GetWorkflow", AgentEngineService.GetWorkflow),
		unary("SignalWorkflow", AgentEngineService.SignalWorkflow),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterAgentEngineServer registers srv with a gRPC server.
func RegisterAgentEngineServer(s grpc.ServiceRegistrar, srv AgentEngineService) {
	s.RegisterService(&ServiceDesc, srv)
}

// AgentEngineClient calls AgentEngineService over a client connection.
type AgentEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentEngineClient wraps a client connection.
func NewAgentEngineClient(cc grpc.ClientConnInterface) *AgentEngineClient {
	return &AgentEngineClient{cc: cc}
}

func (c *AgentEngineClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentEngineClient) ExecuteTool(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ExecuteTool", in, opts...)
}

func (c *AgentEngineClient) DecideApproval(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "DecideApproval", in, opts...)
}

func (c *AgentEngineClient) StartWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "StartWorkflow", in, opts...)
}

func (c *AgentEngineClient) GetWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetWorkflow", in, opts...)
}

func (c *AgentEngineClient) SignalWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SignalWorkflow", in, opts...)
}
