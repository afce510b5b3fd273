package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the gRPC service the daemon exposes.
const ServiceName = "ufp.v1.FlowService"

// Method names of ServiceName.
const (
	MethodInstall        = "Install"
	MethodInstallDefault = "InstallDefault"
	MethodUninstall      = "Uninstall"
	MethodQueryCount     = "QueryCount"
	MethodFlushFunction  = "FlushFunction"
	MethodUpdatePort     = "UpdatePort"
	MethodDump           = "Dump"
	MethodUsage          = "Usage"
	MethodSnapshot       = "Snapshot"
)

// FullMethod returns the wire name of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// FlowServer is the service surface. Requests and replies are protobuf
// well-known types; structured payloads travel as JSON.
//
//	Install         {rule: string(JSON ufp.Rule), parent: bool} -> flow id
//	InstallDefault  {port: number, direction: "rx"|"tx"}         -> flow id
//	Uninstall       flow id                                        -> empty
//	QueryCount      flow id            -> {packets, bytes: decimal string, last_used: RFC 3339}
//	FlushFunction   function id                                    -> flows released
//	UpdatePort      JSON portdb.Descriptor                         -> empty
//	Dump            empty                                          -> JSON manager.State
//	Usage           empty                                          -> JSON manager.Usage
//	Snapshot        empty                                          -> snapshot id
type FlowServer interface {
	Install(context.Context, *structpb.Struct) (*wrapperspb.UInt32Value, error)
	InstallDefault(context.Context, *structpb.Struct) (*wrapperspb.UInt32Value, error)
	Uninstall(context.Context, *wrapperspb.UInt32Value) (*emptypb.Empty, error)
	QueryCount(context.Context, *wrapperspb.UInt32Value) (*structpb.Struct, error)
	FlushFunction(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.UInt32Value, error)
	UpdatePort(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Dump(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	Usage(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	Snapshot(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

// unary builds the method descriptor that decodes a Req, runs it
// through the server's interceptor and calls fn.
func unary[T any, Req interface {
	*T
	proto.Message
}, Resp proto.Message](name string, fn func(FlowServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := Req(new(T))
			if err := dec(req); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				resp, err := fn(srv.(FlowServer), ctx, req.(Req))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, req, info, call)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FlowServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodInstall, FlowServer.Install),
		unary(MethodInstallDefault, FlowServer.InstallDefault),
		unary(MethodUninstall, FlowServer.Uninstall),
		unary(MethodQueryCount, FlowServer.QueryCount),
		unary(MethodFlushFunction, FlowServer.FlushFunction),
		unary(MethodUpdatePort, FlowServer.UpdatePort),
		unary(MethodDump, FlowServer.Dump),
		unary(MethodUsage, FlowServer.Usage),
		unary(MethodSnapshot, FlowServer.Snapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ufp/v1/flow.proto",
}

// RegisterFlowServer registers srv on s.
func RegisterFlowServer(s grpc.ServiceRegistrar, srv FlowServer) {
	s.RegisterService(&serviceDesc, srv)
}
