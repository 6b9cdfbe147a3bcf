package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// HealerServiceName is the fully-qualified gRPC service name.
const HealerServiceName = "mirador.healer.v1.Healer"

const (
	methodHandleFailure = "HandleFailure"
	methodGetSession    = "GetSession"
	methodGetStats      = "GetStats"
	methodApprove       = "Approve"
	methodDeny          = "Deny"
	methodCancel        = "Cancel"
)

// HealerServer is the server API for the Healer service. Payloads are
// google.protobuf.Struct documents carrying the JSON form of the domain types.
type HealerServer interface {
	HandleFailure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deny(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedHealerServer can be embedded to satisfy HealerServer.
type UnimplementedHealerServer struct{}

func (UnimplementedHealerServer) HandleFailure(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method HandleFailure not implemented")
}
func (UnimplementedHealerServer) GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetSession not implemented")
}
func (UnimplementedHealerServer) GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStats not implemented")
}
func (UnimplementedHealerServer) Approve(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Approve not implemented")
}
func (UnimplementedHealerServer) Deny(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Deny not implemented")
}
func (UnimplementedHealerServer) Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Cancel not implemented")
}

type healerCall func(HealerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call healerCall) grpc.MethodHandler {
	fullMethod := "/" + HealerServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(HealerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(HealerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// HealerServiceDesc describes the Healer service for grpc.Server registration.
var HealerServiceDesc = grpc.ServiceDesc{
	ServiceName: HealerServiceName,
	HandlerType: (*HealerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodHandleFailure, Handler: unaryHandler(methodHandleFailure, HealerServer.HandleFailure)},
		{MethodName: methodGetSession, Handler: unaryHandler(methodGetSession, HealerServer.GetSession)},
		{MethodName: methodGetStats, Handler: unaryHandler(methodGetStats, HealerServer.GetStats)},
		{MethodName: methodApprove, Handler: unaryHandler(methodApprove, HealerServer.Approve)},
		{MethodName: methodDeny, Handler: unaryHandler(methodDeny, HealerServer.Deny)},
		{MethodName: methodCancel, Handler: unaryHandler(methodCancel, HealerServer.Cancel)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/healer/v1/healer.proto",
}

// RegisterHealerServer registers srv on s.
func RegisterHealerServer(s grpc.ServiceRegistrar, srv HealerServer) {
	s.RegisterService(&HealerServiceDesc, srv)
}

// HealerClient calls the Healer service.
type HealerClient struct {
	cc grpc.ClientConnInterface
}

// NewHealerClient wraps a client connection.
func NewHealerClient(cc grpc.ClientConnInterface) *HealerClient {
	return &HealerClient{cc: cc}
}

func (c *HealerClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+HealerServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HealerClient) HandleFailure(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodHandleFailure, in, opts...)
}

func (c *HealerClient) GetSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetSession, in, opts...)
}

func (c *HealerClient) GetStats(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetStats, in, opts...)
}

func (c *HealerClient) Approve(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodApprove, in, opts...)
}

func (c *HealerClient) Deny(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodDeny, in, opts...)
}

func (c *HealerClient) Cancel(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodCancel, in, opts...)
}
