package grpc_control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names.
const (
	ListSessionsMethod    = "/" + ServiceName + "/ListSessions"
	ShutdownSessionMethod = "/" + ServiceName + "/ShutdownSession"
	InvalidateCacheMethod = "/" + ServiceName + "/InvalidateCache"
)

// -----------------------------------------------------------------------------
// Server side
// -----------------------------------------------------------------------------

// RegisterRelayControlServer registers srv on s.
func RegisterRelayControlServer(s grpc.ServiceRegistrar, srv RelayControlServer) {
	s.RegisterService(&RelayControlServiceDesc, srv)
}

// RelayControlServiceDesc describes the control service to grpc.
var RelayControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSessions", Handler: listSessionsHandler},
		{MethodName: "ShutdownSession", Handler: shutdownSessionHandler},
		{MethodName: "InvalidateCache", Handler: invalidateCacheHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relay/control/v1/control.proto",
}

func listSessionsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayControlServer).ListSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListSessionsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayControlServer).ListSessions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func shutdownSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayControlServer).ShutdownSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ShutdownSessionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayControlServer).ShutdownSession(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func invalidateCacheHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayControlServer).InvalidateCache(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvalidateCacheMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayControlServer).InvalidateCache(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// -----------------------------------------------------------------------------
// Client side
// -----------------------------------------------------------------------------

// RelayControlClient calls the control service.
type RelayControlClient struct {
	cc grpc.ClientConnInterface
}

func NewRelayControlClient(cc grpc.ClientConnInterface) *RelayControlClient {
	return &RelayControlClient{cc: cc}
}

func (c *RelayControlClient) ListSessions(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListSessionsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RelayControlClient) ShutdownSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ShutdownSessionMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RelayControlClient) InvalidateCache(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, InvalidateCacheMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
