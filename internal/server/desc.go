// Package server exposes sessions over gRPC. Messages are protobuf
// well-known types (structpb.Struct) so no generated code is needed; the
// service descriptor below plays the part of the generated registration.
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "termcore.v1.SessionControl"

// ControlService is the server API for SessionControl.
type ControlService interface {
	StartSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResizeSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTitle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetMasterStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetMasterMode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Ping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchSession(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(ControlService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(ControlService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlService).WatchSession(in, stream)
}

// ServiceDesc describes SessionControl for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlService)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartSession", ControlService.StartSession),
		unary("CloseSession", ControlService.CloseSession),
		unary("SendText", ControlService.SendText),
		unary("ResizeSession", ControlService.ResizeSession),
		unary("SetTitle", ControlService.SetTitle),
		unary("ListSessions", ControlService.ListSessions),
		unary("SetMasterStatus", ControlService.SetMasterStatus),
		unary("SetMasterMode", ControlService.SetMasterMode),
		unary("QueryEvents", ControlService.QueryEvents),
		unary("Ping", ControlService.Ping),
		unary("GetVersion", ControlService.GetVersion),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchSession",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "termcore/v1/control.proto",
}

// RegisterControlService registers srv on s.
func RegisterControlService(s grpc.ServiceRegistrar, srv ControlService) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls SessionControl over a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes a unary method by name.
func (c *Client) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch opens a WatchSession stream. recv returns the next event.
func (c *Client) Watch(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (recv func() (*structpb.Struct, error), err error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/WatchSession", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (*structpb.Struct, error) {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			return nil, err
		}
		return out, nil
	}, nil
}
