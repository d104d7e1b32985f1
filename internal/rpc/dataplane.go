package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/3liz/qjazz/internal/wire"
)

// DataPlaneServer is the data-plane RPC surface: a server-streaming call
// that takes a request and streams ReplyHeaders/ReplyChunk/Event frames
// followed by a terminal ReplyEnd, mirroring the parent<->child Envelope
// stream one level up, plus a unary Ping liveness probe.
type DataPlaneServer interface {
	Stream(req *wire.RequestPayload, stream DataPlane_StreamServer) error
	Ping(context.Context, *wire.PingPayload) (*wire.PingPayload, error)
}

// DataPlane_StreamServer is the server side of the Stream call.
type DataPlane_StreamServer interface {
	Send(*wire.Envelope) error
	grpc.ServerStream
}

type dataPlaneStreamServer struct {
	grpc.ServerStream
}

func (x *dataPlaneStreamServer) Send(m *wire.Envelope) error {
	return x.ServerStream.SendMsg(m)
}

func _DataPlane_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(wire.RequestPayload)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(DataPlaneServer).Stream(m, &dataPlaneStreamServer{stream})
}

func _DataPlane_Ping_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wire.PingPayload)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataPlaneServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qjazz.DataPlane/Ping"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DataPlaneServer).Ping(ctx, req.(*wire.PingPayload))
	}
	return interceptor(ctx, in, info, handler)
}

// DataPlaneServiceDesc is registered directly against a *grpc.Server via
// RegisterService, the same shape protoc-gen-go-grpc would emit for a
// service with a server-streaming method and a unary one.
var DataPlaneServiceDesc = grpc.ServiceDesc{
	ServiceName: "qjazz.DataPlane",
	HandlerType: (*DataPlaneServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: _DataPlane_Ping_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _DataPlane_Stream_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "qjazz/dataplane",
}
