package transport

import (
	"context"

	"github.com/maxpert/sluice/encoding"
	"google.golang.org/grpc"
)

const (
	ServiceName    = "sluice.Transfer"
	transferMethod = "/sluice.Transfer/Transfer"

	maxMessageBytes = 100 * 1024 * 1024
)

// Receiver applies requests arriving on the transfer service
type Receiver interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

func transferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Receiver).Handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: transferMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Receiver).Handle(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

var transferServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Receiver)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Transfer",
			Handler:    transferHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sluice/transfer",
}

// NewServer creates a gRPC server exposing recv as the transfer service.
// Messages are framed with msgpack instead of protobuf.
func NewServer(recv Receiver, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ForceServerCodec(encoding.Codec{}),
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
	)
	s := grpc.NewServer(opts...)
	s.RegisterService(&transferServiceDesc, recv)
	return s
}
