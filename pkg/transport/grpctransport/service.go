package grpctransport

import (
	"fmt"

	"google.golang.org/grpc"
)

const (
	serviceName = "orbit.transport.Transport"
	methodRoute = "Route"
)

// transportServer is the interface grpc.Server.RegisterService checks a
// registered implementation against, replacing a protoc-generated
// XxxServer interface.
type transportServer interface {
	handleRouteStream(stream grpc.ServerStream) error
}

// serviceDesc is the manually-constructed stand-in for protoc-generated
// glue: one bidi-streaming method, no request/response message types
// beyond the raw frame the codec already understands.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName: methodRoute,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(transportServer).handleRouteStream(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "orbit/transport",
}

func fullMethodName() string {
	return fmt.Sprintf("/%s/%s", serviceName, methodRoute)
}

// callOptions are the client stream's call options: they select the raw
// codec instead of the default protobuf one by content-subtype, and the
// server picks the same registered codec from that subtype.
func callOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(codecName)}
}
