package bus_grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/tedsuo/horde/bus"
)

const (
	serviceName     = "horde.bus.Bus"
	helloMethod     = "/" + serviceName + "/Hello"
	commandMethod   = "/" + serviceName + "/Command"
	subscribeMethod = "/" + serviceName + "/Subscribe"
)

type HelloRequest struct {
	OrcName string `cbor:"orcName,omitempty"`
	Token   string `cbor:"token,omitempty"`
}

type HelloReply struct {
	Token        string       `cbor:"token"`
	OrcName      string       `cbor:"orcName"`
	Registry     bus.Registry `cbor:"registry,omitempty"`
	RegistryTime string       `cbor:"registryTime,omitempty"`
}

type CommandRequest struct {
	Name    string      `cbor:"name"`
	ID      string      `cbor:"id,omitempty"`
	OrcName string      `cbor:"orcName,omitempty"`
	Token   string      `cbor:"token,omitempty"`
	Data    interface{} `cbor:"data,omitempty"`
}

type CommandReply struct {
	Accepted bool `cbor:"accepted"`
}

type SubscribeRequest struct {
	OrcName string `cbor:"orcName,omitempty"`
}

const (
	frameEvent     = "event"
	frameRegistry  = "registry"
	frameHeartbeat = "heartbeat"
)

// Frame is one item of a Subscribe stream.
type Frame struct {
	Kind         string       `cbor:"kind"`
	Event        *bus.Event   `cbor:"event,omitempty"`
	Registry     bus.Registry `cbor:"registry,omitempty"`
	RegistryTime string       `cbor:"registryTime,omitempty"`
}

// BusServer is the server side of the bus service.
type BusServer interface {
	Hello(context.Context, *HelloRequest) (*HelloReply, error)
	Command(context.Context, *CommandRequest) (*CommandReply, error)
	Subscribe(*SubscribeRequest, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Hello", Handler: helloHandler},
		{MethodName: "Command", Handler: commandHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "horde/bus",
}

func helloHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HelloRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BusServer).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: helloMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BusServer).Hello(ctx, req.(*HelloRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func commandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BusServer).Command(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: commandMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BusServer).Command(ctx, req.(*CommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BusServer).Subscribe(in, stream)
}
