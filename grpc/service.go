package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ShardServiceName is the fully qualified gRPC service name
	ShardServiceName = "civet.Shard"

	executeFullMethod = "/civet.Shard/Execute"
)

// CommandRequest is one shard command. The payload is an open document; the
// transport does not interpret it beyond serialization.
type CommandRequest struct {
	Payload map[string]interface{} `msgpack:"p"`
}

// CommandReply is the shard's response document
type CommandReply struct {
	Payload map[string]interface{} `msgpack:"p"`
}

// ShardServer is the service contract. The descriptor below is maintained
// by hand; the wire format is msgpack, so there is no generated code.
type ShardServer interface {
	Execute(ctx context.Context, req *CommandRequest) (*CommandReply, error)
}

// RegisterShardServer registers the service on a gRPC server
func RegisterShardServer(s grpc.ServiceRegistrar, srv ShardServer) {
	s.RegisterService(&shardServiceDesc, srv)
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ShardServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: executeFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ShardServer).Execute(ctx, req.(*CommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var shardServiceDesc = grpc.ServiceDesc{
	ServiceName: ShardServiceName,
	HandlerType: (*ShardServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "civet/shard",
}
