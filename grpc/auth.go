package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/civetdb/civet/cfg"
)

// ShardSecretHeader is the metadata key carrying the shard secret
const ShardSecretHeader = "x-civet-shard-secret"

// UnaryServerInterceptor returns a server interceptor that validates the
// shard secret on incoming RPCs
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := validateShardSecret(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// validateShardSecret checks if the request carries a valid shard secret
func validateShardSecret(ctx context.Context) error {
	secret := cfg.Config.Shard.Secret
	if secret == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	secrets := md.Get(ShardSecretHeader)
	if len(secrets) == 0 {
		return status.Error(codes.Unauthenticated, "missing shard secret")
	}

	if secrets[0] != secret {
		return status.Error(codes.Unauthenticated, "invalid shard secret")
	}

	return nil
}

// UnaryClientInterceptor returns a client interceptor that attaches the
// configured shard secret to outgoing RPCs
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = appendShardSecret(ctx)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// appendShardSecret adds the shard secret to outgoing context
func appendShardSecret(ctx context.Context) context.Context {
	secret := cfg.Config.Shard.Secret
	if secret == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, ShardSecretHeader, secret)
}
