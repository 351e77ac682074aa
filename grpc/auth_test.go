package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/civetdb/civet/cfg"
	"github.com/civetdb/civet/db"
	"github.com/civetdb/civet/hlc"
	"github.com/civetdb/civet/session"
)

// clientInterceptorWithSecret sends a specific secret regardless of config
func clientInterceptorWithSecret(secret string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if secret != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, ShardSecretHeader, secret)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func TestShardAuthentication(t *testing.T) {
	tests := []struct {
		name         string
		serverSecret string
		clientSecret string
		wantErr      bool
		errCode      codes.Code
	}{
		{
			name:         "matching secrets succeed",
			serverSecret: "test-secret-123",
			clientSecret: "test-secret-123",
			wantErr:      false,
		},
		{
			name:         "mismatched secrets fail",
			serverSecret: "server-secret",
			clientSecret: "wrong-secret",
			wantErr:      true,
			errCode:      codes.Unauthenticated,
		},
		{
			name:         "missing client secret fails",
			serverSecret: "server-secret",
			clientSecret: "",
			wantErr:      true,
			errCode:      codes.Unauthenticated,
		},
		{
			name:         "no auth when server secret empty",
			serverSecret: "",
			clientSecret: "",
			wantErr:      false,
		},
		{
			name:         "client secret ignored when server has none",
			serverSecret: "",
			clientSecret: "some-secret",
			wantErr:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := cfg.Config
			t.Cleanup(func() { cfg.Config = original })
			copied := *original
			cfg.Config = &copied
			cfg.Config.Shard.Secret = tt.serverSecret

			catalog := session.NewCatalog(db.NewMemoryTxnTable(), hlc.NewClock(1), session.NoopSink{})
			sc := session.NewServiceContext(catalog)

			lis := bufconn.Listen(1 << 20)
			server := grpc.NewServer(
				grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
			)
			RegisterShardServer(server, NewShardService(sc))
			go server.Serve(lis)
			t.Cleanup(server.Stop)

			conn, err := grpc.NewClient("passthrough:///bufnet",
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
					return lis.DialContext(ctx)
				}),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithChainUnaryInterceptor(clientInterceptorWithSecret(tt.clientSecret)),
				grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
			)
			require.NoError(t, err)
			t.Cleanup(func() { conn.Close() })

			reply := new(CommandReply)
			err = conn.Invoke(context.Background(), executeFullMethod,
				&CommandRequest{Payload: map[string]interface{}{"cmd": "ping"}}, reply)

			if tt.wantErr {
				require.Error(t, err)
				st, ok := status.FromError(err)
				require.True(t, ok, "expected gRPC status error, got: %v", err)
				require.Equal(t, tt.errCode, st.Code())
			} else {
				require.NoError(t, err)
				require.Equal(t, true, reply.Payload["ok"])
			}
		})
	}
}

func TestShardAuthClientInterceptorUsesConfig(t *testing.T) {
	original := cfg.Config
	t.Cleanup(func() { cfg.Config = original })
	copied := *original
	cfg.Config = &copied
	cfg.Config.Shard.Secret = "shared"

	catalog := session.NewCatalog(db.NewMemoryTxnTable(), hlc.NewClock(1), session.NoopSink{})
	sc := session.NewServiceContext(catalog)

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
	)
	RegisterShardServer(server, NewShardService(sc))
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	// The production client interceptor picks the secret up from config
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	reply := new(CommandReply)
	err = conn.Invoke(context.Background(), executeFullMethod,
		&CommandRequest{Payload: map[string]interface{}{"cmd": "ping"}}, reply)
	require.NoError(t, err)
	require.Equal(t, true, reply.Payload["ok"])
}
