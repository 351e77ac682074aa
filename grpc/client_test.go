package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/civetdb/civet/cfg"
	"github.com/civetdb/civet/db"
	"github.com/civetdb/civet/hlc"
	"github.com/civetdb/civet/session"
)

// startShardServer serves the shard service on a loopback listener and
// returns its address.
func startShardServer(t *testing.T) string {
	t.Helper()

	catalog := session.NewCatalog(db.NewMemoryTxnTable(), hlc.NewClock(1), session.NoopSink{})
	sc := session.NewServiceContext(catalog)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
	)
	RegisterShardServer(server, NewShardService(sc))
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	return lis.Addr().String()
}

func setupClient(t *testing.T) *Client {
	t.Helper()

	original := cfg.Config
	t.Cleanup(func() { cfg.Config = original })
	copied := *original
	cfg.Config = &copied
	cfg.Config.Shard.Secret = ""

	client := NewClient()
	t.Cleanup(client.Close)
	return client
}

func TestClient_ExecuteRoundTrip(t *testing.T) {
	client := setupClient(t)
	addr := startShardServer(t)
	require.NoError(t, client.AddShard("shard-a", addr))

	out, err := client.Execute(context.Background(), "shard-a",
		map[string]interface{}{"cmd": "ping"})
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])
}

func TestClient_ExecuteUnknownShard(t *testing.T) {
	client := setupClient(t)

	_, err := client.Execute(context.Background(), "nope",
		map[string]interface{}{"cmd": "ping"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown shard")
}

func TestClient_AddShardIdempotent(t *testing.T) {
	client := setupClient(t)
	addr := startShardServer(t)

	require.NoError(t, client.AddShard("shard-a", addr))
	require.NoError(t, client.AddShard("shard-a", addr))
	require.Equal(t, 1, client.ring.Count())
}

func TestClient_ExecuteByKeyRoutesToOwner(t *testing.T) {
	client := setupClient(t)
	addrA := startShardServer(t)
	addrB := startShardServer(t)
	require.NoError(t, client.AddShard("shard-a", addrA))
	require.NoError(t, client.AddShard("shard-b", addrB))

	sid := session.NewID("routed").String()
	owner, err := client.ShardFor(sid)
	require.NoError(t, err)
	require.Contains(t, []string{"shard-a", "shard-b"}, owner)

	out, err := client.ExecuteByKey(context.Background(), sid,
		map[string]interface{}{"cmd": "ping"})
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])

	// Routing is stable for the same key
	for i := 0; i < 20; i++ {
		again, err := client.ShardFor(sid)
		require.NoError(t, err)
		require.Equal(t, owner, again)
	}
}

func TestClient_RemoveShard(t *testing.T) {
	client := setupClient(t)
	addr := startShardServer(t)
	require.NoError(t, client.AddShard("shard-a", addr))

	client.RemoveShard("shard-a")

	_, err := client.Execute(context.Background(), "shard-a",
		map[string]interface{}{"cmd": "ping"})
	require.Error(t, err)

	_, err = client.ShardFor("anything")
	require.Error(t, err)

	// Removing again is a no-op
	client.RemoveShard("shard-a")
}

func TestClient_SecretAttachedFromConfig(t *testing.T) {
	client := setupClient(t)
	cfg.Config.Shard.Secret = "ring-secret"
	addr := startShardServer(t)
	require.NoError(t, client.AddShard("shard-a", addr))

	out, err := client.Execute(context.Background(), "shard-a",
		map[string]interface{}{"cmd": "ping"})
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])
}
