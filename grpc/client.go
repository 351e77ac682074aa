package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	grpcpool "github.com/processout/grpc-go-pool"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/civetdb/civet/cfg"
)

// vnodesPerShard controls how finely the keyspace splits across shards
const vnodesPerShard = 128

// Client manages pooled connections to shard endpoints and implements the
// router's ShardClient contract. Registered shards join a consistent hash
// ring so callers can route a session's commands to its owning shard.
type Client struct {
	mu    sync.RWMutex
	pools map[string]*grpcpool.Pool
	addrs map[string]string
	ring  *ShardRing
}

// NewClient creates an empty shard client; add endpoints with AddShard
func NewClient() *Client {
	return &Client{
		pools: make(map[string]*grpcpool.Pool),
		addrs: make(map[string]string),
		ring:  NewShardRing(vnodesPerShard),
	}
}

func dialOptions() []grpc.DialOption {
	keepaliveTime := time.Duration(cfg.Config.Shard.KeepaliveTimeSeconds) * time.Second
	keepaliveTimeout := time.Duration(cfg.Config.Shard.KeepaliveTimeoutSeconds) * time.Second

	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(UnaryClientInterceptor()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(16*1024*1024),
			grpc.MaxCallSendMsgSize(16*1024*1024),
		),
	}
}

// AddShard registers a shard endpoint and opens its connection pool.
// Idempotent per shard ID.
func (c *Client) AddShard(shardID, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pools[shardID]; exists {
		return nil
	}

	opts := dialOptions()
	factory := func() (*grpc.ClientConn, error) {
		return grpc.NewClient(address, opts...)
	}

	pool, err := grpcpool.New(factory, 1, 4, 60*time.Second, time.Hour)
	if err != nil {
		return fmt.Errorf("failed to create pool for shard %s: %w", shardID, err)
	}

	c.pools[shardID] = pool
	c.addrs[shardID] = address
	c.ring.AddShard(shardID)
	log.Info().Str("shard", shardID).Str("address", address).Msg("Shard connection pool created")
	return nil
}

// RemoveShard drops a shard from the ring and closes its pool
func (c *Client) RemoveShard(shardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pool, exists := c.pools[shardID]
	if !exists {
		return
	}
	c.ring.RemoveShard(shardID)
	pool.Close()
	delete(c.pools, shardID)
	delete(c.addrs, shardID)
	log.Info().Str("shard", shardID).Msg("Shard connection pool removed")
}

// ShardFor returns the shard that owns a key
func (c *Client) ShardFor(key string) (string, error) {
	return c.ring.ShardFor(key)
}

// ExecuteByKey routes a command to the shard owning the key
func (c *Client) ExecuteByKey(ctx context.Context, key string, payload map[string]interface{}) (map[string]interface{}, error) {
	shardID, err := c.ring.ShardFor(key)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, shardID, payload)
}

// Execute sends one command document to a shard and returns the reply
// document.
func (c *Client) Execute(ctx context.Context, shardID string, payload map[string]interface{}) (map[string]interface{}, error) {
	c.mu.RLock()
	pool, exists := c.pools[shardID]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown shard %s", shardID)
	}

	conn, err := pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for shard %s: %w", shardID, err)
	}
	defer conn.Close()

	if timeout := cfg.Config.Shard.DialTimeoutMS; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}

	req := &CommandRequest{Payload: payload}
	reply := new(CommandReply)
	if err := conn.ClientConn.Invoke(ctx, executeFullMethod, req, reply); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// Close tears down every connection pool
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for shardID, pool := range c.pools {
		c.ring.RemoveShard(shardID)
		pool.Close()
		delete(c.pools, shardID)
		delete(c.addrs, shardID)
	}
}
