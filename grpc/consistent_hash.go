package grpc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ShardRing maps keys to shard IDs with consistent hashing over virtual
// nodes, so adding or removing a shard only remaps a small slice of the
// keyspace.
type ShardRing struct {
	vnodes  int
	ring    []uint64
	ringMap map[uint64]string
	shards  map[string]bool
	mu      sync.RWMutex
}

// NewShardRing creates an empty ring with the given virtual nodes per shard
func NewShardRing(vnodes int) *ShardRing {
	return &ShardRing{
		vnodes:  vnodes,
		ring:    make([]uint64, 0),
		ringMap: make(map[uint64]string),
		shards:  make(map[string]bool),
	}
}

// AddShard adds a shard to the ring. Idempotent per shard ID.
func (r *ShardRing) AddShard(shardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shards[shardID] {
		return
	}

	r.shards[shardID] = true

	for i := 0; i < r.vnodes; i++ {
		vnode := hashVNode(shardID, i)
		r.ring = append(r.ring, vnode)
		r.ringMap[vnode] = shardID
	}

	sort.Slice(r.ring, func(i, j int) bool {
		return r.ring[i] < r.ring[j]
	})
}

// RemoveShard removes a shard and its virtual nodes from the ring
func (r *ShardRing) RemoveShard(shardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.shards[shardID] {
		return
	}

	delete(r.shards, shardID)

	newRing := make([]uint64, 0, len(r.ring))
	for _, vnode := range r.ring {
		if r.ringMap[vnode] != shardID {
			newRing = append(newRing, vnode)
		} else {
			delete(r.ringMap, vnode)
		}
	}

	r.ring = newRing
}

// ShardFor returns the shard that owns a key
func (r *ShardRing) ShardFor(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return "", fmt.Errorf("no shards in ring")
	}

	hash := xxhash.Sum64String(key)

	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= hash
	})
	if idx >= len(r.ring) {
		idx = 0
	}

	return r.ringMap[r.ring[idx]], nil
}

// Shards returns all shard IDs on the ring
func (r *ShardRing) Shards() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards := make([]string, 0, len(r.shards))
	for shardID := range r.shards {
		shards = append(shards, shardID)
	}
	return shards
}

// Count returns the number of shards on the ring
func (r *ShardRing) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}

func hashVNode(shardID string, vnodeIndex int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s:%d", shardID, vnodeIndex))
}
