package db

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
)

const (
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32 // 32-bit fingerprint, 4-slot buckets = FP rate ≲1.9×10⁻⁹
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// SessionFilter answers "does this session have durable state?" without
// touching the store.
//
//   - Filter MISS = definitely no durable state → fast path
//   - Filter HIT = maybe → slow path (store lookup)
//
// Thread-safe for concurrent access.
type SessionFilter struct {
	mu     sync.RWMutex
	filter *cuckoo.Filter
	sids   map[uint64]struct{}
}

// NewSessionFilter creates a Cuckoo-backed session filter with room for
// capacity sessions.
func NewSessionFilter(capacity uint) *SessionFilter {
	numBuckets := capacity / cuckooBucketSize
	if numBuckets == 0 {
		numBuckets = 1
	}
	cf := cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
		numBuckets, cuckoo.TableTypePacked)
	return &SessionFilter{
		filter: cf,
		sids:   make(map[uint64]struct{}),
	}
}

// Check returns true if the session MIGHT have durable state (requires slow
// path). Returns false if it definitely does NOT.
func (f *SessionFilter) Check(sidHash uint64) bool {
	f.mu.RLock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, sidHash)
	result := f.filter.Contain(buf)
	hashBufPool.Put(buf)
	f.mu.RUnlock()
	return result
}

// Add records that a session now has durable state.
func (f *SessionFilter) Add(sidHash uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.sids[sidHash]; exists {
		return
	}
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, sidHash)
	f.filter.Add(buf)
	hashBufPool.Put(buf)
	f.sids[sidHash] = struct{}{}
}

// Remove forgets a session after its durable state is deleted.
func (f *SessionFilter) Remove(sidHash uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.sids[sidHash]; !exists {
		return
	}
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, sidHash)
	f.filter.Delete(buf)
	hashBufPool.Put(buf)
	delete(f.sids, sidHash)
}

// Size returns the current number of sessions in the filter.
func (f *SessionFilter) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sids)
}

// HashSID computes the filter hash for a canonical session ID string.
func HashSID(sid string) uint64 {
	return xxhash.Sum64String(sid)
}
