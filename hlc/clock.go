package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp represents a point in time across the distributed system
type Timestamp struct {
	WallTime int64  `msgpack:"w"`
	Logical  int32  `msgpack:"l"`
	NodeID   uint64 `msgpack:"n"`
}

// Compare returns -1, 0, or 1 if t is before, equal to, or after other
func (t Timestamp) Compare(other Timestamp) int {
	if t.WallTime != other.WallTime {
		if t.WallTime < other.WallTime {
			return -1
		}
		return 1
	}
	if t.Logical != other.Logical {
		if t.Logical < other.Logical {
			return -1
		}
		return 1
	}
	if t.NodeID != other.NodeID {
		if t.NodeID < other.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Before returns true if t happened before other
func (t Timestamp) Before(other Timestamp) bool {
	return t.Compare(other) < 0
}

// IsZero returns true if the timestamp is unset
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%d", t.WallTime, t.Logical, t.NodeID)
}

// Clock implements a Hybrid Logical Clock for stamping session records
type Clock struct {
	mu       sync.Mutex
	nodeID   uint64
	wallTime int64
	logical  int32
}

// NewClock creates a clock for the given node
func NewClock(nodeID uint64) *Clock {
	return &Clock{
		nodeID:   nodeID,
		wallTime: time.Now().UnixNano(),
	}
}

// Now returns the next timestamp on this clock
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := time.Now().UnixNano()
	if physical > c.wallTime {
		c.wallTime = physical
		c.logical = 0
	} else {
		c.logical++
	}

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Update folds a remote timestamp into the clock, advancing it past the
// remote event
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := time.Now().UnixNano()

	switch {
	case physical > c.wallTime && physical > remote.WallTime:
		c.wallTime = physical
		c.logical = 0
	case remote.WallTime > c.wallTime:
		c.wallTime = remote.WallTime
		c.logical = remote.Logical + 1
	case c.wallTime == remote.WallTime:
		if remote.Logical >= c.logical {
			c.logical = remote.Logical
		}
		c.logical++
	default:
		c.logical++
	}

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}
