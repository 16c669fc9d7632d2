// Package progress models how far a region's replication has advanced.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Kind distinguishes the two progress flavors a region can report
type Kind uint8

const (
	KindMinimum Kind = iota // Nothing replicated yet
	KindHybrid              // Data regions: hybrid logical time of the last committed change
	KindQueue               // Schema regions: position in the schema listening queue
)

// Index is a comparable replication marker. The zero value is the minimum.
type Index struct {
	Kind     Kind   `msgpack:"k"`
	WallTime int64  `msgpack:"w,omitempty"`
	Logical  int32  `msgpack:"l,omitempty"`
	NodeID   uint64 `msgpack:"n,omitempty"`
	Queue    int64  `msgpack:"q,omitempty"`
}

// Minimum is the index of a region that has not replicated anything
var Minimum = Index{}

// QueueIndex returns the index of a schema listening queue position
func QueueIndex(position int64) Index {
	return Index{Kind: KindQueue, Queue: position}
}

// IsMinimum reports whether nothing has been replicated
func (i Index) IsMinimum() bool {
	return i.Kind == KindMinimum
}

// Compare compares two indexes
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Index) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}

	switch a.Kind {
	case KindQueue:
		return cmp64(a.Queue, b.Queue)
	case KindHybrid:
		if c := cmp64(a.WallTime, b.WallTime); c != 0 {
			return c
		}
		if c := cmp64(int64(a.Logical), int64(b.Logical)); c != 0 {
			return c
		}
		if a.NodeID < b.NodeID {
			return -1
		}
		if a.NodeID > b.NodeID {
			return 1
		}
	}
	return 0
}

func cmp64(a, b int64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// IsAfter returns true if i is strictly ahead of other
func (i Index) IsAfter(other Index) bool {
	return Compare(i, other) > 0
}

// Advance returns the later of i and other, so a region's index never moves back
func (i Index) Advance(other Index) Index {
	if other.IsAfter(i) {
		return other
	}
	return i
}

func (i Index) String() string {
	switch i.Kind {
	case KindQueue:
		return fmt.Sprintf("queue(%d)", i.Queue)
	case KindHybrid:
		return fmt.Sprintf("%s/%d@%d", time.Unix(0, i.WallTime).UTC().Format(time.RFC3339Nano), i.Logical, i.NodeID)
	}
	return "minimum"
}

// Clock implements a Hybrid Logical Clock producing data-region indexes
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	mu       sync.Mutex
	now      func() int64
}

// NewClock creates a new HLC instance
func NewClock(nodeID uint64) *Clock {
	return &Clock{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixNano() },
	}
}

// Now generates a new index for a local change
func (c *Clock) Now() Index {
	c.mu.Lock()
	defer c.mu.Unlock()

	if physical := c.now(); physical > c.wallTime {
		c.wallTime = physical
		c.logical = 0
	} else {
		c.logical++
	}

	return Index{Kind: KindHybrid, WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Update merges an index observed from elsewhere and returns a newer local one
func (c *Clock) Update(remote Index) Index {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.now()
	switch {
	case physical > c.wallTime && physical > remote.WallTime:
		c.wallTime = physical
		c.logical = 0
	case remote.WallTime > c.wallTime:
		c.wallTime = remote.WallTime
		c.logical = remote.Logical + 1
	case remote.WallTime == c.wallTime && remote.Logical > c.logical:
		c.logical = remote.Logical + 1
	default:
		c.logical++
	}

	return Index{Kind: KindHybrid, WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}
