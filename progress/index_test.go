package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(nodeID uint64, times ...int64) *Clock {
	c := NewClock(nodeID)
	i := 0
	c.now = func() int64 {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
	return c
}

func TestClock_MonotonicWithinSameWallTime(t *testing.T) {
	c := fixedClock(1, 100)

	prev := c.Now()
	for i := 0; i < 100; i++ {
		next := c.Now()
		require.True(t, next.IsAfter(prev), "index %d not after previous", i)
		prev = next
	}
	assert.Equal(t, int64(100), prev.WallTime)
	assert.Equal(t, int32(100), prev.Logical)
}

func TestClock_BackwardsPhysicalTime(t *testing.T) {
	c := fixedClock(1, 200, 150)

	first := c.Now()
	second := c.Now()

	assert.True(t, second.IsAfter(first))
	assert.Equal(t, int64(200), second.WallTime)
}

func TestClock_UpdateFromAheadRemote(t *testing.T) {
	c := fixedClock(2, 100)

	remote := Index{Kind: KindHybrid, WallTime: 500, Logical: 4, NodeID: 1}
	local := c.Update(remote)

	assert.True(t, local.IsAfter(remote))
	assert.Equal(t, int64(500), local.WallTime)
	assert.Equal(t, int32(5), local.Logical)
}

func TestCompare_Kinds(t *testing.T) {
	hybrid := Index{Kind: KindHybrid, WallTime: 1}
	queue := QueueIndex(0)

	assert.True(t, hybrid.IsAfter(Minimum))
	assert.True(t, queue.IsAfter(Minimum))
	assert.Equal(t, 0, Compare(Minimum, Index{}))
	assert.True(t, QueueIndex(5).IsAfter(QueueIndex(4)))
}

func TestAdvance_NeverMovesBack(t *testing.T) {
	a := Index{Kind: KindHybrid, WallTime: 10, Logical: 1}
	b := Index{Kind: KindHybrid, WallTime: 10, Logical: 0}

	assert.Equal(t, a, a.Advance(b))
	assert.Equal(t, a, b.Advance(a))
	assert.Equal(t, a, Minimum.Advance(a))
}

func TestString(t *testing.T) {
	assert.Equal(t, "minimum", Minimum.String())
	assert.Equal(t, "queue(3)", QueueIndex(3).String())
}
