package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceRangesPartitionsCover1024(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 10, 1024} {
		ranges := SliceRanges(n)
		require.Len(t, ranges, n)
		assert.Equal(t, int32(0), ranges[0].Min)
		assert.Equal(t, int32(SliceCount-1), ranges[n-1].Max)
		for i := 1; i < len(ranges); i++ {
			assert.Equal(t, ranges[i-1].Max+1, ranges[i].Min, "ranges must be contiguous")
		}
	}
}

func TestSliceRangesFourWayMatchesScenario1(t *testing.T) {
	ranges := SliceRanges(4)
	require.Len(t, ranges, 4)
	assert.Equal(t, SliceRange{Min: 0, Max: 255}, ranges[0])
	assert.Equal(t, SliceRange{Min: 256, Max: 511}, ranges[1])
	assert.Equal(t, SliceRange{Min: 512, Max: 767}, ranges[2])
	assert.Equal(t, SliceRange{Min: 768, Max: 1023}, ranges[3])
}

func TestSliceIsStable(t *testing.T) {
	pid := "order-1234"
	first := Slice(pid)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Slice(pid))
	}
	assert.True(t, first >= 0 && first < SliceCount)
}

func TestTimestampOffsetAdvance(t *testing.T) {
	t1 := time.Unix(1000, 0)
	o := NoOffset()
	o = o.Advance(EventEnvelope{PersistenceID: "a", SeqNr: 1, Offset: TimestampOffset{Timestamp: t1}})
	assert.Equal(t, int64(1), o.Seen["a"])

	// a second pid at the same timestamp accumulates rather than resetting
	o = o.Advance(EventEnvelope{PersistenceID: "b", SeqNr: 9, Offset: TimestampOffset{Timestamp: t1}})
	assert.Equal(t, int64(1), o.Seen["a"])
	assert.Equal(t, int64(9), o.Seen["b"])

	// a strictly later timestamp resets Seen
	t2 := t1.Add(time.Second)
	o = o.Advance(EventEnvelope{PersistenceID: "c", SeqNr: 1, Offset: TimestampOffset{Timestamp: t2}})
	assert.Equal(t, map[string]int64{"c": 1}, o.Seen)
}

func TestTimestampOffsetIsPastMatchesScenario6(t *testing.T) {
	t5 := time.Unix(5, 0)
	o := TimestampOffset{Timestamp: t5, Seen: map[string]int64{"x": 4}}

	assert.True(t, o.IsPast("x", 4, t5), "x/4 already delivered at t=5")
	assert.False(t, o.IsPast("y", 9, t5), "y/9 at the same timestamp must still be emitted")
	assert.True(t, o.IsPast("z", 1, t5.Add(-time.Second)), "strictly earlier timestamps are past")
	assert.False(t, o.IsPast("z", 1, t5.Add(time.Second)), "strictly later timestamps are not past")
}

func TestProjectionKeyDerivation(t *testing.T) {
	key := ProjectionKey("orders", SliceRange{Min: 256, Max: 511})
	assert.Equal(t, "orders-256-511", key)
}
