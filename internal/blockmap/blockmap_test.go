package blockmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmptyBlockMap(t *testing.T) {
	bm := New()
	assert.False(t, bm.Contains(0))
	assert.False(t, bm.Contains(100))
	assert.Equal(t, 0, bm.IntervalCount())
	assert.Equal(t, uint64(0), bm.CachedBytes())
}

func TestInsertSingle(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 200})
	assert.True(t, bm.Contains(100))
	assert.True(t, bm.Contains(199))
	assert.False(t, bm.Contains(200))
	assert.False(t, bm.Contains(99))
	assert.Equal(t, 1, bm.IntervalCount())
	assert.Equal(t, uint64(100), bm.CachedBytes())
}

func TestInsertNonOverlapping(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 200})
	bm.Insert(Range{300, 400})
	assert.Equal(t, 2, bm.IntervalCount())
	assert.True(t, bm.Contains(150))
	assert.True(t, bm.Contains(350))
	assert.False(t, bm.Contains(250))
}

func TestInsertOverlappingMerge(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 200})
	bm.Insert(Range{150, 300})
	assert.Equal(t, 1, bm.IntervalCount())
	assert.Equal(t, uint64(200), bm.CachedBytes())
	assert.True(t, bm.Contains(100))
	assert.True(t, bm.Contains(250))
}

func TestInsertAdjacentMerge(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 200})
	bm.Insert(Range{200, 300})
	assert.Equal(t, 1, bm.IntervalCount())
	assert.Equal(t, uint64(200), bm.CachedBytes())
}

func TestInsertMergeMultiple(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 200})
	bm.Insert(Range{300, 400})
	bm.Insert(Range{500, 600})
	assert.Equal(t, 3, bm.IntervalCount())

	bm.Insert(Range{150, 350})
	assert.Equal(t, 2, bm.IntervalCount())
	assert.True(t, bm.RangePresent(Range{100, 400}))
}

func TestInsertSuperset(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 200})
	bm.Insert(Range{300, 400})
	bm.Insert(Range{50, 500})
	assert.Equal(t, 1, bm.IntervalCount())
	assert.Equal(t, uint64(450), bm.CachedBytes())
}

func TestRangePresent(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 300})
	assert.True(t, bm.RangePresent(Range{100, 200}))
	assert.True(t, bm.RangePresent(Range{100, 300}))
	assert.False(t, bm.RangePresent(Range{100, 301}))
	assert.False(t, bm.RangePresent(Range{99, 300}))
}

func TestMissingRanges(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 200})
	bm.Insert(Range{300, 400})

	missing := bm.MissingRanges(Range{0, 500})
	assert.Equal(t, []Range{{0, 100}, {200, 300}, {400, 500}}, missing)
}

func TestMissingRangesNoGaps(t *testing.T) {
	bm := New()
	bm.Insert(Range{0, 500})
	missing := bm.MissingRanges(Range{0, 500})
	assert.Empty(t, missing)
}

func TestMissingRangesAllMissing(t *testing.T) {
	bm := New()
	missing := bm.MissingRanges(Range{0, 1000})
	assert.Equal(t, []Range{{0, 1000}}, missing)
}

func TestSerializationRoundTrip(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 200})
	bm.Insert(Range{300, 400})
	bm.Insert(Range{500, 600})

	data := bm.ToBytes()
	bm2 := FromBytes(data)
	assert.True(t, bm.Equal(bm2))
}

func TestEmptySerialization(t *testing.T) {
	bm := New()
	data := bm.ToBytes()
	assert.Empty(t, data)
	bm2 := FromBytes(data)
	assert.True(t, bm.Equal(bm2))
}

func TestCoalescedMissing(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 200})
	bm.Insert(Range{210, 300})

	coalesced := bm.CoalescedMissing(Range{0, 500}, 20)
	assert.Equal(t, []Range{{0, 100}, {200, 210}, {300, 500}}, coalesced)

	coalesced = bm.CoalescedMissing(Range{0, 500}, 100)
	assert.Equal(t, []Range{{0, 500}}, coalesced)
}

func TestInsertEmptyRange(t *testing.T) {
	bm := New()
	bm.Insert(Range{100, 100})
	assert.Equal(t, 0, bm.IntervalCount())
}

func TestFragmentationGuardCheck(t *testing.T) {
	bm := New()
	for i := uint64(0); i < 1001; i++ {
		bm.Insert(Range{i * 10, i*10 + 5})
	}
	assert.Greater(t, bm.IntervalCount(), 1000)
}

func TestContainsBinarySearch(t *testing.T) {
	bm := New()
	for i := uint64(0); i < 100; i++ {
		bm.Insert(Range{i * 100, i*100 + 50})
	}
	assert.True(t, bm.Contains(0))
	assert.True(t, bm.Contains(49))
	assert.False(t, bm.Contains(50))
	assert.True(t, bm.Contains(100))
	assert.True(t, bm.Contains(9900))
	assert.False(t, bm.Contains(9950))
}
