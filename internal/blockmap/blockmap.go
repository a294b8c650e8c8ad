// Package blockmap tracks which byte ranges of a file are present in
// the local block cache, using a sorted slice of non-overlapping,
// non-adjacent intervals.
package blockmap

import (
	"encoding/binary"
	"sort"
)

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// BlockMap is the sparse presence index for one cached file.
type BlockMap struct {
	intervals []Range
}

// New returns an empty BlockMap.
func New() *BlockMap {
	return &BlockMap{}
}

// FromBytes deserializes a BlockMap from pairs of little-endian u64s.
func FromBytes(data []byte) *BlockMap {
	bm := New()
	for offset := 0; offset+16 <= len(data); offset += 16 {
		start := binary.LittleEndian.Uint64(data[offset : offset+8])
		end := binary.LittleEndian.Uint64(data[offset+8 : offset+16])
		if start < end {
			bm.intervals = append(bm.intervals, Range{start, end})
		}
	}
	return bm
}

// ToBytes serializes the BlockMap to pairs of little-endian u64s.
func (bm *BlockMap) ToBytes() []byte {
	data := make([]byte, 0, len(bm.intervals)*16)
	for _, r := range bm.intervals {
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:8], r.Start)
		binary.LittleEndian.PutUint64(buf[8:16], r.End)
		data = append(data, buf[:]...)
	}
	return data
}

// Contains reports whether offset falls within a present interval.
func (bm *BlockMap) Contains(offset uint64) bool {
	i := sort.Search(len(bm.intervals), func(i int) bool {
		return bm.intervals[i].End > offset
	})
	return i < len(bm.intervals) && bm.intervals[i].Start <= offset
}

// RangePresent reports whether query is entirely covered by one interval.
func (bm *BlockMap) RangePresent(query Range) bool {
	if query.Start >= query.End {
		return true
	}
	for _, r := range bm.intervals {
		if r.Start <= query.Start && r.End >= query.End {
			return true
		}
	}
	return false
}

// MissingRanges returns the sub-ranges of query that are not present.
func (bm *BlockMap) MissingRanges(query Range) []Range {
	if query.Start >= query.End {
		return nil
	}
	var missing []Range
	cursor := query.Start

	for _, r := range bm.intervals {
		if r.Start >= query.End {
			break
		}
		if r.End <= cursor {
			continue
		}
		if r.Start > cursor {
			end := r.Start
			if end > query.End {
				end = query.End
			}
			missing = append(missing, Range{cursor, end})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}

	if cursor < query.End {
		missing = append(missing, Range{cursor, query.End})
	}
	return missing
}

// Insert adds new, merging with any overlapping or adjacent intervals.
func (bm *BlockMap) Insert(new Range) {
	if new.Start >= new.End {
		return
	}

	mergedStart, mergedEnd := new.Start, new.End
	first, last := len(bm.intervals), 0

	for i, r := range bm.intervals {
		if r.End < mergedStart || r.Start > mergedEnd {
			continue
		}
		if i < first {
			first = i
		}
		last = i + 1
		if r.Start < mergedStart {
			mergedStart = r.Start
		}
		if r.End > mergedEnd {
			mergedEnd = r.End
		}
	}

	if first >= last {
		pos := sort.Search(len(bm.intervals), func(i int) bool {
			return bm.intervals[i].Start >= new.Start
		})
		bm.intervals = append(bm.intervals, Range{})
		copy(bm.intervals[pos+1:], bm.intervals[pos:])
		bm.intervals[pos] = new
		return
	}

	merged := Range{mergedStart, mergedEnd}
	tail := append([]Range{}, bm.intervals[last:]...)
	bm.intervals = append(bm.intervals[:first], merged)
	bm.intervals = append(bm.intervals, tail...)
}

// IntervalCount returns the number of distinct present intervals, for
// fragmentation monitoring.
func (bm *BlockMap) IntervalCount() int {
	return len(bm.intervals)
}

// CachedBytes returns the total number of present bytes.
func (bm *BlockMap) CachedBytes() uint64 {
	var total uint64
	for _, r := range bm.intervals {
		total += r.End - r.Start
	}
	return total
}

// CoalescedMissing returns the missing ranges within query, merging
// adjacent gaps no more than minGap bytes apart into a single request.
func (bm *BlockMap) CoalescedMissing(query Range, minGap uint64) []Range {
	missing := bm.MissingRanges(query)
	if len(missing) <= 1 {
		return missing
	}
	coalesced := make([]Range, 0, len(missing))
	current := missing[0]
	for _, m := range missing[1:] {
		if m.Start-current.End <= minGap {
			current.End = m.End
		} else {
			coalesced = append(coalesced, current)
			current = m
		}
	}
	coalesced = append(coalesced, current)
	return coalesced
}

// Equal reports whether two BlockMaps hold the same intervals, for tests.
func (bm *BlockMap) Equal(other *BlockMap) bool {
	if len(bm.intervals) != len(other.intervals) {
		return false
	}
	for i := range bm.intervals {
		if bm.intervals[i] != other.intervals[i] {
			return false
		}
	}
	return true
}
