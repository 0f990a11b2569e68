package segments

import (
	"github.com/google/btree"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

const btreeDegree = 8

// DoneSet is an ordered set of completed byte ranges of one file.
// No two stored segments overlap or touch; inserts merge with neighbours.
// It is not safe for concurrent use, the owner holds the lock.
type DoneSet struct {
	tree *btree.BTreeG[types.Segment]
	size int64
}

// NewDoneSet creates an empty set
func NewDoneSet() *DoneSet {
	return &DoneSet{
		tree: btree.NewG(btreeDegree, func(a, b types.Segment) bool { return a.Less(b) }),
	}
}

// Add inserts seg, merging it with every stored segment it overlaps or touches.
// Overlapped segments are refused: a raced range is only recorded through the
// winning connection's own segment.
func (d *DoneSet) Add(seg types.Segment) bool {
	if seg.Overlapped {
		return false
	}
	if seg.Size <= 0 {
		return true
	}

	start, end := seg.Start, seg.End()
	var drop []types.Segment

	// Only the nearest predecessor can reach seg
	d.tree.DescendLessOrEqual(types.Segment{Start: start}, func(prev types.Segment) bool {
		if prev.End() >= start {
			drop = append(drop, prev)
			start = prev.Start
			end = max(end, prev.End())
		}
		return false
	})

	d.tree.AscendGreaterOrEqual(types.Segment{Start: seg.Start + 1}, func(next types.Segment) bool {
		if next.Start > end {
			return false
		}
		drop = append(drop, next)
		end = max(end, next.End())
		return true
	})

	for _, s := range drop {
		d.tree.Delete(s)
		d.size -= s.Size
	}
	merged := types.NewSegment(start, end-start)
	d.tree.ReplaceOrInsert(merged)
	d.size += merged.Size
	return true
}

// Reset forgets every completed range
func (d *DoneSet) Reset() {
	d.tree.Clear(false)
	d.size = 0
}

// Size returns the number of completed bytes
func (d *DoneSet) Size() int64 {
	return d.size
}

// Len returns the number of disjoint ranges
func (d *DoneSet) Len() int {
	return d.tree.Len()
}

func (d *DoneSet) Empty() bool {
	return d.tree.Len() == 0
}

// First returns the lowest range
func (d *DoneSet) First() (types.Segment, bool) {
	return d.tree.Min()
}

// Last returns the highest range
func (d *DoneSet) Last() (types.Segment, bool) {
	return d.tree.Max()
}

// Second returns the range after First
func (d *DoneSet) Second() (types.Segment, bool) {
	var out types.Segment
	found := false
	n := 0
	d.tree.Ascend(func(s types.Segment) bool {
		n++
		if n == 2 {
			out, found = s, true
			return false
		}
		return true
	})
	return out, found
}

// Ascend visits ranges in offset order until fn returns false
func (d *DoneSet) Ascend(fn func(types.Segment) bool) {
	d.tree.Ascend(btree.ItemIteratorG[types.Segment](fn))
}

// Descend visits ranges in reverse offset order until fn returns false
func (d *DoneSet) Descend(fn func(types.Segment) bool) {
	d.tree.Descend(btree.ItemIteratorG[types.Segment](fn))
}

// Segments returns a copy of the ranges in offset order
func (d *DoneSet) Segments() []types.Segment {
	out := make([]types.Segment, 0, d.tree.Len())
	d.tree.Ascend(func(s types.Segment) bool {
		out = append(out, s)
		return true
	})
	return out
}

// IsFinished reports whether one range covers [0, fileSize)
func (d *DoneSet) IsFinished(fileSize int64) bool {
	if d.tree.Len() != 1 {
		return false
	}
	first, _ := d.tree.Min()
	return first.Start == 0 && first.Size == fileSize
}

// ChunkDownloaded clamps length to the done bytes contiguous from pos.
// It reports false when pos is not inside a completed range.
func (d *DoneSet) ChunkDownloaded(pos, length int64) (int64, bool) {
	if length <= 0 {
		return length, false
	}
	out, found := length, false
	d.tree.DescendLessOrEqual(types.Segment{Start: pos}, func(s types.Segment) bool {
		if pos < s.End() {
			out, found = min(length, s.End()-pos), true
		}
		return false
	})
	return out, found
}

// Parts returns the completed ranges in block units, the PartsInfo wire form.
// Starts round up and ends round down, except a range reaching EOF whose end
// rounds up to cover the short last block.
func (d *DoneSet) Parts(blockSize, fileSize int64) types.PartsInfo {
	if blockSize <= 0 {
		return nil
	}
	maxSize := min(d.tree.Len()*2, types.MaxPartsEntries)
	parts := make(types.PartsInfo, 0, maxSize)
	d.tree.Ascend(func(s types.Segment) bool {
		if len(parts) >= maxSize {
			return false
		}
		start := uint16((s.Start + blockSize - 1) / blockSize)
		end := s.End()
		if end >= fileSize {
			end += blockSize - 1
		}
		parts = append(parts, start, uint16(end/blockSize))
		return true
	})
	return parts
}
