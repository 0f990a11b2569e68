package queue

import (
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/surge-downloader/swarm/internal/engine/sources"
	"github.com/surge-downloader/swarm/internal/engine/types"
)

// IsNeededPart reports whether theirs holds at least one block missing from ours.
// Both lists are flat (start,end) block pairs; ours must be sorted and disjoint.
// theirs may be unsorted or overlapping. Odd-length input is malformed and
// never needed.
func IsNeededPart(theirs, ours types.PartsInfo) bool {
	if len(theirs)%2 != 0 || len(ours)%2 != 0 {
		return false
	}
	// j only moves forward while theirs keeps starting at or past the
	// furthest end already scanned
	j := 0
	var scanned uint16
	for i := 0; i < len(theirs); i += 2 {
		start, end := theirs[i], theirs[i+1]
		if start >= end {
			continue
		}
		if start < scanned {
			j = 0
		}
		scanned = max(scanned, end)
		for start < end {
			for j < len(ours) && ours[j+1] <= start {
				j += 2
			}
			if j >= len(ours) || ours[j] > start {
				return true
			}
			start = ours[j+1]
		}
	}
	return false
}

// CountParts returns the number of blocks in parts
func CountParts(parts types.PartsInfo) int {
	n := 0
	for i := 0; i+1 < len(parts); i += 2 {
		n += int(parts[i+1]) - int(parts[i])
	}
	return n
}

// CompareParts reports whether both lists are identical
func CompareParts(a, b types.PartsInfo) bool {
	return slices.Equal(a, b)
}

// PartsToBitmap expands parts into a block bitmap
func PartsToBitmap(parts types.PartsInfo) *roaring.Bitmap {
	bm := roaring.New()
	for i := 0; i+1 < len(parts); i += 2 {
		if parts[i] < parts[i+1] {
			bm.AddRange(uint64(parts[i]), uint64(parts[i+1]))
		}
	}
	return bm
}

// PartsFromBitmap folds a block bitmap back into (start,end) pairs,
// keeping at most MaxPartsEntries values.
func PartsFromBitmap(bm *roaring.Bitmap) types.PartsInfo {
	var parts types.PartsInfo
	it := bm.Iterator()
	var start, prev uint32
	open := false
	for it.HasNext() {
		v := it.Next()
		if v > 0xFFFF {
			break
		}
		if open && v == prev+1 {
			prev = v
			continue
		}
		if open {
			if len(parts)+2 > types.MaxPartsEntries {
				return parts
			}
			parts = append(parts, uint16(start), uint16(prev+1))
		}
		start, prev, open = v, v, true
	}
	if open && len(parts)+2 <= types.MaxPartsEntries {
		parts = append(parts, uint16(start), uint16(prev+1))
	}
	return parts
}

// CollectPFSCandidates picks the sources of all items most overdue for a parts
// query and schedules their next query. Items smaller than PFSMinFileSize are skipped.
func CollectPFSCandidates(items []*Item, now time.Time) []sources.Candidate {
	if len(items) == 0 {
		return nil
	}
	cfg := items[0].env.Config
	list := sources.NewCandidateList(cfg.GetPFSMaxCandidates())
	for _, it := range items {
		if it.size < types.PFSMinFileSize {
			continue
		}
		it.sources.CollectPFSCandidates(list, it.id, now)
	}

	out := list.Items()
	byID := make(map[string]*Item, len(items))
	for _, it := range items {
		byID[it.id] = it
	}
	next := now.Add(cfg.GetPFSQueryInterval())
	for _, c := range out {
		if it, ok := byID[c.Owner]; ok {
			it.sources.MarkQueried(c.Peer, next)
		}
	}
	return out
}
