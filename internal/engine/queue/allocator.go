package queue

import (
	"github.com/surge-downloader/swarm/internal/engine/segments"
	"github.com/surge-downloader/swarm/internal/engine/sources"
	"github.com/surge-downloader/swarm/internal/engine/types"
)

// NextSegment computes the range a connection should fetch next without
// registering it. It returns WholeFile when the size is unknown, Busy when no
// further connection may start, and an empty segment when nothing fits now.
//
// wantedSize is the chunk size the scheduler would like, lastSpeed the speed
// of the connection's previous chunk and partial the peer's parts bitmap.
func (it *Item) NextSegment(blockSize, wantedSize, lastSpeed int64, partial *sources.PartialSource) types.Segment {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	return it.nextSegmentLocked(blockSize, wantedSize, lastSpeed, partial)
}

// nextSegmentLocked needs runMu held
func (it *Item) nextSegmentLocked(blockSize, wantedSize, lastSpeed int64, partial *sources.PartialSource) types.Segment {
	cfg := it.env.Config
	if it.size < 0 || blockSize <= 0 {
		return types.WholeFile
	}
	if it.size == 0 {
		return types.Segment{}
	}

	if !cfg.GetMultiChunk() {
		if !it.running.Empty() {
			return types.Busy
		}
		return it.firstGap(blockSize)
	}

	if it.running.Len() >= it.MaxSegments() {
		return types.Busy
	}
	if limit := cfg.GetDontBeginSegmentSpeed(); limit > 0 && limit < it.averageSpeed.Load() {
		return types.Busy
	}

	// Peer parts as byte offsets. A bitmap in another block size is unusable.
	var posArray []int64
	if partial != nil && partial.BlockSize == blockSize {
		posArray = make([]int64, len(partial.Parts))
		for i, p := range partial.Parts {
			posArray[i] = min(it.size, int64(p)*blockSize)
		}
	}

	var needed []types.Segment
	var neededPtr *[]types.Segment
	if partial != nil {
		neededPtr = &needed
	}

	it.doneMu.RLock()
	donePart := float64(it.done.Size()) / float64(it.size)

	// Chunks shrink towards the end of the file
	targetSize := int64(float64(wantedSize) * max(0.25, 1-donePart*donePart))
	if targetSize > blockSize {
		targetSize -= targetSize % blockSize
	} else {
		targetSize = blockSize
	}

	var block types.Segment
	if it.shouldSearchBackward() {
		block = it.searchBackward(blockSize, targetSize, neededPtr, posArray)
	} else {
		block = it.searchForward(blockSize, targetSize, neededPtr, posArray)
	}
	it.doneMu.RUnlock()

	if block.Size != 0 {
		return block
	}

	if len(needed) > 0 {
		it.log.Debug().Int("candidates", len(needed)).Msg("found partial chunks")
		selected := needed[it.env.randN(len(needed))]
		selected.Size = min(selected.Size, targetSize)
		return selected
	}

	if partial == nil && cfg.GetOverlapChunks() && lastSpeed > cfg.GetOverlapMinSpeed() {
		if seg, ok := it.findOverlapLocked(blockSize, lastSpeed); ok {
			return seg
		}
	}
	return types.Segment{}
}

// firstGap is the single connection rule: the hole before the first done
// range, or between the first and second one, widened to block boundaries.
func (it *Item) firstGap(blockSize int64) types.Segment {
	start, end := int64(0), it.size

	it.doneMu.RLock()
	if first, ok := it.done.First(); ok {
		if first.Start > 0 {
			end = roundUp(first.Start, blockSize)
		} else {
			start = roundDown(first.End(), blockSize)
			if second, ok := it.done.Second(); ok {
				end = roundUp(second.Start, blockSize)
			}
		}
	}
	it.doneMu.RUnlock()

	return types.NewSegment(start, min(it.size, end)-start)
}

// shouldSearchBackward needs doneMu held. The tail is fetched first when the
// item asks for it, a large enough head is done and the tail is still missing.
func (it *Item) shouldSearchBackward() bool {
	if !it.Flags().Has(types.FileWantEnd) || it.done.Empty() {
		return false
	}
	cfg := it.env.Config
	first, _ := it.done.First()
	if first.Start != 0 || first.Size < cfg.GetWantEndMinHead() {
		return false
	}
	last, _ := it.done.Last()
	if last.End() == it.size && last.Size > it.size*cfg.GetWantEndTailPercent()/100 {
		return false
	}
	return true
}

// conflicts needs runMu and doneMu held. A window of at most one block only
// clashes with a done range covering it entirely, larger windows with any
// overlap. Running ranges always clash on overlap.
func (it *Item) conflicts(block types.Segment, curSize, blockSize int64) bool {
	overlaps := false
	it.done.Ascend(func(d types.Segment) bool {
		if curSize <= blockSize {
			overlaps = d.Contains(block)
		} else {
			overlaps = d.Overlaps(block)
		}
		return !overlaps
	})
	return overlaps || it.running.OverlapsAny(block)
}

// appendNeeded collects the parts of [start,end) the peer holds
func appendNeeded(needed []types.Segment, start, end int64, posArray []int64) []types.Segment {
	for j := 0; j+1 < len(posArray); j += 2 {
		ps, pe := posArray[j], posArray[j+1]
		if (ps <= start && start < pe) || (start <= ps && ps < end) {
			b, e := max(start, ps), min(end, pe)
			if e > b {
				needed = append(needed, types.NewSegment(b, e-b))
			}
		}
	}
	return needed
}

// searchForward walks windows from the end of the first done range. A
// clashing window shrinks one block at a time before it is skipped. With a
// needed list every free window is only collected.
func (it *Item) searchForward(blockSize, targetSize int64, needed *[]types.Segment, posArray []int64) types.Segment {
	start := int64(0)
	curSize := targetSize
	if first, ok := it.done.First(); ok && first.Start == 0 {
		start = first.End()
	}

	for start < it.size {
		end := min(it.size, start+curSize)
		block := types.NewSegment(start, end-start)
		overlaps := it.conflicts(block, curSize, blockSize)
		if !overlaps {
			if needed == nil {
				return block
			}
			*needed = appendNeeded(*needed, start, end, posArray)
		}

		if overlaps && curSize > blockSize {
			curSize -= blockSize
		} else {
			start = end
			curSize = targetSize
		}
	}
	return types.Segment{}
}

// searchBackward mirrors searchForward from the start of a done tail, or
// from the end of the file.
func (it *Item) searchBackward(blockSize, targetSize int64, needed *[]types.Segment, posArray []int64) types.Segment {
	end := int64(0)
	curSize := targetSize
	if last, ok := it.done.Last(); ok && last.End() == it.size {
		end = last.Start
	}
	if end == 0 {
		end = roundUp(it.size, blockSize)
	}

	for end > 0 {
		start := max(0, end-curSize)
		block := types.NewSegment(start, min(end, it.size)-start)
		overlaps := it.conflicts(block, curSize, blockSize)
		if !overlaps {
			if needed == nil {
				return block
			}
			*needed = appendNeeded(*needed, start, end, posArray)
		}

		if overlaps && curSize > blockSize {
			curSize -= blockSize
		} else {
			end = start
			curSize = targetSize
		}
	}
	return types.Segment{}
}

// findOverlapLocked needs runMu held. It offers the tail of a slow download,
// from its last block boundary, when the requester would finish it at least
// OverlapSpeedFactor times sooner.
func (it *Item) findOverlapLocked(blockSize, lastSpeed int64) (types.Segment, bool) {
	cfg := it.env.Config
	now := it.env.now()
	var out types.Segment
	found := false

	it.running.Each(func(d *segments.Download) bool {
		if d.Overlapped() {
			return true
		}
		started := d.StartTime()
		if started.IsZero() || now.Sub(started) < cfg.GetOverlapMinRunTime() {
			return true
		}
		secondsLeft := d.SecondsLeft()
		if secondsLeft < cfg.GetOverlapMinSecondsLeft() {
			return true
		}

		pos := d.Pos() - d.Pos()%blockSize
		size := d.Segment.Size - pos
		newLeft := size / lastSpeed
		if cfg.GetOverlapSpeedFactor()*newLeft < secondsLeft {
			it.log.Debug().
				Str("peer", string(d.Peer)).
				Int64("old_left", secondsLeft).
				Int64("new_left", newLeft).
				Msg("overlapping slow segment")
			out = types.Segment{Start: d.Segment.Start + pos, Size: size, Overlapped: true}
			found = true
			return false
		}
		return true
	})
	return out, found
}

// SetOverlapped flags the running download whose range contains seg
func (it *Item) SetOverlapped(seg types.Segment, overlapped bool) bool {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	return it.running.SetOverlapped(seg, overlapped)
}

// DisconnectSlow signals the first other download whose range contains the
// winner's, unless it finishes within DisconnectSlowMinLeft seconds.
func (it *Item) DisconnectSlow(winner *segments.Download) bool {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	return it.disconnectSlowLocked(winner)
}

func (it *Item) disconnectSlowLocked(winner *segments.Download) bool {
	minLeft := it.env.Config.GetDisconnectSlowMinLeft()
	found := false
	it.running.Each(func(d *segments.Download) bool {
		if d == winner || !d.Segment.Contains(winner.Segment) {
			return true
		}
		// Racing is pointless when the original is about to finish
		if d.SecondsLeft() < minLeft {
			return false
		}
		d.Disconnect()
		it.env.Metrics.Disconnect("slow")
		found = true
		return false
	})
	return found
}

// DisconnectOthers signals every download except keep
func (it *Item) DisconnectOthers(keep *segments.Download) {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	it.running.Each(func(d *segments.Download) bool {
		if d != keep {
			d.Disconnect()
			it.env.Metrics.Disconnect("others")
		}
		return true
	})
}

func roundUp(v, block int64) int64 {
	return (v + block - 1) / block * block
}

func roundDown(v, block int64) int64 {
	return v - v%block
}
