package queue

import (
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/swarm/internal/engine/segments"
	"github.com/surge-downloader/swarm/internal/engine/sources"
	"github.com/surge-downloader/swarm/internal/engine/types"
)

func partialOf(parts types.PartsInfo, blockSize int64) *sources.PartialSource {
	return &sources.PartialSource{Parts: parts, BlockSize: blockSize, UDPPort: 411}
}

// register puts a running download on it without going through the allocator
func register(it *Item, peer types.PeerID, seg types.Segment) *segments.Download {
	it.runMu.Lock()
	defer it.runMu.Unlock()
	d := segments.NewDownload(seg, peer, nil, 0)
	it.running.Add(d)
	return d
}

// =============================================================================
// Early Exit Tests
// =============================================================================

func TestNextSegment_UnknownSize(t *testing.T) {
	it, _ := newTestItem(t, -1, 3, nil)
	assert.Equal(t, types.WholeFile, it.NextSegment(100, 1000, 0, nil))
}

func TestNextSegment_ZeroBlockSize(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, nil)
	assert.Equal(t, types.WholeFile, it.NextSegment(0, 1000, 0, nil))
}

func TestNextSegment_MaxSegments(t *testing.T) {
	it, _ := newTestItem(t, 1000, 1, nil)
	register(it, "a", types.NewSegment(0, 100))
	assert.Equal(t, types.Busy, it.NextSegment(100, 1000, 0, nil))
}

func TestNextSegment_DontBeginSegment(t *testing.T) {
	cfg := &types.RuntimeConfig{DontBeginSegment: true, DontBeginSegmentSpeed: 1}
	it, clock := newTestItem(t, 10*types.MB, 3, cfg)

	a := it.OnConnectionReady("a", nil, types.MB, 0, nil)
	a.Download.Start(clock.Now())
	a.Download.AddBytes(10000, clock.Now().Add(2*time.Second))

	// Speed is only known after an update
	assert.False(t, it.NextSegment(64*types.KB, types.MB, 0, nil).IsBusy())

	it.UpdateDownloadedBytesAndSpeed()
	require.Equal(t, int64(5000), it.AverageSpeed())
	assert.Equal(t, types.Busy, it.NextSegment(64*types.KB, types.MB, 0, nil))
}

// =============================================================================
// Single Connection Tests
// =============================================================================

func TestNextSegment_SingleChunk(t *testing.T) {
	cfg := &types.RuntimeConfig{MultiChunk: types.Bool(false)}

	tests := []struct {
		name string
		done []types.Segment
		want types.Segment
	}{
		{"empty", nil, types.NewSegment(0, 1000)},
		{"head missing", []types.Segment{types.NewSegment(250, 100)}, types.NewSegment(0, 300)},
		{"after head", []types.Segment{types.NewSegment(0, 150)}, types.NewSegment(100, 900)},
		{"between", []types.Segment{types.NewSegment(0, 150), types.NewSegment(420, 10)}, types.NewSegment(100, 400)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, _ := newTestItem(t, 1000, 3, cfg)
			for _, s := range tt.done {
				it.AddSegment(s)
			}
			assert.Equal(t, tt.want, it.NextSegment(100, 1000, 0, nil))
		})
	}
}

func TestNextSegment_SingleChunkBusy(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, &types.RuntimeConfig{MultiChunk: types.Bool(false)})
	register(it, "a", types.NewSegment(0, 100))
	assert.Equal(t, types.Busy, it.NextSegment(100, 1000, 0, nil))
}

// =============================================================================
// Forward Search Tests
// =============================================================================

func TestNextSegment_SkipsRunning(t *testing.T) {
	it, _ := newTestItem(t, 300, 3, nil)
	register(it, "a", types.NewSegment(0, 100))
	register(it, "b", types.NewSegment(100, 100))

	assert.Equal(t, types.NewSegment(200, 100), it.NextSegment(100, 300, 0, nil))
}

func TestNextSegment_TargetShrinksNearEnd(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, nil)
	it.AddSegment(types.NewSegment(0, 500))

	// 200 * (1 - 0.25) = 150, rounded down to one block
	assert.Equal(t, types.NewSegment(500, 100), it.NextSegment(100, 200, 0, nil))
}

func TestNextSegment_TargetFloor(t *testing.T) {
	it, _ := newTestItem(t, 10000, 3, nil)
	it.AddSegment(types.NewSegment(0, 9000))

	// 0.9 done leaves a factor of 0.19, floored at a quarter
	assert.Equal(t, types.NewSegment(9000, 1000), it.NextSegment(100, 4000, 0, nil))
}

func TestNextSegment_TargetBelowBlock(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, nil)
	assert.Equal(t, types.NewSegment(0, 100), it.NextSegment(100, 30, 0, nil))
}

func TestNextSegment_BacksOffBeforeDone(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, nil)
	it.AddSegment(types.NewSegment(0, 100))
	it.AddSegment(types.NewSegment(400, 100))

	// Target 400: [100,500) clashes, shrinking lands on [100,400)
	assert.Equal(t, types.NewSegment(100, 300), it.NextSegment(100, 420, 0, nil))
}

func TestNextSegment_SubBlockWindowToleratesPartialDone(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, nil)
	it.AddSegment(types.NewSegment(0, 150))

	// Search starts at 150, no done range covers [150,250)
	assert.Equal(t, types.NewSegment(150, 100), it.NextSegment(100, 100, 0, nil))

	it2, _ := newTestItem(t, 1000, 3, nil)
	it2.AddSegment(types.NewSegment(50, 20))
	// Window [0,100) is not fully covered by [50,70), so it is still offered
	assert.Equal(t, types.NewSegment(0, 100), it2.NextSegment(100, 100, 0, nil))
}

func TestNextSegment_LastShortBlock(t *testing.T) {
	it, _ := newTestItem(t, 950, 3, nil)
	it.AddSegment(types.NewSegment(0, 900))
	assert.Equal(t, types.NewSegment(900, 50), it.NextSegment(100, 100, 0, nil))
}

func TestNextSegment_NothingLeft(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, nil)
	register(it, "a", types.NewSegment(0, 1000))
	assert.Equal(t, types.Segment{}, it.NextSegment(100, 1000, 0, nil))
}

// =============================================================================
// Backward Search Tests
// =============================================================================

func wantEndItem(t *testing.T) *Item {
	it, _ := newTestItem(t, 100*types.MB, 3, nil)
	it.SetFlag(types.FileWantEnd)
	return it
}

func TestNextSegment_WantEndFetchesTail(t *testing.T) {
	it := wantEndItem(t)
	it.AddSegment(types.NewSegment(0, 2*types.MB))

	got := it.NextSegment(types.MB, types.MB, 0, nil)
	assert.Equal(t, types.NewSegment(99*types.MB, types.MB), got)
}

func TestNextSegment_WantEndContinuesBeforeTail(t *testing.T) {
	it := wantEndItem(t)
	it.AddSegment(types.NewSegment(0, 2*types.MB))
	it.AddSegment(types.NewSegment(99*types.MB, types.MB))

	got := it.NextSegment(types.MB, types.MB, 0, nil)
	assert.Equal(t, types.NewSegment(98*types.MB, types.MB), got)
}

func TestNextSegment_WantEndStopsWhenTailDone(t *testing.T) {
	it := wantEndItem(t)
	it.AddSegment(types.NewSegment(0, 2*types.MB))
	it.AddSegment(types.NewSegment(96*types.MB, 4*types.MB))

	got := it.NextSegment(types.MB, types.MB, 0, nil)
	assert.Equal(t, types.NewSegment(2*types.MB, types.MB), got)
}

func TestNextSegment_WantEndNeedsHead(t *testing.T) {
	it := wantEndItem(t)
	it.AddSegment(types.NewSegment(0, types.MB))

	got := it.NextSegment(types.MB, types.MB, 0, nil)
	assert.Equal(t, types.NewSegment(types.MB, types.MB), got)
}

func TestNextSegment_WantEndSkipsRunningTail(t *testing.T) {
	it := wantEndItem(t)
	it.AddSegment(types.NewSegment(0, 2*types.MB))
	register(it, "a", types.NewSegment(99*types.MB, types.MB))

	got := it.NextSegment(types.MB, types.MB, 0, nil)
	assert.Equal(t, types.NewSegment(98*types.MB, types.MB), got)
}

// =============================================================================
// Partial Source Tests
// =============================================================================

func TestNextSegment_PartialPicksHeldBlocks(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, nil)
	ps := partialOf(types.PartsInfo{2, 4, 7, 10}, 100)

	it.env.Rand = func(n int) int {
		require.Equal(t, 2, n)
		return 0
	}
	assert.Equal(t, types.NewSegment(200, 200), it.NextSegment(100, 1000, 0, ps))

	it.env.Rand = func(n int) int { return 1 }
	assert.Equal(t, types.NewSegment(700, 300), it.NextSegment(100, 1000, 0, ps))
}

func TestNextSegment_PartialClippedToTarget(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, nil)
	it.AddSegment(types.NewSegment(0, 100))
	ps := partialOf(types.PartsInfo{0, 10}, 100)

	var picks []int
	it.env.Rand = func(n int) int {
		picks = append(picks, n)
		return n - 1
	}
	// donePart 0.1 -> 200 * 0.99 = 198 -> one block windows from 100
	got := it.NextSegment(100, 200, 0, ps)
	assert.Equal(t, []int{9}, picks)
	assert.Equal(t, types.NewSegment(900, 100), got)
}

func TestNextSegment_PartialSkipsRunning(t *testing.T) {
	it, _ := newTestItem(t, 1000, 3, nil)
	register(it, "a", types.NewSegment(200, 200))
	ps := partialOf(types.PartsInfo{2, 4}, 100)

	assert.Equal(t, types.Segment{}, it.NextSegment(100, 1000, 0, ps))
}

func TestNextSegment_PartialBlockSizeMismatch(t *testing.T) {
	it, clock := newTestItem(t, 10*types.MB, 3, nil)
	slow := it.OnConnectionReady("slow", nil, 5*types.MB, 0, nil)
	slow.Download.Start(clock.Now())

	ps := partialOf(types.PartsInfo{0, 160}, 128*types.KB)
	got := it.NextSegment(64*types.KB, types.MB, 4*types.MB, ps)
	assert.Equal(t, types.Segment{}, got, "mismatched bitmap yields nothing")
}

func TestNextSegment_PartialLastBlockClamped(t *testing.T) {
	it, _ := newTestItem(t, 950, 3, nil)
	ps := partialOf(types.PartsInfo{9, 10}, 100)
	it.env.Rand = func(int) int { return 0 }

	// Last block pair is clamped to the file size
	assert.Equal(t, types.NewSegment(900, 50), it.NextSegment(100, 1000, 0, ps))
}

// =============================================================================
// Property Tests
// =============================================================================

// checkNoDoubleAllocation asserts running non-overlapped ranges are disjoint
func checkNoDoubleAllocation(t *testing.T, it *Item) {
	t.Helper()
	ds := it.Downloads()
	for i := range ds {
		for j := i + 1; j < len(ds); j++ {
			if ds[i].Segment.Overlapped || ds[j].Segment.Overlapped {
				continue
			}
			if ds[i].Segment.Overlaps(ds[j].Segment) {
				t.Fatalf("running %v and %v overlap", ds[i].Segment, ds[j].Segment)
			}
		}
	}
}

func TestAllocator_NoDoubleAllocationRandom(t *testing.T) {
	cfg := &types.RuntimeConfig{OverlapChunks: types.Bool(false)}
	rng := rand.New(rand.NewPCG(7, 11))

	for round := 0; round < 30; round++ {
		size := 1000 + rng.Int64N(20000)
		it, _ := newTestItem(t, size, 1+rng.IntN(6), cfg)
		const block = 100
		peer := 0

		for step := 0; step < 300; step++ {
			ds := it.Downloads()
			if len(ds) == 0 || rng.IntN(3) > 0 {
				peer++
				wanted := int64(block * (1 + rng.IntN(20)))
				registerNext(it, types.PeerID("p"+strconv.Itoa(peer)), wanted)
			} else {
				d := ds[rng.IntN(len(ds))]
				if rng.IntN(4) == 0 {
					it.OnSegmentFailed(d.Peer, d.Segment)
				} else {
					it.OnSegmentComplete(d.Peer, d.Segment)
				}
			}
			checkNoDoubleAllocation(t, it)
		}

		// Drain: every remaining byte must be reachable
		for i := 0; !it.IsFinished(); i++ {
			require.Less(t, i, 10000, "round %d did not converge", round)
			a := it.OnConnectionReady("drain", nil, 1000, 0, nil)
			switch a.Status {
			case AssignSegment:
				it.OnSegmentComplete("drain", a.Segment)
			case AssignBusy, AssignNoWork:
				ds := it.Downloads()
				require.NotEmpty(t, ds, "round %d: no work but nothing running", round)
				it.OnSegmentComplete(ds[0].Peer, ds[0].Segment)
			}
		}
		assert.Equal(t, size, it.DoneSize())
	}
}

// registerNext allocates at a fixed 100 byte block size and registers the result
func registerNext(it *Item, peer types.PeerID, wanted int64) {
	it.runMu.Lock()
	defer it.runMu.Unlock()
	seg := it.nextSegmentLocked(100, wanted, 0, nil)
	if seg.Size <= 0 {
		return
	}
	it.running.Add(segments.NewDownload(seg, peer, nil, 0))
}

func TestAllocator_ConcurrentConnections(t *testing.T) {
	const size = 4 * types.MB
	it, _ := newTestItem(t, size, 4, &types.RuntimeConfig{OverlapChunks: types.Bool(false)})

	var mu sync.Mutex
	active := map[types.PeerID]types.Segment{}
	var failures []string

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			peer := types.PeerID(string(rune('a' + w)))
			for i := 0; i < 100000; i++ {
				a := it.OnConnectionReady(peer, nil, 256*types.KB, 0, nil)
				if a.Status == AssignDone {
					return
				}
				if a.Status != AssignSegment {
					time.Sleep(time.Microsecond)
					continue
				}

				mu.Lock()
				for other, seg := range active {
					if seg.Overlaps(a.Segment) {
						failures = append(failures, string(peer)+" overlaps "+string(other)+" at "+seg.String())
					}
				}
				active[peer] = a.Segment
				mu.Unlock()

				mu.Lock()
				delete(active, peer)
				mu.Unlock()
				it.OnSegmentComplete(peer, a.Segment)
			}
		}(w)
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.True(t, it.IsFinished())
	assert.Equal(t, int64(size), it.DoneSize())
	assert.True(t, it.IsWaiting())
}
