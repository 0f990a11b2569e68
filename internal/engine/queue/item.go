package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/surge-downloader/swarm/internal/engine/segments"
	"github.com/surge-downloader/swarm/internal/engine/sources"
	"github.com/surge-downloader/swarm/internal/engine/types"
	"github.com/surge-downloader/swarm/internal/metrics"
)

// ItemOptions describes a file to enqueue
type ItemOptions struct {
	ID           string // Generated when empty
	Target       string
	Size         int64 // -1 when unknown
	TTH          types.TTH
	Flags        types.FileFlags
	Priority     types.Priority
	AutoPriority bool
	MaxSegments  int
	Added        time.Time
	TempTarget   string
}

// Item is one queued file: what is done, what is running and who can serve it.
//
// Locks: runMu guards the running set, doneMu the done set. When both are
// needed runMu is taken first. The source registry locks itself and is never
// used while either is held.
type Item struct {
	env *Env
	log zerolog.Logger

	id     string
	target string
	size   int64
	tth    types.TTH
	added  time.Time

	flags         atomic.Uint32
	priority      atomic.Int32
	autoPriority  atomic.Bool
	maxSegments   atomic.Int32
	blockSize     atomic.Int64
	timeFileBegin atomic.Int64

	metaMu     sync.Mutex
	tempTarget string

	runMu   sync.RWMutex
	running *segments.RunningSet

	doneMu sync.RWMutex
	done   *segments.DoneSet

	sources *sources.Registry

	downloadedBytes atomic.Int64
	averageSpeed    atomic.Int64
}

// NewItem creates an item with nothing downloaded. A nil env uses defaults.
func NewItem(env *Env, opts ItemOptions) *Item {
	if env == nil {
		env = NewEnv(nil, zerolog.Nop())
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Added.IsZero() {
		opts.Added = env.now()
	}
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = env.Config.GetMaxSegments()
	}
	it := &Item{
		env:        env,
		log:        env.Log.With().Str("item", opts.ID).Logger(),
		id:         opts.ID,
		target:     opts.Target,
		size:       opts.Size,
		tth:        opts.TTH,
		added:      opts.Added,
		tempTarget: opts.TempTarget,
		running:    segments.NewRunningSet(),
		done:       segments.NewDoneSet(),
	}
	it.sources = sources.NewRegistry(env.Online, it.log)
	it.flags.Store(uint32(opts.Flags))
	it.priority.Store(int32(opts.Priority))
	it.autoPriority.Store(opts.AutoPriority)
	it.SetMaxSegments(opts.MaxSegments)
	it.blockSize.Store(DefaultBlockSize(opts.Size))
	return it
}

// DefaultBlockSize is the leaf size of a full tiger tree for a file of size
// bytes, never below 64 KiB. Unknown sizes get 64 KiB.
func DefaultBlockSize(size int64) int64 {
	if size < 0 {
		return types.MinBlockSize
	}
	maxLeaves := int64(1) << (types.MaxTreeLevels - 1)
	bs := int64(types.BaseBlockSize)
	for maxLeaves*bs < size {
		bs *= 2
	}
	return max(bs, types.MinBlockSize)
}

func (it *Item) ID() string       { return it.id }
func (it *Item) Target() string   { return it.target }
func (it *Item) Size() int64      { return it.size }
func (it *Item) TTH() types.TTH   { return it.tth }
func (it *Item) Added() time.Time { return it.added }

// Sources returns the item's source registry
func (it *Item) Sources() *sources.Registry { return it.sources }

func (it *Item) Flags() types.FileFlags {
	return types.FileFlags(it.flags.Load())
}

func (it *Item) SetFlag(f types.FileFlags) {
	for {
		old := it.flags.Load()
		if it.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (it *Item) UnsetFlag(f types.FileFlags) {
	for {
		old := it.flags.Load()
		if it.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

func (it *Item) Priority() types.Priority {
	return types.Priority(it.priority.Load())
}

func (it *Item) SetPriority(p types.Priority) {
	it.priority.Store(int32(p))
}

func (it *Item) AutoPriority() bool {
	return it.autoPriority.Load()
}

func (it *Item) SetAutoPriority(v bool) {
	it.autoPriority.Store(v)
}

func (it *Item) MaxSegments() int {
	return int(it.maxSegments.Load())
}

// SetMaxSegments sets the connection limit, at least one
func (it *Item) SetMaxSegments(n int) {
	it.maxSegments.Store(int32(max(1, min(n, 255))))
}

func (it *Item) BlockSize() int64 {
	return it.blockSize.Load()
}

// UpdateBlockSize adopts the tree's real leaf size. The block size only grows.
func (it *Item) UpdateBlockSize(treeBlockSize int64) {
	for {
		cur := it.blockSize.Load()
		if treeBlockSize <= cur {
			return
		}
		if treeBlockSize%cur != 0 {
			it.log.Warn().Int64("current", cur).Int64("tree", treeBlockSize).Msg("tree block size is not a multiple of the current one")
		}
		if it.blockSize.CompareAndSwap(cur, treeBlockSize) {
			return
		}
	}
}

// TimeFileBegin returns when the first segment was handed out, zero before that
func (it *Item) TimeFileBegin() time.Time {
	ns := it.timeFileBegin.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// =============================================================================
// Done segments
// =============================================================================

// clip trims seg to the file. With the size unknown only the start is
// bounded. ok is false when nothing of seg lies inside the file.
func (it *Item) clip(seg types.Segment) (types.Segment, bool) {
	start, end := max(seg.Start, 0), seg.End()
	if it.size >= 0 {
		end = min(end, it.size)
	}
	if end <= start {
		return types.Segment{}, false
	}
	return types.Segment{Start: start, Size: end - start, Overlapped: seg.Overlapped}, true
}

// AddSegment records seg as downloaded. Bytes outside the file are dropped.
func (it *Item) AddSegment(seg types.Segment) bool {
	clipped, ok := it.clip(seg)
	if !ok {
		it.log.Warn().Stringer("segment", seg).Msg("refusing segment outside the file")
		return false
	}
	if clipped != seg {
		it.log.Warn().Stringer("segment", seg).Stringer("clipped", clipped).Msg("segment clipped to file size")
	}

	it.doneMu.Lock()
	defer it.doneMu.Unlock()
	if !it.done.Add(clipped) {
		it.log.Warn().Stringer("segment", seg).Msg("refusing overlapped segment")
		return false
	}
	return true
}

// ResetDownloaded forgets everything downloaded, e.g. after a tree mismatch
func (it *Item) ResetDownloaded() {
	it.doneMu.Lock()
	it.done.Reset()
	it.doneMu.Unlock()
	it.downloadedBytes.Store(0)
}

func (it *Item) IsFinished() bool {
	it.doneMu.RLock()
	defer it.doneMu.RUnlock()
	return it.done.IsFinished(it.size)
}

// ChunkDownloaded clamps length to the done bytes contiguous from pos
func (it *Item) ChunkDownloaded(pos, length int64) (int64, bool) {
	it.doneMu.RLock()
	defer it.doneMu.RUnlock()
	return it.done.ChunkDownloaded(pos, length)
}

// Parts returns the done ranges in the PartsInfo wire form
func (it *Item) Parts(blockSize int64) types.PartsInfo {
	it.doneMu.RLock()
	defer it.doneMu.RUnlock()
	return it.done.Parts(blockSize, it.size)
}

func (it *Item) DoneSegments() []types.Segment {
	it.doneMu.RLock()
	defer it.doneMu.RUnlock()
	return it.done.Segments()
}

func (it *Item) DoneSize() int64 {
	it.doneMu.RLock()
	defer it.doneMu.RUnlock()
	return it.done.Size()
}

// ChunksVisualisation returns the running and done ranges for display
func (it *Item) ChunksVisualisation() ([]types.RunningSegment, []types.Segment) {
	it.runMu.RLock()
	running := it.running.Visualise()
	it.runMu.RUnlock()
	return running, it.DoneSegments()
}

// =============================================================================
// Running downloads
// =============================================================================

// UpdateDownloadedBytes sets the downloaded counter to the done size
func (it *Item) UpdateDownloadedBytes() {
	it.downloadedBytes.Store(it.DoneSize())
}

// UpdateDownloadedBytesAndSpeed adds the running progress and sums the speeds
func (it *Item) UpdateDownloadedBytesAndSpeed() {
	downloaded := it.DoneSize()
	var speed float64

	it.runMu.RLock()
	it.running.Each(func(d *segments.Download) bool {
		downloaded += d.Pos()
		speed += d.Speed()
		return true
	})
	it.runMu.RUnlock()

	it.downloadedBytes.Store(downloaded)
	it.averageSpeed.Store(int64(speed))
}

func (it *Item) DownloadedBytes() int64 { return it.downloadedBytes.Load() }

// AverageSpeed is the summed speed of all running downloads in bytes/sec
func (it *Item) AverageSpeed() int64 { return it.averageSpeed.Load() }

// ActiveSegments counts started downloads up to 2
func (it *Item) ActiveSegments() int {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	return it.running.ActiveCount()
}

// IsWaiting reports whether no connection works on the item
func (it *Item) IsWaiting() bool {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	return it.running.Empty()
}

func (it *Item) IsRunning() bool {
	return !it.IsWaiting()
}

// RunningCount returns the number of registered downloads
func (it *Item) RunningCount() int {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	return it.running.Len()
}

// Downloads returns the running downloads
func (it *Item) Downloads() []*segments.Download {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	return it.running.All()
}

// Users returns the peers with a running download, in start order
func (it *Item) Users() []types.PeerID {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	users := make([]types.PeerID, 0, it.running.Len())
	it.running.Each(func(d *segments.Download) bool {
		users = append(users, d.Peer)
		return true
	})
	return users
}

// FirstUser returns the peer of the oldest running download
func (it *Item) FirstUser() (types.PeerID, bool) {
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	var peer types.PeerID
	found := false
	it.running.Each(func(d *segments.Download) bool {
		peer, found = d.Peer, true
		return false
	})
	return peer, found
}

// TransferFlags counts started downloads and summarises how they run
func (it *Item) TransferFlags() (int, types.TransferFlags) {
	flags := types.TransferDownload
	segs := 0
	it.runMu.RLock()
	defer it.runMu.RUnlock()
	it.running.Each(func(d *segments.Download) bool {
		if !d.Started() {
			return true
		}
		segs++
		if d.Partial {
			flags |= types.TransferPartial
		}
		if d.Overlapped() {
			flags |= types.TransferOverlapped
		}
		if !d.Segment.IsWholeFile() {
			flags |= types.TransferChunked
		}
		return true
	})
	return segs, flags
}

// =============================================================================
// Engine contract
// =============================================================================

// AssignmentStatus tells a connection what to do next
type AssignmentStatus int

const (
	AssignSegment   AssignmentStatus = iota // Fetch Segment
	AssignWholeFile                         // Size unknown, fetch everything
	AssignNoWork                            // Nothing to fetch right now
	AssignBusy                              // Connection limit reached
	AssignDone                              // File is complete
)

func (s AssignmentStatus) String() string {
	switch s {
	case AssignSegment:
		return "segment"
	case AssignWholeFile:
		return "whole-file"
	case AssignNoWork:
		return "no-work"
	case AssignBusy:
		return "busy"
	case AssignDone:
		return "done"
	}
	return "unknown"
}

// Assignment is the answer to a ready connection. Download is set for
// AssignSegment and AssignWholeFile.
type Assignment struct {
	Segment  types.Segment
	Status   AssignmentStatus
	Download *segments.Download
}

// OnConnectionReady picks the next segment for peer and registers it as running.
// An overlapping assignment flags the download it races.
func (it *Item) OnConnectionReady(peer types.PeerID, conn segments.Conn, wantedSize, lastSpeed int64, partial *sources.PartialSource) Assignment {
	if it.size == 0 || it.IsFinished() {
		it.env.Metrics.Allocation(metrics.OutcomeDone)
		return Assignment{Status: AssignDone}
	}

	it.runMu.Lock()
	defer it.runMu.Unlock()

	seg := it.nextSegmentLocked(it.BlockSize(), wantedSize, lastSpeed, partial)
	status := AssignSegment
	switch {
	case seg.IsWholeFile():
		status = AssignWholeFile
		it.env.Metrics.Allocation(metrics.OutcomeWholeFile)
	case seg.IsBusy():
		it.env.Metrics.Allocation(metrics.OutcomeBusy)
		return Assignment{Segment: seg, Status: AssignBusy}
	case seg.Size == 0:
		it.doneMu.RLock()
		finished := it.done.IsFinished(it.size)
		it.doneMu.RUnlock()
		if finished {
			it.env.Metrics.Allocation(metrics.OutcomeDone)
			return Assignment{Status: AssignDone}
		}
		it.env.Metrics.Allocation(metrics.OutcomeNoWork)
		return Assignment{Segment: seg, Status: AssignNoWork}
	case seg.Overlapped:
		it.running.SetOverlapped(seg, true)
		it.env.Metrics.Allocation(metrics.OutcomeOverlap)
	case partial != nil:
		it.env.Metrics.Allocation(metrics.OutcomePartial)
	default:
		it.env.Metrics.Allocation(metrics.OutcomeSegment)
	}

	d := segments.NewDownload(seg, peer, conn, it.env.Config.GetSpeedEmaAlpha())
	d.Partial = partial != nil
	it.running.Add(d)
	it.timeFileBegin.CompareAndSwap(0, it.env.now().UnixNano())
	it.env.Metrics.SegmentStarted(seg.Size)

	it.log.Debug().Str("peer", string(peer)).Stringer("segment", seg).Stringer("status", status).Msg("segment assigned")
	return Assignment{Segment: seg, Status: status, Download: d}
}

// OnSegmentComplete releases peer's download starting at seg.Start and
// records seg as done. seg may be shorter than the assigned range when a
// connection stops early. It reports whether the file is now complete.
func (it *Item) OnSegmentComplete(peer types.PeerID, seg types.Segment) bool {
	it.runMu.Lock()
	defer it.runMu.Unlock()

	d := it.takeLocked(peer, seg.Start)
	if d != nil && d.Overlapped() && seg.Size >= d.Segment.Size {
		it.settleRaceLocked(d)
	}

	it.doneMu.Lock()
	if clipped, ok := it.clip(types.NewSegment(seg.Start, seg.Size)); ok {
		it.done.Add(clipped)
	}
	finished := it.done.IsFinished(it.size)
	it.doneMu.Unlock()

	it.env.Metrics.SegmentCompleted()
	return finished
}

// OnSegmentFailed releases peer's download starting at seg.Start.
// A failed overlap makes the raced download eligible again.
func (it *Item) OnSegmentFailed(peer types.PeerID, seg types.Segment) {
	it.runMu.Lock()
	defer it.runMu.Unlock()

	d := it.takeLocked(peer, seg.Start)
	if d == nil {
		return
	}
	if d.Segment.Overlapped {
		it.running.SetOverlapped(d.Segment, false)
	}
	it.env.Metrics.SegmentFailed()
}

// OnSourceAdded makes peer a source of the file
func (it *Item) OnSourceAdded(peer types.PeerID) {
	it.sources.Add(peer, false)
}

// OnSourceRemoved moves peer to the bad sources
func (it *Item) OnSourceRemoved(peer types.PeerID, reason types.SourceFlags) bool {
	if !it.sources.Remove(peer, reason) {
		return false
	}
	it.env.Metrics.SourceRemoved(reason.String())
	return true
}

// takeLocked removes and returns peer's download starting at start,
// falling back to the peer's first download.
func (it *Item) takeLocked(peer types.PeerID, start int64) *segments.Download {
	var match *segments.Download
	it.running.Each(func(d *segments.Download) bool {
		if d.Peer == peer && d.Segment.Start == start {
			match = d
			return false
		}
		return true
	})
	if match != nil {
		it.running.RemoveDownload(match)
	} else if match = it.running.Remove(peer); match != nil {
		it.log.Debug().Str("peer", string(peer)).Int64("start", start).Stringer("running", match.Segment).Msg("segment start mismatch")
	}
	if match != nil {
		it.env.Metrics.SegmentReleased()
	}
	return match
}

// settleRaceLocked ends the race a finished download was part of: the slower
// original is dropped unless it is about to finish, and an overlap made
// redundant by the finished range is dropped too.
func (it *Item) settleRaceLocked(winner *segments.Download) {
	it.disconnectSlowLocked(winner)
	it.running.Each(func(d *segments.Download) bool {
		if d.Segment.Overlapped && winner.Segment.Contains(d.Segment) {
			d.Disconnect()
			it.env.Metrics.Disconnect("redundant")
		}
		return true
	})
}
