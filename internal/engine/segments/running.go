package segments

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

// Conn is the connection carrying a download. The engine only ever asks it to go away.
// Disconnect is called with the item's running lock held and must not block.
type Conn interface {
	Disconnect()
}

// Download tracks a segment being fetched by one peer connection
type Download struct {
	Segment types.Segment
	Peer    types.PeerID
	Conn    Conn
	Partial bool // Assigned from the peer's parts bitmap

	pos        atomic.Int64 // Bytes received within Segment
	startTime  atomic.Int64 // Unix nano, 0 until data flows
	overlapped atomic.Bool

	// Sliding window speed tracking
	speedMu     sync.Mutex
	speed       float64 // EMA-smoothed bytes/sec
	alpha       float64
	windowStart time.Time
	windowBytes int64
}

// NewDownload creates a download for seg; it starts counting once Start is called
func NewDownload(seg types.Segment, peer types.PeerID, conn Conn, alpha float64) *Download {
	if alpha <= 0 || alpha > 1 {
		alpha = types.SpeedEMAAlpha
	}
	d := &Download{
		Segment: seg,
		Peer:    peer,
		Conn:    conn,
		alpha:   alpha,
	}
	d.overlapped.Store(seg.Overlapped)
	return d
}

// Start marks the moment the first byte is expected
func (d *Download) Start(now time.Time) {
	d.startTime.Store(now.UnixNano())
	d.speedMu.Lock()
	d.windowStart = now
	d.windowBytes = 0
	d.speedMu.Unlock()
}

func (d *Download) Started() bool {
	return d.startTime.Load() != 0
}

// StartTime returns when Start was called, zero if it was not
func (d *Download) StartTime() time.Time {
	ns := d.startTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Pos returns the bytes received so far within the segment
func (d *Download) Pos() int64 {
	return d.pos.Load()
}

// Remaining returns the bytes still missing from the segment
func (d *Download) Remaining() int64 {
	return max(0, d.Segment.Size-d.pos.Load())
}

// AddBytes records n received bytes and refreshes the speed once per window
func (d *Download) AddBytes(n int64, now time.Time) {
	d.pos.Add(n)

	d.speedMu.Lock()
	defer d.speedMu.Unlock()

	if d.windowStart.IsZero() {
		d.windowStart = now
	}
	d.windowBytes += n
	elapsed := now.Sub(d.windowStart)
	if elapsed < types.SpeedWindow {
		return
	}
	recent := float64(d.windowBytes) / elapsed.Seconds()
	if d.speed == 0 {
		d.speed = recent
	} else {
		d.speed = (1-d.alpha)*d.speed + d.alpha*recent
	}
	d.windowStart = now
	d.windowBytes = 0
}

// Speed returns the smoothed speed in bytes/sec, 0 before the first window closes
func (d *Download) Speed() float64 {
	d.speedMu.Lock()
	defer d.speedMu.Unlock()
	return d.speed
}

// SecondsLeft estimates the time to finish, 0 when no speed is known
func (d *Download) SecondsLeft() int64 {
	sp := d.Speed()
	if sp <= 0 {
		return 0
	}
	return int64(float64(d.Remaining()) / sp)
}

func (d *Download) Overlapped() bool {
	return d.overlapped.Load()
}

func (d *Download) SetOverlapped(v bool) {
	d.overlapped.Store(v)
}

// Disconnect signals the connection to close
func (d *Download) Disconnect() {
	if d.Conn != nil {
		d.Conn.Disconnect()
	}
}

// RunningSet lists the downloads currently active for one file.
// It is not safe for concurrent use, the owner holds the lock.
type RunningSet struct {
	downloads []*Download
}

func NewRunningSet() *RunningSet {
	return &RunningSet{}
}

func (r *RunningSet) Add(d *Download) {
	r.downloads = append(r.downloads, d)
}

// Remove drops the first download of peer and returns it
func (r *RunningSet) Remove(peer types.PeerID) *Download {
	for i, d := range r.downloads {
		if d.Peer == peer {
			r.downloads = append(r.downloads[:i], r.downloads[i+1:]...)
			return d
		}
	}
	return nil
}

// RemoveDownload drops exactly d
func (r *RunningSet) RemoveDownload(d *Download) bool {
	for i, x := range r.downloads {
		if x == d {
			r.downloads = append(r.downloads[:i], r.downloads[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the first download of peer
func (r *RunningSet) Find(peer types.PeerID) *Download {
	for _, d := range r.downloads {
		if d.Peer == peer {
			return d
		}
	}
	return nil
}

func (r *RunningSet) Len() int {
	return len(r.downloads)
}

func (r *RunningSet) Empty() bool {
	return len(r.downloads) == 0
}

// All returns a copy of the download list
func (r *RunningSet) All() []*Download {
	out := make([]*Download, len(r.downloads))
	copy(out, r.downloads)
	return out
}

// Each visits downloads in insertion order until fn returns false
func (r *RunningSet) Each(fn func(*Download) bool) {
	for _, d := range r.downloads {
		if !fn(d) {
			return
		}
	}
}

// OverlapsAny reports whether seg intersects any running segment
func (r *RunningSet) OverlapsAny(seg types.Segment) bool {
	for _, d := range r.downloads {
		if d.Segment.Overlaps(seg) {
			return true
		}
	}
	return false
}

// SetOverlapped flags the first download whose range contains seg
func (r *RunningSet) SetOverlapped(seg types.Segment, v bool) bool {
	for _, d := range r.downloads {
		if d.Segment.Contains(seg) {
			d.SetOverlapped(v)
			return true
		}
	}
	return false
}

// ActiveCount counts started downloads, stopping at 2 since more changes nothing
func (r *RunningSet) ActiveCount() int {
	n := 0
	for _, d := range r.downloads {
		if d.Started() {
			n++
		}
		if n > 1 {
			break
		}
	}
	return n
}

// Visualise returns the running ranges with their progress
func (r *RunningSet) Visualise() []types.RunningSegment {
	out := make([]types.RunningSegment, 0, len(r.downloads))
	for _, d := range r.downloads {
		out = append(out, types.RunningSegment{
			Start: d.Segment.Start,
			End:   d.Segment.End(),
			Pos:   d.Pos(),
		})
	}
	return out
}
