package swarm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/surge-downloader/swarm/internal/engine/events"
	"github.com/surge-downloader/swarm/internal/engine/queue"
	"github.com/surge-downloader/swarm/internal/engine/sources"
	"github.com/surge-downloader/swarm/internal/engine/state"
	"github.com/surge-downloader/swarm/internal/engine/types"
	"github.com/surge-downloader/swarm/internal/metrics"
)

var (
	// ErrStalled is returned when every peer gave up before the file was complete
	ErrStalled = errors.New("no peer can serve the rest of the file")

	errDisconnected = errors.New("disconnected")
	errPeerFailed   = errors.New("peer connection broke")
	errUnknownSize  = errors.New("whole-file transfers are not simulated")
)

// Options configures a Driver
type Options struct {
	Config           *types.RuntimeConfig // Base policy, scenario overrides apply on top
	WantedSize       int64                // Used when the scenario sets none
	Events           chan<- any           // Optional, receives events messages
	Store            *state.Store         // Optional, resumes and saves the item
	Metrics          *metrics.Metrics     // Optional, engine collectors for this run
	Log              zerolog.Logger
	ProgressInterval time.Duration
	SaveInterval     time.Duration
	IdleWait         time.Duration // Pause after busy or no-work answers
}

// Driver runs one scenario against a queue item
type Driver struct {
	scn    *Scenario
	opts   Options
	env    *queue.Env
	item   *queue.Item
	peers  []*peer
	byID   map[types.PeerID]*peer
	wanted int64
	log    zerolog.Logger

	finished     chan struct{}
	finishedOnce sync.Once
}

// New builds the item and peers of scn. With a store the item resumes from
// its saved done ranges.
func New(ctx context.Context, scn *Scenario, opts Options) (*Driver, error) {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = 5 * time.Second
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 50 * time.Millisecond
	}

	d := &Driver{
		scn:      scn,
		opts:     opts,
		byID:     make(map[types.PeerID]*peer, len(scn.Peers)),
		wanted:   scn.wantedSize,
		log:      opts.Log.With().Str("scenario", scn.Name).Logger(),
		finished: make(chan struct{}),
	}
	if d.wanted <= 0 {
		d.wanted = opts.WantedSize
	}
	if d.wanted <= 0 {
		d.wanted = types.DefaultWantedSize
	}

	rng := rand.New(rand.NewPCG(scn.Seed, scn.Seed^0x9e3779b97f4a7c15))
	var rngMu sync.Mutex

	d.env = queue.NewEnv(scn.Policy.Apply(opts.Config), d.log)
	d.env.Metrics = opts.Metrics
	d.env.Online = func(p types.PeerID) bool {
		pp, ok := d.byID[p]
		return ok && pp.online.Load()
	}
	d.env.Rand = func(n int) int {
		rngMu.Lock()
		defer rngMu.Unlock()
		return rng.IntN(n)
	}

	item, err := d.loadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	d.item = item

	blockSize := item.BlockSize()
	for i, ps := range scn.Peers {
		p := newPeer(i, ps, blockSize, scn.size, rng.Float64)
		d.peers = append(d.peers, p)
		d.byID[p.id] = p

		item.OnSourceAdded(p.id)
		if p.partial != nil {
			item.Sources().SetPartial(p.id, *p.partial)
		}
	}
	return d, nil
}

func (d *Driver) loadOrCreate(ctx context.Context) (*queue.Item, error) {
	scn := d.scn
	if d.opts.Store != nil {
		snap, err := d.opts.Store.Load(ctx, scn.Name)
		switch {
		case err == nil:
			if snap.Size != scn.size {
				return nil, fmt.Errorf("saved item %s has size %d, scenario wants %d", scn.Name, snap.Size, scn.size)
			}
			d.log.Info().Int("segments", len(snap.Done)).Msg("resuming saved item")
			return queue.Restore(d.env, snap), nil
		case !errors.Is(err, state.ErrNotFound):
			return nil, err
		}
	}

	flags := types.FileNormal
	if scn.WantEnd {
		flags |= types.FileWantEnd
	}
	item := queue.NewItem(d.env, queue.ItemOptions{
		ID:           scn.Name,
		Target:       scn.Target,
		Size:         scn.size,
		TTH:          scn.tth,
		Flags:        flags,
		Priority:     scn.priority,
		AutoPriority: scn.AutoPriority,
		MaxSegments:  scn.MaxSegments,
	})
	if scn.blockSize > 0 {
		item.UpdateBlockSize(scn.blockSize)
	}
	return item, nil
}

// Item returns the item being downloaded
func (d *Driver) Item() *queue.Item { return d.item }

// Run connects every peer and transfers until the file is complete, every
// peer gave up or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	start := time.Now()
	d.emit(ctx, events.DownloadStartedMsg{
		DownloadID: d.item.ID(),
		Filename:   d.item.Target(),
		Total:      d.item.Size(),
		BlockSize:  d.item.BlockSize(),
		Peers:      len(d.peers),
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range d.peers {
		g.Go(func() error { return d.runPeer(gctx, p) })
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.monitor(ctx, stop)
	}()

	err := g.Wait()
	close(stop)
	wg.Wait()

	d.report(ctx, start)
	if serr := d.save(context.WithoutCancel(ctx)); serr != nil && err == nil {
		err = serr
	}
	if err == nil && !d.item.IsFinished() {
		err = ErrStalled
	}

	if err != nil {
		d.emit(context.WithoutCancel(ctx), events.DownloadErrorMsg{DownloadID: d.item.ID(), Filename: d.item.Target(), Err: err})
		return err
	}
	d.log.Info().Dur("elapsed", time.Since(start)).Msg("download complete")
	d.emit(ctx, events.DownloadCompleteMsg{
		DownloadID: d.item.ID(),
		Filename:   d.item.Target(),
		Elapsed:    time.Since(start),
		Total:      d.item.Size(),
	})
	return nil
}

func (d *Driver) runPeer(ctx context.Context, p *peer) error {
	if p.joinAfter > 0 {
		if !d.sleep(ctx, p.joinAfter) {
			return ctx.Err()
		}
		p.online.Store(true)
		d.item.Sources().Invalidate()
	}
	if !p.online.Load() {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.item.Sources().IsBadSource(p.id) {
			return nil
		}

		c := newConn()
		partial := d.partialOf(p)
		a := d.item.OnConnectionReady(p.id, c, d.wanted, p.lastSpeed.Load(), partial)

		switch a.Status {
		case queue.AssignDone:
			return nil
		case queue.AssignWholeFile:
			d.item.OnSegmentFailed(p.id, a.Segment)
			return errUnknownSize
		case queue.AssignBusy, queue.AssignNoWork:
			if partial != nil && !queue.IsNeededPart(partial.Parts, d.item.Parts(partial.BlockSize)) {
				d.removeSource(ctx, p, types.SourceNoNeedParts)
				return nil
			}
			d.emit(ctx, events.PeerIdleMsg{DownloadID: d.item.ID(), Peer: p.id, Reason: a.Status.String()})
			if !d.sleep(ctx, d.opts.IdleWait) {
				return ctx.Err()
			}
			continue
		}

		d.emit(ctx, events.SegmentAssignedMsg{
			DownloadID: d.item.ID(),
			Peer:       p.id,
			Segment:    a.Segment,
			Partial:    partial != nil,
			Overlapped: a.Segment.Overlapped,
		})

		began := time.Now()
		got, err := d.transfer(ctx, p, a, c)
		if elapsed := time.Since(began); got > 0 && elapsed > 0 {
			p.lastSpeed.Store(int64(float64(got) / elapsed.Seconds()))
		}

		switch {
		case err == nil:
			finished := d.item.OnSegmentComplete(p.id, a.Segment)
			d.emit(ctx, events.SegmentCompleteMsg{DownloadID: d.item.ID(), Peer: p.id, Segment: a.Segment, Elapsed: time.Since(began)})
			if finished {
				d.finish()
				return nil
			}
		case errors.Is(err, errDisconnected):
			d.release(ctx, p, a.Segment, got)
			d.emit(ctx, events.PeerDisconnectedMsg{DownloadID: d.item.ID(), Peer: p.id})
		case errors.Is(err, errPeerFailed):
			d.release(ctx, p, a.Segment, got)
			d.emit(ctx, events.SegmentFailedMsg{DownloadID: d.item.ID(), Peer: p.id, Segment: a.Segment, Err: err})
			d.removeSource(ctx, p, types.SourceFileNotAvailable)
			return nil
		default:
			d.release(ctx, p, a.Segment, got)
			return err
		}
	}
}

// transfer moves seg's bytes at the peer's rate. It returns the bytes moved
// and why it stopped early.
func (d *Driver) transfer(ctx context.Context, p *peer, a queue.Assignment, c *conn) (int64, error) {
	if p.latency > 0 && !d.sleep(ctx, p.latency) {
		return 0, ctx.Err()
	}
	a.Download.Start(time.Now())

	var got int64
	for got < a.Segment.Size {
		if c.stopped() {
			return got, errDisconnected
		}
		n := min(p.chunk, a.Segment.Size-got)
		if p.failAfter > 0 && p.sent.Load()+n > p.failAfter {
			return got, errPeerFailed
		}
		if err := p.limiter.WaitN(ctx, int(n)); err != nil {
			// WaitN gives up early when the deadline would pass first
			<-ctx.Done()
			return got, ctx.Err()
		}
		got += n
		p.sent.Add(n)
		a.Download.AddBytes(n, time.Now())
	}
	return got, nil
}

// release ends a transfer cut short, keeping whatever arrived
func (d *Driver) release(ctx context.Context, p *peer, seg types.Segment, got int64) {
	if got <= 0 {
		d.item.OnSegmentFailed(p.id, seg)
		return
	}
	if d.item.OnSegmentComplete(p.id, types.NewSegment(seg.Start, got)) {
		d.finish()
	}
	d.emit(ctx, events.SegmentCompleteMsg{DownloadID: d.item.ID(), Peer: p.id, Segment: types.NewSegment(seg.Start, got)})
}

func (d *Driver) removeSource(ctx context.Context, p *peer, reason types.SourceFlags) {
	if d.item.OnSourceRemoved(p.id, reason) {
		d.log.Debug().Str("peer", string(p.id)).Stringer("reason", reason).Msg("source removed")
		d.emit(ctx, events.SourceRemovedMsg{DownloadID: d.item.ID(), Peer: p.id, Reason: reason})
	}
}

func (d *Driver) partialOf(p *peer) *sources.PartialSource {
	if p.partial == nil {
		return nil
	}
	ps, ok := d.item.Sources().Partial(p.id)
	if !ok {
		return nil
	}
	return &ps
}

// monitor publishes progress, answers parts queries and saves the item
// until stop is closed.
func (d *Driver) monitor(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(d.opts.ProgressInterval)
	defer ticker.Stop()

	start := time.Now()
	lastSave := start
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.report(ctx, start)
			d.queryParts(ctx, now)
			if d.opts.Store != nil && now.Sub(lastSave) >= d.opts.SaveInterval {
				if err := d.save(ctx); err != nil {
					d.log.Warn().Err(err).Msg("failed to save progress")
				}
				lastSave = now
			}
		}
	}
}

func (d *Driver) report(ctx context.Context, start time.Time) {
	d.item.UpdateDownloadedBytesAndSpeed()
	speed := d.item.AverageSpeed()
	d.env.Metrics.SetSpeed(float64(speed))

	d.emit(ctx, events.ProgressMsg{
		DownloadID:        d.item.ID(),
		Downloaded:        d.item.DownloadedBytes(),
		Total:             d.item.Size(),
		Speed:             float64(speed),
		Elapsed:           time.Since(start),
		ActiveConnections: d.item.ActiveSegments(),
		Priority:          d.item.CalculateAutoPriority(),
	})
}

// queryParts refreshes the bitmaps of partial peers that are due a query
func (d *Driver) queryParts(ctx context.Context, now time.Time) {
	for _, c := range queue.CollectPFSCandidates([]*queue.Item{d.item}, now) {
		p, ok := d.byID[c.Peer]
		if !ok || p.blocks == nil || !p.online.Load() {
			continue
		}
		ps, ok := d.item.Sources().Partial(p.id)
		if !ok {
			continue
		}
		ps.Parts = queue.PartsFromBitmap(p.blocks)
		ps.PendingQueryCount = 0
		d.item.Sources().SetPartial(p.id, ps)

		ours := d.item.Parts(ps.BlockSize)
		d.emit(ctx, events.PartsQueriedMsg{
			DownloadID: d.item.ID(),
			Peer:       p.id,
			Parts:      ps.Parts,
			Needed:     queue.IsNeededPart(ps.Parts, ours),
		})
	}
}

func (d *Driver) save(ctx context.Context) error {
	if d.opts.Store == nil {
		return nil
	}
	return d.opts.Store.SaveItem(ctx, d.item)
}

func (d *Driver) emit(ctx context.Context, msg any) {
	if d.opts.Events == nil {
		return
	}
	select {
	case d.opts.Events <- msg:
	case <-ctx.Done():
	}
}

// finish stops every remaining transfer once the file is complete
func (d *Driver) finish() {
	d.finishedOnce.Do(func() {
		close(d.finished)
		d.item.DisconnectOthers(nil)
	})
}

// sleep waits for dur, returning early when the file completes.
// It reports false when ctx is done.
func (d *Driver) sleep(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.finished:
		return true
	case <-ctx.Done():
		return false
	}
}
