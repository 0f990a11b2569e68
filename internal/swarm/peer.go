package swarm

import (
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/time/rate"

	"github.com/surge-downloader/swarm/internal/engine/queue"
	"github.com/surge-downloader/swarm/internal/engine/sources"
	"github.com/surge-downloader/swarm/internal/engine/types"
)

const (
	minChunk = 4 * types.KB
	maxChunk = 256 * types.KB
)

// peer is a simulated remote serving the file at a fixed rate
type peer struct {
	id        types.PeerID
	limiter   *rate.Limiter
	chunk     int64
	latency   time.Duration
	joinAfter time.Duration
	failAfter int64

	// Blocks held, nil for a full source
	blocks *roaring.Bitmap
	// Template registered with the item for partial peers
	partial *sources.PartialSource

	online    atomic.Bool
	sent      atomic.Int64
	lastSpeed atomic.Int64
}

func newPeer(i int, ps PeerSpec, blockSize, size int64, rnd func() float64) *peer {
	p := &peer{
		id:        types.PeerID(ps.ID),
		latency:   ps.Latency,
		joinAfter: ps.JoinAfter,
		failAfter: ps.failAfter,
		chunk:     maxChunk,
		limiter:   rate.NewLimiter(rate.Inf, maxChunk),
	}
	if ps.speed > 0 {
		p.chunk = min(max(ps.speed/20, minChunk), maxChunk)
		p.limiter = rate.NewLimiter(rate.Limit(ps.speed), int(p.chunk))
	}
	p.online.Store(!ps.Offline && ps.JoinAfter <= 0)

	if ps.Parts > 0 && ps.Parts < 1 && blockSize > 0 {
		blocks := (size + blockSize - 1) / blockSize
		p.blocks = roaring.New()
		for b := int64(0); b < min(blocks, math.MaxUint16); b++ {
			if rnd() < ps.Parts {
				p.blocks.Add(uint32(b))
			}
		}
		p.partial = &sources.PartialSource{
			Parts:     queue.PartsFromBitmap(p.blocks),
			BlockSize: blockSize,
			UDPPort:   uint16(4000 + i),
			IP:        netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}),
			HubIPPort: "hub.local:411",
		}
	}
	return p
}

// conn is the engine's handle on one transfer
type conn struct {
	stop chan struct{}
	once sync.Once
}

func newConn() *conn {
	return &conn{stop: make(chan struct{})}
}

// Disconnect is safe to call more than once and never blocks
func (c *conn) Disconnect() {
	c.once.Do(func() { close(c.stop) })
}

func (c *conn) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}
