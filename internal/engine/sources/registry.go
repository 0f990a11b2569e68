package sources

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

// OnlineFunc reports whether a peer is currently reachable
type OnlineFunc func(types.PeerID) bool

// PartialSource is a peer's self-reported set of held blocks.
// Meaningful only while the source carries SourcePartial.
type PartialSource struct {
	Parts             types.PartsInfo
	BlockSize         int64
	UDPPort           uint16
	IP                netip.Addr
	HubIPPort         string
	NextQueryTime     time.Time
	PendingQueryCount uint8
}

// IsCandidate reports whether the peer may be asked for its parts now
func (p *PartialSource) IsCandidate(now time.Time) bool {
	return p != nil && p.UDPPort != 0 && !now.Before(p.NextQueryTime)
}

// Source is a peer able to serve the file
type Source struct {
	Flags   types.SourceFlags
	Partial *PartialSource
}

// IsCandidate reports whether the source should be queried for parts.
// Peers with an inconsistent tree are only queried once they are bad sources.
func (s Source) IsCandidate(fromBad bool) bool {
	return s.Flags.Has(types.SourcePartial) && (fromBad || !s.Flags.Has(types.SourceTTHInconsistency))
}

// Registry keeps the good and bad sources of one file.
// A peer is in at most one of the two maps.
type Registry struct {
	mu     sync.Mutex
	good   map[types.PeerID]*Source
	bad    map[types.PeerID]*Source
	online OnlineFunc
	log    zerolog.Logger

	onlineCount int
	onlineValid bool
}

// NewRegistry creates an empty registry. A nil online func treats every peer as online.
func NewRegistry(online OnlineFunc, log zerolog.Logger) *Registry {
	if online == nil {
		online = func(types.PeerID) bool { return true }
	}
	return &Registry{
		good:   make(map[types.PeerID]*Source),
		bad:    make(map[types.PeerID]*Source),
		online: online,
		log:    log,
	}
}

// Add makes peer a good source. A bad source is reinstated with its flags,
// removal causes cleared; firstLoad skips the bad-source lookup.
func (r *Registry) Add(peer types.PeerID, firstLoad bool) Source {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.good[peer]; ok {
		r.log.Debug().Str("peer", string(peer)).Msg("already a source")
		return *s
	}

	s := &Source{}
	if !firstLoad {
		if prev, ok := r.bad[peer]; ok {
			s = prev
			s.Flags &^= types.SourceFlagMask
			delete(r.bad, peer)
		}
	}
	r.good[peer] = s
	r.onlineValid = false
	return *s
}

// Remove moves peer to the bad sources, recording reason.
// Removing a peer that is not a source is logged and ignored.
func (r *Registry) Remove(peer types.PeerID, reason types.SourceFlags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.good[peer]
	if !ok {
		r.log.Warn().Str("peer", string(peer)).Stringer("reason", reason).Msg("remove: not a source")
		return false
	}
	s.Flags |= reason
	r.bad[peer] = s
	delete(r.good, peer)
	r.onlineValid = false
	return true
}

// Get returns a copy of the source and whether it is a bad one
func (r *Registry) Get(peer types.PeerID) (src Source, isBad bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, found := r.good[peer]; found {
		return *s, false, true
	}
	if s, found := r.bad[peer]; found {
		return *s, true, true
	}
	return Source{}, false, false
}

func (r *Registry) IsSource(peer types.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.good[peer]
	return ok
}

func (r *Registry) IsBadSource(peer types.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bad[peer]
	return ok
}

// IsBadSourceExcept reports whether peer is a bad source for a reason outside exceptions
func (r *Registry) IsBadSourceExcept(peer types.PeerID, exceptions types.SourceFlags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bad[peer]
	if !ok {
		return false
	}
	return s.Flags.Any(exceptions ^ types.SourceFlagMask)
}

// SetFlags ORs flags into the source, good or bad
func (r *Registry) SetFlags(peer types.PeerID, flags types.SourceFlags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findLocked(peer)
	if s == nil {
		return false
	}
	s.Flags |= flags
	return true
}

// SetPartial stores the peer's parts info and marks the source partial
func (r *Registry) SetPartial(peer types.PeerID, ps PartialSource) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findLocked(peer)
	if s == nil {
		return false
	}
	cp := ps
	cp.Parts = slices.Clone(ps.Parts)
	s.Partial = &cp
	s.Flags |= types.SourcePartial
	return true
}

// Partial returns a copy of the peer's parts info
func (r *Registry) Partial(peer types.PeerID) (PartialSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findLocked(peer)
	if s == nil || s.Partial == nil {
		return PartialSource{}, false
	}
	return *s.Partial, true
}

// MarkQueried records a parts query sent to peer and schedules the next one
func (r *Registry) MarkQueried(peer types.PeerID, next time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findLocked(peer)
	if s == nil || s.Partial == nil {
		return false
	}
	s.Partial.NextQueryTime = next
	s.Partial.PendingQueryCount++
	return true
}

func (r *Registry) findLocked(peer types.PeerID) *Source {
	if s, ok := r.good[peer]; ok {
		return s
	}
	return r.bad[peer]
}

// Len returns the number of good sources
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.good)
}

// BadLen returns the number of bad sources
func (r *Registry) BadLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bad)
}

// Peers returns the good sources in sorted order
func (r *Registry) Peers() []types.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.good)
}

// BadPeers returns the bad sources in sorted order
func (r *Registry) BadPeers() []types.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.bad)
}

// OnlinePeers returns the good sources that are online
func (r *Registry) OnlinePeers() []types.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.PeerID
	for _, p := range sortedKeys(r.good) {
		if r.online(p) {
			out = append(out, p)
		}
	}
	return out
}

// CountOnlineAtLeast reports whether n or more good sources are online,
// stopping as soon as the answer is known.
func (r *Registry) CountOnlineAtLeast(n int) bool {
	if n <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.good) < n {
		return false
	}
	count := 0
	for p := range r.good {
		if r.online(p) {
			count++
			if count == n {
				return true
			}
		}
	}
	return false
}

// OnlineCount returns the number of online good sources, recounting only
// after the source set changed or Invalidate was called.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.onlineValid {
		r.onlineCount = 0
		for p := range r.good {
			if r.online(p) {
				r.onlineCount++
			}
		}
		r.onlineValid = true
	}
	return r.onlineCount
}

// Invalidate drops the memoized online count, e.g. after a peer went offline
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.onlineValid = false
	r.mu.Unlock()
}

// CollectPFSCandidates adds every source due for a parts query to list.
// Good sources are offered first, then bad ones.
func (r *Registry) CollectPFSCandidates(list *CandidateList, owner string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	add := func(m map[types.PeerID]*Source, fromBad bool) {
		for _, p := range sortedKeys(m) {
			s := m[p]
			if !s.IsCandidate(fromBad) || !s.Partial.IsCandidate(now) {
				continue
			}
			list.Add(Candidate{
				QueryTime: s.Partial.NextQueryTime,
				Owner:     owner,
				Peer:      p,
				Partial:   *s.Partial,
				FromBad:   fromBad,
			})
		}
	}
	add(r.good, false)
	add(r.bad, true)
}

func sortedKeys(m map[types.PeerID]*Source) []types.PeerID {
	keys := make([]types.PeerID, 0, len(m))
	for p := range m {
		keys = append(keys, p)
	}
	slices.Sort(keys)
	return keys
}
