package sources

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

func newTestRegistry(online map[types.PeerID]bool) *Registry {
	var fn OnlineFunc
	if online != nil {
		fn = func(p types.PeerID) bool { return online[p] }
	}
	return NewRegistry(fn, zerolog.Nop())
}

// =============================================================================
// Good/Bad Tests
// =============================================================================

func TestRegistry_AddRemove(t *testing.T) {
	r := newTestRegistry(nil)
	r.Add("alice", false)
	r.Add("bob", false)

	assert.True(t, r.IsSource("alice"))
	assert.Equal(t, 2, r.Len())

	require.True(t, r.Remove("alice", types.SourceSlowSource))
	assert.False(t, r.IsSource("alice"))
	assert.True(t, r.IsBadSource("alice"))

	src, bad, ok := r.Get("alice")
	require.True(t, ok)
	assert.True(t, bad)
	assert.True(t, src.Flags.Has(types.SourceSlowSource))
}

func TestRegistry_RemoveUnknownIsLogged(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(nil, zerolog.New(&buf))

	assert.False(t, r.Remove("ghost", types.SourceRemoved))
	assert.Contains(t, buf.String(), "not a source")
	assert.Equal(t, 0, r.BadLen())
}

func TestRegistry_ReinstateClearsRemovalFlags(t *testing.T) {
	r := newTestRegistry(nil)
	r.Add("alice", false)
	r.SetFlags("alice", types.SourcePartial|types.SourceNoTTHF)
	r.Remove("alice", types.SourceBadTree)

	src := r.Add("alice", false)
	assert.False(t, r.IsBadSource("alice"))
	assert.True(t, r.IsSource("alice"))
	assert.False(t, src.Flags.Any(types.SourceFlagMask))
	assert.True(t, src.Flags.Has(types.SourcePartial|types.SourceNoTTHF))
}

func TestRegistry_FirstLoadSkipsBadLookup(t *testing.T) {
	r := newTestRegistry(nil)
	r.Add("alice", false)
	r.SetFlags("alice", types.SourceNoTTHF)
	r.Remove("alice", types.SourceRemoved)

	src := r.Add("alice", true)
	assert.Equal(t, types.SourceNone, src.Flags)
}

func TestRegistry_DisjointMaps(t *testing.T) {
	r := newTestRegistry(nil)
	peers := []types.PeerID{"a", "b", "c", "d"}
	for _, p := range peers {
		r.Add(p, false)
	}
	r.Remove("b", types.SourceRemoved)
	r.Remove("d", types.SourcePassive)
	r.Add("b", false)

	for _, p := range peers {
		assert.False(t, r.IsSource(p) && r.IsBadSource(p), "peer %s in both maps", p)
	}
	assert.Equal(t, []types.PeerID{"a", "b", "c"}, r.Peers())
	assert.Equal(t, []types.PeerID{"d"}, r.BadPeers())
}

func TestRegistry_IsBadSourceExcept(t *testing.T) {
	r := newTestRegistry(nil)
	r.Add("alice", false)
	r.Remove("alice", types.SourcePassive)

	// Only the excepted reason applies
	assert.False(t, r.IsBadSourceExcept("alice", types.SourcePassive))
	// Another reason applies
	assert.True(t, r.IsBadSourceExcept("alice", types.SourceSlowSource))
	// Good sources are never bad
	r.Add("bob", false)
	assert.False(t, r.IsBadSourceExcept("bob", types.SourceNone))
}

// =============================================================================
// Online Count Tests
// =============================================================================

func TestRegistry_CountOnlineAtLeast(t *testing.T) {
	online := map[types.PeerID]bool{"a": true, "b": false, "c": true}
	r := newTestRegistry(online)
	for p := range online {
		r.Add(p, false)
	}

	assert.True(t, r.CountOnlineAtLeast(0))
	assert.True(t, r.CountOnlineAtLeast(2))
	assert.False(t, r.CountOnlineAtLeast(3))
	assert.False(t, r.CountOnlineAtLeast(4), "fewer sources than n")
	assert.Equal(t, []types.PeerID{"a", "c"}, r.OnlinePeers())
}

func TestRegistry_OnlineCountMemoized(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	online := map[types.PeerID]bool{"a": true, "b": true}
	r := NewRegistry(func(p types.PeerID) bool {
		mu.Lock()
		calls++
		mu.Unlock()
		return online[p]
	}, zerolog.Nop())
	r.Add("a", false)
	r.Add("b", false)

	assert.Equal(t, 2, r.OnlineCount())
	assert.Equal(t, 2, r.OnlineCount())
	assert.Equal(t, 2, calls, "second count should be cached")

	online["b"] = false
	assert.Equal(t, 2, r.OnlineCount(), "stale until invalidated")
	r.Invalidate()
	assert.Equal(t, 1, r.OnlineCount())

	r.Remove("a", types.SourceRemoved)
	assert.Equal(t, 0, r.OnlineCount(), "removal invalidates")
}

// =============================================================================
// PFS Candidate Tests
// =============================================================================

func partial(port uint16, next time.Time) PartialSource {
	return PartialSource{Parts: types.PartsInfo{0, 4}, BlockSize: 64 * types.KB, UDPPort: port, NextQueryTime: next}
}

func TestRegistry_CollectPFSCandidates(t *testing.T) {
	now := time.Unix(10000, 0)
	r := newTestRegistry(nil)
	for _, p := range []types.PeerID{"a", "b", "c", "d", "e"} {
		r.Add(p, false)
	}
	r.SetPartial("a", partial(411, now.Add(-3*time.Minute)))
	r.SetPartial("b", partial(0, now.Add(-time.Hour)))       // no UDP port
	r.SetPartial("c", partial(411, now.Add(time.Minute)))    // not due yet
	r.SetPartial("d", partial(411, now.Add(-time.Minute)))   // due
	r.SetPartial("e", partial(411, now.Add(-2*time.Minute))) // inconsistent, good
	r.SetFlags("e", types.SourceTTHInconsistency)

	list := NewCandidateList(10)
	r.CollectPFSCandidates(list, "item", now)

	var got []types.PeerID
	for _, c := range list.Items() {
		got = append(got, c.Peer)
		assert.Equal(t, "item", c.Owner)
	}
	assert.Equal(t, []types.PeerID{"a", "d"}, got)

	// Inconsistent peers qualify once they are bad
	r.Remove("e", types.SourceTTHInconsistency)
	list = NewCandidateList(10)
	r.CollectPFSCandidates(list, "item", now)
	items := list.Items()
	require.Len(t, items, 3)
	assert.Equal(t, types.PeerID("a"), items[0].Peer)
	assert.Equal(t, types.PeerID("e"), items[1].Peer)
	assert.True(t, items[1].FromBad)
}

func TestRegistry_MarkQueried(t *testing.T) {
	now := time.Unix(10000, 0)
	r := newTestRegistry(nil)
	r.Add("a", false)
	r.SetPartial("a", partial(411, now))

	require.True(t, r.MarkQueried("a", now.Add(time.Minute)))
	ps, ok := r.Partial("a")
	require.True(t, ok)
	assert.Equal(t, uint8(1), ps.PendingQueryCount)
	assert.False(t, ps.IsCandidate(now))
	assert.True(t, ps.IsCandidate(now.Add(time.Minute)))
}

func TestCandidateList_Bounded(t *testing.T) {
	base := time.Unix(0, 0)
	l := NewCandidateList(3)
	for i, off := range []int{50, 10, 40, 20, 30} {
		l.Add(Candidate{QueryTime: base.Add(time.Duration(off) * time.Second), Peer: types.PeerID(string(rune('a' + i)))})
	}

	require.Equal(t, 3, l.Len())
	var got []types.PeerID
	for _, c := range l.Items() {
		got = append(got, c.Peer)
	}
	assert.Equal(t, []types.PeerID{"b", "d", "e"}, got)
}

func TestCandidateList_TiesKeepEarlier(t *testing.T) {
	at := time.Unix(100, 0)
	l := NewCandidateList(2)
	l.Add(Candidate{QueryTime: at, Peer: "first"})
	l.Add(Candidate{QueryTime: at, Peer: "second"})
	l.Add(Candidate{QueryTime: at, Peer: "third"})

	items := l.Items()
	require.Len(t, items, 2)
	assert.Equal(t, types.PeerID("first"), items[0].Peer)
	assert.Equal(t, types.PeerID("second"), items[1].Peer)
}

func TestCandidateList_ZeroCapacity(t *testing.T) {
	l := NewCandidateList(0)
	l.Add(Candidate{Peer: "a"})
	assert.Equal(t, 0, l.Len())
}
