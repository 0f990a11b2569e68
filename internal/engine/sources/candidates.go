package sources

import (
	"time"

	"github.com/google/btree"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

// Candidate is a source due for a parts query
type Candidate struct {
	QueryTime time.Time
	Owner     string // Item the source belongs to
	Peer      types.PeerID
	Partial   PartialSource
	FromBad   bool

	seq uint64
}

func candidateLess(a, b Candidate) bool {
	if !a.QueryTime.Equal(b.QueryTime) {
		return a.QueryTime.Before(b.QueryTime)
	}
	return a.seq < b.seq
}

// CandidateList keeps the maxCount most overdue candidates, oldest query time first.
// On ties the earlier insert wins. It may collect from several registries.
type CandidateList struct {
	maxCount int
	seq      uint64
	tree     *btree.BTreeG[Candidate]
}

func NewCandidateList(maxCount int) *CandidateList {
	return &CandidateList{
		maxCount: maxCount,
		tree:     btree.NewG(4, candidateLess),
	}
}

// Add inserts c and evicts the latest entry once over capacity
func (l *CandidateList) Add(c Candidate) {
	if l.maxCount <= 0 {
		return
	}
	c.seq = l.seq
	l.seq++
	l.tree.ReplaceOrInsert(c)
	if l.tree.Len() > l.maxCount {
		l.tree.DeleteMax()
	}
}

func (l *CandidateList) Len() int {
	return l.tree.Len()
}

// Items returns the candidates, most overdue first
func (l *CandidateList) Items() []Candidate {
	out := make([]Candidate, 0, l.tree.Len())
	l.tree.Ascend(func(c Candidate) bool {
		out = append(out, c)
		return true
	})
	return out
}
