package queue

import (
	"time"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

// Snapshot is the persistent part of an item. Running downloads and sources
// are rebuilt from live connections and are not saved.
type Snapshot struct {
	ID           string          `json:"id"`
	Target       string          `json:"target"`
	TempTarget   string          `json:"temp_target,omitempty"`
	Size         int64           `json:"size"`
	TTH          string          `json:"tth,omitempty"`
	Flags        types.FileFlags `json:"flags"`
	Priority     types.Priority  `json:"priority"`
	AutoPriority bool            `json:"auto_priority"`
	MaxSegments  int             `json:"max_segments"`
	BlockSize    int64           `json:"block_size"`
	Added        time.Time       `json:"added"`
	Done         []types.Segment `json:"done"`
}

// Snapshot captures the item's metadata and done ranges
func (it *Item) Snapshot() Snapshot {
	it.metaMu.Lock()
	tempTarget := it.tempTarget
	it.metaMu.Unlock()

	s := Snapshot{
		ID:           it.id,
		Target:       it.target,
		TempTarget:   tempTarget,
		Size:         it.size,
		Flags:        it.Flags(),
		Priority:     it.Priority(),
		AutoPriority: it.AutoPriority(),
		MaxSegments:  it.MaxSegments(),
		BlockSize:    it.BlockSize(),
		Added:        it.added,
		Done:         it.DoneSegments(),
	}
	if !it.tth.IsZero() {
		s.TTH = it.tth.Base32()
	}
	return s
}

// Restore rebuilds an item from a snapshot. An unreadable tree root is
// logged and dropped.
func Restore(env *Env, s Snapshot) *Item {
	var tth types.TTH
	if s.TTH != "" {
		var err error
		if tth, err = types.ParseTTH(s.TTH); err != nil && env != nil {
			env.Log.Warn().Err(err).Str("item", s.ID).Msg("dropping tree root")
		}
	}
	it := NewItem(env, ItemOptions{
		ID:           s.ID,
		Target:       s.Target,
		Size:         s.Size,
		TTH:          tth,
		Flags:        s.Flags,
		Priority:     s.Priority,
		AutoPriority: s.AutoPriority,
		MaxSegments:  s.MaxSegments,
		Added:        s.Added,
		TempTarget:   s.TempTarget,
	})
	it.UpdateBlockSize(s.BlockSize)

	it.doneMu.Lock()
	for _, seg := range s.Done {
		if clipped, ok := it.clip(seg); ok {
			it.done.Add(clipped)
		}
	}
	it.doneMu.Unlock()
	it.UpdateDownloadedBytes()
	return it
}
