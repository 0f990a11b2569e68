package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/swarm/internal/engine/queue"
	"github.com/surge-downloader/swarm/internal/engine/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "swarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot() queue.Snapshot {
	return queue.Snapshot{
		ID:           "item-1",
		Target:       "/downloads/a.bin",
		TempTarget:   "/tmp/a.bin.dctmp",
		Size:         10 * types.MB,
		TTH:          "AAAQEAYEAUDAOCAJBIFQYDIOB4IBCEQTCQKRMFY",
		Flags:        types.FileWantEnd,
		Priority:     types.PriorityHigh,
		AutoPriority: true,
		MaxSegments:  4,
		BlockSize:    types.MB,
		Added:        time.Unix(1_700_000_000, 123),
		Done: []types.Segment{
			types.NewSegment(0, 2*types.MB),
			types.NewSegment(5*types.MB, types.MB),
		},
	}
}

func TestStore_SaveLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := testSnapshot()

	require.NoError(t, s.Save(ctx, want))
	got, err := s.Load(ctx, want.ID)
	require.NoError(t, err)

	assert.True(t, want.Added.Equal(got.Added))
	got.Added = want.Added
	assert.Equal(t, want, got)
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	snap := testSnapshot()
	require.NoError(t, s.Save(ctx, snap))

	snap.Done = []types.Segment{types.NewSegment(0, 8*types.MB)}
	snap.Priority = types.PriorityHigher
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Load(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Done, got.Done)
	assert.Equal(t, types.PriorityHigher, got.Priority)
}

func TestStore_LoadNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ItemRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	env := queue.NewEnv(nil, zerolog.Nop())

	it := queue.NewItem(env, queue.ItemOptions{ID: "x", Target: "/downloads/x", Size: 3 * types.MB})
	it.AddSegment(types.NewSegment(0, types.MB))
	it.AddSegment(types.NewSegment(2*types.MB, 512*types.KB))
	require.NoError(t, s.SaveItem(ctx, it))

	restored, err := s.LoadItem(ctx, env, "x")
	require.NoError(t, err)
	assert.Equal(t, it.DoneSegments(), restored.DoneSegments())
	assert.Equal(t, it.DoneSize(), restored.DownloadedBytes())
	assert.Equal(t, it.BlockSize(), restored.BlockSize())
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testSnapshot()
	second := testSnapshot()
	second.ID = "item-2"
	second.Size = 100
	second.Added = first.Added.Add(time.Hour)
	second.Done = []types.Segment{types.NewSegment(0, 100)}

	require.NoError(t, s.Save(ctx, second))
	require.NoError(t, s.Save(ctx, first))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "item-1", entries[0].ID)
	assert.Equal(t, int64(3*types.MB), entries[0].DoneSize)
	assert.Equal(t, 2, entries[0].Segments)
	assert.False(t, entries[0].Finished())

	assert.Equal(t, "item-2", entries[1].ID)
	assert.True(t, entries[1].Finished())
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, testSnapshot()))

	require.NoError(t, s.Delete(ctx, "item-1"))
	require.NoError(t, s.Delete(ctx, "item-1"))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_ExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.db")
	s, err := Open(path)
	require.NoError(t, err)

	_, err = Open(path)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, s.Close())
	again, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, testSnapshot()))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "item-1")
	require.NoError(t, err)
	assert.Len(t, got.Done, 2)
}
