package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/surge-downloader/swarm/internal/engine/queue"
	"github.com/surge-downloader/swarm/internal/engine/types"
)

var (
	// ErrLocked is returned by Open when another process holds the database
	ErrLocked = errors.New("state database is in use by another process")
	// ErrNotFound is returned when no item has the requested ID
	ErrNotFound = errors.New("item not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	target        TEXT NOT NULL,
	temp_target   TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL,
	tth           TEXT NOT NULL DEFAULT '',
	flags         INTEGER NOT NULL DEFAULT 0,
	priority      INTEGER NOT NULL DEFAULT 0,
	auto_priority INTEGER NOT NULL DEFAULT 0,
	max_segments  INTEGER NOT NULL DEFAULT 0,
	block_size    INTEGER NOT NULL DEFAULT 0,
	added         INTEGER NOT NULL,
	updated       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS done_segments (
	item_id TEXT NOT NULL,
	start   INTEGER NOT NULL,
	size    INTEGER NOT NULL,
	PRIMARY KEY (item_id, start)
);
`

// Store persists queue snapshots in a sqlite database. A lock file next to
// the database keeps a second process from opening it.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	path string
}

// Entry is one row of List
type Entry struct {
	ID       string
	Target   string
	Size     int64
	DoneSize int64
	Segments int
	Added    time.Time
	Updated  time.Time
}

// Finished reports whether every byte is done
func (e Entry) Finished() bool {
	return e.Size > 0 && e.DoneSize >= e.Size
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock state database: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, lock: lock, path: path}, nil
}

// Path returns the database file
func (s *Store) Path() string { return s.path }

// Close closes the database and releases the lock
func (s *Store) Close() error {
	err := s.db.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Save writes the snapshot, replacing any earlier one with the same ID
func (s *Store) Save(ctx context.Context, snap queue.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (id, target, temp_target, size, tth, flags, priority,
			auto_priority, max_segments, block_size, added, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target = excluded.target,
			temp_target = excluded.temp_target,
			size = excluded.size,
			tth = excluded.tth,
			flags = excluded.flags,
			priority = excluded.priority,
			auto_priority = excluded.auto_priority,
			max_segments = excluded.max_segments,
			block_size = excluded.block_size,
			updated = excluded.updated`,
		snap.ID, snap.Target, snap.TempTarget, snap.Size, snap.TTH,
		int64(snap.Flags), int64(snap.Priority), snap.AutoPriority,
		snap.MaxSegments, snap.BlockSize, snap.Added.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save item %s: %w", snap.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM done_segments WHERE item_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("failed to clear segments of %s: %w", snap.ID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO done_segments (item_id, start, size) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare segment insert: %w", err)
	}
	defer stmt.Close()
	for _, seg := range snap.Done {
		if _, err := stmt.ExecContext(ctx, snap.ID, seg.Start, seg.Size); err != nil {
			return fmt.Errorf("failed to save segment %s of %s: %w", seg, snap.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit item %s: %w", snap.ID, err)
	}
	return nil
}

// SaveItem snapshots it and saves the result
func (s *Store) SaveItem(ctx context.Context, it *queue.Item) error {
	return s.Save(ctx, it.Snapshot())
}

// Load reads the snapshot with the given ID
func (s *Store) Load(ctx context.Context, id string) (queue.Snapshot, error) {
	var (
		snap                   queue.Snapshot
		flags, priority, added int64
		autoPriority           bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target, temp_target, size, tth, flags, priority,
			auto_priority, max_segments, block_size, added
		FROM items WHERE id = ?`, id).Scan(
		&snap.ID, &snap.Target, &snap.TempTarget, &snap.Size, &snap.TTH,
		&flags, &priority, &autoPriority, &snap.MaxSegments, &snap.BlockSize, &added)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Snapshot{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return queue.Snapshot{}, fmt.Errorf("failed to load item %s: %w", id, err)
	}
	snap.Flags = types.FileFlags(flags)
	snap.Priority = types.Priority(priority)
	snap.AutoPriority = autoPriority
	snap.Added = time.Unix(0, added)

	rows, err := s.db.QueryContext(ctx, `SELECT start, size FROM done_segments WHERE item_id = ? ORDER BY start`, id)
	if err != nil {
		return queue.Snapshot{}, fmt.Errorf("failed to load segments of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var start, size int64
		if err := rows.Scan(&start, &size); err != nil {
			return queue.Snapshot{}, fmt.Errorf("failed to read segment of %s: %w", id, err)
		}
		snap.Done = append(snap.Done, types.NewSegment(start, size))
	}
	if err := rows.Err(); err != nil {
		return queue.Snapshot{}, fmt.Errorf("failed to read segments of %s: %w", id, err)
	}
	return snap, nil
}

// LoadItem loads the snapshot with the given ID and restores it into env
func (s *Store) LoadItem(ctx context.Context, env *queue.Env, id string) (*queue.Item, error) {
	snap, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return queue.Restore(env, snap), nil
}

// List returns every stored item, oldest first
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.target, i.size, COALESCE(SUM(d.size), 0), COUNT(d.start), i.added, i.updated
		FROM items i LEFT JOIN done_segments d ON d.item_id = i.id
		GROUP BY i.id
		ORDER BY i.added, i.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e              Entry
			added, updated int64
		)
		if err := rows.Scan(&e.ID, &e.Target, &e.Size, &e.DoneSize, &e.Segments, &added, &updated); err != nil {
			return nil, fmt.Errorf("failed to read item row: %w", err)
		}
		e.Added = time.Unix(0, added)
		e.Updated = time.Unix(0, updated)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return entries, nil
}

// Delete removes an item and its segments. Unknown IDs are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM done_segments WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete segments of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", id, err)
	}
	return nil
}
