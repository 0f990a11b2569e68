package render

import (
	"strings"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

// CellState is the state of one cell of the chunk map
type CellState int

const (
	CellPending CellState = iota
	CellDownloading
	CellCompleted
)

const (
	minRows = 3
	maxRows = 5
	block   = "■"
)

// ChunkMap draws the done and running ranges of a file as a grid of cells.
// Every cell stands for an equal share of the file.
type ChunkMap struct {
	Done    []types.Segment
	Running []types.RunningSegment
	Size    int64
	Width   int  // Render width, two columns per cell
	Height  int  // Rows, clamped to [3,5]; 0 picks 4
	Paused  bool // Draw partial cells as paused
}

// NewChunkMap creates a chunk map from an item's visualisation
func NewChunkMap(running []types.RunningSegment, done []types.Segment, size int64, width, height int) ChunkMap {
	return ChunkMap{Done: done, Running: running, Size: size, Width: width, Height: height}
}

// Cells downsamples the file to the grid and returns each cell's state
func (m ChunkMap) Cells() []CellState {
	if m.Size <= 0 {
		return nil
	}

	cols := max(m.Width/2, 1)
	rows := m.Height
	if rows <= 0 {
		rows = 4
	}
	rows = min(max(rows, minRows), maxRows)
	count := rows * cols

	cells := make([]CellState, count)
	bytesPerCell := float64(m.Size) / float64(count)
	for i := range cells {
		start := int64(float64(i) * bytesPerCell)
		end := min(int64(float64(i+1)*bytesPerCell), m.Size)
		if end <= start {
			continue
		}

		var covered int64
		for _, d := range m.Done {
			covered += overlap(start, end, d.Start, d.End())
		}
		switch {
		case covered >= end-start:
			cells[i] = CellCompleted
		case covered > 0 || m.receiving(start, end):
			cells[i] = CellDownloading
		}
	}
	return cells
}

// receiving reports whether a running download has delivered bytes within [start,end)
func (m ChunkMap) receiving(start, end int64) bool {
	for _, r := range m.Running {
		if overlap(start, end, r.Start, r.Start+r.Pos) > 0 {
			return true
		}
		// Nothing received yet still marks the head of the range
		if r.Pos == 0 && r.Start >= start && r.Start < end {
			return true
		}
	}
	return false
}

// View renders the chunk grid
func (m ChunkMap) View() string {
	cells := m.Cells()
	if len(cells) == 0 {
		return ""
	}
	cols := max(m.Width/2, 1)

	var s strings.Builder
	for i, c := range cells {
		if i > 0 && i%cols == 0 {
			s.WriteRune('\n')
		} else if i > 0 {
			s.WriteRune(' ')
		}

		switch c {
		case CellCompleted:
			s.WriteString(completedStyle.Render(block))
		case CellDownloading:
			if m.Paused {
				s.WriteString(pausedStyle.Render(block))
			} else {
				s.WriteString(downloadingStyle.Render(block))
			}
		default:
			s.WriteString(pendingStyle.Render(block))
		}
	}
	return s.String()
}

func overlap(aStart, aEnd, bStart, bEnd int64) int64 {
	return max(0, min(aEnd, bEnd)-max(aStart, bStart))
}
