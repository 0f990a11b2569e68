package types

import (
	"encoding/base32"
	"fmt"
)

// Segment is a half-open byte range [Start, Start+Size) of a file
type Segment struct {
	Start      int64 `json:"start"`
	Size       int64 `json:"size"`
	Overlapped bool  `json:"overlapped,omitempty"`
}

// Allocator sentinels
var (
	// WholeFile asks the connection to fetch everything; the file size is unknown
	WholeFile = Segment{Start: 0, Size: -1}
	// Busy means no further segment may be started right now
	Busy = Segment{Start: -1, Size: 0}
)

// NewSegment creates a non-overlapped segment
func NewSegment(start, size int64) Segment {
	return Segment{Start: start, Size: size}
}

// End returns the first byte past the segment
func (s Segment) End() int64 {
	return s.Start + s.Size
}

// Overlaps reports whether the two half-open ranges intersect. An empty
// range overlaps nothing.
func (s Segment) Overlaps(o Segment) bool {
	return s.Size > 0 && o.Size > 0 && s.Start < o.End() && o.Start < s.End()
}

// Contains reports whether o lies completely inside s
func (s Segment) Contains(o Segment) bool {
	return s.Start <= o.Start && o.End() <= s.End()
}

// Less orders segments by start offset
func (s Segment) Less(o Segment) bool {
	return s.Start < o.Start
}

func (s Segment) IsWholeFile() bool { return s.Start == 0 && s.Size < 0 }
func (s Segment) IsBusy() bool      { return s.Start < 0 && s.Size == 0 }
func (s Segment) IsEmpty() bool     { return s.Start >= 0 && s.Size == 0 }

func (s Segment) String() string {
	if s.Overlapped {
		return fmt.Sprintf("[%d,%d)*", s.Start, s.End())
	}
	return fmt.Sprintf("[%d,%d)", s.Start, s.End())
}

// PeerID identifies a remote user across connections
type PeerID string

// TTH is a Tiger Tree Hash root
type TTH [24]byte

var tthEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Base32 returns the unpadded base32 form used in temp file names
func (t TTH) Base32() string {
	return tthEncoding.EncodeToString(t[:])
}

// IsZero reports whether the hash was never set
func (t TTH) IsZero() bool {
	return t == TTH{}
}

// ParseTTH decodes a base32 tiger tree root
func ParseTTH(s string) (TTH, error) {
	var t TTH
	raw, err := tthEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid tth %q: %w", s, err)
	}
	if len(raw) != len(t) {
		return t, fmt.Errorf("invalid tth %q: got %d bytes, want %d", s, len(raw), len(t))
	}
	copy(t[:], raw)
	return t, nil
}

// PartsInfo is the wire form of a block bitmap: flat (start,end) block index pairs
type PartsInfo []uint16

// MaxPartsEntries caps PartsInfo at 255 ranges
const MaxPartsEntries = 510

// RunningSegment is a running download as shown by chunk visualisation
type RunningSegment struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Pos   int64 `json:"pos"`
}
