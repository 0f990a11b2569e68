package types

import (
	"time"
)

// Size constants
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// Megabyte as float for display calculations
	Megabyte = 1024.0 * 1024.0

	// TempSuffix is appended to files while downloading
	TempSuffix = ".dctmp"
)

// Block size constants
const (
	MinBlockSize  = 64 * KB // Smallest tree leaf size used for alignment
	BaseBlockSize = 1 * KB  // Tiger tree base leaf
	MaxTreeLevels = 10      // Tree depth bounding the number of leaves

	// PFSMinFileSize is the smallest file worth advertising partially
	PFSMinFileSize = 20 * MB
)

// Segment allocator defaults
const (
	DefaultMaxSegments = 3
	DefaultWantedSize  = 8 * MB

	OverlapMinSpeed       = 10 * KB          // Requester must be faster than this to overlap
	OverlapMinRunTime     = 2 * time.Second  // Overlapped chunk must have run this long
	OverlapMinSecondsLeft = 10               // Overlapped chunk must not finish sooner
	OverlapSpeedFactor    = 2                // New peer must finish this many times faster
	DisconnectSlowMinLeft = 10               // Slow chunk about to finish is left alone
	WantEndMinHead        = 1024 * 1204      // Done head required before searching backward
	WantEndTailPercent    = 3                // Tail share that counts as mostly done
	PFSMaxCandidates      = 10               // Peers queried for parts per round
	PFSQueryInterval      = 60 * time.Second // Minimum gap between parts queries to one peer

	SpeedWindow   = 2 * time.Second // Sliding window for connection speed
	SpeedEMAAlpha = 0.3             // EMA smoothing factor
)

// RuntimeConfig holds the allocator policy. A nil config yields defaults.
type RuntimeConfig struct {
	MultiChunk            *bool
	OverlapChunks         *bool
	DontBeginSegment      bool
	DontBeginSegmentSpeed int64 // KiB/s
	MaxSegments           int
	OverlapMinSpeed       int64
	OverlapMinRunTime     time.Duration
	OverlapMinSecondsLeft int64
	OverlapSpeedFactor    int64
	DisconnectSlowMinLeft int64
	WantEndMinHead        int64
	WantEndTailPercent    int64
	PFSMaxCandidates      int
	PFSQueryInterval      time.Duration
	SpeedEmaAlpha         float64
	TempDownloadDirectory string
}

// GetMultiChunk returns whether more than one connection may serve a file
func (r *RuntimeConfig) GetMultiChunk() bool {
	if r == nil || r.MultiChunk == nil {
		return true
	}
	return *r.MultiChunk
}

// GetOverlapChunks returns whether slow chunks may be raced by faster peers
func (r *RuntimeConfig) GetOverlapChunks() bool {
	if r == nil || r.OverlapChunks == nil {
		return true
	}
	return *r.OverlapChunks
}

// GetDontBeginSegmentSpeed returns the speed cap in bytes/sec, 0 when disabled
func (r *RuntimeConfig) GetDontBeginSegmentSpeed() int64 {
	if r == nil || !r.DontBeginSegment || r.DontBeginSegmentSpeed <= 0 {
		return 0
	}
	return r.DontBeginSegmentSpeed * KB
}

// GetMaxSegments returns configured value or default
func (r *RuntimeConfig) GetMaxSegments() int {
	if r == nil || r.MaxSegments <= 0 {
		return DefaultMaxSegments
	}
	return r.MaxSegments
}

// GetOverlapMinSpeed returns configured value or default
func (r *RuntimeConfig) GetOverlapMinSpeed() int64 {
	if r == nil || r.OverlapMinSpeed <= 0 {
		return OverlapMinSpeed
	}
	return r.OverlapMinSpeed
}

// GetOverlapMinRunTime returns configured value or default
func (r *RuntimeConfig) GetOverlapMinRunTime() time.Duration {
	if r == nil || r.OverlapMinRunTime <= 0 {
		return OverlapMinRunTime
	}
	return r.OverlapMinRunTime
}

// GetOverlapMinSecondsLeft returns configured value or default
func (r *RuntimeConfig) GetOverlapMinSecondsLeft() int64 {
	if r == nil || r.OverlapMinSecondsLeft <= 0 {
		return OverlapMinSecondsLeft
	}
	return r.OverlapMinSecondsLeft
}

// GetOverlapSpeedFactor returns configured value or default
func (r *RuntimeConfig) GetOverlapSpeedFactor() int64 {
	if r == nil || r.OverlapSpeedFactor <= 0 {
		return OverlapSpeedFactor
	}
	return r.OverlapSpeedFactor
}

// GetDisconnectSlowMinLeft returns configured value or default
func (r *RuntimeConfig) GetDisconnectSlowMinLeft() int64 {
	if r == nil || r.DisconnectSlowMinLeft <= 0 {
		return DisconnectSlowMinLeft
	}
	return r.DisconnectSlowMinLeft
}

// GetWantEndMinHead returns configured value or default
func (r *RuntimeConfig) GetWantEndMinHead() int64 {
	if r == nil || r.WantEndMinHead <= 0 {
		return WantEndMinHead
	}
	return r.WantEndMinHead
}

// GetWantEndTailPercent returns configured value or default
func (r *RuntimeConfig) GetWantEndTailPercent() int64 {
	if r == nil || r.WantEndTailPercent <= 0 {
		return WantEndTailPercent
	}
	return r.WantEndTailPercent
}

// GetPFSMaxCandidates returns configured value or default
func (r *RuntimeConfig) GetPFSMaxCandidates() int {
	if r == nil || r.PFSMaxCandidates <= 0 {
		return PFSMaxCandidates
	}
	return r.PFSMaxCandidates
}

// GetPFSQueryInterval returns configured value or default
func (r *RuntimeConfig) GetPFSQueryInterval() time.Duration {
	if r == nil || r.PFSQueryInterval <= 0 {
		return PFSQueryInterval
	}
	return r.PFSQueryInterval
}

// GetSpeedEmaAlpha returns configured value or default
func (r *RuntimeConfig) GetSpeedEmaAlpha() float64 {
	if r == nil || r.SpeedEmaAlpha <= 0 {
		return SpeedEMAAlpha
	}
	return r.SpeedEmaAlpha
}

// GetTempDownloadDirectory returns the configured temp directory, "" for none
func (r *RuntimeConfig) GetTempDownloadDirectory() string {
	if r == nil {
		return ""
	}
	return r.TempDownloadDirectory
}

// Bool returns a pointer to b, for the optional switches above
func Bool(b bool) *bool {
	return &b
}
