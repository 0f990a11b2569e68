package types

import "github.com/surge-downloader/swarm/internal/config"

// ConvertRuntimeConfig converts the app-level RuntimeConfig to the engine-level RuntimeConfig.
func ConvertRuntimeConfig(rc *config.RuntimeConfig) *RuntimeConfig {
	return &RuntimeConfig{
		MultiChunk:            Bool(rc.MultiChunk),
		OverlapChunks:         Bool(rc.OverlapChunks),
		DontBeginSegment:      rc.DontBeginSegment,
		DontBeginSegmentSpeed: rc.DontBeginSegmentSpeed,
		MaxSegments:           rc.MaxSegments,
		OverlapMinSpeed:       rc.OverlapMinSpeed,
		OverlapMinRunTime:     rc.OverlapMinRunTime,
		OverlapMinSecondsLeft: rc.OverlapMinSecondsLeft,
		OverlapSpeedFactor:    rc.OverlapSpeedFactor,
		DisconnectSlowMinLeft: rc.DisconnectSlowMinLeft,
		WantEndMinHead:        rc.WantEndMinHead,
		WantEndTailPercent:    rc.WantEndTailPercent,
		PFSMaxCandidates:      rc.PFSMaxCandidates,
		PFSQueryInterval:      rc.PFSQueryInterval,
		SpeedEmaAlpha:         rc.SpeedEmaAlpha,
		TempDownloadDirectory: rc.TempDownloadDirectory,
	}
}
