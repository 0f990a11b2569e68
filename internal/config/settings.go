package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Settings holds all user-configurable application settings organized by category.
type Settings struct {
	General     GeneralSettings     `json:"general"`
	Connections ConnectionSettings  `json:"connections"`
	Segments    SegmentSettings     `json:"segments"`
	Performance PerformanceSettings `json:"performance"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	DefaultDownloadDir    string `json:"default_download_dir"`
	TempDownloadDirectory string `json:"temp_download_directory"`
	Debug                 bool   `json:"debug"`
}

// ConnectionSettings contains per-file connection limits.
type ConnectionSettings struct {
	MaxSegments           int   `json:"max_segments"`
	MultiChunk            bool  `json:"multi_chunk"`
	OverlapChunks         bool  `json:"overlap_chunks"`
	DontBeginSegment      bool  `json:"dont_begin_segment"`
	DontBeginSegmentSpeed int64 `json:"dont_begin_segment_speed"`
}

// SegmentSettings contains segment sizing and search direction parameters.
type SegmentSettings struct {
	WantedSize         int64 `json:"wanted_size"`
	WantEndMinHead     int64 `json:"want_end_min_head"`
	WantEndTailPercent int64 `json:"want_end_tail_percent"`
}

// PerformanceSettings contains overlap and partial sharing tuning parameters.
type PerformanceSettings struct {
	OverlapMinSpeed       int64         `json:"overlap_min_speed"`
	OverlapMinRunTime     time.Duration `json:"overlap_min_run_time"`
	OverlapMinSecondsLeft int64         `json:"overlap_min_seconds_left"`
	OverlapSpeedFactor    int64         `json:"overlap_speed_factor"`
	DisconnectSlowMinLeft int64         `json:"disconnect_slow_min_left"`
	SpeedEmaAlpha         float64       `json:"speed_ema_alpha"`
	PFSMaxCandidates      int           `json:"pfs_max_candidates"`
	PFSQueryInterval      time.Duration `json:"pfs_query_interval"`
}

// SettingMeta provides metadata for a single setting (for CLI rendering).
type SettingMeta struct {
	Key         string // JSON key name
	Label       string // Human-readable label
	Description string // Help text
	Type        string // "string", "int", "int64", "bool", "duration", "float64"
}

// GetSettingsMetadata returns metadata for all settings organized by category.
func GetSettingsMetadata() map[string][]SettingMeta {
	return map[string][]SettingMeta{
		"General": {
			{Key: "default_download_dir", Label: "Default Download Dir", Description: "Directory finished files are moved to.", Type: "string"},
			{Key: "temp_download_directory", Label: "Temp Directory", Description: "Directory for incomplete files. Leave empty to keep them next to the target.", Type: "string"},
			{Key: "debug", Label: "Debug Logging", Description: "Log allocator decisions at debug level.", Type: "bool"},
		},
		"Connections": {
			{Key: "max_segments", Label: "Max Segments", Description: "Maximum concurrent connections per file.", Type: "int"},
			{Key: "multi_chunk", Label: "Segmented Download", Description: "Fetch a file from several peers at once.", Type: "bool"},
			{Key: "overlap_chunks", Label: "Overlap Slow Chunks", Description: "Let a faster peer race a slow running chunk.", Type: "bool"},
			{Key: "dont_begin_segment", Label: "Speed Cap", Description: "Stop starting new segments above a file speed.", Type: "bool"},
			{Key: "dont_begin_segment_speed", Label: "Speed Cap (KiB/s)", Description: "File speed above which no new segment is started.", Type: "int64"},
		},
		"Segments": {
			{Key: "wanted_size", Label: "Wanted Size", Description: "Chunk size requested from a fresh connection, in bytes.", Type: "int64"},
			{Key: "want_end_min_head", Label: "Want-End Head", Description: "Done bytes at offset 0 before the tail is fetched first.", Type: "int64"},
			{Key: "want_end_tail_percent", Label: "Want-End Tail %", Description: "Tail share that counts as already done.", Type: "int64"},
		},
		"Performance": {
			{Key: "overlap_min_speed", Label: "Overlap Min Speed", Description: "Requester speed floor for overlapping, in bytes/sec.", Type: "int64"},
			{Key: "overlap_min_run_time", Label: "Overlap Min Run Time", Description: "A chunk must run this long before it can be overlapped (e.g., 2s).", Type: "duration"},
			{Key: "overlap_min_seconds_left", Label: "Overlap Min Left", Description: "Chunks finishing sooner than this many seconds are not overlapped.", Type: "int64"},
			{Key: "overlap_speed_factor", Label: "Overlap Factor", Description: "The new peer must be this many times faster.", Type: "int64"},
			{Key: "disconnect_slow_min_left", Label: "Disconnect Min Left", Description: "Slow chunks finishing sooner than this many seconds are kept.", Type: "int64"},
			{Key: "speed_ema_alpha", Label: "Speed EMA Alpha", Description: "Exponential moving average smoothing factor (0.0-1.0).", Type: "float64"},
			{Key: "pfs_max_candidates", Label: "PFS Candidates", Description: "Peers asked for their parts per round.", Type: "int"},
			{Key: "pfs_query_interval", Label: "PFS Interval", Description: "Minimum time between parts queries to one peer (e.g., 60s).", Type: "duration"},
		},
	}
}

// CategoryOrder returns the order of categories for display.
func CategoryOrder() []string {
	return []string{"General", "Connections", "Segments", "Performance"}
}

const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	defaultDir := filepath.Join(homeDir, "Downloads")

	return &Settings{
		General: GeneralSettings{
			DefaultDownloadDir:    defaultDir,
			TempDownloadDirectory: "",
			Debug:                 false,
		},
		Connections: ConnectionSettings{
			MaxSegments:           3,
			MultiChunk:            true,
			OverlapChunks:         true,
			DontBeginSegment:      false,
			DontBeginSegmentSpeed: 2 * KB,
		},
		Segments: SegmentSettings{
			WantedSize:         8 * MB,
			WantEndMinHead:     1024 * 1204,
			WantEndTailPercent: 3,
		},
		Performance: PerformanceSettings{
			OverlapMinSpeed:       10 * KB,
			OverlapMinRunTime:     2 * time.Second,
			OverlapMinSecondsLeft: 10,
			OverlapSpeedFactor:    2,
			DisconnectSlowMinLeft: 10,
			SpeedEmaAlpha:         0.3,
			PFSMaxCandidates:      10,
			PFSQueryInterval:      60 * time.Second,
		},
	}
}

// GetSwarmDir returns the directory holding settings and state.
// SWARM_HOME overrides the default of ~/.swarm.
func GetSwarmDir() string {
	if dir := os.Getenv("SWARM_HOME"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".swarm"
	}
	return filepath.Join(homeDir, ".swarm")
}

// GetStateDir returns the directory holding the state database.
func GetStateDir() string {
	return filepath.Join(GetSwarmDir(), "state")
}

// EnsureDirs creates the swarm and state directories.
func EnsureDirs() error {
	return os.MkdirAll(GetStateDir(), 0755)
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetSwarmDir(), "settings.json")
}

// LoadSettings loads settings from disk. Returns defaults if file doesn't exist.
func LoadSettings() (*Settings, error) {
	path := GetSettingsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings() // Start with defaults to fill any missing fields
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// SaveSettings saves settings to disk atomically.
func SaveSettings(s *Settings) error {
	path := GetSettingsPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

// RuntimeConfig is the flattened view of Settings handed to the engine
type RuntimeConfig struct {
	MaxSegments           int
	MultiChunk            bool
	OverlapChunks         bool
	DontBeginSegment      bool
	DontBeginSegmentSpeed int64
	WantedSize            int64
	WantEndMinHead        int64
	WantEndTailPercent    int64
	OverlapMinSpeed       int64
	OverlapMinRunTime     time.Duration
	OverlapMinSecondsLeft int64
	OverlapSpeedFactor    int64
	DisconnectSlowMinLeft int64
	SpeedEmaAlpha         float64
	PFSMaxCandidates      int
	PFSQueryInterval      time.Duration
	TempDownloadDirectory string
}

// ToRuntimeConfig creates a RuntimeConfig from user Settings
func (s *Settings) ToRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MaxSegments:           s.Connections.MaxSegments,
		MultiChunk:            s.Connections.MultiChunk,
		OverlapChunks:         s.Connections.OverlapChunks,
		DontBeginSegment:      s.Connections.DontBeginSegment,
		DontBeginSegmentSpeed: s.Connections.DontBeginSegmentSpeed,
		WantedSize:            s.Segments.WantedSize,
		WantEndMinHead:        s.Segments.WantEndMinHead,
		WantEndTailPercent:    s.Segments.WantEndTailPercent,
		OverlapMinSpeed:       s.Performance.OverlapMinSpeed,
		OverlapMinRunTime:     s.Performance.OverlapMinRunTime,
		OverlapMinSecondsLeft: s.Performance.OverlapMinSecondsLeft,
		OverlapSpeedFactor:    s.Performance.OverlapSpeedFactor,
		DisconnectSlowMinLeft: s.Performance.DisconnectSlowMinLeft,
		SpeedEmaAlpha:         s.Performance.SpeedEmaAlpha,
		PFSMaxCandidates:      s.Performance.PFSMaxCandidates,
		PFSQueryInterval:      s.Performance.PFSQueryInterval,
		TempDownloadDirectory: s.General.TempDownloadDirectory,
	}
}
