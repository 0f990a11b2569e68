package swarm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

// Scenario describes one simulated file and the peers serving it.
// Sizes and speeds are human readable ("64 MiB", "512KB").
type Scenario struct {
	Name         string     `yaml:"name"`
	Target       string     `yaml:"target"`
	Size         string     `yaml:"size"`
	TTH          string     `yaml:"tth,omitempty"`
	BlockSize    string     `yaml:"block_size,omitempty"`
	WantedSize   string     `yaml:"wanted_size,omitempty"`
	MaxSegments  int        `yaml:"max_segments,omitempty"`
	WantEnd      bool       `yaml:"want_end,omitempty"`
	Priority     string     `yaml:"priority,omitempty"`
	AutoPriority bool       `yaml:"auto_priority,omitempty"`
	Seed         uint64     `yaml:"seed,omitempty"`
	Policy       Policy     `yaml:"policy,omitempty"`
	Peers        []PeerSpec `yaml:"peers"`

	size       int64
	blockSize  int64
	wantedSize int64
	priority   types.Priority
	tth        types.TTH
}

// Policy overrides allocator settings for one scenario. Zero values keep
// the configured policy.
type Policy struct {
	MultiChunk            *bool         `yaml:"multi_chunk,omitempty"`
	OverlapChunks         *bool         `yaml:"overlap_chunks,omitempty"`
	OverlapMinSpeed       string        `yaml:"overlap_min_speed,omitempty"`
	OverlapMinRunTime     time.Duration `yaml:"overlap_min_run_time,omitempty"`
	OverlapMinSecondsLeft int64         `yaml:"overlap_min_seconds_left,omitempty"`
	DisconnectSlowMinLeft int64         `yaml:"disconnect_slow_min_left,omitempty"`
	PFSQueryInterval      time.Duration `yaml:"pfs_query_interval,omitempty"`

	overlapMinSpeed int64
}

// PeerSpec describes a simulated peer
type PeerSpec struct {
	ID        string        `yaml:"id"`
	Speed     string        `yaml:"speed,omitempty"`      // Per second, empty is unlimited
	Parts     float64       `yaml:"parts,omitempty"`      // Share of blocks held, 0 means the whole file
	Offline   bool          `yaml:"offline,omitempty"`    // Listed as a source but never connects
	JoinAfter time.Duration `yaml:"join_after,omitempty"` // Comes online after this long
	Latency   time.Duration `yaml:"latency,omitempty"`    // Delay before each segment starts
	FailAfter string        `yaml:"fail_after,omitempty"` // Connection breaks after sending this much

	speed     int64
	failAfter int64
}

// LoadScenario reads and validates a scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates a YAML scenario. Unknown keys are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the scenario and resolves its human readable values
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("scenario needs a name")
	}
	if s.Target == "" {
		s.Target = s.Name
	}

	var err error
	if s.size, err = parseBytes("size", s.Size); err != nil {
		return err
	}
	if s.size <= 0 {
		return errors.New("size must be positive")
	}
	if s.blockSize, err = parseBytes("block_size", s.BlockSize); err != nil {
		return err
	}
	if s.wantedSize, err = parseBytes("wanted_size", s.WantedSize); err != nil {
		return err
	}
	if s.Policy.overlapMinSpeed, err = parseBytes("policy.overlap_min_speed", s.Policy.OverlapMinSpeed); err != nil {
		return err
	}

	s.priority = types.PriorityNormal
	if s.Priority != "" {
		if s.priority, err = types.ParsePriority(s.Priority); err != nil {
			return err
		}
	}
	if s.TTH != "" {
		if s.tth, err = types.ParseTTH(s.TTH); err != nil {
			return err
		}
	}

	if len(s.Peers) == 0 {
		return errors.New("scenario needs at least one peer")
	}
	seen := make(map[string]bool, len(s.Peers))
	for i := range s.Peers {
		p := &s.Peers[i]
		if p.ID == "" {
			p.ID = fmt.Sprintf("peer-%d", i+1)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer %q", p.ID)
		}
		seen[p.ID] = true

		if p.Parts < 0 || p.Parts > 1 {
			return fmt.Errorf("peer %s: parts must be within [0,1], got %g", p.ID, p.Parts)
		}
		if p.speed, err = parseBytes("peer "+p.ID+" speed", p.Speed); err != nil {
			return err
		}
		if p.failAfter, err = parseBytes("peer "+p.ID+" fail_after", p.FailAfter); err != nil {
			return err
		}
	}
	return nil
}

// ResolveTarget places a relative target inside dir. Absolute targets and
// an empty dir leave it unchanged.
func (s *Scenario) ResolveTarget(dir string) {
	if dir == "" || filepath.IsAbs(s.Target) {
		return
	}
	s.Target = filepath.Join(dir, s.Target)
}

// FileSize returns the resolved file size in bytes
func (s *Scenario) FileSize() int64 { return s.size }

// Apply returns base with the scenario's overrides. base is not modified.
func (p Policy) Apply(base *types.RuntimeConfig) *types.RuntimeConfig {
	var cfg types.RuntimeConfig
	if base != nil {
		cfg = *base
	}
	if p.MultiChunk != nil {
		cfg.MultiChunk = p.MultiChunk
	}
	if p.OverlapChunks != nil {
		cfg.OverlapChunks = p.OverlapChunks
	}
	if p.overlapMinSpeed > 0 {
		cfg.OverlapMinSpeed = p.overlapMinSpeed
	}
	if p.OverlapMinRunTime > 0 {
		cfg.OverlapMinRunTime = p.OverlapMinRunTime
	}
	if p.OverlapMinSecondsLeft > 0 {
		cfg.OverlapMinSecondsLeft = p.OverlapMinSecondsLeft
	}
	if p.DisconnectSlowMinLeft > 0 {
		cfg.DisconnectSlowMinLeft = p.DisconnectSlowMinLeft
	}
	if p.PFSQueryInterval > 0 {
		cfg.PFSQueryInterval = p.PFSQueryInterval
	}
	return &cfg
}

func parseBytes(field, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	return int64(n), nil
}
