package swarm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/basic.yaml")
	require.NoError(t, err)

	assert.Equal(t, "ubuntu-iso", s.Name)
	assert.Equal(t, int64(2*types.MB), s.FileSize())
	assert.Equal(t, int64(256*types.KB), s.wantedSize)
	assert.Equal(t, types.PriorityNormal, s.priority)
	require.Len(t, s.Peers, 5)
	assert.Equal(t, int64(4*types.MB), s.Peers[1].speed)
	assert.Equal(t, 5*time.Millisecond, s.Peers[1].Latency)
	assert.Equal(t, 0.5, s.Peers[2].Parts)
	assert.Equal(t, 50*time.Millisecond, s.Peers[3].JoinAfter)
	assert.True(t, s.Peers[4].Offline)
	assert.Equal(t, 10*time.Second, s.Policy.PFSQueryInterval)
}

func TestLoadScenario_Missing(t *testing.T) {
	_, err := LoadScenario("testdata/nope.yaml")
	assert.Error(t, err)
}

func TestParseScenario_Defaults(t *testing.T) {
	s, err := ParseScenario([]byte("name: x\nsize: 1MB\npeers:\n  - {}\n  - {}\n"))
	require.NoError(t, err)

	assert.Equal(t, "x", s.Target)
	assert.Equal(t, int64(1_000_000), s.FileSize())
	assert.Equal(t, "peer-1", s.Peers[0].ID)
	assert.Equal(t, "peer-2", s.Peers[1].ID)
	assert.Zero(t, s.Peers[0].speed)
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no name", "size: 1MB\npeers: [{}]"},
		{"no size", "name: x\npeers: [{}]"},
		{"zero size", "name: x\nsize: 0B\npeers: [{}]"},
		{"bad size", "name: x\nsize: lots\npeers: [{}]"},
		{"no peers", "name: x\nsize: 1MB"},
		{"duplicate peer", "name: x\nsize: 1MB\npeers: [{id: a}, {id: a}]"},
		{"parts out of range", "name: x\nsize: 1MB\npeers: [{parts: 1.5}]"},
		{"bad speed", "name: x\nsize: 1MB\npeers: [{speed: fast}]"},
		{"bad priority", "name: x\nsize: 1MB\npriority: urgent\npeers: [{}]"},
		{"bad tth", "name: x\nsize: 1MB\ntth: '!!'\npeers: [{}]"},
		{"unknown key", "name: x\nsize: 1MB\ncolour: red\npeers: [{}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestPolicyApply(t *testing.T) {
	base := &types.RuntimeConfig{MaxSegments: 5, OverlapMinRunTime: time.Second}
	p := Policy{
		OverlapChunks:     types.Bool(false),
		OverlapMinRunTime: 100 * time.Millisecond,
		overlapMinSpeed:   1,
	}

	got := p.Apply(base)
	assert.Equal(t, 5, got.MaxSegments)
	assert.False(t, got.GetOverlapChunks())
	assert.Equal(t, 100*time.Millisecond, got.GetOverlapMinRunTime())
	assert.Equal(t, int64(1), got.GetOverlapMinSpeed())

	// Base is left alone
	assert.Equal(t, time.Second, base.OverlapMinRunTime)
	assert.Nil(t, base.OverlapChunks)

	assert.NotNil(t, Policy{}.Apply(nil))
}

func TestLoadScenario_Demo(t *testing.T) {
	scn, err := LoadScenario(filepath.Join("..", "..", "scenarios", "demo.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "debian-dvd", scn.Name)
	assert.Equal(t, int64(64*types.MB), scn.FileSize())
	assert.Len(t, scn.Peers, 7)
}

func TestScenario_ResolveTarget(t *testing.T) {
	dir := t.TempDir()

	rel := &Scenario{Target: "iso/file.iso"}
	rel.ResolveTarget(dir)
	assert.Equal(t, filepath.Join(dir, "iso", "file.iso"), rel.Target)

	abs := &Scenario{Target: filepath.Join(dir, "abs.iso")}
	abs.ResolveTarget(filepath.Join(dir, "other"))
	assert.Equal(t, filepath.Join(dir, "abs.iso"), abs.Target)

	keep := &Scenario{Target: "file.iso"}
	keep.ResolveTarget("")
	assert.Equal(t, "file.iso", keep.Target)
}
