package queue

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/surge-downloader/swarm/internal/engine/sources"
	"github.com/surge-downloader/swarm/internal/engine/types"
	"github.com/surge-downloader/swarm/internal/metrics"
)

// Env holds what the items of one queue share: policy, peer presence,
// clock, logger, metrics and the temp directory state. The zero value is usable.
type Env struct {
	Config  *types.RuntimeConfig
	Online  sources.OnlineFunc
	Clock   func() time.Time
	Log     zerolog.Logger
	Rand    func(n int) int  // Uniform in [0,n), used for bitmap picks
	Metrics *metrics.Metrics // nil discards

	tempChecked  atomic.Bool
	tempOverride atomic.Pointer[string]
}

// NewEnv creates an environment with the real clock and random source
func NewEnv(cfg *types.RuntimeConfig, log zerolog.Logger) *Env {
	return &Env{Config: cfg, Log: log}
}

func (e *Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Env) randN(n int) int {
	if e.Rand != nil {
		return e.Rand(n)
	}
	return rand.IntN(n)
}

// TempDir returns the directory for temp files, "" to keep them next to the target
func (e *Env) TempDir() string {
	if p := e.tempOverride.Load(); p != nil {
		return *p
	}
	return e.Config.GetTempDownloadDirectory()
}

// checkTempDir probes once per Env that dir is writable by creating and
// removing a file next to tempTarget. On failure the temp directory is
// switched off for every item.
func (e *Env) checkTempDir(dir, tempTarget string) bool {
	if !e.tempChecked.CompareAndSwap(false, true) {
		return e.TempDir() != ""
	}

	err := os.MkdirAll(dir, 0o755)
	if err == nil {
		probe := tempTarget + ".test-writable-" + uuid.NewString() + ".tmp"
		if err = os.MkdirAll(filepath.Dir(probe), 0o755); err == nil {
			var f *os.File
			if f, err = os.Create(probe); err == nil {
				f.Close()
				err = os.Remove(probe)
			}
		}
	}
	if err != nil {
		e.Log.Warn().Err(err).Str("dir", dir).Msg("temp download directory is not writable, using target directory")
		empty := ""
		e.tempOverride.Store(&empty)
		return false
	}
	return true
}
