// Package guard provides admission control for new connections based on
// process resource usage. Static thresholds only: the guard enforces
// configured limits, it never auto-adjusts them.
package guard

import (
	"context"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Guard samples process CPU and RSS on a fixed interval and answers
// whether a new connection should be admitted. Readings are published
// through atomics so the health endpoint can report them without locks.
type Guard struct {
	cpuThreshold float64 // percent; 0 disables the check
	memLimit     int64   // RSS bytes; 0 disables the check
	interval     time.Duration
	log          zerolog.Logger

	// sample is injectable for tests; the default reads gopsutil.
	sample func() (cpuPercent float64, rssBytes int64, err error)

	cpu atomic.Uint64 // float64 bits
	rss atomic.Int64
}

// New creates a Guard with gopsutil-backed sampling of the current process.
func New(cpuThreshold float64, memLimit int64, logger zerolog.Logger) *Guard {
	g := &Guard{
		cpuThreshold: cpuThreshold,
		memLimit:     memLimit,
		interval:     5 * time.Second,
		log:          logger.With().Str("component", "guard").Logger(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Sampling unavailable; the guard stays permissive.
		g.log.Warn().Err(err).Msg("process handle unavailable, admission guard disabled")
		g.sample = func() (float64, int64, error) { return 0, 0, nil }
		return g
	}
	g.sample = func() (float64, int64, error) {
		cpu, err := proc.CPUPercent()
		if err != nil {
			return 0, 0, err
		}
		mem, err := proc.MemoryInfo()
		if err != nil {
			return 0, 0, err
		}
		return cpu, int64(mem.RSS), nil
	}
	return g
}

// Start runs the sampling loop until ctx is cancelled.
func (g *Guard) Start(ctx context.Context) {
	g.refresh()
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refresh()
		}
	}
}

func (g *Guard) refresh() {
	cpu, rss, err := g.sample()
	if err != nil {
		g.log.Warn().Err(err).Msg("resource sample failed")
		return
	}
	g.cpu.Store(math.Float64bits(cpu))
	g.rss.Store(rss)
}

// Allow reports whether a new connection should be admitted. On rejection
// the reason names the exhausted resource.
func (g *Guard) Allow() (bool, string) {
	if cpu := g.CPUPercent(); g.cpuThreshold > 0 && cpu > g.cpuThreshold {
		return false, "cpu"
	}
	if rss := g.rss.Load(); g.memLimit > 0 && rss > g.memLimit {
		return false, "memory"
	}
	return true, ""
}

// CPUPercent returns the most recent CPU reading.
func (g *Guard) CPUPercent() float64 {
	return math.Float64frombits(g.cpu.Load())
}

// RSSBytes returns the most recent resident-set reading.
func (g *Guard) RSSBytes() int64 {
	return g.rss.Load()
}
