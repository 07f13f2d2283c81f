// Package limits provides connection admission control and per-connection
// message rate limiting.
package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// GuardConfig holds the static admission limits. Static on purpose: a
// replica that sheds load predictably is easier to reason about during an
// election than one that auto-tunes.
type GuardConfig struct {
	MaxConnections     int64
	CPURejectThreshold float64 // percent
	MemoryLimit        int64   // bytes of heap, 0 disables the check
}

// Guard decides whether a new client connection is admitted. Resource
// readings refresh on a background ticker, not per request.
type Guard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	connections atomic.Int64
	cpuPercent  atomic.Value // float64
	heapBytes   atomic.Int64
}

func NewGuard(cfg GuardConfig, logger zerolog.Logger) *Guard {
	g := &Guard{
		cfg:    cfg,
		logger: logger.With().Str("component", "guard").Logger(),
	}
	g.cpuPercent.Store(0.0)
	return g
}

// Admit claims a connection slot. The caller must Release exactly once
// when the connection ends. The error text is the rejection reason.
func (g *Guard) Admit() error {
	if n := g.connections.Add(1); n > g.cfg.MaxConnections {
		g.connections.Add(-1)
		return fmt.Errorf("at max connections (%d)", g.cfg.MaxConnections)
	}
	if pct := g.cpuPercent.Load().(float64); pct > g.cfg.CPURejectThreshold {
		g.connections.Add(-1)
		return fmt.Errorf("cpu %.1f%% over threshold %.1f%%", pct, g.cfg.CPURejectThreshold)
	}
	if g.cfg.MemoryLimit > 0 && g.heapBytes.Load() > g.cfg.MemoryLimit {
		g.connections.Add(-1)
		return fmt.Errorf("heap over limit (%d bytes)", g.cfg.MemoryLimit)
	}
	return nil
}

// Release returns a connection slot.
func (g *Guard) Release() {
	g.connections.Add(-1)
}

// Connections returns the current admitted connection count.
func (g *Guard) Connections() int64 {
	return g.connections.Load()
}

// Run refreshes resource readings until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
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
	// Percent with a zero interval compares against the previous call,
	// so the reading covers the whole tick.
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		g.cpuPercent.Store(pcts[0])
	} else if err != nil {
		g.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.heapBytes.Store(int64(mem.Alloc))

	g.logger.Debug().
		Float64("cpu_percent", g.cpuPercent.Load().(float64)).
		Int64("heap_mb", g.heapBytes.Load()/(1024*1024)).
		Int64("connections", g.connections.Load()).
		Msg("resource state updated")
}

// NewMessageLimiter builds the per-connection token bucket applied to
// inbound client envelopes.
func NewMessageLimiter(perSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
