// Package reaper reclaims leaked resources in the background: staging files
// no live job claims, and pooled sessions idle past their timeout. Sweeps
// are best-effort and never fail the process.
package reaper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"mediarelay/internal/staging"
)

// Evictor lets the reaper trigger idle-session eviction without owning the
// pool.
type Evictor interface {
	EvictIdle(ctx context.Context) int
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Evicted int `json:"evicted"`
}

type Options struct {
	Interval time.Duration // time between periodic sweeps
	Grace    time.Duration // minimum age before an unclaimed file is an orphan
}

const (
	defaultInterval   = time.Minute
	defaultGrace      = 5 * time.Minute
	finalSweepTimeout = 5 * time.Second
)

type Reaper struct {
	dir      *staging.Dir
	ledger   *staging.Ledger
	pool     Evictor
	pressure <-chan struct{}
	interval time.Duration
	grace    time.Duration
}

// New builds a reaper. pressure may be nil when no memory monitor is
// configured.
func New(dir *staging.Dir, ledger *staging.Ledger, pool Evictor, pressure <-chan struct{}, opts Options) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	return &Reaper{
		dir:      dir,
		ledger:   ledger,
		pool:     pool,
		pressure: pressure,
		interval: opts.Interval,
		grace:    opts.Grace,
	}
}

// Run sweeps on every tick and on every pressure signal until ctx is done,
// then performs one final sweep so shutdown leaves no staged files behind.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), finalSweepTimeout)
			r.Sweep(finalCtx)
			cancel()
			return
		case <-ticker.C:
			r.Sweep(ctx)
		case <-r.pressure:
			log.Warn().Msg("memory pressure signal, sweeping early")
			r.Sweep(ctx)
		}
	}
}

// Sweep removes orphaned staging files older than the grace period and
// evicts idle sessions. Files registered in the ledger belong to a running
// job and are never touched. Individual failures are logged and skipped.
func (r *Reaper) Sweep(ctx context.Context) Stats {
	var stats Stats

	entries, err := os.ReadDir(r.dir.Root())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", r.dir.Root()).Msg("staging scan failed")
		}
	} else {
		cutoff := time.Now().Add(-r.grace)
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			stats.Scanned++
			path := filepath.Join(r.dir.Root(), entry.Name())
			if r.ledger.Contains(path) {
				stats.Skipped++
				continue
			}
			info, err := entry.Info()
			if err != nil {
				// deleted between ReadDir and here
				stats.Skipped++
				continue
			}
			if info.ModTime().After(cutoff) {
				stats.Skipped++
				continue
			}
			if err := staging.Remove(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to remove orphaned file")
				stats.Failed++
				continue
			}
			log.Info().Str("path", path).Msg("removed orphaned staging file")
			stats.Removed++
		}
	}

	if r.pool != nil {
		stats.Evicted = r.pool.EvictIdle(ctx)
	}

	if stats.Removed > 0 || stats.Failed > 0 || stats.Evicted > 0 {
		log.Info().
			Int("scanned", stats.Scanned).
			Int("removed", stats.Removed).
			Int("failed", stats.Failed).
			Int("evicted", stats.Evicted).
			Msg("sweep finished")
	}
	return stats
}
