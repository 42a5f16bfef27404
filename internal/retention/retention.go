// Package retention evicts aged clipboard entries on a schedule. The
// sweeper is a singleton background goroutine beside the accept loop; it
// holds no protocol locks, so a slow sweep never stalls live sessions.
package retention

import (
	"context"
	"log/slog"
	"time"

	"go.krypton.dev/krypton/internal/metrics"
	"go.krypton.dev/krypton/internal/protocol"
	"go.krypton.dev/krypton/internal/store"
)

const minWarmup = time.Minute

// Config controls the sweep schedule. The sweeper is disabled by default;
// an operator turns it on via the [cleanup] config section.
type Config struct {
	// Interval between sweeps. Values below one hour are raised to one hour.
	Interval time.Duration
	// RetentionDays evicts entries older than this many days. Zero disables
	// the general sweep.
	RetentionDays int
	// ImageRetentionDays applies separately to IMAGE entries. Zero disables
	// the image-only sweep.
	ImageRetentionDays int
	// Warmup delays the first sweep after startup. Raised to one minute.
	Warmup time.Duration
}

// Sweeper runs periodic retention sweeps over the store.
type Sweeper struct {
	cfg     Config
	store   *store.Store
	metrics *metrics.Metrics
}

// New returns a Sweeper; call Run in its own goroutine.
func New(cfg Config, st *store.Store, m *metrics.Metrics) *Sweeper {
	if cfg.Interval < time.Hour {
		cfg.Interval = time.Hour
	}
	if cfg.Warmup < minWarmup {
		cfg.Warmup = minWarmup
	}
	return &Sweeper{cfg: cfg, store: st, metrics: m}
}

// Run sweeps every interval after an initial warm-up delay, until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("retention: sweeper started",
		"interval", s.cfg.Interval,
		"retention_days", s.cfg.RetentionDays,
		"image_retention_days", s.cfg.ImageRetentionDays,
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.Warmup):
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Sweep()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep performs one eviction pass: the general sweep, the image-only
// sweep, and an orphan-blob scan. Errors are logged; the next tick retries.
func (s *Sweeper) Sweep() {
	start := time.Now()
	var evicted int64

	if s.cfg.RetentionDays > 0 {
		n, err := s.store.CleanupOlderThan(s.cfg.RetentionDays, "")
		if err != nil {
			slog.Error("retention: sweep failed", "err", err)
		} else {
			evicted += n
		}
	}
	if s.cfg.ImageRetentionDays > 0 {
		n, err := s.store.CleanupOlderThan(s.cfg.ImageRetentionDays, protocol.ContentImage)
		if err != nil {
			slog.Error("retention: image sweep failed", "err", err)
		} else {
			evicted += n
		}
	}

	orphans, err := s.store.SweepOrphanBlobs()
	if err != nil {
		slog.Error("retention: orphan sweep failed", "err", err)
	}

	s.metrics.RowsEvicted.Add(float64(evicted))
	if evicted > 0 || orphans > 0 {
		slog.Info("retention: sweep complete",
			"evicted", evicted,
			"orphan_blobs", orphans,
			"took", time.Since(start),
		)
	}
}
