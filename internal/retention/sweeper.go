// Package retention ages out old recordings and cleans up orphaned chunk
// groups left behind by unrecovered sessions.
package retention

import (
	"context"
	"log/slog"
	"time"

	"capture-coordinator/internal/platform/metrics"
)

const (
	// MaxAge is how long a recording is kept after finalize.
	MaxAge = 24 * time.Hour
	// Interval is the default time between sweeps.
	Interval = time.Hour
)

// Store is the slice of the chunk store the sweeper uses.
type Store interface {
	Sweep(maxAge time.Duration) (int, error)
	SweepOrphans(active ...string) (int, error)
}

// ActiveFunc reports the id of the in-flight recording, if any, so its
// not-yet-finalized chunks survive orphan cleanup.
type ActiveFunc func(ctx context.Context) (string, error)

// Sweeper periodically deletes expired recordings and orphaned chunks.
type Sweeper struct {
	store   Store
	active  ActiveFunc
	log     *slog.Logger
	metrics *metrics.Metrics // may be nil

	maxAge   time.Duration
	interval time.Duration
}

// New returns a sweeper with the default age and interval. metrics may be
// nil.
func New(store Store, active ActiveFunc, log *slog.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		store:    store,
		active:   active,
		log:      log,
		metrics:  m,
		maxAge:   MaxAge,
		interval: Interval,
	}
}

// SetInterval overrides the time between sweep passes.
func (s *Sweeper) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Run sweeps once immediately, then on every interval tick until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.RunOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep pass. Errors are logged, never fatal; the
// next pass retries.
func (s *Sweeper) RunOnce(ctx context.Context) {
	expired, err := s.store.Sweep(s.maxAge)
	if err != nil {
		s.log.Error("retention sweep failed", "error", err)
	} else if expired > 0 {
		s.log.Info("expired recordings removed", "count", expired, "max_age", s.maxAge)
	}

	var exclude []string
	if s.active != nil {
		id, aerr := s.active(ctx)
		if aerr != nil {
			s.log.Warn("could not determine active recording; skipping orphan cleanup", "error", aerr)
			if s.metrics != nil && expired > 0 {
				s.metrics.AddSweepDeleted(expired)
			}
			return
		}
		if id != "" {
			exclude = append(exclude, id)
		}
	}

	orphans, err := s.store.SweepOrphans(exclude...)
	if err != nil {
		s.log.Error("orphan cleanup failed", "error", err)
	} else if orphans > 0 {
		s.log.Info("orphaned chunk groups removed", "count", orphans)
	}

	if s.metrics != nil && expired+orphans > 0 {
		s.metrics.AddSweepDeleted(expired + orphans)
	}
}
