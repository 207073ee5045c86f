/*
scheduler.go - Periodic snapshot refresh

PURPOSE:
  Periodically composes every open batch and stores its view as a
  snapshot, so progress dashboards can read a cached view instead of
  folding the whole log on each request.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Only Pending and PendingConfirmation batches are refreshed
  - A failing batch is logged and skipped; the next tick retries it
  - Snapshots are a cache. Confirmation never reads them.

CONFIGURATION:
  - Interval: How often to refresh (default: 1 minute)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSnapshotScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TakeSnapshot endpoint (manual refresh)
  - count/snapshot.go: Engine.RefreshSnapshots
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/count-engine/config"
	"github.com/warp/count-engine/count"
)

// SnapshotScheduler refreshes cached batch views.
type SnapshotScheduler struct {
	Engine   *count.Engine
	Logger   logrus.FieldLogger
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.Mutex
	lastRun time.Time
}

// NewSnapshotScheduler creates a new scheduler.
func NewSnapshotScheduler(engine *count.Engine, logger logrus.FieldLogger) *SnapshotScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SnapshotScheduler{
		Engine:   engine,
		Logger:   logger,
		Interval: time.Minute,
		Enabled:  true,
		stop:     make(chan struct{}),
	}
}

func (s *SnapshotScheduler) log() logrus.FieldLogger {
	return s.Logger.WithField("module", "scheduler")
}

// Start begins the scheduler.
func (s *SnapshotScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Interval <= 0 {
		s.log().Info("snapshot scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run()

	s.log().WithField("interval", s.Interval.String()).Info("snapshot scheduler started")
}

// Stop stops the scheduler and waits for an in-flight refresh.
func (s *SnapshotScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log().Info("snapshot scheduler stopped")
	}
}

func (s *SnapshotScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.refresh()

	for {
		select {
		case <-s.ticker.C:
			s.refresh()
		case <-s.stop:
			return
		}
	}
}

func (s *SnapshotScheduler) refresh() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()

	start := time.Now()
	written, err := s.Engine.RefreshSnapshots(ctx, count.SnapshotScheduled)
	if err != nil {
		config.LogError(s.Logger, "scheduler", "refresh", nil, fmt.Errorf("snapshot refresh failed: %w", err))
		return 0
	}

	s.lastMu.Lock()
	s.lastRun = start
	s.lastMu.Unlock()

	if written > 0 {
		s.log().WithFields(logrus.Fields{
			"func":     "refresh",
			"written":  written,
			"duration": time.Since(start).String(),
		}).Debug("snapshots refreshed")
	}
	return written
}

func (s *SnapshotScheduler) timeout() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return time.Minute
}

// RunNow triggers an immediate refresh (for testing/admin). Returns how
// many snapshots were written.
func (s *SnapshotScheduler) RunNow() int {
	return s.refresh()
}

// LastRun returns when the last successful refresh started.
func (s *SnapshotScheduler) LastRun() time.Time {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastRun
}
