/*
scheduler.go - Periodic allocation sync

PURPOSE:
  Runs fill-sources followed by fill-user-sources on a fixed interval so
  local sources track the accounting service without operator action.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on start
  - Each run goes through Handler.RunSync, which takes the job lock and a
    fresh Driver, so a scheduled run never overlaps an admin-triggered one
  - Failures are logged and recorded as failed sync runs; the next tick
    retries

CONFIGURATION:
  - Interval:    How often to sync (default: 1 hour)
  - Enabled:     Whether scheduler is active (default: true)
  - ForceUpdate: Overwrite existing sources with upstream values

USAGE:
  scheduler := NewSyncScheduler(handler, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Manual job triggers
  - allocation/jobs.go: The jobs themselves
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SyncScheduler handles periodic allocation syncs.
type SyncScheduler struct {
	Handler     *Handler
	Interval    time.Duration
	Enabled     bool
	ForceUpdate bool
	Log         *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSyncScheduler creates a new scheduler.
func NewSyncScheduler(handler *Handler, log *zap.Logger) *SyncScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncScheduler{
		Handler:  handler,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Log:      log.Named("scheduler"),
		stop:     make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *SyncScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run()

	s.Log.Info("started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for an in-flight run.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Log.Info("stopped")
	}
}

func (s *SyncScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	s.sync(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.sync(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *SyncScheduler) sync(ctx context.Context) {
	started := time.Now()
	s.Log.Info("sync starting", zap.Bool("force_update", s.ForceUpdate))

	if err := s.Handler.RunSync(ctx, s.ForceUpdate); err != nil {
		s.Log.Error("sync failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return
	}
	s.Log.Info("sync completed", zap.Duration("elapsed", time.Since(started)))
}

// RunNow triggers an immediate sync (for testing/admin).
func (s *SyncScheduler) RunNow(ctx context.Context) {
	s.sync(ctx)
}
