package worker

import (
	"context"
	"time"

	"sync_server/config"
	"sync_server/core/port/in"
	"sync_server/pkg/logger"
)

// =============================================================================
// Interval scheduler
// =============================================================================

// startupGrace delays the first discovery pass so the process can
// finish warming its connections.
const startupGrace = 10 * time.Second

// Scheduler periodically runs a full discovery-and-sync pass. Pairs
// already being synced elsewhere are skipped by the per-pair locks, so
// overlapping with triggered jobs is harmless.
type Scheduler struct {
	syncs    in.SyncService
	interval time.Duration
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger
}

func NewScheduler(cfg *config.Config, syncs in.SyncService) *Scheduler {
	interval := time.Duration(cfg.SyncIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		syncs:    syncs,
		interval: interval,
		// A pass can cover many pairs; allow it most of the interval.
		timeout: interval * 9 / 10,
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.WithField("component", "sync_scheduler"),
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() {
	s.log.Info("starting, interval %s", s.interval)
	go s.run()
}

// Stop cancels the loop and any pass in flight.
func (s *Scheduler) Stop() {
	s.log.Info("stopping")
	s.cancel()
}

func (s *Scheduler) run() {
	select {
	case <-time.After(startupGrace):
	case <-s.ctx.Done():
		return
	}

	s.pass()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("stopped")
			return
		case <-ticker.C:
			s.pass()
		}
	}
}

// pass runs one full sync sweep.
func (s *Scheduler) pass() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	started := time.Now()
	results, err := s.syncs.SyncAll(ctx)
	if err != nil {
		s.log.WithError(err).Warn("scheduled pass ended early")
	}

	if len(results) == 0 {
		return
	}

	var ingested, failedRuns int
	for _, r := range results {
		ingested += r.ItemsIngested
		if !r.Success {
			failedRuns++
		}
	}
	s.log.WithDuration(time.Since(started)).
		Info("scheduled pass: %d runs, %d items ingested, %d failed runs",
			len(results), ingested, failedRuns)
}

// SetInterval overrides the tick interval (for testing).
func (s *Scheduler) SetInterval(interval time.Duration) {
	s.interval = interval
	s.timeout = interval * 9 / 10
}
