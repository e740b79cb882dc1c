package booksync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const DefaultSyncInterval = 10 * time.Hour

// Scheduler runs both reconciliation directions on an interval and on demand.
// Runs never overlap: a trigger during a scheduled run waits for it.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	runOnStart bool
	logger     *slog.Logger

	mu sync.Mutex
}

// NewScheduler creates a scheduler. A non-positive interval means DefaultSyncInterval.
func NewScheduler(r *Reconciler, interval time.Duration, runOnStart bool, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: r,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logger.With("component", "sync-scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Sync scheduler started", "interval", s.interval)
	if s.runOnStart {
		s.Trigger(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Trigger(ctx)
		}
	}
}

// Trigger runs authoritative-to-secondary then secondary-to-authoritative.
// A failing direction does not prevent the other from running.
func (s *Scheduler) Trigger(ctx context.Context) ([]SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		results []SyncResult
		errs    []error
	)
	for _, d := range []Direction{AuthoritativeToSecondary, SecondaryToAuthoritative} {
		res, err := s.reconciler.Reconcile(ctx, d)
		if err != nil {
			s.logger.Error("Sync failed", "direction", d, "err", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Warn("Sync finished", "direction", d, "synced", res.Synced, "skipped", res.Skipped, "failed", res.Failed)
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// TriggerDirection runs a single direction, serialized with other runs.
func (s *Scheduler) TriggerDirection(ctx context.Context, d Direction) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciler.Reconcile(ctx, d)
}
