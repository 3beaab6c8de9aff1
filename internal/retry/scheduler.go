package retry

import (
	"context"
	"errors"
	"time"

	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/resolve"
	"crm-sheet-sync/internal/rowlock"
	"crm-sheet-sync/internal/synclog"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const scanLimit = 200

type Scheduler struct {
	log         *synclog.Log
	registry    *mapping.Registry
	locks       *rowlock.Locker
	exec        *resolve.Executor
	policy      Policy
	interval    time.Duration
	parallelism int
	stuckAfter  time.Duration
	logger      *logrus.Logger
	now         func() time.Time
}

type Options struct {
	Interval    time.Duration
	Parallelism int
	StuckAfter  time.Duration
	Policy      Policy
}

func NewScheduler(log *synclog.Log, registry *mapping.Registry, locks *rowlock.Locker, exec *resolve.Executor, opts Options, logger *logrus.Logger) *Scheduler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	return &Scheduler{
		log:         log,
		registry:    registry,
		locks:       locks,
		exec:        exec,
		policy:      opts.Policy,
		interval:    opts.Interval,
		parallelism: opts.Parallelism,
		stuckAfter:  opts.StuckAfter,
		logger:      logger,
		now:         time.Now,
	}
}

// Run scans for due retries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Infof("[RETRY] 🔁 scheduler started, scanning every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[RETRY] 🛑 scheduler stopped")
			return
		case <-ticker.C:
			if s.stuckAfter > 0 {
				if _, err := s.RecoverStuck(ctx); err != nil {
					s.logger.Warnf("[RETRY] ⚠️ stuck scan failed: %v", err)
				}
			}
			if _, err := s.RetryDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warnf("[RETRY] ⚠️ retry scan failed: %v", err)
			}
		}
	}
}

// RetryDue retries every entry whose backoff has elapsed and reports how
// many were attempted.
func (s *Scheduler) RetryDue(ctx context.Context) (int, error) {
	due, err := s.log.DueForRetry(ctx, s.now(), scanLimit)
	if err != nil {
		return 0, err
	}
	return s.retryAll(ctx, due)
}

// RetryFailed retries every retryable entry of a config now, ignoring
// next_retry_at.
func (s *Scheduler) RetryFailed(ctx context.Context, configID uuid.UUID) (int, error) {
	failed, err := s.log.Failed(ctx, configID)
	if err != nil {
		return 0, err
	}
	return s.retryAll(ctx, failed)
}

func (s *Scheduler) retryAll(ctx context.Context, entries []models.SyncLogEntry) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	attempted := 0
	for i := range entries {
		e := entries[i]
		table, err := s.registry.Load(ctx, e.ConfigID)
		if err != nil {
			s.logger.WithField("entry_id", e.ID).Warnf("[RETRY] ⚠️ config unavailable: %v", err)
			continue
		}
		if !table.Config.Enabled || e.RetryCount >= table.Config.RetryLimit() {
			continue
		}
		attempted++
		g.Go(func() error {
			s.retryOne(gctx, &e, table)
			return nil
		})
	}
	return attempted, g.Wait()
}

// retryOne runs under the row lease. Failures are recorded on the entry,
// so they are only logged here.
func (s *Scheduler) retryOne(ctx context.Context, e *models.SyncLogEntry, table *mapping.Table) {
	key := models.RowKey{ConfigID: e.ConfigID, RowNumber: e.RowNumber}.String()
	release, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return
	}
	defer release()

	logger := s.logger.WithFields(logrus.Fields{"entry_id": e.ID, "row": e.RowNumber})
	// someone may have retried it while we waited for the row
	fresh, err := s.log.Get(ctx, e.ID)
	if err != nil {
		logger.Warnf("[RETRY] ⚠️ reload failed: %v", err)
		return
	}
	if fresh.Status != models.StatusFailed || fresh.RetryCount != e.RetryCount {
		return
	}
	if err := s.exec.Retry(ctx, fresh, table); err != nil {
		logger.Debugf("[RETRY] attempt %d failed: %v", fresh.RetryCount, err)
	}
}

// RecoverStuck fails entries left in pending or syncing by a crash so the
// scheduler picks them up again.
func (s *Scheduler) RecoverStuck(ctx context.Context) (int, error) {
	stuck, err := s.log.Stuck(ctx, s.now().Add(-s.stuckAfter))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range stuck {
		e := &stuck[i]
		key := models.RowKey{ConfigID: e.ConfigID, RowNumber: e.RowNumber}.String()
		release, err := s.locks.Acquire(ctx, key)
		if err != nil {
			return recovered, err
		}
		err = s.log.Interrupt(ctx, e, s.now())
		release()
		if errors.Is(err, synclog.ErrLostRace) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		s.logger.WithFields(logrus.Fields{"entry_id": e.ID, "row": e.RowNumber}).
			Warn("[RETRY] ⚠️ recovered entry interrupted mid-propagation")
	}
	return recovered, nil
}
