// Package synclog is the append-only record of propagation attempts.
package synclog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("sync log entry not found")
	// ErrLostRace means the entry left the expected status before our update.
	ErrLostRace = errors.New("sync log entry changed concurrently")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

type Log struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Log {
	return &Log{db: db, now: time.Now}
}

func (l *Log) WithTx(tx *gorm.DB) *Log {
	return &Log{db: tx, now: l.now}
}

func (l *Log) Create(ctx context.Context, e *models.SyncLogEntry) error {
	if e.Status == "" {
		e.Status = models.StatusPending
	}
	if err := l.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("create sync log entry: %w", err)
	}
	return nil
}

func (l *Log) Get(ctx context.Context, id uuid.UUID) (*models.SyncLogEntry, error) {
	var e models.SyncLogEntry
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sync log entry %s: %w", id, err)
	}
	return &e, nil
}

// Transition moves e from its current status to `to`. mutate may adjust
// other columns of e before the write. The UPDATE is guarded by the old
// status so two workers cannot both advance the same entry.
func (l *Log) Transition(ctx context.Context, e *models.SyncLogEntry, to models.SyncStatus, mutate func(*models.SyncLogEntry)) error {
	from := e.Status
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	next := *e
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	next.UpdatedAt = l.now()

	res := l.db.WithContext(ctx).Model(&models.SyncLogEntry{}).
		Where("id = ? AND status = ?", e.ID, from).
		Select("*").
		Omit("id", "created_at").
		Updates(&next)
	if res.Error != nil {
		return fmt.Errorf("transition %s %s->%s: %w", e.ID, from, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLostRace
	}
	*e = next
	return nil
}

// Amend rewrites an entry without moving it, guarded by its current status.
func (l *Log) Amend(ctx context.Context, e *models.SyncLogEntry, mutate func(*models.SyncLogEntry)) error {
	next := *e
	mutate(&next)
	next.Status = e.Status
	next.UpdatedAt = l.now()

	res := l.db.WithContext(ctx).Model(&models.SyncLogEntry{}).
		Where("id = ? AND status = ?", e.ID, e.Status).
		Select("*").
		Omit("id", "created_at").
		Updates(&next)
	if res.Error != nil {
		return fmt.Errorf("amend %s: %w", e.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLostRace
	}
	*e = next
	return nil
}

// History returns the newest entries of a config first.
func (l *Log) History(ctx context.Context, configID uuid.UUID, limit int) ([]models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	var out []models.SyncLogEntry
	err := l.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("created_at DESC").Order("id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return out, nil
}

// OpenConflict returns the row's entry waiting for a decision, if any.
func (l *Log) OpenConflict(ctx context.Context, configID uuid.UUID, row int) (*models.SyncLogEntry, error) {
	var e models.SyncLogEntry
	err := l.db.WithContext(ctx).
		Where("config_id = ? AND row_number = ? AND status = ?", configID, row, models.StatusConflict).
		Order("created_at DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load open conflict: %w", err)
	}
	return &e, nil
}

// ForEvent returns the entries created for an inbound event.
func (l *Log) ForEvent(ctx context.Context, eventID string) ([]models.SyncLogEntry, error) {
	var out []models.SyncLogEntry
	err := l.db.WithContext(ctx).Where("event_id = ?", eventID).Order("created_at").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load entries for event %s: %w", eventID, err)
	}
	return out, nil
}

// DueForRetry lists failed, non-permanent entries whose next_retry_at has
// passed. The retry_count bound is per config, so callers filter on it.
func (l *Log) DueForRetry(ctx context.Context, now time.Time, limit int) ([]models.SyncLogEntry, error) {
	return l.retryable(ctx, uuid.Nil, now, limit)
}

// Failed lists every failed, non-permanent entry of a config regardless of
// its next_retry_at.
func (l *Log) Failed(ctx context.Context, configID uuid.UUID) ([]models.SyncLogEntry, error) {
	return l.retryable(ctx, configID, time.Time{}, 0)
}

func (l *Log) retryable(ctx context.Context, configID uuid.UUID, due time.Time, limit int) ([]models.SyncLogEntry, error) {
	q := l.db.WithContext(ctx).
		Where("status = ? AND error_kind <> ?", models.StatusFailed, models.ErrorKindPermanent)
	if configID != uuid.Nil {
		q = q.Where("config_id = ?", configID)
	}
	if !due.IsZero() {
		q = q.Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", due)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.SyncLogEntry
	if err := q.Order("next_retry_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load retryable entries: %w", err)
	}
	return out, nil
}

// Stuck lists entries left in pending or syncing since before cutoff.
func (l *Log) Stuck(ctx context.Context, cutoff time.Time) ([]models.SyncLogEntry, error) {
	var out []models.SyncLogEntry
	err := l.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []models.SyncStatus{models.StatusPending, models.StatusSyncing}, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load stuck entries: %w", err)
	}
	return out, nil
}

// Interrupt marks a stuck entry failed so the retry scheduler picks it up.
// pending entries pass through syncing to stay on the legal path.
func (l *Log) Interrupt(ctx context.Context, e *models.SyncLogEntry, retryAt time.Time) error {
	if e.Status == models.StatusPending {
		if err := l.Transition(ctx, e, models.StatusSyncing, nil); err != nil {
			return err
		}
	}
	return l.Transition(ctx, e, models.StatusFailed, func(n *models.SyncLogEntry) {
		n.ErrorKind = models.ErrorKindTransient
		n.ErrorMessage = "interrupted before the write was acknowledged"
		n.NextRetryAt = &retryAt
	})
}
