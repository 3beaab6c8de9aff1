// Package rowstate persists the per-row sync memory.
//
// A RowState is never mutated in place: callers Clone what they loaded,
// change the copy and hand both versions to Replace, which succeeds only if
// nobody else replaced the row in between.
package rowstate

import (
	"context"
	"errors"
	"fmt"

	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("row state not found")
	// ErrStale means the row was replaced since it was loaded.
	ErrStale = errors.New("row state changed concurrently")
	// ErrTimeTravel means a replace would move last_sync_at backwards.
	ErrTimeTravel = errors.New("last_sync_at must not decrease")
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx binds the store to a transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

func (s *Store) Get(ctx context.Context, configID uuid.UUID, row int) (*models.RowState, error) {
	var st models.RowState
	err := s.db.WithContext(ctx).
		Where("config_id = ? AND row_number = ?", configID, row).
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load row state %s#%d: %w", configID, row, err)
	}
	return &st, nil
}

// GetOrNew returns the stored state, or the implicit empty state of a row
// that was never observed (Version 0, not yet persisted).
func (s *Store) GetOrNew(ctx context.Context, configID uuid.UUID, row int) (*models.RowState, error) {
	st, err := s.Get(ctx, configID, row)
	if errors.Is(err, ErrNotFound) {
		return models.NewRowState(configID, row), nil
	}
	return st, err
}

// ByEntity finds the row tracking a CRM entity within a config.
func (s *Store) ByEntity(ctx context.Context, configID uuid.UUID, entityID string) (*models.RowState, error) {
	var st models.RowState
	err := s.db.WithContext(ctx).
		Where("config_id = ? AND entity_id = ?", configID, entityID).
		Order("row_number ASC").
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find row for entity %s: %w", entityID, err)
	}
	return &st, nil
}

// Replace persists next in place of prev. prev == nil (or Version 0 and
// never stored) creates the row. On success next.Version is advanced.
func (s *Store) Replace(ctx context.Context, prev, next *models.RowState) error {
	if prev != nil && next.LastSyncAt.Before(prev.LastSyncAt) {
		return ErrTimeTravel
	}
	if prev == nil || prev.Version == 0 {
		next.Version = 1
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(next)
		if res.Error != nil {
			return fmt.Errorf("create row state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			next.Version = 0
			return ErrStale
		}
		return nil
	}

	next.Version = prev.Version + 1
	res := s.db.WithContext(ctx).Model(&models.RowState{}).
		Where("config_id = ? AND row_number = ? AND version = ?", prev.ConfigID, prev.RowNumber, prev.Version).
		Select("*").
		Omit("config_id", "row_number", "created_at").
		Updates(next)
	if res.Error != nil {
		next.Version = prev.Version
		return fmt.Errorf("replace row state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		next.Version = prev.Version
		return ErrStale
	}
	return nil
}

// ListByStatus returns the rows of a config in the given status.
func (s *Store) ListByStatus(ctx context.Context, configID uuid.UUID, status models.RowSyncStatus) ([]models.RowState, error) {
	var out []models.RowState
	err := s.db.WithContext(ctx).
		Where("config_id = ? AND sync_status = ?", configID, status).
		Order("row_number ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list rows in %s: %w", status, err)
	}
	return out, nil
}
