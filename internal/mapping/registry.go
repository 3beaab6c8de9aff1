// Package mapping resolves sheet columns to CRM fields for a sync config.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrConfigNotFound = errors.New("sync config not found")

// Table is an immutable view of one config and its mappings.
type Table struct {
	Config   models.SyncConfig
	byColumn map[int]models.FieldMapping
	byField  map[string]models.FieldMapping
}

func NewTable(cfg models.SyncConfig, mappings []models.FieldMapping) (*Table, error) {
	if err := ValidateMappings(mappings); err != nil {
		return nil, err
	}
	t := &Table{
		Config:   cfg,
		byColumn: make(map[int]models.FieldMapping, len(mappings)),
		byField:  make(map[string]models.FieldMapping, len(mappings)),
	}
	for _, m := range mappings {
		t.byColumn[m.ColumnIndex] = m
		t.byField[m.CRMField] = m
	}
	t.Config.Mappings = nil
	return t, nil
}

func (t *Table) ByColumn(idx int) (models.FieldMapping, bool) {
	m, ok := t.byColumn[idx]
	return m, ok
}

func (t *Table) ByField(field string) (models.FieldMapping, bool) {
	m, ok := t.byField[field]
	return m, ok
}

func (t *Table) Mappings() []models.FieldMapping {
	out := make([]models.FieldMapping, 0, len(t.byColumn))
	for _, m := range t.byColumn {
		out = append(out, m)
	}
	return out
}

// WritableToCRM reports whether a field may be pushed into the CRM.
func (t *Table) WritableToCRM(field string) bool {
	m, ok := t.byField[field]
	return ok && !m.Readonly
}

// ValidateMappings enforces one mapping per column and per CRM field.
func ValidateMappings(mappings []models.FieldMapping) error {
	columns := map[int]bool{}
	fields := map[string]bool{}
	for _, m := range mappings {
		if m.ColumnIndex < 0 {
			return syncerr.Validation("mapping", m.CRMField, "negative column index %d", m.ColumnIndex)
		}
		if m.CRMField == "" {
			return syncerr.Validation("mapping", ColumnLetter(m.ColumnIndex), "empty CRM field")
		}
		if !m.DataType.Valid() {
			return syncerr.Validation("mapping", m.CRMField, "unknown data type %q", m.DataType)
		}
		if columns[m.ColumnIndex] {
			return syncerr.Validation("mapping", ColumnLetter(m.ColumnIndex), "column mapped twice")
		}
		if fields[m.CRMField] {
			return syncerr.Validation("mapping", m.CRMField, "field mapped twice")
		}
		columns[m.ColumnIndex] = true
		fields[m.CRMField] = true
	}
	return nil
}

type cached struct {
	table    *Table
	loadedAt time.Time
}

// Registry loads mapping tables from the database and caches them briefly.
type Registry struct {
	db  *gorm.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[uuid.UUID]cached
	now   func() time.Time
}

func NewRegistry(db *gorm.DB, ttl time.Duration) *Registry {
	return &Registry{db: db, ttl: ttl, cache: map[uuid.UUID]cached{}, now: time.Now}
}

func (r *Registry) Load(ctx context.Context, configID uuid.UUID) (*Table, error) {
	r.mu.RLock()
	c, ok := r.cache[configID]
	r.mu.RUnlock()
	if ok && r.now().Sub(c.loadedAt) < r.ttl {
		return c.table, nil
	}

	var cfg models.SyncConfig
	err := r.db.WithContext(ctx).Preload("Mappings").Where("id = ?", configID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configID)
	}
	if err != nil {
		return nil, fmt.Errorf("load sync config %s: %w", configID, err)
	}
	t, err := NewTable(cfg, cfg.Mappings)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[configID] = cached{table: t, loadedAt: r.now()}
	r.mu.Unlock()
	return t, nil
}

// FindBySheet returns the config tracking a sheet tab.
func (r *Registry) FindBySheet(ctx context.Context, sheetID, gid string) (*Table, error) {
	var cfg models.SyncConfig
	err := r.db.WithContext(ctx).Where("sheet_id = ? AND gid = ?", sheetID, gid).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: sheet %s gid %s", ErrConfigNotFound, sheetID, gid)
	}
	if err != nil {
		return nil, fmt.Errorf("find config for sheet %s: %w", sheetID, err)
	}
	return r.Load(ctx, cfg.ID)
}

// FindByEntityType returns every config tracking a CRM entity type.
func (r *Registry) FindByEntityType(ctx context.Context, entityType string) ([]*Table, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&models.SyncConfig{}).
		Where("entity_type = ?", entityType).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("find configs for entity type %s: %w", entityType, err)
	}
	tables := make([]*Table, 0, len(ids))
	for _, id := range ids {
		t, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// SetEnabled flips the enabled flag and drops the cached table.
func (r *Registry) SetEnabled(ctx context.Context, configID uuid.UUID, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&models.SyncConfig{}).
		Where("id = ?", configID).Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("update enabled flag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, configID)
	}
	r.Invalidate(configID)
	return nil
}

func (r *Registry) Invalidate(configID uuid.UUID) {
	r.mu.Lock()
	delete(r.cache, configID)
	r.mu.Unlock()
}

// Teardown removes a config with everything that references it.
// This is the only path that deletes row states.
func (r *Registry) Teardown(ctx context.Context, configID uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&models.SyncLogEntry{}, &models.RowState{}, &models.FieldMapping{}} {
			if err := tx.Where("config_id = ?", configID).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", configID).Delete(&models.SyncConfig{}).Error
	})
	if err != nil {
		return fmt.Errorf("teardown config %s: %w", configID, err)
	}
	r.Invalidate(configID)
	return nil
}
