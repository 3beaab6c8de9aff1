package models

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type RowSyncStatus string

const (
	RowSynced   RowSyncStatus = "synced"
	RowPending  RowSyncStatus = "pending"
	RowConflict RowSyncStatus = "conflict"
	RowError    RowSyncStatus = "error"
)

// RowState is the engine's durable memory of one tracked row.
// Values are replaced whole (see Clone) and written back with a
// compare-and-swap on Version.
type RowState struct {
	ConfigID        uuid.UUID                   `json:"config_id" gorm:"type:uuid;primaryKey"`
	RowNumber       int                         `json:"row_number" gorm:"primaryKey;autoIncrement:false"`
	EntityID        string                      `json:"entity_id" gorm:"type:varchar(64);index"`
	SheetModifiedAt time.Time                   `json:"sheet_modified_at"`
	CRMModifiedAt   time.Time                   `json:"crm_modified_at"`
	LastSyncAt      time.Time                   `json:"last_sync_at"`
	LastSheetValues datatypes.JSONMap           `json:"last_sheet_values" gorm:"type:jsonb"`
	LastCRMValues   datatypes.JSONMap           `json:"last_crm_values" gorm:"type:jsonb"`
	SyncedValues    datatypes.JSONMap           `json:"synced_values" gorm:"type:jsonb"`
	SyncStatus      RowSyncStatus               `json:"sync_status" gorm:"type:varchar(20);not null;default:'synced'"`
	ConflictFields  datatypes.JSONSlice[string] `json:"conflict_fields" gorm:"type:jsonb"`
	Version         int64                       `json:"version" gorm:"not null;default:0"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

func (RowState) TableName() string {
	return "row_states"
}

// NewRowState returns the implicit state of a row never seen before.
func NewRowState(configID uuid.UUID, row int) *RowState {
	return &RowState{
		ConfigID:        configID,
		RowNumber:       row,
		LastSheetValues: datatypes.JSONMap{},
		LastCRMValues:   datatypes.JSONMap{},
		SyncedValues:    datatypes.JSONMap{},
		SyncStatus:      RowSynced,
		ConflictFields:  datatypes.JSONSlice[string]{},
	}
}

// Clone deep-copies the state so callers can build the next version
// without touching the one they loaded.
func (r *RowState) Clone() *RowState {
	if r == nil {
		return nil
	}
	c := *r
	c.LastSheetValues = cloneMap(r.LastSheetValues)
	c.LastCRMValues = cloneMap(r.LastCRMValues)
	c.SyncedValues = cloneMap(r.SyncedValues)
	c.ConflictFields = append(datatypes.JSONSlice[string]{}, r.ConflictFields...)
	return &c
}

func (r *RowState) Snapshot(side Side) datatypes.JSONMap {
	if side == SideCRM {
		return r.LastCRMValues
	}
	return r.LastSheetValues
}

func (r *RowState) ModifiedAt(side Side) time.Time {
	if side == SideCRM {
		return r.CRMModifiedAt
	}
	return r.SheetModifiedAt
}

// Observe records a value reported by one side and bumps that side's
// modification time. It does not touch the synced baseline.
func (r *RowState) Observe(side Side, field string, value any, at time.Time) {
	snap := r.Snapshot(side)
	if snap == nil {
		snap = datatypes.JSONMap{}
		if side == SideCRM {
			r.LastCRMValues = snap
		} else {
			r.LastSheetValues = snap
		}
	}
	snap[field] = value
	r.Touch(side, at)
}

// Touch bumps a side's modification time after we wrote to it.
func (r *RowState) Touch(side Side, at time.Time) {
	if side == SideCRM {
		if at.After(r.CRMModifiedAt) {
			r.CRMModifiedAt = at
		}
	} else if at.After(r.SheetModifiedAt) {
		r.SheetModifiedAt = at
	}
}

// MarkSynced records that both sides now hold value for field.
func (r *RowState) MarkSynced(field string, value any) {
	if r.LastSheetValues == nil {
		r.LastSheetValues = datatypes.JSONMap{}
	}
	if r.LastCRMValues == nil {
		r.LastCRMValues = datatypes.JSONMap{}
	}
	if r.SyncedValues == nil {
		r.SyncedValues = datatypes.JSONMap{}
	}
	r.LastSheetValues[field] = value
	r.LastCRMValues[field] = value
	r.SyncedValues[field] = value
}

// AdvanceSync moves last_sync_at forward; it never moves backwards.
func (r *RowState) AdvanceSync(at time.Time) {
	if at.After(r.LastSyncAt) {
		r.LastSyncAt = at
	}
}

func (r *RowState) HasConflict(field string) bool {
	for _, f := range r.ConflictFields {
		if f == field {
			return true
		}
	}
	return false
}

// SetConflicts replaces conflict_fields and keeps sync_status consistent
// with it: conflict iff the set is non-empty.
func (r *RowState) SetConflicts(fields []string) {
	set := map[string]struct{}{}
	for _, f := range fields {
		set[f] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	r.ConflictFields = out
	if len(out) > 0 {
		r.SyncStatus = RowConflict
	} else if r.SyncStatus == RowConflict {
		r.SyncStatus = RowSynced
	}
}

func (r *RowState) AddConflicts(fields ...string) {
	r.SetConflicts(append(append([]string{}, r.ConflictFields...), fields...))
}

func (r *RowState) ClearConflicts(fields ...string) {
	drop := map[string]struct{}{}
	for _, f := range fields {
		drop[f] = struct{}{}
	}
	var keep []string
	for _, f := range r.ConflictFields {
		if _, ok := drop[f]; !ok {
			keep = append(keep, f)
		}
	}
	r.SetConflicts(keep)
}

func cloneMap(m datatypes.JSONMap) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if m == nil {
		return out
	}
	// values are JSON scalars in practice; round-trip anything nested
	for k, v := range m {
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err == nil {
				var cp any
				if json.Unmarshal(b, &cp) == nil {
					out[k] = cp
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}
