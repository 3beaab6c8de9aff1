package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusSyncing   SyncStatus = "syncing"
	StatusCompleted SyncStatus = "completed"
	StatusFailed    SyncStatus = "failed"
	StatusRetrying  SyncStatus = "retrying"
	StatusConflict  SyncStatus = "conflict"
)

type Direction string

const (
	CRMToSheet  Direction = "crm_to_sheet"
	SheetToCRM  Direction = "sheet_to_crm"
	NoDirection Direction = "none"
)

// DirectionFrom is the propagation direction for a change observed on side.
func DirectionFrom(side Side) Direction {
	if side == SideCRM {
		return CRMToSheet
	}
	return SheetToCRM
}

// Destination is the side a direction writes to.
func (d Direction) Destination() Side {
	if d == CRMToSheet {
		return SideSheet
	}
	return SideCRM
}

type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// FieldChange is one field of a sync log entry. Resolution is set once a
// conflicting field has been decided.
type FieldChange struct {
	Old        any    `json:"old"`
	New        any    `json:"new"`
	Resolution string `json:"resolution,omitempty"`
}

type FieldChanges map[string]FieldChange

// SyncLogEntry records one propagation attempt and its outcome.
type SyncLogEntry struct {
	ID                 uuid.UUID                        `json:"id" gorm:"type:uuid;primaryKey"`
	ConfigID           uuid.UUID                        `json:"config_id" gorm:"type:uuid;not null;index:idx_sync_log_row"`
	RowNumber          int                              `json:"row_number" gorm:"not null;index:idx_sync_log_row"`
	EventID            string                           `json:"event_id" gorm:"type:varchar(128);index"`
	EntityID           string                           `json:"entity_id" gorm:"type:varchar(64)"`
	Direction          Direction                        `json:"direction" gorm:"type:varchar(20);not null"`
	ChangedFields      datatypes.JSONType[FieldChanges] `json:"changed_fields" gorm:"type:jsonb"`
	Status             SyncStatus                       `json:"status" gorm:"type:varchar(20);not null;index"`
	ErrorMessage       string                           `json:"error_message,omitempty" gorm:"type:text"`
	ErrorKind          ErrorKind                        `json:"error_kind,omitempty" gorm:"type:varchar(20)"`
	RetryCount         int                              `json:"retry_count" gorm:"not null;default:0"`
	NextRetryAt        *time.Time                       `json:"next_retry_at,omitempty" gorm:"index"`
	ConflictDetected   bool                             `json:"conflict_detected" gorm:"not null;default:false"`
	ConflictResolution string                           `json:"conflict_resolution,omitempty" gorm:"type:varchar(20)"`
	SheetModifiedAt    time.Time                        `json:"sheet_modified_at"`
	CRMModifiedAt      time.Time                        `json:"crm_modified_at"`
	CreatedAt          time.Time                        `json:"created_at" gorm:"index"`
	UpdatedAt          time.Time                        `json:"updated_at"`
}

func (SyncLogEntry) TableName() string {
	return "sync_log_entries"
}

func (e *SyncLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func (e *SyncLogEntry) Fields() FieldChanges {
	f := e.ChangedFields.Data()
	if f == nil {
		return FieldChanges{}
	}
	return f
}

func (e *SyncLogEntry) SetFields(f FieldChanges) {
	e.ChangedFields = datatypes.NewJSONType(f)
}

// Unresolved lists the fields that still wait for a conflict decision.
func (e *SyncLogEntry) Unresolved() []string {
	var out []string
	for name, fc := range e.Fields() {
		if fc.Resolution == "" {
			out = append(out, name)
		}
	}
	return out
}

// Terminal reports whether the entry can no longer change.
func (e *SyncLogEntry) Terminal(maxRetries int) bool {
	switch e.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return e.ErrorKind == ErrorKindPermanent || e.RetryCount >= maxRetries
	}
	return false
}
