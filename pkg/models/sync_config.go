// pkg/models/sync_config.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeDate    DataType = "date"
	DataTypeBoolean DataType = "boolean"
)

func (d DataType) Valid() bool {
	switch d {
	case DataTypeString, DataTypeNumber, DataTypeDate, DataTypeBoolean:
		return true
	}
	return false
}

const (
	DefaultMaxRetries   = 10
	DefaultCRMRateLimit = 2.0
	DefaultCRMBurst     = 2
	NoStatusColumn      = -1
)

// SyncConfig pairs one sheet tab with one CRM entity type.
// Owned by the setup/admin subsystem; the engine only reads it,
// except for the enabled flag which can be toggled mid-flight.
type SyncConfig struct {
	ID               uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name             string    `json:"name" gorm:"type:varchar(255);not null"`
	SheetID          string    `json:"sheet_id" gorm:"type:varchar(255);not null;index:idx_sync_configs_sheet"`
	GID              string    `json:"gid" gorm:"type:varchar(64);not null;index:idx_sync_configs_sheet"`
	SheetTitle       string    `json:"sheet_title" gorm:"type:varchar(255)"` // tab name used for A1 ranges
	EntityType       string    `json:"entity_type" gorm:"type:varchar(50);not null;index"`
	Enabled          bool      `json:"enabled" gorm:"not null"`
	StatusColumn     int       `json:"status_column" gorm:"not null"`
	EntityIDColumn   int       `json:"entity_id_column" gorm:"not null"`
	MaxRetries       int       `json:"max_retries" gorm:"not null"`
	AutoResolveNewer bool      `json:"auto_resolve_newer" gorm:"not null"`
	CRMWebhookURL    string    `json:"-" gorm:"type:varchar(500)"`
	CRMRateLimit     float64   `json:"crm_rate_limit" gorm:"not null"`
	CRMBurst         int       `json:"crm_burst" gorm:"not null"`

	Mappings []FieldMapping `json:"mappings,omitempty" gorm:"foreignKey:ConfigID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SyncConfig) TableName() string {
	return "sync_configs"
}

func (c *SyncConfig) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// RetryLimit returns max_retries, falling back to the default for unset configs.
func (c *SyncConfig) RetryLimit() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// FieldMapping maps one sheet column to one CRM field.
type FieldMapping struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	ConfigID    uuid.UUID `json:"config_id" gorm:"type:uuid;not null;uniqueIndex:idx_field_mappings_column"`
	ColumnIndex int       `json:"column_index" gorm:"not null;uniqueIndex:idx_field_mappings_column"`
	CRMField    string    `json:"crm_field" gorm:"type:varchar(100);not null"`
	DataType    DataType  `json:"data_type" gorm:"type:varchar(20);not null"`
	Editable    bool      `json:"editable" gorm:"not null"`
	Readonly    bool      `json:"readonly" gorm:"not null"`
}

func (FieldMapping) TableName() string {
	return "field_mappings"
}
