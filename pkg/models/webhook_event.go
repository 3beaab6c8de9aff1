package models

import (
	"time"

	"gorm.io/datatypes"
)

type EventSource string

const (
	EventSourceSheet EventSource = "sheet"
	EventSourceCRM   EventSource = "crm"
)

// WebhookEvent keeps the raw inbound payload so ingestion is idempotent
// and can be replayed after a crash.
type WebhookEvent struct {
	ID          string         `json:"id" gorm:"type:varchar(128);primaryKey"`
	Source      EventSource    `json:"source" gorm:"type:varchar(10);not null"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Processed   bool           `json:"processed" gorm:"not null;default:false;index"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
