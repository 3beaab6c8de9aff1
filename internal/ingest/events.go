package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crm-sheet-sync/pkg/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateEvent is returned when an event id was already recorded.
var ErrDuplicateEvent = errors.New("duplicate webhook event")

// Events makes ingestion idempotent: every inbound event is recorded once
// and every delta is consumed once.
type Events struct {
	db  *gorm.DB
	now func() time.Time
}

func NewEvents(db *gorm.DB) *Events {
	return &Events{db: db, now: time.Now}
}

// EventID picks the idempotency key of an inbound webhook: the id in the
// body, then the X-Event-ID header, then a hash of the raw body.
func EventID(bodyID, header string, body []byte) string {
	if id := strings.TrimSpace(bodyID); id != "" {
		return id
	}
	if id := strings.TrimSpace(header); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Record stores an inbound event. A second delivery of the same id returns
// ErrDuplicateEvent and changes nothing.
func (e *Events) Record(ctx context.Context, source models.EventSource, id string, payload []byte) error {
	ev := models.WebhookEvent{
		ID:         id,
		Source:     source,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: e.now(),
	}
	res := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
	if res.Error != nil {
		return fmt.Errorf("record webhook event %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// Claim consumes a delta inside tx. It reports false when the id was
// already consumed. Ids that were never recorded (fan-out and refresh
// deltas) are inserted as processed.
func (e *Events) Claim(tx *gorm.DB, delta models.FieldDelta) (bool, error) {
	now := e.now()
	res := tx.Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ?", delta.EventID, false).
		Updates(map[string]any{"processed": true, "processed_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("claim event %s: %w", delta.EventID, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	source := models.EventSourceSheet
	if delta.Source == models.SideCRM {
		source = models.EventSourceCRM
	}
	payload, err := json.Marshal(delta)
	if err != nil {
		return false, fmt.Errorf("encode delta %s: %w", delta.EventID, err)
	}
	ev := models.WebhookEvent{
		ID:          delta.EventID,
		Source:      source,
		Payload:     datatypes.JSON(payload),
		Processed:   true,
		ProcessedAt: &now,
		ReceivedAt:  now,
	}
	res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
	if res.Error != nil {
		return false, fmt.Errorf("claim event %s: %w", delta.EventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkProcessed closes an inbound event once all of its deltas are done.
func (e *Events) MarkProcessed(ctx context.Context, id string) error {
	now := e.now()
	err := e.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]any{"processed": true, "processed_at": now}).Error
	if err != nil {
		return fmt.Errorf("mark event %s processed: %w", id, err)
	}
	return nil
}

// Unprocessed returns events received but not consumed, oldest first.
func (e *Events) Unprocessed(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	q := e.db.WithContext(ctx).Where("processed = ?", false).Order("received_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.WebhookEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load unprocessed events: %w", err)
	}
	return out, nil
}
