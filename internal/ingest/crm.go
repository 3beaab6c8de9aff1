package ingest

import (
	"context"
	"errors"
	"time"

	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/rowstate"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

// CRMEvent is the field-update notification sent by the CRM.
type CRMEvent struct {
	EventID    string                   `json:"event_id,omitempty"`
	EntityType string                   `json:"entity_type"`
	EntityID   string                   `json:"entity_id"`
	Changes    map[string]models.Change `json:"changes"`
	ModifiedAt *time.Time               `json:"modified_at,omitempty"`
}

func (e CRMEvent) Validate() error {
	const op = "crm.ingest"
	switch {
	case e.EntityType == "":
		return syncerr.Validation(op, "entity_type", "required")
	case e.EntityID == "":
		return syncerr.Validation(op, "entity_id", "required")
	case len(e.Changes) == 0:
		return syncerr.Validation(op, "changes", "empty")
	}
	return nil
}

type CRMIngestor struct {
	registry *mapping.Registry
	rows     *rowstate.Store
	log      *logrus.Logger
	now      func() time.Time
}

func NewCRMIngestor(registry *mapping.Registry, rows *rowstate.Store, log *logrus.Logger) *CRMIngestor {
	return &CRMIngestor{registry: registry, rows: rows, log: log, now: time.Now}
}

// FanOutID is the id of the delta an event produces for one config.
func FanOutID(eventID, configID string) string {
	return eventID + "@" + configID
}

// Ingest returns one delta per enabled config that tracks the entity.
func (c *CRMIngestor) Ingest(ctx context.Context, eventID string, ev CRMEvent) ([]models.FieldDelta, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	logger := c.log.WithFields(logrus.Fields{"event_id": eventID, "entity_type": ev.EntityType, "entity_id": ev.EntityID})

	tables, err := c.registry.FindByEntityType(ctx, ev.EntityType)
	if err != nil {
		return nil, err
	}
	observed := c.now()
	if ev.ModifiedAt != nil && !ev.ModifiedAt.IsZero() {
		observed = *ev.ModifiedAt
	}

	var deltas []models.FieldDelta
	for _, table := range tables {
		cfgLog := logger.WithField("config_id", table.Config.ID)
		if !table.Config.Enabled {
			cfgLog.Info("[INGEST] ℹ️ sync config disabled, skipping")
			continue
		}
		state, err := c.rows.ByEntity(ctx, table.Config.ID, ev.EntityID)
		if errors.Is(err, rowstate.ErrNotFound) {
			cfgLog.Info("[INGEST] ℹ️ entity has no tracked row, skipping")
			continue
		}
		if err != nil {
			return nil, err
		}

		changes := map[string]models.Change{}
		for field, ch := range ev.Changes {
			m, ok := table.ByField(field)
			if !ok {
				continue
			}
			norm, err := normalizeChange(m.DataType, ch)
			if err != nil {
				cfgLog.WithField("field", field).Warnf("[INGEST] ⚠️ value rejected: %v", err)
				continue
			}
			changes[field] = norm
		}
		if len(changes) == 0 {
			cfgLog.Debug("[INGEST] no mapped field changed")
			continue
		}
		deltas = append(deltas, models.FieldDelta{
			EventID:    FanOutID(eventID, table.Config.ID.String()),
			ConfigID:   table.Config.ID,
			RowNumber:  state.RowNumber,
			EntityID:   ev.EntityID,
			Source:     models.SideCRM,
			Changes:    changes,
			ObservedAt: observed,
		})
	}
	if len(deltas) == 0 {
		logger.Info("[INGEST] ℹ️ no config tracks this change, dropping event")
	}
	return deltas, nil
}
