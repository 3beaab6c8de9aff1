// Package ingest turns inbound webhook payloads into FieldDelta messages.
//
// Only structurally invalid payloads are errors. Anything plausible that
// the engine does not track (unknown sheet, disabled config, unmapped or
// read-only column, untracked entity) is dropped with an info log.
package ingest

import (
	"context"
	"errors"
	"sort"
	"time"

	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

// SheetEvent is the row-edit webhook sent by the spreadsheet.
type SheetEvent struct {
	EventID  string                   `json:"event_id,omitempty"`
	SheetID  string                   `json:"sheet_id"`
	GID      string                   `json:"gid"`
	RowID    int                      `json:"row_id"`
	Changes  map[string]models.Change `json:"changes"`
	EditedAt *time.Time               `json:"edited_at,omitempty"`
}

func (e SheetEvent) Validate() error {
	const op = "sheet.ingest"
	switch {
	case e.SheetID == "":
		return syncerr.Validation(op, "sheet_id", "required")
	case e.RowID < 1:
		return syncerr.Validation(op, "row_id", "must be a 1-based row number, got %d", e.RowID)
	case len(e.Changes) == 0:
		return syncerr.Validation(op, "changes", "empty")
	}
	for key := range e.Changes {
		if _, err := mapping.ColumnIndex(key); err != nil {
			return err
		}
	}
	return nil
}

type SheetIngestor struct {
	registry *mapping.Registry
	log      *logrus.Logger
	now      func() time.Time
}

func NewSheetIngestor(registry *mapping.Registry, log *logrus.Logger) *SheetIngestor {
	return &SheetIngestor{registry: registry, log: log, now: time.Now}
}

// Ingest returns at most one delta: the edited row of the config tracking
// the sheet tab.
func (s *SheetIngestor) Ingest(ctx context.Context, eventID string, ev SheetEvent) ([]models.FieldDelta, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	logger := s.log.WithFields(logrus.Fields{"event_id": eventID, "sheet_id": ev.SheetID, "gid": ev.GID, "row": ev.RowID})

	table, err := s.registry.FindBySheet(ctx, ev.SheetID, ev.GID)
	if errors.Is(err, mapping.ErrConfigNotFound) {
		logger.Info("[INGEST] ℹ️ no sync config for sheet, dropping event")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !table.Config.Enabled {
		logger.Info("[INGEST] ℹ️ sync config disabled, dropping event")
		return nil, nil
	}

	keys := make([]string, 0, len(ev.Changes))
	for k := range ev.Changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changes := map[string]models.Change{}
	var entityID string
	for _, key := range keys {
		col, _ := mapping.ColumnIndex(key)
		ch := ev.Changes[key]
		m, ok := table.ByColumn(col)
		if !ok {
			logger.WithField("column", mapping.ColumnLetter(col)).Debug("[INGEST] unmapped column dropped")
			continue
		}
		if col == table.Config.EntityIDColumn {
			if v, err := mapping.Normalize(models.DataTypeString, ch.New); err == nil && v != nil {
				entityID = v.(string)
			}
		}
		if !m.Editable {
			logger.WithField("field", m.CRMField).Info("[INGEST] ℹ️ non-editable column dropped")
			continue
		}
		norm, err := normalizeChange(m.DataType, ch)
		if err != nil {
			logger.WithField("field", m.CRMField).Warnf("[INGEST] ⚠️ value rejected: %v", err)
			continue
		}
		changes[m.CRMField] = norm
	}
	if len(changes) == 0 {
		logger.Info("[INGEST] ℹ️ nothing tracked changed, dropping event")
		return nil, nil
	}

	observed := s.now()
	if ev.EditedAt != nil && !ev.EditedAt.IsZero() {
		observed = *ev.EditedAt
	}
	return []models.FieldDelta{{
		EventID:    eventID,
		ConfigID:   table.Config.ID,
		RowNumber:  ev.RowID,
		EntityID:   entityID,
		Source:     models.SideSheet,
		Changes:    changes,
		ObservedAt: observed,
	}}, nil
}

func normalizeChange(dt models.DataType, ch models.Change) (models.Change, error) {
	newV, err := mapping.Normalize(dt, ch.New)
	if err != nil {
		return models.Change{}, err
	}
	// a garbled old value is only informational
	oldV, err := mapping.Normalize(dt, ch.Old)
	if err != nil {
		oldV = ch.Old
	}
	return models.Change{Old: oldV, New: newV}, nil
}
