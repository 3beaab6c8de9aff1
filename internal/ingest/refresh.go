package ingest

import (
	"context"
	"fmt"
	"time"

	"crm-sheet-sync/internal/crm"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/rowstate"
	"crm-sheet-sync/internal/sheets"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Refresher rebuilds deltas for a row by reading both sides and diffing
// them against the recorded snapshots. It covers edits whose webhooks were
// lost.
type Refresher struct {
	registry *mapping.Registry
	rows     *rowstate.Store
	crm      crm.Client
	sheets   sheets.Client
	log      *logrus.Logger
	now      func() time.Time
}

func NewRefresher(registry *mapping.Registry, rows *rowstate.Store, crmClient crm.Client, sheetClient sheets.Client, log *logrus.Logger) *Refresher {
	return &Refresher{registry: registry, rows: rows, crm: crmClient, sheets: sheetClient, log: log, now: time.Now}
}

// Snapshot is what a refresh saw. Observed holds every value that differs
// from the recorded snapshots, per side; the engine records all of them
// before processing Deltas so the detector sees both sides at once. A field
// changed on both sides is propagated from the sheet delta only.
type Snapshot struct {
	EntityID string
	Observed map[models.Side]map[string]any
	At       map[models.Side]time.Time
	Deltas   []models.FieldDelta
}

func (r *Refresher) Refresh(ctx context.Context, configID uuid.UUID, row int) (*Snapshot, error) {
	table, err := r.registry.Load(ctx, configID)
	if err != nil {
		return nil, err
	}
	state, err := r.rows.GetOrNew(ctx, configID, row)
	if err != nil {
		return nil, err
	}
	cfg := &table.Config
	now := r.now()
	stamp := fmt.Sprintf("refresh:%s:%d:%d", configID, row, now.UnixNano())

	cells, err := r.sheets.ReadRow(ctx, cfg, row)
	if err != nil {
		return nil, err
	}
	entityID := state.EntityID
	if v, ok := cells[cfg.EntityIDColumn]; ok {
		if s, err := mapping.Normalize(models.DataTypeString, v); err == nil && s != nil {
			entityID = s.(string)
		}
	}

	sheetChanges := map[string]models.Change{}
	for _, m := range table.Mappings() {
		if !m.Editable {
			continue
		}
		v, err := mapping.Normalize(m.DataType, cells[m.ColumnIndex])
		if err != nil {
			r.log.WithFields(logrus.Fields{"config_id": configID, "row": row, "field": m.CRMField}).
				Warnf("[REFRESH] ⚠️ sheet value rejected: %v", err)
			continue
		}
		if old, seen := state.LastSheetValues[m.CRMField]; !seen || !mapping.Equal(old, v) {
			if !seen && v == nil {
				continue
			}
			sheetChanges[m.CRMField] = models.Change{Old: old, New: v}
		}
	}

	snap := &Snapshot{
		EntityID: entityID,
		Observed: map[models.Side]map[string]any{models.SideSheet: {}, models.SideCRM: {}},
		At:       map[models.Side]time.Time{models.SideSheet: now},
	}
	for f, ch := range sheetChanges {
		snap.Observed[models.SideSheet][f] = ch.New
	}
	if len(sheetChanges) > 0 {
		snap.Deltas = append(snap.Deltas, models.FieldDelta{
			EventID:    stamp + ":sheet",
			ConfigID:   configID,
			RowNumber:  row,
			EntityID:   entityID,
			Source:     models.SideSheet,
			Changes:    sheetChanges,
			ObservedAt: now,
		})
	}
	if entityID == "" {
		return snap, nil
	}

	ent, err := r.crm.GetEntity(ctx, cfg, entityID)
	if err != nil {
		return nil, err
	}
	crmChanges := map[string]models.Change{}
	for _, m := range table.Mappings() {
		raw, present := ent.Fields[m.CRMField]
		if !present {
			continue
		}
		v, err := mapping.Normalize(m.DataType, raw)
		if err != nil {
			r.log.WithFields(logrus.Fields{"config_id": configID, "row": row, "field": m.CRMField}).
				Warnf("[REFRESH] ⚠️ CRM value rejected: %v", err)
			continue
		}
		if old, seen := state.LastCRMValues[m.CRMField]; !seen || !mapping.Equal(old, v) {
			if !seen && v == nil {
				continue
			}
			crmChanges[m.CRMField] = models.Change{Old: old, New: v}
		}
	}
	observed := ent.ModifiedAt
	if observed.IsZero() {
		observed = now
	}
	snap.At[models.SideCRM] = observed
	for f, ch := range crmChanges {
		snap.Observed[models.SideCRM][f] = ch.New
		if _, both := sheetChanges[f]; both {
			delete(crmChanges, f)
		}
	}
	if len(crmChanges) > 0 {
		snap.Deltas = append(snap.Deltas, models.FieldDelta{
			EventID:    stamp + ":crm",
			ConfigID:   configID,
			RowNumber:  row,
			EntityID:   entityID,
			Source:     models.SideCRM,
			Changes:    crmChanges,
			ObservedAt: observed,
		})
	}
	return snap, nil
}
