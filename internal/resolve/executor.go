// Package resolve applies sync decisions: it writes winning values to the
// losing side and only then records the new agreed state.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crm-sheet-sync/internal/alert"
	"crm-sheet-sync/internal/crm"
	"crm-sheet-sync/internal/events"
	"crm-sheet-sync/internal/ingest"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/rowstate"
	"crm-sheet-sync/internal/sheets"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/internal/synclog"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// StatusSink receives the human-visible status of a row.
type StatusSink interface {
	Set(cfg *models.SyncConfig, row int, status string)
}

type Deps struct {
	DB     *gorm.DB
	Rows   *rowstate.Store
	Log    *synclog.Log
	Events *ingest.Events
	CRM    crm.Client
	Sheets sheets.Client
	Status StatusSink
	Feed   events.Publisher
	Alerts alert.Notifier
	// Delay returns the wait before retry number attempt+1.
	Delay  func(attempt int) time.Duration
	Logger *logrus.Logger
}

type Executor struct {
	Deps
	now      func() time.Time
	alerting sync.WaitGroup
}

func New(d Deps) *Executor {
	if d.Feed == nil {
		d.Feed = events.Noop{}
	}
	if d.Alerts == nil {
		d.Alerts = alert.Noop{}
	}
	if d.Delay == nil {
		d.Delay = func(int) time.Duration { return time.Minute }
	}
	return &Executor{Deps: d, now: time.Now}
}

// Close waits for alerts still being delivered.
func (x *Executor) Close() {
	x.alerting.Wait()
}

const maxStateAttempts = 3

// commitState replaces the stored row with mutate applied to a fresh copy,
// reloading when someone else replaced it first.
func (x *Executor) commitState(ctx context.Context, configID uuid.UUID, row int, mutate func(next *models.RowState)) (*models.RowState, error) {
	var lastErr error
	for attempt := 0; attempt < maxStateAttempts; attempt++ {
		prev, err := x.Rows.GetOrNew(ctx, configID, row)
		if err != nil {
			return nil, err
		}
		next := prev.Clone()
		mutate(next)
		err = x.Rows.Replace(ctx, prev, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, rowstate.ErrStale) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("commit row state %s#%d: %w", configID, row, lastErr)
}

// write sends values to one side. Readonly fields never reach the CRM.
func (x *Executor) write(ctx context.Context, table *mapping.Table, row int, entityID string, target models.Side, values map[string]any) error {
	cfg := &table.Config
	if target == models.SideSheet {
		cells := make(map[int]any, len(values))
		for f, v := range values {
			if m, ok := table.ByField(f); ok {
				cells[m.ColumnIndex] = v
			}
		}
		if len(cells) == 0 {
			return nil
		}
		return x.Sheets.WriteCells(ctx, cfg, row, cells)
	}

	fields := make(map[string]any, len(values))
	for f, v := range values {
		if table.WritableToCRM(f) {
			fields[f] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if entityID == "" {
		var err error
		if entityID, err = x.lookupEntity(ctx, table, row); err != nil {
			return err
		}
	}
	return x.CRM.UpdateEntity(ctx, cfg, entityID, fields)
}

// lookupEntity reads the CRM id from the row's entity id column.
func (x *Executor) lookupEntity(ctx context.Context, table *mapping.Table, row int) (string, error) {
	cells, err := x.Sheets.ReadRow(ctx, &table.Config, row)
	if err != nil {
		return "", err
	}
	v, err := mapping.Normalize(models.DataTypeString, cells[table.Config.EntityIDColumn])
	if err != nil || v == nil {
		return "", syncerr.Permanent("crm.update", fmt.Errorf("row %d is not linked to a CRM entity", row))
	}
	id := v.(string)
	if _, err := x.commitState(ctx, table.Config.ID, row, func(next *models.RowState) {
		next.EntityID = id
	}); err != nil {
		return "", err
	}
	return id, nil
}

func rowStatus(state *models.RowState, terminal bool) string {
	switch {
	case state != nil && len(state.ConflictFields) > 0, terminal:
		return sheets.StatusNeedsAttention
	case state != nil && state.SyncStatus == models.RowSynced:
		return sheets.StatusSynced
	}
	return sheets.StatusPending
}

func (x *Executor) setStatus(cfg *models.SyncConfig, row int, status string) {
	if x.Status != nil {
		x.Status.Set(cfg, row, status)
	}
}

func (x *Executor) publish(ctx context.Context, typ events.Type, cfg *models.SyncConfig, e *models.SyncLogEntry, fields []string) {
	ev := events.SyncEvent{
		Type:      typ,
		ConfigID:  cfg.ID.String(),
		RowNumber: e.RowNumber,
		EntityID:  e.EntityID,
		EntryID:   e.ID.String(),
		Direction: string(e.Direction),
		Fields:    fields,
		Strategy:  e.ConflictResolution,
		Error:     e.ErrorMessage,
		At:        x.now(),
	}
	if err := x.Feed.Publish(ctx, ev); err != nil {
		x.Logger.WithField("entry_id", e.ID).Warnf("[EVENTS] ⚠️ publish failed: %v", err)
	}
}

// notify delivers an alert in the background; e-mail retries must not hold
// the row.
func (x *Executor) notify(cfg *models.SyncConfig, row int, entityID string, reason alert.Reason, fields []string, detail string) {
	a := alert.Alert{
		ConfigID:   cfg.ID.String(),
		ConfigName: cfg.Name,
		RowNumber:  row,
		EntityID:   entityID,
		Reason:     reason,
		Fields:     fields,
		Detail:     detail,
	}
	x.alerting.Add(1)
	go func() {
		defer x.alerting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := x.Alerts.Notify(ctx, a); err != nil {
			x.Logger.WithFields(logrus.Fields{"config_id": a.ConfigID, "row": row}).
				Warnf("[ALERT] ⚠️ could not deliver alert: %v", err)
		}
	}()
}

func fieldNames(fc models.FieldChanges) []string {
	out := make([]string, 0, len(fc))
	for f := range fc {
		out = append(out, f)
	}
	sortStrings(out)
	return out
}
