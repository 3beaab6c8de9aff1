package resolve

import (
	"context"
	"errors"
	"time"

	"crm-sheet-sync/internal/conflict"
	"crm-sheet-sync/internal/events"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/rowstate"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/internal/synclog"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

// AllFields resolves every open conflict field of a row.
const AllFields = "*"

// Resolve applies strategy to one conflicting field of a row, or to all of
// them with AllFields. Every decision is computed before anything is
// written. When a write fails the conflict stays open and the row state is
// untouched.
func (x *Executor) Resolve(ctx context.Context, table *mapping.Table, row int, field string, strategy conflict.Strategy) (*models.SyncLogEntry, error) {
	const op = "resolve"
	cfg := &table.Config
	if strategy == conflict.Manual || !strategy.Valid() {
		return nil, syncerr.Validation(op, "strategy", "%q is not an applicable strategy", strategy)
	}

	state, err := x.Rows.Get(ctx, cfg.ID, row)
	if errors.Is(err, rowstate.ErrNotFound) {
		return nil, syncerr.NotFound(op, "row %d of %s is not tracked", row, cfg.Name)
	}
	if err != nil {
		return nil, err
	}
	if len(state.ConflictFields) == 0 {
		return nil, syncerr.Validation(op, "row", "row %d has no open conflict", row)
	}
	fields := []string(state.ConflictFields)
	if field != AllFields {
		if !state.HasConflict(field) {
			return nil, syncerr.Validation(op, field, "field has no open conflict")
		}
		fields = []string{field}
	}

	rc := conflict.DetectFromState(state, table)
	decisions := make([]conflict.Decision, 0, len(fields))
	for _, f := range fields {
		fc, _ := rc.Field(f)
		d, err := conflict.Winner(fc, strategy, state.CRMModifiedAt, state.SheetModifiedAt)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}

	e, err := x.Log.OpenConflict(ctx, cfg.ID, row)
	if errors.Is(err, synclog.ErrNotFound) {
		e, err = x.openConflict(ctx, state, rc, fields)
	}
	if err != nil {
		return nil, err
	}
	if err := x.Log.Transition(ctx, e, models.StatusSyncing, func(n *models.SyncLogEntry) {
		n.ConflictDetected = true
		n.ConflictResolution = string(strategy)
		n.ErrorMessage = ""
		n.ErrorKind = models.ErrorKindNone
	}); err != nil {
		return nil, err
	}

	logger := x.Logger.WithFields(logrus.Fields{
		"config_id": cfg.ID,
		"row":       row,
		"entry_id":  e.ID,
		"strategy":  strategy,
	})

	writes := map[models.Side]map[string]any{}
	for _, d := range decisions {
		if !d.Write {
			continue
		}
		t := d.Target()
		if writes[t] == nil {
			writes[t] = map[string]any{}
		}
		writes[t][d.Field] = d.Value
	}
	for _, target := range []models.Side{models.SideSheet, models.SideCRM} {
		if len(writes[target]) == 0 {
			continue
		}
		if err := x.write(ctx, table, row, state.EntityID, target, writes[target]); err != nil {
			logger.Warnf("[RESOLVE] ⚠️ write to %s failed, conflict stays open: %v", target, err)
			if terr := x.Log.Transition(ctx, e, models.StatusConflict, func(n *models.SyncLogEntry) {
				n.ErrorMessage = err.Error()
				n.ErrorKind = errorKind(err)
			}); terr != nil {
				return nil, errors.Join(err, terr)
			}
			return e, err
		}
	}

	synced := latest(state.CRMModifiedAt, state.SheetModifiedAt)
	now := x.now()
	next, err := x.commitState(ctx, cfg.ID, row, func(next *models.RowState) {
		wrote := false
		for target, values := range writes {
			for f, v := range values {
				next.MarkSynced(f, v)
				wrote = true
			}
			next.Touch(target, now)
		}
		next.ClearConflicts(fields...)
		if wrote && len(next.ConflictFields) == 0 {
			next.AdvanceSync(synced)
		}
	})
	if err != nil {
		return nil, err
	}

	to := models.StatusCompleted
	if len(next.ConflictFields) > 0 {
		to = models.StatusConflict
	}
	if err := x.Log.Transition(ctx, e, to, func(n *models.SyncLogEntry) {
		changes := models.FieldChanges{}
		for k, v := range e.Fields() {
			changes[k] = v
		}
		for _, d := range decisions {
			fc, ok := changes[d.Field]
			if !ok {
				fc = models.FieldChange{Old: state.SyncedValues[d.Field]}
			}
			if d.Write {
				fc.New = d.Value
			}
			fc.Resolution = string(strategy)
			changes[d.Field] = fc
		}
		n.SetFields(changes)
		n.EntityID = next.EntityID
		n.CRMModifiedAt = next.CRMModifiedAt
		n.SheetModifiedAt = next.SheetModifiedAt
	}); err != nil {
		return nil, err
	}

	logger.Infof("[RESOLVE] ✅ %d field(s) resolved, %d still open", len(fields), len(next.ConflictFields))
	x.setStatus(cfg, row, rowStatus(next, false))
	x.publish(ctx, events.Resolved, cfg, e, fields)
	return e, nil
}

// openConflict creates the log entry a resolution is recorded against when
// the row's conflict predates the log, e.g. after a restore.
func (x *Executor) openConflict(ctx context.Context, state *models.RowState, rc conflict.RowConflict, fields []string) (*models.SyncLogEntry, error) {
	source := rc.Source
	if source == "" {
		source = models.SideSheet
	}
	e := &models.SyncLogEntry{
		ConfigID:         state.ConfigID,
		RowNumber:        state.RowNumber,
		EntityID:         state.EntityID,
		Direction:        models.DirectionFrom(source),
		Status:           models.StatusPending,
		ConflictDetected: true,
		SheetModifiedAt:  state.SheetModifiedAt,
		CRMModifiedAt:    state.CRMModifiedAt,
	}
	changes := models.FieldChanges{}
	for _, f := range fields {
		changes[f] = models.FieldChange{Old: state.SyncedValues[f], New: state.Snapshot(source)[f]}
	}
	e.SetFields(changes)
	if err := x.Log.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, x.Log.Transition(ctx, e, models.StatusConflict, nil)
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
