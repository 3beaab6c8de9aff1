package resolve

import (
	"context"
	"errors"

	"crm-sheet-sync/internal/alert"
	"crm-sheet-sync/internal/events"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/rowstate"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

// Propagate writes a pending or retrying entry to its destination. The row
// state changes only after the destination acknowledged the write; on
// failure the entry is failed with a retry time when the error is
// transient and retries remain.
func (x *Executor) Propagate(ctx context.Context, e *models.SyncLogEntry, table *mapping.Table) error {
	cfg := &table.Config
	logger := x.Logger.WithFields(logrus.Fields{
		"config_id": cfg.ID,
		"row":       e.RowNumber,
		"entry_id":  e.ID,
		"direction": e.Direction,
	})

	if err := x.Log.Transition(ctx, e, models.StatusSyncing, nil); err != nil {
		return err
	}

	entityID := e.EntityID
	if st, err := x.Rows.Get(ctx, cfg.ID, e.RowNumber); err == nil && st.EntityID != "" {
		entityID = st.EntityID
	} else if err != nil && !errors.Is(err, rowstate.ErrNotFound) {
		return x.fail(ctx, e, table, err)
	}

	target := e.Direction.Destination()
	values := map[string]any{}
	for f, fc := range e.Fields() {
		values[f] = fc.New
	}
	if err := x.write(ctx, table, e.RowNumber, entityID, target, values); err != nil {
		return x.fail(ctx, e, table, err)
	}

	source := target.Other()
	sourceAt := e.CRMModifiedAt
	if source == models.SideSheet {
		sourceAt = e.SheetModifiedAt
	}
	state, err := x.commitState(ctx, cfg.ID, e.RowNumber, func(next *models.RowState) {
		for f, v := range values {
			next.MarkSynced(f, v)
		}
		next.Touch(target, x.now())
		// an open conflict keeps the baseline where both sides last agreed
		if len(next.ConflictFields) == 0 {
			next.AdvanceSync(sourceAt)
			next.SyncStatus = models.RowSynced
		}
	})
	if err != nil {
		// the write landed but we could not record it; a retry rewrites the
		// same values
		return x.fail(ctx, e, table, err)
	}

	if err := x.Log.Transition(ctx, e, models.StatusCompleted, func(n *models.SyncLogEntry) {
		n.ErrorMessage = ""
		n.ErrorKind = models.ErrorKindNone
		n.NextRetryAt = nil
		n.EntityID = entityID
	}); err != nil {
		return err
	}
	logger.Infof("[SYNC] ✅ %d field(s) written to %s", len(values), target)
	x.setStatus(cfg, e.RowNumber, rowStatus(state, false))
	x.publish(ctx, events.Completed, cfg, e, fieldNames(e.Fields()))
	return nil
}

// fail records a failed write. The returned error is err, classified.
func (x *Executor) fail(ctx context.Context, e *models.SyncLogEntry, table *mapping.Table, err error) error {
	cfg := &table.Config
	kind := errorKind(err)
	retryable := kind == models.ErrorKindTransient && e.RetryCount < cfg.RetryLimit()

	terr := x.Log.Transition(ctx, e, models.StatusFailed, func(n *models.SyncLogEntry) {
		n.ErrorMessage = err.Error()
		n.ErrorKind = kind
		n.NextRetryAt = nil
		if retryable {
			at := x.now().Add(x.Delay(e.RetryCount))
			n.NextRetryAt = &at
		}
	})
	if terr != nil {
		return errors.Join(err, terr)
	}

	state, serr := x.commitState(ctx, cfg.ID, e.RowNumber, func(next *models.RowState) {
		if len(next.ConflictFields) == 0 {
			next.SyncStatus = models.RowError
		}
	})
	if serr != nil {
		x.Logger.WithField("entry_id", e.ID).Warnf("[SYNC] ⚠️ could not flag row as errored: %v", serr)
	}

	logger := x.Logger.WithFields(logrus.Fields{
		"config_id":   cfg.ID,
		"row":         e.RowNumber,
		"entry_id":    e.ID,
		"kind":        kind,
		"retry_count": e.RetryCount,
	})
	if retryable {
		logger.Warnf("[SYNC] ⚠️ write failed, retry scheduled at %s: %v", e.NextRetryAt.Format("15:04:05"), err)
	} else {
		logger.Errorf("[SYNC] ❌ write failed for good: %v", err)
		x.notify(cfg, e.RowNumber, e.EntityID, alert.ReasonFailed, fieldNames(e.Fields()), err.Error())
	}
	x.setStatus(cfg, e.RowNumber, rowStatus(state, !retryable))
	x.publish(ctx, events.Failed, cfg, e, fieldNames(e.Fields()))
	return err
}

func errorKind(err error) models.ErrorKind {
	if syncerr.IsTransient(err) {
		return models.ErrorKindTransient
	}
	return models.ErrorKindPermanent
}
