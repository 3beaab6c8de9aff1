package engine

import (
	"context"
	"errors"

	"crm-sheet-sync/internal/conflict"
	"crm-sheet-sync/internal/ingest"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/resolve"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func (e *Engine) table(ctx context.Context, configID uuid.UUID) (*mapping.Table, error) {
	t, err := e.Registry.Load(ctx, configID)
	if errors.Is(err, mapping.ErrConfigNotFound) {
		return nil, syncerr.NotFound("config", "sync config %s not found", configID)
	}
	return t, err
}

// ListConflicts returns the open conflicts of a config, one per row.
func (e *Engine) ListConflicts(ctx context.Context, configID uuid.UUID) ([]conflict.RowConflict, error) {
	t, err := e.table(ctx, configID)
	if err != nil {
		return nil, err
	}
	rows, err := e.Rows.ListByStatus(ctx, configID, models.RowConflict)
	if err != nil {
		return nil, err
	}
	out := make([]conflict.RowConflict, 0, len(rows))
	for i := range rows {
		out = append(out, conflict.DetectFromState(&rows[i], t))
	}
	return out, nil
}

// ResolveConflict applies strategy to field (or resolve.AllFields) of a row
// in conflict. It waits for the row like any delta does.
func (e *Engine) ResolveConflict(ctx context.Context, configID uuid.UUID, row int, field string, strategy conflict.Strategy) (*models.SyncLogEntry, error) {
	t, err := e.table(ctx, configID)
	if err != nil {
		return nil, err
	}
	release, err := e.Locks.Acquire(ctx, rowKey(models.RowKey{ConfigID: configID, RowNumber: row}))
	if err != nil {
		return nil, err
	}
	defer release()
	return e.Exec.Resolve(ctx, t, row, field, strategy)
}

func (e *Engine) GetSyncHistory(ctx context.Context, configID uuid.UUID, limit int) ([]models.SyncLogEntry, error) {
	if _, err := e.table(ctx, configID); err != nil {
		return nil, err
	}
	return e.Log.History(ctx, configID, limit)
}

// RetryFailed retries every retryable failed entry of a config right away.
func (e *Engine) RetryFailed(ctx context.Context, configID uuid.UUID) (int, error) {
	if _, err := e.table(ctx, configID); err != nil {
		return 0, err
	}
	return e.Retry.RetryFailed(ctx, configID)
}

// RefreshRow reads the row from both sides and syncs whatever changed
// since the last observation. Both sides are recorded before any delta is
// processed so a field changed on both sides is seen as a conflict.
func (e *Engine) RefreshRow(ctx context.Context, configID uuid.UUID, row int) ([]*resolve.Accepted, error) {
	t, err := e.table(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !t.Config.Enabled {
		return nil, ErrConfigDisabled
	}
	release, err := e.Locks.Acquire(ctx, rowKey(models.RowKey{ConfigID: configID, RowNumber: row}))
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := e.Refresher.Refresh(ctx, configID, row)
	if err != nil {
		return nil, err
	}
	if err := e.observe(ctx, configID, row, snap); err != nil {
		return nil, err
	}

	logger := e.Logger.WithFields(logrus.Fields{"config_id": configID, "row": row})
	var out []*resolve.Accepted
	for _, d := range snap.Deltas {
		acc, err := e.Exec.Process(ctx, d, t)
		if err != nil {
			return out, err
		}
		out = append(out, acc)
	}
	logger.Infof("[REFRESH] 🔄 row refreshed, %d delta(s)", len(snap.Deltas))
	return out, nil
}

func (e *Engine) observe(ctx context.Context, configID uuid.UUID, row int, snap *ingest.Snapshot) error {
	prev, err := e.Rows.GetOrNew(ctx, configID, row)
	if err != nil {
		return err
	}
	next := prev.Clone()
	changed := false
	if next.EntityID == "" && snap.EntityID != "" {
		next.EntityID = snap.EntityID
		changed = true
	}
	for side, values := range snap.Observed {
		for f, v := range values {
			next.Observe(side, f, v, snap.At[side])
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return e.Rows.Replace(ctx, prev, next)
}

// DisableConfig stops admission for a config at once. Rows already being
// processed finish; queued deltas of the config are dropped.
func (e *Engine) DisableConfig(ctx context.Context, configID uuid.UUID) error {
	if err := e.Registry.SetEnabled(ctx, configID, false); err != nil {
		if errors.Is(err, mapping.ErrConfigNotFound) {
			return syncerr.NotFound("config", "sync config %s not found", configID)
		}
		return err
	}
	e.Logger.WithField("config_id", configID).Info("[ENGINE] ⏸️ config disabled")
	return nil
}

func (e *Engine) EnableConfig(ctx context.Context, configID uuid.UUID) error {
	if err := e.Registry.SetEnabled(ctx, configID, true); err != nil {
		if errors.Is(err, mapping.ErrConfigNotFound) {
			return syncerr.NotFound("config", "sync config %s not found", configID)
		}
		return err
	}
	e.Logger.WithField("config_id", configID).Info("[ENGINE] ▶️ config enabled")
	return nil
}

// TeardownConfig disables a config, then deletes it with its mappings, row
// states and sync history.
func (e *Engine) TeardownConfig(ctx context.Context, configID uuid.UUID) error {
	if err := e.DisableConfig(ctx, configID); err != nil {
		return err
	}
	if err := e.Registry.Teardown(ctx, configID); err != nil {
		return err
	}
	e.Logger.WithField("config_id", configID).Warn("[ENGINE] 🗑️ config torn down")
	return nil
}
