package resolve

import (
	"context"

	"crm-sheet-sync/internal/events"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

// Retry re-attempts a failed entry. Fields that went into conflict or were
// changed again on the source since the failure are dropped; a newer entry
// owns them now.
func (x *Executor) Retry(ctx context.Context, e *models.SyncLogEntry, table *mapping.Table) error {
	cfg := &table.Config
	if e.Status != models.StatusFailed || e.ErrorKind == models.ErrorKindPermanent {
		return syncerr.Validation("retry", "status", "entry %s is not retryable", e.ID)
	}
	if e.RetryCount >= cfg.RetryLimit() {
		return syncerr.Validation("retry", "retry_count", "entry %s used all %d retries", e.ID, cfg.RetryLimit())
	}

	if err := x.Log.Transition(ctx, e, models.StatusRetrying, func(n *models.SyncLogEntry) {
		n.RetryCount++
		n.NextRetryAt = nil
	}); err != nil {
		return err
	}

	state, err := x.Rows.GetOrNew(ctx, cfg.ID, e.RowNumber)
	if err != nil {
		return err
	}
	source := e.Direction.Destination().Other()
	keep := models.FieldChanges{}
	for f, fc := range e.Fields() {
		if state.HasConflict(f) {
			continue
		}
		if v, ok := state.Snapshot(source)[f]; ok && !mapping.Equal(v, fc.New) {
			continue
		}
		keep[f] = fc
	}

	logger := x.Logger.WithFields(logrus.Fields{
		"config_id":   cfg.ID,
		"row":         e.RowNumber,
		"entry_id":    e.ID,
		"retry_count": e.RetryCount,
	})
	if len(keep) == 0 {
		logger.Info("[RETRY] ⏭️ every field was superseded, nothing to write")
		if err := x.Log.Transition(ctx, e, models.StatusSyncing, nil); err != nil {
			return err
		}
		if err := x.Log.Transition(ctx, e, models.StatusCompleted, func(n *models.SyncLogEntry) {
			n.ErrorMessage = "superseded by a newer change"
			n.ErrorKind = models.ErrorKindNone
		}); err != nil {
			return err
		}
		x.publish(ctx, events.Completed, cfg, e, nil)
		return nil
	}
	if len(keep) < len(e.Fields()) {
		if err := x.Log.Amend(ctx, e, func(n *models.SyncLogEntry) { n.SetFields(keep) }); err != nil {
			return err
		}
	}
	logger.Infof("[RETRY] 🔁 retrying %d field(s)", len(keep))
	return x.Propagate(ctx, e, table)
}
