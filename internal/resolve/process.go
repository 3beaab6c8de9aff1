package resolve

import (
	"context"

	"crm-sheet-sync/internal/alert"
	"crm-sheet-sync/internal/events"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

// Process accepts a delta and propagates what it produced. Propagation
// failures are recorded on their entries for the retry scheduler and are
// not returned; the error covers accepting the delta only.
func (x *Executor) Process(ctx context.Context, delta models.FieldDelta, table *mapping.Table) (*Accepted, error) {
	acc, err := x.Accept(ctx, delta, table)
	if err != nil {
		return nil, err
	}
	cfg := &table.Config
	logger := x.Logger.WithFields(logrus.Fields{
		"config_id": cfg.ID,
		"row":       delta.RowNumber,
		"event_id":  delta.EventID,
		"source":    delta.Source,
	})
	if acc.Duplicate {
		logger.Debug("[SYNC] delta already consumed")
		return acc, nil
	}

	if acc.Conflict != nil {
		fields := acc.Plan.HardFields()
		logger.Warnf("[SYNC] ⚠️ conflict on %v, waiting for a decision", fields)
		x.publish(ctx, events.Conflict, cfg, acc.Conflict, fields)
		x.notify(cfg, delta.RowNumber, acc.State.EntityID, alert.ReasonConflict, fields, conflictDetail(acc))
	}
	if acc.Closed != nil {
		logger.Info("[SYNC] ✅ conflict healed, both sides agree")
		x.publish(ctx, events.Resolved, cfg, acc.Closed, fieldNames(acc.Closed.Fields()))
	}
	if len(acc.Pending) == 0 {
		x.setStatus(cfg, delta.RowNumber, rowStatus(acc.State, false))
		return acc, nil
	}
	for _, e := range acc.Pending {
		// the failure is on the entry now
		_ = x.Propagate(ctx, e, table)
	}
	return acc, nil
}

func conflictDetail(acc *Accepted) string {
	detail := ""
	for i, fc := range acc.Plan.Hard {
		if i > 0 {
			detail += "; "
		}
		detail += fc.Field + ": " + string(fc.Type)
	}
	return detail
}
