package resolve

import (
	"context"
	"errors"

	"crm-sheet-sync/internal/conflict"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/synclog"
	"crm-sheet-sync/pkg/models"

	"gorm.io/gorm"
)

// ResolutionConverged marks conflict fields that healed on their own.
const ResolutionConverged = "converged"

// Accepted is what one delta did to the row.
type Accepted struct {
	Duplicate bool
	State     *models.RowState
	Plan      Plan
	// Pending entries still have to be propagated.
	Pending []*models.SyncLogEntry
	// Conflict is the row's open conflict entry when new fields joined it.
	Conflict *models.SyncLogEntry
	// Closed is set when convergence resolved the last open conflict field.
	Closed *models.SyncLogEntry
}

// Accept consumes a delta in one transaction: it claims the event, records
// the observed values, classifies every field and creates the sync log
// entries. Nothing is written to either side here.
func (x *Executor) Accept(ctx context.Context, delta models.FieldDelta, table *mapping.Table) (*Accepted, error) {
	out := &Accepted{}
	err := x.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		*out = Accepted{}
		claimed, err := x.Events.Claim(tx, delta)
		if err != nil {
			return err
		}
		if !claimed {
			out.Duplicate = true
			return nil
		}

		rows := x.Rows.WithTx(tx)
		log := x.Log.WithTx(tx)
		prev, err := rows.GetOrNew(ctx, delta.ConfigID, delta.RowNumber)
		if err != nil {
			return err
		}

		rc := conflict.Detect(delta, prev, table)
		next := prev.Clone()
		if next.EntityID == "" {
			next.EntityID = delta.EntityID
		}
		for f, ch := range delta.Changes {
			next.Observe(delta.Source, f, ch.New, delta.ObservedAt)
		}

		p := BuildPlan(rc, next, table.Config.AutoResolveNewer)
		out.Plan = p

		var healed []string
		for _, fc := range p.Converged {
			next.MarkSynced(fc.Field, fc.Value(delta.Source))
			if next.HasConflict(fc.Field) {
				healed = append(healed, fc.Field)
			}
		}
		next.ClearConflicts(healed...)
		next.AddConflicts(p.HardFields()...)

		open, err := log.OpenConflict(ctx, delta.ConfigID, delta.RowNumber)
		if err != nil && !errors.Is(err, synclog.ErrNotFound) {
			return err
		}
		if errors.Is(err, synclog.ErrNotFound) {
			open = nil
		}

		if len(p.Hard) > 0 || (open != nil && len(healed) > 0) {
			if open, err = x.recordConflict(ctx, log, delta, prev, next, open, p.Hard, healed); err != nil {
				return err
			}
			if open.Status == models.StatusConflict && len(p.Hard) > 0 {
				out.Conflict = open
			}
			if open.Status == models.StatusCompleted {
				out.Closed = open
			}
		}

		for _, winner := range []models.Side{models.SideCRM, models.SideSheet} {
			decisions := p.Writes[winner]
			if len(decisions) == 0 {
				continue
			}
			e := x.newEntry(delta, next, models.DirectionFrom(winner))
			fields := models.FieldChanges{}
			for _, d := range decisions {
				fc := models.FieldChange{Old: next.Snapshot(d.Target())[d.Field], New: d.Value}
				if s, ok := p.Auto[d.Field]; ok {
					fc.Resolution = string(s)
					e.ConflictDetected = true
					e.ConflictResolution = string(s)
				}
				fields[d.Field] = fc
			}
			e.SetFields(fields)
			if err := log.Create(ctx, e); err != nil {
				return err
			}
			out.Pending = append(out.Pending, e)
		}
		if len(out.Pending) > 0 && len(next.ConflictFields) == 0 {
			next.SyncStatus = models.RowPending
		}

		if err := rows.Replace(ctx, prev, next); err != nil {
			return err
		}
		out.State = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (x *Executor) newEntry(delta models.FieldDelta, state *models.RowState, dir models.Direction) *models.SyncLogEntry {
	return &models.SyncLogEntry{
		ConfigID:        delta.ConfigID,
		RowNumber:       delta.RowNumber,
		EventID:         delta.EventID,
		EntityID:        state.EntityID,
		Direction:       dir,
		Status:          models.StatusPending,
		SheetModifiedAt: state.SheetModifiedAt,
		CRMModifiedAt:   state.CRMModifiedAt,
	}
}

// recordConflict opens a conflict entry for hard fields or merges them into
// the row's open one. Healed fields are marked resolved, and an entry left
// with nothing open is completed.
func (x *Executor) recordConflict(ctx context.Context, log *synclog.Log, delta models.FieldDelta, prev, next *models.RowState, open *models.SyncLogEntry, hard []conflict.FieldConflict, healed []string) (*models.SyncLogEntry, error) {
	merge := func(fields models.FieldChanges) {
		for _, fc := range hard {
			fields[fc.Field] = models.FieldChange{Old: prev.SyncedValues[fc.Field], New: fc.Value(delta.Source)}
		}
		for _, f := range healed {
			fc := fields[f]
			fc.Resolution = ResolutionConverged
			fields[f] = fc
		}
	}

	if open == nil {
		e := x.newEntry(delta, next, models.DirectionFrom(delta.Source))
		e.ConflictDetected = true
		fields := models.FieldChanges{}
		merge(fields)
		e.SetFields(fields)
		if err := log.Create(ctx, e); err != nil {
			return nil, err
		}
		return e, log.Transition(ctx, e, models.StatusConflict, nil)
	}

	err := log.Amend(ctx, open, func(e *models.SyncLogEntry) {
		fields := models.FieldChanges{}
		for k, v := range open.Fields() {
			fields[k] = v
		}
		merge(fields)
		e.SetFields(fields)
		e.SheetModifiedAt = next.SheetModifiedAt
		e.CRMModifiedAt = next.CRMModifiedAt
	})
	if err != nil {
		return nil, err
	}
	if len(next.ConflictFields) > 0 {
		return open, nil
	}
	if err := log.Transition(ctx, open, models.StatusSyncing, nil); err != nil {
		return nil, err
	}
	return open, log.Transition(ctx, open, models.StatusCompleted, nil)
}
