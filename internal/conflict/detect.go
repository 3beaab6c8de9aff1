package conflict

import (
	"time"

	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/pkg/models"
)

// Detect classifies every field of delta against state. A nil state is a
// row never seen before: synced, with empty snapshots and zero timestamps.
func Detect(delta models.FieldDelta, state *models.RowState, table *mapping.Table) RowConflict {
	if state == nil {
		state = models.NewRowState(delta.ConfigID, delta.RowNumber)
	}
	rc := header(state)
	rc.Source = delta.Source
	if rc.EntityID == "" {
		rc.EntityID = delta.EntityID
	}
	for _, f := range delta.Fields() {
		rc.Fields = append(rc.Fields, classify(input{
			field:    f,
			incoming: delta.Source,
			value:    delta.Changes[f].New,
			at:       delta.ObservedAt,
			state:    state,
			readonly: readonly(table, f),
		}))
	}
	return rc
}

// DetectFromState rebuilds the verdicts of a row's open conflict fields from
// the stored snapshots alone. The side modified last plays the incoming role,
// unless only the other side reproduces the conflict: a late delta that lost
// to a newer edit was the incoming side when the conflict was opened.
func DetectFromState(state *models.RowState, table *mapping.Table) RowConflict {
	rc := header(state)
	latest := models.SideCRM
	if state.SheetModifiedAt.After(state.CRMModifiedAt) {
		latest = models.SideSheet
	}
	rc.Source = latest
	for _, f := range state.ConflictFields {
		fc := rebuild(state, table, f, latest)
		if fc.Type == None {
			if alt := rebuild(state, table, f, latest.Other()); alt.Type != None {
				fc = alt
			}
		}
		rc.Fields = append(rc.Fields, fc)
	}
	return rc
}

func rebuild(state *models.RowState, table *mapping.Table, field string, incoming models.Side) FieldConflict {
	return classify(input{
		field:    field,
		incoming: incoming,
		value:    state.Snapshot(incoming)[field],
		at:       state.ModifiedAt(incoming),
		state:    state,
		readonly: readonly(table, field),
	})
}

func header(state *models.RowState) RowConflict {
	return RowConflict{
		ConfigID:        state.ConfigID.String(),
		RowNumber:       state.RowNumber,
		EntityID:        state.EntityID,
		CRMModifiedAt:   state.CRMModifiedAt,
		SheetModifiedAt: state.SheetModifiedAt,
		LastSyncAt:      state.LastSyncAt,
	}
}

func readonly(table *mapping.Table, field string) bool {
	if table == nil {
		return false
	}
	m, ok := table.ByField(field)
	return ok && m.Readonly
}

type input struct {
	field    string
	incoming models.Side
	value    any
	at       time.Time
	state    *models.RowState
	readonly bool
}

func classify(in input) FieldConflict {
	otherSide := in.incoming.Other()
	other, otherHas := in.state.Snapshot(otherSide)[in.field]
	base, baseHas := in.state.SyncedValues[in.field]
	last := in.state.LastSyncAt

	fc := FieldConflict{
		Field:     in.field,
		Incoming:  in.incoming,
		BaseValue: base,
		Readonly:  in.readonly,
	}
	if in.incoming == models.SideCRM {
		fc.CRMValue, fc.SheetValue = in.value, other
	} else {
		fc.CRMValue, fc.SheetValue = other, in.value
	}

	switch {
	case mapping.Equal(in.value, other):
		// both sides already agree, including echoes of our own writes
		fc.Type, fc.Suggestion = None, Skip
	case !otherChanged(in.state.ModifiedAt(otherSide), last, other, otherHas, base):
		fc.Type, fc.Suggestion = None, authoritative(in.incoming)
	case other == nil && baseHas && base != nil && in.value != nil:
		fc.Type, fc.Suggestion = deletedIn(otherSide), Manual
	case in.value == nil && baseHas && base != nil && other != nil:
		fc.Type, fc.Suggestion = deletedIn(in.incoming), Manual
	case in.at.After(last):
		fc.Type, fc.Suggestion = BothModified, Manual
	default:
		fc.Type, fc.Suggestion = newer(otherSide), UseNewer
	}

	if in.readonly && in.incoming == models.SideSheet {
		fc.Suggestion = Skip
	}
	return fc
}

// otherChanged reports whether the other side moved away from the agreed
// value after the last successful sync.
func otherChanged(otherAt, last time.Time, other any, otherHas bool, base any) bool {
	return otherAt.After(last) && otherHas && !mapping.Equal(other, base)
}

func authoritative(side models.Side) Strategy {
	if side == models.SideCRM {
		return UseSourceA
	}
	return UseSourceB
}
