package conflict

import (
	"time"

	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"
)

// Decision is the outcome of applying a strategy to one field.
type Decision struct {
	Field  string
	Winner models.Side
	Value  any
	// Write is false when both sides stay untouched.
	Write bool
}

// Target is the side that receives the winning value.
func (d Decision) Target() models.Side {
	return d.Winner.Other()
}

type picker func(fc FieldConflict, crmAt, sheetAt time.Time) (models.Side, bool)

var strategies = map[Strategy]picker{
	UseSourceA: func(FieldConflict, time.Time, time.Time) (models.Side, bool) {
		return models.SideCRM, true
	},
	UseSourceB: func(FieldConflict, time.Time, time.Time) (models.Side, bool) {
		return models.SideSheet, true
	},
	UseNewer: func(_ FieldConflict, crmAt, sheetAt time.Time) (models.Side, bool) {
		// ties go to the CRM
		if sheetAt.After(crmAt) {
			return models.SideSheet, true
		}
		return models.SideCRM, true
	},
	Skip: func(FieldConflict, time.Time, time.Time) (models.Side, bool) {
		return "", false
	},
}

// Winner applies strategy to fc. crmAt and sheetAt are the row's recorded
// modification times.
func Winner(fc FieldConflict, strategy Strategy, crmAt, sheetAt time.Time) (Decision, error) {
	if strategy == Manual {
		return Decision{}, syncerr.Validation("conflict.resolve", fc.Field, "manual is a suggestion, choose a concrete strategy")
	}
	pick, ok := strategies[strategy]
	if !ok {
		return Decision{}, syncerr.Validation("conflict.resolve", fc.Field, "unknown strategy %q", strategy)
	}
	side, write := pick(fc, crmAt, sheetAt)
	d := Decision{Field: fc.Field, Winner: side, Write: write}
	if !write {
		return d, nil
	}
	if side == models.SideSheet && fc.Readonly {
		return Decision{}, syncerr.Validation("conflict.resolve", fc.Field, "field is readonly in the CRM")
	}
	d.Value = fc.Value(side)
	return d, nil
}
