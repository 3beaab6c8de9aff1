package resolve

import (
	"sort"

	"crm-sheet-sync/internal/conflict"
	"crm-sheet-sync/pkg/models"
)

// Plan sorts the verdicts of one delta into what happens next.
type Plan struct {
	// Converged fields hold the same value on both sides.
	Converged []conflict.FieldConflict
	// Skipped fields are recorded but written nowhere.
	Skipped []conflict.FieldConflict
	// Hard fields wait for a decision.
	Hard []conflict.FieldConflict
	// Writes are keyed by the winning side.
	Writes map[models.Side][]conflict.Decision
	// Auto lists fields decided by a strategy other than "incoming wins".
	Auto map[string]conflict.Strategy
}

// BuildPlan decides each field of rc against state, the row after the
// delta's values were observed. Fields already in conflict stay in conflict
// until both sides agree or someone decides.
func BuildPlan(rc conflict.RowConflict, state *models.RowState, autoNewer bool) Plan {
	p := Plan{Writes: map[models.Side][]conflict.Decision{}, Auto: map[string]conflict.Strategy{}}
	for _, fc := range rc.Fields {
		switch {
		case fc.Converged():
			p.Converged = append(p.Converged, fc)
		case state.HasConflict(fc.Field), !conflict.AutoResolvable(fc, autoNewer):
			p.Hard = append(p.Hard, fc)
		case fc.Suggestion == conflict.Skip:
			p.Skipped = append(p.Skipped, fc)
		default:
			d, err := conflict.Winner(fc, fc.Suggestion, state.CRMModifiedAt, state.SheetModifiedAt)
			if err != nil || !d.Write {
				p.Skipped = append(p.Skipped, fc)
				continue
			}
			if fc.Type != conflict.None {
				p.Auto[fc.Field] = fc.Suggestion
			}
			p.Writes[d.Winner] = append(p.Writes[d.Winner], d)
		}
	}
	return p
}

func (p Plan) HardFields() []string {
	out := make([]string, 0, len(p.Hard))
	for _, fc := range p.Hard {
		out = append(out, fc.Field)
	}
	return out
}

func sortStrings(s []string) { sort.Strings(s) }
