// Package conflict classifies field changes against the last agreed state
// of a row. Everything here is pure: the same delta and state always give
// the same answer, so a conflict view can be rebuilt at any time.
package conflict

import (
	"time"

	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/pkg/models"
)

type Type string

const (
	None            Type = "none"
	BothModified    Type = "both_modified"
	DeletedInBitrix Type = "deleted_in_bitrix"
	DeletedInSheet  Type = "deleted_in_sheet"
	BitrixNewer     Type = "bitrix_newer"
	SheetNewer      Type = "sheet_newer"
)

type Strategy string

const (
	UseSourceA Strategy = "use_source_a" // CRM value wins
	UseSourceB Strategy = "use_source_b" // sheet value wins
	UseNewer   Strategy = "use_newer"
	Manual     Strategy = "manual"
	Skip       Strategy = "skip"
)

func (s Strategy) Valid() bool {
	switch s {
	case UseSourceA, UseSourceB, UseNewer, Manual, Skip:
		return true
	}
	return false
}

func deletedIn(side models.Side) Type {
	if side == models.SideCRM {
		return DeletedInBitrix
	}
	return DeletedInSheet
}

func newer(side models.Side) Type {
	if side == models.SideCRM {
		return BitrixNewer
	}
	return SheetNewer
}

// FieldConflict is the verdict for one field.
type FieldConflict struct {
	Field      string      `json:"field"`
	Type       Type        `json:"conflict_type"`
	Incoming   models.Side `json:"incoming"`
	CRMValue   any         `json:"crm_value"`
	SheetValue any         `json:"sheet_value"`
	BaseValue  any         `json:"base_value"`
	Suggestion Strategy    `json:"suggested_resolution"`
	Readonly   bool        `json:"readonly,omitempty"`
}

// Value returns the field's value on side.
func (fc FieldConflict) Value(side models.Side) any {
	if side == models.SideCRM {
		return fc.CRMValue
	}
	return fc.SheetValue
}

// Converged reports that both sides already hold the same value.
func (fc FieldConflict) Converged() bool {
	return fc.Type == None && mapping.Equal(fc.CRMValue, fc.SheetValue)
}

// RowConflict is the detector's output for one row.
type RowConflict struct {
	ConfigID        string          `json:"config_id"`
	RowNumber       int             `json:"row_number"`
	EntityID        string          `json:"entity_id"`
	Source          models.Side     `json:"source,omitempty"`
	Fields          []FieldConflict `json:"fields"`
	CRMModifiedAt   time.Time       `json:"crm_modified_at"`
	SheetModifiedAt time.Time       `json:"sheet_modified_at"`
	LastSyncAt      time.Time       `json:"last_sync_at"`
}

func (rc RowConflict) Field(name string) (FieldConflict, bool) {
	for _, fc := range rc.Fields {
		if fc.Field == name {
			return fc, true
		}
	}
	return FieldConflict{}, false
}

// AutoResolvable reports whether a field may be applied without a user
// decision. X_newer verdicts qualify only when the config opts in.
func AutoResolvable(fc FieldConflict, autoNewer bool) bool {
	switch fc.Type {
	case None:
		return true
	case BitrixNewer, SheetNewer:
		return autoNewer
	}
	return fc.Suggestion == Skip
}

// HardConflicts lists the fields that need an explicit decision.
func (rc RowConflict) HardConflicts(autoNewer bool) []FieldConflict {
	var out []FieldConflict
	for _, fc := range rc.Fields {
		if !AutoResolvable(fc, autoNewer) {
			out = append(out, fc)
		}
	}
	return out
}

func (rc RowConflict) HasHardConflict(autoNewer bool) bool {
	return len(rc.HardConflicts(autoNewer)) > 0
}
