package conflict

import (
	"testing"
	"time"

	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t1.Add(time.Hour)
	t3 = t2.Add(time.Hour)
)

func table(t *testing.T) *mapping.Table {
	t.Helper()
	tbl, err := mapping.NewTable(models.SyncConfig{ID: uuid.New()}, []models.FieldMapping{
		{ColumnIndex: 0, CRMField: "ID", DataType: models.DataTypeString, Readonly: true},
		{ColumnIndex: 1, CRMField: "NAME", DataType: models.DataTypeString, Editable: true},
		{ColumnIndex: 2, CRMField: "EMAIL", DataType: models.DataTypeString, Editable: true},
		{ColumnIndex: 3, CRMField: "PHONE", DataType: models.DataTypeString, Editable: true},
	})
	require.NoError(t, err)
	return tbl
}

// synced returns a row agreed at t1 on the given values.
func synced(row int, values map[string]any) *models.RowState {
	st := models.NewRowState(uuid.New(), row)
	for k, v := range values {
		st.MarkSynced(k, v)
	}
	st.LastSyncAt = t1
	st.CRMModifiedAt = t1
	st.SheetModifiedAt = t1
	return st
}

func delta(st *models.RowState, side models.Side, at time.Time, changes map[string]models.Change) models.FieldDelta {
	return models.FieldDelta{
		ConfigID:   st.ConfigID,
		RowNumber:  st.RowNumber,
		Source:     side,
		Changes:    changes,
		ObservedAt: at,
	}
}

func TestDetect_ScenarioA_CRMOnlyChange(t *testing.T) {
	st := synced(5, map[string]any{"EMAIL": "old@example.com"})

	rc := Detect(delta(st, models.SideCRM, t2, map[string]models.Change{
		"EMAIL": {Old: "old@example.com", New: "new@example.com"},
	}), st, table(t))

	require.Len(t, rc.Fields, 1)
	fc := rc.Fields[0]
	assert.Equal(t, None, fc.Type)
	assert.Equal(t, UseSourceA, fc.Suggestion)
	assert.Equal(t, "new@example.com", fc.CRMValue)
	assert.Equal(t, "old@example.com", fc.SheetValue)
	assert.False(t, rc.HasHardConflict(false))
}

func TestDetect_ScenarioB_BothModified(t *testing.T) {
	st := synced(7, map[string]any{"PHONE": "+100"})
	st.Observe(models.SideSheet, "PHONE", "+200", t3)

	rc := Detect(delta(st, models.SideCRM, t2, map[string]models.Change{
		"PHONE": {Old: "+100", New: "+300"},
	}), st, table(t))

	require.Len(t, rc.Fields, 1)
	assert.Equal(t, BothModified, rc.Fields[0].Type)
	assert.Equal(t, Manual, rc.Fields[0].Suggestion)
	assert.Equal(t, "+300", rc.Fields[0].CRMValue)
	assert.Equal(t, "+200", rc.Fields[0].SheetValue)
	assert.Len(t, rc.HardConflicts(true), 1)
}

func TestDetect_Symmetry(t *testing.T) {
	crmFirst := synced(3, map[string]any{"PHONE": "+1"})
	crmFirst.Observe(models.SideCRM, "PHONE", "+2", t2)
	fromSheet := Detect(delta(crmFirst, models.SideSheet, t3, map[string]models.Change{
		"PHONE": {Old: "+1", New: "+3"},
	}), crmFirst, table(t))

	sheetFirst := synced(3, map[string]any{"PHONE": "+1"})
	sheetFirst.Observe(models.SideSheet, "PHONE", "+3", t3)
	fromCRM := Detect(delta(sheetFirst, models.SideCRM, t2, map[string]models.Change{
		"PHONE": {Old: "+1", New: "+2"},
	}), sheetFirst, table(t))

	assert.Equal(t, BothModified, fromSheet.Fields[0].Type)
	assert.Equal(t, BothModified, fromCRM.Fields[0].Type)
	assert.Equal(t, fromSheet.Fields[0].CRMValue, fromCRM.Fields[0].CRMValue)
	assert.Equal(t, fromSheet.Fields[0].SheetValue, fromCRM.Fields[0].SheetValue)
}

func TestDetect_NoStateIsSyncedAndEmpty(t *testing.T) {
	d := models.FieldDelta{
		ConfigID: uuid.New(), RowNumber: 2, Source: models.SideSheet, ObservedAt: t1,
		Changes: map[string]models.Change{"NAME": {New: "Ada"}},
	}
	rc := Detect(d, nil, table(t))
	require.Len(t, rc.Fields, 1)
	assert.Equal(t, None, rc.Fields[0].Type)
	assert.Equal(t, UseSourceB, rc.Fields[0].Suggestion)
}

func TestDetect_EchoOfOwnWriteIsSkipped(t *testing.T) {
	st := synced(4, map[string]any{"NAME": "Grace"})
	rc := Detect(delta(st, models.SideSheet, t2, map[string]models.Change{
		"NAME": {Old: "Ada", New: "Grace"},
	}), st, table(t))
	assert.Equal(t, None, rc.Fields[0].Type)
	assert.Equal(t, Skip, rc.Fields[0].Suggestion)
	assert.True(t, rc.Fields[0].Converged())
}

func TestDetect_Deleted(t *testing.T) {
	st := synced(6, map[string]any{"EMAIL": "a@b.c"})
	st.Observe(models.SideCRM, "EMAIL", nil, t2)

	rc := Detect(delta(st, models.SideSheet, t3, map[string]models.Change{
		"EMAIL": {Old: "a@b.c", New: "x@b.c"},
	}), st, table(t))
	assert.Equal(t, DeletedInBitrix, rc.Fields[0].Type)
	assert.Equal(t, Manual, rc.Fields[0].Suggestion)

	st = synced(6, map[string]any{"EMAIL": "a@b.c"})
	st.Observe(models.SideCRM, "EMAIL", "z@b.c", t2)
	rc = Detect(delta(st, models.SideSheet, t3, map[string]models.Change{
		"EMAIL": {Old: "a@b.c", New: nil},
	}), st, table(t))
	assert.Equal(t, DeletedInSheet, rc.Fields[0].Type)
}

func TestDetect_StaleIncomingIsOtherSideNewer(t *testing.T) {
	st := synced(8, map[string]any{"NAME": "Ada"})
	st.LastSyncAt = t2
	st.Observe(models.SideSheet, "NAME", "Grace", t3)

	rc := Detect(delta(st, models.SideCRM, t2, map[string]models.Change{
		"NAME": {Old: "Ada", New: "Lovelace"},
	}), st, table(t))
	fc := rc.Fields[0]
	assert.Equal(t, SheetNewer, fc.Type)
	assert.Equal(t, UseNewer, fc.Suggestion)
	assert.Empty(t, rc.HardConflicts(true))
	assert.Len(t, rc.HardConflicts(false), 1)
}

func TestDetect_ReadonlyTowardsCRMIsSkipped(t *testing.T) {
	st := synced(9, map[string]any{"ID": "42"})
	rc := Detect(delta(st, models.SideSheet, t2, map[string]models.Change{
		"ID": {Old: "42", New: "43"},
	}), st, table(t))
	assert.Equal(t, Skip, rc.Fields[0].Suggestion)
	assert.True(t, rc.Fields[0].Readonly)
	assert.False(t, rc.HasHardConflict(false))
}

func TestDetect_IsPure(t *testing.T) {
	st := synced(5, map[string]any{"EMAIL": "a"})
	before := st.Clone()
	d := delta(st, models.SideCRM, t2, map[string]models.Change{"EMAIL": {Old: "a", New: "b"}})

	first := Detect(d, st, table(t))
	second := Detect(d, st, table(t))
	assert.Equal(t, first, second)
	assert.Equal(t, before, st)
}

func TestDetectFromState(t *testing.T) {
	st := synced(7, map[string]any{"PHONE": "+1"})
	st.Observe(models.SideCRM, "PHONE", "+2", t2)
	st.Observe(models.SideSheet, "PHONE", "+3", t3)
	st.SetConflicts([]string{"PHONE"})

	rc := DetectFromState(st, table(t))
	require.Len(t, rc.Fields, 1)
	assert.Equal(t, BothModified, rc.Fields[0].Type)
	assert.Equal(t, "+2", rc.Fields[0].CRMValue)
	assert.Equal(t, "+3", rc.Fields[0].SheetValue)
	assert.Equal(t, models.SideSheet, rc.Source)
}

func TestDetectFromStateMatchesLateDeltaVerdicts(t *testing.T) {
	cases := []struct {
		name     string
		crm      any
		crmAt    time.Time
		sheet    any
		sheetAt  time.Time
		want     Type
		incoming models.Side
	}{
		{"crm newer than a late sheet edit", "+2", t2, "+3", t0, BitrixNewer, models.SideSheet},
		{"sheet newer than a late crm edit", "+2", t0, "+3", t2, SheetNewer, models.SideCRM},
		{"crm deleted before a late sheet edit", nil, t2, "+3", t0, DeletedInBitrix, models.SideSheet},
		{"sheet deleted after a crm edit", "+2", t2, nil, t3, DeletedInSheet, models.SideSheet},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tbl := table(t)
			st := synced(7, map[string]any{"PHONE": "+1"})
			first, late := models.SideCRM, models.SideSheet
			firstVal, firstAt, lateVal, lateAt := tc.crm, tc.crmAt, tc.sheet, tc.sheetAt
			if tc.sheetAt.After(t1) && !tc.crmAt.After(t1) {
				first, late = models.SideSheet, models.SideCRM
				firstVal, firstAt, lateVal, lateAt = tc.sheet, tc.sheetAt, tc.crm, tc.crmAt
			}
			st.Observe(first, "PHONE", firstVal, firstAt)

			at := Detect(delta(st, late, lateAt, map[string]models.Change{
				"PHONE": {Old: "+1", New: lateVal},
			}), st, tbl)
			require.Len(t, at.Fields, 1)
			require.Equal(t, tc.want, at.Fields[0].Type)

			st.Observe(late, "PHONE", lateVal, lateAt)
			st.SetConflicts([]string{"PHONE"})

			view := DetectFromState(st, tbl)
			require.Len(t, view.Fields, 1)
			fc := view.Fields[0]
			assert.Equal(t, tc.want, fc.Type)
			assert.Equal(t, at.Fields[0].Suggestion, fc.Suggestion)
			assert.Equal(t, tc.incoming, fc.Incoming)
			assert.Equal(t, tc.crm, fc.CRMValue)
			assert.Equal(t, tc.sheet, fc.SheetValue)
		})
	}
}

func TestWinner(t *testing.T) {
	fc := FieldConflict{Field: "PHONE", Type: BothModified, CRMValue: "+2", SheetValue: "+3"}

	d, err := Winner(fc, UseSourceA, t2, t3)
	require.NoError(t, err)
	assert.Equal(t, models.SideCRM, d.Winner)
	assert.Equal(t, models.SideSheet, d.Target())
	assert.Equal(t, "+2", d.Value)

	d, err = Winner(fc, UseNewer, t2, t3)
	require.NoError(t, err)
	assert.Equal(t, models.SideSheet, d.Winner)
	assert.Equal(t, "+3", d.Value)

	d, err = Winner(fc, UseNewer, t2, t2)
	require.NoError(t, err)
	assert.Equal(t, models.SideCRM, d.Winner, "ties go to the CRM")

	d, err = Winner(fc, Skip, t2, t3)
	require.NoError(t, err)
	assert.False(t, d.Write)

	_, err = Winner(fc, Manual, t2, t3)
	assert.Error(t, err)

	fc.Readonly = true
	_, err = Winner(fc, UseSourceB, t2, t3)
	assert.Error(t, err)
}
