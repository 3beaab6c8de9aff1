package ingest

import (
	"context"
	"testing"
	"time"

	"crm-sheet-sync/internal/crm/crmtest"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/rowstate"
	"crm-sheet-sync/internal/sheets/sheetstest"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/internal/testutil"
	"crm-sheet-sync/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSheetEventValidation(t *testing.T) {
	good := SheetEvent{SheetID: "s", RowID: 2, Changes: map[string]models.Change{"B": {New: "x"}}}
	require.NoError(t, good.Validate())

	for name, ev := range map[string]SheetEvent{
		"missing sheet": {RowID: 2, Changes: good.Changes},
		"row zero":      {SheetID: "s", Changes: good.Changes},
		"no changes":    {SheetID: "s", RowID: 2},
		"bad column":    {SheetID: "s", RowID: 2, Changes: map[string]models.Change{"B2!": {New: "x"}}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.True(t, syncerr.IsValidation(ev.Validate()))
		})
	}
}

func TestSheetIngest(t *testing.T) {
	db := testutil.DB(t)
	cfg := testutil.Config(t, db)
	ing := NewSheetIngestor(mapping.NewRegistry(db, time.Minute), testutil.Logger())
	edited := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	deltas, err := ing.Ingest(context.Background(), "ev-1", SheetEvent{
		SheetID: cfg.SheetID,
		GID:     cfg.GID,
		RowID:   5,
		Changes: map[string]models.Change{
			"A": {Old: "", New: "42"},             // readonly id column
			"2": {Old: "a@x.io", New: " b@x.io "}, // numeric key, EMAIL
			"D": {Old: "+1", New: "+2"},           // PHONE
			"Z": {Old: "", New: "ignored"},        // unmapped
		},
		EditedAt: &edited,
	})
	require.NoError(t, err)
	require.Len(t, deltas, 1)

	d := deltas[0]
	assert.Equal(t, "ev-1", d.EventID)
	assert.Equal(t, cfg.ID, d.ConfigID)
	assert.Equal(t, 5, d.RowNumber)
	assert.Equal(t, "42", d.EntityID)
	assert.Equal(t, models.SideSheet, d.Source)
	assert.Equal(t, edited, d.ObservedAt)
	assert.Equal(t, []string{"EMAIL", "PHONE"}, d.Fields())
	assert.Equal(t, "b@x.io", d.Changes["EMAIL"].New)
}

func TestSheetIngestDropsUntracked(t *testing.T) {
	db := testutil.DB(t)
	cfg := testutil.Config(t, db)
	reg := mapping.NewRegistry(db, 0)
	ing := NewSheetIngestor(reg, testutil.Logger())
	ctx := context.Background()

	deltas, err := ing.Ingest(ctx, "ev", SheetEvent{SheetID: "unknown", RowID: 2, Changes: map[string]models.Change{"B": {New: "x"}}})
	require.NoError(t, err)
	assert.Empty(t, deltas)

	require.NoError(t, reg.SetEnabled(ctx, cfg.ID, false))
	deltas, err = ing.Ingest(ctx, "ev", SheetEvent{SheetID: cfg.SheetID, GID: cfg.GID, RowID: 2, Changes: map[string]models.Change{"B": {New: "x"}}})
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func trackRow(t *testing.T, db *gorm.DB, cfg models.SyncConfig, row int, entityID string) {
	t.Helper()
	st := models.NewRowState(cfg.ID, row)
	st.EntityID = entityID
	require.NoError(t, rowstate.New(db).Replace(context.Background(), nil, st))
}

func TestCRMIngestFansOut(t *testing.T) {
	db := testutil.DB(t)
	a := testutil.Config(t, db)
	b := testutil.Config(t, db)
	other := testutil.Config(t, db, func(c *models.SyncConfig) { c.EntityType = "deal" })
	trackRow(t, db, a, 5, "42")
	trackRow(t, db, b, 9, "42")
	trackRow(t, db, other, 3, "42")

	ing := NewCRMIngestor(mapping.NewRegistry(db, time.Minute), rowstate.New(db), testutil.Logger())
	deltas, err := ing.Ingest(context.Background(), "crm-1", CRMEvent{
		EntityType: "contact",
		EntityID:   "42",
		Changes: map[string]models.Change{
			"EMAIL":         {Old: "a@x.io", New: "b@x.io"},
			"UF_CRM_SECRET": {New: "unmapped"},
		},
	})
	require.NoError(t, err)
	require.Len(t, deltas, 2)

	rows := map[int]models.FieldDelta{}
	for _, d := range deltas {
		rows[d.RowNumber] = d
		assert.Equal(t, models.SideCRM, d.Source)
		assert.Equal(t, []string{"EMAIL"}, d.Fields())
	}
	assert.Equal(t, FanOutID("crm-1", a.ID.String()), rows[5].EventID)
	assert.Equal(t, FanOutID("crm-1", b.ID.String()), rows[9].EventID)
}

func TestCRMIngestUntrackedEntity(t *testing.T) {
	db := testutil.DB(t)
	testutil.Config(t, db)
	ing := NewCRMIngestor(mapping.NewRegistry(db, time.Minute), rowstate.New(db), testutil.Logger())

	deltas, err := ing.Ingest(context.Background(), "crm-2", CRMEvent{
		EntityType: "contact", EntityID: "404",
		Changes: map[string]models.Change{"NAME": {New: "x"}},
	})
	require.NoError(t, err)
	assert.Empty(t, deltas)

	_, err = ing.Ingest(context.Background(), "crm-3", CRMEvent{EntityType: "contact"})
	assert.True(t, syncerr.IsValidation(err))
}

func TestEventsRecordAndClaim(t *testing.T) {
	db := testutil.DB(t)
	events := NewEvents(db)
	ctx := context.Background()

	require.NoError(t, events.Record(ctx, models.EventSourceSheet, "ev-1", []byte(`{"a":1}`)))
	assert.ErrorIs(t, events.Record(ctx, models.EventSourceSheet, "ev-1", []byte(`{"a":1}`)), ErrDuplicateEvent)

	pending, err := events.Unprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	d := models.FieldDelta{EventID: "ev-1", Source: models.SideSheet}
	ok, err := events.Claim(db, d)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = events.Claim(db, d)
	require.NoError(t, err)
	assert.False(t, ok)

	derived := models.FieldDelta{EventID: FanOutID("ev-2", "cfg"), Source: models.SideCRM}
	ok, err = events.Claim(db, derived)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = events.Claim(db, derived)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err = events.Unprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEventID(t *testing.T) {
	assert.Equal(t, "body", EventID(" body ", "hdr", nil))
	assert.Equal(t, "hdr", EventID("", "hdr", nil))
	a := EventID("", "", []byte(`{"x":1}`))
	assert.Equal(t, a, EventID("", "", []byte(`{"x":1}`)))
	assert.NotEqual(t, a, EventID("", "", []byte(`{"x":2}`)))
}

func TestRefresh(t *testing.T) {
	db := testutil.DB(t)
	cfg := testutil.Config(t, db)
	ctx := context.Background()
	rows := rowstate.New(db)

	st := models.NewRowState(cfg.ID, 4)
	st.EntityID = "42"
	st.MarkSynced("NAME", "Ada")
	st.MarkSynced("EMAIL", "a@x.io")
	st.MarkSynced("PHONE", "+1")
	require.NoError(t, rows.Replace(ctx, nil, st))

	sheet := sheetstest.New()
	sheet.PutRow(cfg.ID, 4, map[int]any{0: "42", 1: "Ada", 2: "sheet@x.io", 3: "+2"})
	crmFake := crmtest.New()
	crmAt := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	crmFake.Put("42", map[string]any{"ID": "42", "NAME": "Ada L.", "EMAIL": "a@x.io", "PHONE": "+3"}, crmAt)

	r := NewRefresher(mapping.NewRegistry(db, time.Minute), rows, crmFake, sheet, testutil.Logger())
	snap, err := r.Refresh(ctx, cfg.ID, 4)
	require.NoError(t, err)

	assert.Equal(t, "42", snap.EntityID)
	assert.Equal(t, map[string]any{"EMAIL": "sheet@x.io", "PHONE": "+2"}, snap.Observed[models.SideSheet])
	assert.Equal(t, map[string]any{"ID": "42", "NAME": "Ada L.", "PHONE": "+3"}, snap.Observed[models.SideCRM])
	assert.Equal(t, crmAt, snap.At[models.SideCRM])

	require.Len(t, snap.Deltas, 2)
	assert.Equal(t, models.SideSheet, snap.Deltas[0].Source)
	assert.Equal(t, []string{"EMAIL", "PHONE"}, snap.Deltas[0].Fields())
	assert.Equal(t, models.SideCRM, snap.Deltas[1].Source)
	// PHONE changed on both sides; only the sheet delta carries it
	assert.Equal(t, []string{"ID", "NAME"}, snap.Deltas[1].Fields())
}
