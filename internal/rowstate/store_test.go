package rowstate

import (
	"context"
	"testing"
	"time"

	"crm-sheet-sync/internal/testutil"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceCreatesThenUpdates(t *testing.T) {
	db := testutil.DB(t)
	cfg := testutil.Config(t, db)
	store := New(db)
	ctx := context.Background()

	cur, err := store.GetOrNew(ctx, cfg.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur.Version)

	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	next := cur.Clone()
	next.EntityID = "42"
	next.MarkSynced("EMAIL", "a@example.com")
	next.AdvanceSync(t1)
	require.NoError(t, store.Replace(ctx, cur, next))
	assert.Equal(t, int64(1), next.Version)

	loaded, err := store.Get(ctx, cfg.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", loaded.SyncedValues["EMAIL"])
	assert.True(t, loaded.LastSyncAt.Equal(t1))

	again := loaded.Clone()
	again.AddConflicts("PHONE")
	require.NoError(t, store.Replace(ctx, loaded, again))

	loaded, err = store.Get(ctx, cfg.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, models.RowConflict, loaded.SyncStatus)
	assert.Equal(t, []string{"PHONE"}, []string(loaded.ConflictFields))
	assert.Equal(t, int64(2), loaded.Version)

	byEntity, err := store.ByEntity(ctx, cfg.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, 5, byEntity.RowNumber)
}

func TestReplaceDetectsStaleVersion(t *testing.T) {
	db := testutil.DB(t)
	cfg := testutil.Config(t, db)
	store := New(db)
	ctx := context.Background()

	base := models.NewRowState(cfg.ID, 3)
	first := base.Clone()
	require.NoError(t, store.Replace(ctx, base, first))

	loaded, err := store.Get(ctx, cfg.ID, 3)
	require.NoError(t, err)

	a := loaded.Clone()
	a.MarkSynced("NAME", "Ann")
	require.NoError(t, store.Replace(ctx, loaded, a))

	b := loaded.Clone()
	b.MarkSynced("NAME", "Bob")
	assert.ErrorIs(t, store.Replace(ctx, loaded, b), ErrStale)

	// a second create of the same row loses too
	dup := models.NewRowState(cfg.ID, 3)
	assert.ErrorIs(t, store.Replace(ctx, nil, dup), ErrStale)
}

func TestReplaceRefusesToMoveSyncBackwards(t *testing.T) {
	db := testutil.DB(t)
	cfg := testutil.Config(t, db)
	store := New(db)
	ctx := context.Background()

	cur := models.NewRowState(cfg.ID, 1)
	cur.LastSyncAt = time.Now()
	next := cur.Clone()
	next.LastSyncAt = cur.LastSyncAt.Add(-time.Minute)
	assert.ErrorIs(t, store.Replace(ctx, cur, next), ErrTimeTravel)
}

func TestCloneIsDeep(t *testing.T) {
	st := models.NewRowState(uuid.New(), 1)
	st.MarkSynced("EMAIL", "x")
	st.AddConflicts("PHONE")

	cp := st.Clone()
	cp.MarkSynced("EMAIL", "y")
	cp.ClearConflicts("PHONE")

	assert.Equal(t, "x", st.SyncedValues["EMAIL"])
	assert.Equal(t, models.RowConflict, st.SyncStatus)
	assert.Equal(t, models.RowSynced, cp.SyncStatus)
}
