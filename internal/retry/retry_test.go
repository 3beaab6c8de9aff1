package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm-sheet-sync/internal/crm/crmtest"
	"crm-sheet-sync/internal/ingest"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/resolve"
	"crm-sheet-sync/internal/rowlock"
	"crm-sheet-sync/internal/rowstate"
	"crm-sheet-sync/internal/sheets/sheetstest"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/internal/synclog"
	"crm-sheet-sync/internal/testutil"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(10))

	jittered := NewPolicy(time.Second, time.Minute)
	for i := 0; i < 20; i++ {
		d := jittered.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

type fixture struct {
	sched *Scheduler
	exec  *resolve.Executor
	log   *synclog.Log
	table *mapping.Table
	crm   *crmtest.Fake
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	cfg := testutil.Config(t, db)
	reg := mapping.NewRegistry(db, 0)
	table, err := reg.Load(context.Background(), cfg.ID)
	require.NoError(t, err)

	rows := rowstate.New(db)
	log := synclog.New(db)
	fake := crmtest.New()
	policy := Policy{Base: time.Second, Max: time.Minute}
	exec := resolve.New(resolve.Deps{
		DB:     db,
		Rows:   rows,
		Log:    log,
		Events: ingest.NewEvents(db),
		CRM:    fake,
		Sheets: sheetstest.New(),
		Delay:  policy.Delay,
		Logger: testutil.Logger(),
	})
	t.Cleanup(exec.Close)

	st := models.NewRowState(cfg.ID, 3)
	st.EntityID = "42"
	st.MarkSynced("NAME", "Ann")
	require.NoError(t, rows.Replace(context.Background(), nil, st))

	sched := NewScheduler(log, reg, rowlock.New(time.Minute), exec, Options{
		Parallelism: 2,
		StuckAfter:  time.Minute,
		Policy:      policy,
	}, testutil.Logger())
	return &fixture{sched: sched, exec: exec, log: log, table: table, crm: fake}
}

// failed propagates one sheet edit while the CRM is down.
func (f *fixture) failed(t *testing.T) *models.SyncLogEntry {
	t.Helper()
	ctx := context.Background()
	f.crm.FailNext(1, syncerr.Transient("crm.update", context.DeadlineExceeded))
	acc, err := f.exec.Accept(ctx, models.FieldDelta{
		EventID:    uuid.NewString(),
		ConfigID:   f.table.Config.ID,
		RowNumber:  3,
		EntityID:   "42",
		Source:     models.SideSheet,
		Changes:    map[string]models.Change{"NAME": {Old: "Ann", New: "Anna"}},
		ObservedAt: time.Now(),
	}, f.table)
	require.NoError(t, err)
	require.Len(t, acc.Pending, 1)
	e := acc.Pending[0]
	require.Error(t, f.exec.Propagate(ctx, e, f.table))
	require.Equal(t, models.StatusFailed, e.Status)
	return e
}

func TestRetryDueWaitsForBackoff(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	e := f.failed(t)

	n, err := f.sched.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "backoff has not elapsed")

	f.sched.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = f.sched.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.log.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "Anna", f.crm.Value("42", "NAME"))
}

func TestRetryFailedIgnoresBackoff(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	e := f.failed(t)

	n, err := f.sched.RetryFailed(ctx, f.table.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.log.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestExhaustedEntriesStayFailed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.failed(t)
	f.crm.FailNext(100, syncerr.Transient("crm.update", errors.New("503")))

	for i := 0; i < 5; i++ {
		_, err := f.sched.RetryFailed(ctx, f.table.Config.ID)
		require.NoError(t, err)
	}
	history, err := f.log.History(ctx, f.table.Config.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusFailed, history[0].Status)
	assert.Equal(t, 3, history[0].RetryCount)
	assert.Nil(t, history[0].NextRetryAt)

	n, err := f.sched.RetryFailed(ctx, f.table.Config.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverStuck(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	e := &models.SyncLogEntry{
		ConfigID:  f.table.Config.ID,
		RowNumber: 3,
		Direction: models.SheetToCRM,
		Status:    models.StatusPending,
	}
	e.SetFields(models.FieldChanges{"NAME": {Old: "Ann", New: "Anna"}})
	require.NoError(t, f.log.Create(ctx, e))

	n, err := f.sched.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.sched.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = f.sched.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.log.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.ErrorKindTransient, got.ErrorKind)
	require.NotNil(t, got.NextRetryAt)
}
