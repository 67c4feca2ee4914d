package warehouse

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hmo-register/internal/config"
	"github.com/sells-group/hmo-register/internal/model"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "hmo.db"), "leeds_hmo")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLite(t)
	assert.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_WriteSnapshot(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	res, err := st.WriteSnapshot(ctx, sampleTable())
	require.NoError(t, err)
	assert.Equal(t, &WriteResult{Table: "leeds_hmo_15022024", Rows: 3, Upserted: 2}, res)

	var snapshotRows int
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "leeds_hmo_15022024"`).Scan(&snapshotRows))
	assert.Equal(t, 3, snapshotRows)

	var registerRows int
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM register`).Scan(&registerRows))
	assert.Equal(t, 2, registerRows)

	var maxTenants string
	var lat *float64
	require.NoError(t, st.db.QueryRowContext(ctx,
		`SELECT max_tenants, latitude FROM register WHERE hmo_id = ?`, "1parkrow,leedsls11aa",
	).Scan(&maxTenants, &lat))
	assert.Equal(t, "6", maxTenants, "last row for a repeated hmo_id wins")
	require.NotNil(t, lat)
	assert.InDelta(t, 53.797, *lat, 1e-9)

	var postcode *string
	require.NoError(t, st.db.QueryRowContext(ctx,
		`SELECT postcode, latitude FROM register WHERE hmo_id = ?`, "3townst,bradford",
	).Scan(&postcode, &lat))
	assert.Nil(t, postcode)
	assert.Nil(t, lat)
}

func TestSQLite_WriteSnapshotReplaces(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	_, err := st.WriteSnapshot(ctx, sampleTable())
	require.NoError(t, err)

	smaller := sampleTable()
	smaller.Rows = smaller.Rows[:1]
	res, err := st.WriteSnapshot(ctx, smaller)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Rows)

	var n int
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "leeds_hmo_15022024"`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLite_WriteSnapshotInvalid(t *testing.T) {
	st := newTestSQLite(t)

	_, err := st.WriteSnapshot(context.Background(), nil)
	assert.Error(t, err)

	_, err = st.WriteSnapshot(context.Background(), &model.Table{SnapshotID: "x"})
	assert.Error(t, err)
}

func TestSQLite_RunLog(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 2, 16, 6, 0, 0, 0, time.UTC)

	loaded, err := st.SnapshotLoaded(ctx, "15022024")
	require.NoError(t, err)
	assert.False(t, loaded)

	require.NoError(t, st.StartRun(ctx, "run-1", base))
	require.NoError(t, st.CompleteRun(ctx, "run-1", base.Add(time.Minute), RunOutcome{
		Status:      model.RunStatusComplete,
		SnapshotID:  "15022024",
		SourceURL:   "https://example.org/15.02.2024.xlsx",
		RowsWritten: 3,
		Metadata:    map[string]any{"resolved": 1},
	}))

	require.NoError(t, st.StartRun(ctx, "run-2", base.Add(time.Hour)))
	require.NoError(t, st.FailRun(ctx, "run-2", base.Add(time.Hour+time.Second), "16022024", "schema mismatch"))

	require.NoError(t, st.StartRun(ctx, "run-3", base.Add(2*time.Hour)))
	require.NoError(t, st.CompleteRun(ctx, "run-3", base.Add(2*time.Hour), RunOutcome{Status: model.RunStatusNotFound}))

	loaded, err = st.SnapshotLoaded(ctx, "15022024")
	require.NoError(t, err)
	assert.True(t, loaded)

	loaded, err = st.SnapshotLoaded(ctx, "16022024")
	require.NoError(t, err)
	assert.False(t, loaded, "failed runs do not count as loaded")

	runs, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, model.RunStatusNotFound, runs[0].Status)
	assert.Empty(t, runs[0].SnapshotID)

	assert.Equal(t, model.RunStatusFailed, runs[1].Status)
	assert.Equal(t, "schema mismatch", runs[1].Error)

	assert.Equal(t, "run-1", runs[2].ID)
	assert.Equal(t, base, runs[2].StartedAt)
	require.NotNil(t, runs[2].CompletedAt)
	assert.Equal(t, base.Add(time.Minute), *runs[2].CompletedAt)
	assert.Equal(t, int64(3), runs[2].RowsWritten)
	assert.InDelta(t, 1, runs[2].Metadata["resolved"], 0)

	limited, err := st.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_CompleteUnknownRun(t *testing.T) {
	st := newTestSQLite(t)
	err := st.CompleteRun(context.Background(), "missing", time.Now(), RunOutcome{Status: model.RunStatusComplete})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestOpen_SQLite(t *testing.T) {
	wh, err := Open(context.Background(), config.WarehouseConfig{
		Driver:      "sqlite",
		HomeDir:     t.TempDir(),
		TablePrefix: "leeds_hmo",
	})
	require.NoError(t, err)
	defer wh.Close() //nolint:errcheck

	_, ok := wh.(*SQLite)
	assert.True(t, ok)
	assert.NoError(t, wh.Migrate(context.Background()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.WarehouseConfig{Driver: "duckdb"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestSQLite_LastCompletedRun(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	run, err := st.LastCompletedRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, run, "nothing loaded yet")

	base := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)
	require.NoError(t, st.StartRun(ctx, "load", base))
	require.NoError(t, st.CompleteRun(ctx, "load", base.Add(time.Minute), RunOutcome{
		Status:      model.RunStatusComplete,
		SnapshotID:  "02012024",
		RowsWritten: 10,
	}))

	// A long tail of unchanged runs pushes the load out of any recent window.
	for i := 1; i <= 30; i++ {
		id := fmt.Sprintf("daily-%02d", i)
		at := base.Add(time.Duration(i) * 24 * time.Hour)
		require.NoError(t, st.StartRun(ctx, id, at))
		require.NoError(t, st.CompleteRun(ctx, id, at.Add(time.Second), RunOutcome{
			Status:     model.RunStatusUnchanged,
			SnapshotID: "02012024",
		}))
	}

	run, err = st.LastCompletedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "load", run.ID)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, base.Add(time.Minute), *run.CompletedAt)
}
