package warehouse

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectAdvisoryLock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func expectAdvisoryUnlock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func TestMigrationNames(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_register.sql", "002_sync_log.sql"}, names)
}

func TestRenderMigration(t *testing.T) {
	sql, err := renderMigration("001_register.sql", "hmo")
	require.NoError(t, err)
	assert.Contains(t, sql, `"hmo".register`)
	assert.NotContains(t, sql, "{{schema}}")
}

func TestMigrate_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "hmo"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM "hmo".schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	for _, name := range []string{"001_register.sql", "002_sync_log.sql"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec(`INSERT INTO "hmo".schema_migrations`).
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	expectAdvisoryUnlock(mock)

	pg, err := NewPostgres(mock, "hmo", "leeds_hmo")
	require.NoError(t, err)
	require.NoError(t, pg.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SomeAlreadyApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_register.sql"))
	mock.ExpectExec("sync_log").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO").WithArgs("002_sync_log.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectAdvisoryUnlock(mock)

	require.NoError(t, migratePostgres(context.Background(), mock, "hmo"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AllApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_register.sql").AddRow("002_sync_log.sql"))
	expectAdvisoryUnlock(mock)

	require.NoError(t, migratePostgres(context.Background(), mock, "hmo"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ApplyFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM").WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec("register").WillReturnError(errors.New("permission denied"))
	expectAdvisoryUnlock(mock)

	err = migratePostgres(context.Background(), mock, "hmo")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "apply migration 001_register.sql"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_LockFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnError(errors.New("conn refused"))

	err = migratePostgres(context.Background(), mock, "hmo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "advisory lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}
