package warehouse

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	lockSQL   = "SELECT pg_advisory_lock(48151623)"
	unlockSQL = "SELECT pg_advisory_unlock(48151623)"
)

// migrationNames returns the embedded migration files in apply order.
func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// renderMigration substitutes the quoted schema name.
func renderMigration(name, schema string) (string, error) {
	data, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return "", eris.Wrapf(err, "warehouse: read migration %s", name)
	}
	return strings.ReplaceAll(string(data), "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// migratePostgres applies pending migrations under an advisory lock so
// overlapping deploys do not race.
func migratePostgres(ctx context.Context, pool db.Pool, schema string) error {
	log := zap.L().With(zap.String("component", "warehouse.migrate"))

	if _, err := pool.Exec(ctx, lockSQL); err != nil {
		return eris.Wrap(err, "warehouse: acquire migration advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, unlockSQL); err != nil {
			log.Warn("warehouse: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	quoted := pgx.Identifier{schema}.Sanitize()
	ensure := `CREATE SCHEMA IF NOT EXISTS ` + quoted + `;
		CREATE TABLE IF NOT EXISTS ` + quoted + `.schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`
	if _, err := pool.Exec(ctx, ensure); err != nil {
		return eris.Wrap(err, "warehouse: ensure migration table")
	}

	applied, err := appliedMigrations(ctx, pool, quoted)
	if err != nil {
		return err
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		sql, err := renderMigration(name, schema)
		if err != nil {
			return err
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "warehouse: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO "+quoted+".schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "warehouse: record migration %s", name)
		}
	}

	return nil
}

func appliedMigrations(ctx context.Context, pool db.Pool, quotedSchema string) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM "+quotedSchema+".schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
