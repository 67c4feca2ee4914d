package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/hmo-register/internal/model"
)

// SQLite is a single-file Warehouse for local runs.
type SQLite struct {
	db     *sql.DB
	prefix string
}

// NewSQLite opens the database at path, creating its directory if needed.
func NewSQLite(path, prefix string) (*SQLite, error) {
	if !identRe.MatchString(prefix) {
		return nil, eris.Errorf("warehouse: invalid table prefix %q", prefix)
	}
	if dir := filepath.Dir(path); dir != "" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create %s", dir)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLite{db: db, prefix: prefix}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS register (
	street_name    TEXT NOT NULL DEFAULT '',
	address        TEXT NOT NULL DEFAULT '',
	renewal_date   TEXT NOT NULL DEFAULT '',
	licence_holder TEXT NOT NULL DEFAULT '',
	max_tenants    TEXT NOT NULL DEFAULT '',
	hmo_id         TEXT PRIMARY KEY,
	postcode       TEXT,
	date_added     TEXT NOT NULL,
	latitude       REAL,
	longitude      REAL,
	coordinates    TEXT,
	location       BLOB
);

CREATE TABLE IF NOT EXISTS sync_log (
	run_id       TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	snapshot_id  TEXT,
	source_url   TEXT,
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	rows_written INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT
);

CREATE INDEX IF NOT EXISTS idx_register_postcode ON register(postcode);
CREATE INDEX IF NOT EXISTS idx_sync_log_snapshot ON sync_log(snapshot_id, status);
CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_at);
`

// Migrate creates the tables.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// WriteSnapshot replaces the snapshot table and merges rows into the register.
func (s *SQLite) WriteSnapshot(ctx context.Context, table *model.Table) (*WriteResult, error) {
	if table == nil {
		return nil, eris.New("sqlite: nil table")
	}
	name, err := SnapshotTableName(s.prefix, table.SnapshotID)
	if err != nil {
		return nil, err
	}

	values, err := tableValues(table.Rows)
	if err != nil {
		return nil, err
	}
	registerValues, err := tableValues(registerRows(table.Rows))
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	quoted := quoteSQLite(name)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		return nil, eris.Wrapf(err, "sqlite: drop %s", name)
	}
	if _, err := tx.ExecContext(ctx, sqliteSnapshotDDL(quoted)); err != nil {
		return nil, eris.Wrapf(err, "sqlite: create %s", name)
	}

	n, err := insertAll(ctx, tx, "INSERT INTO "+quoted, values)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load %s", name)
	}
	upserted, err := insertAll(ctx, tx, "INSERT OR REPLACE INTO register", registerValues)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert register")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit snapshot")
	}

	zap.L().Info("warehouse: snapshot written",
		zap.String("table", name),
		zap.Int64("rows", n),
		zap.Int64("upserted", upserted),
	)
	return &WriteResult{Table: name, Rows: n, Upserted: upserted}, nil
}

func insertAll(ctx context.Context, tx *sql.Tx, verb string, values [][]any) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(Columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("%s (%s) VALUES (%s)", verb, strings.Join(Columns, ", "), placeholders))
	if err != nil {
		return 0, err
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, v...); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func sqliteSnapshotDDL(quoted string) string {
	cols := make([]string, 0, len(Columns))
	for _, c := range Columns {
		switch c {
		case model.ColLatitude, model.ColLongitude:
			cols = append(cols, c+" REAL")
		case "location":
			cols = append(cols, c+" BLOB")
		default:
			cols = append(cols, c+" TEXT")
		}
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoted, strings.Join(cols, ", "))
}

func quoteSQLite(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SnapshotLoaded reports whether a completed run already wrote snapshotID.
func (s *SQLite) SnapshotLoaded(ctx context.Context, snapshotID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_log WHERE snapshot_id = ? AND status = ?)`,
		snapshotID, string(model.RunStatusComplete),
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check snapshot %s", snapshotID)
	}
	return exists == 1, nil
}

// StartRun records a running run.
func (s *SQLite) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (run_id, status, started_at) VALUES (?, ?, ?)`,
		runID, string(model.RunStatusRunning), formatTime(startedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start run %s", runID)
	}
	return nil
}

// CompleteRun records a run that ended without a fatal error.
func (s *SQLite) CompleteRun(ctx context.Context, runID string, completedAt time.Time, outcome RunOutcome) error {
	var meta any
	if outcome.Metadata != nil {
		data, err := json.Marshal(outcome.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run metadata")
		}
		meta = string(data)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_log
		 SET status = ?, completed_at = ?, snapshot_id = ?, source_url = ?, rows_written = ?, metadata = ?
		 WHERE run_id = ?`,
		string(outcome.Status), formatTime(completedAt), nullable(outcome.SnapshotID), nullable(outcome.SourceURL),
		outcome.RowsWritten, meta, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

// FailRun records a run that aborted.
func (s *SQLite) FailRun(ctx context.Context, runID string, completedAt time.Time, snapshotID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_log SET status = ?, completed_at = ?, snapshot_id = ?, error = ? WHERE run_id = ?`,
		string(model.RunStatusFailed), formatTime(completedAt), nullable(snapshotID), errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

// ListRuns returns up to limit runs, newest first.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+`
		 FROM sync_log ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastCompletedRun returns the most recent complete run, or nil when no
// snapshot was ever loaded.
func (s *SQLite) LastCompletedRun(ctx context.Context) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+`
		 FROM sync_log WHERE status = ? ORDER BY completed_at DESC LIMIT 1`,
		string(model.RunStatusComplete),
	)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanSQLiteRun(row interface{ Scan(dest ...any) error }) (model.Run, error) {
	var (
		r           model.Run
		status      string
		snapshotID  sql.NullString
		sourceURL   sql.NullString
		startedAt   string
		completedAt sql.NullString
		errStr      sql.NullString
		meta        sql.NullString
	)
	if err := row.Scan(&r.ID, &status, &snapshotID, &sourceURL, &startedAt, &completedAt, &r.RowsWritten, &errStr, &meta); err != nil {
		return r, eris.Wrap(err, "sqlite: scan run")
	}
	r.Status = model.RunStatus(status)
	r.SnapshotID = snapshotID.String
	r.SourceURL = sourceURL.String
	r.Error = errStr.String

	var err error
	if r.StartedAt, err = time.Parse(sqliteTime, startedAt); err != nil {
		return r, eris.Wrapf(err, "sqlite: parse started_at for %s", r.ID)
	}
	if completedAt.Valid {
		t, err := time.Parse(sqliteTime, completedAt.String)
		if err != nil {
			return r, eris.Wrapf(err, "sqlite: parse completed_at for %s", r.ID)
		}
		r.CompletedAt = &t
	}
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &r.Metadata)
	}
	return r, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// sqliteTime is fixed-width so lexical order matches time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: run %s not found", runID)
	}
	return nil
}
