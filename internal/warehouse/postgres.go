package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/db"
	"github.com/sells-group/hmo-register/internal/model"
)

// Postgres is the pgx-backed Warehouse.
type Postgres struct {
	pool   db.Pool
	schema string
	prefix string
}

// NewPostgres wraps an open pool. schema and prefix must be plain lower-case
// identifiers.
func NewPostgres(pool db.Pool, schema, prefix string) (*Postgres, error) {
	if !identRe.MatchString(schema) {
		return nil, eris.Errorf("warehouse: invalid schema %q", schema)
	}
	if !identRe.MatchString(prefix) {
		return nil, eris.Errorf("warehouse: invalid table prefix %q", prefix)
	}
	return &Postgres{pool: pool, schema: schema, prefix: prefix}, nil
}

// Migrate applies the embedded migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, p.pool, p.schema)
}

func (p *Postgres) qualified(table string) string {
	return p.schema + "." + table
}

// WriteSnapshot drops and recreates <schema>.<prefix>_<snapshot>, copies the
// rows in, then upserts them into the register, all in one transaction.
func (p *Postgres) WriteSnapshot(ctx context.Context, table *model.Table) (*WriteResult, error) {
	if table == nil {
		return nil, eris.New("warehouse: nil table")
	}
	name, err := SnapshotTableName(p.prefix, table.SnapshotID)
	if err != nil {
		return nil, err
	}
	target := p.qualified(name)

	values, err := tableValues(table.Rows)
	if err != nil {
		return nil, err
	}
	registerValues, err := tableValues(registerRows(table.Rows))
	if err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ident := db.Identifier(target).Sanitize()
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident); err != nil {
		return nil, eris.Wrapf(err, "warehouse: drop %s", target)
	}
	if _, err := tx.Exec(ctx, snapshotDDL(ident)); err != nil {
		return nil, eris.Wrapf(err, "warehouse: create %s", target)
	}

	n, err := db.CopyFrom(ctx, tx, target, Columns, values)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: load %s", target)
	}

	upserted, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
		Table:        p.qualified("register"),
		Columns:      Columns,
		ConflictKeys: []string{model.ColHMOID},
	}, registerValues)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: upsert register")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "warehouse: commit snapshot")
	}

	zap.L().Info("warehouse: snapshot written",
		zap.String("table", target),
		zap.Int64("rows", n),
		zap.Int64("upserted", upserted),
	)

	return &WriteResult{Table: target, Rows: n, Upserted: upserted}, nil
}

func snapshotDDL(ident string) string {
	cols := make([]string, 0, len(Columns))
	for _, c := range Columns {
		quoted := pgx.Identifier{c}.Sanitize()
		switch c {
		case model.ColLatitude, model.ColLongitude:
			cols = append(cols, quoted+" DOUBLE PRECISION")
		case "location":
			cols = append(cols, quoted+" BYTEA")
		default:
			cols = append(cols, quoted+" TEXT")
		}
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", ident, strings.Join(cols, ", "))
}

// SnapshotLoaded reports whether a completed run already wrote snapshotID.
func (p *Postgres) SnapshotLoaded(ctx context.Context, snapshotID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+p.syncLog()+` WHERE snapshot_id = $1 AND status = $2)`,
		snapshotID, string(model.RunStatusComplete),
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "warehouse: check snapshot %s", snapshotID)
	}
	return exists, nil
}

func (p *Postgres) syncLog() string {
	return db.Identifier(p.qualified("sync_log")).Sanitize()
}

// StartRun records a running run.
func (p *Postgres) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.syncLog()+` (run_id, status, started_at) VALUES ($1, $2, $3)`,
		runID, string(model.RunStatusRunning), startedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse: start run %s", runID)
	}
	return nil
}

// CompleteRun records a run that ended without a fatal error.
func (p *Postgres) CompleteRun(ctx context.Context, runID string, completedAt time.Time, outcome RunOutcome) error {
	var metaJSON []byte
	if outcome.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(outcome.Metadata)
		if err != nil {
			return eris.Wrap(err, "warehouse: marshal run metadata")
		}
	}

	_, err := p.pool.Exec(ctx,
		`UPDATE `+p.syncLog()+`
		 SET status = $1, completed_at = $2, snapshot_id = $3, source_url = $4, rows_written = $5, metadata = $6
		 WHERE run_id = $7`,
		string(outcome.Status), completedAt, nullable(outcome.SnapshotID), nullable(outcome.SourceURL),
		outcome.RowsWritten, metaJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse: complete run %s", runID)
	}
	return nil
}

// FailRun records a run that aborted.
func (p *Postgres) FailRun(ctx context.Context, runID string, completedAt time.Time, snapshotID, errMsg string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE `+p.syncLog()+`
		 SET status = $1, completed_at = $2, snapshot_id = $3, error = $4
		 WHERE run_id = $5`,
		string(model.RunStatusFailed), completedAt, nullable(snapshotID), errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse: fail run %s", runID)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM `+p.syncLog()+` ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastCompletedRun returns the most recent complete run, or nil when no
// snapshot was ever loaded.
func (p *Postgres) LastCompletedRun(ctx context.Context) (*model.Run, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+runColumns+`
		 FROM `+p.syncLog()+` WHERE status = $1 ORDER BY completed_at DESC LIMIT 1`,
		string(model.RunStatusComplete),
	)
	r, err := scanPGRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanPGRun(row pgx.Row) (model.Run, error) {
	var (
		r           model.Run
		status      string
		snapshotID  *string
		sourceURL   *string
		completedAt *time.Time
		errStr      *string
		metaJSON    []byte
	)
	if err := row.Scan(&r.ID, &status, &snapshotID, &sourceURL, &r.StartedAt, &completedAt, &r.RowsWritten, &errStr, &metaJSON); err != nil {
		return r, eris.Wrap(err, "warehouse: scan run")
	}
	r.Status = model.RunStatus(status)
	r.SnapshotID = deref(snapshotID)
	r.SourceURL = deref(sourceURL)
	r.CompletedAt = completedAt
	r.Error = deref(errStr)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &r.Metadata)
	}
	return r, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
