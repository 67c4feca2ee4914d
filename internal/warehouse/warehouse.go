// Package warehouse persists enriched register snapshots and the run log.
package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/hmo-register/internal/model"
)

// Warehouse stores snapshot tables, the merged register and the run log.
type Warehouse interface {
	// Migrate creates or upgrades the warehouse tables.
	Migrate(ctx context.Context) error

	// WriteSnapshot replaces the snapshot's table and upserts its rows into
	// the register. Re-writing the same snapshot is idempotent.
	WriteSnapshot(ctx context.Context, table *model.Table) (*WriteResult, error)

	// SnapshotLoaded reports whether a run already completed for snapshotID.
	SnapshotLoaded(ctx context.Context, snapshotID string) (bool, error)

	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	CompleteRun(ctx context.Context, runID string, completedAt time.Time, outcome RunOutcome) error
	FailRun(ctx context.Context, runID string, completedAt time.Time, snapshotID, errMsg string) error

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// LastCompletedRun returns the latest complete run regardless of how
	// many runs followed it, or nil when none exists.
	LastCompletedRun(ctx context.Context) (*model.Run, error)

	Close() error
}

// WriteResult describes a completed snapshot write.
type WriteResult struct {
	Table    string `json:"table"`
	Rows     int64  `json:"rows"`
	Upserted int64  `json:"upserted"`
}

// RunOutcome is recorded when a run ends without a fatal error.
type RunOutcome struct {
	Status      model.RunStatus
	SnapshotID  string
	SourceURL   string
	RowsWritten int64
	Metadata    map[string]any
}

const runColumns = "run_id, status, snapshot_id, source_url, started_at, completed_at, rows_written, error, metadata"

// Columns is the snapshot and register column order.
var Columns = append(append([]string{}, model.Columns...), "location")

var (
	identRe    = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	snapshotRe = regexp.MustCompile(`^[0-9]+$`)
)

// SnapshotTableName returns "<prefix>_<snapshotID>".
func SnapshotTableName(prefix, snapshotID string) (string, error) {
	if !identRe.MatchString(prefix) {
		return "", eris.Errorf("warehouse: invalid table prefix %q", prefix)
	}
	if !snapshotRe.MatchString(snapshotID) {
		return "", eris.Errorf("warehouse: invalid snapshot id %q", snapshotID)
	}
	return fmt.Sprintf("%s_%s", prefix, snapshotID), nil
}

// rowValues renders a row in Columns order, adding the EWKB location.
func rowValues(r model.Row) ([]any, error) {
	loc, err := encodeLocation(r.Coordinates)
	if err != nil {
		return nil, err
	}
	var locVal any
	if loc != nil {
		locVal = loc
	}
	return append(r.Values(), locVal), nil
}

func tableValues(rows []model.Row) ([][]any, error) {
	out := make([][]any, 0, len(rows))
	for i, r := range rows {
		vals, err := rowValues(r)
		if err != nil {
			return nil, eris.Wrapf(err, "warehouse: row %d", i)
		}
		out = append(out, vals)
	}
	return out, nil
}

// encodeLocation returns an EWKB point (SRID 4326, lon/lat order) or nil.
func encodeLocation(c *model.Coordinates) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	p := geom.NewPointFlat(geom.XY, []float64{c.Longitude, c.Latitude}).SetSRID(4326)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: encode location")
	}
	return data, nil
}

// registerRows keeps the last row for each hmo_id. Rows without an
// identifier cannot be keyed and are left out of the register.
func registerRows(rows []model.Row) []model.Row {
	pos := make(map[string]int, len(rows))
	out := make([]model.Row, 0, len(rows))
	for _, r := range rows {
		if r.HMOID == "" {
			continue
		}
		if i, ok := pos[r.HMOID]; ok {
			out[i] = r
			continue
		}
		pos[r.HMOID] = len(out)
		out = append(out, r)
	}
	return out
}
