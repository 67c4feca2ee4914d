package pipeline

import (
	"errors"
	"time"

	"github.com/sells-group/hmo-register/internal/model"
)

// Stages at which a run can abort.
const (
	StageRunLog    = "run_log"
	StageLocate    = "locate"
	StageIngest    = "ingest"
	StagePublish   = "publish"
	StageWarehouse = "warehouse"
)

// RunOpts controls a single run.
type RunOpts struct {
	// RunID is generated when empty.
	RunID string
	// Force reloads a snapshot even if it was already loaded.
	Force bool
	// DryRun resolves the snapshot but writes nothing, not even the run log.
	DryRun bool
}

// Result summarises a run.
type Result struct {
	RunID        string          `json:"run_id" yaml:"run_id"`
	Status       model.RunStatus `json:"status" yaml:"status"`
	SnapshotID   string          `json:"snapshot_id,omitempty" yaml:"snapshot_id,omitempty"`
	SourceURL    string          `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	Rows         int             `json:"rows" yaml:"rows"`
	Postcodes    int             `json:"postcodes" yaml:"postcodes"`
	Resolved     int             `json:"resolved" yaml:"resolved"`
	Unresolved   int             `json:"unresolved" yaml:"unresolved"`
	FailedChunks int             `json:"failed_chunks" yaml:"failed_chunks"`
	Calls        int             `json:"geocode_calls" yaml:"geocode_calls"`
	Matched      int             `json:"matched_rows" yaml:"matched_rows"`
	ObjectKey    string          `json:"object_key,omitempty" yaml:"object_key,omitempty"`
	Table        string          `json:"table,omitempty" yaml:"table,omitempty"`
	Upserted     int64           `json:"upserted" yaml:"upserted"`
	DryRun       bool            `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Error        string          `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at" yaml:"started_at"`
	Elapsed      time.Duration   `json:"elapsed_ns" yaml:"elapsed"`

	// Data is the enriched table; nil when the run stopped before ingest.
	Data *model.Table `json:"-" yaml:"-"`
}

func (r *Result) metadata() map[string]any {
	md := map[string]any{
		"postcodes":     r.Postcodes,
		"resolved":      r.Resolved,
		"unresolved":    r.Unresolved,
		"failed_chunks": r.FailedChunks,
		"geocode_calls": r.Calls,
	}
	if r.Table != "" {
		md["table"] = r.Table
	}
	if r.ObjectKey != "" {
		md["object_key"] = r.ObjectKey
	}
	return md
}

// StageError is returned by Run when a run aborts.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return "pipeline: " + e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err aborted a run.
func IsFatal(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

// FailedStage returns the stage that aborted the run, or "" if err is not
// a run failure.
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
