package model

import "time"

// RunStatus is the state of one register run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusNotFound  RunStatus = "not_found"
	RunStatusUnchanged RunStatus = "unchanged"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one recorded register run.
type Run struct {
	ID          string         `json:"id" yaml:"id"`
	Status      RunStatus      `json:"status" yaml:"status"`
	SnapshotID  string         `json:"snapshot_id,omitempty" yaml:"snapshot_id,omitempty"`
	SourceURL   string         `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	RowsWritten int64          `json:"rows_written" yaml:"rows_written"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}
