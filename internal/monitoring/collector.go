package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/sells-group/hmo-register/internal/model"
)

// RunSnapshot summarises the most recent runs.
type RunSnapshot struct {
	Total     int     `json:"total"`
	Complete  int     `json:"complete"`
	Failed    int     `json:"failed"`
	Running   int     `json:"running"`
	NotFound  int     `json:"not_found"`
	Unchanged int     `json:"unchanged"`
	FailRate  float64 `json:"fail_rate"`

	// Latest successfully loaded snapshot.
	LastSnapshotID string     `json:"last_snapshot_id,omitempty"`
	LastLoadedAt   *time.Time `json:"last_loaded_at,omitempty"`

	LookbackRuns int       `json:"lookback_runs"`
	CollectedAt  time.Time `json:"collected_at"`
}

// RunLister lists the most recent runs, newest first.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
}

// RunLog is the part of the warehouse run log read by the collector.
type RunLog interface {
	RunLister
	LastCompletedRun(ctx context.Context) (*model.Run, error)
}

// Collector builds RunSnapshots from the run log.
type Collector struct {
	runs  RunLog
	clock clockwork.Clock
}

// NewCollector creates a new run collector.
func NewCollector(runs RunLog, clock clockwork.Clock) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{runs: runs, clock: clock}
}

// Collect summarises the last lookback runs, newest first.
func (c *Collector) Collect(ctx context.Context, lookback int) (*RunSnapshot, error) {
	runs, err := c.runs.ListRuns(ctx, lookback)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap := &RunSnapshot{
		Total:        len(runs),
		LookbackRuns: lookback,
		CollectedAt:  c.clock.Now().UTC(),
	}

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.Complete++
		case model.RunStatusFailed:
			snap.Failed++
		case model.RunStatusRunning:
			snap.Running++
		case model.RunStatusNotFound:
			snap.NotFound++
		case model.RunStatusUnchanged:
			snap.Unchanged++
		}
	}

	// The latest load may be older than the window when the source has not
	// changed for many runs.
	last, err := c.runs.LastCompletedRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last completed run")
	}
	if last != nil && last.CompletedAt != nil {
		at := last.CompletedAt.UTC()
		snap.LastLoadedAt = &at
		snap.LastSnapshotID = last.SnapshotID
	}

	if finished := snap.Complete + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	return snap, nil
}
