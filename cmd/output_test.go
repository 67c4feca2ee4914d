package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hmo-register/internal/model"
	"github.com/sells-group/hmo-register/internal/pipeline"
)

func sampleResult() *pipeline.Result {
	return &pipeline.Result{
		RunID:        "run-1",
		Status:       model.RunStatusComplete,
		SnapshotID:   "15022024",
		SourceURL:    "https://datamillnorth.org/download/hmo_register_15.02.2024.xlsx",
		Rows:         3,
		Postcodes:    2,
		Resolved:     1,
		Unresolved:   1,
		FailedChunks: 1,
		Calls:        2,
		Matched:      2,
		Table:        "leeds_hmo_15022024",
		Upserted:     3,
		ObjectKey:    "leeds_hmo/15022024.xlsx",
		Elapsed:      1500 * time.Millisecond,
	}
}

func TestCheckOutputFormat(t *testing.T) {
	for _, f := range []string{"text", "json", "yaml"} {
		assert.NoError(t, checkOutputFormat(f))
	}
	assert.Error(t, checkOutputFormat("csv"))
}

func TestWriteResult_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, "text", sampleResult()))

	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "15022024")
	assert.Contains(t, out, "3 (2 with coordinates)")
	assert.Contains(t, out, "2 unique, 1 resolved, 1 unresolved")
	assert.Contains(t, out, "2 calls, 1 failed")
	assert.Contains(t, out, "leeds_hmo_15022024 (3 upserted into register)")
	assert.Contains(t, out, "leeds_hmo/15022024.xlsx")
	assert.Contains(t, out, "1.5s")
}

func TestWriteResult_NotFound(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, "text", &pipeline.Result{RunID: "run-2", Status: model.RunStatusNotFound}))

	out := buf.String()
	assert.Contains(t, out, "not_found")
	assert.NotContains(t, out, "Snapshot")
	assert.NotContains(t, out, "Rows")
}

func TestWriteResult_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, "json", sampleResult()))

	assert.Contains(t, buf.String(), `"run_id": "run-1"`)
	assert.Contains(t, buf.String(), `"status": "complete"`)
	assert.Contains(t, buf.String(), `"failed_chunks": 1`)
}

func TestWriteResult_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, "yaml", sampleResult()))

	assert.Contains(t, buf.String(), "run_id: run-1")
	assert.Contains(t, buf.String(), "snapshot_id: \"15022024\"")
	assert.Contains(t, buf.String(), "object_key: leeds_hmo/15022024.xlsx")
}

func TestWriteRuns(t *testing.T) {
	start := time.Date(2024, 2, 20, 6, 0, 0, 0, time.UTC)
	done := start.Add(90 * time.Second)
	var buf bytes.Buffer
	require.NoError(t, writeRuns(&buf, []model.Run{
		{ID: "run-1", Status: model.RunStatusComplete, SnapshotID: "15022024", RowsWritten: 3, StartedAt: start, CompletedAt: &done},
		{ID: "run-2", Status: model.RunStatusRunning, StartedAt: start},
	}))

	out := buf.String()
	assert.Contains(t, out, "2024-02-20T06:00:00Z")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "run-2")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
