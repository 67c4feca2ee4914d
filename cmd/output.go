package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/hmo-register/internal/model"
	"github.com/sells-group/hmo-register/internal/pipeline"
)

func checkOutputFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	default:
		return eris.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// encode writes v as json or yaml. It reports false for the text format.
func encode(out io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

// writeResult renders a run result.
func writeResult(out io.Writer, format string, res *pipeline.Result) error {
	if done, err := encode(out, format, res); done {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", res.Status)
	if res.DryRun {
		_, _ = fmt.Fprintf(w, "Dry run:\tyes\n")
	}
	if res.SnapshotID != "" {
		_, _ = fmt.Fprintf(w, "Snapshot:\t%s\n", res.SnapshotID)
		_, _ = fmt.Fprintf(w, "Source:\t%s\n", res.SourceURL)
	}
	if res.Rows > 0 {
		_, _ = fmt.Fprintf(w, "Rows:\t%d (%d with coordinates)\n", res.Rows, res.Matched)
		_, _ = fmt.Fprintf(w, "Postcodes:\t%d unique, %d resolved, %d unresolved\n", res.Postcodes, res.Resolved, res.Unresolved)
		_, _ = fmt.Fprintf(w, "Lookups:\t%d calls, %d failed\n", res.Calls, res.FailedChunks)
	}
	if res.Table != "" {
		_, _ = fmt.Fprintf(w, "Table:\t%s (%d upserted into register)\n", res.Table, res.Upserted)
	}
	if res.ObjectKey != "" {
		_, _ = fmt.Fprintf(w, "Object:\t%s\n", res.ObjectKey)
	}
	if res.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", res.Error)
	}
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", res.Elapsed.Round(time.Millisecond))
	return w.Flush()
}

// writeRuns renders the run log as a table.
func writeRuns(out io.Writer, runs []model.Run) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSTATUS\tSNAPSHOT\tROWS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		snapshot := r.SnapshotID
		if snapshot == "" {
			snapshot = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Status, snapshot, r.RowsWritten,
			r.StartedAt.UTC().Format(time.RFC3339), dur, truncate(r.Error, 60),
		)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
