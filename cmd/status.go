package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/hmo-register/internal/model"
	"github.com/sells-group/hmo-register/internal/monitoring"
)

var (
	statusLimit  int
	statusOutput string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs from the run log",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := checkOutputFormat(statusOutput); err != nil {
			return err
		}
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		wh, err := initWarehouse(ctx)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		runs, err := wh.ListRuns(ctx, statusLimit)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		snap, err := monitoring.NewCollector(wh, nil).Collect(ctx, statusLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if done, err := encode(out, statusOutput, statusReport{Summary: snap, Runs: runs}); done {
			return err
		}

		if len(runs) == 0 {
			_, err := fmt.Fprintln(out, "No runs found.")
			return err
		}
		if err := writeRuns(out, runs); err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "\n%d runs: %d complete, %d unchanged, %d not found, %d failed",
			snap.Total, snap.Complete, snap.Unchanged, snap.NotFound, snap.Failed)
		if err != nil {
			return err
		}
		if snap.LastSnapshotID != "" {
			_, err = fmt.Fprintf(out, "; latest snapshot %s", snap.LastSnapshotID)
		}
		if err == nil {
			_, err = fmt.Fprintln(out)
		}
		return err
	},
}

type statusReport struct {
	Summary *monitoring.RunSnapshot `json:"summary" yaml:"summary"`
	Runs    []model.Run             `json:"runs" yaml:"runs"`
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format (text, json, yaml)")
	rootCmd.AddCommand(statusCmd)
}
