package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/pipeline"
)

var (
	runForce  bool
	runDryRun bool
	runOutput string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest the latest register snapshot",
	Long: "Locates the current register on the landing page and loads it unless that snapshot " +
		"was already loaded. Exits non-zero only when the run fails.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := checkOutputFormat(runOutput); err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run", processMetrics())
		if err != nil {
			return err
		}
		defer env.Close()

		res, runErr := env.Pipeline.Run(ctx, pipeline.RunOpts{Force: runForce, DryRun: runDryRun})
		if res != nil {
			if err := writeResult(cmd.OutOrStdout(), runOutput, res); err != nil {
				return err
			}
		}
		if pipeline.IsFatal(runErr) {
			zap.L().Error("run aborted",
				zap.String("stage", pipeline.FailedStage(runErr)),
				zap.Error(runErr),
			)
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().BoolVar(&runForce, "force", false, "reload the snapshot even if it was already loaded")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "resolve the snapshot without writing anything")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format (text, json, yaml)")
	rootCmd.AddCommand(runCmd)
}
