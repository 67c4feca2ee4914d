package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/hmo-register/internal/pipeline"
)

var locateOutput string

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Print the register version currently published",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOutputFormat(locateOutput); err != nil {
			return err
		}
		if err := cfg.Validate("locate"); err != nil {
			return err
		}

		p, err := pipeline.New(cfg, newFetcher(), nil, nil)
		if err != nil {
			return err
		}

		v, err := p.Locate(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if v == nil {
			if done, err := encode(out, locateOutput, map[string]any{"found": false, "landing_url": cfg.Source.LandingURL}); done {
				return err
			}
			_, err := fmt.Fprintf(out, "No register version found on %s\n", cfg.Source.LandingURL)
			return err
		}

		if done, err := encode(out, locateOutput, v); done {
			return err
		}
		_, err = fmt.Fprintf(out, "Snapshot: %s\nURL:      %s\n", v.SnapshotID, v.URL)
		return err
	},
}

func init() {
	locateCmd.Flags().StringVarP(&locateOutput, "output", "o", "text", "output format (text, json, yaml)")
	rootCmd.AddCommand(locateCmd)
}
