package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the warehouse tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		wh, err := initWarehouse(cmd.Context())
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		zap.L().Info("warehouse migrated", zap.String("driver", cfg.Warehouse.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
