package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"offshoot/api/internal/app"
	"offshoot/api/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.StoreDriver != "postgres" {
			return fmt.Errorf("migrate needs STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
		}
		if err := app.Migrate(cmd.Context(), cfg); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
