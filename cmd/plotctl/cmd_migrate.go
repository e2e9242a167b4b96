package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tables or indexes of the configured store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		if err := e.stores.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate %s: %w", e.cfg.StoreDriver, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations completed")
		return nil
	},
}
