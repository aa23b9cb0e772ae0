package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/riftsync/ldb/internal/adapter"
	"github.com/riftsync/ldb/internal/schema"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Reconcile the database file against the declared demo schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := adapter.Open(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.DBPath, err)
		}
		defer a.Close()

		warnings, err := schema.New(logger).Reconcile(ctx, a, demoSchema())
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		for _, w := range warnings {
			logger.Warn("storage class drift", "table", w.Table, "column", w.Column, "declared", w.Declared, "live", w.Live)
		}
		logger.Info("migration complete", "db", cfg.DBPath, "tables", len(demoSchema().Tables))
		return nil
	},
}
