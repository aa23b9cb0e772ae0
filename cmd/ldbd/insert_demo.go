package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/riftsync/ldb/internal/engine"
)

var (
	flagItemName string
	flagItemQty  int
)

func init() {
	insertDemoCmd.Flags().StringVar(&flagItemName, "name", "widget", "item name")
	insertDemoCmd.Flags().IntVar(&flagItemQty, "quantity", 1, "item quantity")
	rootCmd.AddCommand(insertDemoCmd)
}

var insertDemoCmd = &cobra.Command{
	Use:   "insert-demo",
	Short: "Insert one row into the demo items table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := engine.Open(ctx, cfg.DBPath, demoSchema(), engine.WithNodeID(cfg.NodeID), engine.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		id, err := e.Insert(ctx, "items", map[string]any{"name": flagItemName, "quantity": flagItemQty})
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		logger.Info("inserted", "system_id", id, "name", flagItemName, "quantity", flagItemQty)
		return nil
	},
}
