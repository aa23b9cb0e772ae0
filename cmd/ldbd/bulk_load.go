package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/riftsync/ldb/internal/engine"
	"github.com/riftsync/ldb/internal/merge"
)

var (
	flagBulkLoadFile   string
	flagBulkLoadPolicy string
)

func init() {
	bulkLoadCmd.Flags().StringVar(&flagBulkLoadFile, "file", "", "path to a JSON array of row objects (required)")
	bulkLoadCmd.Flags().StringVar(&flagBulkLoadPolicy, "policy", "", "constraint-violation policy: throw or skip (default: config's constraint_policy)")
	_ = bulkLoadCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(bulkLoadCmd)
}

var bulkLoadCmd = &cobra.Command{
	Use:   "bulk-load",
	Short: "Apply server-shaped rows from a JSON file into the demo items table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := os.ReadFile(flagBulkLoadFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", flagBulkLoadFile, err)
		}
		var rows []map[string]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return fmt.Errorf("parse %s: %w", flagBulkLoadFile, err)
		}

		policy := resolvePolicy(flagBulkLoadPolicy)

		e, err := engine.Open(ctx, cfg.DBPath, demoSchema(), engine.WithNodeID(cfg.NodeID), engine.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		mergeEngine := merge.New(e.Clock(), e.Streams(), logger)
		table, err := e.Table("items")
		if err != nil {
			return err
		}

		result, err := mergeEngine.BulkLoad(ctx, e.Adapter(), table, rows, policy)
		if err != nil {
			return fmt.Errorf("bulk load: %w", err)
		}
		logger.Info("bulk load complete", "inserted", result.Inserted, "updated", result.Updated, "skipped", result.Skipped)
		for _, w := range result.Warnings {
			logger.Warn(w)
		}
		return nil
	},
}

func resolvePolicy(flag string) merge.Policy {
	p := flag
	if p == "" {
		p = cfg.ConstraintPolicy
	}
	if p == "skip" {
		return merge.Skip
	}
	return merge.ThrowException
}
