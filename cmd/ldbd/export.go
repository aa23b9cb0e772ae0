package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/riftsync/ldb/internal/adapter"
)

var flagExportOut string

func init() {
	exportCmd.Flags().StringVar(&flagExportOut, "out", "", "output file path (required)")
	_ = exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a raw, reopenable copy of the SQLite database file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := adapter.Open(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.DBPath, err)
		}
		defer a.Close()

		image, err := a.ExportDatabase()
		if err != nil {
			return fmt.Errorf("export database: %w", err)
		}
		if err := os.WriteFile(flagExportOut, image, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", flagExportOut, err)
		}
		logger.Info("exported database", "path", flagExportOut, "size", humanize.Bytes(uint64(len(image))))
		return nil
	},
}
