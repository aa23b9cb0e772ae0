package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/riftsync/ldb/internal/engine"
	"github.com/riftsync/ldb/internal/hlc"
	"github.com/riftsync/ldb/internal/merge"
	"github.com/riftsync/ldb/internal/syncorch"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one drain-upload / fetch-apply sync round",
	Long: `Run one sync round against a logging stub transport.

The engine's sync contract treats the network transport as opaque (the
caller supplies fetch/send); this command wires a transport stub that
logs what it would upload, acknowledges every uploaded row (which clears
it from the dirty-row queue), and fetches nothing, so the round trip can
be exercised without a real remote.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := engine.Open(ctx, cfg.DBPath, demoSchema(), engine.WithNodeID(cfg.NodeID), engine.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		mergeEngine := merge.New(e.Clock(), e.Streams(), logger)
		orch := syncorch.New(
			e, mergeEngine,
			stdoutFetch,
			stdoutSend,
			syncorch.WithBatchSize(cfg.BatchSize),
			syncorch.WithRetryPolicy(syncorch.FixedBackoff{Delays: backoffFromConfig()}),
			syncorch.WithLogger(logger),
		)

		if err := orch.TickWithRetry(ctx); err != nil {
			return fmt.Errorf("sync round: %w", err)
		}
		logger.Info("sync round complete")
		return nil
	},
}

func stdoutFetch(ctx context.Context, table string, lastSeen hlc.Timestamp) ([]map[string]any, error) {
	logger.Debug("fetch stub: no remote configured", "table", table, "last_seen", lastSeen.String())
	return nil, nil
}

func stdoutSend(ctx context.Context, batch []syncorch.RowUpload) ([]syncorch.Ack, error) {
	for _, u := range batch {
		body, _ := json.Marshal(u.Row)
		logger.Info("would upload", "table", u.Table, "row_id", u.RowID, "tombstone", u.Tombstone, "row", string(body))
	}
	acks := make([]syncorch.Ack, len(batch))
	for i, u := range batch {
		acks[i] = syncorch.Ack{Table: u.Table, RowID: u.RowID, HLC: u.HLC}
	}
	return acks, nil
}

func backoffFromConfig() []time.Duration {
	if len(cfg.RetryBackoff) > 0 {
		return cfg.RetryBackoff
	}
	return []time.Duration{250 * time.Millisecond, time.Second}
}
