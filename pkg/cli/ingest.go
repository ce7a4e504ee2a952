// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/hrdata-chaser/pkg/audit"
	"github.com/telekom/hrdata-chaser/pkg/ingest"
)

func newIngestCommand(rt *runtimeState) *cobra.Command {
	var pickupPath string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load classified-file exports from the pickup directory into the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := rt.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := rt.buildRecorder()
			if err != nil {
				return err
			}
			defer rec.Close()

			if pickupPath == "" {
				pickupPath = rt.cfg.Ingest.PickupPath
			}

			processor := ingest.NewProcessor(store, rt.cfg.Ingest.BatchRows, rt.cfg.Ingest.LoadFor, rt.log)
			stats, err := processor.Run(cmd.Context(), pickupPath)
			if err != nil {
				rec.Record(cmd.Context(), audit.EventIngestFailed, "", "", map[string]any{"error": err.Error()})
				return err
			}

			eventType := audit.EventIngestCompleted
			if stats.FailedArchives > 0 {
				eventType = audit.EventIngestFailed
			}
			rec.Record(cmd.Context(), eventType, "", "", map[string]any{
				"archives":       stats.Archives,
				"failedArchives": stats.FailedArchives,
				"rows":           stats.Rows,
				"owners":         stats.Owners,
			})

			fmt.Fprintf(rt.writer, "ingested %d archives (%d failed), %d rows, %d owners\n",
				stats.Archives, stats.FailedArchives, stats.Rows, stats.Owners)
			return nil
		},
	}

	cmd.Flags().StringVar(&pickupPath, "pickup", "", "override the configured pickup directory")
	return cmd
}
