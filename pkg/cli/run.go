// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one dispatch run and exit",
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

			summary, err := rt.buildOrchestrator(store, rec).RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(rt.writer, "run %s: attempted=%d sent=%d failed=%d skipped=%d\n",
				summary.RunID, summary.Attempted, summary.Sent, summary.Failed, summary.Skipped)
			return nil
		},
	}
}

func newPendingCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Report how many owners the next run would chase, without sending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := rt.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := rt.buildOrchestrator(store, nil).PendingRunSize(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(rt.writer, "%d owners pending\n", n)
			return nil
		},
	}
}
