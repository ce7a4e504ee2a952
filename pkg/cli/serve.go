// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/telekom/hrdata-chaser/pkg/metrics"
)

func newServeCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run dispatch on the configured schedule until terminated",
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

			orchestrator := rt.buildOrchestrator(store, rec)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			scheduler := cron.New()
			_, err = scheduler.AddFunc(rt.cfg.Chase.Schedule, func() {
				summary, err := orchestrator.RunOnce(ctx)
				if err != nil {
					rt.log.Errorw("Scheduled dispatch run failed", "error", err)
					return
				}
				rt.log.Infow("Scheduled dispatch run finished",
					"runID", summary.RunID,
					"attempted", summary.Attempted,
					"sent", summary.Sent,
					"failed", summary.Failed,
					"skipped", summary.Skipped)
			})
			if err != nil {
				return fmt.Errorf("invalid schedule %q: %w", rt.cfg.Chase.Schedule, err)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			srv := &http.Server{
				Addr:              rt.cfg.Server.MetricsAddress,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			scheduler.Start()
			rt.log.Infow("Chaser serving",
				"schedule", rt.cfg.Chase.Schedule,
				"metrics", rt.cfg.Server.MetricsAddress,
				"env", rt.cfg.Env)

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("metrics server: %w", err)
			}

			rt.log.Info("Shutting down")
			cronCtx := scheduler.Stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)

			// Let an in-flight run finish before closing the store.
			select {
			case <-cronCtx.Done():
			case <-shutdownCtx.Done():
			}
			return nil
		},
	}
}
