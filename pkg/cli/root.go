// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/hrdata-chaser/pkg/audit"
	"github.com/telekom/hrdata-chaser/pkg/chase"
	"github.com/telekom/hrdata-chaser/pkg/config"
	"github.com/telekom/hrdata-chaser/pkg/dispatch"
	"github.com/telekom/hrdata-chaser/pkg/ledger"
	"github.com/telekom/hrdata-chaser/pkg/mail"
)

type runtimeState struct {
	configPath string
	debug      bool
	writer     io.Writer

	cfg config.Config
	log *zap.SugaredLogger
}

// NewRootCommand builds the chaser command tree. A nil writer defaults to
// stdout.
func NewRootCommand(out io.Writer) *cobra.Command {
	if out == nil {
		out = os.Stdout
	}
	rt := &runtimeState{writer: out}

	root := &cobra.Command{
		Use:           "chaser",
		Short:         "HR data notification dispatch and escalation ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			rt.cfg = cfg
			rt.log = setupLogger(rt.debug)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&rt.configPath, "config", "c", "", "path to the config file (defaults to ./config.yaml or $CHASER_CONFIG_PATH)")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "enable debug level logging")

	root.AddCommand(
		newRunCommand(rt),
		newServeCommand(rt),
		newPendingCommand(rt),
		newIngestCommand(rt),
		newVersionCommand(rt),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func setupLogger(debug bool) *zap.SugaredLogger {
	var zlog *zap.Logger
	var err error
	if debug {
		zlog, err = zap.NewDevelopment()
	} else {
		zlog, err = zap.NewProduction()
	}
	if err != nil {
		stdlog.Fatalf("failed to set up logger: %v", err)
	}
	return zlog.Sugar()
}

// openStore opens the ledger database from config.
func (rt *runtimeState) openStore() (*ledger.Store, error) {
	return ledger.Open(rt.cfg.Store.Path,
		time.Duration(rt.cfg.Store.BusyTimeoutMs)*time.Millisecond, rt.log)
}

// buildRecorder wires the audit trail: structured log always, Kafka when
// brokers are configured.
func (rt *runtimeState) buildRecorder() (*audit.Recorder, error) {
	sinks := []audit.Sink{audit.NewLogSink(rt.log.Desugar())}

	if len(rt.cfg.Audit.Brokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(audit.KafkaSinkConfig{
			Name:         rt.cfg.Audit.ClientID,
			Brokers:      rt.cfg.Audit.Brokers,
			Topic:        rt.cfg.Audit.Topic,
			WriteTimeout: time.Duration(rt.cfg.Audit.WriteTimeoutSeconds) * time.Second,
		}, rt.log.Desugar())
		if err != nil {
			return nil, fmt.Errorf("building Kafka audit sink: %w", err)
		}
		sinks = append(sinks, kafkaSink)
	}

	return audit.NewRecorder(audit.NewMultiSink(sinks, rt.log.Desugar()), rt.log.Desugar()), nil
}

// buildOrchestrator assembles the full dispatch pipeline.
func (rt *runtimeState) buildOrchestrator(store *ledger.Store, rec *audit.Recorder) *chase.Orchestrator {
	sender := mail.NewSender(rt.cfg, rt.log)
	dispatcher := dispatch.New(sender, rt.log, dispatch.Options{
		ChunkSize:     rt.cfg.Dispatch.ChunkSize,
		MaxRetries:    rt.cfg.Dispatch.MaxRetries,
		BaseBackoff:   rt.cfg.BackoffBase(),
		RatePerSecond: rt.cfg.Dispatch.RatePerSecond,
	})
	return chase.New(rt.cfg, store, dispatcher, rec, rt.log)
}
